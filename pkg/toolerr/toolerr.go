// Package toolerr defines the error categories surfaced to the host platform
// when a SPIDER run fails. Every typed error unwraps to one of the sentinel
// errors below so callers can branch with errors.Is.
package toolerr

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Sentinel errors, one per category.
var (
	// ErrConfig indicates missing environment variables or executables.
	ErrConfig = errors.New("configuration error")
	// ErrTemplate indicates a script template could not be located or formatted.
	ErrTemplate = errors.New("template error")
	// ErrTool indicates the external SPIDER process failed.
	ErrTool = errors.New("external tool failed")
	// ErrMissingOutput indicates result files are absent after execution.
	ErrMissingOutput = errors.New("missing output")
	// ErrParse indicates a malformed numeric token in a document file.
	ErrParse = errors.New("parse error")
)

// ConfigError lists every missing variable or path found while resolving
// the SPIDER installation.
type ConfigError struct {
	Missing []string
	Reason  string
}

func (e *ConfigError) Error() string {
	var b strings.Builder
	b.WriteString("configuration error")
	if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	}
	if len(e.Missing) > 0 {
		b.WriteString(": missing ")
		b.WriteString(strings.Join(e.Missing, ", "))
	}
	return b.String()
}

func (e *ConfigError) Unwrap() error { return ErrConfig }

// TemplateError reports a template that cannot be used at all. Per-line
// substitution problems are logged and never returned.
type TemplateError struct {
	Template string
	Err      error
}

func (e *TemplateError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("template %s: %v", e.Template, e.Err)
	}
	return fmt.Sprintf("template %s not found", e.Template)
}

func (e *TemplateError) Unwrap() error { return ErrTemplate }

// ToolError is returned when SPIDER exits non-zero, its log cannot be read,
// or the log contains the batch-mode fatal error marker.
type ToolError struct {
	Program  string
	ExitCode int
	Log      string
	Reason   string
	Err      error
}

func (e *ToolError) Error() string {
	msg := fmt.Sprintf("external tool failed: %s", e.Program)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.ExitCode != 0 {
		msg += fmt.Sprintf(" (exit code %d)", e.ExitCode)
	}
	if e.Log != "" {
		msg += ", see log " + e.Log
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns both the sentinel and the underlying cause.
func (e *ToolError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrTool, e.Err}
	}
	return []error{ErrTool}
}

// MissingOutputError lists expected result files that were not produced.
type MissingOutputError struct {
	Paths []string
}

func (e *MissingOutputError) Error() string {
	return "missing output: " + strings.Join(e.Paths, ", ")
}

func (e *MissingOutputError) Unwrap() error { return ErrMissingOutput }

// ParseError locates a malformed token in a document file.
type ParseError struct {
	File  string
	Line  int
	Token string
	Err   error
}

func (e *ParseError) Error() string {
	where := e.File
	if where == "" {
		where = "<stream>"
	}
	msg := fmt.Sprintf("%s:%d: cannot parse %q", where, e.Line, e.Token)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ParseError) Unwrap() error { return ErrParse }

// MissingOutput is a shorthand for building a MissingOutputError.
func MissingOutput(paths ...string) error {
	return &MissingOutputError{Paths: paths}
}
