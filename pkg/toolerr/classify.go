package toolerr

import (
	"context"

	"github.com/pkg/errors"
)

// Code is a short error category used in logs and as CLI exit status.
type Code string

const (
	CodeUnknown       Code = "unknown"
	CodeConfig        Code = "config"
	CodeTemplate      Code = "template"
	CodeTool          Code = "tool"
	CodeMissingOutput Code = "missing_output"
	CodeParse         Code = "parse"
	CodeCancel        Code = "cancel"
)

// Classify maps an error onto its category. Only sentinels are inspected,
// never message text.
func Classify(err error) Code {
	switch {
	case err == nil:
		return CodeUnknown
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return CodeCancel
	case errors.Is(err, ErrConfig):
		return CodeConfig
	case errors.Is(err, ErrTemplate):
		return CodeTemplate
	case errors.Is(err, ErrTool):
		return CodeTool
	case errors.Is(err, ErrMissingOutput):
		return CodeMissingOutput
	case errors.Is(err, ErrParse):
		return CodeParse
	}
	return CodeUnknown
}

// ExitCode returns the process exit status for an error category.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	switch Classify(err) {
	case CodeConfig:
		return 3
	case CodeTemplate:
		return 4
	case CodeTool:
		return 5
	case CodeMissingOutput:
		return 6
	case CodeParse:
		return 7
	case CodeCancel:
		return 130
	}
	return 1
}
