package driver

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"emspider/pkg/script"
	"emspider/pkg/toolerr"
)

// ShellOptions configure an interactive session.
type ShellOptions struct {
	// Ext is the data extension, sent as the first line. Defaults to "spi".
	Ext string
	// Dir is the working directory of the interpreter.
	Dir string
	// Transcript, when set, receives a copy of every line sent.
	Transcript string
	// Output receives the interpreter's stdout and stderr; discarded when nil.
	Output io.Writer
}

// Shell is a running SPIDER interpreter fed line by line. A Shell is owned
// by a single goroutine.
type Shell struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	w       *bufio.Writer
	debug   *os.File
	log     *zap.Logger
	metrics *Metrics
	program string
	start   time.Time
	closed  bool
}

// StartShell spawns the interpreter and sends the data extension.
func StartShell(ctx context.Context, prog Program, opts ShellOptions, log *zap.Logger, metrics *Metrics) (*Shell, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.Ext == "" {
		opts.Ext = "spi"
	}

	cmd := exec.CommandContext(ctx, prog.Path)
	cmd.Dir = opts.Dir
	cmd.Env = append(os.Environ(), prog.Env...)
	cmd.Stdout = opts.Output
	cmd.Stderr = opts.Output

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errors.Wrap(err, "create stdin pipe")
	}

	s := &Shell{
		cmd:     cmd,
		stdin:   stdin,
		w:       bufio.NewWriter(stdin),
		log:     log,
		metrics: metrics,
		program: prog.Path,
		start:   time.Now(),
	}
	if opts.Transcript != "" {
		if s.debug, err = os.Create(opts.Transcript); err != nil {
			stdin.Close()
			return nil, errors.Wrapf(err, "create transcript %s", opts.Transcript)
		}
	}

	if err := cmd.Start(); err != nil {
		s.closeTranscript()
		return nil, &toolerr.ToolError{Program: prog.Path, Reason: "cannot start", Err: err}
	}
	log.Info("SPIDER shell started", zap.String("program", prog.Path), zap.String("dir", opts.Dir))

	if err := s.RunCmd(opts.Ext); err != nil {
		s.Close(false)
		return nil, err
	}
	return s, nil
}

// RunCmd sends one command line and flushes it.
func (s *Shell) RunCmd(cmd string) error {
	if s.closed {
		return errors.New("shell is closed")
	}
	if s.debug != nil {
		fmt.Fprintln(s.debug, cmd)
	}
	if _, err := s.w.WriteString(cmd + "\n"); err != nil {
		return &toolerr.ToolError{Program: s.program, Reason: "write to shell", Err: err}
	}
	if err := s.w.Flush(); err != nil {
		return &toolerr.ToolError{Program: s.program, Reason: "write to shell", Err: err}
	}
	return nil
}

// RunFunction sends an operation name followed by one argument per line.
func (s *Shell) RunFunction(name string, args ...any) error {
	lines := make([]string, 0, len(args)+1)
	lines = append(lines, name)
	for _, a := range args {
		lines = append(lines, fmt.Sprint(a))
	}
	return s.RunCmd(strings.Join(lines, "\n"))
}

// RunScript streams a template to the interpreter. Header values are
// substituted as in script.Render; comment lines are not sent.
func (s *Shell) RunScript(templatePath string, params script.Params) error {
	f, err := os.Open(templatePath)
	if err != nil {
		return &toolerr.TemplateError{Template: templatePath, Err: err}
	}
	defer f.Close()

	sub := script.NewSubstituter(params, s.log)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(sub.Next(strings.TrimRight(scanner.Text(), "\r")))
		if strings.HasPrefix(line, ";") {
			continue
		}
		if err := s.RunCmd(line); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return &toolerr.TemplateError{Template: templatePath, Err: err}
	}
	return nil
}

// Close optionally sends "end", closes stdin and waits for the interpreter
// to exit. A non-zero exit is reported as a *toolerr.ToolError.
func (s *Shell) Close(end bool) (err error) {
	if s.closed {
		return nil
	}
	defer func() { s.metrics.observe(ModeInteractive, s.start, err) }()

	if end {
		if werr := s.RunCmd("end"); werr != nil {
			s.log.Warn("cannot send end to SPIDER shell", zap.Error(werr))
		}
	}
	s.closed = true
	s.stdin.Close()
	s.closeTranscript()

	if werr := s.cmd.Wait(); werr != nil {
		var exitErr *exec.ExitError
		if errors.As(werr, &exitErr) {
			return &toolerr.ToolError{Program: s.program, ExitCode: exitErr.ExitCode(), Reason: "shell exited"}
		}
		return &toolerr.ToolError{Program: s.program, Reason: "shell exited", Err: werr}
	}
	s.log.Info("SPIDER shell closed", zap.Duration("elapsed", time.Since(s.start)))
	return nil
}

func (s *Shell) closeTranscript() {
	if s.debug != nil {
		s.debug.Close()
		s.debug = nil
	}
}
