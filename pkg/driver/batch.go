package driver

import (
	"bufio"
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"emspider/pkg/script"
	"emspider/pkg/toolerr"
)

// FatalMarker is printed by SPIDER when a batch script aborts. SPIDER may
// still exit with status 0.
const FatalMarker = "FATAL ERROR ENCOUNTERED IN BATCH MODE"

// Job is one batch execution of a rendered script.
type Job struct {
	// Script is the rendered script path. It is run from Dir by base name.
	Script string
	// Ext is the data extension given to SPIDER, e.g. "stk" or "pam/stk".
	Ext string
	// Dir is the working directory; defaults to the script's directory.
	Dir string
	// MPI is the number of MPI processes; values below 2 run single-process.
	MPI int
	// LogPath receives stdout and stderr; defaults to "<Dir>/<script>.log".
	// Existing content is kept and only the new output is scanned.
	LogPath string
}

// Runner executes batch jobs.
type Runner struct {
	Program Program
	Log     *zap.Logger
	Metrics *Metrics
}

// NewRunner returns a Runner for prog.
func NewRunner(prog Program, log *zap.Logger, metrics *Metrics) *Runner {
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{Program: prog, Log: log, Metrics: metrics}
}

// RunScript runs job and waits for SPIDER to exit. It returns a
// *toolerr.ToolError when the process cannot start, exits non-zero, or
// reports a fatal batch error in its log.
func (r *Runner) RunScript(ctx context.Context, job Job) (err error) {
	if job.Dir == "" {
		job.Dir = filepath.Dir(job.Script)
	}
	name := scriptName(job.Script)
	if job.LogPath == "" {
		job.LogPath = filepath.Join(job.Dir, name+".log")
	}
	program := r.Program.Name(job.MPI)

	start := time.Now()
	defer func() { r.Metrics.observe(ModeBatch, start, err) }()

	logFile, err := os.OpenFile(job.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return &toolerr.ToolError{Program: program, Log: job.LogPath, Reason: "cannot open log", Err: err}
	}
	offset, err := logFile.Seek(0, io.SeekEnd)
	if err != nil {
		logFile.Close()
		return &toolerr.ToolError{Program: program, Log: job.LogPath, Reason: "cannot open log", Err: err}
	}

	cmd := r.Program.command(ctx, job.Dir, job.Ext, name, job.MPI)
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	r.Log.Info("running SPIDER",
		zap.String("program", program),
		zap.Strings("args", cmd.Args[1:]),
		zap.String("dir", job.Dir),
		zap.String("log", job.LogPath))

	runErr := cmd.Run()
	logFile.Close()

	if runErr != nil {
		if ctx.Err() != nil {
			return &toolerr.ToolError{Program: program, Log: job.LogPath, Reason: "interrupted", Err: ctx.Err()}
		}
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			return &toolerr.ToolError{Program: program, ExitCode: exitErr.ExitCode(), Log: job.LogPath}
		}
		return &toolerr.ToolError{Program: program, Log: job.LogPath, Reason: "cannot start", Err: runErr}
	}

	fatal, err := scanLog(job.LogPath, offset)
	if err != nil {
		return &toolerr.ToolError{Program: program, Log: job.LogPath, Reason: "cannot read log", Err: err}
	}
	if fatal != "" {
		return &toolerr.ToolError{Program: program, Log: job.LogPath, Reason: strings.TrimSpace(fatal)}
	}

	r.Log.Debug("SPIDER finished", zap.String("script", job.Script), zap.Duration("elapsed", time.Since(start)))
	return nil
}

// RunTemplate renders template into job.Dir as "<template-base>.<ext>" and
// runs it. The rendered script path is returned even when the run fails.
func (r *Runner) RunTemplate(ctx context.Context, template string, params script.Params, job Job) (string, error) {
	job.Script = ScriptPath(job.Dir, template, job.Ext)
	if err := script.WriteScript(template, job.Script, params, r.Log); err != nil {
		return "", &toolerr.TemplateError{Template: template, Err: err}
	}
	return job.Script, r.RunScript(ctx, job)
}

// ScriptPath names the script rendered from template in dir: the template
// base name with the first component of ext as extension.
func ScriptPath(dir, template, ext string) string {
	first, _, _ := strings.Cut(ext, "/")
	return filepath.Join(dir, scriptName(template)+"."+first)
}

// scanLog returns the first line at or after offset containing FatalMarker.
func scanLog(path string, offset int64) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return "", err
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		if strings.Contains(scanner.Text(), FatalMarker) {
			return scanner.Text(), nil
		}
	}
	return "", scanner.Err()
}
