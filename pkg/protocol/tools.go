package protocol

import (
	"context"
	"path/filepath"

	"go.uber.org/zap"

	"emspider/pkg/convert"
	"emspider/pkg/driver"
	"emspider/pkg/script"
	"emspider/pkg/toolerr"
)

// LogFile is the SPIDER output log inside a run directory.
const LogFile = "run.log"

// Tools bundles the collaborators every adapter needs.
type Tools struct {
	Library   *script.Library
	Runner    *driver.Runner
	Converter convert.ImageConverter
	Metrics   *driver.Metrics
	Log       *zap.Logger

	// Transcripts mirrors interactive shell input into the run directory.
	Transcripts bool
}

// WriteTemplate renders the named template into dir (the run directory when
// empty) and records it in the manifest. It returns the script path.
func (t *Tools) WriteTemplate(run *Run, dir, name, ext string, params script.Params) (string, error) {
	if dir == "" {
		dir = run.Dir
	}
	src, err := t.Library.Path(name)
	if err != nil {
		return "", err
	}
	dst := driver.ScriptPath(dir, name, ext)
	if err := script.WriteScript(src, dst, params, run.Log()); err != nil {
		return "", &toolerr.TemplateError{Template: name, Err: err}
	}
	if err := run.RecordScript(dst); err != nil {
		return "", err
	}
	return dst, nil
}

// RunScript executes a rendered script in batch mode from its directory,
// appending SPIDER output to the run log.
func (t *Tools) RunScript(ctx context.Context, run *Run, path, ext string, mpi int) error {
	return t.Runner.RunScript(ctx, driver.Job{
		Script:  path,
		Ext:     ext,
		Dir:     filepath.Dir(path),
		MPI:     mpi,
		LogPath: run.Path(LogFile),
	})
}

// StartShell opens an interactive session in the run directory.
func (t *Tools) StartShell(ctx context.Context, run *Run, ext string) (*driver.Shell, error) {
	opts := driver.ShellOptions{Ext: ext, Dir: run.Dir}
	if t.Transcripts {
		opts.Transcript = run.Path("shell_transcript." + ext)
	}
	return driver.StartShell(ctx, t.Runner.Program, opts, run.Log(), t.Metrics)
}
