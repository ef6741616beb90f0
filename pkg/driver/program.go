// Package driver launches the SPIDER interpreter, either in batch mode on a
// rendered script or as a long-lived interactive shell fed over stdin.
package driver

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"emspider/pkg/config"
)

// Program describes how to start SPIDER.
type Program struct {
	// Path is the single-process executable.
	Path string
	// MPIPath is the executable used when a job requests more than one
	// MPI process.
	MPIPath string
	// Launcher starts MPI jobs as "<Launcher> -np N <MPIPath> ...".
	Launcher string
	// Env is appended to the parent environment of every child.
	Env []string
}

// NewProgram builds a Program from a resolved installation.
func NewProgram(env *config.Environment) Program {
	return Program{
		Path:     env.ProgramPath(false),
		MPIPath:  env.ProgramPath(true),
		Launcher: env.Launcher,
		Env:      env.Environ(),
	}
}

// Name returns the executable that a job with mpi processes runs.
func (p Program) Name(mpi int) string {
	if mpi > 1 {
		return p.MPIPath
	}
	return p.Path
}

// command builds "<program> <ext> @<script>" in dir, prefixed by the MPI
// launcher when mpi > 1. script is passed without its extension, as SPIDER
// appends the data extension itself.
func (p Program) command(ctx context.Context, dir, ext, scriptName string, mpi int) *exec.Cmd {
	args := []string{ext, "@" + scriptName}
	var cmd *exec.Cmd
	if mpi > 1 {
		launcher := strings.Fields(p.Launcher)
		if len(launcher) == 0 {
			launcher = []string{"mpirun"}
		}
		full := append(launcher[1:], "-np", strconv.Itoa(mpi), p.MPIPath)
		cmd = exec.CommandContext(ctx, launcher[0], append(full, args...)...)
	} else {
		cmd = exec.CommandContext(ctx, p.Path, args...)
	}
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), p.Env...)
	return cmd
}

// scriptName strips directory and extension from a script path.
func scriptName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
