package config

import (
	"os"
	"path/filepath"
	"strings"

	"emspider/pkg/toolerr"
)

// Environment variable names understood by SPIDER.
const (
	HomeVar    = "SPIDER_HOME"
	BinDirVar  = "SPBIN_DIR"
	ManDirVar  = "SPMAN_DIR"
	ProcDirVar = "SPPROC_DIR"

	// ProgramVar and MPIProgramVar override the executable names.
	ProgramVar    = "SPIDER"
	MPIProgramVar = "SPIDER_MPI"
)

// Default executable names.
const (
	DefaultProgram    = "spider_linux_mp_intel64"
	DefaultMPIProgram = "spider_linux_mpi_opt64"
)

// SupportedVersions lists the SPIDER releases the bundled scripts target.
var SupportedVersions = []string{"24.03"}

// Environment is the resolved SPIDER installation. It is built once at
// startup and shared read-only by every run.
type Environment struct {
	Home    string
	BinDir  string
	ManDir  string
	ProcDir string

	Program    string
	MPIProgram string
	Launcher   string

	// Version is the detected SPIDER release, empty when unknown.
	Version    string
	ScriptsDir string

	base []string
}

// ResolveEnvironment builds the Environment from cfg and the variables
// returned by getenv. When SPIDER_HOME is set the bin, man and proc
// directories derive from it; otherwise all three must be set explicitly.
// Every missing variable is reported in a single *toolerr.ConfigError.
func ResolveEnvironment(cfg *Config, getenv func(string) string) (*Environment, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	env := &Environment{
		Home:       cfg.Spider.Home,
		Program:    firstNonEmpty(getenv(ProgramVar), cfg.Spider.Program, DefaultProgram),
		MPIProgram: firstNonEmpty(getenv(MPIProgramVar), cfg.Spider.MPIProgram, DefaultMPIProgram),
		Launcher:   firstNonEmpty(cfg.Spider.MPILauncher, "mpirun"),
		ScriptsDir: cfg.Spider.ScriptsDir,
	}
	if env.Home == "" {
		env.Home = getenv(HomeVar)
	}

	if env.Home != "" {
		// SPIDER requires the trailing slash.
		env.BinDir = filepath.Join(env.Home, "bin") + "/"
		env.ManDir = filepath.Join(env.Home, "man") + "/"
		env.ProcDir = filepath.Join(env.Home, "proc") + "/"
		env.Version = DetectVersion(env.Home)
	} else {
		var missing []string
		for _, v := range []struct {
			name string
			dst  *string
		}{
			{BinDirVar, &env.BinDir},
			{ManDirVar, &env.ManDir},
			{ProcDirVar, &env.ProcDir},
		} {
			*v.dst = getenv(v.name)
			if *v.dst == "" {
				missing = append(missing, v.name)
			}
		}
		if len(missing) > 0 {
			return nil, &toolerr.ConfigError{
				Reason:  HomeVar + " is not set",
				Missing: missing,
			}
		}
		env.Version = DetectVersion(env.BinDir)
	}

	if p := getenv("PATH"); p != "" {
		env.base = append(env.base, "PATH="+p+string(os.PathListSeparator)+env.BinDir)
	} else {
		env.base = append(env.base, "PATH="+env.BinDir)
	}
	return env, nil
}

// DetectVersion returns the first supported version found in path or in its
// resolved form, or "" if none matches.
func DetectVersion(path string) string {
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		resolved = path
	}
	for _, v := range SupportedVersions {
		if strings.Contains(path, v) || strings.Contains(resolved, v) {
			return v
		}
	}
	return ""
}

// ProgramPath returns the absolute executable path for single-process or MPI
// runs.
func (e *Environment) ProgramPath(mpi bool) string {
	name := e.Program
	if mpi {
		name = e.MPIProgram
	}
	if filepath.IsAbs(name) {
		return name
	}
	p, err := filepath.Abs(filepath.Join(e.BinDir, name))
	if err != nil {
		return filepath.Join(e.BinDir, name)
	}
	return p
}

// Environ returns the variables to add to a child process environment.
func (e *Environment) Environ() []string {
	out := []string{
		BinDirVar + "=" + e.BinDir,
		ManDirVar + "=" + e.ManDir,
		ProcDirVar + "=" + e.ProcDir,
	}
	return append(out, e.base...)
}

// Validate checks that the installation directories and the executables
// exist. Everything missing is listed in one *toolerr.ConfigError.
func (e *Environment) Validate(mpi bool) error {
	var missing []string
	for _, d := range []struct{ name, path string }{
		{BinDirVar, e.BinDir},
		{ManDirVar, e.ManDir},
		{ProcDirVar, e.ProcDir},
	} {
		if _, err := os.Stat(d.path); err != nil {
			missing = append(missing, d.name+": "+d.path)
		}
	}
	progs := []string{e.ProgramPath(false)}
	if mpi {
		progs = append(progs, e.ProgramPath(true))
	}
	for _, p := range progs {
		fi, err := os.Stat(p)
		if err != nil || fi.IsDir() {
			missing = append(missing, p)
		}
	}
	if len(missing) > 0 {
		return &toolerr.ConfigError{Reason: "SPIDER installation incomplete", Missing: missing}
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
