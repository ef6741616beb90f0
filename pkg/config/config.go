// Package config provides configuration loading and management for emspider.
// It handles loading configuration from YAML files, provides default values
// and resolves the SPIDER installation from the process environment.
package config

import (
	"os"
	"path/filepath"
	"runtime"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// SPIDER installation
	Spider struct {
		// Home overrides SPIDER_HOME when set
		Home string `yaml:"home"`

		// Program is the single-process executable name, relative to the bin directory
		Program string `yaml:"program"`

		// MPIProgram is the MPI executable name, relative to the bin directory
		MPIProgram string `yaml:"mpiProgram"`

		// MPILauncher starts MPI runs, called as "<launcher> -np N <mpiProgram> ..."
		MPILauncher string `yaml:"mpiLauncher"`

		// ScriptsDir holds the template scripts, one sub-directory per SPIDER version
		ScriptsDir string `yaml:"scriptsDir"`
	} `yaml:"spider"`

	// Run parameters shared by all protocols
	Run struct {
		// Threads is passed to SPIDER as the number of OpenMP threads
		Threads int `yaml:"threads"`

		// MPI is the number of MPI processes, 1 disables MPI
		MPI int `yaml:"mpi"`

		// WorkDir is the root under which each run gets its own directory
		WorkDir string `yaml:"workDir"`
	} `yaml:"run"`

	// Logging parameters
	Logging struct {
		// Level is one of debug, info, warn, error
		Level string `yaml:"level"`

		// Format is "json" or "console"
		Format string `yaml:"format"`

		// ShellTranscript mirrors every interactive shell line into the run directory
		ShellTranscript bool `yaml:"shellTranscript"`
	} `yaml:"logging"`

	// Metrics parameters
	Metrics struct {
		// File receives the run metrics in Prometheus text format when set
		File string `yaml:"file"`
	} `yaml:"metrics"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Spider.Program = DefaultProgram
	cfg.Spider.MPIProgram = DefaultMPIProgram
	cfg.Spider.MPILauncher = "mpirun"
	cfg.Spider.ScriptsDir = "scripts"

	cfg.Run.Threads = runtime.NumCPU()
	cfg.Run.MPI = 1
	cfg.Run.WorkDir = "runs"

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "console"

	return cfg
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, errors.Wrap(err, "error reading config file")
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, "error parsing config file")
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrap(err, "error creating config directory")
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return errors.Wrap(err, "error marshaling config")
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return errors.Wrap(err, "error writing config file")
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	return SaveConfig(DefaultConfig(), configPath)
}
