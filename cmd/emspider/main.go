package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"emspider/internal/models"
	"emspider/pkg/config"
	"emspider/pkg/convert"
	"emspider/pkg/driver"
	"emspider/pkg/logging"
	"emspider/pkg/protocol"
	"emspider/pkg/report"
	"emspider/pkg/script"
	"emspider/pkg/toolerr"
)

var (
	// Global flags
	verbose     bool
	configPath  string
	workDir     string
	runDir      string
	metricsFile string
	convertCmd  []string

	cfg    *config.Config
	logger *zap.Logger

	// getenv is replaced in tests.
	getenv = os.Getenv
)

var rootCmd = &cobra.Command{
	Use:   "emspider",
	Short: "Run SPIDER electron microscopy protocols",
	Long: `emspider drives the SPIDER image processing package.

It converts particle sets and volumes into SPIDER document files and stacks,
renders the bundled batch scripts, runs SPIDER (optionally under MPI) and
reads the results back. Every protocol run gets its own directory holding
the rendered scripts, the SPIDER log and a run.yaml manifest.

The SPIDER installation is taken from SPIDER_HOME, or from SPBIN_DIR,
SPMAN_DIR and SPPROC_DIR when SPIDER_HOME is not set.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.LoadConfig(configPath)
		if err != nil {
			return err
		}
		if workDir != "" {
			cfg.Run.WorkDir = workDir
		}
		if metricsFile == "" {
			metricsFile = cfg.Metrics.File
		}
		logger, err = logging.New(cfg.Logging.Level, cfg.Logging.Format, verbose)
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "emspider.yaml", "Configuration file")
	rootCmd.PersistentFlags().StringVar(&workDir, "work-dir", "", "Root of the run directories (overrides run.workDir)")
	rootCmd.PersistentFlags().StringVar(&runDir, "run-dir", "", "Use this run directory instead of a generated one")
	rootCmd.PersistentFlags().StringVar(&metricsFile, "metrics-file", "", "Write SPIDER run metrics in Prometheus text format")
	rootCmd.PersistentFlags().StringSliceVar(&convertCmd, "convert-command", nil,
		"Image conversion command with {src} and {dst} placeholders")

	rootCmd.AddCommand(refineCmd, reconstructCmd, capcaCmd, maskCmd, classifyCmd, alignCmd, filterCmd)
	rootCmd.AddCommand(runTemplateCmd, shellCmd, docfileCmd, configCmd, checkCmd, reportCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(toolerr.ExitCode(err))
	}
}

// signalContext is cancelled on SIGINT or SIGTERM, which kills a running
// SPIDER child.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// environment resolves and checks the SPIDER installation.
func environment() (*config.Environment, error) {
	env, err := config.ResolveEnvironment(cfg, getenv)
	if err != nil {
		return nil, err
	}
	if err := env.Validate(cfg.Run.MPI > 1); err != nil {
		return nil, err
	}
	logger.Debug("SPIDER environment",
		zap.String("bin", env.BinDir),
		zap.String("version", env.Version),
		zap.String("program", env.ProgramPath(false)))
	return env, nil
}

// newTools builds the collaborators shared by every protocol.
func newTools() (*protocol.Tools, error) {
	env, err := environment()
	if err != nil {
		return nil, err
	}
	metrics := driver.NewMetrics()
	return &protocol.Tools{
		Library:     &script.Library{Dir: env.ScriptsDir, Version: env.Version, Log: logger},
		Runner:      driver.NewRunner(driver.NewProgram(env), logger, metrics),
		Converter:   &convert.CommandConverter{Command: convertCmd, Log: logger},
		Metrics:     metrics,
		Log:         logger,
		Transcripts: cfg.Logging.ShellTranscript,
	}, nil
}

func newRun(adapter string) (*protocol.Run, error) {
	return protocol.NewRun(adapter, cfg.Run.WorkDir, runDir, logger)
}

// finish writes the manifest and metrics of run and prints its summary.
// err is the protocol error, returned unchanged.
func finish(cmd *cobra.Command, tools *protocol.Tools, run *protocol.Run, err error) error {
	if err != nil {
		run.Fail(err)
	}
	if ferr := run.Finish(); ferr != nil {
		logger.Error("cannot write run manifest", zap.Error(ferr))
		if err == nil {
			err = ferr
		}
	}
	if metricsFile != "" && tools.Metrics != nil {
		if merr := tools.Metrics.WriteFile(metricsFile); merr != nil {
			logger.Warn("cannot write metrics", zap.Error(merr))
		}
	}
	if rerr := report.WriteRun(cmd.OutOrStdout(), run.Manifest); rerr != nil {
		logger.Warn("cannot print run summary", zap.Error(rerr))
	}
	return err
}

// loadParams overlays the YAML file at path onto p.
func loadParams(path string, p any) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "read parameter file")
	}
	return errors.Wrapf(yaml.Unmarshal(data, p), "parse parameter file %s", path)
}

// parseLocation accepts "file" or "index@file".
func parseLocation(s string) (models.Location, error) {
	idx, file, ok := strings.Cut(s, "@")
	if !ok {
		return models.Location{File: s}, nil
	}
	n, err := strconv.Atoi(idx)
	if err != nil || n < 1 {
		return models.Location{}, errors.Errorf("invalid image location %q", s)
	}
	return models.Location{Index: n, File: file}, nil
}
