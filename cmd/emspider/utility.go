package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"emspider/pkg/config"
	"emspider/pkg/docfile"
	"emspider/pkg/protocol"
	"emspider/pkg/report"
	"emspider/pkg/script"
)

var (
	scriptExt  string
	scriptSets []string
	scriptMPI  int

	withKeys bool
)

var runTemplateCmd = &cobra.Command{
	Use:   "run-template <template>",
	Short: "Render a bundled script and run it in batch mode",
	Long: `Renders the named template from the script library into a new run
directory and runs it. Placeholders are set with --set, e.g.

  emspider run-template mda/ca-pca.msa --set '[num-factors]=9' --set "[particles]='particles@******'"`,
	Args: cobra.ExactArgs(1),
	RunE: runTemplate,
}

var shellCmd = &cobra.Command{
	Use:   "shell [commands-file]",
	Short: "Feed commands to an interactive SPIDER session",
	Long: `Starts SPIDER interactively in a new run directory and sends every line of
commands-file (standard input when omitted). Lines starting with ";" are
skipped. The session is ended with "end" once all lines are sent.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runShell,
}

var docfileCmd = &cobra.Command{
	Use:   "docfile",
	Short: "Inspect SPIDER document files",
}

var docfileCatCmd = &cobra.Command{
	Use:   "cat <file>",
	Short: "Print the records of a document file",
	Args:  cobra.ExactArgs(1),
	RunE:  catDocfile,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the configuration file",
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a configuration file with default values",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := configPath
		if len(args) == 1 {
			path = args[0]
		}
		if _, err := os.Stat(path); err == nil {
			return errors.Errorf("%s already exists", path)
		}
		if err := config.CreateDefaultConfigFile(path); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
		return nil
	},
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check the SPIDER installation",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := environment()
		if err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "bin:     %s\n", env.BinDir)
		fmt.Fprintf(w, "man:     %s\n", env.ManDir)
		fmt.Fprintf(w, "proc:    %s\n", env.ProcDir)
		fmt.Fprintf(w, "program: %s\n", env.ProgramPath(false))
		if cfg.Run.MPI > 1 {
			fmt.Fprintf(w, "mpi:     %s (%d processes)\n", env.ProgramPath(true), cfg.Run.MPI)
		}
		version := env.Version
		if version == "" {
			version = "unknown"
		}
		fmt.Fprintf(w, "version: %s\n", version)
		return nil
	},
}

var reportCmd = &cobra.Command{
	Use:   "report <run-dir>",
	Short: "Summarize a finished run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := protocol.LoadManifest(filepath.Join(args[0], protocol.ManifestFile))
		if err != nil {
			return err
		}
		return report.WriteRun(cmd.OutOrStdout(), m)
	},
}

func init() {
	runTemplateCmd.Flags().StringVar(&scriptExt, "ext", "stk", "Data extension, e.g. stk or pam/stk")
	runTemplateCmd.Flags().StringArrayVar(&scriptSets, "set", nil, "Placeholder value as name=value (repeatable)")
	runTemplateCmd.Flags().IntVar(&scriptMPI, "mpi", 1, "MPI processes")
	shellCmd.Flags().StringVar(&scriptExt, "ext", "stk", "Data extension")
	docfileCatCmd.Flags().BoolVar(&withKeys, "keys", false, "Print record keys")

	docfileCmd.AddCommand(docfileCatCmd)
	configCmd.AddCommand(configInitCmd)
}

// parseSets turns name=value pairs into script parameters. Integers and
// reals keep their type so they are formatted like SPIDER expects.
func parseSets(sets []string) (script.Params, error) {
	params := script.Params{}
	for _, s := range sets {
		name, value, ok := strings.Cut(s, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, errors.Errorf("invalid --set %q, want name=value", s)
		}
		value = strings.TrimSpace(value)
		if i, err := strconv.Atoi(value); err == nil {
			params[name] = i
		} else if f, err := strconv.ParseFloat(value, 64); err == nil {
			params[name] = f
		} else {
			params[name] = value
		}
	}
	return params, nil
}

func runTemplate(cmd *cobra.Command, args []string) error {
	params, err := parseSets(scriptSets)
	if err != nil {
		return err
	}
	tools, err := newTools()
	if err != nil {
		return err
	}
	name := args[0]
	run, err := newRun(strings.TrimSuffix(filepath.Base(name), filepath.Ext(name)))
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	err = run.Advance(protocol.StateInputsConverted)
	var path string
	if err == nil {
		err = run.Step(protocol.StateScriptsWritten, func() (err error) {
			path, err = tools.WriteTemplate(run, "", name, scriptExt, params)
			return err
		})
	}
	if err == nil {
		err = run.Step(protocol.StateToolExecuted, func() error {
			return tools.RunScript(ctx, run, path, scriptExt, scriptMPI)
		})
	}
	if err == nil {
		err = run.Advance(protocol.StateOutputsParsed)
	}
	return finish(cmd, tools, run, err)
}

func runShell(cmd *cobra.Command, args []string) error {
	in := cmd.InOrStdin()
	if len(args) == 1 {
		f, err := os.Open(args[0])
		if err != nil {
			return errors.Wrap(err, "open commands file")
		}
		defer f.Close()
		in = f
	}
	tools, err := newTools()
	if err != nil {
		return err
	}
	run, err := newRun("shell")
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	for _, s := range []protocol.State{protocol.StateInputsConverted, protocol.StateScriptsWritten} {
		if err == nil {
			err = run.Advance(s)
		}
	}
	if err == nil {
		err = run.Step(protocol.StateToolExecuted, func() error {
			return feedShell(ctx, tools, run, in)
		})
	}
	if err == nil {
		err = run.Advance(protocol.StateOutputsParsed)
	}
	return finish(cmd, tools, run, err)
}

func feedShell(ctx context.Context, tools *protocol.Tools, run *protocol.Run, in io.Reader) error {
	sh, err := tools.StartShell(ctx, run, scriptExt)
	if err != nil {
		return err
	}
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, ";") {
			continue
		}
		if err := sh.RunCmd(line); err != nil {
			sh.Close(false)
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		sh.Close(false)
		return errors.Wrap(err, "read commands")
	}
	return sh.Close(true)
}

func catDocfile(cmd *cobra.Command, args []string) error {
	r, err := docfile.Open(args[0])
	if err != nil {
		return err
	}
	defer r.Close()

	seq := r.Values()
	if withKeys {
		seq = r.Rows()
	}
	w := cmd.OutOrStdout()
	for values, err := range seq {
		if err != nil {
			return err
		}
		fields := make([]string, len(values))
		for i, v := range values {
			fields[i] = strconv.FormatFloat(v, 'g', -1, 64)
		}
		fmt.Fprintln(w, strings.Join(fields, " "))
	}
	return nil
}
