package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"voodoo-go/internal/event"
	"voodoo-go/internal/store"
)

// loadCommandConfig reads the config file named by --config, applies the
// run flags when the command has them, and builds the logger. Logs go to
// stderr so stdout stays clean for summaries.
func loadCommandConfig(cmd *cobra.Command, runFlags bool) (*Config, *slog.Logger, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := loadConfig(path, cmd.Flags().Changed("config"))
	if err != nil {
		return nil, nil, exitError(exitSetup, "%v", err)
	}
	if cmd.Flags().Changed("store") {
		cfg.Store.Path, _ = cmd.Flags().GetString("store")
	}
	if runFlags {
		if err := applyRunFlags(cmd, cfg); err != nil {
			return nil, nil, exitError(exitSetup, "%v", err)
		}
	}
	if err := cfg.validate(); err != nil {
		return nil, nil, exitError(exitSetup, "invalid config: %v", err)
	}
	return cfg, newLogger(cfg, cmd.ErrOrStderr()), nil
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <test.xml>...",
		Short: "Run test files as one run",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			if name == "" {
				name = filepath.Base(args[0])
				if len(args) > 1 {
					name = fmt.Sprintf("%s +%d", name, len(args)-1)
				}
			}
			return runTests(cmd, name, args)
		},
	}
	addRunFlags(cmd)
	cmd.Flags().String("name", "", "Run name (default: first test file)")
	cmd.Flags().Bool("serve", false, "Serve the web API while the run is in progress")
	return cmd
}

func newSuiteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "suite <suite.xml>",
		Short: "Run every test listed in a suite file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tests, err := loadSuite(args[0])
			if err != nil {
				return err
			}
			return runTests(cmd, filepath.Base(args[0]), tests)
		},
	}
	addRunFlags(cmd)
	cmd.Flags().Bool("serve", false, "Serve the web API while the run is in progress")
	return cmd
}

func loadSuite(path string) ([]string, error) {
	tests, err := event.LoadSuite(path)
	if err != nil {
		return nil, exitError(exitSetup, "load suite: %v", err)
	}
	if len(tests) == 0 {
		return nil, exitError(exitSetup, "suite %s lists no tests", path)
	}
	return tests, nil
}

// runTests runs tests under one run record and maps the outcome to the
// process exit code.
func runTests(cmd *cobra.Command, name string, tests []string) error {
	cfg, logger, err := loadCommandConfig(cmd, true)
	if err != nil {
		return err
	}
	a, err := newApp(cfg, logger)
	if err != nil {
		return exitError(exitSetup, "%v", err)
	}
	defer a.Close()
	if err := a.setupRunner(); err != nil {
		return exitError(exitSetup, "%v", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mqtt := initMQTT(a.bus, cfg, logger)
	mqtt.OnAbort(stop)
	defer mqtt.Stop()

	if serve, _ := cmd.Flags().GetBool("serve"); serve {
		ws, err := initWeb(a, cfg, logger)
		if err != nil {
			return exitError(exitSetup, "web: %v", err)
		}
		defer ws.Stop()
	}

	run, err := a.runner.Run(ctx, name, tests)
	if err != nil {
		return exitError(exitSetup, "%v", err)
	}
	printRun(cmd.OutOrStdout(), run)

	switch {
	case run.Status == store.StatusAborted:
		return exitError(exitAborted, "run %s aborted after %d of %d tests", run.ID, run.Total, len(tests))
	case run.Failed > 0:
		return exitError(exitFailures, "%d of %d tests failed", run.Failed, run.Total)
	}
	return nil
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve [suite.xml]",
		Short: "Serve the results API, optionally running a suite while serving",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runServe,
	}
	addRunFlags(cmd)
	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadCommandConfig(cmd, true)
	if err != nil {
		return err
	}
	var tests []string
	if len(args) == 1 {
		if tests, err = loadSuite(args[0]); err != nil {
			return err
		}
	}

	a, err := newApp(cfg, logger)
	if err != nil {
		return exitError(exitSetup, "%v", err)
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ws, err := initWeb(a, cfg, logger)
	if err != nil {
		return exitError(exitSetup, "web: %v", err)
	}
	defer ws.Stop()

	mqtt := initMQTT(a.bus, cfg, logger)
	defer mqtt.Stop()

	if len(tests) > 0 {
		if err := a.setupRunner(); err != nil {
			return exitError(exitSetup, "%v", err)
		}
		runCtx, abort := context.WithCancel(ctx)
		defer abort()
		mqtt.OnAbort(abort)
		run, err := a.runner.Run(runCtx, filepath.Base(args[0]), tests)
		if err != nil {
			logger.Error("run failed", "err", err)
		} else {
			printRun(cmd.OutOrStdout(), run)
		}
	}

	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "List stored runs, or the results of one run",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runHistory,
	}
	cmd.Flags().Int("limit", 20, "Number of runs to list (0 for all)")
	cmd.Flags().String("format", "table", "Output format: table | json")
	return cmd
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadCommandConfig(cmd, false)
	if err != nil {
		return err
	}
	format, _ := cmd.Flags().GetString("format")
	if format != "table" && format != "json" {
		return exitError(exitSetup, "unknown format %q", format)
	}
	a, err := newApp(cfg, logger)
	if err != nil {
		return exitError(exitSetup, "%v", err)
	}
	defer a.Close()

	out := cmd.OutOrStdout()
	if len(args) == 1 {
		run, err := a.store.GetRun(args[0])
		if errors.Is(err, store.ErrNotFound) {
			return exitError(exitSetup, "run %s not found", args[0])
		}
		if err != nil {
			return exitError(exitSetup, "%v", err)
		}
		results, err := a.store.ListResults(run.ID)
		if err != nil {
			return exitError(exitSetup, "%v", err)
		}
		if format == "json" {
			return writeJSON(out, map[string]any{"run": run, "results": results})
		}
		printRun(out, run)
		printResults(out, results)
		return nil
	}

	limit, _ := cmd.Flags().GetInt("limit")
	runs, err := a.store.ListRuns(limit)
	if err != nil {
		return exitError(exitSetup, "%v", err)
	}
	if format == "json" {
		if runs == nil {
			runs = []*store.Run{}
		}
		return writeJSON(out, runs)
	}
	printRuns(out, runs)
	return nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "voodoo version %s\n", version)
		},
	}
}

func printRun(w io.Writer, run *store.Run) {
	fmt.Fprintf(w, "run %s %q: %s\n", run.ID, run.Name, run.Status)
	fmt.Fprintf(w, "  total %d  passed %d  failed %d  blocked %d  watchdog %d\n",
		run.Total, run.Passed, run.Failed, run.Blocked, run.Watchdog)
	if !run.End.IsZero() {
		fmt.Fprintf(w, "  took %s\n", run.End.Sub(run.Start).Round(time.Millisecond))
	}
}

func printRuns(w io.Writer, runs []*store.Run) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "no runs recorded")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 2, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSTATUS\tSTARTED\tTOTAL\tPASSED\tFAILED\tBLOCKED")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%d\n",
			r.ID, r.Name, r.Status, r.Start.Format(time.DateTime),
			r.Total, r.Passed, r.Failed, r.Blocked)
	}
	tw.Flush()
}

func printResults(w io.Writer, results []*store.TestResult) {
	tw := tabwriter.NewWriter(w, 0, 2, 2, ' ', 0)
	fmt.Fprintln(tw, "TEST\tRESULT\tERRORS\tFAILED_ASSERTS\tEXCEPTIONS\tLOG")
	for _, r := range results {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%s\n",
			r.TestFile, r.Result, r.Errors, r.FailedAsserts, r.Exceptions, r.LogFile)
	}
	tw.Flush()
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
