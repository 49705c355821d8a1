package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"siemalert/internal/app"
	"siemalert/internal/cycle"
)

const (
	defaultConfigPath = "./config.yaml"
	defaultEnvFile    = ".env"
	stopTimeout       = 45 * time.Second
	schemaTimeout     = 30 * time.Second
)

// errCyclesFailed makes the process exit non-zero after a manual run in
// which at least one configuration failed.
var errCyclesFailed = errors.New("one or more configurations failed")

type rootFlags struct {
	configPath string
	envFile    string
}

type runFlags struct {
	force        bool
	ignoreMarker bool
	configIDs    []string
	jsonOut      bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rf := &rootFlags{}
	root := &cobra.Command{
		Use:   "siemalert",
		Short: "Scheduled SIEM alert notifications and reports",
		Long: `siemalert polls a Wazuh indexer for new alerts, sends one digest per
alerting configuration without repeating alerts it already sent, and delivers
daily, weekly and monthly reports exactly once per period.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return loadEnvFile(rf.envFile, cmd.Flags().Changed("env-file"))
		},
		RunE: func(cmd *cobra.Command, _ []string) error { return runDaemon(cmd.Context(), rf.configPath) },
	}
	root.PersistentFlags().StringVarP(&rf.configPath, "config", "c", defaultConfigPath, "path to config file (JSON or YAML)")
	root.PersistentFlags().StringVar(&rf.envFile, "env-file", defaultEnvFile, "dotenv file with SIEMALERT_* secrets")

	root.AddCommand(
		&cobra.Command{
			Use:   "run",
			Short: "Run the scheduler until interrupted (default)",
			Args:  cobra.NoArgs,
			RunE:  func(cmd *cobra.Command, _ []string) error { return runDaemon(cmd.Context(), rf.configPath) },
		},
		newCheckNowCmd(rf),
		newReportNowCmd(rf),
		newValidateCmd(rf),
	)
	return root
}

// loadEnvFile loads path into the environment. A missing default file is not
// an error; a missing file named explicitly is.
func loadEnvFile(path string, explicit bool) error {
	if path == "" {
		return nil
	}
	err := godotenv.Load(path)
	if err != nil && errors.Is(err, fs.ErrNotExist) && !explicit {
		return nil
	}
	return err
}

func runDaemon(parent context.Context, cfgPath string) error {
	ctx, cancel := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.NewApp(cfgPath)
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		stopCtx, stop := context.WithTimeout(context.Background(), stopTimeout)
		defer stop()
		_ = a.Stop(stopCtx, app.StopFatalError)
		return err
	}

	select {
	case <-ctx.Done():
	case <-a.Done():
	}
	reason := app.StopSignal
	if ctx.Err() == nil {
		reason = app.StopFatalError
	}

	stopCtx, stop := context.WithTimeout(context.Background(), stopTimeout)
	defer stop()
	_ = a.Stop(stopCtx, reason)
	if reason == app.StopFatalError {
		return a.Err()
	}
	return nil
}

func (f *runFlags) bind(cmd *cobra.Command, withMarker bool) {
	cmd.Flags().BoolVar(&f.force, "force", false, "ignore notify_time / schedule gating")
	cmd.Flags().StringSliceVar(&f.configIDs, "config-id", nil, "limit the run to these configuration IDs")
	cmd.Flags().BoolVar(&f.jsonOut, "json", false, "print the summary as JSON")
	if withMarker {
		cmd.Flags().BoolVar(&f.ignoreMarker, "ignore-marker", false, "send even if this period was already reported")
	}
}

func (f *runFlags) options() cycle.RunOptions {
	return cycle.RunOptions{
		Trigger:      cycle.TriggerManual,
		Force:        f.force,
		IgnoreMarker: f.ignoreMarker,
		ConfigIDs:    f.configIDs,
	}
}

func newCheckNowCmd(rf *rootFlags) *cobra.Command {
	f := &runFlags{}
	cmd := &cobra.Command{
		Use:   "check-now",
		Short: "Run one alert-check cycle and print the summary",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runOnce(cmd, rf.configPath, f, func(ctx context.Context, a *app.App) cycle.Summary {
				return a.Driver().RunAlertCheckNow(ctx, f.options())
			})
		},
	}
	f.bind(cmd, false)
	return cmd
}

func newReportNowCmd(rf *rootFlags) *cobra.Command {
	f := &runFlags{}
	cmd := &cobra.Command{
		Use:   "report-now",
		Short: "Run one report cycle and print the summary",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runOnce(cmd, rf.configPath, f, func(ctx context.Context, a *app.App) cycle.Summary {
				return a.Driver().RunReportCycleNow(ctx, f.options())
			})
		},
	}
	f.bind(cmd, true)
	return cmd
}

func runOnce(cmd *cobra.Command, cfgPath string, f *runFlags, run func(context.Context, *app.App) cycle.Summary) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.NewApp(cfgPath)
	if err != nil {
		return err
	}
	sctx, cancelSchema := context.WithTimeout(ctx, schemaTimeout)
	if err := a.EnsureSchemas(sctx); err != nil {
		// The run still goes ahead and reports per configuration.
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", err)
	}
	cancelSchema()
	s := run(ctx, a)

	stopCtx, stop := context.WithTimeout(context.Background(), stopTimeout)
	defer stop()
	_ = a.Stop(stopCtx, app.StopCommand)

	if err := printSummary(cmd.OutOrStdout(), s, f.jsonOut); err != nil {
		return err
	}
	if !s.OK() {
		return errCyclesFailed
	}
	return nil
}

func printSummary(w io.Writer, s cycle.Summary, asJSON bool) error {
	if !asJSON {
		_, err := fmt.Fprintln(w, s.String())
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(s)
}

func newValidateCmd(rf *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the config file and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := app.LoadConfig(rf.configPath)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "config ok: %d alert and %d report configurations in file rules\n",
				len(cfg.Rules.Alerts), len(cfg.Rules.Reports))
			return err
		},
	}
}
