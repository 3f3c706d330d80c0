package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/curtailx/curtailx/app/reconciler"
	"github.com/curtailx/curtailx/app/reconciler/types"
	"github.com/curtailx/curtailx/pkg/config"
	"github.com/curtailx/curtailx/pkg/faults"
	"github.com/curtailx/curtailx/pkg/logging"
	"github.com/curtailx/curtailx/pkg/utils"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var version = "dev"

var (
	verbose    bool
	configPath string
	cfg        *config.Config
	logger     *zap.Logger
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	cancel()
	if logger != nil {
		_ = logger.Sync()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
	}
	os.Exit(exitCode(err))
}

// exitCode is 0 on success, 2 for configuration or invalid input, 1 otherwise.
func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case faults.IsInvalidParameter(err):
		return 2
	default:
		return 1
	}
}

var rootCmd = &cobra.Command{
	Use:           "reconciler",
	Short:         "Reconcile curtailment facts with derived mining potential",
	Long:          "reconciler finds settlement dates whose mining potential rows are missing or stale, recomputes them and rebuilds the daily, monthly and yearly summaries.",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" {
			return nil
		}
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		level := cfg.Logging.Level
		if verbose {
			level = "debug"
		}
		logger, err = logging.New(level, cfg.Logging.Encoding)
		if err != nil {
			return faults.InvalidParameter("logging", "%v", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file")
	rootCmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return faults.InvalidParameter("flags", "%v", err)
	})

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newAnalyzeCmd())
	rootCmd.AddCommand(newReconcileCmd())
	rootCmd.AddCommand(newFixCmd())
	rootCmd.AddCommand(newFixRangeCmd())
	rootCmd.AddCommand(resetCheckpointCmd)
	rootCmd.AddCommand(serveCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("reconciler", version)
	},
}

// openApp connects the store and builds the App; the caller closes it.
func openApp(ctx context.Context) (*reconciler.App, error) {
	return reconciler.Initialize(ctx, cfg, logger)
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// parseRange parses --start/--end. Both are required unless optional is set, in which
// case both or neither must be given.
func parseRange(start, end string, optional bool) (time.Time, time.Time, error) {
	if start == "" && end == "" && optional {
		return time.Time{}, time.Time{}, nil
	}
	if start == "" || end == "" {
		return time.Time{}, time.Time{}, faults.InvalidParameter("flags", "--start and --end are required")
	}
	s, err := utils.ParseDate(start)
	if err != nil {
		return time.Time{}, time.Time{}, faults.InvalidParameter("flags", "--start: %v", err)
	}
	e, err := utils.ParseDate(end)
	if err != nil {
		return time.Time{}, time.Time{}, faults.InvalidParameter("flags", "--end: %v", err)
	}
	if e.Before(s) {
		return time.Time{}, time.Time{}, faults.InvalidParameter("flags", "--end %s is before --start %s", end, start)
	}
	return s, e, nil
}

func withApp(cmd *cobra.Command, fn func(ctx context.Context, app *reconciler.App) (interface{}, error)) error {
	ctx := cmd.Context()
	app, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := app.Close(); err != nil {
			logger.Warn("close failed", zap.Error(err))
		}
	}()

	out, err := fn(ctx, app)
	if out != nil {
		if werr := writeJSON(cmd.OutOrStdout(), out); werr != nil && err == nil {
			err = werr
		}
	}
	return err
}

func newStatusCmd() *cobra.Command {
	var start, end string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the reconcile checkpoint and, with --start/--end, range completeness",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, e, err := parseRange(start, end, true)
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, app *reconciler.App) (interface{}, error) {
				return app.Status(ctx, s, e)
			})
		},
	}
	cmd.Flags().StringVar(&start, "start", "", "First date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&end, "end", "", "Last date (YYYY-MM-DD)")
	return cmd
}

func newAnalyzeCmd() *cobra.Command {
	var start, end, date string
	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Report missing mining potential for a date (--date) or a range (--start/--end)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if date != "" {
				d, err := utils.ParseDate(date)
				if err != nil {
					return faults.InvalidParameter("flags", "--date: %v", err)
				}
				return withApp(cmd, func(ctx context.Context, app *reconciler.App) (interface{}, error) {
					return app.Analyze(ctx, d)
				})
			}
			s, e, err := parseRange(start, end, false)
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, app *reconciler.App) (interface{}, error) {
				return app.AnalyzeRange(ctx, s, e)
			})
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "Single date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&start, "start", "", "First date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&end, "end", "", "Last date (YYYY-MM-DD)")
	return cmd
}

func newReconcileCmd() *cobra.Command {
	var start, end string
	var fresh bool
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Run a checkpointed reconcile over a date range, resuming an interrupted run",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, e, err := parseRange(start, end, false)
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, app *reconciler.App) (interface{}, error) {
				return app.Reconcile(ctx, types.BatchInput{Start: s, End: e, Fresh: fresh})
			})
		},
	}
	cmd.Flags().StringVar(&start, "start", "", "First date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&end, "end", "", "Last date (YYYY-MM-DD)")
	cmd.Flags().BoolVar(&fresh, "fresh", false, "Ignore any resumable checkpoint")
	return cmd
}

func newFixCmd() *cobra.Command {
	var date string
	var force bool
	cmd := &cobra.Command{
		Use:   "fix",
		Short: "Recompute one date and rebuild its daily, monthly and yearly summaries",
		RunE: func(cmd *cobra.Command, args []string) error {
			if date == "" {
				return faults.InvalidParameter("flags", "--date is required")
			}
			d, err := utils.ParseDate(date)
			if err != nil {
				return faults.InvalidParameter("flags", "--date: %v", err)
			}
			return withApp(cmd, func(ctx context.Context, app *reconciler.App) (interface{}, error) {
				return app.FixDate(ctx, types.FixInput{Date: d, Force: force})
			})
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "Date to fix (YYYY-MM-DD)")
	cmd.Flags().BoolVar(&force, "force", false, "Recompute every miner model, not just incomplete ones")
	return cmd
}

func newFixRangeCmd() *cobra.Command {
	var start, end string
	cmd := &cobra.Command{
		Use:   "fix-range",
		Short: "Repair every incomplete date in a range without using the checkpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, e, err := parseRange(start, end, false)
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, app *reconciler.App) (interface{}, error) {
				return app.FixRange(ctx, s, e)
			})
		},
	}
	cmd.Flags().StringVar(&start, "start", "", "First date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&end, "end", "", "Last date (YYYY-MM-DD)")
	return cmd
}

var resetCheckpointCmd = &cobra.Command{
	Use:   "reset-checkpoint",
	Short: "Delete the reconcile checkpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, app *reconciler.App) (interface{}, error) {
			if err := app.ResetCheckpoint(ctx); err != nil {
				return nil, err
			}
			return map[string]string{"status": "reset"}, nil
		})
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP API and run the scheduled reconcile",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		app, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = app.Close() }()

		if err := app.SetupScheduler(ctx); err != nil {
			return err
		}
		if err := app.SetupServer(); err != nil {
			return err
		}
		err = app.Start(ctx)
		if err == nil || errors.Is(err, context.Canceled) {
			logger.Info("さようなら!")
			return nil
		}
		return err
	},
}
