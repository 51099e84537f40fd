package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dhcgn/bounce-monitor/config"
	"github.com/dhcgn/bounce-monitor/imap"
	"github.com/dhcgn/bounce-monitor/metrics"
	"github.com/dhcgn/bounce-monitor/progress"
	"github.com/dhcgn/bounce-monitor/runner"
	"github.com/dhcgn/bounce-monitor/stats"
	"github.com/dhcgn/bounce-monitor/store"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Process every enabled bounce mailbox once",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, cleanup, err := setup(cmd)
		if err != nil {
			return err
		}
		defer func() {
			_ = cleanup()
		}()

		if err := cfg.ResolvePasswords(); err != nil {
			return err
		}

		logger.Info("starting bounce-monitor", "mailboxes", len(cfg.Mailboxes), "database", cfg.Database, "dryRun", cfg.DryRun)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return run(ctx, cfg, logger)
	},
}

func init() {
	if err := config.RegisterRunFlags(runCmd); err != nil {
		panic(fmt.Sprintf("register run flags: %v", err))
	}
	rootCmd.AddCommand(runCmd)
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	dbPath := cfg.Database
	if cfg.DryRun {
		// A dry run records into a throwaway database.
		dbPath = ":memory:"
	}
	st, err := openStore(dbPath, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if cfg.MetricsAddr != "" {
		srv := metrics.NewServer(cfg.MetricsAddr, logger)
		go func() {
			if err := srv.Start(ctx); err != nil {
				logger.Error("metrics server failed", "err", err)
			}
		}()
	}

	sinks := []stats.Sink{store.NewEventSink(st, logger)}
	if !cfg.Progress {
		sinks = append(sinks, stats.NewLogSink(logger))
	}

	r, err := runner.New(ctx, cfg, runner.Deps{Mail: imap.NewClient(logger), Store: st, Sinks: sinks}, logger)
	if err != nil {
		return fmt.Errorf("runner.New: %w", err)
	}

	if cfg.Progress {
		progress.NewProgressReporter(r, progress.New(cfg.LogLevel, nil), logger)
	} else {
		stats.NewReporter(r, logger)
	}

	results, err := r.Start()
	if cfg.Progress {
		if perr := progress.PrintResults(results); perr != nil {
			logger.Debug("printing results", "err", perr)
		}
	}
	return err
}
