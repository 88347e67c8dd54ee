package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/mistakeknot/ordinate/internal/orchestrator"
)

// newSweepCmd creates the "ordinate sweep" subcommand.
func newSweepCmd(open storeOpener) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one stale-session recovery pass",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := open()
			if err != nil {
				return err
			}
			defer store.Close()
			watchdog := orchestrator.NewWatchdog(store, nil, 0)
			return printJSON(cmd, watchdog.RunSweep(cmd.Context()))
		},
	}
}

// newMonitorCmd creates the "ordinate monitor" subcommand.
func newMonitorCmd(open storeOpener) *cobra.Command {
	var thresholdsPath string
	var window time.Duration

	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Run one lock health audit pass",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := open()
			if err != nil {
				return err
			}
			defer store.Close()
			thresholds, err := orchestrator.LoadThresholds(thresholdsPath)
			if err != nil {
				return err
			}
			monitor := orchestrator.NewLockMonitor(store, nil, thresholds, 0, window)
			return printJSON(cmd, monitor.Run(cmd.Context()))
		},
	}
	cmd.Flags().StringVar(&thresholdsPath, "thresholds", "", "path to alert thresholds YAML")
	cmd.Flags().DurationVar(&window, "window", time.Hour, "metrics window for alert evaluation")
	return cmd
}

// newMetricsCmd creates the "ordinate metrics" subcommand.
func newMetricsCmd(open storeOpener) *cobra.Command {
	var window time.Duration

	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "Print the windowed health snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := open()
			if err != nil {
				return err
			}
			defer store.Close()
			m, err := store.MetricsSnapshot(cmd.Context(), window, time.Now())
			if err != nil {
				return err
			}
			return printJSON(cmd, m)
		},
	}
	cmd.Flags().DurationVar(&window, "window", time.Hour, "metrics window")
	return cmd
}

// newDeadLettersCmd creates the "ordinate deadletters" subcommand.
func newDeadLettersCmd(open storeOpener) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "deadletters",
		Short: "List open dead letters",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := open()
			if err != nil {
				return err
			}
			defer store.Close()
			letters, err := store.OpenDeadLetters(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return printJSON(cmd, letters)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum rows to list")
	return cmd
}

// newRecoverCmd creates the "ordinate recover" subcommand.
func newRecoverCmd(open storeOpener) *cobra.Command {
	var reset bool

	cmd := &cobra.Command{
		Use:   "recover <task-id>",
		Short: "Re-queue a dead-lettered task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := open()
			if err != nil {
				return err
			}
			defer store.Close()
			orch := orchestrator.New(store, nil)
			return printJSON(cmd, orch.RecoverDeadLetter(cmd.Context(), args[0], reset))
		},
	}
	cmd.Flags().BoolVar(&reset, "reset-retries", false, "reset the retry budget")
	return cmd
}

// newEventsCmd creates the "ordinate events" subcommand.
func newEventsCmd(open storeOpener) *cobra.Command {
	var since uint64

	cmd := &cobra.Command{
		Use:   "events <session-id>",
		Short: "Print a session's ledger events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := open()
			if err != nil {
				return err
			}
			defer store.Close()
			events, err := store.SessionEvents(cmd.Context(), args[0], since)
			if err != nil {
				return err
			}
			return printJSON(cmd, events)
		},
	}
	cmd.Flags().Uint64Var(&since, "since", 0, "only events after this sequence")
	return cmd
}
