package main

import (
	"github.com/spf13/cobra"

	"github.com/mistakeknot/ordinate/internal/storage/sqlite"
)

// newRootCmd creates the root ordinate command with all subcommands attached.
func newRootCmd() *cobra.Command {
	var dbPath string

	cmd := &cobra.Command{
		Use:           "ordinate",
		Short:         "Single-writer task orchestration core",
		Long:          "ordinate coordinates task queues, session leases and an append-only\nevent ledger over a single SQLite database.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&dbPath, "db", "ordinate.db", "path to the SQLite database")

	open := func() (*sqlite.Resilient, error) {
		store, err := sqlite.New(dbPath)
		if err != nil {
			return nil, err
		}
		return sqlite.NewResilient(store), nil
	}

	cmd.AddCommand(
		newInitCmd(&dbPath),
		newServeCmd(open),
		newEnqueueCmd(open),
		newClaimCmd(open),
		newStartCmd(open),
		newCompleteCmd(open),
		newHeartbeatCmd(open),
		newReleaseCmd(open),
		newSweepCmd(open),
		newMonitorCmd(open),
		newMetricsCmd(open),
		newDeadLettersCmd(open),
		newRecoverCmd(open),
		newEventsCmd(open),
	)

	return cmd
}

type storeOpener func() (*sqlite.Resilient, error)
