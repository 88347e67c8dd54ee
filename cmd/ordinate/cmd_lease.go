package main

import (
	"github.com/spf13/cobra"

	"github.com/mistakeknot/ordinate/internal/orchestrator"
)

// newHeartbeatCmd creates the "ordinate heartbeat" subcommand.
func newHeartbeatCmd(open storeOpener) *cobra.Command {
	var sessionID, token, agent string

	cmd := &cobra.Command{
		Use:   "heartbeat",
		Short: "Extend a held lease",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := open()
			if err != nil {
				return err
			}
			defer store.Close()
			orch := orchestrator.New(store, nil)
			ok := orch.Heartbeat(cmd.Context(), sessionID, token, agent)
			return printJSON(cmd, map[string]bool{"ok": ok})
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "session id")
	cmd.Flags().StringVar(&token, "token", "", "lease token")
	cmd.Flags().StringVar(&agent, "agent", "", "agent name")
	cmd.MarkFlagRequired("session")
	cmd.MarkFlagRequired("token")
	return cmd
}

// newReleaseCmd creates the "ordinate release" subcommand.
func newReleaseCmd(open storeOpener) *cobra.Command {
	var sessionID, token, agent string

	cmd := &cobra.Command{
		Use:   "release",
		Short: "Release a held lease",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := open()
			if err != nil {
				return err
			}
			defer store.Close()
			orch := orchestrator.New(store, nil)
			return printJSON(cmd, orch.Release(cmd.Context(), sessionID, token, agent))
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "session id")
	cmd.Flags().StringVar(&token, "token", "", "lease token")
	cmd.Flags().StringVar(&agent, "agent", "", "agent name")
	cmd.MarkFlagRequired("session")
	cmd.MarkFlagRequired("token")
	return cmd
}
