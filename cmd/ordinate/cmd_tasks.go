package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mistakeknot/ordinate/internal/core"
	"github.com/mistakeknot/ordinate/internal/names"
	"github.com/mistakeknot/ordinate/internal/orchestrator"
	"github.com/mistakeknot/ordinate/internal/storage"
)

func printJSON(cmd *cobra.Command, v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}

// newEnqueueCmd creates the "ordinate enqueue" subcommand.
func newEnqueueCmd(open storeOpener) *cobra.Command {
	var req storage.EnqueueRequest

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Add a task to a session's queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := open()
			if err != nil {
				return err
			}
			defer store.Close()
			orch := orchestrator.New(store, nil)
			return printJSON(cmd, orch.Enqueue(cmd.Context(), req))
		},
	}
	cmd.Flags().StringVar(&req.TaskID, "task", "", "task id (generated when empty)")
	cmd.Flags().StringVar(&req.SessionID, "session", "", "session id")
	cmd.Flags().StringVar(&req.Type, "type", "", "task type")
	cmd.Flags().IntVar(&req.Priority, "priority", 0, "priority, lower is more urgent")
	cmd.Flags().StringVar(&req.Payload, "payload", "", "opaque task payload")
	cmd.Flags().StringVar(&req.DedupeKey, "dedupe-key", "", "suppress duplicates of active tasks with this key")
	cmd.Flags().IntVar(&req.MaxRetries, "max-retries", 0, "retry budget")
	cmd.MarkFlagRequired("session")
	cmd.MarkFlagRequired("type")
	return cmd
}

// newClaimCmd creates the "ordinate claim" subcommand.
func newClaimCmd(open storeOpener) *cobra.Command {
	var sessionID, namespace, taskType, agent string

	cmd := &cobra.Command{
		Use:   "claim",
		Short: "Acquire the session lease and claim the next task",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := open()
			if err != nil {
				return err
			}
			defer store.Close()
			if agent == "" {
				agent = names.Generate()
			}
			orch := orchestrator.New(store, nil)
			return printJSON(cmd, orch.Claim(cmd.Context(), sessionID, namespace, taskType, agent))
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "session id")
	cmd.Flags().StringVar(&namespace, "namespace", "", "session namespace")
	cmd.Flags().StringVar(&taskType, "type", "", "restrict the claim to one task type")
	cmd.Flags().StringVar(&agent, "agent", "", "claiming agent name (call sign generated when empty)")
	cmd.MarkFlagRequired("session")
	return cmd
}

// newStartCmd creates the "ordinate start" subcommand.
func newStartCmd(open storeOpener) *cobra.Command {
	var taskID, agent string

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Move a claimed task to running",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := open()
			if err != nil {
				return err
			}
			defer store.Close()
			orch := orchestrator.New(store, nil)
			return printJSON(cmd, orch.Start(cmd.Context(), taskID, agent))
		},
	}
	cmd.Flags().StringVar(&taskID, "task", "", "task id")
	cmd.Flags().StringVar(&agent, "agent", "", "agent name")
	cmd.MarkFlagRequired("task")
	return cmd
}

// newCompleteCmd creates the "ordinate complete" subcommand.
func newCompleteCmd(open storeOpener) *cobra.Command {
	var (
		req     storage.CompleteRequest
		failed  bool
		errCode string
		errMsg  string
	)

	cmd := &cobra.Command{
		Use:   "complete",
		Short: "Finalize a task under the held lease",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := open()
			if err != nil {
				return err
			}
			defer store.Close()
			req.Outcome = core.TaskOutcome{OK: !failed, ErrorCode: errCode, ErrorMsg: errMsg}
			orch := orchestrator.New(store, nil)
			return printJSON(cmd, orch.Complete(cmd.Context(), req))
		},
	}
	cmd.Flags().StringVar(&req.TaskID, "task", "", "task id")
	cmd.Flags().StringVar(&req.SessionID, "session", "", "session id")
	cmd.Flags().StringVar(&req.LockToken, "token", "", "lease token returned by claim")
	cmd.Flags().StringVar(&req.Agent, "agent", "", "agent name")
	cmd.Flags().BoolVar(&failed, "failed", false, "report a failure outcome")
	cmd.Flags().StringVar(&errCode, "error-code", "", "failure error code")
	cmd.Flags().StringVar(&errMsg, "error-msg", "", "failure error message")
	cmd.MarkFlagRequired("task")
	cmd.MarkFlagRequired("session")
	cmd.MarkFlagRequired("token")
	return cmd
}
