package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sessionkit/orchestrator/internal/worktree"
)

func newSessionCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{Use: "session", Short: "Manage agent sessions"}
	cmd.AddCommand(
		newSessionListCmd(a),
		newSessionCreateCmd(a),
		newSessionIterateCmd(a),
		newSessionCleanupCmd(a),
		newSessionDiffCmd(a),
	)
	return cmd
}

func newSessionListCmd(a *app) *cobra.Command {
	var repo string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions for a repo",
		RunE: func(cmd *cobra.Command, args []string) error {
			sessions, err := a.ctrl.ListSessions(cmd.Context(), repo)
			if err != nil {
				return err
			}
			return printJSON(sessions)
		},
	}
	cmd.Flags().StringVar(&repo, "repo", "", "repository root")
	return cmd
}

func newSessionCreateCmd(a *app) *cobra.Command {
	var opts worktree.CreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a session and run its first iteration",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := a.ctrl.CreateSession(cmd.Context(), opts)
			if err != nil {
				return err
			}
			return printJSON(sess)
		},
	}
	cmd.Flags().StringVar(&opts.Name, "name", "", "session name (auto-generated if empty)")
	cmd.Flags().StringVar(&opts.InitialPrompt, "prompt", "", "initial prompt")
	cmd.Flags().StringVar(&opts.RepoRoot, "repo", "", "repository root")
	cmd.Flags().StringVar(&opts.BaseBranch, "base", "", "base branch (defaults to current)")
	cmd.Flags().StringVar(&opts.ScriptCommand, "script", "", "test/lint command run after each iteration")
	cmd.Flags().StringVar(&opts.ModelOverride, "model", "", "model override")
	cmd.Flags().BoolVar(&opts.AutoCommit, "auto-commit", false, "commit agent changes automatically")
	return cmd
}

func newSessionIterateCmd(a *app) *cobra.Command {
	var notes string
	var rc worktree.RuntimeConfig
	cmd := &cobra.Command{
		Use:   "iterate <sessionId>",
		Short: "Run one more iteration on an existing session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var rcArg *worktree.RuntimeConfig
			if rc.Model != "" || rc.ScriptCommand != "" || len(rc.ExtraArgs) > 0 {
				rcArg = &rc
			}
			it, err := a.ctrl.Iterate(cmd.Context(), args[0], notes, rcArg)
			if err != nil {
				return err
			}
			return printJSON(it)
		},
	}
	cmd.Flags().StringVar(&notes, "notes", "", "operator notes for this iteration")
	cmd.Flags().StringVar(&rc.Model, "runtime-model", "", "override the model for this iteration only")
	cmd.Flags().StringVar(&rc.ScriptCommand, "runtime-script", "", "override the test/lint command for this iteration only")
	cmd.Flags().StringArrayVar(&rc.ExtraArgs, "runtime-arg", nil, "extra agent CLI flag for this iteration only (repeatable)")
	return cmd
}

func newSessionCleanupCmd(a *app) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "cleanup <sessionId>",
		Short: "Remove a session's worktree and branch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.ctrl.Cleanup(cmd.Context(), args[0], force)
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "remove even if unmerged")
	return cmd
}

func newSessionDiffCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "diff <sessionId>",
		Short: "Show the diff stat of the session's uncommitted changes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ds, err := a.ctrl.Diff(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(ds)
		},
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
