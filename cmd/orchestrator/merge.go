package main

import (
	"github.com/spf13/cobra"

	"github.com/sessionkit/orchestrator/internal/gitops"
)

func newMergeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{Use: "merge", Short: "Drive a session's merge-back state machine"}
	cmd.AddCommand(
		newMergePreflightCmd(a),
		newMergeSquashCmd(a),
		newMergeRebaseCmd(a),
		newMergeContinueCmd(a),
		newMergeAbortCmd(a),
		newMergeFFCmd(a),
	)
	return cmd
}

func newMergePreflightCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "preflight <sessionId>",
		Short: "Report mergeability without mutating anything",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := a.ctrl.Preflight(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(report)
		},
	}
}

func newMergeSquashCmd(a *app) *cobra.Command {
	var message string
	var exclude bool
	cmd := &cobra.Command{
		Use:   "squash <sessionId>",
		Short: "Squash the session branch's commits into one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mode := gitops.SquashInclude
			if exclude {
				mode = gitops.SquashExclude
			}
			return a.ctrl.Squash(cmd.Context(), args[0], message, mode)
		},
	}
	cmd.Flags().StringVar(&message, "message", "", "squash commit message")
	cmd.Flags().BoolVar(&exclude, "exclude-manual", false, "cherry-pick manual commits onto base before squashing agent commits")
	return cmd
}

func newMergeRebaseCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "rebase <sessionId>",
		Short: "Rebase the squashed commit onto base",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := a.ctrl.Rebase(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
}

func newMergeContinueCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "continue <sessionId>",
		Short: "Resume a rebase after conflicts are resolved",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := a.ctrl.ContinueMerge(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
}

func newMergeAbortCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "abort <sessionId>",
		Short: "Abort an in-progress rebase",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.ctrl.AbortMerge(cmd.Context(), args[0])
		},
	}
}

func newMergeFFCmd(a *app) *cobra.Command {
	var noFF bool
	cmd := &cobra.Command{
		Use:   "ff <sessionId>",
		Short: "Fast-forward base onto the rebased session branch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.ctrl.FastForwardMerge(cmd.Context(), args[0], noFF)
		},
	}
	cmd.Flags().BoolVar(&noFF, "no-ff", false, "always create a merge commit")
	return cmd
}
