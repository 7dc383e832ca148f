package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sessionkit/orchestrator/internal/batch"
)

func newBatchCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{Use: "batch", Short: "Run a plan matrix across repositories"}
	cmd.AddCommand(newBatchRunCmd(a), newBatchAbortCmd(a), newBatchStatusCmd(a), newBatchExportCmd(a))
	return cmd
}

func newBatchRunCmd(a *app) *cobra.Command {
	var planPath string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a batch run from a plan document",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(planPath)
			if err != nil {
				return fmt.Errorf("read plan: %w", err)
			}
			plan, err := batch.ParsePlan(data)
			if err != nil {
				return err
			}
			runID, err := a.ctrl.StartBatch(cmd.Context(), plan)
			if err != nil {
				return err
			}
			fmt.Println(runID)
			return nil
		},
	}
	cmd.Flags().StringVar(&planPath, "plan", "", "path to the YAML plan document")
	return cmd
}

func newBatchAbortCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "abort <runId>",
		Short: "Cooperatively cancel a batch run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.ctrl.AbortBatch(args[0])
		},
	}
}

func newBatchStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status <runId>",
		Short: "Show a batch run and its items",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			run, err := a.ctrl.GetBatchRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			items, err := a.ctrl.ListBatchItems(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(struct {
				Run   any `json:"run"`
				Items any `json:"items"`
			}{run, items})
		},
	}
}

func newBatchExportCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "export <runId>",
		Short: "Export a batch run's item history as NDJSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.ctrl.ExportBatch(cmd.Context(), args[0], os.Stdout)
		},
	}
}
