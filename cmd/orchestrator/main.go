package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sessionkit/orchestrator/internal/agent/claude"
	"github.com/sessionkit/orchestrator/internal/batch"
	"github.com/sessionkit/orchestrator/internal/config"
	"github.com/sessionkit/orchestrator/internal/controller"
	"github.com/sessionkit/orchestrator/internal/eventbus"
	"github.com/sessionkit/orchestrator/internal/gitops"
	"github.com/sessionkit/orchestrator/internal/logging"
	"github.com/sessionkit/orchestrator/internal/merge"
	"github.com/sessionkit/orchestrator/internal/store"
	"github.com/sessionkit/orchestrator/internal/worktree"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		cancel()
		os.Exit(1)
	}
	cancel()
}

// app lazily wires the controller facade once, on first command use, so
// "--help" and similar never touch the database.
type app struct {
	log  *slog.Logger
	cfg  config.Config
	ctrl *controller.Controller
}

func (a *app) init(ctx context.Context) error {
	a.log = logging.Default()
	a.cfg = config.FromEnv()

	db, err := store.Open(ctx, a.cfg.StoreDBPath, int(a.cfg.StreamEventRetention.Hours()/24), a.log)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	bus := eventbus.New(db)
	if sink, err := eventbus.NewNDJSONSink(a.cfg.EventLogDir); err != nil {
		a.log.Warn("ndjson event sink disabled", "error", err)
	} else {
		bus = bus.WithNDJSONSink(sink)
	}
	git := &gitops.Ops{GitPath: a.cfg.GitPath, Timeout: a.cfg.GitTimeout, Log: a.log}
	backend := claude.Backend{}

	mgr := &worktree.Manager{
		Git: git, Store: db, Bus: bus, Backend: backend,
		AgentBin: a.cfg.AgentBin, AgentArgs: a.cfg.AgentArgs, Log: a.log,
	}
	mergeEngine := &merge.Engine{Git: git, Store: db}
	scheduler := &batch.Scheduler{Manager: mgr, Merge: mergeEngine, Store: db, Bus: bus, Log: a.log}

	a.ctrl = &controller.Controller{
		Store: db, Bus: bus, Git: git, Worktree: mgr, Merge: mergeEngine,
		Batch: scheduler, Backend: backend, AgentBin: a.cfg.AgentBin, AgentArgs: a.cfg.AgentArgs,
	}
	return nil
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "orchestrator",
		Short:         "Drive AI-coding-agent sessions over git worktrees",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init(cmd.Context())
		},
	}
	root.AddCommand(newSessionCmd(a), newMergeCmd(a), newBatchCmd(a))
	return root
}
