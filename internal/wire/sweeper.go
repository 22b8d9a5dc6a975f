package wire

import (
	"context"
	"log/slog"
	"time"

	"github.com/alanyang/agent-forge/internal/domain/event"
	"github.com/alanyang/agent-forge/internal/gitstore"
	porteventbus "github.com/alanyang/agent-forge/internal/port/eventbus"
	portsandbox "github.com/alanyang/agent-forge/internal/port/sandbox"
	portstate "github.com/alanyang/agent-forge/internal/port/state"
	taskssvc "github.com/alanyang/agent-forge/internal/service/tasks"
)

// startSweeper runs the review-period teardown loop: runs whose scheduled stop
// time has elapsed get their sandbox stopped and their worktree removed. Each
// run is cleared from the schedule only after a successful stop, so a failed
// API call is retried on the next tick.
func startSweeper(
	ctx context.Context,
	store portstate.Store,
	sandboxes portsandbox.Provisioner,
	repoStore *gitstore.Store,
	taskSvc *taskssvc.Service,
	bus porteventbus.EventBus,
) {
	interval := envDuration("SWEEP_INTERVAL_SECONDS", time.Minute)

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sweepOnce(ctx, store, sandboxes, repoStore, taskSvc, bus)
			}
		}
	}()
}

func sweepOnce(
	ctx context.Context,
	store portstate.Store,
	sandboxes portsandbox.Provisioner,
	repoStore *gitstore.Store,
	taskSvc *taskssvc.Service,
	bus porteventbus.EventBus,
) {
	due, err := store.ListRunsDueForStop(ctx, time.Now())
	if err != nil {
		slog.Error("sweeper: listing due runs", "error", err)
		return
	}

	for _, run := range due {
		if run.SandboxID != "" {
			if err := sandboxes.Stop(ctx, run.SandboxID); err != nil {
				slog.Error("sweeper: stopping sandbox", "run_id", run.ID, "sandbox_id", run.SandboxID, "error", err)
				continue
			}
		}

		if err := store.ClearScheduledStop(ctx, run.ID); err != nil {
			slog.Error("sweeper: clearing schedule", "run_id", run.ID, "error", err)
			continue
		}

		// The branch survives on the remote; only the local worktree goes.
		if task, err := store.GetTask(ctx, run.TaskID); err == nil {
			origin := taskSvc.OriginPath(task.RepoURL)
			if err := repoStore.RemoveWorktree(ctx, origin, run.WorktreePath); err != nil {
				slog.Warn("sweeper: removing worktree", "run_id", run.ID, "path", run.WorktreePath, "error", err)
			}
		}

		slog.Info("sweeper: sandbox stopped after review period", "run_id", run.ID, "sandbox_id", run.SandboxID)
		if err := bus.Publish(ctx, event.New(event.TypeSandboxStopped, run.ID)); err != nil {
			slog.Error("sweeper: publishing stop event", "run_id", run.ID, "error", err)
		}
	}
}
