// Package completion resolves run-finished signals from the sandboxes: it
// finalizes the run record, captures the diff, kicks off the auto-commit, and
// fires the crown-ready signal when it is the last sibling to finish.
package completion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/alanyang/agent-forge/internal/domain/event"
	domainrun "github.com/alanyang/agent-forge/internal/domain/run"
	porteventbus "github.com/alanyang/agent-forge/internal/port/eventbus"
	portexec "github.com/alanyang/agent-forge/internal/port/exec"
	portstate "github.com/alanyang/agent-forge/internal/port/state"
	"github.com/alanyang/agent-forge/internal/retry"
)

// Coordinator handles run completion. Safe for concurrent use: sibling runs of
// the same task race through here and the state store arbitrates.
type Coordinator struct {
	store portstate.Store
	exec  portexec.Provider
	bus   porteventbus.EventBus

	// inFlight tracks pending auto-commits per run. Owned by the instance so
	// two coordinators in one process never share (or leak) entries.
	mu       sync.Mutex
	inFlight map[uuid.UUID]chan struct{}
}

func New(store portstate.Store, exec portexec.Provider, bus porteventbus.EventBus) *Coordinator {
	return &Coordinator{
		store:    store,
		exec:     exec,
		bus:      bus,
		inFlight: make(map[uuid.UUID]chan struct{}),
	}
}

// HandleRunCompletion is the single entry point for a finished run. The signal
// may arrive more than once; everything after the status CAS is gated on this
// call being the one that moved the run to a terminal status.
func (c *Coordinator) HandleRunCompletion(ctx context.Context, runID uuid.UUID, exitCode int, worktreePath string) error {
	run, err := c.store.GetRun(ctx, runID)
	if err != nil {
		// A completion signal for an unknown run means the state store and the
		// sandbox fleet disagree; nothing downstream can recover from that.
		return fmt.Errorf("loading completed run %s: %w", runID, err)
	}

	if run.Status.Terminal() {
		slog.Info("completion: duplicate signal for terminal run", "run_id", runID, "status", run.Status)
		return nil
	}

	status := domainrun.StatusCompleted
	if exitCode != 0 {
		status = domainrun.StatusFailed
	}
	if worktreePath == "" {
		worktreePath = run.WorktreePath
	}

	won := false
	err = retry.OnConflict(ctx, retry.DefaultAttempts, func(ctx context.Context) error {
		fresh, err := c.store.GetRun(ctx, runID)
		if err != nil {
			return fmt.Errorf("reloading run %s: %w", runID, err)
		}
		if fresh.Status.Terminal() {
			// A concurrent duplicate got there first.
			return nil
		}
		if err := c.store.MarkRunComplete(ctx, runID, status, exitCode, fresh.Version); err != nil {
			return err
		}
		won = true
		return nil
	})
	if err != nil {
		return fmt.Errorf("finalizing run %s: %w", runID, err)
	}
	if !won {
		slog.Info("completion: run finalized by a concurrent signal", "run_id", runID)
		return nil
	}

	evtType := event.TypeRunCompleted
	if status == domainrun.StatusFailed {
		evtType = event.TypeRunFailed
	}
	c.publish(ctx, evtType, runID)

	if status == domainrun.StatusCompleted {
		c.captureDiff(ctx, run.SandboxID, runID, worktreePath)
		c.startAutoCommit(ctx, runID, run.SandboxID, worktreePath, run.Branch)
	}

	ready, err := c.store.TryMarkCrownReady(ctx, run.TaskID)
	if err != nil {
		return fmt.Errorf("testing crown readiness for task %s: %w", run.TaskID, err)
	}
	if ready {
		slog.Info("completion: last sibling finished, crown ready", "task_id", run.TaskID, "run_id", runID)
		c.publish(ctx, event.TypeTaskCrownReady, run.TaskID)
	}
	return nil
}

// WaitAutoCommit blocks until the run's auto-commit (if any) has finished.
// Returns immediately when nothing is pending.
func (c *Coordinator) WaitAutoCommit(ctx context.Context, runID uuid.UUID) error {
	c.mu.Lock()
	done, ok := c.inFlight[runID]
	c.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// captureDiff runs git diff in the sandbox's worktree and stores the result.
// Set-once: a conflict here means the diff was already captured.
func (c *Coordinator) captureDiff(ctx context.Context, sandboxID string, runID uuid.UUID, worktreePath string) {
	ch, err := c.exec.For(ctx, sandboxID)
	if err != nil {
		slog.Error("completion: no exec channel for diff capture", "run_id", runID, "sandbox_id", sandboxID, "error", err)
		return
	}

	res, err := ch.Exec(ctx, portexec.Command{
		Argv: []string{"git", "diff", "HEAD"},
		Dir:  worktreePath,
	}, nil)
	if err != nil {
		slog.Error("completion: diff capture failed", "run_id", runID, "error", err)
		return
	}
	if res.ExitCode != 0 {
		slog.Error("completion: git diff exited non-zero", "run_id", runID, "exit_code", res.ExitCode, "stderr", res.Stderr)
		return
	}

	diff := res.Stdout
	if strings.TrimSpace(diff) == "" {
		slog.Info("completion: run finished with empty diff", "run_id", runID)
	}
	if err := c.store.SetRunDiff(ctx, runID, diff); err != nil {
		if errors.Is(err, portstate.ErrConflict) {
			slog.Info("completion: diff already captured", "run_id", runID)
			return
		}
		slog.Error("completion: storing diff", "run_id", runID, "error", err)
	}
}

// startAutoCommit commits and pushes the worktree in the background. Failure is
// logged, never fatal: the run is resolved either way, and the crown flow only
// waits for the attempt to finish.
func (c *Coordinator) startAutoCommit(ctx context.Context, runID uuid.UUID, sandboxID, worktreePath, branch string) {
	done := make(chan struct{})
	c.mu.Lock()
	if _, exists := c.inFlight[runID]; exists {
		c.mu.Unlock()
		return
	}
	c.inFlight[runID] = done
	c.mu.Unlock()

	// The commit must outlive the completing request's context.
	bgCtx := context.WithoutCancel(ctx)
	go func() {
		defer func() {
			close(done)
			c.mu.Lock()
			delete(c.inFlight, runID)
			c.mu.Unlock()
		}()
		c.autoCommit(bgCtx, runID, sandboxID, worktreePath, branch)
	}()
}

func (c *Coordinator) autoCommit(ctx context.Context, runID uuid.UUID, sandboxID, worktreePath, branch string) {
	ch, err := c.exec.For(ctx, sandboxID)
	if err != nil {
		slog.Error("completion: no exec channel for auto-commit", "run_id", runID, "error", err)
		return
	}

	steps := [][]string{
		{"git", "add", "-A"},
		{"git", "commit", "-m", fmt.Sprintf("checkpoint: run %s", runID)},
		{"git", "push", "-u", "origin", branch},
	}
	for _, argv := range steps {
		res, err := ch.Exec(ctx, portexec.Command{Argv: argv, Dir: worktreePath}, nil)
		if err != nil {
			slog.Error("completion: auto-commit step failed", "run_id", runID, "step", argv[1], "error", err)
			return
		}
		if res.ExitCode != 0 {
			// "nothing to commit" is a clean worktree, not a failure.
			if argv[1] == "commit" && strings.Contains(res.Stdout+res.Stderr, "nothing to commit") {
				slog.Info("completion: nothing to auto-commit", "run_id", runID)
				return
			}
			slog.Error("completion: auto-commit step exited non-zero",
				"run_id", runID, "step", argv[1], "exit_code", res.ExitCode, "stderr", res.Stderr)
			return
		}
	}
	slog.Info("completion: auto-commit pushed", "run_id", runID, "branch", branch)
}

func (c *Coordinator) publish(ctx context.Context, t event.Type, id uuid.UUID) {
	if err := c.bus.Publish(ctx, event.New(t, id)); err != nil {
		slog.Error("completion: publishing event", "type", t, "entity_id", id, "error", err)
	}
}
