// Package crown picks the winning run once every sibling has finished, then
// applies the follow-on actions: optional pull request and sandbox teardown.
package crown

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alanyang/agent-forge/internal/domain/event"
	domainrun "github.com/alanyang/agent-forge/internal/domain/run"
	portevaluator "github.com/alanyang/agent-forge/internal/port/evaluator"
	porteventbus "github.com/alanyang/agent-forge/internal/port/eventbus"
	portsandbox "github.com/alanyang/agent-forge/internal/port/sandbox"
	portscm "github.com/alanyang/agent-forge/internal/port/scm"
	portstate "github.com/alanyang/agent-forge/internal/port/state"
)

// AutoCommitWaiter lets the crown flow wait out a pending auto-commit before
// touching a run's branch. The completion coordinator implements it.
type AutoCommitWaiter interface {
	WaitAutoCommit(ctx context.Context, runID uuid.UUID) error
}

const (
	reasonOnlyCompleted = "only completed implementation"
	reasonEvaluator     = "selected by evaluator"
)

// Coordinator drives one crown decision per task. It never fabricates a
// winner: evaluator failure is recorded as its own state and left retryable.
type Coordinator struct {
	store     portstate.Store
	evaluator portevaluator.Evaluator
	sandboxes portsandbox.Provisioner
	prs       portscm.PullRequester
	tokens    portscm.TokenSource
	bus       porteventbus.EventBus
	waiter    AutoCommitWaiter

	now func() time.Time
}

func New(
	store portstate.Store,
	evaluator portevaluator.Evaluator,
	sandboxes portsandbox.Provisioner,
	prs portscm.PullRequester,
	tokens portscm.TokenSource,
	bus porteventbus.EventBus,
	waiter AutoCommitWaiter,
) *Coordinator {
	return &Coordinator{
		store:     store,
		evaluator: evaluator,
		sandboxes: sandboxes,
		prs:       prs,
		tokens:    tokens,
		bus:       bus,
		waiter:    waiter,
		now:       time.Now,
	}
}

// HandleTask is the event-driven entry point: it partitions the task's runs by
// outcome and hands off to HandleCrownReady.
func (c *Coordinator) HandleTask(ctx context.Context, taskID uuid.UUID) error {
	runs, err := c.store.ListRunsForTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("listing runs for task %s: %w", taskID, err)
	}

	var completed, failed []uuid.UUID
	for _, r := range runs {
		switch r.Status {
		case domainrun.StatusCompleted:
			completed = append(completed, r.ID)
		case domainrun.StatusFailed:
			failed = append(failed, r.ID)
		default:
			// The crown-ready latch only flips when every run is terminal; a
			// non-terminal run here means the signal outran the state store.
			return fmt.Errorf("task %s has non-terminal run %s at crown time", taskID, r.ID)
		}
	}
	return c.HandleCrownReady(ctx, taskID, completed, failed)
}

// HandleCrownReady decides the crown for a task whose runs are all terminal.
func (c *Coordinator) HandleCrownReady(ctx context.Context, taskID uuid.UUID, completedIDs, failedIDs []uuid.UUID) error {
	task, err := c.store.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("loading task %s: %w", taskID, err)
	}

	// Branches must be settled before evaluation or PR creation reads them.
	for _, id := range completedIDs {
		if err := c.waiter.WaitAutoCommit(ctx, id); err != nil {
			return fmt.Errorf("waiting for auto-commit of run %s: %w", id, err)
		}
	}

	var winnerID uuid.UUID
	switch len(completedIDs) {
	case 0:
		slog.Info("crown: no completed runs, skipping", "task_id", taskID)
		if err := c.store.SetTaskCrownState(ctx, taskID, domainrun.CrownStateSkipped); err != nil {
			return fmt.Errorf("marking task %s skipped: %w", taskID, err)
		}
		c.publish(ctx, event.TypeCrownSkipped, taskID)

	case 1:
		winnerID = completedIDs[0]
		if err := c.store.SetCrownWinner(ctx, taskID, winnerID, reasonOnlyCompleted); err != nil {
			return fmt.Errorf("crowning sole run %s: %w", winnerID, err)
		}
		slog.Info("crown: sole completed run crowned", "task_id", taskID, "run_id", winnerID)
		c.publish(ctx, event.TypeCrowned, taskID)

	default:
		winnerID, err = c.evaluate(ctx, task, completedIDs)
		if err != nil {
			// Recorded on the task, not returned: the decision is retryable
			// and the teardown below still runs.
			slog.Error("crown: evaluation failed", "task_id", taskID, "error", err)
			if serr := c.store.SetTaskCrownState(ctx, taskID, domainrun.CrownStateEvaluationFailed); serr != nil {
				return fmt.Errorf("marking task %s evaluation-failed: %w", taskID, serr)
			}
			c.publish(ctx, event.TypeCrownEvalFailed, taskID)
			winnerID = uuid.Nil
		}
	}

	if winnerID != uuid.Nil && task.AutoPR {
		c.openPullRequest(ctx, taskID, winnerID)
	}

	c.applyStopPolicy(ctx, task, append(completedIDs, failedIDs...))
	return nil
}

// evaluate hands the stored diffs to the evaluator and records the verdict.
// The returned winner must be one of the candidates; anything else is treated
// as an evaluator fault.
func (c *Coordinator) evaluate(ctx context.Context, task domainrun.Task, completedIDs []uuid.UUID) (uuid.UUID, error) {
	if err := c.store.SetTaskCrownState(ctx, task.ID, domainrun.CrownStateEvaluating); err != nil {
		return uuid.Nil, fmt.Errorf("marking task evaluating: %w", err)
	}
	c.publish(ctx, event.TypeCrownEvaluating, task.ID)

	candidates := make([]portevaluator.Candidate, 0, len(completedIDs))
	inSet := make(map[uuid.UUID]bool, len(completedIDs))
	for _, id := range completedIDs {
		run, err := c.store.GetRun(ctx, id)
		if err != nil {
			return uuid.Nil, fmt.Errorf("loading candidate run %s: %w", id, err)
		}
		var diff string
		if run.Diff != nil {
			diff = *run.Diff
		}
		candidates = append(candidates, portevaluator.Candidate{RunID: id, Diff: diff})
		inSet[id] = true

		if err := c.store.SetRunCrownStatus(ctx, id, domainrun.CrownPendingEvaluation); err != nil {
			slog.Error("crown: marking candidate pending", "run_id", id, "error", err)
		}
	}

	winnerID, err := c.evaluator.PickWinner(ctx, task.Description, candidates)
	if err != nil {
		return uuid.Nil, fmt.Errorf("evaluator: %w", err)
	}
	if !inSet[winnerID] {
		return uuid.Nil, fmt.Errorf("evaluator returned %s, not among the candidates", winnerID)
	}

	if err := c.store.SetCrownWinner(ctx, task.ID, winnerID, reasonEvaluator); err != nil {
		return uuid.Nil, fmt.Errorf("recording winner %s: %w", winnerID, err)
	}
	slog.Info("crown: evaluator picked winner", "task_id", task.ID, "run_id", winnerID)
	c.publish(ctx, event.TypeCrowned, task.ID)
	return winnerID, nil
}

// openPullRequest is best-effort: the crown stands whether or not the PR lands.
func (c *Coordinator) openPullRequest(ctx context.Context, taskID, winnerID uuid.UUID) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		slog.Error("crown: no SCM token, skipping pull request", "task_id", taskID, "error", err)
		return
	}
	url, err := c.prs.CreatePullRequestForWinner(ctx, winnerID, taskID, token)
	if err != nil {
		slog.Error("crown: opening pull request", "task_id", taskID, "run_id", winnerID, "error", err)
		return
	}
	slog.Info("crown: pull request opened", "task_id", taskID, "run_id", winnerID, "url", url)
	c.publish(ctx, event.TypePROpened, taskID)
}

// applyStopPolicy tears down (or schedules teardown of) every run's sandbox.
func (c *Coordinator) applyStopPolicy(ctx context.Context, task domainrun.Task, runIDs []uuid.UUID) {
	stopAt := c.now().Add(task.ReviewPeriod).UTC()

	for _, id := range runIDs {
		run, err := c.store.GetRun(ctx, id)
		if err != nil {
			slog.Error("crown: loading run for stop policy", "run_id", id, "error", err)
			continue
		}
		if run.SandboxID == "" {
			continue
		}

		switch task.StopPolicy {
		case domainrun.StopImmediate:
			if err := c.sandboxes.Stop(ctx, run.SandboxID); err != nil {
				slog.Error("crown: stopping sandbox", "run_id", id, "sandbox_id", run.SandboxID, "error", err)
				continue
			}
			c.publish(ctx, event.TypeSandboxStopped, id)

		case domainrun.StopAfterReview:
			if err := c.store.UpdateScheduledStop(ctx, id, stopAt); err != nil {
				slog.Error("crown: scheduling sandbox stop", "run_id", id, "error", err)
				continue
			}
			c.publish(ctx, event.TypeSandboxScheduled, id)
		}
	}
}

func (c *Coordinator) publish(ctx context.Context, t event.Type, id uuid.UUID) {
	if err := c.bus.Publish(ctx, event.New(t, id)); err != nil {
		slog.Error("crown: publishing event", "type", t, "entity_id", id, "error", err)
	}
}
