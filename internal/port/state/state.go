package state

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	domainrun "github.com/alanyang/agent-forge/internal/domain/run"
)

// ErrConflict is returned by conditional mutations when the stored version no
// longer matches the one the caller read. Callers retry through retry.OnConflict.
var ErrConflict = errors.New("state: write conflict")

// ErrNotFound is returned by point reads for missing records. A completion
// signal for a missing run is treated as state corruption and propagates.
var ErrNotFound = errors.New("state: not found")

// Store is the shared task-state store. The store itself enforces conflict
// detection; there are no locks here — every conditional mutation either
// applies atomically or fails with ErrConflict.
type Store interface {
	CreateTask(ctx context.Context, t domainrun.Task) (domainrun.Task, error)
	CreateRun(ctx context.Context, r domainrun.TaskRun) (domainrun.TaskRun, error)

	GetTask(ctx context.Context, id uuid.UUID) (domainrun.Task, error)
	GetRun(ctx context.Context, id uuid.UUID) (domainrun.TaskRun, error)
	ListRunsForTask(ctx context.Context, taskID uuid.UUID) ([]domainrun.TaskRun, error)

	// MarkRunStarted moves a starting run to running.
	MarkRunStarted(ctx context.Context, id uuid.UUID) error

	// MarkRunComplete performs a version CAS: the run must still be at
	// expectVersion and non-terminal, otherwise ErrConflict.
	MarkRunComplete(ctx context.Context, id uuid.UUID, status domainrun.Status, exitCode int, expectVersion int) error

	// SetRunDiff stores the captured diff. Set-once: a second write for the
	// same run is rejected with ErrConflict.
	SetRunDiff(ctx context.Context, id uuid.UUID, diff string) error

	SetRunCrownStatus(ctx context.Context, id uuid.UUID, cs domainrun.CrownStatus) error

	SetTaskCrownState(ctx context.Context, taskID uuid.UUID, cs domainrun.CrownState) error

	// SetCrownWinner records the winning run and reason, moves the task to
	// crowned and the run's crown status to crowned, atomically.
	SetCrownWinner(ctx context.Context, taskID, runID uuid.UUID, reason string) error

	// TryMarkCrownReady flips the task's crown-ready latch if and only if every
	// run under the task is terminal and the latch is still unset. Exactly one
	// of N racing callers observes true.
	TryMarkCrownReady(ctx context.Context, taskID uuid.UUID) (bool, error)

	UpdateScheduledStop(ctx context.Context, runID uuid.UUID, at time.Time) error

	// ListRunsDueForStop returns runs whose scheduled stop time has passed and
	// whose sandbox has not been stopped yet.
	ListRunsDueForStop(ctx context.Context, now time.Time) ([]domainrun.TaskRun, error)

	// ClearScheduledStop marks a run's sandbox as stopped so the sweeper does
	// not pick it up again.
	ClearScheduledStop(ctx context.Context, runID uuid.UUID) error
}
