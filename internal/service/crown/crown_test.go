package crown_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyang/agent-forge/internal/domain/event"
	domainrun "github.com/alanyang/agent-forge/internal/domain/run"
	"github.com/alanyang/agent-forge/internal/service/crown"
	"github.com/alanyang/agent-forge/internal/testutil"
)

type waiterFunc func(ctx context.Context, runID uuid.UUID) error

func (f waiterFunc) WaitAutoCommit(ctx context.Context, runID uuid.UUID) error { return f(ctx, runID) }

var noWait = waiterFunc(func(ctx context.Context, runID uuid.UUID) error { return nil })

type fixture struct {
	store     *testutil.FakeStore
	evaluator *testutil.FakeEvaluator
	sandboxes *testutil.FakeProvisioner
	prs       *testutil.FakePullRequester
	bus       *testutil.FakeBus
	coord     *crown.Coordinator
}

func newFixture(t *testing.T, waiter crown.AutoCommitWaiter) *fixture {
	t.Helper()
	f := &fixture{
		store:     testutil.NewFakeStore(),
		evaluator: &testutil.FakeEvaluator{},
		sandboxes: &testutil.FakeProvisioner{},
		prs:       &testutil.FakePullRequester{},
		bus:       &testutil.FakeBus{},
	}
	f.coord = crown.New(f.store, f.evaluator, f.sandboxes, f.prs,
		&testutil.FakeTokenSource{Value: "tok"}, f.bus, waiter)
	return f
}

func (f *fixture) seedTask(t *testing.T, autoPR bool, policy domainrun.StopPolicy) domainrun.Task {
	t.Helper()
	task, err := f.store.CreateTask(context.Background(),
		domainrun.NewTask("t", "build the widget", "https://github.com/a/b.git", "main", autoPR, policy, time.Hour))
	require.NoError(t, err)
	return task
}

func (f *fixture) seedTerminalRun(t *testing.T, taskID uuid.UUID, status domainrun.Status, diff string) domainrun.TaskRun {
	t.Helper()
	ctx := context.Background()
	r, err := f.store.CreateRun(ctx, domainrun.NewRun(taskID, "agent", "/ws/wt", "forge/"+uuid.NewString()[:8], "sbx-"+uuid.NewString()[:8]))
	require.NoError(t, err)
	require.NoError(t, f.store.MarkRunStarted(ctx, r.ID))
	exitCode := 0
	if status == domainrun.StatusFailed {
		exitCode = 1
	}
	r, err = f.store.GetRun(ctx, r.ID)
	require.NoError(t, err)
	require.NoError(t, f.store.MarkRunComplete(ctx, r.ID, status, exitCode, r.Version))
	if status == domainrun.StatusCompleted && diff != "" {
		require.NoError(t, f.store.SetRunDiff(ctx, r.ID, diff))
	}
	r, err = f.store.GetRun(ctx, r.ID)
	require.NoError(t, err)
	return r
}

func TestZeroCompletedSkips(t *testing.T) {
	f := newFixture(t, noWait)
	task := f.seedTask(t, false, domainrun.StopAfterReview)
	failed := f.seedTerminalRun(t, task.ID, domainrun.StatusFailed, "")
	ctx := context.Background()

	require.NoError(t, f.coord.HandleCrownReady(ctx, task.ID, nil, []uuid.UUID{failed.ID}))

	got, err := f.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domainrun.CrownStateSkipped, got.CrownState)
	assert.Nil(t, got.WinnerRunID)
	assert.Equal(t, 0, f.evaluator.Calls)
	assert.True(t, f.bus.Has(event.TypeCrownSkipped, task.ID))
}

func TestSoleCompletedCrownedWithoutEvaluator(t *testing.T) {
	f := newFixture(t, noWait)
	task := f.seedTask(t, false, domainrun.StopAfterReview)
	winner := f.seedTerminalRun(t, task.ID, domainrun.StatusCompleted, "diff")
	failed := f.seedTerminalRun(t, task.ID, domainrun.StatusFailed, "")
	ctx := context.Background()

	require.NoError(t, f.coord.HandleCrownReady(ctx, task.ID, []uuid.UUID{winner.ID}, []uuid.UUID{failed.ID}))

	got, err := f.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domainrun.CrownStateCrowned, got.CrownState)
	require.NotNil(t, got.WinnerRunID)
	assert.Equal(t, winner.ID, *got.WinnerRunID)
	assert.Equal(t, "only completed implementation", got.WinnerReason)
	assert.Equal(t, 0, f.evaluator.Calls, "evaluator never consulted for a sole candidate")
	assert.True(t, f.bus.Has(event.TypeCrowned, task.ID))
}

func TestMultipleCandidatesGoToEvaluator(t *testing.T) {
	f := newFixture(t, noWait)
	task := f.seedTask(t, false, domainrun.StopAfterReview)
	a := f.seedTerminalRun(t, task.ID, domainrun.StatusCompleted, "diff-a")
	b := f.seedTerminalRun(t, task.ID, domainrun.StatusCompleted, "diff-b")
	f.evaluator.Winner = b.ID
	ctx := context.Background()

	require.NoError(t, f.coord.HandleCrownReady(ctx, task.ID, []uuid.UUID{a.ID, b.ID}, nil))

	assert.Equal(t, 1, f.evaluator.Calls)
	require.Len(t, f.evaluator.Candidates, 2)
	diffs := map[uuid.UUID]string{}
	for _, c := range f.evaluator.Candidates {
		diffs[c.RunID] = c.Diff
	}
	assert.Equal(t, "diff-a", diffs[a.ID], "evaluator sees the stored diff")
	assert.Equal(t, "diff-b", diffs[b.ID])

	got, err := f.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domainrun.CrownStateCrowned, got.CrownState)
	assert.Equal(t, b.ID, *got.WinnerRunID)
	assert.Equal(t, "selected by evaluator", got.WinnerReason)

	gotB, err := f.store.GetRun(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, domainrun.CrownCrowned, gotB.CrownStatus)
}

func TestEvaluatorFailureRecordsDistinctState(t *testing.T) {
	f := newFixture(t, noWait)
	task := f.seedTask(t, true, domainrun.StopAfterReview)
	a := f.seedTerminalRun(t, task.ID, domainrun.StatusCompleted, "diff-a")
	b := f.seedTerminalRun(t, task.ID, domainrun.StatusCompleted, "diff-b")
	f.evaluator.Err = errors.New("scoring service down")
	ctx := context.Background()

	require.NoError(t, f.coord.HandleCrownReady(ctx, task.ID, []uuid.UUID{a.ID, b.ID}, nil))

	got, err := f.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domainrun.CrownStateEvaluationFailed, got.CrownState)
	assert.Nil(t, got.WinnerRunID, "no fabricated winner")
	assert.Empty(t, f.prs.Created, "no PR without a winner")
	assert.True(t, f.bus.Has(event.TypeCrownEvalFailed, task.ID))

	// Teardown still runs.
	gotA, err := f.store.GetRun(ctx, a.ID)
	require.NoError(t, err)
	assert.NotNil(t, gotA.ScheduledStopAt)
}

func TestEvaluatorOutOfSetWinnerRejected(t *testing.T) {
	f := newFixture(t, noWait)
	task := f.seedTask(t, false, domainrun.StopAfterReview)
	a := f.seedTerminalRun(t, task.ID, domainrun.StatusCompleted, "diff-a")
	b := f.seedTerminalRun(t, task.ID, domainrun.StatusCompleted, "diff-b")
	f.evaluator.Winner = uuid.New() // not a candidate
	ctx := context.Background()

	require.NoError(t, f.coord.HandleCrownReady(ctx, task.ID, []uuid.UUID{a.ID, b.ID}, nil))

	got, err := f.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domainrun.CrownStateEvaluationFailed, got.CrownState)
	assert.Nil(t, got.WinnerRunID)
}

func TestAutoPROpenedForWinner(t *testing.T) {
	f := newFixture(t, noWait)
	task := f.seedTask(t, true, domainrun.StopAfterReview)
	winner := f.seedTerminalRun(t, task.ID, domainrun.StatusCompleted, "diff")
	ctx := context.Background()

	require.NoError(t, f.coord.HandleCrownReady(ctx, task.ID, []uuid.UUID{winner.ID}, nil))

	assert.Equal(t, []uuid.UUID{winner.ID}, f.prs.Created)
	assert.True(t, f.bus.Has(event.TypePROpened, task.ID))
}

func TestAutoPRFailureDoesNotUncrown(t *testing.T) {
	f := newFixture(t, noWait)
	task := f.seedTask(t, true, domainrun.StopAfterReview)
	winner := f.seedTerminalRun(t, task.ID, domainrun.StatusCompleted, "diff")
	f.prs.Err = errors.New("403")
	ctx := context.Background()

	require.NoError(t, f.coord.HandleCrownReady(ctx, task.ID, []uuid.UUID{winner.ID}, nil))

	got, err := f.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domainrun.CrownStateCrowned, got.CrownState)
	assert.False(t, f.bus.Has(event.TypePROpened, task.ID))
}

func TestImmediateStopPolicy(t *testing.T) {
	f := newFixture(t, noWait)
	task := f.seedTask(t, false, domainrun.StopImmediate)
	winner := f.seedTerminalRun(t, task.ID, domainrun.StatusCompleted, "diff")
	failed := f.seedTerminalRun(t, task.ID, domainrun.StatusFailed, "")
	ctx := context.Background()

	require.NoError(t, f.coord.HandleCrownReady(ctx, task.ID, []uuid.UUID{winner.ID}, []uuid.UUID{failed.ID}))

	assert.ElementsMatch(t, []string{winner.SandboxID, failed.SandboxID}, f.sandboxes.StoppedIDs(),
		"every run's sandbox is stopped, winner included")
}

func TestAfterReviewPolicySchedulesStops(t *testing.T) {
	f := newFixture(t, noWait)
	task := f.seedTask(t, false, domainrun.StopAfterReview)
	winner := f.seedTerminalRun(t, task.ID, domainrun.StatusCompleted, "diff")
	ctx := context.Background()

	before := time.Now()
	require.NoError(t, f.coord.HandleCrownReady(ctx, task.ID, []uuid.UUID{winner.ID}, nil))

	got, err := f.store.GetRun(ctx, winner.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ScheduledStopAt)
	assert.WithinDuration(t, before.Add(task.ReviewPeriod), *got.ScheduledStopAt, 5*time.Second)
	assert.Empty(t, f.sandboxes.StoppedIDs())
	assert.True(t, f.bus.Has(event.TypeSandboxScheduled, winner.ID))
}

func TestWaitsOutAutoCommitsBeforeEvaluating(t *testing.T) {
	waited := map[uuid.UUID]bool{}
	waiter := waiterFunc(func(ctx context.Context, runID uuid.UUID) error {
		waited[runID] = true
		return nil
	})
	f := newFixture(t, waiter)
	task := f.seedTask(t, false, domainrun.StopAfterReview)
	a := f.seedTerminalRun(t, task.ID, domainrun.StatusCompleted, "diff-a")
	b := f.seedTerminalRun(t, task.ID, domainrun.StatusCompleted, "diff-b")
	f.evaluator.Winner = a.ID

	require.NoError(t, f.coord.HandleCrownReady(context.Background(), task.ID, []uuid.UUID{a.ID, b.ID}, nil))
	assert.True(t, waited[a.ID])
	assert.True(t, waited[b.ID])
}

func TestHandleTaskPartitionsRuns(t *testing.T) {
	f := newFixture(t, noWait)
	task := f.seedTask(t, false, domainrun.StopAfterReview)
	f.seedTerminalRun(t, task.ID, domainrun.StatusCompleted, "diff")
	f.seedTerminalRun(t, task.ID, domainrun.StatusFailed, "")
	ctx := context.Background()

	require.NoError(t, f.coord.HandleTask(ctx, task.ID))

	got, err := f.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domainrun.CrownStateCrowned, got.CrownState)
}

func TestHandleTaskRejectsNonTerminalRun(t *testing.T) {
	f := newFixture(t, noWait)
	task := f.seedTask(t, false, domainrun.StopAfterReview)
	r, err := f.store.CreateRun(context.Background(), domainrun.NewRun(task.ID, "agent", "/ws/wt", "forge/x", "sbx"))
	require.NoError(t, err)
	require.NoError(t, f.store.MarkRunStarted(context.Background(), r.ID))

	err = f.coord.HandleTask(context.Background(), task.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "non-terminal")
}
