package completion_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyang/agent-forge/internal/domain/event"
	domainrun "github.com/alanyang/agent-forge/internal/domain/run"
	portexec "github.com/alanyang/agent-forge/internal/port/exec"
	portstate "github.com/alanyang/agent-forge/internal/port/state"
	"github.com/alanyang/agent-forge/internal/service/completion"
	"github.com/alanyang/agent-forge/internal/testutil"
)

type fixture struct {
	store *testutil.FakeStore
	exec  *testutil.FakeExecChannel
	bus   *testutil.FakeBus
	coord *completion.Coordinator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := testutil.NewFakeStore()
	ch := testutil.NewFakeExecChannel()
	bus := &testutil.FakeBus{}
	return &fixture{
		store: store,
		exec:  ch,
		bus:   bus,
		coord: completion.New(store, &testutil.FakeExecProvider{Channel: ch}, bus),
	}
}

func (f *fixture) seedRun(t *testing.T) domainrun.TaskRun {
	t.Helper()
	ctx := context.Background()
	task, err := f.store.CreateTask(ctx, domainrun.NewTask("t", "d", "https://github.com/a/b.git", "main", false, domainrun.StopAfterReview, time.Hour))
	require.NoError(t, err)
	run, err := f.store.CreateRun(ctx, domainrun.NewRun(task.ID, "agent-a", "/ws/wt", "forge/a", "sbx-1"))
	require.NoError(t, err)
	require.NoError(t, f.store.MarkRunStarted(ctx, run.ID))
	run, err = f.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	return run
}

func TestHandleRunCompletionSuccess(t *testing.T) {
	f := newFixture(t)
	run := f.seedRun(t)
	ctx := context.Background()

	f.exec.Results["git diff"] = portexec.Result{ExitCode: 0, Stdout: "diff --git a/x b/x\n"}

	require.NoError(t, f.coord.HandleRunCompletion(ctx, run.ID, 0, run.WorktreePath))
	require.NoError(t, f.coord.WaitAutoCommit(ctx, run.ID))

	got, err := f.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domainrun.StatusCompleted, got.Status)
	require.NotNil(t, got.ExitCode)
	assert.Equal(t, 0, *got.ExitCode)
	require.NotNil(t, got.Diff)
	assert.Equal(t, "diff --git a/x b/x\n", *got.Diff)

	// Diff first, then add/commit/push.
	assert.Equal(t, []string{"git diff", "git add", "git commit", "git push"}, f.exec.CallKeys())

	// Sole run finished, so this completion also readies the crown.
	assert.True(t, f.bus.Has(event.TypeRunCompleted, run.ID))
	assert.True(t, f.bus.Has(event.TypeTaskCrownReady, run.TaskID))
}

func TestHandleRunCompletionFailedRunSkipsDiffAndCommit(t *testing.T) {
	f := newFixture(t)
	run := f.seedRun(t)
	ctx := context.Background()

	require.NoError(t, f.coord.HandleRunCompletion(ctx, run.ID, 2, run.WorktreePath))

	got, err := f.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domainrun.StatusFailed, got.Status)
	assert.Nil(t, got.Diff)
	assert.Empty(t, f.exec.CallKeys())
	assert.True(t, f.bus.Has(event.TypeRunFailed, run.ID))
	assert.True(t, f.bus.Has(event.TypeTaskCrownReady, run.TaskID))
}

func TestHandleRunCompletionDuplicateSignal(t *testing.T) {
	f := newFixture(t)
	run := f.seedRun(t)
	ctx := context.Background()

	require.NoError(t, f.coord.HandleRunCompletion(ctx, run.ID, 0, run.WorktreePath))
	require.NoError(t, f.coord.WaitAutoCommit(ctx, run.ID))
	callsAfterFirst := len(f.exec.CallKeys())

	require.NoError(t, f.coord.HandleRunCompletion(ctx, run.ID, 1, run.WorktreePath))

	got, err := f.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domainrun.StatusCompleted, got.Status, "duplicate must not flip the outcome")
	assert.Len(t, f.exec.CallKeys(), callsAfterFirst, "duplicate performs no side effects")
}

func TestHandleRunCompletionMissingRunIsFatal(t *testing.T) {
	f := newFixture(t)

	err := f.coord.HandleRunCompletion(context.Background(), uuid.New(), 0, "/ws/wt")
	require.Error(t, err)
	assert.True(t, errors.Is(err, portstate.ErrNotFound))
}

func TestHandleRunCompletionRetriesConflict(t *testing.T) {
	f := newFixture(t)
	run := f.seedRun(t)
	ctx := context.Background()

	var calls int
	f.store.MarkRunCompleteHook = func(id uuid.UUID) (error, bool) {
		calls++
		if calls <= 2 {
			return portstate.ErrConflict, true
		}
		return nil, false
	}

	require.NoError(t, f.coord.HandleRunCompletion(ctx, run.ID, 0, run.WorktreePath))
	assert.Equal(t, 3, calls)

	got, err := f.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domainrun.StatusCompleted, got.Status)
}

func TestCrownReadyWaitsForLastSibling(t *testing.T) {
	f := newFixture(t)
	run1 := f.seedRun(t)
	ctx := context.Background()

	run2, err := f.store.CreateRun(ctx, domainrun.NewRun(run1.TaskID, "agent-b", "/ws/wt2", "forge/b", "sbx-2"))
	require.NoError(t, err)
	require.NoError(t, f.store.MarkRunStarted(ctx, run2.ID))

	require.NoError(t, f.coord.HandleRunCompletion(ctx, run1.ID, 0, run1.WorktreePath))
	assert.False(t, f.bus.Has(event.TypeTaskCrownReady, run1.TaskID), "sibling still running")

	require.NoError(t, f.coord.HandleRunCompletion(ctx, run2.ID, 1, "/ws/wt2"))
	assert.True(t, f.bus.Has(event.TypeTaskCrownReady, run1.TaskID))
}

func TestCrownReadyFiresExactlyOnceUnderRace(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	task, err := f.store.CreateTask(ctx, domainrun.NewTask("t", "d", "https://github.com/a/b.git", "main", false, domainrun.StopAfterReview, time.Hour))
	require.NoError(t, err)

	const siblings = 3
	runs := make([]domainrun.TaskRun, siblings)
	for i := range runs {
		r, err := f.store.CreateRun(ctx, domainrun.NewRun(task.ID, "agent", "/ws/wt", "forge/x", "sbx"))
		require.NoError(t, err)
		require.NoError(t, f.store.MarkRunStarted(ctx, r.ID))
		runs[i] = r
	}

	var wg sync.WaitGroup
	for _, r := range runs {
		wg.Add(1)
		go func(id uuid.UUID) {
			defer wg.Done()
			assert.NoError(t, f.coord.HandleRunCompletion(ctx, id, 0, "/ws/wt"))
		}(r.ID)
	}
	wg.Wait()

	ready := 0
	for _, typ := range f.bus.Published() {
		if typ == event.TypeTaskCrownReady {
			ready++
		}
	}
	assert.Equal(t, 1, ready, "exactly one sibling readies the crown")
}

func TestEmptyDiffIsStoredNotFatal(t *testing.T) {
	f := newFixture(t)
	run := f.seedRun(t)
	ctx := context.Background()

	f.exec.Results["git diff"] = portexec.Result{ExitCode: 0, Stdout: ""}

	require.NoError(t, f.coord.HandleRunCompletion(ctx, run.ID, 0, run.WorktreePath))

	got, err := f.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Diff)
	assert.Empty(t, *got.Diff)
}

func TestAutoCommitFailureStillResolvesRun(t *testing.T) {
	f := newFixture(t)
	run := f.seedRun(t)
	ctx := context.Background()

	f.exec.Errs["git push"] = errors.New("remote rejected")

	require.NoError(t, f.coord.HandleRunCompletion(ctx, run.ID, 0, run.WorktreePath))
	require.NoError(t, f.coord.WaitAutoCommit(ctx, run.ID))

	got, err := f.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domainrun.StatusCompleted, got.Status)
	assert.True(t, f.bus.Has(event.TypeTaskCrownReady, run.TaskID))
}

func TestWaitAutoCommitNoPending(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.coord.WaitAutoCommit(context.Background(), uuid.New()))
}

func TestExecChannelDownDiffSkipped(t *testing.T) {
	store := testutil.NewFakeStore()
	bus := &testutil.FakeBus{}
	coord := completion.New(store, &testutil.FakeExecProvider{Err: portexec.ErrConnectionClosed}, bus)
	ctx := context.Background()

	task, err := store.CreateTask(ctx, domainrun.NewTask("t", "d", "https://github.com/a/b.git", "main", false, domainrun.StopAfterReview, time.Hour))
	require.NoError(t, err)
	run, err := store.CreateRun(ctx, domainrun.NewRun(task.ID, "agent", "/ws/wt", "forge/x", "sbx"))
	require.NoError(t, err)
	require.NoError(t, store.MarkRunStarted(ctx, run.ID))

	require.NoError(t, coord.HandleRunCompletion(ctx, run.ID, 0, run.WorktreePath))
	require.NoError(t, coord.WaitAutoCommit(ctx, run.ID))

	got, err := store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domainrun.StatusCompleted, got.Status, "run resolves even without a channel")
	assert.Nil(t, got.Diff)
}
