package gitstore

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingRunner wraps the real git runner and counts invocations per
// subcommand so tests can assert coalescing and cache behavior.
type countingRunner struct {
	inner runner
	mu    sync.Mutex
	calls map[string]int
}

func newCountingRunner() *countingRunner {
	return &countingRunner{inner: execRunner{}, calls: make(map[string]int)}
}

func (c *countingRunner) run(ctx context.Context, dir string, args ...string) (string, error) {
	c.mu.Lock()
	c.calls[args[0]]++
	c.mu.Unlock()
	return c.inner.run(ctx, dir, args...)
}

func (c *countingRunner) count(subcommand string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[subcommand]
}

func gitOrSkip(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
}

func runGit(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
		"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com",
	)
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v: %s", args, out)
}

// newRemote builds a local "remote" repository with main plus the given extra
// branches, one commit each.
func newRemote(t *testing.T, extraBranches ...string) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "remote")
	require.NoError(t, os.MkdirAll(dir, 0o755))

	runGit(t, dir, "init", "-b", "main")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0o644))
	runGit(t, dir, "add", ".")
	runGit(t, dir, "commit", "-m", "initial commit")

	for _, b := range extraBranches {
		runGit(t, dir, "branch", b)
	}
	return dir
}

func newStore() (*Store, *countingRunner) {
	s := New(DefaultOptions())
	cr := newCountingRunner()
	s.git = cr
	return s, cr
}

func TestEnsureRepositoryClonesAndChecksOutDefault(t *testing.T) {
	gitOrSkip(t)
	remote := newRemote(t)
	s, _ := newStore()
	local := filepath.Join(t.TempDir(), "store")

	require.NoError(t, s.EnsureRepository(context.Background(), remote, local, ""))

	branch, err := s.GetDefaultBranch(context.Background(), local)
	require.NoError(t, err)
	assert.Equal(t, "main", branch)
	assert.DirExists(t, filepath.Join(local, ".git"))
}

func TestEnsureRepositoryChecksOutRequestedBranch(t *testing.T) {
	gitOrSkip(t)
	remote := newRemote(t, "feature")
	s, _ := newStore()
	local := filepath.Join(t.TempDir(), "store")

	require.NoError(t, s.EnsureRepository(context.Background(), remote, local, "feature"))

	out, err := s.git.run(context.Background(), local, "rev-parse", "--abbrev-ref", "HEAD")
	require.NoError(t, err)
	assert.Contains(t, out, "feature")
}

func TestEnsureRepositoryMissingBranchRejects(t *testing.T) {
	gitOrSkip(t)
	remote := newRemote(t)
	s, _ := newStore()
	local := filepath.Join(t.TempDir(), "store")

	err := s.EnsureRepository(context.Background(), remote, local, "does-not-exist")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBranchNotFound), "want ErrBranchNotFound, got %v", err)
	assert.Contains(t, err.Error(), "does-not-exist")
}

func TestEnsureRepositoryCloneFailureLeavesNoPartialDir(t *testing.T) {
	gitOrSkip(t)
	s, _ := newStore()
	local := filepath.Join(t.TempDir(), "store")

	err := s.EnsureRepository(context.Background(), filepath.Join(t.TempDir(), "no-such-remote"), local, "")
	require.Error(t, err)
	assert.NoDirExists(t, local)
}

func TestEnsureRepositoryCloneFailurePreservesExistingDir(t *testing.T) {
	gitOrSkip(t)
	s, _ := newStore()

	// A directory that exists but is not a repository: clone into it fails,
	// and its contents must survive.
	local := filepath.Join(t.TempDir(), "store")
	require.NoError(t, os.MkdirAll(local, 0o755))
	keep := filepath.Join(local, "data.txt")
	require.NoError(t, os.WriteFile(keep, []byte("keep me\n"), 0o644))

	err := s.EnsureRepository(context.Background(), filepath.Join(t.TempDir(), "no-such-remote"), local, "")
	require.Error(t, err)
	assert.FileExists(t, keep, "pre-existing directory must survive a failed clone")
}

func TestEnsureRepositoryConcurrentCallsCoalesce(t *testing.T) {
	gitOrSkip(t)
	remote := newRemote(t)
	s, cr := newStore()
	local := filepath.Join(t.TempDir(), "store")

	const callers = 8
	errs := make(chan error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.EnsureRepository(context.Background(), remote, local, "")
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, 1, cr.count("clone"), "concurrent identical calls must share one clone")
	assert.DirExists(t, filepath.Join(local, ".git"))
}

func TestEnsureRepositoryFetchServedFromOperationCache(t *testing.T) {
	gitOrSkip(t)
	remote := newRemote(t)
	s, cr := newStore()
	local := filepath.Join(t.TempDir(), "store")

	require.NoError(t, s.EnsureRepository(context.Background(), remote, local, ""))
	require.Equal(t, 0, cr.count("fetch"))

	// Within the cache window: no network fetch.
	require.NoError(t, s.EnsureRepository(context.Background(), remote, local, ""))
	assert.Equal(t, 0, cr.count("fetch"))

	// Shrink the window so the cache entry is stale.
	opts := s.options()
	opts.OperationCacheTime = time.Nanosecond
	s.UpdateConfig(opts)

	require.NoError(t, s.EnsureRepository(context.Background(), remote, local, ""))
	assert.Equal(t, 1, cr.count("fetch"))
}

func TestEnsureRepositoryInstallsSharedHooks(t *testing.T) {
	gitOrSkip(t)
	remote := newRemote(t)
	s, _ := newStore()
	local := filepath.Join(t.TempDir(), "store")

	require.NoError(t, s.EnsureRepository(context.Background(), remote, local, ""))

	for _, hook := range []string{"pre-commit", "pre-push"} {
		info, err := os.Stat(filepath.Join(local, ".git", "hooks", hook))
		require.NoError(t, err, "hook %s missing", hook)
		assert.NotZero(t, info.Mode()&0o100, "hook %s must be executable", hook)
	}
}

func TestGetDefaultBranchNonMainRemote(t *testing.T) {
	gitOrSkip(t)
	dir := filepath.Join(t.TempDir(), "remote")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	runGit(t, dir, "init", "-b", "trunk")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("a\n"), 0o644))
	runGit(t, dir, "add", ".")
	runGit(t, dir, "commit", "-m", "initial commit")

	s, _ := newStore()
	local := filepath.Join(t.TempDir(), "store")
	require.NoError(t, s.EnsureRepository(context.Background(), dir, local, ""))

	branch, err := s.GetDefaultBranch(context.Background(), local)
	require.NoError(t, err)
	assert.Equal(t, "trunk", branch)
}

func TestUpdateConfigAppliesGoingForward(t *testing.T) {
	s := New(DefaultOptions())

	opts := s.options()
	opts.FetchDepth = 1
	opts.Strategy = PullRebase
	s.UpdateConfig(opts)

	got := s.options()
	assert.Equal(t, 1, got.FetchDepth)
	assert.Equal(t, PullRebase, got.Strategy)
	assert.Equal(t, DefaultOptions().OperationCacheTime, got.OperationCacheTime)
}

func TestUpdateConfigKeepsHooksWhenUnset(t *testing.T) {
	s := New(DefaultOptions())

	// A partial update that says nothing about hooks keeps the current set.
	s.UpdateConfig(Options{FetchDepth: 5})
	assert.Equal(t, DefaultOptions().Hooks, s.options().Hooks)
	assert.Equal(t, 5, s.options().FetchDepth)

	// An explicit (even empty, non-nil) hook map still replaces it.
	s.UpdateConfig(Options{Hooks: map[string]string{}})
	assert.Empty(t, s.options().Hooks)
}
