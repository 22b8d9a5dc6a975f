// Package gitstore owns the on-disk git repository cache and the worktrees cut
// from it. All operations against the same local path are serialized through a
// per-path queue; identical concurrent requests coalesce into one underlying
// git invocation.
package gitstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

var (
	// ErrBranchNotFound: the requested branch does not exist on the remote.
	// Never downgraded to a default-branch fallback.
	ErrBranchNotFound = errors.New("gitstore: branch not found")

	// ErrWorktreeExists: the worktree path is already in use. Callers must
	// pick unique paths, e.g. per task-run id.
	ErrWorktreeExists = errors.New("gitstore: worktree already exists")

	// ErrBaseBranchNotFound: the base ref to cut a worktree from is absent.
	ErrBaseBranchNotFound = errors.New("gitstore: base branch not found")
)

// PullStrategy configures how fetched updates integrate into the checkout.
type PullStrategy string

const (
	PullMerge  PullStrategy = "merge"
	PullRebase PullStrategy = "rebase"
	PullFFOnly PullStrategy = "ff-only"
)

// Options tune the store. Changes apply to future operations only; an already
// cloned repository picks up new git config on its next EnsureRepository call.
type Options struct {
	FetchDepth int
	Strategy   PullStrategy
	// OperationCacheTime bounds redundant network fetches: a fetch for a path
	// within this window of the previous one is served from cache.
	OperationCacheTime time.Duration
	// Hooks maps hook name (pre-commit, pre-push) to script contents,
	// installed into the repository's common hook directory so every worktree
	// inherits them.
	Hooks map[string]string
}

func DefaultOptions() Options {
	return Options{
		Strategy:           PullFFOnly,
		OperationCacheTime: 30 * time.Second,
		Hooks:              DefaultHooks(),
	}
}

type opCacheEntry struct {
	at  time.Time
	err error
}

// Store is the repository cache. Safe for concurrent use.
type Store struct {
	git runner

	optsMu sync.RWMutex
	opts   Options

	pathLocks sync.Map // localPath -> *sync.Mutex

	flight singleflight.Group

	cacheMu sync.Mutex
	opCache map[string]opCacheEntry // "<path>\x00<op>" -> last completion
}

func New(opts Options) *Store {
	if opts.OperationCacheTime <= 0 {
		opts.OperationCacheTime = DefaultOptions().OperationCacheTime
	}
	if opts.Strategy == "" {
		opts.Strategy = PullFFOnly
	}
	return &Store{
		git:     execRunner{},
		opts:    opts,
		opCache: make(map[string]opCacheEntry),
	}
}

// UpdateConfig replaces the store's options going forward. Already-cloned
// repositories keep their git config until their next EnsureRepository call.
func (s *Store) UpdateConfig(opts Options) {
	s.optsMu.Lock()
	defer s.optsMu.Unlock()
	if opts.OperationCacheTime <= 0 {
		opts.OperationCacheTime = s.opts.OperationCacheTime
	}
	if opts.Strategy == "" {
		opts.Strategy = s.opts.Strategy
	}
	if opts.Hooks == nil {
		opts.Hooks = s.opts.Hooks
	}
	s.opts = opts
}

func (s *Store) options() Options {
	s.optsMu.RLock()
	defer s.optsMu.RUnlock()
	return s.opts
}

// Config returns a copy of the current options.
func (s *Store) Config() Options {
	return s.options()
}

func (s *Store) pathLock(path string) *sync.Mutex {
	v, _ := s.pathLocks.LoadOrStore(path, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// EnsureRepository makes localPath a usable checkout of url. Missing store:
// clone with the configured depth and pull strategy, then install the shared
// hooks. Existing store: fetch, subject to the operation cache. With a branch,
// that exact branch is checked out or ErrBranchNotFound is returned; with no
// branch, the remote's symbolic default is detected and checked out.
//
// Concurrent calls for the same path with identical parameters share one
// underlying invocation; calls for different paths run fully in parallel.
func (s *Store) EnsureRepository(ctx context.Context, url, localPath, branch string) error {
	key := localPath + "\x00" + url + "\x00" + branch
	_, err, _ := s.flight.Do(key, func() (any, error) {
		mu := s.pathLock(localPath)
		mu.Lock()
		defer mu.Unlock()
		return nil, s.ensureLocked(ctx, url, localPath, branch)
	})
	return err
}

func (s *Store) ensureLocked(ctx context.Context, url, localPath, branch string) error {
	opts := s.options()

	if !s.isRepository(ctx, localPath) {
		if err := s.clone(ctx, url, localPath, opts); err != nil {
			return err
		}
	} else if s.shouldRun(localPath, "fetch", opts.OperationCacheTime) {
		if _, err := s.git.run(ctx, localPath, "fetch", "--prune", "origin"); err != nil {
			s.recordOp(localPath, "fetch", err)
			return fmt.Errorf("fetching %s: %w", localPath, err)
		}
		s.recordOp(localPath, "fetch", nil)
	} else {
		slog.Debug("gitstore: fetch served from operation cache", "path", localPath)
	}

	if branch == "" {
		detected, err := s.GetDefaultBranch(ctx, localPath)
		if err != nil {
			return err
		}
		branch = detected
	} else if !s.remoteBranchExists(ctx, localPath, branch) {
		// Shallow clones only materialize the default branch; give the remote
		// one chance to supply the requested ref before declaring it missing.
		_, _ = s.git.run(ctx, localPath, "fetch", "origin", branch+":refs/remotes/origin/"+branch)
		if !s.remoteBranchExists(ctx, localPath, branch) {
			return fmt.Errorf("repository %s has no remote branch %q: %w", url, branch, ErrBranchNotFound)
		}
	}

	if _, err := s.git.run(ctx, localPath, "checkout", "-B", branch, "origin/"+branch); err != nil {
		return fmt.Errorf("checking out %s in %s: %w", branch, localPath, err)
	}
	return nil
}

func (s *Store) clone(ctx context.Context, url, localPath string, opts Options) error {
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return fmt.Errorf("creating store parent dir: %w", err)
	}
	_, statErr := os.Stat(localPath)
	preexisting := statErr == nil

	args := []string{"clone"}
	if opts.FetchDepth > 0 {
		args = append(args, "--depth", fmt.Sprint(opts.FetchDepth))
	}
	args = append(args, url, localPath)

	slog.Info("gitstore: cloning", "url", url, "path", localPath, "depth", opts.FetchDepth)
	if _, err := s.git.run(ctx, "", args...); err != nil {
		// Leave no partial directory behind for a later call to mistake for a
		// store — but only remove what this clone created. A pre-existing
		// non-repo directory belongs to the caller.
		if !preexisting {
			if rmErr := os.RemoveAll(localPath); rmErr != nil {
				slog.Error("gitstore: cleanup of failed clone left residue", "path", localPath, "error", rmErr)
			}
		}
		return fmt.Errorf("cloning %s: %w", url, err)
	}

	if _, err := s.git.run(ctx, localPath, "config", "pull."+pullConfigKey(opts.Strategy), "true"); err != nil {
		return fmt.Errorf("configuring pull strategy: %w", err)
	}

	if err := s.installHooks(ctx, localPath, opts.Hooks); err != nil {
		// Hook trouble is a best-effort side effect, not a failed clone.
		slog.Error("gitstore: hook installation failed", "path", localPath, "error", err)
	}

	s.recordOp(localPath, "fetch", nil)
	return nil
}

func pullConfigKey(st PullStrategy) string {
	switch st {
	case PullRebase:
		return "rebase"
	case PullFFOnly:
		return "ff"
	default:
		return "merge"
	}
}

// GetDefaultBranch reads the remote's symbolic HEAD. Pure read, safe to call
// concurrently with anything.
func (s *Store) GetDefaultBranch(ctx context.Context, localPath string) (string, error) {
	out, err := s.git.run(ctx, localPath, "symbolic-ref", "refs/remotes/origin/HEAD")
	if err == nil {
		return strings.TrimPrefix(strings.TrimSpace(out), "refs/remotes/origin/"), nil
	}

	// origin/HEAD is not always materialized locally; ask the remote.
	out, err = s.git.run(ctx, localPath, "ls-remote", "--symref", "origin", "HEAD")
	if err != nil {
		return "", fmt.Errorf("reading default branch of %s: %w", localPath, err)
	}
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, "ref:") {
			fields := strings.Fields(line)
			if len(fields) >= 2 {
				return strings.TrimPrefix(fields[1], "refs/heads/"), nil
			}
		}
	}
	return "", fmt.Errorf("no symbolic HEAD in ls-remote output for %s", localPath)
}

func (s *Store) isRepository(ctx context.Context, localPath string) bool {
	if _, err := os.Stat(localPath); err != nil {
		return false
	}
	_, err := s.git.run(ctx, localPath, "rev-parse", "--git-dir")
	return err == nil
}

func (s *Store) remoteBranchExists(ctx context.Context, localPath, branch string) bool {
	_, err := s.git.run(ctx, localPath, "rev-parse", "--verify", "--quiet", "refs/remotes/origin/"+branch)
	return err == nil
}

func (s *Store) shouldRun(path, op string, window time.Duration) bool {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	entry, ok := s.opCache[path+"\x00"+op]
	if !ok || entry.err != nil {
		return true
	}
	return time.Since(entry.at) >= window
}

func (s *Store) recordOp(path, op string, err error) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	s.opCache[path+"\x00"+op] = opCacheEntry{at: time.Now(), err: err}
}
