package gitstore

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
)

// CreateWorktree cuts a new local branch branchName at origin/baseBranch in
// the store at originPath and binds a worktree at worktreePath.
//
// Worktree creation against the same origin is serialized — git's worktree
// metadata is not safe for concurrent writers — but different origins proceed
// in parallel. A missing base ref and an already-used worktree path surface as
// distinct sentinel errors so upstream retry logic can tell "bad base branch"
// apart from infrastructure failure.
func (s *Store) CreateWorktree(ctx context.Context, originPath, worktreePath, branchName, baseBranch string) error {
	mu := s.pathLock(originPath)
	mu.Lock()
	defer mu.Unlock()

	if !s.remoteBranchExists(ctx, originPath, baseBranch) {
		return fmt.Errorf("origin/%s does not exist in %s: %w", baseBranch, originPath, ErrBaseBranchNotFound)
	}

	if taken, err := s.worktreePathInUse(ctx, originPath, worktreePath); err != nil {
		return err
	} else if taken {
		return fmt.Errorf("path %s: %w", worktreePath, ErrWorktreeExists)
	}

	if _, err := s.git.run(ctx, originPath, "worktree", "add", "-b", branchName, worktreePath, "origin/"+baseBranch); err != nil {
		return fmt.Errorf("adding worktree %s: %w", worktreePath, err)
	}

	// Worktrees share the origin's common hook directory by construction;
	// verify rather than trust.
	if ok, err := s.HookVisibleFromWorktree(ctx, worktreePath, "pre-commit"); err != nil || !ok {
		slog.Warn("gitstore: shared pre-commit hook not visible from worktree", "worktree", worktreePath, "error", err)
	}

	slog.Info("gitstore: worktree created", "origin", originPath, "worktree", worktreePath, "branch", branchName, "base", baseBranch)
	return nil
}

// RemoveWorktree detaches and deletes a worktree plus its branch. Used by the
// post-review cleanup pass.
func (s *Store) RemoveWorktree(ctx context.Context, originPath, worktreePath string) error {
	mu := s.pathLock(originPath)
	mu.Lock()
	defer mu.Unlock()

	branch := ""
	if out, err := s.git.run(ctx, worktreePath, "rev-parse", "--abbrev-ref", "HEAD"); err == nil {
		branch = strings.TrimSpace(out)
	}

	if _, err := s.git.run(ctx, originPath, "worktree", "remove", "--force", worktreePath); err != nil {
		return fmt.Errorf("removing worktree %s: %w", worktreePath, err)
	}
	if branch != "" && branch != "HEAD" {
		if _, err := s.git.run(ctx, originPath, "branch", "-D", branch); err != nil {
			slog.Debug("gitstore: branch delete after worktree removal", "branch", branch, "error", err)
		}
	}
	return nil
}

// worktreePathInUse checks both the filesystem and git's worktree registry;
// a stale registry entry without a directory still counts as in use.
func (s *Store) worktreePathInUse(ctx context.Context, originPath, worktreePath string) (bool, error) {
	if _, err := os.Stat(worktreePath); err == nil {
		return true, nil
	} else if !os.IsNotExist(err) {
		return false, fmt.Errorf("checking worktree path: %w", err)
	}

	out, err := s.git.run(ctx, originPath, "worktree", "list", "--porcelain")
	if err != nil {
		return false, fmt.Errorf("listing worktrees of %s: %w", originPath, err)
	}
	for _, line := range strings.Split(out, "\n") {
		if line == "worktree "+worktreePath {
			return true, nil
		}
	}
	return false, nil
}
