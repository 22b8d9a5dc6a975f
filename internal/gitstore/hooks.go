package gitstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DefaultHooks returns the shared hook scripts installed into every store.
// They live in the repository's common hook directory, so worktrees created
// from the store inherit them without per-worktree installation.
func DefaultHooks() map[string]string {
	return map[string]string{
		"pre-commit": `#!/bin/sh
# agent-forge shared hook: refuse oversized blobs before they reach history.
limit=10485760
for f in $(git diff --cached --name-only --diff-filter=AM); do
  [ -f "$f" ] || continue
  size=$(wc -c < "$f")
  if [ "$size" -gt "$limit" ]; then
    echo "pre-commit: $f is larger than 10MB, refusing commit" >&2
    exit 1
  fi
done
exit 0
`,
		"pre-push": `#!/bin/sh
# agent-forge shared hook: agent branches only, never the default branch.
while read local_ref local_sha remote_ref remote_sha; do
  case "$remote_ref" in
    refs/heads/main|refs/heads/master)
      echo "pre-push: direct push to $remote_ref is not allowed" >&2
      exit 1
      ;;
  esac
done
exit 0
`,
	}
}

// installHooks writes hook scripts into the common hook directory of the
// repository at localPath.
func (s *Store) installHooks(ctx context.Context, localPath string, hooks map[string]string) error {
	if len(hooks) == 0 {
		return nil
	}

	dir, err := s.commonHooksDir(ctx, localPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating hooks dir: %w", err)
	}

	for name, script := range hooks {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
			return fmt.Errorf("writing hook %s: %w", name, err)
		}
	}
	return nil
}

// commonHooksDir resolves the hook directory shared by the repository and all
// of its worktrees.
func (s *Store) commonHooksDir(ctx context.Context, repoPath string) (string, error) {
	out, err := s.git.run(ctx, repoPath, "rev-parse", "--git-common-dir")
	if err != nil {
		return "", fmt.Errorf("resolving common git dir: %w", err)
	}
	common := strings.TrimSpace(out)
	if !filepath.IsAbs(common) {
		common = filepath.Join(repoPath, common)
	}
	return filepath.Join(common, "hooks"), nil
}

// HookVisibleFromWorktree reports whether the named shared hook resolves from
// the given worktree. Used to verify hook installation after worktree creation.
func (s *Store) HookVisibleFromWorktree(ctx context.Context, worktreePath, hookName string) (bool, error) {
	dir, err := s.commonHooksDir(ctx, worktreePath)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(filepath.Join(dir, hookName)); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
