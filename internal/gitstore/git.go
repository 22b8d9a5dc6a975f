package gitstore

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// runner abstracts the git subprocess so tests can observe invocations.
type runner interface {
	run(ctx context.Context, dir string, args ...string) (string, error)
}

type execRunner struct{}

func (execRunner) run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s: %s: %w", strings.Join(args, " "), strings.TrimSpace(string(out)), err)
	}
	return string(out), nil
}
