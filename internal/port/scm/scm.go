package scm

import (
	"context"

	"github.com/google/uuid"
)

// TokenSource supplies a source-control token on demand. The core never
// persists or rotates it.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// PullRequester opens a pull request for a crowned run's branch.
// Failures are logged by the caller, never fatal to the crown flow.
type PullRequester interface {
	CreatePullRequestForWinner(ctx context.Context, runID, taskID uuid.UUID, token string) (string, error)
}
