package evaluator

import (
	"context"

	"github.com/google/uuid"
)

// Candidate is one completed run offered to the evaluator: the stored diff,
// never the live filesystem.
type Candidate struct {
	RunID uuid.UUID `json:"run_id"`
	Diff  string    `json:"diff"`
}

// Evaluator is the opaque scoring collaborator. It is only consulted when two
// or more candidates exist; it may be slow and it may fail.
type Evaluator interface {
	PickWinner(ctx context.Context, taskDescription string, candidates []Candidate) (uuid.UUID, error)
}
