package run

import (
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusStarting  Status = "starting"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether the status is final. Completed and failed runs
// never transition again; duplicate completion signals are no-ops.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

var validTransitions = map[Status][]Status{
	StatusStarting:  {StatusRunning, StatusFailed},
	StatusRunning:   {StatusCompleted, StatusFailed},
	StatusCompleted: {},
	StatusFailed:    {},
}

func (s Status) CanTransitionTo(target Status) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == target {
			return true
		}
	}
	return false
}

// CrownStatus is the per-run crown marker.
type CrownStatus string

const (
	CrownNone              CrownStatus = "none"
	CrownPendingEvaluation CrownStatus = "pending_evaluation"
	CrownCrowned           CrownStatus = "crowned"
)

// TaskRun is one agent's attempt at a task, bound to its own worktree and sandbox.
// Version is the optimistic-concurrency counter: every mutation against the state
// store carries the version it read, and is rejected with a conflict when stale.
type TaskRun struct {
	ID              uuid.UUID   `json:"id"`
	TaskID          uuid.UUID   `json:"task_id"`
	AgentName       string      `json:"agent_name"`
	Status          Status      `json:"status"`
	WorktreePath    string      `json:"worktree_path"`
	Branch          string      `json:"branch"`
	SandboxID       string      `json:"sandbox_id,omitempty"`
	ExitCode        *int        `json:"exit_code,omitempty"`
	Diff            *string     `json:"diff,omitempty"` // captured once at completion, never recomputed
	CrownStatus     CrownStatus `json:"crown_status"`
	ScheduledStopAt *time.Time  `json:"scheduled_stop_at,omitempty"`
	Version         int         `json:"version"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
	CompletedAt     *time.Time  `json:"completed_at,omitempty"`
}

func NewRun(taskID uuid.UUID, agentName, worktreePath, branch, sandboxID string) TaskRun {
	now := time.Now().UTC()
	return TaskRun{
		ID:           uuid.New(),
		TaskID:       taskID,
		AgentName:    agentName,
		Status:       StatusStarting,
		WorktreePath: worktreePath,
		Branch:       branch,
		SandboxID:    sandboxID,
		CrownStatus:  CrownNone,
		Version:      1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// CrownState is the task-level crown lifecycle, exposed to callers as a stable
// field so the orchestrator UI never has to infer it from absence of data.
type CrownState string

const (
	// CrownStateWaiting: at least one sibling run is not yet terminal.
	CrownStateWaiting CrownState = "waiting"
	// CrownStateEvaluating: two or more candidates handed to the evaluator.
	CrownStateEvaluating CrownState = "evaluating"
	// CrownStateEvaluationFailed: the evaluator errored; retryable.
	CrownStateEvaluationFailed CrownState = "evaluation_failed"
	// CrownStateCrowned: a winner has been selected.
	CrownStateCrowned CrownState = "crowned"
	// CrownStateSkipped: every run failed, nothing to crown.
	CrownStateSkipped CrownState = "skipped"
)

// Task is the logical unit of work fanned out to 1..N runs.
type Task struct {
	ID           uuid.UUID     `json:"id"`
	Title        string        `json:"title"`
	Description  string        `json:"description"`
	RepoURL      string        `json:"repo_url"`
	BaseBranch   string        `json:"base_branch"`
	CrownState   CrownState    `json:"crown_state"`
	CrownReady   bool          `json:"crown_ready"`
	WinnerRunID  *uuid.UUID    `json:"winner_run_id,omitempty"`
	WinnerReason string        `json:"winner_reason,omitempty"`
	AutoPR       bool          `json:"auto_pr"`
	StopPolicy   StopPolicy    `json:"stop_policy"`
	ReviewPeriod time.Duration `json:"review_period"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// StopPolicy controls sandbox teardown after crowning.
type StopPolicy string

const (
	// StopImmediate stops sandboxes synchronously during the crown flow.
	StopImmediate StopPolicy = "immediate"
	// StopAfterReview persists scheduled_stop_at for the sweeper.
	StopAfterReview StopPolicy = "after_review"
)

func NewTask(title, description, repoURL, baseBranch string, autoPR bool, policy StopPolicy, reviewPeriod time.Duration) Task {
	now := time.Now().UTC()
	return Task{
		ID:           uuid.New(),
		Title:        title,
		Description:  description,
		RepoURL:      repoURL,
		BaseBranch:   baseBranch,
		CrownState:   CrownStateWaiting,
		AutoPR:       autoPR,
		StopPolicy:   policy,
		ReviewPeriod: reviewPeriod,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}
