// Package state implements port/state.Store on Postgres. Conflict detection
// is the store's job: every conditional mutation is a single UPDATE whose
// WHERE clause carries the caller's expectation, and zero affected rows maps
// to state.ErrConflict for the retry combinator.
package state

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	domainrun "github.com/alanyang/agent-forge/internal/domain/run"
	portstate "github.com/alanyang/agent-forge/internal/port/state"
)

var _ portstate.Store = (*Store)(nil)

type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const taskColumns = `id, title, description, repo_url, base_branch, crown_state, crown_ready,
	winner_run_id, winner_reason, auto_pr, stop_policy, review_period_secs, created_at, updated_at`

const runColumns = `id, task_id, agent_name, status, worktree_path, branch, sandbox_id,
	exit_code, diff, crown_status, scheduled_stop_at, version, created_at, updated_at, completed_at`

func (s *Store) CreateTask(ctx context.Context, t domainrun.Task) (domainrun.Task, error) {
	query := `
		INSERT INTO tasks (` + taskColumns + `)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		RETURNING ` + taskColumns

	row := s.pool.QueryRow(ctx, query,
		t.ID, t.Title, t.Description, t.RepoURL, t.BaseBranch, t.CrownState, t.CrownReady,
		t.WinnerRunID, nilIfEmpty(t.WinnerReason), t.AutoPR, t.StopPolicy,
		int(t.ReviewPeriod/time.Second), t.CreatedAt, t.UpdatedAt,
	)
	created, err := scanTask(row)
	if err != nil {
		return domainrun.Task{}, fmt.Errorf("inserting task: %w", err)
	}
	return created, nil
}

func (s *Store) CreateRun(ctx context.Context, r domainrun.TaskRun) (domainrun.TaskRun, error) {
	query := `
		INSERT INTO task_runs (` + runColumns + `)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		RETURNING ` + runColumns

	row := s.pool.QueryRow(ctx, query,
		r.ID, r.TaskID, r.AgentName, r.Status, r.WorktreePath, r.Branch, nilIfEmpty(r.SandboxID),
		r.ExitCode, r.Diff, r.CrownStatus, r.ScheduledStopAt, r.Version,
		r.CreatedAt, r.UpdatedAt, r.CompletedAt,
	)
	created, err := scanRun(row)
	if err != nil {
		return domainrun.TaskRun{}, fmt.Errorf("inserting run: %w", err)
	}
	return created, nil
}

func (s *Store) GetTask(ctx context.Context, id uuid.UUID) (domainrun.Task, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domainrun.Task{}, fmt.Errorf("task %s: %w", id, portstate.ErrNotFound)
		}
		return domainrun.Task{}, fmt.Errorf("querying task: %w", err)
	}
	return t, nil
}

func (s *Store) GetRun(ctx context.Context, id uuid.UUID) (domainrun.TaskRun, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM task_runs WHERE id = $1`, id)
	r, err := scanRun(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domainrun.TaskRun{}, fmt.Errorf("run %s: %w", id, portstate.ErrNotFound)
		}
		return domainrun.TaskRun{}, fmt.Errorf("querying run: %w", err)
	}
	return r, nil
}

func (s *Store) ListRunsForTask(ctx context.Context, taskID uuid.UUID) ([]domainrun.TaskRun, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+runColumns+` FROM task_runs WHERE task_id = $1 ORDER BY created_at`, taskID)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var runs []domainrun.TaskRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func (s *Store) MarkRunStarted(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE task_runs SET status = $1, version = version + 1, updated_at = NOW()
		WHERE id = $2 AND status = $3`,
		domainrun.StatusRunning, id, domainrun.StatusStarting)
	if err != nil {
		return fmt.Errorf("marking run started: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("run %s not in starting state: %w", id, portstate.ErrConflict)
	}
	return nil
}

func (s *Store) MarkRunComplete(ctx context.Context, id uuid.UUID, status domainrun.Status, exitCode int, expectVersion int) error {
	if !status.Terminal() {
		return fmt.Errorf("mark complete with non-terminal status %s", status)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE task_runs
		SET status = $1, exit_code = $2, version = version + 1, updated_at = NOW(), completed_at = NOW()
		WHERE id = $3 AND version = $4 AND status NOT IN ('completed', 'failed')`,
		status, exitCode, id, expectVersion)
	if err != nil {
		return fmt.Errorf("marking run complete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("run %s version CAS at v%d: %w", id, expectVersion, portstate.ErrConflict)
	}
	return nil
}

// SetRunDiff is set-once by construction: the UPDATE only matches a NULL diff.
func (s *Store) SetRunDiff(ctx context.Context, id uuid.UUID, diff string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE task_runs SET diff = $1, version = version + 1, updated_at = NOW()
		WHERE id = $2 AND diff IS NULL`,
		diff, id)
	if err != nil {
		return fmt.Errorf("setting run diff: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("diff for run %s already captured: %w", id, portstate.ErrConflict)
	}
	return nil
}

func (s *Store) SetRunCrownStatus(ctx context.Context, id uuid.UUID, cs domainrun.CrownStatus) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE task_runs SET crown_status = $1, version = version + 1, updated_at = NOW()
		WHERE id = $2`, cs, id)
	if err != nil {
		return fmt.Errorf("setting run crown status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("run %s: %w", id, portstate.ErrNotFound)
	}
	return nil
}

func (s *Store) SetTaskCrownState(ctx context.Context, taskID uuid.UUID, cs domainrun.CrownState) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tasks SET crown_state = $1, updated_at = NOW() WHERE id = $2`, cs, taskID)
	if err != nil {
		return fmt.Errorf("setting task crown state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("task %s: %w", taskID, portstate.ErrNotFound)
	}
	return nil
}

// SetCrownWinner records winner and reason on the task and flips the run's
// crown status, in one transaction.
func (s *Store) SetCrownWinner(ctx context.Context, taskID, runID uuid.UUID, reason string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning crown transaction: %w", err)
	}
	defer tx.Rollback(context.Background()) //nolint:errcheck

	tag, err := tx.Exec(ctx, `
		UPDATE tasks SET crown_state = $1, winner_run_id = $2, winner_reason = $3, updated_at = NOW()
		WHERE id = $4`,
		domainrun.CrownStateCrowned, runID, reason, taskID)
	if err != nil {
		return fmt.Errorf("recording crown winner: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("task %s: %w", taskID, portstate.ErrNotFound)
	}

	tag, err = tx.Exec(ctx, `
		UPDATE task_runs SET crown_status = $1, version = version + 1, updated_at = NOW()
		WHERE id = $2 AND task_id = $3`,
		domainrun.CrownCrowned, runID, taskID)
	if err != nil {
		return fmt.Errorf("crowning run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("run %s under task %s: %w", runID, taskID, portstate.ErrNotFound)
	}

	return tx.Commit(ctx)
}

// TryMarkCrownReady is the single atomic readiness check: the latch flips only
// if it is unset and no sibling run is non-terminal. Exactly one of N racing
// siblings observes true; the rest observe false without error.
func (s *Store) TryMarkCrownReady(ctx context.Context, taskID uuid.UUID) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tasks SET crown_ready = TRUE, updated_at = NOW()
		WHERE id = $1
		  AND crown_ready = FALSE
		  AND NOT EXISTS (
			SELECT 1 FROM task_runs
			WHERE task_id = $1 AND status NOT IN ('completed', 'failed')
		  )`, taskID)
	if err != nil {
		return false, fmt.Errorf("testing crown readiness: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) UpdateScheduledStop(ctx context.Context, runID uuid.UUID, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE task_runs SET scheduled_stop_at = $1, version = version + 1, updated_at = NOW()
		WHERE id = $2`, at, runID)
	if err != nil {
		return fmt.Errorf("scheduling sandbox stop: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("run %s: %w", runID, portstate.ErrNotFound)
	}
	return nil
}

func (s *Store) ListRunsDueForStop(ctx context.Context, now time.Time) ([]domainrun.TaskRun, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+runColumns+` FROM task_runs
		WHERE scheduled_stop_at IS NOT NULL AND scheduled_stop_at <= $1 AND sandbox_id IS NOT NULL`, now)
	if err != nil {
		return nil, fmt.Errorf("listing runs due for stop: %w", err)
	}
	defer rows.Close()

	var runs []domainrun.TaskRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func (s *Store) ClearScheduledStop(ctx context.Context, runID uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE task_runs SET scheduled_stop_at = NULL, version = version + 1, updated_at = NOW()
		WHERE id = $1`, runID)
	if err != nil {
		return fmt.Errorf("clearing scheduled stop: %w", err)
	}
	return nil
}

// ── scanning helpers ──────────────────────────────────────────────────────

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (domainrun.Task, error) {
	var (
		t          domainrun.Task
		reason     *string
		reviewSecs int
	)
	err := row.Scan(
		&t.ID, &t.Title, &t.Description, &t.RepoURL, &t.BaseBranch, &t.CrownState, &t.CrownReady,
		&t.WinnerRunID, &reason, &t.AutoPR, &t.StopPolicy, &reviewSecs, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return domainrun.Task{}, err
	}
	if reason != nil {
		t.WinnerReason = *reason
	}
	t.ReviewPeriod = time.Duration(reviewSecs) * time.Second
	return t, nil
}

func scanRun(row rowScanner) (domainrun.TaskRun, error) {
	var (
		r         domainrun.TaskRun
		sandboxID *string
	)
	err := row.Scan(
		&r.ID, &r.TaskID, &r.AgentName, &r.Status, &r.WorktreePath, &r.Branch, &sandboxID,
		&r.ExitCode, &r.Diff, &r.CrownStatus, &r.ScheduledStopAt, &r.Version,
		&r.CreatedAt, &r.UpdatedAt, &r.CompletedAt,
	)
	if err != nil {
		return domainrun.TaskRun{}, err
	}
	if sandboxID != nil {
		r.SandboxID = *sandboxID
	}
	return r, nil
}

func nilIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
