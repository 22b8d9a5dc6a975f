// Package tasks handles task and run provisioning: the task's repository is
// materialized through the repository store, and every run gets its own branch
// and worktree before a sandbox ever touches it.
package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/alanyang/agent-forge/internal/domain/event"
	domainrun "github.com/alanyang/agent-forge/internal/domain/run"
	"github.com/alanyang/agent-forge/internal/gitstore"
	porteventbus "github.com/alanyang/agent-forge/internal/port/eventbus"
	portstate "github.com/alanyang/agent-forge/internal/port/state"
)

type Service struct {
	store   portstate.Store
	repos   *gitstore.Store
	bus     porteventbus.EventBus
	baseDir string
}

// NewService builds the provisioning service. baseDir is the root under which
// clones (baseDir/repos) and worktrees (baseDir/worktrees) are laid out.
func NewService(store portstate.Store, repos *gitstore.Store, bus porteventbus.EventBus, baseDir string) *Service {
	return &Service{store: store, repos: repos, bus: bus, baseDir: baseDir}
}

// CreateTask persists the task and ensures its repository clone exists at the
// task's base branch. The clone is shared by every run's worktree.
func (s *Service) CreateTask(ctx context.Context, t domainrun.Task) (domainrun.Task, error) {
	originPath := s.OriginPath(t.RepoURL)
	if err := s.repos.EnsureRepository(ctx, t.RepoURL, originPath, t.BaseBranch); err != nil {
		return domainrun.Task{}, fmt.Errorf("ensuring repository for task: %w", err)
	}

	if t.BaseBranch == "" {
		branch, err := s.repos.GetDefaultBranch(ctx, originPath)
		if err != nil {
			return domainrun.Task{}, fmt.Errorf("resolving default branch: %w", err)
		}
		t.BaseBranch = branch
	}

	created, err := s.store.CreateTask(ctx, t)
	if err != nil {
		return domainrun.Task{}, fmt.Errorf("creating task: %w", err)
	}
	return created, nil
}

// CreateRun provisions a branch and worktree for one agent's attempt, then
// records the run in starting state.
func (s *Service) CreateRun(ctx context.Context, taskID uuid.UUID, agentName, sandboxID string) (domainrun.TaskRun, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return domainrun.TaskRun{}, fmt.Errorf("loading task %s: %w", taskID, err)
	}

	runID := uuid.New()
	branch := fmt.Sprintf("forge/%s/%s", sanitize(agentName), shortID(runID))
	originPath := s.OriginPath(task.RepoURL)
	worktreePath := filepath.Join(s.baseDir, "worktrees", runID.String())

	if err := s.repos.CreateWorktree(ctx, originPath, worktreePath, branch, task.BaseBranch); err != nil {
		return domainrun.TaskRun{}, fmt.Errorf("provisioning worktree for run: %w", err)
	}

	r := domainrun.NewRun(taskID, agentName, worktreePath, branch, sandboxID)
	r.ID = runID
	created, err := s.store.CreateRun(ctx, r)
	if err != nil {
		// The worktree is orphaned without a run record; best-effort cleanup.
		if rmErr := s.repos.RemoveWorktree(ctx, originPath, worktreePath); rmErr != nil {
			slog.Error("tasks: removing orphaned worktree", "path", worktreePath, "error", rmErr)
		}
		return domainrun.TaskRun{}, fmt.Errorf("creating run: %w", err)
	}
	return created, nil
}

// StartRun marks the run running once its sandbox has attached.
func (s *Service) StartRun(ctx context.Context, runID uuid.UUID) (domainrun.TaskRun, error) {
	if err := s.store.MarkRunStarted(ctx, runID); err != nil {
		return domainrun.TaskRun{}, fmt.Errorf("starting run %s: %w", runID, err)
	}
	if err := s.bus.Publish(ctx, event.New(event.TypeRunStarted, runID)); err != nil {
		slog.Error("tasks: publishing run started", "run_id", runID, "error", err)
	}
	return s.store.GetRun(ctx, runID)
}

func (s *Service) GetTask(ctx context.Context, id uuid.UUID) (domainrun.Task, error) {
	return s.store.GetTask(ctx, id)
}

func (s *Service) GetRun(ctx context.Context, id uuid.UUID) (domainrun.TaskRun, error) {
	return s.store.GetRun(ctx, id)
}

func (s *Service) ListRuns(ctx context.Context, taskID uuid.UUID) ([]domainrun.TaskRun, error) {
	return s.store.ListRunsForTask(ctx, taskID)
}

// OriginPath maps a repository URL to its shared clone directory.
func (s *Service) OriginPath(repoURL string) string {
	return filepath.Join(s.baseDir, "repos", slug(repoURL))
}

// slug flattens a repo URL into a filesystem-safe directory name.
func slug(repoURL string) string {
	s := repoURL
	if u, err := url.Parse(repoURL); err == nil && u.Host != "" {
		s = u.Host + u.Path
	}
	s = strings.TrimSuffix(s, ".git")
	s = strings.NewReplacer("/", "-", ":", "-", "@", "-").Replace(s)
	return strings.Trim(s, "-")
}

func sanitize(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '-'
		}
	}, name)
}

func shortID(id uuid.UUID) string {
	return id.String()[:8]
}
