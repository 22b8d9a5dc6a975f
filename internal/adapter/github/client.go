// Package github opens pull requests for crowned runs via the GitHub API.
package github

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/go-github/v60/github"
	"github.com/google/uuid"
	"golang.org/x/oauth2"

	portscm "github.com/alanyang/agent-forge/internal/port/scm"
	portstate "github.com/alanyang/agent-forge/internal/port/state"
)

var _ portscm.PullRequester = (*Client)(nil)

// Client resolves the winner's branch and the task's base branch from the
// state store and opens a PR against the repository named by the task. The
// token is supplied per call, never held by the client.
type Client struct {
	store portstate.Store
}

func NewClient(store portstate.Store) *Client {
	return &Client{store: store}
}

func (c *Client) CreatePullRequestForWinner(ctx context.Context, runID, taskID uuid.UUID, token string) (string, error) {
	run, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return "", fmt.Errorf("loading winner run: %w", err)
	}
	task, err := c.store.GetTask(ctx, taskID)
	if err != nil {
		return "", fmt.Errorf("loading task: %w", err)
	}

	owner, repo, err := parseRepoURL(task.RepoURL)
	if err != nil {
		return "", err
	}

	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	gh := github.NewClient(oauth2.NewClient(ctx, ts))

	title := task.Title
	if title == "" {
		title = fmt.Sprintf("Crowned run %s", runID)
	}
	body := task.Description
	if task.WinnerReason != "" {
		body += fmt.Sprintf("\n\nWinner: %s (%s)", run.AgentName, task.WinnerReason)
	}

	pr, _, err := gh.PullRequests.Create(ctx, owner, repo, &github.NewPullRequest{
		Title: github.String(title),
		Body:  github.String(body),
		Head:  github.String(run.Branch),
		Base:  github.String(task.BaseBranch),
	})
	if err != nil {
		return "", fmt.Errorf("creating pull request %s -> %s: %w", run.Branch, task.BaseBranch, err)
	}
	return pr.GetHTMLURL(), nil
}

// parseRepoURL extracts owner and repo from the https and ssh remote forms.
func parseRepoURL(url string) (owner, repo string, err error) {
	s := strings.TrimSuffix(url, ".git")
	switch {
	case strings.Contains(s, "github.com/"):
		s = s[strings.Index(s, "github.com/")+len("github.com/"):]
	case strings.Contains(s, "github.com:"):
		s = s[strings.Index(s, "github.com:")+len("github.com:"):]
	default:
		return "", "", fmt.Errorf("unsupported repository URL %q", url)
	}
	parts := strings.SplitN(s, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("unsupported repository URL %q", url)
	}
	return parts[0], parts[1], nil
}

// EnvTokenSource is a static TokenSource for deployments that configure a
// single PAT via the environment.
type EnvTokenSource struct {
	Value string
}

func (s EnvTokenSource) Token(ctx context.Context) (string, error) {
	if s.Value == "" {
		return "", fmt.Errorf("no SCM token configured")
	}
	return s.Value, nil
}
