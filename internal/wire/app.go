package wire

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyang/agent-forge/internal/adapter/evalapi"
	githubadapter "github.com/alanyang/agent-forge/internal/adapter/github"
	pgdb "github.com/alanyang/agent-forge/internal/adapter/postgres"
	pgeventbus "github.com/alanyang/agent-forge/internal/adapter/postgres/eventbus"
	pgstate "github.com/alanyang/agent-forge/internal/adapter/postgres/state"
	"github.com/alanyang/agent-forge/internal/adapter/sandboxapi"
	"github.com/alanyang/agent-forge/internal/adapter/wsexec"
	"github.com/alanyang/agent-forge/internal/domain/event"
	"github.com/alanyang/agent-forge/internal/gitstore"
	"github.com/alanyang/agent-forge/internal/service/completion"
	crownsvc "github.com/alanyang/agent-forge/internal/service/crown"
	taskssvc "github.com/alanyang/agent-forge/internal/service/tasks"
	"github.com/alanyang/agent-forge/internal/transport"
)

// App holds the top-level resources needed to run and gracefully stop the server.
type App struct {
	Pool     *pgxpool.Pool
	Server   *http.Server
	Channels *wsexec.Registry
	TaskSvc  *taskssvc.Service
	CrownSvc *crownsvc.Coordinator
}

// Build is the composition root: the only place concrete types are wired to
// their interface dependencies.
func Build(ctx context.Context) (*App, error) {
	// ── Database ─────────────────────────────────────────────────────────────
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return nil, fmt.Errorf("DATABASE_URL not set")
	}
	pool, err := pgdb.Connect(ctx, dbURL)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	// ── Adapters ─────────────────────────────────────────────────────────────
	stateStore := pgstate.New(pool)
	eventBus := pgeventbus.New(pool)

	sandboxAPIURL := envOr("SANDBOX_API_URL", "http://localhost:9090")
	sandboxes := sandboxapi.NewClient(sandboxAPIURL, os.Getenv("SANDBOX_API_TOKEN"))
	channels := wsexec.NewRegistry(func(sandboxID string) string {
		return wsBase(sandboxAPIURL) + "/v1/instances/" + sandboxID + "/exec"
	})

	evaluator := evalapi.NewClient(envOr("EVAL_API_URL", "http://localhost:9091"))
	pullRequester := githubadapter.NewClient(stateStore)
	tokens := githubadapter.EnvTokenSource{Value: os.Getenv("GITHUB_TOKEN")}

	repoOpts := gitstore.DefaultOptions()
	if depth := envInt("GIT_FETCH_DEPTH", 0); depth > 0 {
		repoOpts.FetchDepth = depth
	}
	repoStore := gitstore.New(repoOpts)

	// ── Services ─────────────────────────────────────────────────────────────
	dataDir := envOr("GIT_STORE_DIR", "/var/lib/agent-forge")
	taskSvc := taskssvc.NewService(stateStore, repoStore, eventBus, dataDir)
	completer := completion.New(stateStore, channels, eventBus)
	crownCoord := crownsvc.New(stateStore, evaluator, sandboxes, pullRequester, tokens, eventBus, completer)

	// ── Transport ────────────────────────────────────────────────────────────
	router := transport.NewRouter(ctx, taskSvc, completer, repoStore, eventBus)

	port := envOr("PORT", "8080")
	server := &http.Server{
		Addr:    ":" + port,
		Handler: router,
	}

	app := &App{
		Pool:     pool,
		Server:   server,
		Channels: channels,
		TaskSvc:  taskSvc,
		CrownSvc: crownCoord,
	}

	// ── Crown worker ─────────────────────────────────────────────────────────
	// The completion coordinator publishes the crown-ready signal; the worker
	// picks it up here so crowning survives being decoupled from the completing
	// request's lifetime.
	if _, err := eventBus.Subscribe(ctx, event.ChannelCrown, func(_ context.Context, e event.Event) {
		if e.Type != event.TypeTaskCrownReady {
			return
		}
		go func() {
			if err := crownCoord.HandleTask(context.WithoutCancel(ctx), e.EntityID); err != nil {
				slog.Error("crown worker: handling task", "task_id", e.EntityID, "error", err)
			}
		}()
	}); err != nil {
		return nil, fmt.Errorf("subscribing crown worker: %w", err)
	}

	// ── Scheduled-stop sweeper ───────────────────────────────────────────────
	startSweeper(ctx, stateStore, sandboxes, repoStore, taskSvc, eventBus)

	slog.Info("application wired", "port", port, "data_dir", dataDir)
	return app, nil
}

// wsBase converts the sandbox API base URL to its websocket counterpart.
func wsBase(apiURL string) string {
	switch {
	case strings.HasPrefix(apiURL, "https://"):
		return "wss://" + strings.TrimPrefix(apiURL, "https://")
	case strings.HasPrefix(apiURL, "http://"):
		return "ws://" + strings.TrimPrefix(apiURL, "http://")
	default:
		return apiURL
	}
}

func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

// envDuration reads an integer-seconds env var and returns a Duration.
// Falls back to defaultVal if the var is unset or invalid.
func envDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultVal
}
