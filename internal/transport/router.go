package transport

import (
	"context"
	"log/slog"

	"github.com/gin-gonic/gin"

	"github.com/alanyang/agent-forge/internal/domain/event"
	"github.com/alanyang/agent-forge/internal/gitstore"
	porteventbus "github.com/alanyang/agent-forge/internal/port/eventbus"
	"github.com/alanyang/agent-forge/internal/service/completion"
	taskssvc "github.com/alanyang/agent-forge/internal/service/tasks"

	mcphandler "github.com/alanyang/agent-forge/internal/transport/mcp"
	reposhandler "github.com/alanyang/agent-forge/internal/transport/repos"
	runhandler "github.com/alanyang/agent-forge/internal/transport/run"
	taskhandler "github.com/alanyang/agent-forge/internal/transport/task"
	worktreehandler "github.com/alanyang/agent-forge/internal/transport/worktree"
	wshandler "github.com/alanyang/agent-forge/internal/transport/ws"
)

func NewRouter(
	ctx context.Context,
	taskSvc *taskssvc.Service,
	completer *completion.Coordinator,
	repoStore *gitstore.Store,
	eventBus porteventbus.EventBus,
) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(RequestLogger())
	r.Use(CORSMiddleware())

	api := r.Group("/api")

	reposhandler.Register(api.Group("/repos"), repoStore)
	worktreehandler.Register(api.Group("/worktrees"), repoStore)
	taskhandler.Register(api.Group("/tasks"), taskSvc)
	runhandler.Register(api.Group("/runs"), taskSvc, completer)

	hub := wshandler.NewHub()
	hub.Register(api.Group("/ws"))

	// Bridge: one subscription per domain channel (2 Postgres connections).
	// Every event in a channel is forwarded; event.Type in the payload lets the
	// client filter.
	for _, ch := range []event.Channel{event.ChannelRun, event.ChannelCrown} {
		c := ch
		if _, err := eventBus.Subscribe(ctx, c, func(_ context.Context, e event.Event) {
			hub.Broadcast(e)
		}); err != nil {
			slog.Error("failed to subscribe channel to WS hub", "channel", c, "error", err)
		}
	}

	mcpSrv := mcphandler.New(taskSvc, completer)
	r.Any("/mcp", gin.WrapH(mcpSrv.Handler()))
	r.Any("/mcp/*path", gin.WrapH(mcpSrv.Handler()))

	return r
}
