// Package mcp exposes the orchestrator-facing tool surface: agents and
// orchestration scripts query task state and report run completion over MCP
// instead of raw HTTP.
package mcp

import (
	"net/http"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/alanyang/agent-forge/internal/service/completion"
	taskssvc "github.com/alanyang/agent-forge/internal/service/tasks"
)

// Server wraps the mark3labs/mcp-go MCPServer and its StreamableHTTPServer.
// Tools are registered in tools.go; this file owns only the server lifecycle.
type Server struct {
	httpSrv *mcpserver.StreamableHTTPServer
}

func New(taskSvc *taskssvc.Service, completer *completion.Coordinator) *Server {
	mcpSrv := mcpserver.NewMCPServer(
		"agent-forge",
		"1.0.0",
		mcpserver.WithToolCapabilities(true),
	)

	RegisterTools(mcpSrv, taskSvc, completer)

	return &Server{httpSrv: mcpserver.NewStreamableHTTPServer(mcpSrv)}
}

// Handler returns an http.Handler serving the MCP endpoint.
func (s *Server) Handler() http.Handler {
	return s.httpSrv
}
