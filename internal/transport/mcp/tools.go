package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	mcpmcp "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/alanyang/agent-forge/internal/service/completion"
	taskssvc "github.com/alanyang/agent-forge/internal/service/tasks"
)

// RegisterTools registers all MCP tools on the server. Adding a tool is a new
// AddTool call here — server.go never changes.
func RegisterTools(s *mcpserver.MCPServer, taskSvc *taskssvc.Service, completer *completion.Coordinator) {
	s.AddTool(mcpmcp.NewTool("get_task_status",
		mcpmcp.WithDescription("Returns the task including its crown state (waiting, evaluating, evaluation_failed, crowned, or skipped) and winner, if any."),
		mcpmcp.WithString("task_id", mcpmcp.Required(), mcpmcp.Description("Task UUID")),
	), getTaskStatusHandler(taskSvc))

	s.AddTool(mcpmcp.NewTool("list_runs",
		mcpmcp.WithDescription("Lists every run of a task with status, branch, exit code, and crown status."),
		mcpmcp.WithString("task_id", mcpmcp.Required(), mcpmcp.Description("Task UUID")),
	), listRunsHandler(taskSvc))

	s.AddTool(mcpmcp.NewTool("report_run_complete",
		mcpmcp.WithDescription("Report that a run's agent has finished. Idempotent: a repeated report for the same run is a no-op. Exit code 0 counts the run as completed, anything else as failed."),
		mcpmcp.WithString("run_id", mcpmcp.Required(), mcpmcp.Description("Run UUID")),
		mcpmcp.WithString("exit_code", mcpmcp.Required(), mcpmcp.Description("Agent process exit code")),
		mcpmcp.WithString("worktree_path", mcpmcp.Description("Worktree path inside the sandbox; defaults to the run's recorded path")),
	), reportRunCompleteHandler(completer))
}

func getTaskStatusHandler(taskSvc *taskssvc.Service) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req mcpmcp.CallToolRequest) (*mcpmcp.CallToolResult, error) {
		taskID, err := uuid.Parse(mcpmcp.ParseString(req, "task_id", ""))
		if err != nil {
			return mcpmcp.NewToolResultText("error: invalid task_id"), nil
		}

		t, err := taskSvc.GetTask(ctx, taskID)
		if err != nil {
			return mcpmcp.NewToolResultText(fmt.Sprintf("error: %s", err)), nil
		}

		data, _ := json.Marshal(t)
		return mcpmcp.NewToolResultText(string(data)), nil
	}
}

func listRunsHandler(taskSvc *taskssvc.Service) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req mcpmcp.CallToolRequest) (*mcpmcp.CallToolResult, error) {
		taskID, err := uuid.Parse(mcpmcp.ParseString(req, "task_id", ""))
		if err != nil {
			return mcpmcp.NewToolResultText("error: invalid task_id"), nil
		}

		runs, err := taskSvc.ListRuns(ctx, taskID)
		if err != nil {
			return mcpmcp.NewToolResultText(fmt.Sprintf("error: %s", err)), nil
		}
		if runs == nil {
			return mcpmcp.NewToolResultText("[]"), nil
		}

		data, _ := json.Marshal(runs)
		return mcpmcp.NewToolResultText(string(data)), nil
	}
}

func reportRunCompleteHandler(completer *completion.Coordinator) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req mcpmcp.CallToolRequest) (*mcpmcp.CallToolResult, error) {
		runID, err := uuid.Parse(mcpmcp.ParseString(req, "run_id", ""))
		if err != nil {
			return mcpmcp.NewToolResultText("error: invalid run_id"), nil
		}

		exitCode, err := strconv.Atoi(mcpmcp.ParseString(req, "exit_code", ""))
		if err != nil {
			return mcpmcp.NewToolResultText("error: exit_code must be an integer"), nil
		}

		worktreePath := mcpmcp.ParseString(req, "worktree_path", "")

		if err := completer.HandleRunCompletion(ctx, runID, exitCode, worktreePath); err != nil {
			return mcpmcp.NewToolResultText(fmt.Sprintf("error: %s", err)), nil
		}
		return mcpmcp.NewToolResultText(`{"ok":true}`), nil
	}
}
