// Package run exposes run provisioning and the completion signal endpoint the
// sandboxes call back into.
package run

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	portstate "github.com/alanyang/agent-forge/internal/port/state"
	"github.com/alanyang/agent-forge/internal/service/completion"
	taskssvc "github.com/alanyang/agent-forge/internal/service/tasks"
)

func Register(rg *gin.RouterGroup, svc *taskssvc.Service, completer *completion.Coordinator) {
	rg.POST("/", createRun(svc))
	rg.GET("/:id", getRun(svc))
	rg.POST("/:id/start", startRun(svc))
	rg.POST("/:id/complete", completeRun(completer))
}

type createRunReq struct {
	TaskID    uuid.UUID `json:"task_id" binding:"required"`
	AgentName string    `json:"agent_name" binding:"required"`
	SandboxID string    `json:"sandbox_id"`
}

func createRun(svc *taskssvc.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createRunReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		r, err := svc.CreateRun(c.Request.Context(), req.TaskID, req.AgentName, req.SandboxID)
		if err != nil {
			if errors.Is(err, portstate.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, r)
	}
}

func getRun(svc *taskssvc.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
			return
		}

		r, err := svc.GetRun(c.Request.Context(), id)
		if err != nil {
			if errors.Is(err, portstate.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, r)
	}
}

func startRun(svc *taskssvc.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
			return
		}

		r, err := svc.StartRun(c.Request.Context(), id)
		if err != nil {
			if errors.Is(err, portstate.ErrConflict) {
				c.JSON(http.StatusConflict, gin.H{"error": "run is not in starting state"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, r)
	}
}

type completeRunReq struct {
	ExitCode     *int   `json:"exit_code" binding:"required"`
	WorktreePath string `json:"worktree_path"`
}

func completeRun(completer *completion.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
			return
		}

		var req completeRunReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		if err := completer.HandleRunCompletion(c.Request.Context(), id, *req.ExitCode, req.WorktreePath); err != nil {
			if errors.Is(err, portstate.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "resolved"})
	}
}
