package task

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	domainrun "github.com/alanyang/agent-forge/internal/domain/run"
	portstate "github.com/alanyang/agent-forge/internal/port/state"
	taskssvc "github.com/alanyang/agent-forge/internal/service/tasks"
)

func Register(rg *gin.RouterGroup, svc *taskssvc.Service) {
	rg.POST("/", createTask(svc))
	rg.GET("/:id", getTask(svc))
	rg.GET("/:id/runs", listRuns(svc))
}

type createTaskReq struct {
	Title           string `json:"title" binding:"required"`
	Description     string `json:"description"`
	RepoURL         string `json:"repo_url" binding:"required"`
	BaseBranch      string `json:"base_branch"`
	AutoPR          bool   `json:"auto_pr"`
	StopPolicy      string `json:"stop_policy"`
	ReviewPeriodSec int    `json:"review_period_secs"`
}

func createTask(svc *taskssvc.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createTaskReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		policy := domainrun.StopAfterReview
		switch req.StopPolicy {
		case "", string(domainrun.StopAfterReview):
		case string(domainrun.StopImmediate):
			policy = domainrun.StopImmediate
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": "stop_policy must be immediate or after_review"})
			return
		}

		t := domainrun.NewTask(req.Title, req.Description, req.RepoURL, req.BaseBranch,
			req.AutoPR, policy, time.Duration(req.ReviewPeriodSec)*time.Second)

		created, err := svc.CreateTask(c.Request.Context(), t)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, created)
	}
}

func getTask(svc *taskssvc.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
			return
		}

		t, err := svc.GetTask(c.Request.Context(), id)
		if err != nil {
			if errors.Is(err, portstate.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, t)
	}
}

func listRuns(svc *taskssvc.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
			return
		}

		runs, err := svc.ListRuns(c.Request.Context(), id)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if runs == nil {
			runs = []domainrun.TaskRun{}
		}
		c.JSON(http.StatusOK, runs)
	}
}
