// Package worktree exposes direct worktree management for operators; normal
// run provisioning goes through the tasks service instead.
package worktree

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/alanyang/agent-forge/internal/gitstore"
)

func Register(rg *gin.RouterGroup, store *gitstore.Store) {
	rg.POST("/", createWorktree(store))
	rg.DELETE("/", removeWorktree(store))
}

type createReq struct {
	OriginPath   string `json:"origin_path" binding:"required"`
	WorktreePath string `json:"worktree_path" binding:"required"`
	Branch       string `json:"branch" binding:"required"`
	BaseBranch   string `json:"base_branch" binding:"required"`
}

func createWorktree(store *gitstore.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		err := store.CreateWorktree(c.Request.Context(), req.OriginPath, req.WorktreePath, req.Branch, req.BaseBranch)
		switch {
		case errors.Is(err, gitstore.ErrWorktreeExists):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		case errors.Is(err, gitstore.ErrBaseBranchNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		case err != nil:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusCreated, gin.H{"worktree_path": req.WorktreePath, "branch": req.Branch})
		}
	}
}

type removeReq struct {
	OriginPath   string `json:"origin_path" binding:"required"`
	WorktreePath string `json:"worktree_path" binding:"required"`
}

func removeWorktree(store *gitstore.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req removeReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		if err := store.RemoveWorktree(c.Request.Context(), req.OriginPath, req.WorktreePath); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.Status(http.StatusNoContent)
	}
}
