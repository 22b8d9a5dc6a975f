// Package repos exposes the repository store over HTTP: ensure a clone,
// resolve the default branch, and adjust store configuration.
package repos

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/alanyang/agent-forge/internal/gitstore"
)

func Register(rg *gin.RouterGroup, store *gitstore.Store) {
	rg.POST("/ensure", ensureRepository(store))
	rg.GET("/default-branch", getDefaultBranch(store))
	rg.PATCH("/config", updateConfig(store))
}

type ensureReq struct {
	URL    string `json:"url" binding:"required"`
	Path   string `json:"path" binding:"required"`
	Branch string `json:"branch"`
}

func ensureRepository(store *gitstore.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ensureReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		if err := store.EnsureRepository(c.Request.Context(), req.URL, req.Path, req.Branch); err != nil {
			if errors.Is(err, gitstore.ErrBranchNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"path": req.Path})
	}
}

func getDefaultBranch(store *gitstore.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.Query("path")
		if path == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "path query parameter required"})
			return
		}

		branch, err := store.GetDefaultBranch(c.Request.Context(), path)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"branch": branch})
	}
}

type configReq struct {
	FetchDepth        *int    `json:"fetch_depth"`
	PullStrategy      *string `json:"pull_strategy"`
	OperationCacheSec *int    `json:"operation_cache_secs"`
}

func updateConfig(store *gitstore.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req configReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		opts := store.Config()
		if req.FetchDepth != nil {
			opts.FetchDepth = *req.FetchDepth
		}
		if req.PullStrategy != nil {
			opts.Strategy = gitstore.PullStrategy(*req.PullStrategy)
		}
		if req.OperationCacheSec != nil {
			opts.OperationCacheTime = time.Duration(*req.OperationCacheSec) * time.Second
		}
		store.UpdateConfig(opts)

		c.JSON(http.StatusOK, gin.H{
			"fetch_depth":          opts.FetchDepth,
			"pull_strategy":        opts.Strategy,
			"operation_cache_secs": int(opts.OperationCacheTime / time.Second),
		})
	}
}
