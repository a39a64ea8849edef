package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	accountHeader = "X-Account-ID"
	accountKey    = "account_id"
)

func RegisterRoutes(r *gin.Engine, h *Handler) {
	r.GET("/healthz", h.Health)

	jobs := r.Group("/jobs", AccountMiddleware())
	{
		jobs.POST("", h.SubmitJob)
		jobs.POST("/upload", h.UploadJob)
		jobs.GET("/:id", h.GetJob)
		jobs.POST("/:id/cancel", h.CancelJob)
		jobs.POST("/:id/retry", h.RetryJob)
	}
}

// AccountMiddleware requires the caller's account id. Authentication happens
// upstream; this only scopes requests.
func AccountMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(accountHeader))
		if id == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing " + accountHeader + " header"})
			return
		}
		c.Set(accountKey, id)
		c.Next()
	}
}

func accountID(c *gin.Context) string {
	return c.GetString(accountKey)
}
