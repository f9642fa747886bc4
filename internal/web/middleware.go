package web

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	appLog "socialcal/internal/log"
)

const ownerKey = "owner"

// requireOwner rejects requests without an owner id.
func requireOwner() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(OwnerHeader))
		if id == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing " + OwnerHeader + " header"})
			return
		}
		c.Set(ownerKey, id)
		c.Next()
	}
}

// requestLogger writes one line per request once it has been served.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.Request.URL.Path
		kv := []any{
			"method", c.Request.Method,
			"path", path,
			"status", c.Writer.Status(),
			"duration", time.Since(start).String(),
		}
		if owner := c.GetString(ownerKey); owner != "" {
			kv = append(kv, "owner", owner)
		}
		if len(c.Errors) > 0 {
			kv = append(kv, "errors", c.Errors.String())
		}
		if strings.HasPrefix(path, "/health") || path == "/metrics" {
			appLog.Debug("http request", kv...)
			return
		}
		appLog.Info("http request", kv...)
	}
}

// recovery turns a handler panic into a 500 without leaking it.
func recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				appLog.Error("panic recovered", fmt.Errorf("%v", r),
					"path", c.Request.URL.Path, "method", c.Request.Method)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			}
		}()
		c.Next()
	}
}
