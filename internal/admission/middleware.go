package admission

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Middleware rejects requests with 503 when the limiter is full.
func Middleware(l Limiter, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		release, ok := l.TryAcquire(c.Request.Context())
		if !ok {
			logger.Warn("request rejected, too many in flight", zap.String("path", c.FullPath()))
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"success": false,
				"error":   "service_busy",
				"message": "Too many verification requests in progress. Please retry shortly.",
			})
			return
		}
		defer release()
		c.Next()
	}
}
