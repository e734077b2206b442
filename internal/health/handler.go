package health

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler serves the aggregate status. Unhealthy responds 503 so load
// balancers drain the instance.
func Handler(r *Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		healthy, statuses := r.CheckAll(c.Request.Context())
		code, status := http.StatusOK, "healthy"
		if !healthy {
			code, status = http.StatusServiceUnavailable, "degraded"
		}
		c.JSON(code, gin.H{"status": status, "checks": statuses})
	}
}
