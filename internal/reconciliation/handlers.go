package reconciliation

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yaqeenpay/ledger/internal/fault"
)

// Handler exposes reconciliation reports to operators.
type Handler struct {
	runner *Runner
}

// NewHandler creates a reconciliation handler.
func NewHandler(runner *Runner) *Handler {
	return &Handler{runner: runner}
}

// RegisterAdminRoutes sets up admin-only routes. The group must already
// enforce the admin role.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/reconciliation", h.LastReport)
	r.POST("/reconciliation/run", h.Run)
}

// LastReport handles GET /v1/admin/reconciliation
func (h *Handler) LastReport(c *gin.Context) {
	report := h.runner.Last()
	if report == nil {
		c.JSON(http.StatusOK, gin.H{"report": nil, "message": "no reconciliation run yet"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report, "healthy": report.Healthy()})
}

// Run handles POST /v1/admin/reconciliation/run
func (h *Handler) Run(c *gin.Context) {
	report, err := h.runner.RunAll(c.Request.Context())
	if err != nil {
		fault.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report, "healthy": report.Healthy()})
}
