package escrow

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yaqeenpay/ledger/internal/auth"
	"github.com/yaqeenpay/ledger/internal/fault"
	"github.com/yaqeenpay/ledger/internal/pagination"
	"github.com/yaqeenpay/ledger/internal/retry"
	"github.com/yaqeenpay/ledger/internal/validation"
)

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	service *Service
	users   auth.CurrentUser
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service, users auth.CurrentUser) *Handler {
	return &Handler{service: service, users: users}
}

// RegisterRoutes sets up escrow routes for authenticated callers.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/escrows", h.CreateEscrow)
	r.GET("/escrows", h.ListEscrows)
	r.GET("/escrows/:id", validation.IDParamMiddleware(), h.GetEscrow)
	r.GET("/orders/:orderId/escrow", h.GetEscrowByOrder)
	r.POST("/escrows/:id/fund", validation.IDParamMiddleware(), h.action(h.service.Fund))
	r.POST("/escrows/:id/release", validation.IDParamMiddleware(), h.action(h.service.Release))
	r.POST("/escrows/:id/dispute", validation.IDParamMiddleware(), h.DisputeEscrow)
	r.POST("/escrows/:id/complete", validation.IDParamMiddleware(), h.action(h.service.Complete))
	r.POST("/escrows/:id/cancel", validation.IDParamMiddleware(), h.action(h.service.Cancel))
}

// RegisterAdminRoutes sets up admin-only routes. The group must already
// enforce the admin role.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/escrows/:id/refund", validation.IDParamMiddleware(), h.action(h.service.Refund))
}

// CreateEscrow handles POST /v1/escrows
func (h *Handler) CreateEscrow(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fault.BadRequest(c, "orderId, buyerId, sellerId and amount are required")
		return
	}
	if errs := validation.Validate(
		validation.MaxLength("orderId", req.OrderID, 255),
		validation.ValidCurrency("currency", req.Currency),
	); len(errs) > 0 {
		validation.Respond(c, errs)
		return
	}

	e, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		fault.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"escrow": e})
}

// GetEscrow handles GET /v1/escrows/:id
func (h *Handler) GetEscrow(c *gin.Context) {
	e, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		fault.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// GetEscrowByOrder handles GET /v1/orders/:orderId/escrow
func (h *Handler) GetEscrowByOrder(c *gin.Context) {
	e, err := h.service.GetByOrder(c.Request.Context(), c.Param("orderId"))
	if err != nil {
		fault.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// ListEscrows handles GET /v1/escrows. Admins may pass ?userId= to list
// another user's escrows.
func (h *Handler) ListEscrows(c *gin.Context) {
	ctx := c.Request.Context()
	userID, _ := h.users.UserID(ctx)
	if q := c.Query("userId"); q != "" {
		userID = q
	}
	page, err := h.service.ListByUser(ctx, userID, pagination.FromQuery(c))
	if err != nil {
		fault.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// DisputeRequest contains the parameters for disputing an escrow.
type DisputeRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// DisputeEscrow handles POST /v1/escrows/:id/dispute
func (h *Handler) DisputeEscrow(c *gin.Context) {
	var req DisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fault.BadRequest(c, "reason is required")
		return
	}
	reason := validation.SanitizeString(req.Reason, validation.MaxStringLength)

	var e *Escrow
	err := retry.OnConflict(c.Request.Context(), func(ctx context.Context) error {
		var err error
		e, err = h.service.Dispute(ctx, c.Param("id"), reason)
		return err
	})
	if err != nil {
		fault.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// action adapts a body-less transition to a handler. Lost serialization
// races are retried.
func (h *Handler) action(fn func(ctx context.Context, id string) (*Escrow, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		var e *Escrow
		err := retry.OnConflict(c.Request.Context(), func(ctx context.Context) error {
			var err error
			e, err = fn(ctx, c.Param("id"))
			return err
		})
		if err != nil {
			fault.Respond(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"escrow": e})
	}
}
