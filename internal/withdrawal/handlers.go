package withdrawal

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

// Handler provides HTTP endpoints for withdrawals.
type Handler struct {
	service *Service
	users   auth.CurrentUser
}

// NewHandler creates a new withdrawal handler.
func NewHandler(service *Service, users auth.CurrentUser) *Handler {
	return &Handler{service: service, users: users}
}

// RegisterRoutes sets up withdrawal routes for authenticated callers.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/withdrawals", h.RequestWithdrawal)
	r.GET("/withdrawals", h.ListMyWithdrawals)
	r.GET("/withdrawals/:id", validation.IDParamMiddleware(), h.GetWithdrawal)
	r.POST("/withdrawals/:id/cancel", validation.IDParamMiddleware(), h.CancelWithdrawal)
}

// RegisterAdminRoutes sets up admin-only routes. The group must already
// enforce the admin role.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/withdrawals", h.ListWithdrawals)
	r.POST("/withdrawals/:id/sent", validation.IDParamMiddleware(), h.MarkSent)
	r.POST("/withdrawals/:id/approve", validation.IDParamMiddleware(), h.ApproveWithdrawal)
	r.POST("/withdrawals/:id/fail", validation.IDParamMiddleware(), h.FailWithdrawal)
}

// RequestWithdrawal handles POST /v1/withdrawals
func (h *Handler) RequestWithdrawal(c *gin.Context) {
	var req RequestParams
	if err := c.ShouldBindJSON(&req); err != nil {
		fault.BadRequest(c, "amount and channel are required")
		return
	}
	if errs := validation.Validate(
		validation.MaxLength("channel", req.Channel, 32),
		validation.ValidCurrency("currency", req.Currency),
		validation.MaxLength("notes", req.Notes, validation.MaxStringLength),
	); len(errs) > 0 {
		validation.Respond(c, errs)
		return
	}

	var w *Withdrawal
	err := retry.OnConflict(c.Request.Context(), func(ctx context.Context) error {
		var err error
		w, err = h.service.Request(ctx, req)
		return err
	})
	if err != nil {
		fault.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"withdrawal": w})
}

// GetWithdrawal handles GET /v1/withdrawals/:id
func (h *Handler) GetWithdrawal(c *gin.Context) {
	w, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		fault.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"withdrawal": w})
}

// ListMyWithdrawals handles GET /v1/withdrawals. Admins may pass
// ?sellerId= to list another seller's withdrawals.
func (h *Handler) ListMyWithdrawals(c *gin.Context) {
	ctx := c.Request.Context()
	sellerID, _ := h.users.UserID(ctx)
	if q := c.Query("sellerId"); q != "" {
		sellerID = q
	}
	page, err := h.service.ListBySeller(ctx, sellerID, pagination.FromQuery(c))
	if err != nil {
		fault.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// ListWithdrawals handles GET /v1/admin/withdrawals
func (h *Handler) ListWithdrawals(c *gin.Context) {
	page, err := h.service.List(c.Request.Context(), pagination.FromQuery(c))
	if err != nil {
		fault.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// ReasonRequest carries a free-text reason.
type ReasonRequest struct {
	Reason string `json:"reason"`
}

// ChannelRefRequest carries the payout provider's reference.
type ChannelRefRequest struct {
	ChannelReference string `json:"channelReference"`
}

// CancelWithdrawal handles POST /v1/withdrawals/:id/cancel
func (h *Handler) CancelWithdrawal(c *gin.Context) {
	var req ReasonRequest
	_ = c.ShouldBindJSON(&req)
	reason := validation.SanitizeString(req.Reason, validation.MaxStringLength)
	h.respond(c, func(ctx context.Context) (*Withdrawal, error) {
		return h.service.Cancel(ctx, c.Param("id"), reason)
	})
}

// MarkSent handles POST /v1/admin/withdrawals/:id/sent
func (h *Handler) MarkSent(c *gin.Context) {
	var req ChannelRefRequest
	_ = c.ShouldBindJSON(&req)
	h.respond(c, func(ctx context.Context) (*Withdrawal, error) {
		return h.service.MarkSent(ctx, c.Param("id"), req.ChannelReference)
	})
}

// ApproveWithdrawal handles POST /v1/admin/withdrawals/:id/approve
func (h *Handler) ApproveWithdrawal(c *gin.Context) {
	var req ChannelRefRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.ChannelReference == "" {
		fault.BadRequest(c, "channelReference is required")
		return
	}
	if errs := validation.Validate(
		validation.MaxLength("channelReference", req.ChannelReference, 255),
	); len(errs) > 0 {
		validation.Respond(c, errs)
		return
	}
	h.respond(c, func(ctx context.Context) (*Withdrawal, error) {
		return h.service.Approve(ctx, c.Param("id"), req.ChannelReference)
	})
}

// FailWithdrawal handles POST /v1/admin/withdrawals/:id/fail
func (h *Handler) FailWithdrawal(c *gin.Context) {
	var req ReasonRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Reason == "" {
		fault.BadRequest(c, "reason is required")
		return
	}
	reason := validation.SanitizeString(req.Reason, validation.MaxStringLength)
	h.respond(c, func(ctx context.Context) (*Withdrawal, error) {
		return h.service.Fail(ctx, c.Param("id"), reason)
	})
}

// respond runs fn with lost serialization races retried.
func (h *Handler) respond(c *gin.Context, fn func(ctx context.Context) (*Withdrawal, error)) {
	var w *Withdrawal
	err := retry.OnConflict(c.Request.Context(), func(ctx context.Context) error {
		var err error
		w, err = fn(ctx)
		return err
	})
	if err != nil {
		fault.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"withdrawal": w})
}
