package topup

import (
	"context"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yaqeenpay/ledger/internal/auth"
	"github.com/yaqeenpay/ledger/internal/fault"
	"github.com/yaqeenpay/ledger/internal/gateway"
	"github.com/yaqeenpay/ledger/internal/logging"
	"github.com/yaqeenpay/ledger/internal/pagination"
	"github.com/yaqeenpay/ledger/internal/retry"
	"github.com/yaqeenpay/ledger/internal/validation"
)

const maxCallbackBody = 64 << 10

// Handler provides HTTP endpoints for top-ups and gateway callbacks.
type Handler struct {
	service        *Service
	users          auth.CurrentUser
	callbackSecret string
}

// NewHandler creates a new top-up handler. callbackSecret verifies the
// X-Signature of gateway callbacks; empty disables verification.
func NewHandler(service *Service, users auth.CurrentUser, callbackSecret string) *Handler {
	return &Handler{service: service, users: users, callbackSecret: callbackSecret}
}

// RegisterRoutes sets up top-up routes for authenticated callers.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/topups", h.InitiateTopUp)
	r.GET("/topups", h.ListMyTopUps)
	r.GET("/topups/:id", validation.IDParamMiddleware(), h.GetTopUp)
	r.POST("/topups/:id/submit", validation.IDParamMiddleware(), h.SubmitTopUp)
	r.POST("/topups/:id/cancel", validation.IDParamMiddleware(), h.CancelTopUp)
}

// RegisterAdminRoutes sets up admin-only routes. The group must already
// enforce the admin role.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/topups", h.ListTopUps)
	r.POST("/topups/:id/pending", validation.IDParamMiddleware(), h.MarkPending)
	r.POST("/topups/:id/confirm", validation.IDParamMiddleware(), h.ConfirmTopUp)
	r.POST("/topups/:id/fail", validation.IDParamMiddleware(), h.FailTopUp)
	r.POST("/topups/:id/review", validation.IDParamMiddleware(), h.ReviewTopUp)
}

// RegisterCallbackRoutes sets up the unauthenticated gateway callback
// endpoint. Callers are authenticated by the body signature.
func (h *Handler) RegisterCallbackRoutes(r *gin.RouterGroup) {
	r.POST("/callbacks/:channel", h.HandleCallback)
}

// InitiateTopUp handles POST /v1/topups
func (h *Handler) InitiateTopUp(c *gin.Context) {
	var req InitiateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fault.BadRequest(c, "amount and channel are required")
		return
	}
	if errs := validation.Validate(
		validation.MaxLength("channel", req.Channel, 32),
		validation.ValidCurrency("currency", req.Currency),
	); len(errs) > 0 {
		validation.Respond(c, errs)
		return
	}

	t, err := h.service.Initiate(c.Request.Context(), req)
	if err != nil {
		fault.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"topup": t})
}

// GetTopUp handles GET /v1/topups/:id
func (h *Handler) GetTopUp(c *gin.Context) {
	t, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		fault.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"topup": t})
}

// ListMyTopUps handles GET /v1/topups
func (h *Handler) ListMyTopUps(c *gin.Context) {
	ctx := c.Request.Context()
	userID, _ := h.users.UserID(ctx)
	page, err := h.service.ListByUser(ctx, userID, pagination.FromQuery(c))
	if err != nil {
		fault.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// ListTopUps handles GET /v1/admin/topups
func (h *Handler) ListTopUps(c *gin.Context) {
	page, err := h.service.List(c.Request.Context(), pagination.FromQuery(c))
	if err != nil {
		fault.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// SubmitTopUp handles POST /v1/topups/:id/submit
func (h *Handler) SubmitTopUp(c *gin.Context) {
	h.respond(c, func(ctx context.Context) (*TopUp, error) {
		return h.service.SubmitForReview(ctx, c.Param("id"))
	})
}

// ReasonRequest carries a free-text reason.
type ReasonRequest struct {
	Reason string `json:"reason"`
}

// CancelTopUp handles POST /v1/topups/:id/cancel
func (h *Handler) CancelTopUp(c *gin.Context) {
	var req ReasonRequest
	_ = c.ShouldBindJSON(&req)
	reason := validation.SanitizeString(req.Reason, validation.MaxStringLength)
	h.respond(c, func(ctx context.Context) (*TopUp, error) {
		return h.service.Cancel(ctx, c.Param("id"), reason)
	})
}

// PendingRequest carries the gateway's session reference.
type PendingRequest struct {
	GatewayReference string `json:"gatewayReference" binding:"required"`
}

// MarkPending handles POST /v1/admin/topups/:id/pending
func (h *Handler) MarkPending(c *gin.Context) {
	var req PendingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fault.BadRequest(c, "gatewayReference is required")
		return
	}
	h.respond(c, func(ctx context.Context) (*TopUp, error) {
		return h.service.MarkPendingConfirmation(ctx, c.Param("id"), req.GatewayReference)
	})
}

// ConfirmRequest carries the provider's transaction reference.
type ConfirmRequest struct {
	ExternalReference string `json:"externalReference" binding:"required"`
}

// ConfirmTopUp handles POST /v1/admin/topups/:id/confirm
func (h *Handler) ConfirmTopUp(c *gin.Context) {
	var req ConfirmRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fault.BadRequest(c, "externalReference is required")
		return
	}
	if errs := validation.Validate(
		validation.MaxLength("externalReference", req.ExternalReference, 255),
	); len(errs) > 0 {
		validation.Respond(c, errs)
		return
	}
	h.respond(c, func(ctx context.Context) (*TopUp, error) {
		return h.service.Confirm(ctx, c.Param("id"), req.ExternalReference)
	})
}

// FailTopUp handles POST /v1/admin/topups/:id/fail
func (h *Handler) FailTopUp(c *gin.Context) {
	var req ReasonRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Reason == "" {
		fault.BadRequest(c, "reason is required")
		return
	}
	reason := validation.SanitizeString(req.Reason, validation.MaxStringLength)
	h.respond(c, func(ctx context.Context) (*TopUp, error) {
		return h.service.Fail(ctx, c.Param("id"), reason)
	})
}

// ReviewRequest is an admin's verdict on a bank transfer or manual top-up.
type ReviewRequest struct {
	Decision string `json:"decision" binding:"required"`
	Notes    string `json:"notes"`
}

// ReviewTopUp handles POST /v1/admin/topups/:id/review
func (h *Handler) ReviewTopUp(c *gin.Context) {
	var req ReviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fault.BadRequest(c, "decision is required")
		return
	}
	decision, err := ParseDecision(req.Decision)
	if err != nil {
		fault.Respond(c, err)
		return
	}
	notes := validation.SanitizeString(req.Notes, validation.MaxStringLength)
	h.respond(c, func(ctx context.Context) (*TopUp, error) {
		return h.service.Review(ctx, c.Param("id"), decision, notes)
	})
}

// HandleCallback handles POST /v1/callbacks/:channel
func (h *Handler) HandleCallback(c *gin.Context) {
	channel, err := gateway.ParseChannel(c.Param("channel"))
	if err != nil || !channel.Online() {
		fault.BadRequest(c, "unknown callback channel")
		return
	}
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxCallbackBody))
	if err != nil {
		fault.BadRequest(c, "unreadable body")
		return
	}
	cb, err := gateway.ParseCallback(body, c.GetHeader(gateway.SignatureHeader), h.callbackSecret)
	if err != nil {
		logging.L(c.Request.Context()).Warn("rejected gateway callback", "channel", channel, "error", err)
		fault.Respond(c, err)
		return
	}

	ctx := auth.AsSystem(c.Request.Context())
	var t *TopUp
	err = retry.OnConflict(ctx, func(ctx context.Context) error {
		var err error
		t, err = h.service.HandleCallback(ctx, channel, cb)
		return err
	})
	if err != nil {
		fault.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"topup": t})
}

// respond runs fn with lost serialization races retried.
func (h *Handler) respond(c *gin.Context, fn func(ctx context.Context) (*TopUp, error)) {
	var t *TopUp
	err := retry.OnConflict(c.Request.Context(), func(ctx context.Context) error {
		var err error
		t, err = fn(ctx)
		return err
	})
	if err != nil {
		fault.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"topup": t})
}
