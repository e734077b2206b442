package ledger

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/yaqeenpay/ledger/internal/auth"
	"github.com/yaqeenpay/ledger/internal/fault"
	"github.com/yaqeenpay/ledger/internal/money"
	"github.com/yaqeenpay/ledger/internal/pagination"
	"github.com/yaqeenpay/ledger/internal/retry"
	"github.com/yaqeenpay/ledger/internal/validation"
)

// Handler provides HTTP endpoints for wallets
type Handler struct {
	service *Service
	users   auth.CurrentUser
}

// NewHandler creates a new wallet handler
func NewHandler(service *Service, users auth.CurrentUser) *Handler {
	return &Handler{service: service, users: users}
}

// RegisterRoutes sets up routes for authenticated users
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/wallets", h.CreateWallet)
	r.GET("/wallets/me", h.GetMyWallet)
	r.GET("/wallets/:id", validation.IDParamMiddleware(), h.GetWallet)
	r.GET("/wallets/:id/entries", validation.IDParamMiddleware(), h.History)
}

// RegisterAdminRoutes sets up admin-only routes. The group must already
// enforce the admin role.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/wallets/:id/entries", validation.IDParamMiddleware(), h.PostEntry)
	r.PUT("/wallets/:id/active", validation.IDParamMiddleware(), h.SetActive)
	r.GET("/wallets/:id/reconcile", validation.IDParamMiddleware(), h.Reconcile)
	r.POST("/adjustments", h.Adjust)
}

// CreateWalletRequest is the body of POST /wallets. Admins may create a
// wallet for another user.
type CreateWalletRequest struct {
	UserID   string `json:"userId"`
	Currency string `json:"currency"`
}

// CreateWallet handles POST /v1/wallets
func (h *Handler) CreateWallet(c *gin.Context) {
	ctx := c.Request.Context()
	var req CreateWalletRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			fault.BadRequest(c, "Invalid request body")
			return
		}
	}
	if errs := validation.Validate(validation.ValidCurrency("currency", req.Currency)); len(errs) > 0 {
		validation.Respond(c, errs)
		return
	}

	caller, _ := h.users.UserID(ctx)
	userID := caller
	if req.UserID != "" && req.UserID != caller {
		if !auth.IsAdmin(ctx, h.users) {
			fault.Respond(c, ErrForbidden)
			return
		}
		userID = req.UserID
	}

	w, err := h.service.CreateWallet(ctx, userID, req.Currency)
	if err != nil {
		fault.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"wallet": w})
}

// GetMyWallet handles GET /v1/wallets/me
func (h *Handler) GetMyWallet(c *gin.Context) {
	ctx := c.Request.Context()
	userID, _ := h.users.UserID(ctx)
	w, err := h.service.GetWalletByUserID(ctx, userID)
	if err != nil {
		fault.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"wallet": w})
}

// GetWallet handles GET /v1/wallets/:id
func (h *Handler) GetWallet(c *gin.Context) {
	w, ok := h.authorizedWallet(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"wallet": w})
}

// History handles GET /v1/wallets/:id/entries
func (h *Handler) History(c *gin.Context) {
	w, ok := h.authorizedWallet(c)
	if !ok {
		return
	}
	page, err := h.service.History(c.Request.Context(), w.ID, pagination.FromQuery(c))
	if err != nil {
		fault.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// authorizedWallet loads :id and checks the caller owns it or is an admin.
func (h *Handler) authorizedWallet(c *gin.Context) (*Wallet, bool) {
	ctx := c.Request.Context()
	w, err := h.service.GetWallet(ctx, c.Param("id"))
	if err != nil {
		fault.Respond(c, err)
		return nil, false
	}
	caller, _ := h.users.UserID(ctx)
	if w.UserID != caller && !auth.IsAdmin(ctx, h.users) {
		// Same answer as a missing wallet so ids cannot be probed.
		fault.Respond(c, ErrWalletNotFound)
		return nil, false
	}
	return w, true
}

// PostEntryRequest is the body of POST /v1/admin/wallets/:id/entries
type PostEntryRequest struct {
	Type        string          `json:"type" binding:"required"`
	Amount      decimal.Decimal `json:"amount"`
	RelatedID   string          `json:"relatedId"`
	Description string          `json:"description"`
}

// PostEntry handles POST /v1/admin/wallets/:id/entries
func (h *Handler) PostEntry(c *gin.Context) {
	ctx := c.Request.Context()
	var req PostEntryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fault.BadRequest(c, "type and amount are required")
		return
	}
	typ, err := ParseEntryType(req.Type)
	if err != nil {
		fault.Respond(c, err)
		return
	}
	w, err := h.service.GetWallet(ctx, c.Param("id"))
	if err != nil {
		fault.Respond(c, err)
		return
	}
	amt, err := money.Positive(req.Amount, w.Currency())
	if err != nil {
		fault.Respond(c, err)
		return
	}

	var entry *Entry
	err = retry.OnConflict(ctx, func(ctx context.Context) error {
		var err error
		entry, err = h.service.PostEntry(ctx, Posting{
			WalletID:    w.ID,
			Type:        typ,
			Amount:      amt,
			RelatedID:   validation.SanitizeString(req.RelatedID, 255),
			Description: validation.SanitizeString(req.Description, validation.MaxStringLength),
		})
		return err
	})
	if err != nil {
		fault.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"entry": entry})
}

// SetActiveRequest is the body of PUT /v1/admin/wallets/:id/active
type SetActiveRequest struct {
	Active *bool `json:"active" binding:"required"`
}

// SetActive handles PUT /v1/admin/wallets/:id/active
func (h *Handler) SetActive(c *gin.Context) {
	var req SetActiveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fault.BadRequest(c, "active is required")
		return
	}
	var w *Wallet
	err := retry.OnConflict(c.Request.Context(), func(ctx context.Context) error {
		var err error
		w, err = h.service.SetActive(ctx, c.Param("id"), *req.Active)
		return err
	})
	if err != nil {
		fault.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"wallet": w})
}

// Reconcile handles GET /v1/admin/wallets/:id/reconcile
func (h *Handler) Reconcile(c *gin.Context) {
	r, err := h.service.Reconcile(c.Request.Context(), c.Param("id"))
	if err != nil {
		fault.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reconciliation": r})
}

// AdjustRequest is the body of POST /v1/admin/adjustments
type AdjustRequest struct {
	UserID string          `json:"userId" binding:"required"`
	Amount decimal.Decimal `json:"amount"`
	Credit bool            `json:"credit"`
	Reason string          `json:"reason" binding:"required"`
}

// Adjust handles POST /v1/admin/adjustments
func (h *Handler) Adjust(c *gin.Context) {
	var req AdjustRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fault.BadRequest(c, "userId, amount and reason are required")
		return
	}
	if errs := validation.Validate(
		validation.MaxLength("reason", req.Reason, validation.MaxStringLength),
	); len(errs) > 0 {
		validation.Respond(c, errs)
		return
	}

	var entry *Entry
	err := retry.OnConflict(c.Request.Context(), func(ctx context.Context) error {
		var err error
		entry, err = h.service.Adjust(ctx, req.UserID, req.Amount, req.Credit, req.Reason)
		return err
	})
	if err != nil {
		fault.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"entry": entry})
}
