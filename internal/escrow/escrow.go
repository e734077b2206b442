// Package escrow holds a buyer's payment for an order until it is released
// to the seller or refunded.
//
// Flow:
//  1. Order service creates the escrow for an order (Created)
//  2. Buyer funds it → buyer wallet Payment entry (Funded)
//  3. Buyer releases → seller wallet Credit entry (Released)
//  4. Either party disputes a Funded or Released escrow (Disputed)
//  5. Admin refunds → buyer wallet Refund entry, and a seller Debit when the
//     money had already been released (Refunded)
//  6. Completed / Cancelled close the escrow without moving money
package escrow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/yaqeenpay/ledger/internal/auth"
	"github.com/yaqeenpay/ledger/internal/fault"
	"github.com/yaqeenpay/ledger/internal/idgen"
	"github.com/yaqeenpay/ledger/internal/ledger"
	"github.com/yaqeenpay/ledger/internal/logging"
	"github.com/yaqeenpay/ledger/internal/metrics"
	"github.com/yaqeenpay/ledger/internal/money"
	"github.com/yaqeenpay/ledger/internal/pagination"
	"github.com/yaqeenpay/ledger/internal/syncutil"
	"github.com/yaqeenpay/ledger/internal/traces"
)

var (
	ErrEscrowNotFound    = fault.New(fault.NotFound, "escrow not found")
	ErrEscrowExists      = fault.New(fault.Conflict, "an escrow already exists for this order")
	ErrInvalidTransition = fault.New(fault.InvalidState, "invalid escrow status for this operation")
	ErrForbidden         = fault.New(fault.Forbidden, "not authorized for this escrow operation")
	ErrOrderRequired     = fault.New(fault.Invalid, "order id is required")
	ErrInvalidParties    = fault.New(fault.Invalid, "buyer and seller must be two different users")
	ErrReasonRequired    = fault.New(fault.Invalid, "dispute reason is required")
)

// Status represents the state of an escrow.
type Status string

const (
	StatusCreated   Status = "created"
	StatusFunded    Status = "funded"
	StatusReleased  Status = "released"
	StatusDisputed  Status = "disputed"
	StatusRefunded  Status = "refunded"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal returns true if no action can leave the status.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Action is a request to move an escrow between statuses.
type Action string

const (
	ActionFund     Action = "fund"
	ActionRelease  Action = "release"
	ActionDispute  Action = "dispute"
	ActionRefund   Action = "refund"
	ActionComplete Action = "complete"
	ActionCancel   Action = "cancel"
)

var transitions = map[Action]struct {
	from []Status
	to   Status
}{
	ActionFund:     {from: []Status{StatusCreated}, to: StatusFunded},
	ActionRelease:  {from: []Status{StatusFunded}, to: StatusReleased},
	ActionDispute:  {from: []Status{StatusFunded, StatusReleased}, to: StatusDisputed},
	ActionRefund:   {from: []Status{StatusDisputed}, to: StatusRefunded},
	ActionComplete: {from: []Status{StatusReleased}, to: StatusCompleted},
	ActionCancel:   {from: []Status{StatusCreated, StatusRefunded}, to: StatusCancelled},
}

// transition returns the status action leads to from status from.
func transition(from Status, action Action) (Status, error) {
	t, ok := transitions[action]
	if !ok {
		return "", fmt.Errorf("%w: unknown action %q", ErrInvalidTransition, action)
	}
	for _, s := range t.from {
		if s == from {
			return t.to, nil
		}
	}
	return "", fmt.Errorf("%w: cannot %s an escrow that is %s", ErrInvalidTransition, action, from)
}

// Escrow is the money held for one order.
type Escrow struct {
	ID            string      `json:"id"`
	OrderID       string      `json:"orderId"`
	BuyerID       string      `json:"buyerId"`
	SellerID      string      `json:"sellerId"`
	Amount        money.Money `json:"amount"`
	Status        Status      `json:"status"`
	DisputedFrom  Status      `json:"disputedFrom,omitempty"`
	DisputeReason string      `json:"disputeReason,omitempty"`
	FundedAt      *time.Time  `json:"fundedAt,omitempty"`
	ReleasedAt    *time.Time  `json:"releasedAt,omitempty"`
	RefundedAt    *time.Time  `json:"refundedAt,omitempty"`
	ResolvedAt    *time.Time  `json:"resolvedAt,omitempty"`
	CreatedAt     time.Time   `json:"createdAt"`
	UpdatedAt     time.Time   `json:"updatedAt"`
}

// IsParty reports whether userID is the buyer or the seller.
func (e *Escrow) IsParty(userID string) bool {
	return userID != "" && (userID == e.BuyerID || userID == e.SellerID)
}

// Tx is a unit of work spanning the escrow row and the wallets it touches.
type Tx interface {
	ledger.Tx
	EscrowForUpdate(ctx context.Context, id string) (*Escrow, error)
	// InsertEscrow returns ErrEscrowExists when the order already has one.
	InsertEscrow(ctx context.Context, e *Escrow) error
	UpdateEscrow(ctx context.Context, e *Escrow) error
}

// Store persists escrow data.
type Store interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	Get(ctx context.Context, id string) (*Escrow, error)
	GetByOrder(ctx context.Context, orderID string) (*Escrow, error)
	// ListByUser returns escrows where userID is buyer or seller, newest first.
	ListByUser(ctx context.Context, userID string, offset, limit int) ([]*Escrow, error)
}

// CreateRequest contains the parameters for creating an escrow.
type CreateRequest struct {
	OrderID  string          `json:"orderId" binding:"required"`
	BuyerID  string          `json:"buyerId" binding:"required"`
	SellerID string          `json:"sellerId" binding:"required"`
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
}

// Service implements escrow business logic.
type Service struct {
	store    Store
	users    auth.CurrentUser
	currency string
	locks    *syncutil.ContextShardedMutex
	now      func() time.Time
}

// NewService creates a new escrow service. currency applies to escrows
// created without one.
func NewService(store Store, users auth.CurrentUser, currency string) *Service {
	return &Service{
		store:    store,
		users:    users,
		currency: currency,
		locks:    syncutil.NewContextShardedMutex(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the time source (tests).
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Create opens an escrow for an order. The buyer, an admin, or the system
// (the order service) may create it.
func (s *Service) Create(ctx context.Context, req CreateRequest) (e *Escrow, err error) {
	defer func() { metrics.RecordTransition("escrow", "create", err) }()

	req.OrderID = strings.TrimSpace(req.OrderID)
	if req.OrderID == "" {
		return nil, ErrOrderRequired
	}
	if req.BuyerID == "" || req.SellerID == "" || req.BuyerID == req.SellerID {
		return nil, ErrInvalidParties
	}
	currency := req.Currency
	if currency == "" {
		currency = s.currency
	}
	amount, err := money.Positive(req.Amount, currency)
	if err != nil {
		return nil, err
	}

	caller, _ := s.users.UserID(ctx)
	if caller != req.BuyerID && !s.privileged(ctx) {
		return nil, ErrForbidden
	}

	unlock, err := s.locks.LockContext(ctx, "order:"+req.OrderID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	now := s.now()
	e = &Escrow{
		ID:        idgen.New(),
		OrderID:   req.OrderID,
		BuyerID:   req.BuyerID,
		SellerID:  req.SellerID,
		Amount:    amount,
		Status:    StatusCreated,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err = s.store.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		return tx.InsertEscrow(ctx, e)
	})
	if err != nil {
		return nil, err
	}

	logging.L(ctx).Info("escrow created",
		"escrow_id", e.ID,
		"order_id", e.OrderID,
		"buyer", e.BuyerID,
		"seller", e.SellerID,
		"amount", e.Amount.String(),
	)
	return e, nil
}

// Fund moves the escrow amount out of the buyer's wallet.
func (s *Service) Fund(ctx context.Context, id string) (*Escrow, error) {
	return s.apply(ctx, id, ActionFund, s.allow(buyer|system),
		func(ctx context.Context, tx Tx, e *Escrow, now time.Time) error {
			w, err := ledger.EnsureWalletTx(ctx, tx, e.BuyerID, e.Amount.Currency)
			if err != nil {
				return err
			}
			if _, err := ledger.Post(ctx, tx, ledger.Posting{
				WalletID:    w.ID,
				Type:        ledger.EntryPayment,
				Amount:      e.Amount,
				RelatedID:   e.ID,
				Description: "Escrow payment for order " + e.OrderID,
			}); err != nil {
				return err
			}
			e.FundedAt = &now
			return nil
		})
}

// Release pays the held amount to the seller. Only the buyer can release.
func (s *Service) Release(ctx context.Context, id string) (*Escrow, error) {
	return s.apply(ctx, id, ActionRelease, s.allow(buyer),
		func(ctx context.Context, tx Tx, e *Escrow, now time.Time) error {
			w, err := ledger.EnsureWalletTx(ctx, tx, e.SellerID, e.Amount.Currency)
			if err != nil {
				return err
			}
			if _, err := ledger.Post(ctx, tx, ledger.Posting{
				WalletID:    w.ID,
				Type:        ledger.EntryCredit,
				Amount:      e.Amount,
				RelatedID:   e.ID,
				Description: "Escrow release for order " + e.OrderID,
			}); err != nil {
				return err
			}
			e.ReleasedAt = &now
			return nil
		})
}

// Dispute flags a funded or released escrow for admin review.
func (s *Service) Dispute(ctx context.Context, id, reason string) (*Escrow, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, ErrReasonRequired
	}
	return s.apply(ctx, id, ActionDispute, s.allow(buyer|seller),
		func(ctx context.Context, tx Tx, e *Escrow, now time.Time) error {
			e.DisputedFrom = e.Status
			e.DisputeReason = reason
			return nil
		})
}

// Refund returns the amount to the buyer. When the dispute was raised after
// release, the seller's wallet is debited first and the refund fails if it
// no longer holds the amount.
func (s *Service) Refund(ctx context.Context, id string) (*Escrow, error) {
	return s.apply(ctx, id, ActionRefund, s.allow(admin),
		func(ctx context.Context, tx Tx, e *Escrow, now time.Time) error {
			if e.DisputedFrom == StatusReleased {
				seller, err := tx.WalletByUserForUpdate(ctx, e.SellerID)
				if err != nil {
					return err
				}
				if _, err := ledger.Post(ctx, tx, ledger.Posting{
					WalletID:    seller.ID,
					Type:        ledger.EntryDebit,
					Amount:      e.Amount,
					RelatedID:   e.ID,
					Description: "Escrow refund claw-back for order " + e.OrderID,
				}); err != nil {
					return err
				}
			}
			w, err := ledger.EnsureWalletTx(ctx, tx, e.BuyerID, e.Amount.Currency)
			if err != nil {
				return err
			}
			if _, err := ledger.Post(ctx, tx, ledger.Posting{
				WalletID:    w.ID,
				Type:        ledger.EntryRefund,
				Amount:      e.Amount,
				RelatedID:   e.ID,
				Description: "Escrow refund for order " + e.OrderID,
			}); err != nil {
				return err
			}
			e.RefundedAt = &now
			return nil
		})
}

// Complete closes a released escrow.
func (s *Service) Complete(ctx context.Context, id string) (*Escrow, error) {
	return s.apply(ctx, id, ActionComplete, s.allow(buyer|seller|admin), nil)
}

// Cancel closes an escrow that holds no money: never funded, or refunded.
func (s *Service) Cancel(ctx context.Context, id string) (*Escrow, error) {
	return s.apply(ctx, id, ActionCancel, s.allow(buyer|admin), nil)
}

// Get returns an escrow visible to the caller. Strangers get
// ErrEscrowNotFound.
func (s *Service) Get(ctx context.Context, id string) (*Escrow, error) {
	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.visible(ctx, e)
}

// GetByOrder returns the escrow of an order, with the same visibility as Get.
func (s *Service) GetByOrder(ctx context.Context, orderID string) (*Escrow, error) {
	e, err := s.store.GetByOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return s.visible(ctx, e)
}

// ListByUser returns a page of escrows where userID is buyer or seller.
func (s *Service) ListByUser(ctx context.Context, userID string, page pagination.Request) (pagination.Page[*Escrow], error) {
	caller, _ := s.users.UserID(ctx)
	if caller != userID && !s.privileged(ctx) {
		return pagination.Page[*Escrow]{}, ErrForbidden
	}
	items, err := s.store.ListByUser(ctx, userID, page.Offset(), page.Limit())
	if err != nil {
		return pagination.Page[*Escrow]{}, err
	}
	return pagination.Build(page, items), nil
}

type effect func(ctx context.Context, tx Tx, e *Escrow, now time.Time) error

// apply runs one action: under the escrow's lock and inside one unit of
// work it re-reads the escrow, checks the caller and the transition, runs
// the balance effect and writes the new status.
func (s *Service) apply(ctx context.Context, id string, action Action, authorize func(context.Context, *Escrow) error, fx effect) (result *Escrow, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow."+string(action),
		traces.EscrowID(id),
		traces.Action(string(action)),
	)
	defer func() { traces.End(span, err) }()
	defer func() { metrics.RecordTransition("escrow", string(action), err) }()

	unlock, err := s.locks.LockContext(ctx, "escrow:"+id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	err = s.store.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		e, err := tx.EscrowForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if err := authorize(ctx, e); err != nil {
			return err
		}
		next, err := transition(e.Status, action)
		if err != nil {
			return err
		}
		now := s.now()
		if fx != nil {
			if err := fx(ctx, tx, e, now); err != nil {
				return err
			}
		}
		e.Status = next
		e.UpdatedAt = now
		if next.IsTerminal() {
			e.ResolvedAt = &now
		}
		if err := tx.UpdateEscrow(ctx, e); err != nil {
			return fmt.Errorf("update escrow: %w", err)
		}
		result = e
		return nil
	})
	if err != nil {
		logging.L(ctx).Debug("escrow action rejected", "escrow_id", id, "action", action, "error", err)
		return nil, err
	}

	logging.L(ctx).Info("escrow "+string(action),
		"escrow_id", result.ID,
		"order_id", result.OrderID,
		"status", result.Status,
		"amount", result.Amount.String(),
	)
	return result, nil
}

type party int

const (
	buyer party = 1 << iota
	seller
	admin
	system
)

func (s *Service) allow(allowed party) func(context.Context, *Escrow) error {
	return func(ctx context.Context, e *Escrow) error {
		caller, _ := s.users.UserID(ctx)
		switch {
		case allowed&buyer != 0 && caller != "" && caller == e.BuyerID:
		case allowed&seller != 0 && caller != "" && caller == e.SellerID:
		case allowed&admin != 0 && auth.IsAdmin(ctx, s.users):
		case allowed&system != 0 && auth.IsSystem(ctx, s.users):
		default:
			return ErrForbidden
		}
		return nil
	}
}

func (s *Service) privileged(ctx context.Context) bool {
	return auth.IsAdmin(ctx, s.users) || auth.IsSystem(ctx, s.users)
}

func (s *Service) visible(ctx context.Context, e *Escrow) (*Escrow, error) {
	caller, _ := s.users.UserID(ctx)
	if !e.IsParty(caller) && !s.privileged(ctx) {
		return nil, ErrEscrowNotFound
	}
	return e, nil
}
