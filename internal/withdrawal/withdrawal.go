// Package withdrawal pays sellers out of their wallets.
//
// Requesting a withdrawal freezes the amount with a Freeze entry. The payout
// then either completes, which turns the freeze into a permanent debit with
// a balance-neutral FrozenToDebit memo, or fails or is cancelled, which
// returns the money with an Unfreeze entry.
package withdrawal

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/yaqeenpay/ledger/internal/auth"
	"github.com/yaqeenpay/ledger/internal/fault"
	"github.com/yaqeenpay/ledger/internal/gateway"
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
	ErrWithdrawalNotFound = fault.New(fault.NotFound, "withdrawal not found")
	ErrInvalidTransition  = fault.New(fault.InvalidState, "invalid withdrawal operation for its current status")
	ErrForbidden          = fault.New(fault.Forbidden, "not authorized for this withdrawal operation")
	ErrChannelRefRequired = fault.New(fault.Invalid, "channel reference is required")
	ErrReasonRequired     = fault.New(fault.Invalid, "reason is required")
	ErrInvalidChannel     = fault.New(fault.Invalid, "channel does not support payouts")
)

// Status represents the state of a withdrawal.
type Status string

const (
	StatusInitiated       Status = "initiated"
	StatusPendingProvider Status = "pending_provider"
	StatusCompleted       Status = "completed"
	StatusFailed          Status = "failed"
	StatusReversed        Status = "reversed"
)

// IsTerminal returns true if no action can leave the status.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusReversed
}

// Action is a request to move a withdrawal between statuses.
type Action string

const (
	ActionMarkSent Action = "mark_sent"
	ActionApprove  Action = "approve"
	ActionFail     Action = "fail"
	ActionCancel   Action = "cancel"
)

var transitions = map[Action]struct {
	from []Status
	to   Status
}{
	ActionMarkSent: {from: []Status{StatusInitiated}, to: StatusPendingProvider},
	ActionApprove:  {from: []Status{StatusInitiated, StatusPendingProvider}, to: StatusCompleted},
	ActionFail:     {from: []Status{StatusInitiated, StatusPendingProvider}, to: StatusFailed},
	ActionCancel:   {from: []Status{StatusInitiated, StatusPendingProvider}, to: StatusReversed},
}

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
	return "", fmt.Errorf("%w: cannot %s a withdrawal that is %s", ErrInvalidTransition, action, from)
}

// Withdrawal is one payout request.
type Withdrawal struct {
	ID               string          `json:"id"`
	SellerID         string          `json:"sellerId"`
	WalletID         string          `json:"walletId"`
	Amount           money.Money     `json:"amount"`
	Channel          gateway.Channel `json:"channel"`
	Reference        string          `json:"reference"`
	Status           Status          `json:"status"`
	ChannelReference string          `json:"channelReference,omitempty"`
	FailureReason    string          `json:"failureReason,omitempty"`
	Notes            string          `json:"notes,omitempty"`
	RequestedAt      time.Time       `json:"requestedAt"`
	SettledAt        *time.Time      `json:"settledAt,omitempty"`
	FailedAt         *time.Time      `json:"failedAt,omitempty"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}

// Tx is a unit of work spanning the withdrawal row and the seller's wallet.
type Tx interface {
	ledger.Tx
	WithdrawalForUpdate(ctx context.Context, id string) (*Withdrawal, error)
	InsertWithdrawal(ctx context.Context, w *Withdrawal) error
	UpdateWithdrawal(ctx context.Context, w *Withdrawal) error
}

// Store persists withdrawal data.
type Store interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	Get(ctx context.Context, id string) (*Withdrawal, error)
	// List and ListBySeller return newest first.
	List(ctx context.Context, offset, limit int) ([]*Withdrawal, error)
	ListBySeller(ctx context.Context, sellerID string, offset, limit int) ([]*Withdrawal, error)
}

// RequestParams contains the parameters for requesting a withdrawal.
// SellerID defaults to the caller; only admins may act for another seller.
type RequestParams struct {
	SellerID string          `json:"sellerId"`
	Amount   decimal.Decimal `json:"amount"`
	Channel  string          `json:"channel" binding:"required"`
	Currency string          `json:"currency"`
	Notes    string          `json:"notes"`
}

// Service implements withdrawal business logic.
type Service struct {
	store    Store
	users    auth.CurrentUser
	currency string
	locks    *syncutil.ContextShardedMutex
	now      func() time.Time
}

// NewService creates a new withdrawal service.
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

// Request freezes the amount in the seller's wallet and records the
// withdrawal. It fails with ledger.ErrInsufficientFunds when the spendable
// balance does not cover the amount.
func (s *Service) Request(ctx context.Context, req RequestParams) (w *Withdrawal, err error) {
	ctx, span := traces.StartSpan(ctx, "withdrawal.request", traces.UserID(req.SellerID))
	defer func() { traces.End(span, err) }()
	defer func() { metrics.RecordTransition("withdrawal", "request", err) }()

	channel, err := gateway.ParseChannel(req.Channel)
	if err != nil {
		return nil, err
	}
	if !channel.Payout() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidChannel, channel)
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
	if req.SellerID == "" {
		req.SellerID = caller
	}
	if req.SellerID == "" || (req.SellerID != caller && !auth.IsAdmin(ctx, s.users)) {
		return nil, ErrForbidden
	}

	unlock, err := s.locks.LockContext(ctx, "seller:"+req.SellerID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	now := s.now()
	w = &Withdrawal{
		ID:          idgen.New(),
		SellerID:    req.SellerID,
		Amount:      amount,
		Channel:     channel,
		Reference:   idgen.Reference('2', time.Now()),
		Status:      StatusInitiated,
		Notes:       strings.TrimSpace(req.Notes),
		RequestedAt: now,
		UpdatedAt:   now,
	}
	err = s.store.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		wallet, err := ledger.EnsureWalletTx(ctx, tx, w.SellerID, amount.Currency)
		if err != nil {
			return err
		}
		w.WalletID = wallet.ID
		if _, err := ledger.Post(ctx, tx, ledger.Posting{
			WalletID:    wallet.ID,
			Type:        ledger.EntryFreeze,
			Amount:      amount,
			RelatedID:   w.ID,
			Description: "Withdrawal request " + w.Reference,
		}); err != nil {
			return err
		}
		return tx.InsertWithdrawal(ctx, w)
	})
	if err != nil {
		logging.L(ctx).Debug("withdrawal request rejected", "seller", req.SellerID, "amount", amount.String(), "error", err)
		return nil, err
	}

	logging.L(ctx).Info("withdrawal requested",
		"withdrawal_id", w.ID,
		"reference", w.Reference,
		"seller", w.SellerID,
		"channel", w.Channel,
		"amount", w.Amount.String(),
	)
	return w, nil
}

// MarkSent records that the payout was handed to the provider.
func (s *Service) MarkSent(ctx context.Context, id, channelRef string) (*Withdrawal, error) {
	channelRef = strings.TrimSpace(channelRef)
	return s.apply(ctx, id, ActionMarkSent, s.allow(admin|system),
		func(ctx context.Context, tx Tx, w *Withdrawal, now time.Time) error {
			if channelRef != "" {
				w.ChannelReference = channelRef
			}
			return nil
		})
}

// Approve completes the payout. The frozen amount becomes a permanent
// debit; the balance does not change.
func (s *Service) Approve(ctx context.Context, id, channelRef string) (*Withdrawal, error) {
	channelRef = strings.TrimSpace(channelRef)
	if channelRef == "" {
		return nil, ErrChannelRefRequired
	}
	return s.apply(ctx, id, ActionApprove, s.allow(admin),
		func(ctx context.Context, tx Tx, w *Withdrawal, now time.Time) error {
			if _, err := ledger.Post(ctx, tx, ledger.Posting{
				WalletID:    w.WalletID,
				Type:        ledger.EntryFrozenToDebit,
				Amount:      w.Amount,
				RelatedID:   w.ID,
				Description: "Withdrawal paid " + w.Reference,
			}); err != nil {
				return err
			}
			w.ChannelReference = channelRef
			w.SettledAt = &now
			return nil
		})
}

// Fail records a payout the provider rejected and returns the money.
func (s *Service) Fail(ctx context.Context, id, reason string) (*Withdrawal, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, ErrReasonRequired
	}
	return s.apply(ctx, id, ActionFail, s.allow(admin), s.unfreeze(reason))
}

// Cancel withdraws the request and returns the money. The seller or an
// admin may cancel until the payout completes.
func (s *Service) Cancel(ctx context.Context, id, reason string) (*Withdrawal, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "cancelled by seller"
	}
	return s.apply(ctx, id, ActionCancel, s.allow(owner|admin), s.unfreeze(reason))
}

func (s *Service) unfreeze(reason string) effect {
	return func(ctx context.Context, tx Tx, w *Withdrawal, now time.Time) error {
		if _, err := ledger.Post(ctx, tx, ledger.Posting{
			WalletID:    w.WalletID,
			Type:        ledger.EntryUnfreeze,
			Amount:      w.Amount,
			RelatedID:   w.ID,
			Description: "Withdrawal reversed " + w.Reference + ": " + reason,
		}); err != nil {
			return err
		}
		w.FailureReason = reason
		w.FailedAt = &now
		return nil
	}
}

// Get returns a withdrawal visible to the caller. Strangers get
// ErrWithdrawalNotFound.
func (s *Service) Get(ctx context.Context, id string) (*Withdrawal, error) {
	w, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	caller, _ := s.users.UserID(ctx)
	if caller != w.SellerID && !s.privileged(ctx) {
		return nil, ErrWithdrawalNotFound
	}
	return w, nil
}

// List returns a page of all withdrawals. Admin only.
func (s *Service) List(ctx context.Context, page pagination.Request) (pagination.Page[*Withdrawal], error) {
	if !s.privileged(ctx) {
		return pagination.Page[*Withdrawal]{}, ErrForbidden
	}
	items, err := s.store.List(ctx, page.Offset(), page.Limit())
	if err != nil {
		return pagination.Page[*Withdrawal]{}, err
	}
	return pagination.Build(page, items), nil
}

// ListBySeller returns a page of one seller's withdrawals.
func (s *Service) ListBySeller(ctx context.Context, sellerID string, page pagination.Request) (pagination.Page[*Withdrawal], error) {
	caller, _ := s.users.UserID(ctx)
	if caller != sellerID && !s.privileged(ctx) {
		return pagination.Page[*Withdrawal]{}, ErrForbidden
	}
	items, err := s.store.ListBySeller(ctx, sellerID, page.Offset(), page.Limit())
	if err != nil {
		return pagination.Page[*Withdrawal]{}, err
	}
	return pagination.Build(page, items), nil
}

type effect func(ctx context.Context, tx Tx, w *Withdrawal, now time.Time) error

// apply runs one action under the withdrawal's lock: re-read, authorize,
// transition, post, write, all in one unit of work.
func (s *Service) apply(ctx context.Context, id string, action Action, authorize func(context.Context, *Withdrawal) error, fx effect) (result *Withdrawal, err error) {
	ctx, span := traces.StartSpan(ctx, "withdrawal."+string(action),
		traces.WithdrawalID(id),
		traces.Action(string(action)),
	)
	defer func() { traces.End(span, err) }()
	defer func() { metrics.RecordTransition("withdrawal", string(action), err) }()

	unlock, err := s.locks.LockContext(ctx, "withdrawal:"+id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	err = s.store.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		w, err := tx.WithdrawalForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if err := authorize(ctx, w); err != nil {
			return err
		}
		next, err := transition(w.Status, action)
		if err != nil {
			return err
		}
		now := s.now()
		if fx != nil {
			if err := fx(ctx, tx, w, now); err != nil {
				return err
			}
		}
		w.Status = next
		w.UpdatedAt = now
		if err := tx.UpdateWithdrawal(ctx, w); err != nil {
			return fmt.Errorf("update withdrawal: %w", err)
		}
		result = w
		return nil
	})
	if err != nil {
		logging.L(ctx).Debug("withdrawal action rejected", "withdrawal_id", id, "action", action, "error", err)
		return nil, err
	}

	logging.L(ctx).Info("withdrawal "+string(action),
		"withdrawal_id", result.ID,
		"reference", result.Reference,
		"status", result.Status,
		"amount", result.Amount.String(),
	)
	return result, nil
}

type party int

const (
	owner party = 1 << iota
	admin
	system
)

func (s *Service) allow(allowed party) func(context.Context, *Withdrawal) error {
	return func(ctx context.Context, w *Withdrawal) error {
		caller, _ := s.users.UserID(ctx)
		switch {
		case allowed&owner != 0 && caller != "" && caller == w.SellerID:
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
