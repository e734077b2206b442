// Package topup credits wallets with money collected through a payment
// channel.
//
// Flow:
//  1. User initiates a top-up (Initiated)
//  2. Online channels open a gateway session (PendingConfirmation); bank
//     transfers and manual adjustments wait for an admin (PendingAdminApproval)
//  3. A verified gateway callback or an admin review confirms it → wallet
//     TopUp entry (Confirmed), or fails it (Failed)
//  4. Sessions nobody paid are cancelled by the expiry sweep (Cancelled)
//
// Confirmation is idempotent per external reference so providers can
// redeliver callbacks safely.
package topup

import (
	"context"
	"errors"
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
	ErrTopUpNotFound      = fault.New(fault.NotFound, "top-up not found")
	ErrInvalidTransition  = fault.New(fault.InvalidState, "invalid top-up status for this operation")
	ErrInvalidState       = fault.New(fault.InvalidState, "top-up is not awaiting admin review")
	ErrReferenceMismatch  = fault.New(fault.ReferenceMismatch, "top-up was confirmed with a different external reference")
	ErrDuplicateReference = fault.New(fault.Conflict, "external reference already confirmed another top-up")
	ErrCallbackMismatch   = fault.New(fault.ReferenceMismatch, "callback does not match the top-up")
	ErrForbidden          = fault.New(fault.Forbidden, "not authorized for this top-up operation")
	ErrReferenceRequired  = fault.New(fault.Invalid, "external reference is required")
	ErrReasonRequired     = fault.New(fault.Invalid, "reason is required")
	ErrInvalidDecision    = fault.New(fault.Invalid, "decision must be paid, suspicious or not_paid")
)

// Status represents the state of a top-up.
type Status string

const (
	StatusInitiated            Status = "initiated"
	StatusPendingConfirmation  Status = "pending_confirmation"
	StatusPendingAdminApproval Status = "pending_admin_approval"
	StatusConfirmed            Status = "confirmed"
	StatusFailed               Status = "failed"
	StatusCancelled            Status = "cancelled"
)

// IsTerminal returns true if no action can leave the status.
func (s Status) IsTerminal() bool {
	return s == StatusConfirmed || s == StatusFailed || s == StatusCancelled
}

// Action is a request to move a top-up between statuses.
type Action string

const (
	ActionMarkPending  Action = "mark_pending"
	ActionSubmitReview Action = "submit_review"
	ActionConfirm      Action = "confirm"
	ActionFail         Action = "fail"
	ActionCancel       Action = "cancel"
)

var transitions = map[Action]struct {
	from []Status
	to   Status
}{
	ActionMarkPending:  {from: []Status{StatusInitiated}, to: StatusPendingConfirmation},
	ActionSubmitReview: {from: []Status{StatusInitiated}, to: StatusPendingAdminApproval},
	ActionConfirm:      {from: []Status{StatusPendingConfirmation, StatusPendingAdminApproval}, to: StatusConfirmed},
	ActionFail:         {from: []Status{StatusInitiated, StatusPendingConfirmation, StatusPendingAdminApproval}, to: StatusFailed},
	ActionCancel:       {from: []Status{StatusInitiated, StatusPendingConfirmation}, to: StatusCancelled},
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
	return "", fmt.Errorf("%w: cannot %s a top-up that is %s", ErrInvalidTransition, action, from)
}

// Decision is an admin's verdict on a top-up awaiting review.
type Decision string

const (
	DecisionPaid       Decision = "paid"
	DecisionSuspicious Decision = "suspicious"
	DecisionNotPaid    Decision = "not_paid"
)

// ParseDecision validates a review decision.
func ParseDecision(s string) (Decision, error) {
	switch d := Decision(strings.ToLower(strings.TrimSpace(s))); d {
	case DecisionPaid, DecisionSuspicious, DecisionNotPaid:
		return d, nil
	}
	return "", ErrInvalidDecision
}

// TopUp is one request to add money to a wallet.
type TopUp struct {
	ID                string          `json:"id"`
	UserID            string          `json:"userId"`
	WalletID          string          `json:"walletId"`
	Amount            money.Money     `json:"amount"`
	Channel           gateway.Channel `json:"channel"`
	Status            Status          `json:"status"`
	ExternalReference string          `json:"externalReference,omitempty"`
	GatewayReference  string          `json:"gatewayReference,omitempty"`
	RedirectURL       string          `json:"redirectUrl,omitempty"`
	FailureReason     string          `json:"failureReason,omitempty"`
	EntryID           string          `json:"entryId,omitempty"`
	RequestedAt       time.Time       `json:"requestedAt"`
	ConfirmedAt       *time.Time      `json:"confirmedAt,omitempty"`
	FailedAt          *time.Time      `json:"failedAt,omitempty"`
	UpdatedAt         time.Time       `json:"updatedAt"`
}

// Tx is a unit of work spanning the top-up row and its wallet.
type Tx interface {
	ledger.Tx
	TopUpForUpdate(ctx context.Context, id string) (*TopUp, error)
	InsertTopUp(ctx context.Context, t *TopUp) error
	// UpdateTopUp returns ErrDuplicateReference when the write would leave two
	// confirmed top-ups with one external reference.
	UpdateTopUp(ctx context.Context, t *TopUp) error
	// ConfirmedByReference returns ErrTopUpNotFound when no confirmed top-up
	// carries ref.
	ConfirmedByReference(ctx context.Context, ref string) (*TopUp, error)
}

// Store persists top-up data.
type Store interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	Get(ctx context.Context, id string) (*TopUp, error)
	// List and ListByUser return newest first.
	List(ctx context.Context, offset, limit int) ([]*TopUp, error)
	ListByUser(ctx context.Context, userID string, offset, limit int) ([]*TopUp, error)
	// ListStale returns Initiated and PendingConfirmation top-ups requested
	// before cutoff, oldest first.
	ListStale(ctx context.Context, cutoff time.Time, limit int) ([]*TopUp, error)
}

// InitiateRequest contains the parameters for starting a top-up. UserID
// defaults to the caller; only admins may top up another user.
type InitiateRequest struct {
	UserID   string          `json:"userId"`
	Amount   decimal.Decimal `json:"amount"`
	Channel  string          `json:"channel" binding:"required"`
	Currency string          `json:"currency"`
}

// Service implements top-up business logic.
type Service struct {
	store    Store
	users    auth.CurrentUser
	gateways *gateway.Registry
	currency string
	locks    *syncutil.ContextShardedMutex
	now      func() time.Time
}

// NewService creates a new top-up service.
func NewService(store Store, users auth.CurrentUser, gateways *gateway.Registry, currency string) *Service {
	return &Service{
		store:    store,
		users:    users,
		gateways: gateways,
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

// Initiate records a top-up and routes it to its channel. A gateway that
// refuses the session fails the top-up; the failed top-up is returned
// without an error so the caller can show the gateway's reason.
func (s *Service) Initiate(ctx context.Context, req InitiateRequest) (t *TopUp, err error) {
	defer func() { metrics.RecordTransition("topup", "initiate", err) }()

	channel, err := gateway.ParseChannel(req.Channel)
	if err != nil {
		return nil, err
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
	if req.UserID == "" {
		req.UserID = caller
	}
	if req.UserID == "" {
		return nil, ErrForbidden
	}
	if (req.UserID != caller || channel == gateway.ManualAdjustment) && !auth.IsAdmin(ctx, s.users) {
		return nil, ErrForbidden
	}

	now := s.now()
	t = &TopUp{
		ID:          idgen.New(),
		UserID:      req.UserID,
		Amount:      amount,
		Channel:     channel,
		Status:      StatusInitiated,
		RequestedAt: now,
		UpdatedAt:   now,
	}
	err = s.store.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		w, err := ledger.EnsureWalletTx(ctx, tx, t.UserID, amount.Currency)
		if err != nil {
			return err
		}
		if !w.IsActive {
			return ledger.ErrWalletInactive
		}
		t.WalletID = w.ID
		return tx.InsertTopUp(ctx, t)
	})
	if err != nil {
		return nil, err
	}
	logging.L(ctx).Info("top-up initiated",
		"topup_id", t.ID,
		"user", t.UserID,
		"channel", t.Channel,
		"amount", t.Amount.String(),
	)

	if !channel.Online() {
		return s.apply(ctx, t.ID, ActionSubmitReview, s.allowAny, nil)
	}

	gw, err := s.gateways.Get(channel)
	if err != nil {
		return s.apply(ctx, t.ID, ActionFail, s.allowAny, failWith(err.Error()))
	}
	session, err := gw.CreatePaymentRequest(ctx, gateway.PaymentRequest{
		TopUpID: t.ID,
		UserID:  t.UserID,
		Amount:  t.Amount,
	})
	if err != nil {
		logging.L(ctx).Warn("gateway refused payment session", "topup_id", t.ID, "channel", channel, "error", err)
		return s.apply(ctx, t.ID, ActionFail, s.allowAny, failWith(err.Error()))
	}
	return s.apply(ctx, t.ID, ActionMarkPending, s.allowAny,
		func(ctx context.Context, tx Tx, t *TopUp, now time.Time) error {
			t.GatewayReference = session.GatewayReference
			t.RedirectURL = session.RedirectURL
			return nil
		})
}

// MarkPendingConfirmation records that the payer was sent to the gateway.
func (s *Service) MarkPendingConfirmation(ctx context.Context, id, gatewayRef string) (*TopUp, error) {
	gatewayRef = strings.TrimSpace(gatewayRef)
	if gatewayRef == "" {
		return nil, ErrReferenceRequired
	}
	return s.apply(ctx, id, ActionMarkPending, s.allow(admin|system),
		func(ctx context.Context, tx Tx, t *TopUp, now time.Time) error {
			t.GatewayReference = gatewayRef
			return nil
		})
}

// SubmitForReview hands an Initiated top-up to the admins.
func (s *Service) SubmitForReview(ctx context.Context, id string) (*TopUp, error) {
	return s.apply(ctx, id, ActionSubmitReview, s.allow(owner|admin|system), nil)
}

// Confirm credits the wallet. Confirming again with the same reference
// returns the confirmed top-up unchanged.
func (s *Service) Confirm(ctx context.Context, id, externalRef string) (*TopUp, error) {
	externalRef = strings.TrimSpace(externalRef)
	if externalRef == "" {
		return nil, ErrReferenceRequired
	}
	return s.confirm(ctx, id, externalRef, "", s.allow(admin|system))
}

// Fail closes a top-up that was not paid.
func (s *Service) Fail(ctx context.Context, id, reason string) (*TopUp, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, ErrReasonRequired
	}
	return s.apply(ctx, id, ActionFail, s.allow(admin|system), failWith(reason))
}

// Cancel abandons a top-up before any money arrived.
func (s *Service) Cancel(ctx context.Context, id, reason string) (*TopUp, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "cancelled by user"
	}
	return s.apply(ctx, id, ActionCancel, s.allow(owner|admin|system), failWith(reason))
}

// Review applies an admin decision to a top-up awaiting approval.
func (s *Service) Review(ctx context.Context, id string, decision Decision, notes string) (*TopUp, error) {
	if !auth.IsAdmin(ctx, s.users) {
		return nil, ErrForbidden
	}
	notes = strings.TrimSpace(notes)

	switch decision {
	case DecisionPaid:
		return s.confirm(ctx, id, "admin-review:"+id, StatusPendingAdminApproval, s.allow(admin))
	case DecisionSuspicious, DecisionNotPaid:
		reason := notes
		if reason == "" && decision == DecisionSuspicious {
			reason = "Marked as suspicious by admin"
		} else if reason == "" {
			reason = "Marked as not paid by admin"
		}
		return s.run(ctx, id, ActionFail, func(ctx context.Context, tx Tx, t *TopUp, now time.Time) error {
			if t.Status != StatusPendingAdminApproval {
				return fmt.Errorf("%w: top-up is %s", ErrInvalidState, t.Status)
			}
			return s.step(ctx, tx, t, now, ActionFail, s.allow(admin), failWith(reason))
		})
	}
	return nil, ErrInvalidDecision
}

// HandleCallback applies a verified gateway callback. Late failure reports
// for a top-up that is already closed are acknowledged without change.
func (s *Service) HandleCallback(ctx context.Context, channel gateway.Channel, cb gateway.Callback) (t *TopUp, err error) {
	ctx, span := traces.StartSpan(ctx, "topup.callback",
		traces.TopUpID(cb.TopUpID),
		traces.Action(string(cb.Status)),
	)
	defer func() { traces.End(span, err) }()
	defer func() {
		result := "ok"
		if err != nil {
			result = fault.KindOf(err).Code()
		}
		metrics.GatewayCallbacksTotal.WithLabelValues(string(channel), result).Inc()
	}()

	if !auth.IsSystem(ctx, s.users) {
		return nil, ErrForbidden
	}
	current, err := s.store.Get(ctx, cb.TopUpID)
	if err != nil {
		return nil, err
	}
	if current.Channel != channel {
		return nil, fmt.Errorf("%w: top-up uses %s", ErrCallbackMismatch, current.Channel)
	}
	if current.GatewayReference != "" && cb.GatewayReference != current.GatewayReference {
		return nil, fmt.Errorf("%w: unknown gateway reference", ErrCallbackMismatch)
	}

	switch cb.Status {
	case gateway.StatusPaid:
		t, err = s.Confirm(ctx, current.ID, cb.TransactionID)
		if errors.Is(err, ErrInvalidTransition) {
			logging.L(ctx).Error("gateway reports payment for a closed top-up",
				"topup_id", current.ID,
				"status", current.Status,
				"transaction_id", cb.TransactionID,
			)
		}
		return t, err
	case gateway.StatusFailed, gateway.StatusExpired:
		reason := cb.Reason
		if reason == "" {
			reason = "payment " + string(cb.Status) + " at gateway"
		}
		t, err = s.Fail(ctx, current.ID, reason)
		if errors.Is(err, ErrInvalidTransition) {
			latest, gerr := s.store.Get(ctx, current.ID)
			if gerr == nil && latest.Status.IsTerminal() {
				logging.L(ctx).Info("ignoring late gateway failure", "topup_id", latest.ID, "status", latest.Status)
				return latest, nil
			}
		}
		return t, err
	}
	return nil, gateway.ErrInvalidCallback
}

// ExpireStale cancels online top-ups whose session was never paid within
// ttl. Sessions the gateway reports as paid are left for their callback.
func (s *Service) ExpireStale(ctx context.Context, ttl time.Duration) (int, error) {
	ctx = auth.AsSystem(ctx)
	stale, err := s.store.ListStale(ctx, s.now().Add(-ttl), 100)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, t := range stale {
		if s.paidAtGateway(ctx, t) {
			logging.L(ctx).Info("stale top-up paid at gateway, awaiting callback", "topup_id", t.ID)
			continue
		}
		if _, err := s.Cancel(ctx, t.ID, "payment session expired"); err != nil {
			if !errors.Is(err, ErrInvalidTransition) {
				logging.L(ctx).Warn("failed to expire top-up", "topup_id", t.ID, "error", err)
			}
			continue
		}
		metrics.TopUpsExpiredTotal.Inc()
		expired++
	}
	return expired, nil
}

func (s *Service) paidAtGateway(ctx context.Context, t *TopUp) bool {
	if t.GatewayReference == "" {
		return false
	}
	gw, err := s.gateways.Get(t.Channel)
	if err != nil {
		return false
	}
	status, err := gw.PaymentStatus(ctx, t.GatewayReference)
	if err != nil {
		logging.L(ctx).Debug("gateway status lookup failed", "topup_id", t.ID, "error", err)
		return false
	}
	return status == gateway.StatusPaid
}

// Get returns a top-up visible to the caller. Strangers get ErrTopUpNotFound.
func (s *Service) Get(ctx context.Context, id string) (*TopUp, error) {
	t, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	caller, _ := s.users.UserID(ctx)
	if caller != t.UserID && !s.privileged(ctx) {
		return nil, ErrTopUpNotFound
	}
	return t, nil
}

// List returns a page of all top-ups. Admin only.
func (s *Service) List(ctx context.Context, page pagination.Request) (pagination.Page[*TopUp], error) {
	if !s.privileged(ctx) {
		return pagination.Page[*TopUp]{}, ErrForbidden
	}
	items, err := s.store.List(ctx, page.Offset(), page.Limit())
	if err != nil {
		return pagination.Page[*TopUp]{}, err
	}
	return pagination.Build(page, items), nil
}

// ListByUser returns a page of one user's top-ups.
func (s *Service) ListByUser(ctx context.Context, userID string, page pagination.Request) (pagination.Page[*TopUp], error) {
	caller, _ := s.users.UserID(ctx)
	if caller != userID && !s.privileged(ctx) {
		return pagination.Page[*TopUp]{}, ErrForbidden
	}
	items, err := s.store.ListByUser(ctx, userID, page.Offset(), page.Limit())
	if err != nil {
		return pagination.Page[*TopUp]{}, err
	}
	return pagination.Build(page, items), nil
}

// confirm posts the TopUp entry. require, when set, is the only status
// the top-up may be in.
func (s *Service) confirm(ctx context.Context, id, ref string, require Status, authorize func(context.Context, *TopUp) error) (*TopUp, error) {
	outcome := "confirmed"
	t, err := s.run(ctx, id, ActionConfirm, func(ctx context.Context, tx Tx, t *TopUp, now time.Time) error {
		if err := authorize(ctx, t); err != nil {
			return err
		}
		if require != "" && t.Status != require {
			return fmt.Errorf("%w: top-up is %s", ErrInvalidState, t.Status)
		}
		if t.Status == StatusConfirmed {
			if t.ExternalReference == ref {
				outcome = "idempotent"
				return errAlreadyApplied
			}
			outcome = "mismatch"
			return ErrReferenceMismatch
		}
		other, err := tx.ConfirmedByReference(ctx, ref)
		switch {
		case err == nil && other.ID != t.ID:
			outcome = "duplicate"
			return ErrDuplicateReference
		case err != nil && !errors.Is(err, ErrTopUpNotFound):
			return err
		}
		return s.step(ctx, tx, t, now, ActionConfirm, nil,
			func(ctx context.Context, tx Tx, t *TopUp, now time.Time) error {
				entry, err := ledger.Post(ctx, tx, ledger.Posting{
					WalletID:    t.WalletID,
					Type:        ledger.EntryTopUp,
					Amount:      t.Amount,
					RelatedID:   t.ID,
					Description: "Top-up via " + string(t.Channel),
				})
				if err != nil {
					return err
				}
				t.ExternalReference = ref
				t.EntryID = entry.ID
				t.ConfirmedAt = &now
				return nil
			})
	})
	if errors.Is(err, ErrDuplicateReference) {
		outcome = "duplicate"
	}
	if err != nil && outcome == "confirmed" {
		outcome = "rejected"
	}
	metrics.TopUpConfirmationsTotal.WithLabelValues(outcome).Inc()
	return t, err
}

type effect func(ctx context.Context, tx Tx, t *TopUp, now time.Time) error

// errAlreadyApplied ends a unit of work early and returns the top-up as read.
var errAlreadyApplied = errors.New("already applied")

func failWith(reason string) effect {
	return func(ctx context.Context, tx Tx, t *TopUp, now time.Time) error {
		t.FailureReason = reason
		t.FailedAt = &now
		return nil
	}
}

// apply runs one standard action: authorize, transition, effect, write.
func (s *Service) apply(ctx context.Context, id string, action Action, authorize func(context.Context, *TopUp) error, fx effect) (*TopUp, error) {
	return s.run(ctx, id, action, func(ctx context.Context, tx Tx, t *TopUp, now time.Time) error {
		return s.step(ctx, tx, t, now, action, authorize, fx)
	})
}

// step moves t through action inside tx and writes it.
func (s *Service) step(ctx context.Context, tx Tx, t *TopUp, now time.Time, action Action, authorize func(context.Context, *TopUp) error, fx effect) error {
	if authorize != nil {
		if err := authorize(ctx, t); err != nil {
			return err
		}
	}
	next, err := transition(t.Status, action)
	if err != nil {
		return err
	}
	if fx != nil {
		if err := fx(ctx, tx, t, now); err != nil {
			return err
		}
	}
	t.Status = next
	t.UpdatedAt = now
	if err := tx.UpdateTopUp(ctx, t); err != nil {
		return fmt.Errorf("update top-up: %w", err)
	}
	return nil
}

// run holds the top-up's lock and a unit of work around body, which sees
// the freshly read row.
func (s *Service) run(ctx context.Context, id string, action Action, body effect) (result *TopUp, err error) {
	ctx, span := traces.StartSpan(ctx, "topup."+string(action),
		traces.TopUpID(id),
		traces.Action(string(action)),
	)
	defer func() { traces.End(span, err) }()
	defer func() { metrics.RecordTransition("topup", string(action), err) }()

	unlock, err := s.locks.LockContext(ctx, "topup:"+id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	err = s.store.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		t, err := tx.TopUpForUpdate(ctx, id)
		if err != nil {
			return err
		}
		result = t
		return body(ctx, tx, t, s.now())
	})
	if errors.Is(err, errAlreadyApplied) {
		logging.L(ctx).Debug("top-up "+string(action)+" already applied", "topup_id", id)
		return result, nil
	}
	if err != nil {
		logging.L(ctx).Debug("top-up action rejected", "topup_id", id, "action", action, "error", err)
		return nil, err
	}

	logging.L(ctx).Info("top-up "+string(action),
		"topup_id", result.ID,
		"user", result.UserID,
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

func (s *Service) allow(allowed party) func(context.Context, *TopUp) error {
	return func(ctx context.Context, t *TopUp) error {
		caller, _ := s.users.UserID(ctx)
		switch {
		case allowed&owner != 0 && caller != "" && caller == t.UserID:
		case allowed&admin != 0 && auth.IsAdmin(ctx, s.users):
		case allowed&system != 0 && auth.IsSystem(ctx, s.users):
		default:
			return ErrForbidden
		}
		return nil
	}
}

// allowAny is used for the steps Initiate takes on its own behalf.
func (s *Service) allowAny(context.Context, *TopUp) error { return nil }

func (s *Service) privileged(ctx context.Context) bool {
	return auth.IsAdmin(ctx, s.users) || auth.IsSystem(ctx, s.users)
}
