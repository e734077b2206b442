// Package ledger keeps user wallets and their append-only entry log.
//
// A wallet's balance is never written directly: every change is an Entry
// whose signed amount is derived from its type, and the cached balance on the
// wallet row is updated in the same transaction that appends the entry.
// Other packages (escrow, topup, withdrawal) move money by calling Post with
// the transaction of their own unit of work, so a status change and its
// balance effect commit or roll back together.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/yaqeenpay/ledger/internal/fault"
	"github.com/yaqeenpay/ledger/internal/idgen"
	"github.com/yaqeenpay/ledger/internal/money"
	"github.com/yaqeenpay/ledger/internal/traces"
)

var (
	ErrWalletNotFound     = fault.New(fault.NotFound, "wallet not found")
	ErrWalletExists       = fault.New(fault.Conflict, "user already has a wallet")
	ErrWalletInactive     = fault.New(fault.WalletInactive, "wallet is inactive")
	ErrInsufficientFunds  = fault.New(fault.InsufficientFunds, "insufficient funds")
	ErrInsufficientFrozen = fault.New(fault.InsufficientFunds, "amount exceeds frozen funds")
	ErrInvalidEntryType   = fault.New(fault.Invalid, "invalid entry type")
	ErrInvalidAmount      = fault.New(fault.Invalid, "entry amount must be positive")
	ErrConflict           = fault.New(fault.Contention, "concurrent update, retry the request")
	ErrForbidden          = fault.New(fault.Forbidden, "not allowed to act on this wallet")
	ErrReasonRequired     = fault.New(fault.Invalid, "reason is required")
	ErrUserRequired       = fault.New(fault.Invalid, "user id is required")
)

// EntryType classifies an entry and fixes the sign of its effect on the
// wallet balance.
type EntryType string

const (
	EntryCredit        EntryType = "credit"
	EntryTopUp         EntryType = "topup"
	EntryRefund        EntryType = "refund"
	EntryUnfreeze      EntryType = "unfreeze"
	EntryDebit         EntryType = "debit"
	EntryPayment       EntryType = "payment"
	EntryWithdrawal    EntryType = "withdrawal"
	EntryFreeze        EntryType = "freeze"
	EntryFrozenToDebit EntryType = "frozen_to_debit"
)

// EntryTypes lists every type in display order.
var EntryTypes = []EntryType{
	EntryCredit, EntryTopUp, EntryRefund, EntryUnfreeze,
	EntryDebit, EntryPayment, EntryWithdrawal, EntryFreeze, EntryFrozenToDebit,
}

// ParseEntryType validates an entry type name.
func ParseEntryType(s string) (EntryType, error) {
	t := EntryType(s)
	if t.Sign() == 0 && t != EntryFrozenToDebit {
		return "", fmt.Errorf("%w: %q", ErrInvalidEntryType, s)
	}
	return t, nil
}

// Sign is +1 for types that add to the balance, -1 for types that take from
// it and 0 for memo entries (and unknown types).
func (t EntryType) Sign() int {
	switch t {
	case EntryCredit, EntryTopUp, EntryRefund, EntryUnfreeze:
		return 1
	case EntryDebit, EntryPayment, EntryWithdrawal, EntryFreeze:
		return -1
	default:
		return 0
	}
}

// SettlesFrozen reports whether t only resolves money already frozen. Such
// entries are accepted on inactive wallets so pending withdrawals can
// still be paid out or returned.
func (t EntryType) SettlesFrozen() bool {
	return t.frozenDelta() < 0
}

// frozenDelta is the entry's effect on the wallet's frozen total.
func (t EntryType) frozenDelta() int {
	switch t {
	case EntryFreeze:
		return 1
	case EntryUnfreeze, EntryFrozenToDebit:
		return -1
	default:
		return 0
	}
}

// Wallet is a user's balance in one currency. Balance is what the user can
// spend; Frozen is money set aside for pending withdrawals and already
// excluded from Balance.
type Wallet struct {
	ID        string          `json:"id"`
	UserID    string          `json:"userId"`
	Balance   money.Money     `json:"balance"`
	Frozen    decimal.Decimal `json:"frozen"`
	IsActive  bool            `json:"isActive"`
	Version   int64           `json:"version"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Currency is the wallet's currency.
func (w *Wallet) Currency() string { return w.Balance.Currency }

// Entry is one immutable line of a wallet's history.
type Entry struct {
	ID           string          `json:"id"`
	WalletID     string          `json:"walletId"`
	Type         EntryType       `json:"type"`
	Amount       money.Money     `json:"amount"`
	Signed       decimal.Decimal `json:"signedAmount"`
	BalanceAfter decimal.Decimal `json:"balanceAfter"`
	RelatedID    string          `json:"relatedId,omitempty"`
	Description  string          `json:"description,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
}

// Tx is the ledger's view of a unit of work. Reads through a Tx lock the
// wallet row until the unit commits or rolls back.
type Tx interface {
	WalletForUpdate(ctx context.Context, id string) (*Wallet, error)
	WalletByUserForUpdate(ctx context.Context, userID string) (*Wallet, error)
	// InsertWallet reports false when the user already has a wallet.
	InsertWallet(ctx context.Context, w *Wallet) (bool, error)
	UpdateWallet(ctx context.Context, w *Wallet) error
	AppendEntry(ctx context.Context, e *Entry) error
}

// Store persists wallets and entries.
type Store interface {
	// RunInTx runs fn in one atomic unit. A non-nil error from fn, or a
	// cancelled ctx, discards every write made through tx.
	RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	GetWallet(ctx context.Context, id string) (*Wallet, error)
	GetWalletByUser(ctx context.Context, userID string) (*Wallet, error)
	ListWallets(ctx context.Context) ([]*Wallet, error)
	// ListEntries returns a wallet's entries newest first.
	ListEntries(ctx context.Context, walletID string, offset, limit int) ([]*Entry, error)
	// Snapshot returns the wallet and its entry amounts summed per type,
	// both read as of the same point in time.
	Snapshot(ctx context.Context, walletID string) (*Wallet, map[EntryType]decimal.Decimal, error)
}

// Posting describes one entry to append.
type Posting struct {
	WalletID    string
	Type        EntryType
	Amount      money.Money
	RelatedID   string
	Description string
}

// Post appends an entry inside tx and moves the wallet's cached balance and
// frozen total accordingly. It is the only code path that changes a balance.
func Post(ctx context.Context, tx Tx, p Posting) (entry *Entry, err error) {
	ctx, span := traces.StartSpan(ctx, "ledger.Post",
		traces.WalletID(p.WalletID),
		traces.EntryType(string(p.Type)),
		traces.Amount(p.Amount.Amount.String()),
	)
	defer func() { traces.End(span, err) }()
	defer observePost(p.Type)(&err)

	if _, err := ParseEntryType(string(p.Type)); err != nil {
		return nil, err
	}
	if !p.Amount.IsPositive() {
		return nil, ErrInvalidAmount
	}

	w, err := tx.WalletForUpdate(ctx, p.WalletID)
	if err != nil {
		return nil, err
	}
	if !w.IsActive && !p.Type.SettlesFrozen() {
		return nil, ErrWalletInactive
	}
	if p.Amount.Currency != w.Currency() {
		return nil, fmt.Errorf("%w: wallet holds %s, posting is %s",
			money.ErrCurrencyMismatch, w.Currency(), p.Amount.Currency)
	}

	signed := p.Amount.Amount.Mul(decimal.NewFromInt(int64(p.Type.Sign())))
	balance, err := w.Balance.Add(money.Money{Amount: signed, Currency: w.Currency()})
	if err != nil {
		return nil, err
	}
	if balance.IsNegative() {
		return nil, fmt.Errorf("%w: balance %s, need %s", ErrInsufficientFunds, w.Balance, p.Amount)
	}

	frozen := w.Frozen.Add(p.Amount.Amount.Mul(decimal.NewFromInt(int64(p.Type.frozenDelta()))))
	if frozen.IsNegative() {
		return nil, fmt.Errorf("%w: frozen %s, need %s", ErrInsufficientFrozen, w.Frozen.StringFixed(money.Scale), p.Amount)
	}

	now := time.Now().UTC()
	entry = &Entry{
		ID:           idgen.New(),
		WalletID:     w.ID,
		Type:         p.Type,
		Amount:       p.Amount,
		Signed:       signed,
		BalanceAfter: balance.Amount,
		RelatedID:    p.RelatedID,
		Description:  p.Description,
		CreatedAt:    now,
	}
	if err := tx.AppendEntry(ctx, entry); err != nil {
		return nil, fmt.Errorf("append entry: %w", err)
	}

	w.Balance = balance
	w.Frozen = frozen
	w.Version++
	w.UpdatedAt = now
	if err := tx.UpdateWallet(ctx, w); err != nil {
		return nil, fmt.Errorf("update wallet: %w", err)
	}
	return entry, nil
}

// EnsureWalletTx returns the user's wallet, creating an empty active one in
// currency when none exists.
func EnsureWalletTx(ctx context.Context, tx Tx, userID, currency string) (*Wallet, error) {
	w, err := tx.WalletByUserForUpdate(ctx, userID)
	if err == nil {
		return w, nil
	}
	if !fault.Is(err, fault.NotFound) {
		return nil, err
	}

	nw, err := newWallet(userID, currency)
	if err != nil {
		return nil, err
	}
	inserted, err := tx.InsertWallet(ctx, nw)
	if err != nil {
		return nil, err
	}
	if !inserted {
		return tx.WalletByUserForUpdate(ctx, userID)
	}
	return nw, nil
}

func newWallet(userID, currency string) (*Wallet, error) {
	c, err := money.NormalizeCurrency(currency)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	return &Wallet{
		ID:        idgen.New(),
		UserID:    userID,
		Balance:   money.Zero(c),
		Frozen:    decimal.Zero,
		IsActive:  true,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// SignedSum folds per-type totals into the balance and frozen amounts they
// imply.
func SignedSum(totals map[EntryType]decimal.Decimal) (balance, frozen decimal.Decimal) {
	for t, amt := range totals {
		balance = balance.Add(amt.Mul(decimal.NewFromInt(int64(t.Sign()))))
		frozen = frozen.Add(amt.Mul(decimal.NewFromInt(int64(t.frozenDelta()))))
	}
	return balance, frozen
}
