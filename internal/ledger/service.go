package ledger

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/yaqeenpay/ledger/internal/auth"
	"github.com/yaqeenpay/ledger/internal/logging"
	"github.com/yaqeenpay/ledger/internal/money"
	"github.com/yaqeenpay/ledger/internal/pagination"
	"github.com/yaqeenpay/ledger/internal/syncutil"
)

// Service is the wallet API on top of a Store.
type Service struct {
	store    Store
	users    auth.CurrentUser
	currency string
	locks    *syncutil.ContextShardedMutex
}

// NewService creates a wallet service. currency is used when a wallet is
// created without an explicit one.
func NewService(store Store, users auth.CurrentUser, currency string) *Service {
	return &Service{
		store:    store,
		users:    users,
		currency: currency,
		locks:    syncutil.NewContextShardedMutex(),
	}
}

// Store exposes the underlying store to sibling services.
func (s *Service) Store() Store { return s.store }

// DefaultCurrency is the currency given to lazily created wallets.
func (s *Service) DefaultCurrency() string { return s.currency }

// CreateWallet creates an empty active wallet for userID.
func (s *Service) CreateWallet(ctx context.Context, userID, currency string) (*Wallet, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, ErrUserRequired
	}
	if currency == "" {
		currency = s.currency
	}
	w, err := newWallet(userID, currency)
	if err != nil {
		return nil, err
	}

	unlock, err := s.locks.LockContext(ctx, "user:"+userID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	err = s.store.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		inserted, err := tx.InsertWallet(ctx, w)
		if err != nil {
			return err
		}
		if !inserted {
			return ErrWalletExists
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	logging.L(ctx).Info("wallet created", "wallet_id", w.ID, "user_id", userID, "currency", w.Currency())
	return w, nil
}

// EnsureWallet returns the user's wallet, creating one in the default
// currency if needed.
func (s *Service) EnsureWallet(ctx context.Context, userID string) (*Wallet, error) {
	var w *Wallet
	err := s.store.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		w, err = EnsureWalletTx(ctx, tx, userID, s.currency)
		return err
	})
	return w, err
}

func (s *Service) GetWallet(ctx context.Context, id string) (*Wallet, error) {
	return s.store.GetWallet(ctx, id)
}

func (s *Service) GetWalletByUserID(ctx context.Context, userID string) (*Wallet, error) {
	return s.store.GetWalletByUser(ctx, userID)
}

// GetBalance returns the spendable balance cached on the wallet.
func (s *Service) GetBalance(ctx context.Context, walletID string) (money.Money, error) {
	w, err := s.store.GetWallet(ctx, walletID)
	if err != nil {
		return money.Money{}, err
	}
	return w.Balance, nil
}

// Reconciliation compares the cached wallet figures with the entry log.
type Reconciliation struct {
	WalletID       string          `json:"walletId"`
	Currency       string          `json:"currency"`
	Cached         decimal.Decimal `json:"cached"`
	Computed       decimal.Decimal `json:"computed"`
	CachedFrozen   decimal.Decimal `json:"cachedFrozen"`
	ComputedFrozen decimal.Decimal `json:"computedFrozen"`
	Consistent     bool            `json:"consistent"`
}

// Reconcile recomputes a wallet's balance from its entries.
func (s *Service) Reconcile(ctx context.Context, walletID string) (*Reconciliation, error) {
	w, totals, err := s.store.Snapshot(ctx, walletID)
	if err != nil {
		return nil, err
	}
	balance, frozen := SignedSum(totals)
	r := &Reconciliation{
		WalletID:       w.ID,
		Currency:       w.Currency(),
		Cached:         w.Balance.Amount,
		Computed:       balance,
		CachedFrozen:   w.Frozen,
		ComputedFrozen: frozen,
	}
	r.Consistent = r.Cached.Equal(r.Computed) && r.CachedFrozen.Equal(r.ComputedFrozen)
	return r, nil
}

// PostEntry appends one entry to a wallet in its own unit of work.
func (s *Service) PostEntry(ctx context.Context, p Posting) (*Entry, error) {
	unlock, err := s.locks.LockContext(ctx, "wallet:"+p.WalletID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var entry *Entry
	err = s.store.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		entry, err = Post(ctx, tx, p)
		return err
	})
	if err != nil {
		logging.L(ctx).Debug("posting rejected", "wallet_id", p.WalletID, "type", p.Type, "error", err)
		return nil, err
	}
	logging.L(ctx).Info("entry posted",
		"wallet_id", p.WalletID,
		"entry_id", entry.ID,
		"type", entry.Type,
		"amount", entry.Amount.String(),
		"balance_after", entry.BalanceAfter.StringFixed(money.Scale),
	)
	return entry, nil
}

// History returns a page of the wallet's entries, newest first.
func (s *Service) History(ctx context.Context, walletID string, page pagination.Request) (pagination.Page[*Entry], error) {
	if _, err := s.store.GetWallet(ctx, walletID); err != nil {
		return pagination.Page[*Entry]{}, err
	}
	entries, err := s.store.ListEntries(ctx, walletID, page.Offset(), page.Limit())
	if err != nil {
		return pagination.Page[*Entry]{}, err
	}
	return pagination.Build(page, entries), nil
}

// SetActive activates or deactivates a wallet. Admin only. An inactive
// wallet rejects every posting.
func (s *Service) SetActive(ctx context.Context, walletID string, active bool) (*Wallet, error) {
	if !auth.IsAdmin(ctx, s.users) {
		return nil, ErrForbidden
	}

	unlock, err := s.locks.LockContext(ctx, "wallet:"+walletID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var w *Wallet
	err = s.store.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		w, err = tx.WalletForUpdate(ctx, walletID)
		if err != nil {
			return err
		}
		if w.IsActive == active {
			return nil
		}
		w.IsActive = active
		w.Version++
		return tx.UpdateWallet(ctx, w)
	})
	if err != nil {
		return nil, err
	}
	logging.L(ctx).Info("wallet status changed", "wallet_id", walletID, "active", active)
	return w, nil
}

// Adjust posts an admin correction to a user's wallet: a Credit when credit
// is true, otherwise a Debit. reason is recorded on the entry.
func (s *Service) Adjust(ctx context.Context, userID string, amount decimal.Decimal, credit bool, reason string) (*Entry, error) {
	if !auth.IsAdmin(ctx, s.users) {
		return nil, ErrForbidden
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, ErrReasonRequired
	}
	w, err := s.store.GetWalletByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	amt, err := money.Positive(amount, w.Currency())
	if err != nil {
		return nil, err
	}

	typ := EntryDebit
	if credit {
		typ = EntryCredit
	}
	admin, _ := s.users.UserID(ctx)
	return s.PostEntry(ctx, Posting{
		WalletID:    w.ID,
		Type:        typ,
		Amount:      amt,
		RelatedID:   "adjustment:" + admin,
		Description: "Admin adjustment: " + reason,
	})
}
