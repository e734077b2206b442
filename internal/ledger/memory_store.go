package ledger

import (
	"context"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
)

// MemoryStore is an in-memory ledger store for demo/development mode and
// tests. A unit of work holds the store-wide lock from start to commit, so
// units never interleave. Other in-memory stores join the same unit through
// Atomic and MemoryTx.OnCommit.
type MemoryStore struct {
	mu      sync.Mutex
	wallets map[string]*Wallet
	byUser  map[string]string
	entries map[string][]*Entry // wallet id -> entries, oldest first
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		wallets: make(map[string]*Wallet),
		byUser:  make(map[string]string),
		entries: make(map[string][]*Entry),
	}
}

// MemoryTx stages writes until the unit commits.
type MemoryTx struct {
	store    *MemoryStore
	wallets  map[string]*Wallet
	newUsers map[string]string
	entries  []*Entry
	onCommit []func()
}

// OnCommit registers fn to run once the unit's ledger writes are applied.
// Hooks run in registration order while the unit still holds the lock.
func (t *MemoryTx) OnCommit(fn func()) {
	t.onCommit = append(t.onCommit, fn)
}

// Atomic runs fn as one unit of work. Nothing fn staged is applied if it
// returns an error or ctx is done before commit.
func (m *MemoryStore) Atomic(ctx context.Context, fn func(ctx context.Context, tx *MemoryTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &MemoryTx{
		store:    m,
		wallets:  make(map[string]*Wallet),
		newUsers: make(map[string]string),
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	for id, w := range tx.wallets {
		m.wallets[id] = w
	}
	for user, id := range tx.newUsers {
		m.byUser[user] = id
	}
	for _, e := range tx.entries {
		m.entries[e.WalletID] = append(m.entries[e.WalletID], e)
	}
	for _, hook := range tx.onCommit {
		hook()
	}
	return nil
}

func (m *MemoryStore) RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	return m.Atomic(ctx, func(ctx context.Context, tx *MemoryTx) error {
		return fn(ctx, tx)
	})
}

func (t *MemoryTx) WalletForUpdate(ctx context.Context, id string) (*Wallet, error) {
	if w, ok := t.wallets[id]; ok {
		cp := *w
		return &cp, nil
	}
	w, ok := t.store.wallets[id]
	if !ok {
		return nil, ErrWalletNotFound
	}
	cp := *w
	return &cp, nil
}

func (t *MemoryTx) WalletByUserForUpdate(ctx context.Context, userID string) (*Wallet, error) {
	if id, ok := t.newUsers[userID]; ok {
		return t.WalletForUpdate(ctx, id)
	}
	id, ok := t.store.byUser[userID]
	if !ok {
		return nil, ErrWalletNotFound
	}
	return t.WalletForUpdate(ctx, id)
}

func (t *MemoryTx) InsertWallet(ctx context.Context, w *Wallet) (bool, error) {
	if _, ok := t.store.byUser[w.UserID]; ok {
		return false, nil
	}
	if _, ok := t.newUsers[w.UserID]; ok {
		return false, nil
	}
	cp := *w
	t.wallets[w.ID] = &cp
	t.newUsers[w.UserID] = w.ID
	return true, nil
}

func (t *MemoryTx) UpdateWallet(ctx context.Context, w *Wallet) error {
	if _, ok := t.wallets[w.ID]; !ok {
		if _, ok := t.store.wallets[w.ID]; !ok {
			return ErrWalletNotFound
		}
	}
	cp := *w
	t.wallets[w.ID] = &cp
	return nil
}

func (t *MemoryTx) AppendEntry(ctx context.Context, e *Entry) error {
	cp := *e
	t.entries = append(t.entries, &cp)
	return nil
}

func (m *MemoryStore) GetWallet(ctx context.Context, id string) (*Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.wallets[id]
	if !ok {
		return nil, ErrWalletNotFound
	}
	cp := *w
	return &cp, nil
}

func (m *MemoryStore) GetWalletByUser(ctx context.Context, userID string) (*Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.byUser[userID]
	if !ok {
		return nil, ErrWalletNotFound
	}
	cp := *m.wallets[id]
	return &cp, nil
}

func (m *MemoryStore) ListWallets(ctx context.Context) ([]*Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := make([]*Wallet, 0, len(m.wallets))
	for _, w := range m.wallets {
		cp := *w
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (m *MemoryStore) ListEntries(ctx context.Context, walletID string, offset, limit int) ([]*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	offset, limit = max(offset, 0), max(limit, 0)
	all := m.entries[walletID]
	result := make([]*Entry, 0, limit)
	for i := len(all) - 1 - offset; i >= 0 && len(result) < limit; i-- {
		cp := *all[i]
		result = append(result, &cp)
	}
	return result, nil
}

func (m *MemoryStore) Snapshot(ctx context.Context, walletID string) (*Wallet, map[EntryType]decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.wallets[walletID]
	if !ok {
		return nil, nil, ErrWalletNotFound
	}
	cp := *w
	totals := make(map[EntryType]decimal.Decimal)
	for _, e := range m.entries[walletID] {
		totals[e.Type] = totals[e.Type].Add(e.Amount.Amount)
	}
	return &cp, totals, nil
}

// Compile-time assertions
var (
	_ Store = (*MemoryStore)(nil)
	_ Tx    = (*MemoryTx)(nil)
)
