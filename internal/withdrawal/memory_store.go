package withdrawal

import (
	"context"
	"sort"
	"sync"

	"github.com/yaqeenpay/ledger/internal/ledger"
)

// MemoryStore is an in-memory withdrawal store for demo/development mode.
// It joins the ledger's memory units of work.
type MemoryStore struct {
	ledger      *ledger.MemoryStore
	mu          sync.RWMutex
	withdrawals map[string]*Withdrawal
}

// NewMemoryStore creates a new in-memory withdrawal store sharing l's wallets.
func NewMemoryStore(l *ledger.MemoryStore) *MemoryStore {
	return &MemoryStore{
		ledger:      l,
		withdrawals: make(map[string]*Withdrawal),
	}
}

type memoryTx struct {
	*ledger.MemoryTx
	store  *MemoryStore
	staged map[string]*Withdrawal
}

func (m *MemoryStore) RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	return m.ledger.Atomic(ctx, func(ctx context.Context, ltx *ledger.MemoryTx) error {
		tx := &memoryTx{MemoryTx: ltx, store: m, staged: make(map[string]*Withdrawal)}
		if err := fn(ctx, tx); err != nil {
			return err
		}
		ltx.OnCommit(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			for id, w := range tx.staged {
				m.withdrawals[id] = w
			}
		})
		return nil
	})
}

func (t *memoryTx) WithdrawalForUpdate(ctx context.Context, id string) (*Withdrawal, error) {
	if w, ok := t.staged[id]; ok {
		return copyWithdrawal(w), nil
	}
	return t.store.Get(ctx, id)
}

func (t *memoryTx) InsertWithdrawal(ctx context.Context, w *Withdrawal) error {
	t.staged[w.ID] = copyWithdrawal(w)
	return nil
}

func (t *memoryTx) UpdateWithdrawal(ctx context.Context, w *Withdrawal) error {
	if _, ok := t.staged[w.ID]; !ok {
		if _, err := t.store.Get(ctx, w.ID); err != nil {
			return err
		}
	}
	t.staged[w.ID] = copyWithdrawal(w)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Withdrawal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	w, ok := m.withdrawals[id]
	if !ok {
		return nil, ErrWithdrawalNotFound
	}
	return copyWithdrawal(w), nil
}

func (m *MemoryStore) List(ctx context.Context, offset, limit int) ([]*Withdrawal, error) {
	return m.filter(func(*Withdrawal) bool { return true }, offset, limit), nil
}

func (m *MemoryStore) ListBySeller(ctx context.Context, sellerID string, offset, limit int) ([]*Withdrawal, error) {
	return m.filter(func(w *Withdrawal) bool { return w.SellerID == sellerID }, offset, limit), nil
}

func (m *MemoryStore) filter(match func(*Withdrawal) bool, offset, limit int) []*Withdrawal {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Withdrawal
	for _, w := range m.withdrawals {
		if match(w) {
			result = append(result, copyWithdrawal(w))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].RequestedAt.Equal(result[j].RequestedAt) {
			return result[i].Reference > result[j].Reference
		}
		return result[i].RequestedAt.After(result[j].RequestedAt)
	})
	offset = max(offset, 0)
	if offset >= len(result) {
		return []*Withdrawal{}
	}
	result = result[offset:]
	if len(result) > limit {
		result = result[:limit]
	}
	return result
}

func copyWithdrawal(w *Withdrawal) *Withdrawal {
	cp := *w
	if w.SettledAt != nil {
		v := *w.SettledAt
		cp.SettledAt = &v
	}
	if w.FailedAt != nil {
		v := *w.FailedAt
		cp.FailedAt = &v
	}
	return &cp
}

// Compile-time assertions
var (
	_ Store = (*MemoryStore)(nil)
	_ Tx    = (*memoryTx)(nil)
)
