package topup

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/yaqeenpay/ledger/internal/ledger"
)

// MemoryStore is an in-memory top-up store for demo/development mode. It
// joins the ledger's memory units of work.
type MemoryStore struct {
	ledger    *ledger.MemoryStore
	mu        sync.RWMutex
	topups    map[string]*TopUp
	confirmed map[string]string // external reference -> top-up id
}

// NewMemoryStore creates a new in-memory top-up store sharing l's wallets.
func NewMemoryStore(l *ledger.MemoryStore) *MemoryStore {
	return &MemoryStore{
		ledger:    l,
		topups:    make(map[string]*TopUp),
		confirmed: make(map[string]string),
	}
}

type memoryTx struct {
	*ledger.MemoryTx
	store  *MemoryStore
	staged map[string]*TopUp
}

func (m *MemoryStore) RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	return m.ledger.Atomic(ctx, func(ctx context.Context, ltx *ledger.MemoryTx) error {
		tx := &memoryTx{MemoryTx: ltx, store: m, staged: make(map[string]*TopUp)}
		if err := fn(ctx, tx); err != nil {
			return err
		}
		ltx.OnCommit(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			for id, t := range tx.staged {
				m.topups[id] = t
				if t.Status == StatusConfirmed {
					m.confirmed[t.ExternalReference] = id
				}
			}
		})
		return nil
	})
}

func (t *memoryTx) TopUpForUpdate(ctx context.Context, id string) (*TopUp, error) {
	if tp, ok := t.staged[id]; ok {
		return copyTopUp(tp), nil
	}
	return t.store.Get(ctx, id)
}

func (t *memoryTx) InsertTopUp(ctx context.Context, tp *TopUp) error {
	t.staged[tp.ID] = copyTopUp(tp)
	return nil
}

func (t *memoryTx) UpdateTopUp(ctx context.Context, tp *TopUp) error {
	if _, ok := t.staged[tp.ID]; !ok {
		if _, err := t.store.Get(ctx, tp.ID); err != nil {
			return err
		}
	}
	if tp.Status == StatusConfirmed {
		if other, err := t.ConfirmedByReference(ctx, tp.ExternalReference); err == nil && other.ID != tp.ID {
			return ErrDuplicateReference
		}
	}
	t.staged[tp.ID] = copyTopUp(tp)
	return nil
}

func (t *memoryTx) ConfirmedByReference(ctx context.Context, ref string) (*TopUp, error) {
	for _, tp := range t.staged {
		if tp.Status == StatusConfirmed && tp.ExternalReference == ref {
			return copyTopUp(tp), nil
		}
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	id, ok := t.store.confirmed[ref]
	if !ok {
		return nil, ErrTopUpNotFound
	}
	return copyTopUp(t.store.topups[id]), nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*TopUp, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.topups[id]
	if !ok {
		return nil, ErrTopUpNotFound
	}
	return copyTopUp(t), nil
}

func (m *MemoryStore) List(ctx context.Context, offset, limit int) ([]*TopUp, error) {
	return m.filter(func(*TopUp) bool { return true }, offset, limit), nil
}

func (m *MemoryStore) ListByUser(ctx context.Context, userID string, offset, limit int) ([]*TopUp, error) {
	return m.filter(func(t *TopUp) bool { return t.UserID == userID }, offset, limit), nil
}

func (m *MemoryStore) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]*TopUp, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*TopUp
	for _, t := range m.topups {
		if (t.Status == StatusInitiated || t.Status == StatusPendingConfirmation) && t.RequestedAt.Before(cutoff) {
			result = append(result, copyTopUp(t))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].RequestedAt.Before(result[j].RequestedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// filter returns matching top-ups newest first.
func (m *MemoryStore) filter(match func(*TopUp) bool, offset, limit int) []*TopUp {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*TopUp
	for _, t := range m.topups {
		if match(t) {
			result = append(result, copyTopUp(t))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].RequestedAt.After(result[j].RequestedAt)
	})
	offset = max(offset, 0)
	if offset >= len(result) {
		return []*TopUp{}
	}
	result = result[offset:]
	if len(result) > limit {
		result = result[:limit]
	}
	return result
}

func copyTopUp(t *TopUp) *TopUp {
	cp := *t
	if t.ConfirmedAt != nil {
		v := *t.ConfirmedAt
		cp.ConfirmedAt = &v
	}
	if t.FailedAt != nil {
		v := *t.FailedAt
		cp.FailedAt = &v
	}
	return &cp
}

// Compile-time assertions
var (
	_ Store = (*MemoryStore)(nil)
	_ Tx    = (*memoryTx)(nil)
)
