package escrow

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/yaqeenpay/ledger/internal/ledger"
)

// MemoryStore is an in-memory escrow store for demo/development mode. It
// joins the ledger's memory units of work so escrow rows and wallet entries
// commit together.
type MemoryStore struct {
	ledger  *ledger.MemoryStore
	mu      sync.RWMutex
	escrows map[string]*Escrow
	byOrder map[string]string
}

// NewMemoryStore creates a new in-memory escrow store sharing l's wallets.
func NewMemoryStore(l *ledger.MemoryStore) *MemoryStore {
	return &MemoryStore{
		ledger:  l,
		escrows: make(map[string]*Escrow),
		byOrder: make(map[string]string),
	}
}

type memoryTx struct {
	*ledger.MemoryTx
	store     *MemoryStore
	staged    map[string]*Escrow
	newOrders map[string]string
}

func (m *MemoryStore) RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	return m.ledger.Atomic(ctx, func(ctx context.Context, ltx *ledger.MemoryTx) error {
		tx := &memoryTx{
			MemoryTx:  ltx,
			store:     m,
			staged:    make(map[string]*Escrow),
			newOrders: make(map[string]string),
		}
		if err := fn(ctx, tx); err != nil {
			return err
		}
		ltx.OnCommit(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			for id, e := range tx.staged {
				m.escrows[id] = e
			}
			for order, id := range tx.newOrders {
				m.byOrder[order] = id
			}
		})
		return nil
	})
}

func (t *memoryTx) EscrowForUpdate(ctx context.Context, id string) (*Escrow, error) {
	if e, ok := t.staged[id]; ok {
		return copyEscrow(e), nil
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	e, ok := t.store.escrows[id]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	return copyEscrow(e), nil
}

func (t *memoryTx) InsertEscrow(ctx context.Context, e *Escrow) error {
	if _, ok := t.newOrders[e.OrderID]; ok {
		return ErrEscrowExists
	}
	t.store.mu.RLock()
	_, exists := t.store.byOrder[e.OrderID]
	t.store.mu.RUnlock()
	if exists {
		return ErrEscrowExists
	}
	t.staged[e.ID] = copyEscrow(e)
	t.newOrders[e.OrderID] = e.ID
	return nil
}

func (t *memoryTx) UpdateEscrow(ctx context.Context, e *Escrow) error {
	if _, ok := t.staged[e.ID]; !ok {
		t.store.mu.RLock()
		_, ok := t.store.escrows[e.ID]
		t.store.mu.RUnlock()
		if !ok {
			return ErrEscrowNotFound
		}
	}
	t.staged[e.ID] = copyEscrow(e)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.escrows[id]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	return copyEscrow(e), nil
}

func (m *MemoryStore) GetByOrder(ctx context.Context, orderID string) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byOrder[orderID]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	return copyEscrow(m.escrows[id]), nil
}

func (m *MemoryStore) ListByUser(ctx context.Context, userID string, offset, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Escrow
	for _, e := range m.escrows {
		if e.IsParty(userID) {
			result = append(result, copyEscrow(e))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	offset = max(offset, 0)
	if offset >= len(result) {
		return []*Escrow{}, nil
	}
	result = result[offset:]
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// copyEscrow copies e including the time pointers so callers never share
// state with the store.
func copyEscrow(e *Escrow) *Escrow {
	cp := *e
	cp.FundedAt = copyTime(e.FundedAt)
	cp.ReleasedAt = copyTime(e.ReleasedAt)
	cp.RefundedAt = copyTime(e.RefundedAt)
	cp.ResolvedAt = copyTime(e.ResolvedAt)
	return &cp
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Compile-time assertions
var (
	_ Store = (*MemoryStore)(nil)
	_ Tx    = (*memoryTx)(nil)
)
