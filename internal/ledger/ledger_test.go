package ledger

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yaqeenpay/ledger/internal/auth"
	"github.com/yaqeenpay/ledger/internal/fault"
	"github.com/yaqeenpay/ledger/internal/money"
	"github.com/yaqeenpay/ledger/internal/pagination"
)

func newTestService() (*Service, *MemoryStore) {
	store := NewMemoryStore()
	return NewService(store, auth.NewContextUser(auth.RoleAdmin), "PKR"), store
}

func adminCtx() context.Context {
	return auth.WithPrincipal(context.Background(), auth.Principal{UserID: "ops", Roles: []string{auth.RoleAdmin}})
}

func pkr(s string) money.Money { return money.MustNew(s, "PKR") }

func fundedWallet(t *testing.T, svc *Service, userID, amount string) *Wallet {
	t.Helper()
	w, err := svc.CreateWallet(context.Background(), userID, "PKR")
	require.NoError(t, err)
	if amount != "" {
		_, err = svc.PostEntry(context.Background(), Posting{WalletID: w.ID, Type: EntryTopUp, Amount: pkr(amount)})
		require.NoError(t, err)
	}
	return w
}

func TestEntryType_Sign(t *testing.T) {
	tests := []struct {
		typ  EntryType
		sign int
	}{
		{EntryCredit, 1},
		{EntryTopUp, 1},
		{EntryRefund, 1},
		{EntryUnfreeze, 1},
		{EntryDebit, -1},
		{EntryPayment, -1},
		{EntryWithdrawal, -1},
		{EntryFreeze, -1},
		{EntryFrozenToDebit, 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.sign, tt.typ.Sign(), tt.typ)
		_, err := ParseEntryType(string(tt.typ))
		assert.NoError(t, err)
	}
	_, err := ParseEntryType("bonus")
	assert.ErrorIs(t, err, ErrInvalidEntryType)
}

func TestPostEntry_AppliesSignedAmounts(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	w := fundedWallet(t, svc, "u1", "1000")

	steps := []struct {
		typ  EntryType
		amt  string
		want string
	}{
		{EntryPayment, "250", "750"},
		{EntryRefund, "100", "850"},
		{EntryDebit, "50.50", "799.50"},
		{EntryCredit, "0.50", "800"},
		{EntryWithdrawal, "800", "0"},
	}
	for _, s := range steps {
		e, err := svc.PostEntry(ctx, Posting{WalletID: w.ID, Type: s.typ, Amount: pkr(s.amt)})
		require.NoError(t, err, s.typ)
		assert.True(t, e.BalanceAfter.Equal(decimal.RequireFromString(s.want)), "%s: got %s", s.typ, e.BalanceAfter)
	}

	bal, err := svc.GetBalance(ctx, w.ID)
	require.NoError(t, err)
	assert.True(t, bal.IsZero())
}

func TestPostEntry_InsufficientFundsLeavesNoTrace(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()
	w := fundedWallet(t, svc, "u1", "100")

	_, err := svc.PostEntry(ctx, Posting{WalletID: w.ID, Type: EntryPayment, Amount: pkr("100.01")})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInsufficientFunds))
	assert.Equal(t, fault.InsufficientFunds, fault.KindOf(err))

	entries, _ := store.ListEntries(ctx, w.ID, 0, 10)
	assert.Len(t, entries, 1)
	bal, _ := svc.GetBalance(ctx, w.ID)
	assert.True(t, bal.Equal(pkr("100")))
}

func TestPostEntry_RejectsBadInput(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	w := fundedWallet(t, svc, "u1", "100")

	_, err := svc.PostEntry(ctx, Posting{WalletID: w.ID, Type: EntryCredit, Amount: pkr("0")})
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = svc.PostEntry(ctx, Posting{WalletID: w.ID, Type: EntryCredit, Amount: pkr("-5")})
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = svc.PostEntry(ctx, Posting{WalletID: w.ID, Type: EntryCredit, Amount: money.MustNew("5", "USD")})
	assert.ErrorIs(t, err, money.ErrCurrencyMismatch)

	_, err = svc.PostEntry(ctx, Posting{WalletID: w.ID, Type: "bonus", Amount: pkr("5")})
	assert.ErrorIs(t, err, ErrInvalidEntryType)

	_, err = svc.PostEntry(ctx, Posting{WalletID: "missing", Type: EntryCredit, Amount: pkr("5")})
	assert.ErrorIs(t, err, ErrWalletNotFound)
}

func TestPostEntry_InactiveWallet(t *testing.T) {
	svc, _ := newTestService()
	w := fundedWallet(t, svc, "u1", "100")

	_, err := svc.SetActive(context.Background(), w.ID, false)
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = svc.SetActive(adminCtx(), w.ID, false)
	require.NoError(t, err)

	_, err = svc.PostEntry(context.Background(), Posting{WalletID: w.ID, Type: EntryCredit, Amount: pkr("1")})
	assert.ErrorIs(t, err, ErrWalletInactive)
	_, err = svc.PostEntry(context.Background(), Posting{WalletID: w.ID, Type: EntryFreeze, Amount: pkr("1")})
	assert.ErrorIs(t, err, ErrWalletInactive)

	_, err = svc.SetActive(adminCtx(), w.ID, true)
	require.NoError(t, err)
	_, err = svc.PostEntry(context.Background(), Posting{WalletID: w.ID, Type: EntryCredit, Amount: pkr("1")})
	assert.NoError(t, err)
}

func TestPostEntry_FreezeLifecycle(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	w := fundedWallet(t, svc, "seller", "2000")

	_, err := svc.PostEntry(ctx, Posting{WalletID: w.ID, Type: EntryFreeze, Amount: pkr("1500")})
	require.NoError(t, err)

	got, _ := svc.GetWallet(ctx, w.ID)
	assert.True(t, got.Balance.Equal(pkr("500")))
	assert.True(t, got.Frozen.Equal(decimal.NewFromInt(1500)))

	// Cannot release more than is frozen.
	_, err = svc.PostEntry(ctx, Posting{WalletID: w.ID, Type: EntryUnfreeze, Amount: pkr("1500.01")})
	assert.ErrorIs(t, err, ErrInsufficientFrozen)

	_, err = svc.PostEntry(ctx, Posting{WalletID: w.ID, Type: EntryUnfreeze, Amount: pkr("1500")})
	require.NoError(t, err)
	got, _ = svc.GetWallet(ctx, w.ID)
	assert.True(t, got.Balance.Equal(pkr("2000")))
	assert.True(t, got.Frozen.IsZero())

	_, err = svc.PostEntry(ctx, Posting{WalletID: w.ID, Type: EntryFreeze, Amount: pkr("300")})
	require.NoError(t, err)
	e, err := svc.PostEntry(ctx, Posting{WalletID: w.ID, Type: EntryFrozenToDebit, Amount: pkr("300")})
	require.NoError(t, err)
	assert.True(t, e.Signed.IsZero())
	got, _ = svc.GetWallet(ctx, w.ID)
	assert.True(t, got.Balance.Equal(pkr("1700")))
	assert.True(t, got.Frozen.IsZero())
}

func TestReconcile_MatchesEntryLog(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	w := fundedWallet(t, svc, "u1", "500")

	for _, p := range []Posting{
		{WalletID: w.ID, Type: EntryPayment, Amount: pkr("120")},
		{WalletID: w.ID, Type: EntryFreeze, Amount: pkr("80")},
		{WalletID: w.ID, Type: EntryUnfreeze, Amount: pkr("30")},
		{WalletID: w.ID, Type: EntryFrozenToDebit, Amount: pkr("50")},
		{WalletID: w.ID, Type: EntryRefund, Amount: pkr("20")},
	} {
		_, err := svc.PostEntry(ctx, p)
		require.NoError(t, err)
	}

	r, err := svc.Reconcile(ctx, w.ID)
	require.NoError(t, err)
	assert.True(t, r.Consistent)
	assert.True(t, r.Computed.Equal(decimal.NewFromInt(350)), r.Computed.String())
	assert.True(t, r.ComputedFrozen.IsZero())
}

// interleavingStore commits a top-up right after every wallet read, the
// way a concurrent request would.
type interleavingStore struct {
	*MemoryStore
}

func (s interleavingStore) GetWallet(ctx context.Context, id string) (*Wallet, error) {
	w, err := s.MemoryStore.GetWallet(ctx, id)
	if err != nil {
		return nil, err
	}
	err = s.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		_, err := Post(ctx, tx, Posting{WalletID: id, Type: EntryTopUp, Amount: pkr("50")})
		return err
	})
	return w, err
}

func TestReconcile_PostingBetweenReads(t *testing.T) {
	store := interleavingStore{NewMemoryStore()}
	svc := NewService(store, auth.NewContextUser(auth.RoleAdmin), "PKR")
	ctx := context.Background()
	w, err := svc.CreateWallet(ctx, "u1", "PKR")
	require.NoError(t, err)
	_, err = svc.PostEntry(ctx, Posting{WalletID: w.ID, Type: EntryTopUp, Amount: pkr("100")})
	require.NoError(t, err)

	r, err := svc.Reconcile(ctx, w.ID)
	require.NoError(t, err)
	assert.True(t, r.Consistent, "cached %s computed %s", r.Cached, r.Computed)
}

func TestReconcile_ConsistentUnderConcurrentPosting(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	w := fundedWallet(t, svc, "u1", "100")

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			_, _ = svc.PostEntry(ctx, Posting{WalletID: w.ID, Type: EntryTopUp, Amount: pkr("1")})
		}
	}()

	for {
		select {
		case <-done:
			r, err := svc.Reconcile(ctx, w.ID)
			require.NoError(t, err)
			assert.True(t, r.Consistent)
			assert.True(t, r.Computed.Equal(decimal.NewFromInt(300)), r.Computed.String())
			return
		default:
		}
		r, err := svc.Reconcile(ctx, w.ID)
		require.NoError(t, err)
		require.True(t, r.Consistent, "cached %s computed %s", r.Cached, r.Computed)
	}
}

func TestPostEntry_ConcurrentDebitsNeverOverdraw(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	w := fundedWallet(t, svc, "u1", "200")

	var ok, rejected atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.PostEntry(ctx, Posting{WalletID: w.ID, Type: EntryPayment, Amount: pkr("10")})
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, ErrInsufficientFunds):
				rejected.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(20), ok.Load())
	assert.Equal(t, int32(30), rejected.Load())

	r, err := svc.Reconcile(ctx, w.ID)
	require.NoError(t, err)
	assert.True(t, r.Consistent)
	assert.True(t, r.Cached.IsZero())
}

func TestAtomic_RollsBackOnError(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()
	w := fundedWallet(t, svc, "u1", "100")

	hookRan := false
	boom := errors.New("status write failed")
	err := store.Atomic(ctx, func(ctx context.Context, tx *MemoryTx) error {
		tx.OnCommit(func() { hookRan = true })
		if _, err := Post(ctx, tx, Posting{WalletID: w.ID, Type: EntryPayment, Amount: pkr("60")}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.False(t, hookRan)

	bal, _ := svc.GetBalance(ctx, w.ID)
	assert.True(t, bal.Equal(pkr("100")))
	entries, _ := store.ListEntries(ctx, w.ID, 0, 10)
	assert.Len(t, entries, 1)
}

func TestAtomic_CancelledBeforeCommit(t *testing.T) {
	svc, store := newTestService()
	w := fundedWallet(t, svc, "u1", "100")

	ctx, cancel := context.WithCancel(context.Background())
	err := store.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		if _, err := Post(ctx, tx, Posting{WalletID: w.ID, Type: EntryPayment, Amount: pkr("60")}); err != nil {
			return err
		}
		cancel()
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)

	bal, _ := svc.GetBalance(context.Background(), w.ID)
	assert.True(t, bal.Equal(pkr("100")))
}

func TestAtomic_SeesOwnStagedWrites(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()
	w := fundedWallet(t, svc, "u1", "100")

	err := store.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		if _, err := Post(ctx, tx, Posting{WalletID: w.ID, Type: EntryPayment, Amount: pkr("60")}); err != nil {
			return err
		}
		_, err := Post(ctx, tx, Posting{WalletID: w.ID, Type: EntryPayment, Amount: pkr("60")})
		return err
	})
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	bal, _ := svc.GetBalance(ctx, w.ID)
	assert.True(t, bal.Equal(pkr("100")))
}

func TestCreateWallet(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	w, err := svc.CreateWallet(ctx, "u1", "")
	require.NoError(t, err)
	assert.Equal(t, "PKR", w.Currency())
	assert.True(t, w.IsActive)
	assert.True(t, w.Balance.IsZero())

	_, err = svc.CreateWallet(ctx, "u1", "PKR")
	assert.ErrorIs(t, err, ErrWalletExists)

	_, err = svc.CreateWallet(ctx, "", "PKR")
	assert.ErrorIs(t, err, ErrUserRequired)

	_, err = svc.CreateWallet(ctx, "u2", "rupees")
	assert.ErrorIs(t, err, money.ErrInvalidCurrency)

	got, err := svc.GetWalletByUserID(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, w.ID, got.ID)
}

func TestEnsureWallet_Idempotent(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	var wg sync.WaitGroup
	ids := make([]string, 10)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			w, err := svc.EnsureWallet(ctx, "buyer")
			if err != nil {
				t.Errorf("ensure wallet: %v", err)
				return
			}
			ids[i] = w.ID
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
}

func TestAdjust(t *testing.T) {
	svc, _ := newTestService()
	w := fundedWallet(t, svc, "u1", "100")

	_, err := svc.Adjust(context.Background(), "u1", decimal.NewFromInt(10), true, "goodwill")
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = svc.Adjust(adminCtx(), "u1", decimal.NewFromInt(10), true, "  ")
	assert.ErrorIs(t, err, ErrReasonRequired)

	e, err := svc.Adjust(adminCtx(), "u1", decimal.NewFromInt(10), true, "goodwill")
	require.NoError(t, err)
	assert.Equal(t, EntryCredit, e.Type)
	assert.Equal(t, "adjustment:ops", e.RelatedID)

	e, err = svc.Adjust(adminCtx(), "u1", decimal.NewFromInt(30), false, "chargeback")
	require.NoError(t, err)
	assert.Equal(t, EntryDebit, e.Type)

	_, err = svc.Adjust(adminCtx(), "u1", decimal.NewFromInt(1000), false, "too much")
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	bal, _ := svc.GetBalance(context.Background(), w.ID)
	assert.True(t, bal.Equal(pkr("80")))
}

func TestHistory_NewestFirstPaged(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	w := fundedWallet(t, svc, "u1", "")

	for i := 1; i <= 5; i++ {
		_, err := svc.PostEntry(ctx, Posting{WalletID: w.ID, Type: EntryCredit, Amount: pkr("1"), RelatedID: string(rune('a' + i - 1))})
		require.NoError(t, err)
	}

	page, err := svc.History(ctx, w.ID, pagination.New(1, 2))
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	assert.Equal(t, "e", page.Items[0].RelatedID)
	assert.Equal(t, "d", page.Items[1].RelatedID)
	assert.True(t, page.HasMore)

	page, err = svc.History(ctx, w.ID, pagination.New(3, 2))
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "a", page.Items[0].RelatedID)
	assert.False(t, page.HasMore)

	_, err = svc.History(ctx, "missing", pagination.New(1, 2))
	assert.ErrorIs(t, err, ErrWalletNotFound)
}

func TestHistory_PageBeyondEnd(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()
	w := fundedWallet(t, svc, "u1", "10")

	page, err := svc.History(ctx, w.ID, pagination.New(math.MaxInt, 20))
	require.NoError(t, err)
	assert.Empty(t, page.Items)
	assert.False(t, page.HasMore)

	entries, err := store.ListEntries(ctx, w.ID, -40, 21)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestPostEntry_InactiveWalletSettlesFrozen(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	w := fundedWallet(t, svc, "u1", "100")
	_, err := svc.PostEntry(ctx, Posting{WalletID: w.ID, Type: EntryFreeze, Amount: pkr("60")})
	require.NoError(t, err)

	_, err = svc.SetActive(adminCtx(), w.ID, false)
	require.NoError(t, err)

	_, err = svc.PostEntry(ctx, Posting{WalletID: w.ID, Type: EntryUnfreeze, Amount: pkr("20")})
	require.NoError(t, err)
	_, err = svc.PostEntry(ctx, Posting{WalletID: w.ID, Type: EntryFrozenToDebit, Amount: pkr("40")})
	require.NoError(t, err)
	_, err = svc.PostEntry(ctx, Posting{WalletID: w.ID, Type: EntryPayment, Amount: pkr("10")})
	assert.ErrorIs(t, err, ErrWalletInactive)

	got, err := svc.GetWallet(ctx, w.ID)
	require.NoError(t, err)
	assert.True(t, got.Balance.Amount.Equal(decimal.NewFromInt(60)), got.Balance.String())
	assert.True(t, got.Frozen.IsZero())
}
