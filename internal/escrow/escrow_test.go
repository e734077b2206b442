package escrow

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yaqeenpay/ledger/internal/auth"
	"github.com/yaqeenpay/ledger/internal/ledger"
	"github.com/yaqeenpay/ledger/internal/money"
	"github.com/yaqeenpay/ledger/internal/pagination"
)

const (
	buyerID  = "buyer-1"
	sellerID = "seller-1"
)

type fixture struct {
	wallets *ledger.Service
	svc     *Service
}

func newFixture() *fixture {
	users := auth.NewContextUser(auth.RoleAdmin)
	ls := ledger.NewMemoryStore()
	return &fixture{
		wallets: ledger.NewService(ls, users, "PKR"),
		svc:     NewService(NewMemoryStore(ls), users, "PKR"),
	}
}

func as(userID string, roles ...string) context.Context {
	return auth.WithPrincipal(context.Background(), auth.Principal{UserID: userID, Roles: roles})
}

func adminCtx() context.Context { return as("ops", auth.RoleAdmin) }

func (f *fixture) topUp(t *testing.T, userID, amount string) {
	t.Helper()
	w, err := f.wallets.EnsureWallet(context.Background(), userID)
	require.NoError(t, err)
	_, err = f.wallets.PostEntry(context.Background(), ledger.Posting{
		WalletID: w.ID, Type: ledger.EntryTopUp, Amount: money.MustNew(amount, "PKR"),
	})
	require.NoError(t, err)
}

func (f *fixture) balance(t *testing.T, userID string) decimal.Decimal {
	t.Helper()
	w, err := f.wallets.GetWalletByUserID(context.Background(), userID)
	if err != nil {
		return decimal.Zero
	}
	return w.Balance.Amount
}

func (f *fixture) assertBalance(t *testing.T, userID, want string) {
	t.Helper()
	got := f.balance(t, userID)
	assert.True(t, got.Equal(decimal.RequireFromString(want)), "%s balance: got %s want %s", userID, got, want)
}

func (f *fixture) create(t *testing.T, orderID, amount string) *Escrow {
	t.Helper()
	e, err := f.svc.Create(as(buyerID), CreateRequest{
		OrderID:  orderID,
		BuyerID:  buyerID,
		SellerID: sellerID,
		Amount:   decimal.RequireFromString(amount),
	})
	require.NoError(t, err)
	return e
}

func (f *fixture) funded(t *testing.T, orderID, amount string) *Escrow {
	t.Helper()
	e := f.create(t, orderID, amount)
	e, err := f.svc.Fund(as(buyerID), e.ID)
	require.NoError(t, err)
	return e
}

func TestTransition(t *testing.T) {
	statuses := []Status{StatusCreated, StatusFunded, StatusReleased, StatusDisputed, StatusRefunded, StatusCompleted, StatusCancelled}
	allowed := map[Action]map[Status]Status{
		ActionFund:     {StatusCreated: StatusFunded},
		ActionRelease:  {StatusFunded: StatusReleased},
		ActionDispute:  {StatusFunded: StatusDisputed, StatusReleased: StatusDisputed},
		ActionRefund:   {StatusDisputed: StatusRefunded},
		ActionComplete: {StatusReleased: StatusCompleted},
		ActionCancel:   {StatusCreated: StatusCancelled, StatusRefunded: StatusCancelled},
	}

	for action, valid := range allowed {
		for _, from := range statuses {
			got, err := transition(from, action)
			if want, ok := valid[from]; ok {
				assert.NoError(t, err, "%s from %s", action, from)
				assert.Equal(t, want, got, "%s from %s", action, from)
			} else {
				assert.ErrorIs(t, err, ErrInvalidTransition, "%s from %s", action, from)
			}
		}
	}

	_, err := transition(StatusCreated, "explode")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestEscrow_FundReleaseComplete(t *testing.T) {
	f := newFixture()
	f.topUp(t, buyerID, "1000")

	e := f.create(t, "order-1", "400")
	assert.Equal(t, StatusCreated, e.Status)
	f.assertBalance(t, buyerID, "1000")

	e, err := f.svc.Fund(as(buyerID), e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFunded, e.Status)
	assert.NotNil(t, e.FundedAt)
	f.assertBalance(t, buyerID, "600")

	e, err = f.svc.Release(as(buyerID), e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusReleased, e.Status)
	f.assertBalance(t, buyerID, "600")
	f.assertBalance(t, sellerID, "400")

	e, err = f.svc.Complete(as(sellerID), e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, e.Status)
	assert.NotNil(t, e.ResolvedAt)

	// Money is conserved: nothing created or destroyed by the escrow.
	total := f.balance(t, buyerID).Add(f.balance(t, sellerID))
	assert.True(t, total.Equal(decimal.NewFromInt(1000)))
}

func TestEscrow_FundInsufficientFundsChangesNothing(t *testing.T) {
	f := newFixture()
	f.topUp(t, buyerID, "100")
	e := f.create(t, "order-1", "400")

	_, err := f.svc.Fund(as(buyerID), e.ID)
	assert.ErrorIs(t, err, ledger.ErrInsufficientFunds)

	got, err := f.svc.Get(as(buyerID), e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCreated, got.Status)
	assert.Nil(t, got.FundedAt)
	f.assertBalance(t, buyerID, "100")
}

func TestEscrow_FundBySystem(t *testing.T) {
	f := newFixture()
	f.topUp(t, buyerID, "50")
	e := f.create(t, "order-1", "50")

	e, err := f.svc.Fund(auth.AsSystem(context.Background()), e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFunded, e.Status)
	f.assertBalance(t, buyerID, "0")
}

func TestEscrow_ReleaseOnlyByBuyer(t *testing.T) {
	f := newFixture()
	f.topUp(t, buyerID, "500")
	e := f.funded(t, "order-1", "200")

	for _, ctx := range []context.Context{as(sellerID), adminCtx(), as("stranger"), context.Background()} {
		_, err := f.svc.Release(ctx, e.ID)
		assert.ErrorIs(t, err, ErrForbidden)
	}
	f.assertBalance(t, sellerID, "0")
}

func TestEscrow_DoubleReleaseRejected(t *testing.T) {
	f := newFixture()
	f.topUp(t, buyerID, "500")
	e := f.funded(t, "order-1", "200")

	_, err := f.svc.Release(as(buyerID), e.ID)
	require.NoError(t, err)
	_, err = f.svc.Release(as(buyerID), e.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	f.assertBalance(t, sellerID, "200")
}

func TestEscrow_ConcurrentReleaseCreditsOnce(t *testing.T) {
	f := newFixture()
	f.topUp(t, buyerID, "500")
	e := f.funded(t, "order-1", "200")

	var wg sync.WaitGroup
	var ok, rejected atomic.Int32
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.svc.Release(as(buyerID), e.ID); err != nil {
				rejected.Add(1)
				return
			}
			ok.Add(1)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), ok.Load())
	assert.Equal(t, int32(19), rejected.Load())
	f.assertBalance(t, sellerID, "200")
}

func TestEscrow_DisputeAndRefundFromFunded(t *testing.T) {
	f := newFixture()
	f.topUp(t, buyerID, "1000")
	e := f.funded(t, "order-1", "300")

	e, err := f.svc.Dispute(as(buyerID), e.ID, "item never arrived")
	require.NoError(t, err)
	assert.Equal(t, StatusDisputed, e.Status)
	assert.Equal(t, StatusFunded, e.DisputedFrom)
	assert.Equal(t, "item never arrived", e.DisputeReason)

	_, err = f.svc.Refund(as(buyerID), e.ID)
	assert.ErrorIs(t, err, ErrForbidden)

	e, err = f.svc.Refund(adminCtx(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRefunded, e.Status)
	assert.NotNil(t, e.RefundedAt)
	f.assertBalance(t, buyerID, "1000")
	f.assertBalance(t, sellerID, "0")

	e, err = f.svc.Cancel(as(buyerID), e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, e.Status)
}

func TestEscrow_RefundAfterReleaseClawsBack(t *testing.T) {
	f := newFixture()
	f.topUp(t, buyerID, "1000")
	e := f.funded(t, "order-1", "400")
	_, err := f.svc.Release(as(buyerID), e.ID)
	require.NoError(t, err)

	e, err = f.svc.Dispute(as(sellerID), e.ID, "buyer claims damage")
	require.NoError(t, err)
	assert.Equal(t, StatusReleased, e.DisputedFrom)

	_, err = f.svc.Refund(adminCtx(), e.ID)
	require.NoError(t, err)
	f.assertBalance(t, buyerID, "1000")
	f.assertBalance(t, sellerID, "0")
}

func TestEscrow_RefundAfterReleaseFailsWhenSellerSpent(t *testing.T) {
	f := newFixture()
	f.topUp(t, buyerID, "1000")
	e := f.funded(t, "order-1", "400")
	_, err := f.svc.Release(as(buyerID), e.ID)
	require.NoError(t, err)

	seller, err := f.wallets.GetWalletByUserID(context.Background(), sellerID)
	require.NoError(t, err)
	_, err = f.wallets.PostEntry(context.Background(), ledger.Posting{
		WalletID: seller.ID, Type: ledger.EntryDebit, Amount: money.MustNew("300", "PKR"),
	})
	require.NoError(t, err)

	_, err = f.svc.Dispute(as(buyerID), e.ID, "late delivery")
	require.NoError(t, err)

	_, err = f.svc.Refund(adminCtx(), e.ID)
	assert.ErrorIs(t, err, ledger.ErrInsufficientFunds)

	got, err := f.svc.Get(adminCtx(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDisputed, got.Status)
	f.assertBalance(t, buyerID, "600")
	f.assertBalance(t, sellerID, "100")
}

func TestEscrow_DisputeRules(t *testing.T) {
	f := newFixture()
	f.topUp(t, buyerID, "100")
	e := f.create(t, "order-1", "100")

	_, err := f.svc.Dispute(as(buyerID), e.ID, "too early")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = f.svc.Fund(as(buyerID), e.ID)
	require.NoError(t, err)

	_, err = f.svc.Dispute(as(buyerID), e.ID, "   ")
	assert.ErrorIs(t, err, ErrReasonRequired)

	_, err = f.svc.Dispute(as("stranger"), e.ID, "not mine")
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestEscrow_InvalidTransitionHasNoBalanceEffect(t *testing.T) {
	f := newFixture()
	f.topUp(t, buyerID, "500")
	e := f.funded(t, "order-1", "200")

	_, err := f.svc.Complete(as(buyerID), e.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = f.svc.Cancel(as(buyerID), e.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = f.svc.Fund(as(buyerID), e.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	f.assertBalance(t, buyerID, "300")
	f.assertBalance(t, sellerID, "0")
}

func TestEscrow_CancelUnfunded(t *testing.T) {
	f := newFixture()
	e := f.create(t, "order-1", "10")

	_, err := f.svc.Cancel(as(sellerID), e.ID)
	assert.ErrorIs(t, err, ErrForbidden)

	e, err = f.svc.Cancel(adminCtx(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, e.Status)
	assert.True(t, e.Status.IsTerminal())
}

func TestCreate_Validation(t *testing.T) {
	f := newFixture()
	amt := decimal.NewFromInt(10)

	tests := []struct {
		name string
		ctx  context.Context
		req  CreateRequest
		want error
	}{
		{"missing order", as(buyerID), CreateRequest{BuyerID: buyerID, SellerID: sellerID, Amount: amt}, ErrOrderRequired},
		{"same parties", as(buyerID), CreateRequest{OrderID: "o", BuyerID: buyerID, SellerID: buyerID, Amount: amt}, ErrInvalidParties},
		{"zero amount", as(buyerID), CreateRequest{OrderID: "o", BuyerID: buyerID, SellerID: sellerID}, money.ErrInvalidAmount},
		{"too precise", as(buyerID), CreateRequest{OrderID: "o", BuyerID: buyerID, SellerID: sellerID, Amount: decimal.RequireFromString("1.005")}, money.ErrTooPrecise},
		{"bad currency", as(buyerID), CreateRequest{OrderID: "o", BuyerID: buyerID, SellerID: sellerID, Amount: amt, Currency: "RUPEES"}, money.ErrInvalidCurrency},
		{"not the buyer", as(sellerID), CreateRequest{OrderID: "o", BuyerID: buyerID, SellerID: sellerID, Amount: amt}, ErrForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Create(tt.ctx, tt.req)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	e, err := f.svc.Create(auth.AsSystem(context.Background()), CreateRequest{OrderID: "o", BuyerID: buyerID, SellerID: sellerID, Amount: amt})
	require.NoError(t, err)
	assert.Equal(t, "PKR", e.Amount.Currency)
}

func TestCreate_DuplicateOrder(t *testing.T) {
	f := newFixture()
	f.create(t, "order-1", "10")

	_, err := f.svc.Create(as(buyerID), CreateRequest{
		OrderID: "order-1", BuyerID: buyerID, SellerID: sellerID, Amount: decimal.NewFromInt(10),
	})
	assert.ErrorIs(t, err, ErrEscrowExists)
}

func TestGet_Visibility(t *testing.T) {
	f := newFixture()
	e := f.create(t, "order-1", "10")

	for _, ctx := range []context.Context{as(buyerID), as(sellerID), adminCtx()} {
		got, err := f.svc.Get(ctx, e.ID)
		require.NoError(t, err)
		assert.Equal(t, e.ID, got.ID)
	}

	_, err := f.svc.Get(as("stranger"), e.ID)
	assert.ErrorIs(t, err, ErrEscrowNotFound)

	got, err := f.svc.GetByOrder(as(sellerID), "order-1")
	require.NoError(t, err)
	assert.Equal(t, e.ID, got.ID)

	_, err = f.svc.GetByOrder(as(sellerID), "order-2")
	assert.ErrorIs(t, err, ErrEscrowNotFound)
}

func TestListByUser(t *testing.T) {
	f := newFixture()
	for i := 0; i < 5; i++ {
		f.create(t, fmt.Sprintf("order-%d", i), "10")
	}

	page, err := f.svc.ListByUser(as(sellerID), sellerID, pagination.New(1, 3))
	require.NoError(t, err)
	assert.Len(t, page.Items, 3)
	assert.True(t, page.HasMore)

	page, err = f.svc.ListByUser(as(sellerID), sellerID, pagination.New(2, 3))
	require.NoError(t, err)
	assert.Len(t, page.Items, 2)
	assert.False(t, page.HasMore)

	_, err = f.svc.ListByUser(as("stranger"), sellerID, pagination.New(1, 3))
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestMemoryStore_NegativeOffset(t *testing.T) {
	store := NewMemoryStore(ledger.NewMemoryStore())
	got, err := store.ListByUser(context.Background(), "buyer", -40, 21)
	require.NoError(t, err)
	assert.Empty(t, got)
}
