//go:build integration

package escrow

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yaqeenpay/ledger/internal/auth"
	"github.com/yaqeenpay/ledger/internal/ledger"
	"github.com/yaqeenpay/ledger/internal/testutil"
)

func newPGFixture(t *testing.T) *fixture {
	t.Helper()
	db, cleanup := testutil.PGTest(t)
	t.Cleanup(cleanup)

	users := auth.NewContextUser(auth.RoleAdmin)
	return &fixture{
		wallets: ledger.NewService(ledger.NewPostgresStore(db), users, "PKR"),
		svc:     NewService(NewPostgresStore(db), users, "PKR"),
	}
}

func TestPostgres_FundReleaseComplete(t *testing.T) {
	f := newPGFixture(t)
	f.topUp(t, buyerID, "3000")
	e := f.funded(t, "ORD-1", "1200")
	f.assertBalance(t, buyerID, "1800")

	e, err := f.svc.Release(as(buyerID), e.ID)
	require.NoError(t, err)
	f.assertBalance(t, sellerID, "1200")

	e, err = f.svc.Complete(as(buyerID), e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, e.Status)

	got, err := f.svc.GetByOrder(as(sellerID), "ORD-1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.NotNil(t, got.ReleasedAt)
	assert.NotNil(t, got.ResolvedAt)
}

func TestPostgres_OneEscrowPerOrder(t *testing.T) {
	f := newPGFixture(t)
	f.create(t, "ORD-2", "100")

	_, err := f.svc.Create(as(buyerID), CreateRequest{
		OrderID: "ORD-2", BuyerID: buyerID, SellerID: sellerID, Amount: decimal.NewFromInt(100),
	})
	assert.ErrorIs(t, err, ErrEscrowExists)
}

func TestPostgres_FundWithoutBalanceRollsBack(t *testing.T) {
	f := newPGFixture(t)
	f.topUp(t, buyerID, "50")
	e := f.create(t, "ORD-3", "100")

	_, err := f.svc.Fund(as(buyerID), e.ID)
	require.ErrorIs(t, err, ledger.ErrInsufficientFunds)

	got, err := f.svc.Get(as(buyerID), e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCreated, got.Status)
	f.assertBalance(t, buyerID, "50")
}
