package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yaqeenpay/ledger/internal/circuitbreaker"
	"github.com/yaqeenpay/ledger/internal/money"
)

func TestParseChannel(t *testing.T) {
	c, err := ParseChannel("jazzcash")
	require.NoError(t, err)
	assert.True(t, c.Online())
	assert.True(t, c.Payout())

	c, err = ParseChannel("manual_adjustment")
	require.NoError(t, err)
	assert.False(t, c.Online())
	assert.False(t, c.Payout())

	_, err = ParseChannel("paypal")
	assert.ErrorIs(t, err, ErrUnsupportedChannel)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(NewSandbox(JazzCash, "http://sandbox", time.Minute))

	g, err := r.Get(JazzCash)
	require.NoError(t, err)
	assert.Equal(t, JazzCash, g.Channel())

	_, err = r.Get(Easypaisa)
	assert.ErrorIs(t, err, ErrUnsupportedChannel)
}

func TestSandbox_Lifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewSandbox(Easypaisa, "http://sandbox/", time.Minute)

	sess, err := s.CreatePaymentRequest(ctx, PaymentRequest{
		TopUpID: "t1",
		UserID:  "u1",
		Amount:  money.MustNew("500", "PKR"),
	})
	require.NoError(t, err)
	assert.Contains(t, sess.RedirectURL, "http://sandbox/easypaisa/pay/")

	st, err := s.PaymentStatus(ctx, sess.GatewayReference)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, st)

	cb, err := s.Settle(sess.GatewayReference, true)
	require.NoError(t, err)
	assert.Equal(t, "t1", cb.TopUpID)
	assert.Equal(t, StatusPaid, cb.Status)
	assert.NotEmpty(t, cb.TransactionID)

	st, err = s.PaymentStatus(ctx, sess.GatewayReference)
	require.NoError(t, err)
	assert.Equal(t, StatusPaid, st)
}

func TestSandbox_Expiry(t *testing.T) {
	ctx := context.Background()
	s := NewSandbox(JazzCash, "http://sandbox", time.Minute)
	now := time.Now()
	s.now = func() time.Time { return now }

	sess, err := s.CreatePaymentRequest(ctx, PaymentRequest{TopUpID: "t1"})
	require.NoError(t, err)

	s.now = func() time.Time { return now.Add(2 * time.Minute) }
	st, err := s.PaymentStatus(ctx, sess.GatewayReference)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, st)
}

func TestSandbox_FailNext(t *testing.T) {
	s := NewSandbox(JazzCash, "http://sandbox", time.Minute)
	boom := errors.New("gateway unavailable")
	s.FailNext(boom)

	_, err := s.CreatePaymentRequest(context.Background(), PaymentRequest{TopUpID: "t1"})
	assert.ErrorIs(t, err, boom)

	_, err = s.CreatePaymentRequest(context.Background(), PaymentRequest{TopUpID: "t2"})
	assert.NoError(t, err)
}

func TestParseCallback(t *testing.T) {
	body, _ := json.Marshal(Callback{
		TopUpID:          "t1",
		GatewayReference: "jazzcash_abc",
		TransactionID:    "TXN1",
		Status:           StatusPaid,
	})
	sig := Sign(body, "secret")

	cb, err := ParseCallback(body, sig, "secret")
	require.NoError(t, err)
	assert.Equal(t, "TXN1", cb.TransactionID)

	_, err = ParseCallback(body, sig, "other-secret")
	assert.ErrorIs(t, err, ErrInvalidSignature)

	_, err = ParseCallback(body, "zz-not-hex", "secret")
	assert.ErrorIs(t, err, ErrInvalidSignature)

	_, err = ParseCallback([]byte(`{"topup_id":"t1","status":"paid"}`), "", "")
	assert.ErrorIs(t, err, ErrInvalidCallback)

	_, err = ParseCallback([]byte(`{"topup_id":"t1","status":"weird"}`), "", "")
	assert.ErrorIs(t, err, ErrInvalidCallback)
}

func TestGuarded_OpensAfterRepeatedFailures(t *testing.T) {
	ctx := context.Background()
	s := NewSandbox(JazzCash, "http://sandbox", time.Minute)
	g := WithBreaker(s, circuitbreaker.New(2, time.Hour))
	boom := errors.New("gateway unavailable")

	for i := 0; i < 2; i++ {
		s.FailNext(boom)
		_, err := g.CreatePaymentRequest(ctx, PaymentRequest{TopUpID: "t1"})
		assert.ErrorIs(t, err, boom)
	}

	_, err := g.CreatePaymentRequest(ctx, PaymentRequest{TopUpID: "t2"})
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.Equal(t, JazzCash, g.Channel())

	other := WithBreaker(NewSandbox(Easypaisa, "http://sandbox", time.Minute), circuitbreaker.New(2, time.Hour))
	_, err = other.CreatePaymentRequest(ctx, PaymentRequest{TopUpID: "t3"})
	assert.NoError(t, err)
}
