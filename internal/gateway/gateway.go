// Package gateway abstracts the payment providers that collect top-ups and
// pay out withdrawals (JazzCash, Easypaisa, bank transfer).
package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/yaqeenpay/ledger/internal/fault"
	"github.com/yaqeenpay/ledger/internal/money"
)

// Channel is a payment channel.
type Channel string

const (
	JazzCash         Channel = "jazzcash"
	Easypaisa        Channel = "easypaisa"
	BankTransfer     Channel = "bank_transfer"
	ManualAdjustment Channel = "manual_adjustment"
)

var (
	ErrUnsupportedChannel = fault.New(fault.Invalid, "unsupported payment channel")
	ErrSessionNotFound    = fault.New(fault.NotFound, "payment session not found")
	ErrInvalidSignature   = fault.New(fault.Unauthenticated, "invalid callback signature")
	ErrInvalidCallback    = fault.New(fault.Invalid, "malformed callback")
)

// ParseChannel validates a channel name.
func ParseChannel(s string) (Channel, error) {
	switch c := Channel(s); c {
	case JazzCash, Easypaisa, BankTransfer, ManualAdjustment:
		return c, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedChannel, s)
}

// Online reports whether the channel collects through a hosted payment page
// and confirms by callback. Offline channels need an admin review.
func (c Channel) Online() bool {
	return c == JazzCash || c == Easypaisa
}

// Payout reports whether withdrawals can be sent through the channel.
func (c Channel) Payout() bool {
	return c == JazzCash || c == Easypaisa || c == BankTransfer
}

// PaymentStatus is the provider-side state of a payment session.
type PaymentStatus string

const (
	StatusPending PaymentStatus = "pending"
	StatusPaid    PaymentStatus = "paid"
	StatusFailed  PaymentStatus = "failed"
	StatusExpired PaymentStatus = "expired"
)

// PaymentRequest asks a provider to open a payment session.
type PaymentRequest struct {
	TopUpID string
	UserID  string
	Amount  money.Money
}

// PaymentSession is what the payer is sent to.
type PaymentSession struct {
	GatewayReference string
	RedirectURL      string
	ExpiresAt        time.Time
}

// PaymentGateway is one provider integration.
type PaymentGateway interface {
	Channel() Channel
	CreatePaymentRequest(ctx context.Context, req PaymentRequest) (*PaymentSession, error)
	PaymentStatus(ctx context.Context, gatewayReference string) (PaymentStatus, error)
}

// Registry maps channels to their gateway.
type Registry struct {
	mu       sync.RWMutex
	gateways map[Channel]PaymentGateway
}

// NewRegistry registers the given gateways.
func NewRegistry(gateways ...PaymentGateway) *Registry {
	r := &Registry{gateways: make(map[Channel]PaymentGateway)}
	for _, g := range gateways {
		r.Register(g)
	}
	return r
}

// Register adds or replaces the gateway for g.Channel().
func (r *Registry) Register(g PaymentGateway) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gateways[g.Channel()] = g
}

// Get returns the gateway for channel.
func (r *Registry) Get(channel Channel) (PaymentGateway, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.gateways[channel]
	if !ok {
		return nil, fmt.Errorf("%w: no gateway for %s", ErrUnsupportedChannel, channel)
	}
	return g, nil
}
