package gateway

import (
	"context"

	"github.com/yaqeenpay/ledger/internal/circuitbreaker"
)

// Guarded puts a circuit breaker, keyed by channel, in front of a gateway's
// outbound calls.
type Guarded struct {
	PaymentGateway
	breaker *circuitbreaker.Breaker
}

// WithBreaker wraps g. Several gateways may share one breaker.
func WithBreaker(g PaymentGateway, b *circuitbreaker.Breaker) *Guarded {
	return &Guarded{PaymentGateway: g, breaker: b}
}

func (g *Guarded) CreatePaymentRequest(ctx context.Context, req PaymentRequest) (*PaymentSession, error) {
	var sess *PaymentSession
	err := g.breaker.Execute(ctx, string(g.Channel()), func(ctx context.Context) error {
		var err error
		sess, err = g.PaymentGateway.CreatePaymentRequest(ctx, req)
		return err
	})
	return sess, err
}

func (g *Guarded) PaymentStatus(ctx context.Context, gatewayReference string) (PaymentStatus, error) {
	var status PaymentStatus
	err := g.breaker.Execute(ctx, string(g.Channel()), func(ctx context.Context) error {
		var err error
		status, err = g.PaymentGateway.PaymentStatus(ctx, gatewayReference)
		return err
	})
	return status, err
}

var _ PaymentGateway = (*Guarded)(nil)
