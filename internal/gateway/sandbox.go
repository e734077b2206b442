package gateway

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/yaqeenpay/ledger/internal/idgen"
)

// Sandbox is an in-process gateway used in development and tests. Sessions
// stay pending until Settle is called or they pass their TTL.
type Sandbox struct {
	channel Channel
	baseURL string
	ttl     time.Duration
	now     func() time.Time

	mu       sync.Mutex
	sessions map[string]*sandboxSession
	failNext error
}

type sandboxSession struct {
	req       PaymentRequest
	status    PaymentStatus
	expiresAt time.Time
}

// NewSandbox creates a sandbox gateway for channel.
func NewSandbox(channel Channel, baseURL string, ttl time.Duration) *Sandbox {
	return &Sandbox{
		channel:  channel,
		baseURL:  strings.TrimRight(baseURL, "/"),
		ttl:      ttl,
		now:      time.Now,
		sessions: make(map[string]*sandboxSession),
	}
}

func (s *Sandbox) Channel() Channel { return s.channel }

// FailNext makes the next CreatePaymentRequest return err.
func (s *Sandbox) FailNext(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = err
}

func (s *Sandbox) CreatePaymentRequest(ctx context.Context, req PaymentRequest) (*PaymentSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.failNext; err != nil {
		s.failNext = nil
		return nil, err
	}

	ref := idgen.WithPrefix(string(s.channel) + "_")
	expires := s.now().Add(s.ttl)
	s.sessions[ref] = &sandboxSession{req: req, status: StatusPending, expiresAt: expires}

	return &PaymentSession{
		GatewayReference: ref,
		RedirectURL:      fmt.Sprintf("%s/%s/pay/%s", s.baseURL, s.channel, ref),
		ExpiresAt:        expires,
	}, nil
}

func (s *Sandbox) PaymentStatus(ctx context.Context, gatewayReference string) (PaymentStatus, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[gatewayReference]
	if !ok {
		return "", ErrSessionNotFound
	}
	if sess.status == StatusPending && s.now().After(sess.expiresAt) {
		sess.status = StatusExpired
	}
	return sess.status, nil
}

// Settle resolves a pending session as paid or failed and returns the
// callback the provider would send.
func (s *Sandbox) Settle(gatewayReference string, paid bool) (Callback, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[gatewayReference]
	if !ok {
		return Callback{}, ErrSessionNotFound
	}
	cb := Callback{
		TopUpID:          sess.req.TopUpID,
		GatewayReference: gatewayReference,
	}
	if paid {
		sess.status = StatusPaid
		cb.Status = StatusPaid
		cb.TransactionID = "TXN" + idgen.WithPrefix("")[:12]
	} else {
		sess.status = StatusFailed
		cb.Status = StatusFailed
		cb.Reason = "payer declined"
	}
	return cb, nil
}
