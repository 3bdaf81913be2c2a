package gateway

import (
	"context"
	"fmt"
	"sync"

	"github.com/mbd888/escrowd/internal/idgen"
)

// Sandbox is an in-process gateway for development and tests. It settles
// every charge immediately unless told otherwise and remembers each
// idempotency key so repeated calls return the first result.
type Sandbox struct {
	mu      sync.Mutex
	results map[string]string
	failN   map[string]int
	failErr map[string]error
	pending bool

	Charges []ChargeRequest
	Payouts []PayoutRequest
}

// NewSandbox creates a sandbox gateway.
func NewSandbox() *Sandbox {
	return &Sandbox{
		results: make(map[string]string),
		failN:   make(map[string]int),
		failErr: make(map[string]error),
	}
}

// FailNext makes the next n calls of op ("charge" or "payout") return err.
func (s *Sandbox) FailNext(op string, n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failN[op] = n
	s.failErr[op] = err
}

// SettleAsync makes charges return unsettled, as PIX or boleto would.
func (s *Sandbox) SettleAsync(async bool) {
	s.mu.Lock()
	s.pending = async
	s.mu.Unlock()
}

func (s *Sandbox) injected(op string) error {
	if s.failN[op] > 0 {
		s.failN[op]--
		return s.failErr[op]
	}
	return nil
}

// Charge implements Gateway.
func (s *Sandbox) Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.injected("charge"); err != nil {
		return nil, err
	}
	if req.Amount <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrDeclined)
	}
	key := "charge:" + req.IdempotencyKey
	ref, ok := s.results[key]
	if !ok {
		ref = idgen.WithPrefix("sbx_ch_")
		s.results[key] = ref
		s.Charges = append(s.Charges, req)
	}
	return &ChargeResult{Ref: ref, Settled: !s.pending}, nil
}

// Payout implements Gateway.
func (s *Sandbox) Payout(ctx context.Context, req PayoutRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.injected("payout"); err != nil {
		return "", err
	}
	key := "payout:" + req.IdempotencyKey
	ref, ok := s.results[key]
	if !ok {
		ref = idgen.WithPrefix("sbx_po_")
		s.results[key] = ref
		s.Payouts = append(s.Payouts, req)
	}
	return ref, nil
}

// PayoutCount returns how many distinct payouts were made.
func (s *Sandbox) PayoutCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Payouts)
}

// ChargeCount returns how many distinct charges were made.
func (s *Sandbox) ChargeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Charges)
}
