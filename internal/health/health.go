// Package health aggregates subsystem checks for the /health endpoint: the
// database, the notification brokers, the payment gateway breaker, and the
// sweeps and dispatcher that move deadlines and money.
package health

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultTimeout bounds each check so one hung dependency cannot stall the
// endpoint.
const DefaultTimeout = 2 * time.Second

// Checker checks one subsystem. A nil error means healthy.
type Checker func(ctx context.Context) error

// Status is the outcome of one check.
type Status struct {
	Name      string `json:"name"`
	Healthy   bool   `json:"healthy"`
	Critical  bool   `json:"critical"`
	Detail    string `json:"detail,omitempty"`
	LatencyMS int64  `json:"latencyMs"`
}

// Report aggregates a CheckAll run. Healthy is false only when a critical
// check fails; Degraded is set when an optional one does.
type Report struct {
	Healthy  bool
	Degraded bool
	Checks   []Status
}

// Option configures a registered check.
type Option func(*check)

// Optional marks a check whose failure degrades the service without making
// it unhealthy, e.g. a notification broker or a tripped gateway breaker.
func Optional() Option { return func(c *check) { c.critical = false } }

// Timeout overrides DefaultTimeout for one check.
func Timeout(d time.Duration) Option { return func(c *check) { c.timeout = d } }

type check struct {
	name     string
	fn       Checker
	critical bool
	timeout  time.Duration
}

// Registry holds named checks and runs them concurrently on demand.
type Registry struct {
	mu     sync.RWMutex
	checks []check
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a check. Checks are critical unless Optional is given.
func (r *Registry) Register(name string, fn Checker, opts ...Option) {
	c := check{name: name, fn: fn, critical: true, timeout: DefaultTimeout}
	for _, o := range opts {
		o(&c)
	}
	r.mu.Lock()
	r.checks = append(r.checks, c)
	r.mu.Unlock()
}

// CheckAll runs every check in parallel. Results keep registration order.
func (r *Registry) CheckAll(ctx context.Context) Report {
	r.mu.RLock()
	checks := append([]check(nil), r.checks...)
	r.mu.RUnlock()

	statuses := make([]Status, len(checks))
	var g errgroup.Group
	for i, c := range checks {
		g.Go(func() error {
			statuses[i] = run(ctx, c)
			return nil
		})
	}
	_ = g.Wait()

	rep := Report{Healthy: true, Checks: statuses}
	for _, s := range statuses {
		switch {
		case s.Healthy:
		case s.Critical:
			rep.Healthy = false
		default:
			rep.Degraded = true
		}
	}
	return rep
}

func run(ctx context.Context, c check) Status {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	done := make(chan error, 1)
	go func() { done <- c.fn(ctx) }()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = ctx.Err()
		if errors.Is(err, context.DeadlineExceeded) {
			err = errors.New("timed out")
		}
	}

	s := Status{Name: c.name, Healthy: err == nil, Critical: c.critical, LatencyMS: time.Since(start).Milliseconds()}
	if err != nil {
		s.Detail = err.Error()
	}
	return s
}

// ErrNotRunning is reported by Worker for a stopped loop.
var ErrNotRunning = errors.New("not running")

// Worker builds a check for a background loop that reports whether it is
// running.
func Worker(running func() bool) Checker {
	return func(context.Context) error {
		if !running() {
			return ErrNotRunning
		}
		return nil
	}
}
