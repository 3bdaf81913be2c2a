// Package circuitbreaker guards calls to external collaborators with a
// per-operation closed/open/half-open breaker, so a failing payment
// gateway is not hammered by every request and every sweep.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"github.com/mbd888/escrowd/internal/clock"
	"github.com/prometheus/client_golang/prometheus"
)

// ErrOpen is returned by Execute while the circuit for a key is open.
var ErrOpen = errors.New("circuit breaker open")

// State is a circuit state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

var stateNames = [...]string{"closed", "open", "half_open"}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// MarshalText renders the state name in JSON health and admin output.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

var (
	transitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowd",
		Subsystem: "circuitbreaker",
		Name:      "state_transitions_total",
		Help:      "Circuit breaker state transitions by operation and target state.",
	}, []string{"key", "to_state"})
	rejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowd",
		Subsystem: "circuitbreaker",
		Name:      "rejected_total",
		Help:      "Calls short-circuited by an open breaker.",
	}, []string{"key"})
)

func init() {
	prometheus.MustRegister(transitions, rejected)
}

type circuit struct {
	state    State
	failures int
	// openedAt is when the circuit last opened; trialAt when the current
	// half-open trial call was admitted.
	openedAt time.Time
	trialAt  time.Time
}

// Breaker keeps one circuit per key (e.g. "charge", "payout"). A circuit
// opens after threshold consecutive countable failures. After cooldown it
// admits a single trial call whose outcome closes or reopens it. A trial call that
// never reports back is abandoned after another cooldown.
type Breaker struct {
	mu        sync.Mutex
	circuits  map[string]*circuit
	threshold int
	cooldown  time.Duration
	clock     clock.Clock
	onChange  func(key string, from, to State)
}

// New creates a breaker. Non-positive arguments fall back to 5 failures
// and a 30s cooldown.
func New(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{
		circuits:  make(map[string]*circuit),
		threshold: threshold,
		cooldown:  cooldown,
		clock:     clock.System(),
	}
}

// WithClock replaces the time source.
func (b *Breaker) WithClock(c clock.Clock) *Breaker {
	b.mu.Lock()
	b.clock = c
	b.mu.Unlock()
	return b
}

// OnStateChange registers fn to be called after each transition. fn runs
// with the breaker's lock released.
func (b *Breaker) OnStateChange(fn func(key string, from, to State)) *Breaker {
	b.mu.Lock()
	b.onChange = fn
	b.mu.Unlock()
	return b
}

// Execute runs fn if the circuit for key admits it and records the
// outcome. Errors for which countable returns false (a card decline) are
// the collaborator working correctly and count as success.
func (b *Breaker) Execute(key string, fn func() error, countable func(error) bool) error {
	if !b.Allow(key) {
		rejected.WithLabelValues(key).Inc()
		return ErrOpen
	}
	err := fn()
	if err != nil && (countable == nil || countable(err)) {
		b.RecordFailure(key)
	} else {
		b.RecordSuccess(key)
	}
	return err
}

// Allow reports whether a call for key may proceed. In half-open it admits
// exactly one trial call.
func (b *Breaker) Allow(key string) bool {
	var fire func()
	defer func() {
		if fire != nil {
			fire()
		}
	}()

	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok || c.state == StateClosed {
		return true
	}
	now := b.clock.Now()
	switch c.state {
	case StateOpen:
		if now.Sub(c.openedAt) < b.cooldown {
			return false
		}
		fire = b.setLocked(key, c, StateHalfOpen)
		c.trialAt = now
		return true
	default:
		if now.Sub(c.trialAt) >= b.cooldown {
			c.trialAt = now
			return true
		}
		return false
	}
}

// RecordSuccess closes the circuit for key and clears its failures.
func (b *Breaker) RecordSuccess(key string) {
	b.mu.Lock()
	c, ok := b.circuits[key]
	if !ok {
		b.mu.Unlock()
		return
	}
	c.failures = 0
	fire := b.setLocked(key, c, StateClosed)
	b.mu.Unlock()
	if fire != nil {
		fire()
	}
}

// RecordFailure counts a failure for key, opening the circuit at the
// threshold or immediately when a trial call fails.
func (b *Breaker) RecordFailure(key string) {
	b.mu.Lock()
	c, ok := b.circuits[key]
	if !ok {
		c = &circuit{}
		b.circuits[key] = c
	}
	c.failures++

	var fire func()
	if c.state == StateHalfOpen || (c.state == StateClosed && c.failures >= b.threshold) {
		c.openedAt = b.clock.Now()
		fire = b.setLocked(key, c, StateOpen)
	}
	b.mu.Unlock()
	if fire != nil {
		fire()
	}
}

// State returns the state of key's circuit. Unknown keys are closed.
func (b *Breaker) State(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.circuits[key]; ok {
		return c.state
	}
	return StateClosed
}

// Snapshot returns the state of every circuit that has seen a failure.
func (b *Breaker) Snapshot() map[string]State {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]State, len(b.circuits))
	for k, c := range b.circuits {
		out[k] = c.state
	}
	return out
}

// setLocked moves c to state and returns the callback to run once the lock
// is released, or nil when nothing changed.
func (b *Breaker) setLocked(key string, c *circuit, to State) func() {
	from := c.state
	if from == to {
		return nil
	}
	c.state = to
	transitions.WithLabelValues(key, to.String()).Inc()
	if fn := b.onChange; fn != nil {
		return func() { fn(key, from, to) }
	}
	return nil
}
