package circuitbreaker

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/mbd888/escrowd/internal/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBreaker(threshold int) (*Breaker, *clock.Mock) {
	clk := clock.NewMock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	return New(threshold, time.Minute).WithClock(clk), clk
}

func trip(b *Breaker, key string, n int) {
	for i := 0; i < n; i++ {
		b.RecordFailure(key)
	}
}

func TestBreaker_TripsAtThreshold(t *testing.T) {
	b, _ := newTestBreaker(3)

	trip(b, "charge", 2)
	assert.True(t, b.Allow("charge"))

	b.RecordFailure("charge")
	assert.False(t, b.Allow("charge"))
	assert.Equal(t, StateOpen, b.State("charge"))
}

func TestBreaker_SuccessResetsCount(t *testing.T) {
	b, _ := newTestBreaker(3)

	trip(b, "charge", 2)
	b.RecordSuccess("charge")
	trip(b, "charge", 2)
	assert.Equal(t, StateClosed, b.State("charge"))
}

func TestBreaker_SingleTrialAfterCooldown(t *testing.T) {
	b, clk := newTestBreaker(2)
	trip(b, "payout", 2)

	clk.Advance(59 * time.Second)
	assert.False(t, b.Allow("payout"))

	clk.Advance(time.Second)
	require.True(t, b.Allow("payout"), "trial call admitted")
	assert.Equal(t, StateHalfOpen, b.State("payout"))
	assert.False(t, b.Allow("payout"), "second caller waits for the trial call")

	b.RecordSuccess("payout")
	assert.Equal(t, StateClosed, b.State("payout"))
	assert.True(t, b.Allow("payout"))
}

func TestBreaker_FailedTrialReopens(t *testing.T) {
	b, clk := newTestBreaker(5)
	trip(b, "payout", 5)
	clk.Advance(time.Minute)
	require.True(t, b.Allow("payout"))

	b.RecordFailure("payout")
	assert.Equal(t, StateOpen, b.State("payout"))
	assert.False(t, b.Allow("payout"), "cooldown restarts from the failed trial call")
}

func TestBreaker_AbandonedTrialIsReplaced(t *testing.T) {
	b, clk := newTestBreaker(1)
	b.RecordFailure("charge")
	clk.Advance(time.Minute)
	require.True(t, b.Allow("charge"))

	clk.Advance(30 * time.Second)
	assert.False(t, b.Allow("charge"))
	clk.Advance(30 * time.Second)
	assert.True(t, b.Allow("charge"), "a trial call that never reported back is abandoned")
}

func TestBreaker_IndependentKeys(t *testing.T) {
	b, _ := newTestBreaker(1)
	b.RecordFailure("charge")

	assert.False(t, b.Allow("charge"))
	assert.True(t, b.Allow("payout"))
	assert.Equal(t, map[string]State{"charge": StateOpen}, b.Snapshot())
}

func TestBreaker_Execute(t *testing.T) {
	b, _ := newTestBreaker(2)
	declined := errors.New("declined")
	transient := errors.New("timeout")
	countable := func(err error) bool { return !errors.Is(err, declined) }

	for i := 0; i < 5; i++ {
		assert.Same(t, declined, b.Execute("charge", func() error { return declined }, countable))
	}
	assert.Equal(t, StateClosed, b.State("charge"), "declines must not trip the breaker")

	_ = b.Execute("charge", func() error { return transient }, countable)
	_ = b.Execute("charge", func() error { return transient }, countable)

	called := false
	err := b.Execute("charge", func() error { called = true; return nil }, countable)
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called, "fn must not run while open")
}

func TestBreaker_OnStateChange(t *testing.T) {
	b, clk := newTestBreaker(1)
	var seen []string
	b.OnStateChange(func(key string, from, to State) {
		// Re-entering the breaker must not deadlock.
		_ = b.State(key)
		seen = append(seen, key+":"+from.String()+">"+to.String())
	})

	b.RecordFailure("payout")
	clk.Advance(time.Minute)
	b.Allow("payout")
	b.RecordSuccess("payout")
	b.RecordSuccess("payout")

	assert.Equal(t, []string{
		"payout:closed>open",
		"payout:open>half_open",
		"payout:half_open>closed",
	}, seen)
}

func TestState_Text(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half_open"},
		{State(99), "unknown"},
		{State(-1), "unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.s.String())
	}

	raw, err := json.Marshal(map[string]State{"charge": StateHalfOpen})
	require.NoError(t, err)
	assert.JSONEq(t, `{"charge":"half_open"}`, string(raw))
}
