package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mbd888/escrowd/internal/logging"
	"github.com/mbd888/escrowd/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEvent() Event {
	return Event{
		ID:      "evt_1",
		UserID:  "seller",
		Type:    EventOfferCreated,
		Payload: map[string]any{"offerId": "off_1", "amount": 9000},
		At:      time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC),
	}
}

func TestMulti_DeliversToAllAndJoinsErrors(t *testing.T) {
	var calls atomic.Int32
	ok := NotifierFunc(func(context.Context, Event) error { calls.Add(1); return nil })
	boom := errors.New("boom")
	bad := NotifierFunc(func(context.Context, Event) error { calls.Add(1); return boom })

	err := Multi{ok, bad, ok}.Notify(context.Background(), testEvent())
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int32(3), calls.Load())
}

func TestAsync_DeliversInBackground(t *testing.T) {
	got := make(chan Event, 1)
	a := NewAsync("test_ok", NotifierFunc(func(_ context.Context, e Event) error {
		got <- e
		return nil
	}), 4, time.Second, logging.Discard())

	require.NoError(t, a.Notify(context.Background(), testEvent()))
	select {
	case e := <-got:
		assert.Equal(t, "evt_1", e.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
	require.NoError(t, a.Wait(context.Background()))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.NotificationsTotal.WithLabelValues("test_ok", "ok")))
}

func TestAsync_FailureNeverReachesCaller(t *testing.T) {
	a := NewAsync("test_err", NotifierFunc(func(context.Context, Event) error {
		return errors.New("sink down")
	}), 4, time.Second, logging.Discard())

	assert.NoError(t, a.Notify(context.Background(), testEvent()))
	require.NoError(t, a.Wait(context.Background()))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.NotificationsTotal.WithLabelValues("test_err", "error")))
}

func TestAsync_RecoversPanics(t *testing.T) {
	a := NewAsync("test_panic", NotifierFunc(func(context.Context, Event) error {
		panic("bad sink")
	}), 1, time.Second, logging.Discard())

	assert.NoError(t, a.Notify(context.Background(), testEvent()))
	require.NoError(t, a.Wait(context.Background()))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.NotificationsTotal.WithLabelValues("test_panic", "error")))
}

func TestAsync_DropsWhenSaturated(t *testing.T) {
	release := make(chan struct{})
	a := NewAsync("test_drop", NotifierFunc(func(context.Context, Event) error {
		<-release
		return nil
	}), 1, time.Second, logging.Discard())

	require.NoError(t, a.Notify(context.Background(), testEvent()))
	require.NoError(t, a.Notify(context.Background(), testEvent()))
	close(release)
	require.NoError(t, a.Wait(context.Background()))

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.NotificationsTotal.WithLabelValues("test_drop", "dropped")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.NotificationsTotal.WithLabelValues("test_drop", "ok")))
}

func TestWebhook_SignsPayload(t *testing.T) {
	var (
		mu        sync.Mutex
		body      []byte
		signature string
		eventType string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		body, _ = io.ReadAll(r.Body)
		signature = r.Header.Get("X-Escrowd-Signature")
		eventType = r.Header.Get("X-Escrowd-Event")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	w := NewWebhook(srv.URL, "s3cret")
	require.NoError(t, w.Notify(context.Background(), testEvent()))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, Sign(body, "s3cret"), signature)
	assert.Equal(t, string(EventOfferCreated), eventType)

	var decoded Event
	require.NoError(t, json.Unmarshal(body, &decoded))
	assert.Equal(t, "seller", decoded.UserID)
}

func TestWebhook_NonSuccessStatusIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewWebhook(srv.URL, "").Notify(context.Background(), testEvent())
	assert.ErrorContains(t, err, "502")
}

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.msgs = append(f.msgs, msgs...)
	return f.err
}

func (f *fakeWriter) Close() error { return nil }

func TestKafka_KeysByUser(t *testing.T) {
	w := &fakeWriter{}
	k := &Kafka{writer: w}

	require.NoError(t, k.Notify(context.Background(), testEvent()))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, []byte("seller"), w.msgs[0].Key)
	assert.Equal(t, "event-type", w.msgs[0].Headers[0].Key)

	var decoded Event
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &decoded))
	assert.Equal(t, EventOfferCreated, decoded.Type)
}

type fakePublisher struct {
	channel string
	message interface{}
}

func (f *fakePublisher) Publish(_ context.Context, channel string, message interface{}) *redis.IntCmd {
	f.channel = channel
	f.message = message
	return redis.NewIntResult(1, nil)
}

func TestRedis_PublishesOnChannel(t *testing.T) {
	p := &fakePublisher{}
	r := &Redis{client: p, channel: "escrowd:events"}

	require.NoError(t, r.Notify(context.Background(), testEvent()))
	assert.Equal(t, "escrowd:events", p.channel)

	var decoded Event
	require.NoError(t, json.Unmarshal([]byte(p.message.(string)), &decoded))
	assert.Equal(t, "evt_1", decoded.ID)
}

func TestRelay_LogsHandlerFailure(t *testing.T) {
	var buf bytes.Buffer
	ctx := logging.WithLogger(context.Background(), logging.NewWithWriter(&buf, "debug", "json"))
	data, err := json.Marshal(testEvent())
	require.NoError(t, err)

	var delivered atomic.Int32
	relay(ctx, string(data), NotifierFunc(func(_ context.Context, e Event) error {
		delivered.Add(1)
		assert.Equal(t, "evt_1", e.ID)
		return errors.New("hub closed")
	}))
	relay(ctx, "{not json", NotifierFunc(func(context.Context, Event) error {
		delivered.Add(1)
		return nil
	}))

	assert.Equal(t, int32(1), delivered.Load(), "malformed payloads never reach the handler")
	out := buf.String()
	assert.Contains(t, out, "relaying event failed")
	assert.Contains(t, out, "hub closed")
	assert.Contains(t, out, "evt_1")
	assert.Contains(t, out, "skipping malformed event")
}
