package traces

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/escrowd/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

// recordSpans installs an in-memory provider for the duration of the test.
func recordSpans(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})
	return rec
}

func attr(span sdktrace.ReadOnlySpan, key attribute.Key) attribute.Value {
	for _, kv := range span.Attributes() {
		if kv.Key == key {
			return kv.Value
		}
	}
	return attribute.Value{}
}

func TestInit_DisabledWithoutEndpoint(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{}, logging.Discard())
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestStartSpan_Attributes(t *testing.T) {
	rec := recordSpans(t)

	_, span := StartSpan(context.Background(), "transactions.Pay", TransactionID("txn_1"), Amount(10500))
	span.End()

	ended := rec.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, "transactions.Pay", ended[0].Name())
	assert.Equal(t, "txn_1", attr(ended[0], "escrowd.transaction_id").AsString())
	assert.EqualValues(t, 10500, attr(ended[0], "escrowd.amount_minor").AsInt64())
}

func TestFail(t *testing.T) {
	rec := recordSpans(t)

	_, ok := StartSpan(context.Background(), "ok")
	Fail(ok, nil)
	ok.End()

	_, bad := StartSpan(context.Background(), "bad")
	Fail(bad, errors.New("card declined"))
	bad.End()

	ended := rec.Ended()
	require.Len(t, ended, 2)
	assert.Equal(t, codes.Unset, ended[0].Status().Code)
	assert.Equal(t, codes.Error, ended[1].Status().Code)
	assert.Equal(t, "card declined", ended[1].Status().Description)
	require.Len(t, ended[1].Events(), 1)
}

func TestMiddleware_ContinuesCallerTrace(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rec := recordSpans(t)
	_, err := Init(context.Background(), Config{}, logging.Discard())
	require.NoError(t, err)

	var inner trace.SpanContext
	r := gin.New()
	r.Use(Middleware())
	r.GET("/v1/transactions/:id", func(c *gin.Context) {
		inner = trace.SpanContextFromContext(c.Request.Context())
		c.Status(http.StatusOK)
	})
	r.GET("/boom", func(c *gin.Context) { c.Status(http.StatusBadGateway) })

	const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"
	req := httptest.NewRequest(http.MethodGet, "/v1/transactions/txn_1", nil)
	req.Header.Set("traceparent", "00-"+traceID+"-00f067aa0ba902b7-01")
	r.ServeHTTP(httptest.NewRecorder(), req)

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/boom", nil))

	ended := rec.Ended()
	require.Len(t, ended, 2)
	assert.Equal(t, "GET /v1/transactions/:id", ended[0].Name())
	assert.Equal(t, trace.SpanKindServer, ended[0].SpanKind())
	assert.Equal(t, traceID, ended[0].SpanContext().TraceID().String())
	assert.Equal(t, ended[0].SpanContext().SpanID(), inner.SpanID())
	assert.EqualValues(t, 200, attr(ended[0], "http.response.status_code").AsInt64())

	assert.Equal(t, codes.Error, ended[1].Status().Code)
}
