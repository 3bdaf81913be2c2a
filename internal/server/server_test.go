package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/escrowd/internal/auth"
	"github.com/mbd888/escrowd/internal/config"
	"github.com/mbd888/escrowd/internal/domain"
	"github.com/mbd888/escrowd/internal/fees"
	"github.com/mbd888/escrowd/internal/gateway"
	"github.com/mbd888/escrowd/internal/health"
	"github.com/mbd888/escrowd/internal/logging"
	"github.com/mbd888/escrowd/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAdminSecret = "test-admin-secret"

func testConfig() *config.Config {
	return &config.Config{
		Port:                  "0",
		Env:                   "development",
		LogLevel:              "error",
		LogFormat:             "text",
		BuyerFeeRate:          fees.DefaultRates.Buyer,
		SellerFeeRate:         fees.DefaultRates.Seller,
		OfferTTL:              config.DefaultOfferTTL,
		CounterTTL:            config.DefaultCounterTTL,
		PaymentWindow:         config.DefaultPaymentWindow,
		ReceiptWindow:         config.DefaultReceiptWindow,
		SweepInterval:         config.DefaultSweepInterval,
		PaymentProvider:       "sandbox",
		GatewayRetryAttempts:  1,
		GatewayRetryBaseDelay: 0,
		PayoutMaxAttempts:     3,
		AdminSecret:           testAdminSecret,
		RateLimitRPM:          6000,
	}
}

func newTestServer(t *testing.T) (*Server, *gateway.Sandbox) {
	t.Helper()
	sandbox := gateway.NewSandbox()
	s, err := New(testConfig(),
		WithLogger(logging.Discard()),
		WithStore(storage.NewMemoryStore()),
		WithGateway(sandbox),
	)
	require.NoError(t, err)
	gin.SetMode(gin.TestMode)
	t.Cleanup(func() { _ = s.Shutdown() })
	return s, sandbox
}

func do(s *Server, method, path, user string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set(auth.HeaderUserID, user)
	}
	if user == "admin" {
		req.Header.Set(auth.HeaderAdminSecret, testAdminSecret)
	}
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func transactionFrom(t *testing.T, w *httptest.ResponseRecorder) domain.Transaction {
	t.Helper()
	var resp struct {
		Transaction domain.Transaction `json:"transaction"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return resp.Transaction
}

func TestHealthEndpoints(t *testing.T) {
	s, _ := newTestServer(t)

	w := do(s, http.MethodGet, "/health/live", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "alive")

	// Not ready until Run has started the workers
	w = do(s, http.MethodGet, "/health/ready", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = do(s, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "unhealthy", resp.Status)
	assert.Equal(t, Version, resp.Version)
	byName := make(map[string]health.Status, len(resp.Checks))
	for _, c := range resp.Checks {
		byName[c.Name] = c
	}
	assert.Len(t, byName, 4)
	assert.Equal(t, "not running", byName["payout_dispatcher"].Detail)
	assert.True(t, byName["payout_dispatcher"].Critical)
	assert.True(t, byName["payment_gateway"].Healthy)
	assert.False(t, byName["payment_gateway"].Critical)
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	w := do(s, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "escrowd_")
}

func TestRequestIDPropagation(t *testing.T) {
	s, _ := newTestServer(t)

	w := do(s, http.MethodGet, "/health/live", "", nil)
	assert.Len(t, w.Header().Get("X-Request-ID"), 32)

	req := httptest.NewRequest(http.MethodGet, "/health/live", nil)
	req.Header.Set("X-Request-ID", "lb-123")
	w = httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	assert.Equal(t, "lb-123", w.Header().Get("X-Request-ID"))
}

func TestRouteGuards(t *testing.T) {
	s, _ := newTestServer(t)

	tests := []struct {
		name   string
		method string
		path   string
		user   string
		status int
	}{
		{"labels are public", http.MethodGet, "/v1/labels?kind=transaction", "", http.StatusOK},
		{"participant route needs a user", http.MethodGet, "/v1/transactions/txn_1", "", http.StatusUnauthorized},
		{"bad id rejected", http.MethodGet, "/v1/transactions/bad%20id", "buyer", http.StatusBadRequest},
		{"missing transaction", http.MethodGet, "/v1/transactions/txn_missing", "buyer", http.StatusNotFound},
		{"admin needs the secret", http.MethodGet, "/v1/admin/disputes/dsp_1", "buyer", http.StatusForbidden},
		{"admin realtime stats", http.MethodGet, "/v1/admin/realtime", "admin", http.StatusOK},
		{"payout account needs a user", http.MethodGet, "/v1/payout-account", "", http.StatusUnauthorized},
		{"websocket needs a user", http.MethodGet, "/ws", "", http.StatusUnauthorized},
		{"unknown route", http.MethodGet, "/v2/nothing", "", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(s, tt.method, tt.path, tt.user, nil)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
		})
	}
}

func TestSecurityHeaders(t *testing.T) {
	s, _ := newTestServer(t)
	w := do(s, http.MethodGet, "/health/live", "", nil)
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.NotEmpty(t, w.Header().Get("Content-Security-Policy"))
}

func TestPurchaseToPayout(t *testing.T) {
	s, sandbox := newTestServer(t)

	w := do(s, http.MethodPut, "/v1/admin/listings/lst_1", "admin", map[string]any{
		"sellerId":    "seller",
		"askingPrice": 10000,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = do(s, http.MethodPut, "/v1/payout-account", "seller", map[string]any{"accountRef": "acct_1Seller"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(s, http.MethodPost, "/v1/listings/lst_1/purchase", "buyer", map[string]any{"paymentMethod": "card"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	txn := transactionFrom(t, w)
	assert.Equal(t, int64(10000), txn.AgreedPrice)

	w = do(s, http.MethodPost, "/v1/transactions/"+txn.ID+"/pay", "buyer", map[string]any{"payerRef": "cus_1"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, domain.TxEscrowHeld, transactionFrom(t, w).Status)

	w = do(s, http.MethodPost, "/v1/transactions/"+txn.ID+"/confirm-transfer", "seller", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(s, http.MethodPost, "/v1/transactions/"+txn.ID+"/confirm-receipt", "buyer", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, domain.TxCompleted, transactionFrom(t, w).Status)

	sent, failed := s.Dispatcher().DispatchDue(context.Background())
	assert.Equal(t, 1, sent)
	assert.Zero(t, failed)
	require.Equal(t, 1, sandbox.PayoutCount())
	assert.Equal(t, txn.SellerNetAmount, sandbox.Payouts[0].Amount)
	assert.Equal(t, "acct_1Seller", sandbox.Payouts[0].PayeeRef)

	payouts, err := s.Transactions().Payouts(context.Background(), txn.ID)
	require.NoError(t, err)
	require.Len(t, payouts, 1)
	assert.Equal(t, domain.PayoutSent, payouts[0].Status)
}

func TestDisputeOverHTTP(t *testing.T) {
	s, sandbox := newTestServer(t)

	do(s, http.MethodPut, "/v1/admin/listings/lst_2", "admin", map[string]any{"sellerId": "seller", "askingPrice": 5000})
	w := do(s, http.MethodPost, "/v1/listings/lst_2/purchase", "buyer", map[string]any{})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	id := transactionFrom(t, w).ID
	w = do(s, http.MethodPost, "/v1/transactions/"+id+"/pay", "buyer", map[string]any{"payerRef": "cus_1"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(s, http.MethodPost, "/v1/transactions/"+id+"/disputes", "buyer", map[string]any{"reason": "never arrived"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var opened struct {
		Dispute domain.Dispute `json:"dispute"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &opened))

	w = do(s, http.MethodPost, "/v1/admin/disputes/"+opened.Dispute.ID+"/resolve", "admin", map[string]any{
		"resolution": domain.ResolutionRefundBuyer,
		"mediatorId": "med_1",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, domain.TxRefunded, transactionFrom(t, w).Status)

	sent, _ := s.Dispatcher().DispatchDue(context.Background())
	assert.Equal(t, 1, sent)
	require.Equal(t, 1, sandbox.PayoutCount())
}

func TestMaskDSN(t *testing.T) {
	masked := maskDSN("postgres://app:hunter2@db:5432/escrow")
	assert.NotContains(t, masked, "hunter2")
	assert.Contains(t, masked, "app:")
	assert.Contains(t, masked, "@db:5432/escrow")
	assert.Equal(t, "***", maskDSN("://bad"))
}
