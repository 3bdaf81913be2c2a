package payouts

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/escrowd/internal/auth"
	"github.com/mbd888/escrowd/internal/clock"
	"github.com/mbd888/escrowd/internal/domain"
	"github.com/mbd888/escrowd/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccounts_Register(t *testing.T) {
	clk := clock.NewMock(t0)
	a := NewAccounts(storage.NewMemoryStore(), clk)
	ctx := context.Background()

	_, err := a.Get(ctx, "seller")
	assert.ErrorIs(t, err, domain.ErrNoPayoutAccount)

	first, err := a.Register(ctx, "seller", " acct_1 ")
	require.NoError(t, err)
	assert.Equal(t, "acct_1", first.AccountRef)

	clk.Advance(time.Hour)
	second, err := a.Register(ctx, "seller", "acct_2")
	require.NoError(t, err)
	assert.Equal(t, "acct_2", second.AccountRef)
	assert.Equal(t, t0, second.CreatedAt, "replacing keeps the first registration time")
	assert.Equal(t, t0.Add(time.Hour), second.UpdatedAt)

	for _, bad := range []string{"", "   ", "acct 1"} {
		_, err := a.Register(ctx, "seller", bad)
		assert.ErrorIs(t, err, domain.ErrInvalidInput, "%q", bad)
	}
}

const testAdminSecret = "s3cret"

func send(r http.Handler, method, path, user string, body any) *httptest.ResponseRecorder {
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
	r.ServeHTTP(w, req)
	return w
}

func TestHandler_PayoutAccount(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(auth.Middleware())
	h := NewHandler(NewAccounts(storage.NewMemoryStore(), clock.NewMock(t0)))
	h.RegisterRoutes(r.Group("/v1", auth.RequireUser()))
	h.RegisterAdminRoutes(r.Group("/v1/admin", auth.RequireAdmin(testAdminSecret)))

	w := send(r, http.MethodGet, "/v1/payout-account", "seller", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "no_payout_account")

	w = send(r, http.MethodPut, "/v1/payout-account", "seller", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = send(r, http.MethodPut, "/v1/payout-account", "seller", PayoutAccountRequest{AccountRef: "acct_1Seller"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		PayoutAccount domain.PayoutAccount `json:"payoutAccount"`
	}
	w = send(r, http.MethodGet, "/v1/admin/users/seller/payout-account", "admin", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "seller", resp.PayoutAccount.UserID)
	assert.Equal(t, "acct_1Seller", resp.PayoutAccount.AccountRef)

	w = send(r, http.MethodGet, "/v1/admin/users/seller/payout-account", "buyer", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}
