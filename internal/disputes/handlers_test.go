package disputes

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/escrowd/internal/auth"
	"github.com/mbd888/escrowd/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAdminSecret = "s3cret"

func setupRouter(f *fixture) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(auth.Middleware())

	h := NewHandler(f.svc)
	h.RegisterRoutes(r.Group("/v1", auth.RequireUser()))
	h.RegisterAdminRoutes(r.Group("/v1/admin", auth.RequireAdmin(testAdminSecret)))
	return r
}

func do(r http.Handler, method, path, user string, body any) *httptest.ResponseRecorder {
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

func TestHandlers_OpenAndResolve(t *testing.T) {
	f := newFixture(t)
	txn := f.held(t)
	r := setupRouter(f)

	w := do(r, http.MethodPost, "/v1/transactions/"+txn.ID+"/disputes", "buyer", OpenRequest{Reason: "  arrived broken  "})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var opened struct {
		Dispute domain.Dispute `json:"dispute"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &opened))
	assert.Equal(t, "arrived broken", opened.Dispute.Reason)

	w = do(r, http.MethodGet, "/v1/admin/disputes/"+opened.Dispute.ID, "admin", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = do(r, http.MethodGet, "/v1/admin/transactions/"+txn.ID+"/disputes", "admin", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":1`)

	w = do(r, http.MethodPost, "/v1/admin/disputes/"+opened.Dispute.ID+"/resolve", "admin",
		ResolveRequest{Resolution: domain.ResolutionRefundBuyer, MediatorID: "mod_1"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resolved struct {
		Dispute     domain.Dispute     `json:"dispute"`
		Transaction domain.Transaction `json:"transaction"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resolved))
	assert.Equal(t, domain.TxRefunded, resolved.Transaction.Status)
	assert.Equal(t, domain.ResolutionRefundBuyer, resolved.Dispute.Resolution)

	w = do(r, http.MethodPost, "/v1/admin/disputes/"+opened.Dispute.ID+"/resolve", "admin",
		ResolveRequest{Resolution: domain.ResolutionReleaseSeller, MediatorID: "mod_1"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), `"dispute_resolved"`)
}

func TestHandlers_Errors(t *testing.T) {
	f := newFixture(t)
	txn := f.held(t)
	r := setupRouter(f)

	w := do(r, http.MethodPost, "/v1/transactions/"+txn.ID+"/disputes", "buyer", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(r, http.MethodPost, "/v1/transactions/"+txn.ID+"/disputes", "stranger", OpenRequest{Reason: "x"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = do(r, http.MethodPost, "/v1/transactions/"+txn.ID+"/disputes", "", OpenRequest{Reason: "x"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// Mediator routes need the admin secret.
	w = do(r, http.MethodGet, "/v1/admin/disputes/dsp_x", "buyer", nil)
	assert.NotEqual(t, http.StatusOK, w.Code)

	w = do(r, http.MethodGet, "/v1/admin/disputes/dsp_missing", "admin", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(r, http.MethodPost, "/v1/admin/disputes/dsp_missing/resolve", "admin", map[string]string{"resolution": "refund_buyer"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(r, http.MethodPost, "/v1/admin/disputes/dsp_missing/resolve", "admin",
		ResolveRequest{Resolution: "split", MediatorID: "mod_1"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
