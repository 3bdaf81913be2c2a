package httperr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/escrowd/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{domain.ErrInvalidPrice, http.StatusBadRequest},
		{domain.ErrNotOfferOwner, http.StatusForbidden},
		{domain.ErrOfferNotFound, http.StatusNotFound},
		{&domain.IllegalTransitionError{Kind: "transaction", From: "COMPLETED", To: "CANCELLED", Action: "cancel"}, http.StatusConflict},
		{domain.ErrListingAlreadySold, http.StatusConflict},
		{domain.ErrPaymentInFlight, http.StatusConflict},
		{domain.ErrPaymentDeadlineExceeded, http.StatusGone},
		{&domain.GatewayError{Op: "charge", Err: errors.New("x")}, http.StatusBadGateway},
		{fmt.Errorf("wrapped: %w", domain.ErrOfferExpired), http.StatusGone},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Status(tt.err), tt.err.Error())
	}
}

func TestRespond_HidesInternalErrors(t *testing.T) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("GET", "/", nil)

	Respond(c, errors.New("pq: connection refused"))

	require.Equal(t, http.StatusInternalServerError, w.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "internal_error", body["error"])
	assert.Equal(t, "internal error", body["message"])
}

func TestRespond_DomainError(t *testing.T) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("GET", "/", nil)

	Respond(c, domain.ErrSelfOffer)

	require.Equal(t, http.StatusBadRequest, w.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "self_offer", body["error"])
}
