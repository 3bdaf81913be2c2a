package validation

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsValidID(t *testing.T) {
	tests := []struct {
		id    string
		valid bool
	}{
		{"txn_0123456789abcdef01234567", true},
		{"user-42", true},
		{"auth0:abc.def", true},
		{"", false},
		{"_leading", false},
		{"has space", false},
		{"semi;colon", false},
		{strings.Repeat("a", 129), false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.valid, IsValidID(tt.id), "IsValidID(%q)", tt.id)
	}
}

func TestIsValidCode(t *testing.T) {
	assert.True(t, IsValidCode("TX-7KQ2M9XR4B"))
	for _, bad := range []string{"7KQ2M9XR4B", "TX-", "tx-7kq2m9xr4b", "TX-7KQ 2M"} {
		assert.False(t, IsValidCode(bad), bad)
	}
}

func TestSanitizeString(t *testing.T) {
	tests := []struct {
		in   string
		max  int
		want string
	}{
		{"hello", 10, "hello"},
		{"  hello  ", 10, "hello"},
		{"hello world", 5, "hello"},
		{"hello\x00world", 20, "helloworld"},
		{"line one\nline two\ttab", 50, "line one\nline two\ttab"},
		{"bell\x07 and esc\x1b", 50, "bell and esc"},
		{"não aceito", 3, "não"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SanitizeString(tt.in, tt.max), "SanitizeString(%q, %d)", tt.in, tt.max)
	}
}

type offerBody struct {
	Amount   int64  `json:"amount" binding:"required,minoramount"`
	SellerID string `json:"sellerId" binding:"omitempty,entityid"`
	Message  string `json:"message" binding:"max=10"`
}

type codePath struct {
	Code string `uri:"code" binding:"required,txcode"`
}

func router(optional bool) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestSizeMiddleware(64))
	r.POST("/offers", func(c *gin.Context) {
		var b offerBody
		if !Bind(c, &b, optional) {
			return
		}
		c.JSON(http.StatusOK, b)
	})
	r.GET("/codes/:code", func(c *gin.Context) {
		var p codePath
		if !BindURI(c, &p) {
			return
		}
		c.String(http.StatusOK, p.Code)
	})
	r.GET("/things/:id", IDParamMiddleware(), func(c *gin.Context) { c.Status(http.StatusOK) })
	return r
}

func post(r http.Handler, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/offers", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

type errBody struct {
	Error   string `json:"error"`
	Details Errors `json:"details"`
}

func TestBind(t *testing.T) {
	tests := []struct {
		name      string
		optional  bool
		body      string
		wantCode  int
		wantError string
		wantField string
	}{
		{name: "valid", body: `{"amount":9000,"sellerId":"seller-1"}`, wantCode: http.StatusOK},
		{name: "missing amount", body: `{}`, wantCode: http.StatusBadRequest, wantError: "validation_error", wantField: "amount"},
		{name: "negative amount", body: `{"amount":-5}`, wantCode: http.StatusBadRequest, wantError: "validation_error", wantField: "amount"},
		{name: "bad seller id", body: `{"amount":1,"sellerId":"a b"}`, wantCode: http.StatusBadRequest, wantError: "validation_error", wantField: "sellerId"},
		{name: "message too long", body: `{"amount":1,"message":"01234567890"}`, wantCode: http.StatusBadRequest, wantError: "validation_error", wantField: "message"},
		{name: "malformed json", body: `{"amount":`, wantCode: http.StatusBadRequest, wantError: "invalid_request"},
		{name: "empty body required", body: ``, wantCode: http.StatusBadRequest, wantError: "invalid_request"},
		{name: "empty body optional still validates", optional: true, body: ``, wantCode: http.StatusBadRequest, wantError: "validation_error", wantField: "amount"},
		{name: "oversized", body: `{"amount":1,"message":"` + strings.Repeat("x", 100) + `"}`, wantCode: http.StatusRequestEntityTooLarge, wantError: "request_too_large"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := post(router(tt.optional), tt.body)
			require.Equal(t, tt.wantCode, w.Code, w.Body.String())
			if tt.wantError == "" {
				return
			}
			var resp errBody
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, tt.wantError, resp.Error)
			if tt.wantField != "" {
				require.NotEmpty(t, resp.Details)
				assert.Equal(t, tt.wantField, resp.Details[0].Field)
			}
		})
	}
}

func TestBindURI(t *testing.T) {
	r := router(false)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/codes/TX-7KQ2M9XR4B", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "TX-7KQ2M9XR4B", w.Body.String())

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/codes/7KQ2", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "transaction code")
}

func TestIDParamMiddleware(t *testing.T) {
	r := router(false)
	for path, want := range map[string]int{
		"/things/txn_abc":   http.StatusOK,
		"/things/bad;id":    http.StatusBadRequest,
		"/things/_internal": http.StatusBadRequest,
	} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, want, w.Code, path)
	}
}

func TestErrors_Error(t *testing.T) {
	assert.Equal(t, "validation failed", Errors{}.Error())
	assert.Equal(t, "amount: is required", Errors{{Field: "amount", Message: "is required"}, {Field: "x", Message: "y"}}.Error())
}
