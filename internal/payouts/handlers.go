package payouts

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/escrowd/internal/auth"
	"github.com/mbd888/escrowd/internal/httperr"
	"github.com/mbd888/escrowd/internal/validation"
)

// Handler provides HTTP endpoints for payout accounts.
type Handler struct {
	accounts *Accounts
}

// NewHandler creates a payout account handler.
func NewHandler(accounts *Accounts) *Handler {
	return &Handler{accounts: accounts}
}

// RegisterRoutes sets up the acting user's payout account routes. The
// group must run auth.RequireUser.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/payout-account", h.GetOwn)
	r.PUT("/payout-account", h.PutOwn)
}

// RegisterAdminRoutes sets up back-office lookups. The group must run
// auth.RequireAdmin.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/users/:id/payout-account", h.GetForUser)
}

// PayoutAccountRequest is the body of PUT /v1/payout-account.
type PayoutAccountRequest struct {
	AccountRef string `json:"accountRef" binding:"required,max=128"`
}

// GetOwn handles GET /v1/payout-account
func (h *Handler) GetOwn(c *gin.Context) {
	h.respond(c, auth.GetUserID(c))
}

// PutOwn handles PUT /v1/payout-account
func (h *Handler) PutOwn(c *gin.Context) {
	var req PayoutAccountRequest
	if !validation.Bind(c, &req, false) {
		return
	}
	acct, err := h.accounts.Register(c.Request.Context(), auth.GetUserID(c), req.AccountRef)
	if err != nil {
		httperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payoutAccount": acct})
}

// GetForUser handles GET /v1/admin/users/:id/payout-account
func (h *Handler) GetForUser(c *gin.Context) {
	h.respond(c, c.Param("id"))
}

func (h *Handler) respond(c *gin.Context, userID string) {
	acct, err := h.accounts.Get(c.Request.Context(), userID)
	if err != nil {
		httperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payoutAccount": acct})
}
