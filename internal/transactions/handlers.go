package transactions

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/escrowd/internal/auth"
	"github.com/mbd888/escrowd/internal/httperr"
	"github.com/mbd888/escrowd/internal/validation"
)

// Handler provides HTTP endpoints for transactions.
type Handler struct {
	service *Service
}

// NewHandler creates a new transaction handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up user-facing transaction routes. The group must
// run auth.RequireUser.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/listings/:id/purchase", h.Purchase)

	r.GET("/transactions/:id", h.GetTransaction)
	r.GET("/transactions/by-code/:code", h.GetByCode)
	r.GET("/transactions/:id/events", h.ListEvents)
	r.GET("/transactions/:id/escrow", h.GetEscrow)
	r.GET("/users/:id/transactions", h.ListByUser)

	r.POST("/transactions/:id/request-payment", h.RequestPayment)
	r.POST("/transactions/:id/pay", h.Pay)
	r.POST("/transactions/:id/confirm-transfer", h.ConfirmTransfer)
	r.POST("/transactions/:id/confirm-receipt", h.ConfirmReceipt)
	r.POST("/transactions/:id/cancel", h.Cancel)
}

// RegisterAdminRoutes sets up gateway-callback and back-office routes.
// The group must run auth.RequireAdmin.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/transactions/:id/confirm-payment", h.ConfirmPayment)
	r.POST("/transactions/:id/refund", h.ForceRefund)
}

// PurchaseRequest is the body of POST /v1/listings/:id/purchase.
type PurchaseRequest struct {
	PaymentMethod string `json:"paymentMethod" binding:"max=64"`
}

// PaymentRequest is the body of request-payment and pay.
type PaymentRequest struct {
	PaymentMethod string `json:"paymentMethod" binding:"max=64"`
	PayerRef      string `json:"payerRef" binding:"max=255"`
}

// ConfirmPaymentRequest is the gateway callback body.
type ConfirmPaymentRequest struct {
	GatewayRef string `json:"gatewayRef" binding:"required,max=255"`
}

// ReasonRequest carries an optional free-text reason.
type ReasonRequest struct {
	Reason string `json:"reason" binding:"max=2000"`
}

// RefundRequest is the body of POST /v1/admin/transactions/:id/refund.
type RefundRequest struct {
	Reason string `json:"reason" binding:"required,max=2000"`
}

// CodeParam is the path of GET /v1/transactions/by-code/:code.
type CodeParam struct {
	Code string `uri:"code" binding:"required,txcode"`
}

// Purchase handles POST /v1/listings/:id/purchase
func (h *Handler) Purchase(c *gin.Context) {
	var req PurchaseRequest
	if !validation.Bind(c, &req, true) {
		return
	}

	txn, err := h.service.CreateDirect(c.Request.Context(), c.Param("id"), auth.GetUserID(c), req.PaymentMethod)
	if err != nil {
		httperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"transaction": txn})
}

// GetTransaction handles GET /v1/transactions/:id
func (h *Handler) GetTransaction(c *gin.Context) {
	txn, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		httperr.Respond(c, err)
		return
	}
	if !auth.IsAdmin(c) && !txn.IsParticipant(auth.GetUserID(c)) {
		c.JSON(http.StatusNotFound, gin.H{"error": "transaction_not_found", "message": "transaction not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"transaction":    txn,
		"allowedActions": Allowed(txn.Status),
	})
}

// GetByCode handles GET /v1/transactions/by-code/:code
func (h *Handler) GetByCode(c *gin.Context) {
	var p CodeParam
	if !validation.BindURI(c, &p) {
		return
	}
	txn, err := h.service.GetByCode(c.Request.Context(), p.Code)
	if err != nil {
		httperr.Respond(c, err)
		return
	}
	if !auth.IsAdmin(c) && !txn.IsParticipant(auth.GetUserID(c)) {
		c.JSON(http.StatusNotFound, gin.H{"error": "transaction_not_found", "message": "transaction not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"transaction":    txn,
		"allowedActions": Allowed(txn.Status),
	})
}

// ListEvents handles GET /v1/transactions/:id/events
func (h *Handler) ListEvents(c *gin.Context) {
	if !h.authorizeRead(c) {
		return
	}
	events, err := h.service.Events(c.Request.Context(), c.Param("id"))
	if err != nil {
		httperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}

// GetEscrow handles GET /v1/transactions/:id/escrow
func (h *Handler) GetEscrow(c *gin.Context) {
	if !h.authorizeRead(c) {
		return
	}
	ctx := c.Request.Context()
	hold, err := h.service.Hold(ctx, c.Param("id"))
	if err != nil {
		httperr.Respond(c, err)
		return
	}
	payouts, err := h.service.Payouts(ctx, c.Param("id"))
	if err != nil {
		httperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"escrow":      hold,
		"disposition": hold.Disposition(),
		"payouts":     payouts,
	})
}

// ListByUser handles GET /v1/users/:id/transactions
func (h *Handler) ListByUser(c *gin.Context) {
	userID := c.Param("id")
	if userID != auth.GetUserID(c) && !auth.IsAdmin(c) {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "can only list your own transactions"})
		return
	}
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	txns, next, err := h.service.ListByUser(c.Request.Context(), userID, c.Query("cursor"), limit)
	if err != nil {
		httperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"transactions": txns,
		"count":        len(txns),
		"nextCursor":   next,
		"hasMore":      next != "",
	})
}

// RequestPayment handles POST /v1/transactions/:id/request-payment
func (h *Handler) RequestPayment(c *gin.Context) {
	var req PaymentRequest
	if !validation.Bind(c, &req, true) {
		return
	}
	txn, err := h.service.RequestPayment(c.Request.Context(), c.Param("id"), auth.GetUserID(c), req.PaymentMethod)
	h.respond(c, txn, err)
}

// Pay handles POST /v1/transactions/:id/pay
func (h *Handler) Pay(c *gin.Context) {
	var req PaymentRequest
	if !validation.Bind(c, &req, true) {
		return
	}
	txn, err := h.service.Pay(c.Request.Context(), c.Param("id"), auth.GetUserID(c), req.PayerRef)
	h.respond(c, txn, err)
}

// ConfirmTransfer handles POST /v1/transactions/:id/confirm-transfer
func (h *Handler) ConfirmTransfer(c *gin.Context) {
	txn, err := h.service.ConfirmTransfer(c.Request.Context(), c.Param("id"), auth.GetUserID(c))
	h.respond(c, txn, err)
}

// ConfirmReceipt handles POST /v1/transactions/:id/confirm-receipt
func (h *Handler) ConfirmReceipt(c *gin.Context) {
	txn, err := h.service.ConfirmReceipt(c.Request.Context(), c.Param("id"), auth.GetUserID(c))
	h.respond(c, txn, err)
}

// Cancel handles POST /v1/transactions/:id/cancel
func (h *Handler) Cancel(c *gin.Context) {
	var req ReasonRequest
	if !validation.Bind(c, &req, true) {
		return
	}
	reason := validation.SanitizeString(req.Reason, validation.MaxStringLength)
	txn, err := h.service.Cancel(c.Request.Context(), c.Param("id"), auth.GetUserID(c), reason)
	h.respond(c, txn, err)
}

// ConfirmPayment handles POST /v1/admin/transactions/:id/confirm-payment
func (h *Handler) ConfirmPayment(c *gin.Context) {
	var req ConfirmPaymentRequest
	if !validation.Bind(c, &req, false) {
		return
	}
	txn, err := h.service.ConfirmPayment(c.Request.Context(), c.Param("id"), req.GatewayRef)
	h.respond(c, txn, err)
}

// ForceRefund handles POST /v1/admin/transactions/:id/refund
func (h *Handler) ForceRefund(c *gin.Context) {
	var req RefundRequest
	if !validation.Bind(c, &req, false) {
		return
	}
	reason := validation.SanitizeString(req.Reason, validation.MaxStringLength)
	actor := auth.GetUserID(c)
	if actor == "" {
		actor = "admin"
	}
	txn, err := h.service.ForceRefund(c.Request.Context(), c.Param("id"), actor, reason)
	h.respond(c, txn, err)
}

func (h *Handler) respond(c *gin.Context, txn any, err error) {
	if err != nil {
		httperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": txn})
}

// authorizeRead lets participants and admins read a transaction's details.
func (h *Handler) authorizeRead(c *gin.Context) bool {
	if auth.IsAdmin(c) {
		return true
	}
	txn, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		httperr.Respond(c, err)
		return false
	}
	if !txn.IsParticipant(auth.GetUserID(c)) {
		c.JSON(http.StatusNotFound, gin.H{"error": "transaction_not_found", "message": "transaction not found"})
		return false
	}
	return true
}
