package disputes

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/escrowd/internal/auth"
	"github.com/mbd888/escrowd/internal/domain"
	"github.com/mbd888/escrowd/internal/httperr"
	"github.com/mbd888/escrowd/internal/validation"
)

// Handler provides HTTP endpoints for disputes.
type Handler struct {
	service *Service
}

// NewHandler creates a new dispute handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up participant routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/transactions/:id/disputes", h.OpenDispute)
}

// RegisterAdminRoutes sets up mediator routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/disputes/:id", h.GetDispute)
	r.GET("/transactions/:id/disputes", h.ListDisputes)
	r.POST("/disputes/:id/resolve", h.ResolveDispute)
}

// OpenRequest is the body of POST /v1/transactions/:id/disputes.
type OpenRequest struct {
	Reason string `json:"reason" binding:"required,max=2000"`
}

// ResolveRequest is the body of POST /v1/admin/disputes/:id/resolve.
type ResolveRequest struct {
	Resolution domain.Resolution `json:"resolution" binding:"required,oneof=release_seller refund_buyer"`
	MediatorID string            `json:"mediatorId" binding:"required,entityid"`
}

// OpenDispute handles POST /v1/transactions/:id/disputes
func (h *Handler) OpenDispute(c *gin.Context) {
	var req OpenRequest
	if !validation.Bind(c, &req, false) {
		return
	}
	reason := validation.SanitizeString(req.Reason, MaxReasonLength)
	d, err := h.service.Open(c.Request.Context(), c.Param("id"), auth.GetUserID(c), reason)
	if err != nil {
		httperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"dispute": d})
}

// GetDispute handles GET /v1/admin/disputes/:id
func (h *Handler) GetDispute(c *gin.Context) {
	d, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		httperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// ListDisputes handles GET /v1/admin/transactions/:id/disputes
func (h *Handler) ListDisputes(c *gin.Context) {
	list, err := h.service.ListByTransaction(c.Request.Context(), c.Param("id"))
	if err != nil {
		httperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"disputes": list, "count": len(list)})
}

// ResolveDispute handles POST /v1/admin/disputes/:id/resolve
func (h *Handler) ResolveDispute(c *gin.Context) {
	var req ResolveRequest
	if !validation.Bind(c, &req, false) {
		return
	}
	d, txn, err := h.service.Resolve(c.Request.Context(), c.Param("id"), req.Resolution, req.MediatorID)
	if err != nil {
		httperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d, "transaction": txn})
}
