package offers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/escrowd/internal/auth"
	"github.com/mbd888/escrowd/internal/domain"
	"github.com/mbd888/escrowd/internal/httperr"
	"github.com/mbd888/escrowd/internal/validation"
)

// Handler provides HTTP endpoints for listings and offers.
type Handler struct {
	service *Service
}

// NewHandler creates a new offer handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up user-facing offer routes. The group must run
// auth.RequireUser.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/listings/:id", h.GetListing)
	r.POST("/listings/:id/offers", h.CreateOffer)
	r.GET("/listings/:id/offers", h.ListOffers)

	r.GET("/offers/:id", h.GetOffer)
	r.POST("/offers/:id/respond", h.Respond)
	r.POST("/offers/:id/accept-counter", h.AcceptCounter)
	r.POST("/offers/:id/reject-counter", h.RejectCounter)
	r.POST("/offers/:id/cancel", h.Cancel)
}

// RegisterAdminRoutes sets up listing-seeding routes for listing management.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.PUT("/listings/:id", h.PutListing)
}

// CreateOfferRequest is the body of POST /v1/listings/:id/offers.
type CreateOfferRequest struct {
	Amount     int64  `json:"amount" binding:"required,minoramount"`
	Message    string `json:"message" binding:"max=1000"`
	TTLSeconds int64  `json:"ttlSeconds" binding:"gte=0"`
}

// RespondBody is the body of POST /v1/offers/:id/respond.
type RespondBody struct {
	Action         Response `json:"action" binding:"required,oneof=accept reject counter"`
	CounterAmount  int64    `json:"counterAmount" binding:"required_if=Action counter,omitempty,minoramount"`
	CounterMessage string   `json:"counterMessage" binding:"max=1000"`
}

// ListingBody is the body of PUT /v1/admin/listings/:id.
type ListingBody struct {
	SellerID      string               `json:"sellerId" binding:"required,entityid"`
	AskingPrice   int64                `json:"askingPrice" binding:"required,minoramount"`
	OriginalPrice int64                `json:"originalPrice" binding:"omitempty,minoramount"`
	Negotiable    bool                 `json:"negotiable"`
	Status        domain.ListingStatus `json:"status" binding:"omitempty,oneof=DRAFT PENDING_REVIEW ACTIVE SOLD EXPIRED CANCELLED SUSPENDED"`
}

// GetListing handles GET /v1/listings/:id
func (h *Handler) GetListing(c *gin.Context) {
	l, err := h.service.GetListing(c.Request.Context(), c.Param("id"))
	if err != nil {
		httperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"listing": l})
}

// PutListing handles PUT /v1/admin/listings/:id
func (h *Handler) PutListing(c *gin.Context) {
	var req ListingBody
	if !validation.Bind(c, &req, false) {
		return
	}
	status := req.Status
	if status == "" {
		status = domain.ListingActive
	}
	l, err := h.service.PutListing(c.Request.Context(), &domain.Listing{
		ID:            c.Param("id"),
		SellerID:      req.SellerID,
		AskingPrice:   req.AskingPrice,
		OriginalPrice: req.OriginalPrice,
		Negotiable:    req.Negotiable,
		Status:        status,
	})
	if err != nil {
		httperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"listing": l})
}

// CreateOffer handles POST /v1/listings/:id/offers
func (h *Handler) CreateOffer(c *gin.Context) {
	var req CreateOfferRequest
	if !validation.Bind(c, &req, false) {
		return
	}

	o, err := h.service.Create(c.Request.Context(), CreateRequest{
		ListingID: c.Param("id"),
		BuyerID:   auth.GetUserID(c),
		Amount:    req.Amount,
		Message:   validation.SanitizeString(req.Message, MaxMessageLength),
		TTL:       time.Duration(req.TTLSeconds) * time.Second,
	})
	if err != nil {
		httperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"offer": o})
}

// ListOffers handles GET /v1/listings/:id/offers. Sellers see every offer
// on their listing; buyers see only their own.
func (h *Handler) ListOffers(c *gin.Context) {
	ctx := c.Request.Context()
	all, err := h.service.ListByListing(ctx, c.Param("id"))
	if err != nil {
		httperr.Respond(c, err)
		return
	}
	user := auth.GetUserID(c)
	out := all[:0]
	for _, o := range all {
		if o.SellerID == user || o.BuyerID == user || auth.IsAdmin(c) {
			out = append(out, o)
		}
	}
	c.JSON(http.StatusOK, gin.H{"offers": out, "count": len(out)})
}

// GetOffer handles GET /v1/offers/:id
func (h *Handler) GetOffer(c *gin.Context) {
	o, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		httperr.Respond(c, err)
		return
	}
	if user := auth.GetUserID(c); user != o.BuyerID && user != o.SellerID {
		httperr.Respond(c, domain.ErrOfferNotFound)
		return
	}
	c.JSON(http.StatusOK, gin.H{"offer": o})
}

// Respond handles POST /v1/offers/:id/respond
func (h *Handler) Respond(c *gin.Context) {
	var req RespondBody
	if !validation.Bind(c, &req, false) {
		return
	}
	o, txn, err := h.service.Respond(c.Request.Context(), c.Param("id"), auth.GetUserID(c), RespondRequest{
		Action:         req.Action,
		CounterAmount:  req.CounterAmount,
		CounterMessage: validation.SanitizeString(req.CounterMessage, MaxMessageLength),
	})
	h.respond(c, o, txn, err)
}

// AcceptCounter handles POST /v1/offers/:id/accept-counter
func (h *Handler) AcceptCounter(c *gin.Context) {
	o, txn, err := h.service.AcceptCounter(c.Request.Context(), c.Param("id"), auth.GetUserID(c))
	h.respond(c, o, txn, err)
}

// RejectCounter handles POST /v1/offers/:id/reject-counter
func (h *Handler) RejectCounter(c *gin.Context) {
	o, err := h.service.RejectCounter(c.Request.Context(), c.Param("id"), auth.GetUserID(c))
	h.respond(c, o, nil, err)
}

// Cancel handles POST /v1/offers/:id/cancel
func (h *Handler) Cancel(c *gin.Context) {
	o, err := h.service.Cancel(c.Request.Context(), c.Param("id"), auth.GetUserID(c))
	h.respond(c, o, nil, err)
}

func (h *Handler) respond(c *gin.Context, o *domain.Offer, txn *domain.Transaction, err error) {
	if err != nil {
		httperr.Respond(c, err)
		return
	}
	resp := gin.H{"offer": o}
	status := http.StatusOK
	if txn != nil {
		resp["transaction"] = txn
		status = http.StatusCreated
	}
	c.JSON(status, resp)
}
