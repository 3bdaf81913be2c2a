package labels

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/escrowd/internal/httperr"
)

// Handler serves label tables.
type Handler struct{}

// NewHandler creates a label handler.
func NewHandler() *Handler { return &Handler{} }

// RegisterRoutes sets up label routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/labels", h.GetLabels)
}

// GetLabels handles GET /v1/labels?kind=transaction&lang=pt-BR
//
// Without kind every table is returned. lang falls back to Accept-Language.
func (h *Handler) GetLabels(c *gin.Context) {
	lang := c.Query("lang")
	if lang == "" {
		lang = c.GetHeader("Accept-Language")
	}
	lang = NormalizeLang(lang)

	if kind := Kind(c.Query("kind")); kind != "" {
		if !KnownKind(kind) {
			httperr.BadRequest(c, "kind must be one of transaction, offer, listing, escrow, payout")
			return
		}
		c.JSON(http.StatusOK, gin.H{"lang": lang, "labels": gin.H{string(kind): All(kind, lang)}})
		return
	}

	out := make(gin.H, len(Kinds))
	for _, k := range Kinds {
		out[string(k)] = All(k, lang)
	}
	c.JSON(http.StatusOK, gin.H{"lang": lang, "labels": out})
}
