package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/gocomet/ride-coordination/internal/api/dto"
	"github.com/gocomet/ride-coordination/internal/service/pricing"
)

// QuoteFare handles POST /v1/fares/quote. Addresses take precedence over a
// raw distance.
func (h *Handlers) QuoteFare(c *gin.Context) {
	var req dto.QuoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}

	u := currentUser(c)
	var (
		quote *pricing.Quote
		err   error
	)
	if req.ByRoute() {
		quote, err = h.Fares.QuoteRoute(c.Request.Context(), u.ID, req.Origin, req.Destination)
	} else {
		quote, err = h.Fares.Quote(c.Request.Context(), u.ID, req.DistanceKm)
	}
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, quote)
}

// ValidateFare handles POST /v1/fares/validate
func (h *Handlers) ValidateFare(c *gin.Context) {
	var req dto.ValidateFareRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}

	quote, err := h.Fares.Validate(c.Request.Context(), req.FareID, currentUser(c).ID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"valid": true, "quote": quote})
}
