package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/gocomet/ride-coordination/internal/service/pool"
)

// GoOnline handles POST /v1/drivers/me/online and returns the current offers
func (h *Handlers) GoOnline(c *gin.Context) {
	l, err := h.Pool.GoOnline(c.Request.Context(), currentUser(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"online": true, "offers": l.Offers()})
}

// GoOffline handles POST /v1/drivers/me/offline
func (h *Handlers) GoOffline(c *gin.Context) {
	h.Pool.GoOffline(currentUser(c).ID)
	c.JSON(http.StatusOK, gin.H{"online": false})
}

// ListOffers handles GET /v1/drivers/me/offers
func (h *Handlers) ListOffers(c *gin.Context) {
	l, ok := h.Pool.Listener(currentUser(c).ID)
	if !ok {
		h.respondError(c, pool.ErrOffline)
		return
	}
	offers := l.Offers()
	c.JSON(http.StatusOK, gin.H{"offers": offers, "count": len(offers)})
}

// DeclineOffer handles POST /v1/drivers/me/offers/:id/decline. The trip
// stays open for other drivers.
func (h *Handlers) DeclineOffer(c *gin.Context) {
	l, ok := h.Pool.Listener(currentUser(c).ID)
	if !ok {
		h.respondError(c, pool.ErrOffline)
		return
	}
	l.Decline(c.Param("id"))
	c.JSON(http.StatusOK, gin.H{"offers": l.Offers()})
}

// Earnings handles GET /v1/drivers/me/earnings
func (h *Handlers) Earnings(c *gin.Context) {
	e, err := h.Trips.Earnings(c.Request.Context(), currentUser(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, e)
}
