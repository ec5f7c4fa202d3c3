package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/gocomet/ride-coordination/internal/api/dto"
	"github.com/gocomet/ride-coordination/internal/domain/trip"
	"github.com/gocomet/ride-coordination/internal/service/lifecycle"
	"github.com/gocomet/ride-coordination/pkg/logger"
)

// CreateTrip handles POST /v1/trips
func (h *Handlers) CreateTrip(c *gin.Context) {
	var req dto.CreateTripRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}

	t, err := h.Trips.Create(c.Request.Context(), currentUser(c), lifecycle.CreateRequest{
		FareID:      req.FareID,
		Origin:      req.Origin,
		Destination: req.Destination,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, t)
}

// ListTrips handles GET /v1/trips, newest first
func (h *Handlers) ListTrips(c *gin.Context) {
	trips, err := h.Trips.History(c.Request.Context(), currentUser(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	if trips == nil {
		trips = []*trip.Trip{}
	}
	c.JSON(http.StatusOK, dto.TripsResponse{Trips: trips, Count: len(trips)})
}

// GetTrip handles GET /v1/trips/:id
func (h *Handlers) GetTrip(c *gin.Context) {
	t, err := h.Trips.Get(c.Request.Context(), currentUser(c), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

// AcceptTrip handles POST /v1/trips/:id/accept. It goes through the pool so
// an online driver's listener sees the outcome.
func (h *Handlers) AcceptTrip(c *gin.Context) {
	var req dto.AcceptTripRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		h.badRequest(c, err)
		return
	}

	var loc *trip.Location
	if req.Location != nil {
		loc = req.Location.Location(h.now())
	}

	driver := currentUser(c)
	t, err := h.Pool.Accept(c.Request.Context(), driver, c.Param("id"), loc)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.Logger.Info("Trip accepted over HTTP", logger.TripID(t.ID), logger.UserID(driver.ID))
	c.JSON(http.StatusOK, t)
}

// ArriveTrip handles POST /v1/trips/:id/arrive
func (h *Handlers) ArriveTrip(c *gin.Context) {
	var req dto.ArriveRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		h.badRequest(c, err)
		return
	}

	t, err := h.Trips.Arrive(c.Request.Context(), currentUser(c), c.Param("id"), req.Message)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

// StartTrip handles POST /v1/trips/:id/start
func (h *Handlers) StartTrip(c *gin.Context) {
	t, err := h.Trips.Start(c.Request.Context(), currentUser(c), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

// CompleteTrip handles POST /v1/trips/:id/complete
func (h *Handlers) CompleteTrip(c *gin.Context) {
	t, err := h.Trips.Complete(c.Request.Context(), currentUser(c), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

// CancelTrip handles POST /v1/trips/:id/cancel
func (h *Handlers) CancelTrip(c *gin.Context) {
	t, err := h.Trips.Cancel(c.Request.Context(), currentUser(c), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

// UpdateLocation handles POST /v1/trips/:id/location. With a live tracking
// session the fix joins its sampler; otherwise it is validated and written
// directly.
func (h *Handlers) UpdateLocation(c *gin.Context) {
	var req dto.LocationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}

	err := h.Tracking.Push(c.Request.Context(), currentUser(c), c.Param("id"), req.Sample(h.now()))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, dto.SuccessResponse{Message: "location received"})
}
