package routes

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/newrelic/go-agent/v3/integrations/nrgin"
	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gocomet/ride-coordination/internal/api/handlers"
)

// Limits holds the rate limiters applied to route groups. Nil disables a limit.
type Limits struct {
	General  handlers.Limiter
	Location handlers.Limiter
}

// SetupRoutes configures all API routes
func SetupRoutes(r *gin.Engine, h *handlers.Handlers, nrApp *newrelic.Application, limits Limits) {
	// Add New Relic middleware if enabled
	if nrApp != nil {
		r.Use(nrgin.Middleware(nrApp))
	}
	r.Use(handlers.Metrics())

	// Health check
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":             "healthy",
			"online_drivers":     h.Pool.Online(),
			"tracking_sessions":  h.Tracking.Active(),
			"active_connections": h.Hub.GetActiveConnections(),
			"connected_drivers":  h.Hub.GetClientsByRole("driver"),
		})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/v1")
	{
		auth := v1.Group("/auth")
		auth.Use(h.RateLimit(limits.General))
		{
			auth.POST("/signup", h.SignUp)
			auth.POST("/signin", h.SignIn)
		}

		authed := v1.Group("")
		authed.Use(h.AuthRequired(h.Identity))
		{
			authed.POST("/auth/signout", h.SignOut)
			authed.GET("/auth/me", h.Me)

			// WebSocket connection
			authed.GET("/ws", h.HandleWebSocket)

			// Location posts get their own, higher budget
			authed.POST("/trips/:id/location", h.RateLimit(limits.Location), h.UpdateLocation)

			limited := authed.Group("")
			limited.Use(h.RateLimit(limits.General))

			fares := limited.Group("/fares")
			{
				fares.POST("/quote", h.QuoteFare)
				fares.POST("/validate", h.ValidateFare)
			}

			trips := limited.Group("/trips")
			{
				trips.POST("", h.CreateTrip)
				trips.GET("", h.ListTrips)
				trips.GET("/:id", h.GetTrip)
				trips.POST("/:id/accept", h.AcceptTrip)
				trips.POST("/:id/arrive", h.ArriveTrip)
				trips.POST("/:id/start", h.StartTrip)
				trips.POST("/:id/complete", h.CompleteTrip)
				trips.POST("/:id/cancel", h.CancelTrip)
			}

			drivers := limited.Group("/drivers/me")
			{
				drivers.POST("/online", h.GoOnline)
				drivers.POST("/offline", h.GoOffline)
				drivers.GET("/offers", h.ListOffers)
				drivers.POST("/offers/:id/decline", h.DeclineOffer)
				drivers.GET("/earnings", h.Earnings)
			}
		}
	}
}
