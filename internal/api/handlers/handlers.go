package handlers

import (
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	gorilla "github.com/gorilla/websocket"

	"github.com/gocomet/ride-coordination/internal/domain/user"
	"github.com/gocomet/ride-coordination/internal/identity"
	"github.com/gocomet/ride-coordination/internal/service/lifecycle"
	"github.com/gocomet/ride-coordination/internal/service/pool"
	"github.com/gocomet/ride-coordination/internal/service/pricing"
	"github.com/gocomet/ride-coordination/internal/service/tracking"
	"github.com/gocomet/ride-coordination/pkg/logger"
	"github.com/gocomet/ride-coordination/pkg/websocket"
)

const (
	ctxUser  = "user"
	ctxToken = "token"
)

// Handlers holds all handler dependencies
type Handlers struct {
	Identity *identity.Service
	Fares    *pricing.Service
	Trips    *lifecycle.Service
	Pool     *pool.Manager
	Tracking *tracking.Manager
	Hub      *websocket.Hub
	Logger   *logger.Logger

	now      func() time.Time
	upgrader *gorilla.Upgrader
	streams  sync.Map // "trip:<id>:<user>" and "pool:<user>" forwarders
}

// NewHandlers creates a new Handlers instance and hooks it to hub disconnects
func NewHandlers(
	ident *identity.Service,
	fares *pricing.Service,
	trips *lifecycle.Service,
	drivers *pool.Manager,
	tracker *tracking.Manager,
	hub *websocket.Hub,
	log *logger.Logger,
) *Handlers {
	h := &Handlers{
		Identity: ident,
		Fares:    fares,
		Trips:    trips,
		Pool:     drivers,
		Tracking: tracker,
		Hub:      hub,
		Logger:   log.Named("api"),
		now:      time.Now,
		upgrader: newUpgrader(1024, 1024),
	}
	if hub != nil {
		hub.OnDisconnect(h.clientGone)
	}
	return h
}

// currentUser returns the user set by AuthRequired
func currentUser(c *gin.Context) *user.User {
	v, ok := c.Get(ctxUser)
	if !ok {
		return nil
	}
	u, _ := v.(*user.User)
	return u
}
