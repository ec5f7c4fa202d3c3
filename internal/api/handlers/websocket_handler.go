package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	gorilla "github.com/gorilla/websocket"

	"github.com/gocomet/ride-coordination/internal/api/dto"
	"github.com/gocomet/ride-coordination/internal/domain/user"
	"github.com/gocomet/ride-coordination/internal/service/sampler"
	"github.com/gocomet/ride-coordination/pkg/logger"
	"github.com/gocomet/ride-coordination/pkg/websocket"
)

func newUpgrader(readBuffer, writeBuffer int) *gorilla.Upgrader {
	return &gorilla.Upgrader{
		ReadBufferSize:  readBuffer,
		WriteBufferSize: writeBuffer,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
}

// SetBufferSizes sizes the websocket upgrade buffers
func (h *Handlers) SetBufferSizes(readBuffer, writeBuffer int) {
	h.upgrader = newUpgrader(readBuffer, writeBuffer)
}

// device-side location failures a client may report
var locationErrors = map[string]error{
	"permission_denied": sampler.ErrPermissionDenied,
	"unavailable":       sampler.ErrPositionUnavailable,
	"timeout":           sampler.ErrTimeout,
}

type locationErrorPayload struct {
	Code string `json:"code"`
}

// HandleWebSocket handles GET /v1/ws. ?trip_id= starts tracking that trip
// and ?pool=1 takes a driver online; both can also be requested later with
// subscribe and go_online messages.
func (h *Handlers) HandleWebSocket(c *gin.Context) {
	u := currentUser(c)
	tripID := c.Query("trip_id")
	wantPool := c.Query("pool") == "1"

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.Logger.Error("Failed to upgrade to WebSocket", logger.Err(err))
		return
	}

	// The request context ends when this handler returns
	ctx := context.WithoutCancel(c.Request.Context())
	client := websocket.NewClient(h.Hub, conn, u.ID, string(u.Role), func(cl *websocket.Client, msg websocket.ClientMessage) {
		h.handleClientMessage(ctx, u, cl, msg)
	}, h.Logger)
	h.Hub.Register(client)

	go client.WritePump()
	go client.ReadPump()

	if tripID != "" {
		client.Subscribe(tripID)
		h.followTrip(ctx, u, client, tripID)
	}
	if wantPool {
		h.followPool(ctx, u, client)
	}
}

func (h *Handlers) handleClientMessage(ctx context.Context, u *user.User, c *websocket.Client, msg websocket.ClientMessage) {
	switch msg.Type {
	case "subscribe":
		h.followTrip(ctx, u, c, msg.TripID)

	case "unsubscribe":
		h.Tracking.Stop(msg.TripID, u.ID)

	case "location":
		var req dto.LocationRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil || req.Lat == nil || req.Lng == nil {
			sendError(c, "malformed location")
			return
		}
		if err := h.Tracking.Push(ctx, u, msg.TripID, req.Sample(h.now())); err != nil {
			sendAppError(c, err)
		}

	case "location_error":
		var p locationErrorPayload
		if err := json.Unmarshal(msg.Data, &p); err != nil {
			sendError(c, "malformed location error")
			return
		}
		cause, ok := locationErrors[p.Code]
		if !ok {
			sendError(c, "unknown location error code")
			return
		}
		if s, ok := h.Tracking.Session(msg.TripID, u.ID); ok {
			s.Fail(cause)
		}

	case "go_online":
		h.followPool(ctx, u, c)

	case "go_offline":
		h.Pool.GoOffline(u.ID)

	default:
		sendError(c, "unknown message type")
	}
}

// followTrip starts u's tracking session and forwards its updates to every
// connection of u subscribed to the trip. One forwarder runs per session.
func (h *Handlers) followTrip(ctx context.Context, u *user.User, c *websocket.Client, tripID string) {
	if tripID == "" {
		sendError(c, "trip_id required")
		return
	}
	s, err := h.Tracking.Start(ctx, u, tripID)
	if err != nil {
		c.Unsubscribe(tripID)
		sendAppError(c, err)
		return
	}

	if t := s.Trip(); t != nil {
		c.SendMessage(websocket.Message{Type: "trip_updated", Data: t})
	}
	if eta := s.ETA(); eta != nil {
		c.SendMessage(websocket.Message{Type: "eta_updated", Data: eta})
	}

	key := "trip:" + tripID + ":" + u.ID
	if !h.claimStream(key, s) {
		return
	}
	go func() {
		defer h.streams.CompareAndDelete(key, s)
		for upd := range s.Updates() {
			h.Hub.SendToTrip(tripID, u.ID, websocket.Message{Type: upd.Type, Data: upd})
		}
		msg := websocket.Message{Type: "tracking_ended"}
		if err := s.Err(); err != nil {
			msg.Data = err.Error()
		}
		h.Hub.SendToTrip(tripID, u.ID, msg)
	}()
}

// followPool takes a driver online and forwards offer snapshots
func (h *Handlers) followPool(ctx context.Context, u *user.User, c *websocket.Client) {
	l, err := h.Pool.GoOnline(ctx, u)
	if err != nil {
		sendAppError(c, err)
		return
	}
	c.SendMessage(websocket.Message{Type: "offers", Data: l.Offers()})

	key := "pool:" + u.ID
	if !h.claimStream(key, l) {
		return
	}
	go func() {
		defer h.streams.CompareAndDelete(key, l)
		for offers := range l.Updates() {
			h.Hub.SendToUser(u.ID, websocket.Message{Type: "offers", Data: offers})
		}
		h.Hub.SendToUser(u.ID, websocket.Message{Type: "offline"})
	}()
}

// claimStream reports whether the caller should start the forwarder for
// source. A forwarder still draining a previous source is replaced.
func (h *Handlers) claimStream(key string, source any) bool {
	prev, loaded := h.streams.LoadOrStore(key, source)
	if !loaded {
		return true
	}
	if prev == source {
		return false
	}
	return h.streams.CompareAndSwap(key, prev, source)
}

// clientGone releases a user's listener and sessions once their last
// connection closes
func (h *Handlers) clientGone(c *websocket.Client, remaining int) {
	if remaining > 0 {
		return
	}
	h.Pool.GoOffline(c.UserID)
	h.Tracking.StopUser(c.UserID)
	h.Logger.Debug("Last connection closed", logger.UserID(c.UserID))
}

func sendError(c *websocket.Client, message string) {
	c.SendMessage(websocket.Message{Type: "error", Data: dto.ErrorResponse{Code: "BAD_REQUEST", Message: message}})
}

func sendAppError(c *websocket.Client, err error) {
	appErr := translate(err)
	c.SendMessage(websocket.Message{Type: "error", Data: dto.ErrorResponse{Code: appErr.Code, Message: appErr.Message}})
}
