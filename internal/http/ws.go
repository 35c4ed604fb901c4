package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/presence"
	"github.com/example/ride-dispatch/internal/ride"
)

const (
	pongWait       = 60 * time.Second
	maxMessageSize = 8192
)

// inbound is a client message on the socket.
type inbound struct {
	Type      string  `json:"type"`
	RequestID string  `json:"request_id,omitempty"`
	RideID    string  `json:"ride_id,omitempty"`
	Reason    string  `json:"reason,omitempty"`
	Lat       float64 `json:"lat,omitempty"`
	Lon       float64 `json:"lon,omitempty"`
	Heading   float64 `json:"heading,omitempty"`
	SpeedKmh  float64 `json:"speed_kmh,omitempty"`
	Online    *bool   `json:"online,omitempty"`
}

// reply answers one inbound message on the sender's own session.
type reply struct {
	Type      string              `json:"type"`
	RequestID string              `json:"request_id,omitempty"`
	RideID    string              `json:"ride_id,omitempty"`
	Ride      *models.RideRequest `json:"ride,omitempty"`
	Applied   *bool               `json:"applied,omitempty"`
	Code      string              `json:"code,omitempty"`
	Error     string              `json:"error,omitempty"`
	At        time.Time           `json:"at"`
}

func identityFrom(r *http.Request) presence.Identity {
	q := r.URL.Query()
	pick := func(header, param string) string {
		if v := r.Header.Get(header); v != "" {
			return v
		}
		return q.Get(param)
	}
	return presence.Identity{
		ID:       pick("X-Actor-ID", "id"),
		Role:     models.Role(pick("X-Actor-Role", "role")),
		Vehicle:  models.VehicleType(q.Get("vehicle")),
		Capacity: atoiOr(q.Get("capacity"), 0),
	}
}

// handleWS upgrades the request, registers the identity with the core and the
// hub, then reads client messages until the socket closes.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r)
	if id.ID == "" || (id.Role != models.RoleDriver && id.Role != models.RolePassenger) {
		writeJSON(w, http.StatusUnauthorized, errorBody{Code: "unauthenticated", Error: "missing identity"})
		return
	}
	c, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", "error", err)
		return
	}
	ctx := context.WithoutCancel(r.Context())
	connID := uuid.NewString()
	sess := dispatch.NewWSSession(connID, c)

	if _, err := s.core.Connect(ctx, connID, id); err != nil {
		_ = c.WriteJSON(errorReply("", err))
		_ = c.Close()
		return
	}
	if prev := s.hub.Register(id.ID, sess); prev != nil {
		_ = prev.Close()
	}
	go sess.WritePump()
	s.readPump(ctx, id, sess)

	s.hub.Unregister(id.ID, sess)
	_ = sess.Close()
	if err := s.core.Disconnect(ctx, connID); err != nil {
		s.logger.Error("disconnect failed", "conn", connID, "error", err)
	}
}

func (s *Server) readPump(ctx context.Context, id presence.Identity, sess *dispatch.WSSession) {
	c := sess.Conn()
	c.SetReadLimit(maxMessageSize)
	_ = c.SetReadDeadline(time.Now().Add(pongWait))
	c.SetPongHandler(func(string) error {
		return c.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := c.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Info("ws read closed", "id", id.ID, "conn", sess.ID(), "error", err)
			}
			return
		}
		_ = c.SetReadDeadline(time.Now().Add(pongWait))
		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			_ = sess.Send(errorReply("", apperr.Validation("message", "invalid json: %v", err)))
			continue
		}
		_ = sess.Send(s.handleMessage(ctx, id, sess.ID(), msg))
	}
}

func (s *Server) handleMessage(ctx context.Context, id presence.Identity, conn string, msg inbound) reply {
	actor := ride.Actor{ID: id.ID, Role: id.Role}
	var (
		got *models.RideRequest
		err error
	)
	switch msg.Type {
	case "ping":
		return reply{Type: "pong", RequestID: msg.RequestID, At: time.Now()}
	case "position":
		applied, err := s.core.UpdatePosition(ctx, conn, models.PositionPing{
			DriverID: id.ID,
			RideID:   msg.RideID,
			Loc:      models.Coord{Lat: msg.Lat, Lon: msg.Lon},
			Heading:  msg.Heading,
			SpeedKmh: msg.SpeedKmh,
		})
		if err != nil {
			return errorReply(msg.RequestID, err)
		}
		return reply{Type: "ack", RequestID: msg.RequestID, RideID: msg.RideID, Applied: &applied, At: time.Now()}
	case "availability":
		if msg.Online == nil {
			return errorReply(msg.RequestID, apperr.Validation("availability", "online is required"))
		}
		if err := s.core.SetAvailability(id.ID, *msg.Online); err != nil {
			return errorReply(msg.RequestID, err)
		}
		return reply{Type: "ack", RequestID: msg.RequestID, Applied: msg.Online, At: time.Now()}
	case "cancel":
		got, err = s.core.Machine().Cancel(ctx, msg.RideID, actor, msg.Reason)
	case "accept", "decline", "depart", "arrive", "start", "complete":
		if id.Role != models.RoleDriver {
			return errorReply(msg.RequestID, apperr.Authorization(msg.Type, "requires role driver"))
		}
		got, err = s.driverAction(ctx, ride.Action(msg.Type), msg.RideID, id.ID, conn)
	default:
		return errorReply(msg.RequestID, apperr.Validation("message", "unknown type %q", msg.Type))
	}
	if err != nil {
		if !apperr.Handled(err) {
			s.logger.Error("ws message failed", "type", msg.Type, "ride_id", msg.RideID, "id", id.ID, "error", err)
		}
		return errorReply(msg.RequestID, err)
	}
	return reply{Type: "ack", RequestID: msg.RequestID, RideID: got.ID, Ride: got, At: time.Now()}
}

func errorReply(requestID string, err error) reply {
	msg := err.Error()
	if !apperr.Handled(err) {
		msg = "internal error"
	}
	return reply{Type: "error", RequestID: requestID, Code: apperr.Code(err), Error: msg, At: time.Now()}
}
