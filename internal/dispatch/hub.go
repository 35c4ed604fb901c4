package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/observability"
)

const mirrorBuffer = 1024

// Pusher delivers to recipients that have no live session.
type Pusher interface {
	Push(ctx context.Context, userID string, ev Event) error
}

// Hub routes events to personal channels, the searching-driver pool and
// per-ride shared channels. Delivery is best-effort and at most once per
// session per call; nothing is stored for replay.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]Session
	rides    map[string]map[string]bool

	pool   func() []string
	push   Pusher
	sinks  []Sink
	mirror chan Envelope
	logger *slog.Logger
}

// NewHub builds a hub. pool lists the user ids of the searching-driver pool.
func NewHub(pool func() []string, logger *slog.Logger) *Hub {
	return &Hub{
		sessions: make(map[string]Session),
		rides:    make(map[string]map[string]bool),
		pool:     pool,
		mirror:   make(chan Envelope, mirrorBuffer),
		logger:   logger.With("component", "fanout"),
	}
}

func (h *Hub) WithPush(p Pusher) *Hub {
	h.push = p
	return h
}

func (h *Hub) WithSinks(sinks ...Sink) *Hub {
	h.sinks = append(h.sinks, sinks...)
	return h
}

// Register binds userID to s and returns the session it replaced, if any.
func (h *Hub) Register(userID string, s Session) Session {
	h.mu.Lock()
	defer h.mu.Unlock()
	prev := h.sessions[userID]
	h.sessions[userID] = s
	observability.SessionsOpen.Set(float64(len(h.sessions)))
	if prev == s {
		return nil
	}
	return prev
}

// Unregister removes userID only while s is still its current session.
func (h *Hub) Unregister(userID string, s Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cur, ok := h.sessions[userID]; ok && cur == s {
		delete(h.sessions, userID)
	}
	observability.SessionsOpen.Set(float64(len(h.sessions)))
}

func (h *Hub) JoinRide(rideID string, userIDs ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.rides[rideID]
	if !ok {
		members = make(map[string]bool)
		h.rides[rideID] = members
	}
	for _, id := range userIDs {
		if id != "" {
			members[id] = true
		}
	}
}

func (h *Hub) LeaveRide(rideID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.rides, rideID)
}

func (h *Hub) ToUser(ctx context.Context, userID string, ev Event) {
	h.deliver(ctx, userID, ev)
	h.enqueue(Envelope{Event: ev, Audience: AudienceUser, Recipients: []string{userID}})
}

func (h *Hub) ToPool(ctx context.Context, ev Event) {
	var ids []string
	if h.pool != nil {
		ids = h.pool()
	}
	for _, id := range ids {
		h.deliverLive(id, ev)
	}
	h.enqueue(Envelope{Event: ev, Audience: AudiencePool, Recipients: ids})
}

func (h *Hub) ToRide(ctx context.Context, rideID string, ev Event) {
	h.mu.RLock()
	ids := make([]string, 0, len(h.rides[rideID]))
	for id := range h.rides[rideID] {
		ids = append(ids, id)
	}
	h.mu.RUnlock()
	for _, id := range ids {
		h.deliverLive(id, ev)
	}
	h.enqueue(Envelope{Event: ev, Audience: AudienceRide, Recipients: ids})
}

// deliver sends to a live session, falling back to push for personal events.
func (h *Hub) deliver(ctx context.Context, userID string, ev Event) {
	if h.deliverLive(userID, ev) {
		return
	}
	if h.push == nil {
		return
	}
	go func() {
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 3*time.Second)
		defer cancel()
		if err := h.push.Push(pctx, userID, ev); err != nil {
			h.logger.Warn("push failed", "user_id", userID, "type", ev.Type, "error", err)
			return
		}
		observability.NotificationsTotal.WithLabelValues(string(ev.Type), "pushed").Inc()
	}()
}

func (h *Hub) deliverLive(userID string, ev Event) bool {
	h.mu.RLock()
	s, ok := h.sessions[userID]
	h.mu.RUnlock()
	if !ok {
		observability.NotificationsTotal.WithLabelValues(string(ev.Type), "no_session").Inc()
		return false
	}
	if err := s.Send(ev); err != nil {
		observability.NotificationsTotal.WithLabelValues(string(ev.Type), "dropped").Inc()
		h.logger.Debug("send dropped", "user_id", userID, "type", ev.Type, "error", err)
		return false
	}
	observability.NotificationsTotal.WithLabelValues(string(ev.Type), "delivered").Inc()
	return true
}

func (h *Hub) enqueue(env Envelope) {
	if len(h.sinks) == 0 {
		return
	}
	select {
	case h.mirror <- env:
	default:
		h.logger.Warn("event mirror full, dropping", "type", env.Type, "ride_id", env.RideID)
	}
}

// Run forwards mirrored envelopes to the sinks until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-h.mirror:
			for _, s := range h.sinks {
				if err := s.Publish(ctx, env); err != nil {
					h.logger.Warn("event sink publish failed", "type", env.Type, "ride_id", env.RideID, "error", err)
				}
			}
		}
	}
}

// Recorder is an in-memory Notifier that keeps every event per user. It backs
// tests and local tooling.
type Recorder struct {
	mu     sync.Mutex
	events map[string][]Event
	pool   func() []string
	rides  map[string]map[string]bool
}

func NewRecorder(pool func() []string) *Recorder {
	return &Recorder{events: make(map[string][]Event), pool: pool, rides: make(map[string]map[string]bool)}
}

func (r *Recorder) ToUser(_ context.Context, userID string, ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events[userID] = append(r.events[userID], ev)
}

func (r *Recorder) ToPool(ctx context.Context, ev Event) {
	if r.pool == nil {
		return
	}
	for _, id := range r.pool() {
		r.ToUser(ctx, id, ev)
	}
}

func (r *Recorder) ToRide(ctx context.Context, rideID string, ev Event) {
	r.mu.Lock()
	ids := make([]string, 0)
	for id := range r.rides[rideID] {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	for _, id := range ids {
		r.ToUser(ctx, id, ev)
	}
}

func (r *Recorder) JoinRide(rideID string, userIDs ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rides[rideID] == nil {
		r.rides[rideID] = make(map[string]bool)
	}
	for _, id := range userIDs {
		r.rides[rideID][id] = true
	}
}

func (r *Recorder) LeaveRide(rideID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.rides, rideID)
}

// Events returns what userID received so far.
func (r *Recorder) Events(userID string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events[userID]...)
}

// Has reports whether userID received an event of type t for rideID.
func (r *Recorder) Has(userID string, t EventType, rideID string) bool {
	for _, ev := range r.Events(userID) {
		if ev.Type == t && ev.RideID == rideID {
			return true
		}
	}
	return false
}
