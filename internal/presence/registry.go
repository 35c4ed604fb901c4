// Package presence tracks which passengers and drivers are connected, through
// which connection, and each driver's position and ride load.
package presence

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/lock"
	"github.com/example/ride-dispatch/internal/models"
)

type Identity struct {
	ID       string             `json:"id"`
	Role     models.Role        `json:"role"`
	Vehicle  models.VehicleType `json:"vehicle,omitempty"`
	Capacity int                `json:"capacity,omitempty"`
}

// LockView is the read side of the Dispatch Lock used to authorise
// ride-scoped position updates.
type LockView interface {
	Holder(ctx context.Context, rideID string) (lock.Claim, bool, error)
}

type Registry struct {
	mu      sync.RWMutex
	conns   map[string]Identity
	byID    map[string]string
	drivers map[string]*models.DriverPresence

	locks     LockView
	index     geo.Index
	maxActive int
	now       func() time.Time
}

// NewRegistry builds a registry. index may be nil; maxActive below 1 means one
// non-terminal ride per driver.
func NewRegistry(locks LockView, index geo.Index, maxActive int) *Registry {
	if maxActive < 1 {
		maxActive = 1
	}
	return &Registry{
		conns:     make(map[string]Identity),
		byID:      make(map[string]string),
		drivers:   make(map[string]*models.DriverPresence),
		locks:     locks,
		index:     index,
		maxActive: maxActive,
		now:       time.Now,
	}
}

// Connect binds identity to conn. A driver becomes online. When the identity was
// already bound to another connection, that handle is returned so the transport
// can close it.
func (r *Registry) Connect(conn string, id Identity) (string, error) {
	if conn == "" || id.ID == "" {
		return "", apperr.Validation("connect", "connection and identity are required")
	}
	if id.Role != models.RoleDriver && id.Role != models.RolePassenger {
		return "", apperr.Validation("connect", "unknown role %q", id.Role)
	}
	if id.Role == models.RoleDriver && !id.Vehicle.Valid() {
		return "", apperr.Validation("connect", "unknown vehicle type %q", id.Vehicle)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.byID[id.ID]
	if prev == conn {
		prev = ""
	}
	if prev != "" {
		delete(r.conns, prev)
	}
	r.conns[conn] = id
	r.byID[id.ID] = conn

	if id.Role == models.RoleDriver {
		now := r.now()
		p := &models.DriverPresence{
			DriverID:    id.ID,
			Conn:        conn,
			Online:      true,
			Vehicle:     id.Vehicle,
			Capacity:    id.Capacity,
			ActiveRides: make(map[string]bool),
			ConnectedAt: now,
			Updated:     now,
		}
		if old, ok := r.drivers[id.ID]; ok {
			p.Loc = old.Loc
			p.ActiveRides = old.ActiveRides
			p.Busy = old.Busy
		}
		r.drivers[id.ID] = p
	}
	return prev, nil
}

// Disconnect forgets conn. A driver whose current connection it was is removed.
func (r *Registry) Disconnect(ctx context.Context, conn string) (Identity, bool, error) {
	r.mu.Lock()
	id, ok := r.conns[conn]
	if !ok {
		r.mu.Unlock()
		return Identity{}, false, nil
	}
	delete(r.conns, conn)
	removeDriver := false
	if r.byID[id.ID] == conn {
		delete(r.byID, id.ID)
		if id.Role == models.RoleDriver {
			delete(r.drivers, id.ID)
			removeDriver = true
		}
	}
	r.mu.Unlock()

	if removeDriver && r.index != nil {
		if err := r.index.Remove(ctx, id.ID); err != nil {
			return id, true, fmt.Errorf("geo remove %s: %w", id.ID, err)
		}
	}
	return id, true, nil
}

// Heartbeat applies a position ping sent through conn. It returns false when the
// ping is dropped: the connection is not the driver's, or the ping names a ride
// whose Dispatch Lock this connection does not hold.
func (r *Registry) Heartbeat(ctx context.Context, conn string, ping models.PositionPing) (bool, error) {
	if !ping.Loc.Valid() {
		return false, apperr.Validation("heartbeat", "invalid position %v", ping.Loc)
	}
	r.mu.RLock()
	id, ok := r.conns[conn]
	r.mu.RUnlock()
	if !ok || id.Role != models.RoleDriver || id.ID != ping.DriverID {
		return false, nil
	}
	if ping.RideID != "" {
		claim, held, err := r.locks.Holder(ctx, ping.RideID)
		if err != nil {
			return false, fmt.Errorf("lock holder %s: %w", ping.RideID, err)
		}
		if !held || claim.DriverID != ping.DriverID || claim.Conn != conn {
			return false, nil
		}
	}

	r.mu.Lock()
	p, ok := r.drivers[ping.DriverID]
	if !ok || p.Conn != conn {
		r.mu.Unlock()
		return false, nil
	}
	loc := ping.Loc
	p.Loc = &loc
	p.Heading = ping.Heading
	p.SpeedKmh = ping.SpeedKmh
	p.Updated = r.now()
	r.mu.Unlock()

	if r.index != nil {
		if err := r.index.Upsert(ctx, ping.DriverID, ping.Loc); err != nil {
			return true, fmt.Errorf("geo upsert %s: %w", ping.DriverID, err)
		}
	}
	return true, nil
}

// SetOnline toggles whether a connected driver takes new offers.
func (r *Registry) SetOnline(driverID string, online bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.drivers[driverID]
	if !ok {
		return false
	}
	p.Online = online
	p.Updated = r.now()
	return true
}

// AssignRide records rideID against driverID and recomputes the busy flag.
func (r *Registry) AssignRide(driverID, rideID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.drivers[driverID]
	if !ok {
		return false
	}
	p.ActiveRides[rideID] = true
	p.Busy = len(p.ActiveRides) >= r.maxActive
	p.Updated = r.now()
	return true
}

// Reserve claims one of driverID's ride slots for rideID, provided conn is the
// driver's live connection. Checking capacity and taking the slot happen under
// one lock. reserved is false when rideID already held a slot, so the caller
// knows not to give it back on failure.
func (r *Registry) Reserve(driverID, conn, rideID string) (reserved bool, err error) {
	const op = "accept"
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.drivers[driverID]
	if !ok || conn == "" || p.Conn != conn {
		return false, apperr.Conflict(op, "driver %s has no live connection", driverID)
	}
	if p.ActiveRides[rideID] {
		return false, nil
	}
	if len(p.ActiveRides) >= r.maxActive {
		return false, apperr.Capacity(op, "driver %s is already on a ride", driverID)
	}
	p.ActiveRides[rideID] = true
	p.Busy = len(p.ActiveRides) >= r.maxActive
	p.Updated = r.now()
	return true, nil
}

// ReleaseRide drops rideID from driverID. Busy stays set while other
// non-terminal rides remain at capacity.
func (r *Registry) ReleaseRide(driverID, rideID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.drivers[driverID]
	if !ok {
		return false
	}
	delete(p.ActiveRides, rideID)
	p.Busy = len(p.ActiveRides) >= r.maxActive
	p.Updated = r.now()
	return p.Busy
}

func (r *Registry) IsBusy(driverID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.drivers[driverID]
	return ok && p.Busy
}

func (r *Registry) Driver(driverID string) (models.DriverPresence, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.drivers[driverID]
	if !ok {
		return models.DriverPresence{}, false
	}
	return copyPresence(p), true
}

func (r *Registry) Identity(conn string) (Identity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.conns[conn]
	return id, ok
}

// Conn returns the live connection of a passenger or driver.
func (r *Registry) Conn(id string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byID[id]
	return c, ok
}

func (r *Registry) Snapshot() []models.DriverPresence {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.DriverPresence, 0, len(r.drivers))
	for _, p := range r.drivers {
		out = append(out, copyPresence(p))
	}
	return out
}

// OnlineDrivers lists drivers currently taking offers, the searching pool.
func (r *Registry) OnlineDrivers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.drivers))
	for id, p := range r.drivers {
		if p.Online {
			out = append(out, id)
		}
	}
	return out
}

func copyPresence(p *models.DriverPresence) models.DriverPresence {
	cp := *p
	if p.Loc != nil {
		l := *p.Loc
		cp.Loc = &l
	}
	cp.ActiveRides = make(map[string]bool, len(p.ActiveRides))
	for k, v := range p.ActiveRides {
		cp.ActiveRides[k] = v
	}
	return cp
}
