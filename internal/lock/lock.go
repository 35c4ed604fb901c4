// Package lock provides the Dispatch Lock: an exclusive claim on a ride request
// held by the driver that won it, indexed by the connection that holds it so a
// disconnect can free everything that connection owned.
package lock

import (
	"context"
	"sync"
	"time"
)

type Claim struct {
	RideID   string    `json:"ride_id"`
	DriverID string    `json:"driver_id"`
	Conn     string    `json:"conn,omitempty"`
	At       time.Time `json:"at"`
}

type Locker interface {
	// Acquire is a single compare-and-set: it succeeds only if nobody holds rideID.
	Acquire(ctx context.Context, rideID, driverID, conn string) (bool, error)
	// Release frees rideID whoever holds it.
	Release(ctx context.Context, rideID string) error
	// ReleaseOwned frees rideID only while driverID holds it.
	ReleaseOwned(ctx context.Context, rideID, driverID string) (bool, error)
	Holder(ctx context.Context, rideID string) (Claim, bool, error)
	// ReleaseConn frees every claim held through conn and returns them.
	ReleaseConn(ctx context.Context, conn string) ([]Claim, error)
}

// MemoryLocker is the single-process Locker.
type MemoryLocker struct {
	mu     sync.Mutex
	claims map[string]Claim
	byConn map[string]map[string]bool
	now    func() time.Time
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{
		claims: make(map[string]Claim),
		byConn: make(map[string]map[string]bool),
		now:    time.Now,
	}
}

func (m *MemoryLocker) Acquire(_ context.Context, rideID, driverID, conn string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, held := m.claims[rideID]; held {
		return false, nil
	}
	m.claims[rideID] = Claim{RideID: rideID, DriverID: driverID, Conn: conn, At: m.now()}
	if conn != "" {
		set, ok := m.byConn[conn]
		if !ok {
			set = make(map[string]bool)
			m.byConn[conn] = set
		}
		set[rideID] = true
	}
	return true, nil
}

func (m *MemoryLocker) Release(_ context.Context, rideID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releaseLocked(rideID)
	return nil
}

func (m *MemoryLocker) ReleaseOwned(_ context.Context, rideID, driverID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.claims[rideID]
	if !ok || c.DriverID != driverID {
		return false, nil
	}
	m.releaseLocked(rideID)
	return true, nil
}

func (m *MemoryLocker) releaseLocked(rideID string) {
	c, ok := m.claims[rideID]
	if !ok {
		return
	}
	delete(m.claims, rideID)
	if set := m.byConn[c.Conn]; set != nil {
		delete(set, rideID)
		if len(set) == 0 {
			delete(m.byConn, c.Conn)
		}
	}
}

func (m *MemoryLocker) Holder(_ context.Context, rideID string) (Claim, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.claims[rideID]
	return c, ok, nil
}

func (m *MemoryLocker) ReleaseConn(_ context.Context, conn string) ([]Claim, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.byConn[conn]
	out := make([]Claim, 0, len(set))
	for rideID := range set {
		out = append(out, m.claims[rideID])
		delete(m.claims, rideID)
	}
	delete(m.byConn, conn)
	return out, nil
}
