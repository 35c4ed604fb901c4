package storage

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

var (
	ErrNotFound = errors.New("ride not found")
	// ErrStale means the conditional update lost: the stored version moved on.
	ErrStale = errors.New("ride version changed")
	// ErrPassengerActive means Create found another non-terminal ride for the
	// same passenger.
	ErrPassengerActive = errors.New("passenger already has an active ride")
)

// RideStore defines persistence operations for ride requests. Update is a
// single-document conditional write: it applies only while the stored version
// equals expectVersion, and bumps the version. Create enforces at most one
// non-terminal ride per passenger.
type RideStore interface {
	Create(ctx context.Context, r *models.RideRequest) error
	Get(ctx context.Context, id string) (*models.RideRequest, error)
	Update(ctx context.Context, r *models.RideRequest, expectVersion int) error
	ListPending(ctx context.Context) ([]*models.RideRequest, error)
	ListActiveByDriver(ctx context.Context, driverID string) ([]*models.RideRequest, error)
	HasActiveByPassenger(ctx context.Context, passengerID string) (bool, error)
}

type MemoryStore struct {
	mu    sync.RWMutex
	rides map[string]*models.RideRequest
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rides: make(map[string]*models.RideRequest)}
}

func (m *MemoryStore) Create(_ context.Context, r *models.RideRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rides[r.ID]; ok {
		return errors.New("ride already exists")
	}
	if !r.Status.Terminal() {
		for _, other := range m.rides {
			if other.PassengerID == r.PassengerID && !other.Status.Terminal() {
				return ErrPassengerActive
			}
		}
	}
	m.rides[r.ID] = r.Clone()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*models.RideRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r.Clone(), nil
}

func (m *MemoryStore) Update(_ context.Context, r *models.RideRequest, expectVersion int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.rides[r.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != expectVersion {
		return ErrStale
	}
	next := r.Clone()
	next.Version = expectVersion + 1
	next.UpdatedAt = time.Now()
	m.rides[r.ID] = next
	r.Version = next.Version
	r.UpdatedAt = next.UpdatedAt
	return nil
}

func (m *MemoryStore) ListPending(_ context.Context) ([]*models.RideRequest, error) {
	return m.filter(func(r *models.RideRequest) bool { return r.Status == models.StatusPending }), nil
}

func (m *MemoryStore) ListActiveByDriver(_ context.Context, driverID string) ([]*models.RideRequest, error) {
	return m.filter(func(r *models.RideRequest) bool {
		return r.DriverID == driverID && !r.Status.Terminal()
	}), nil
}

func (m *MemoryStore) HasActiveByPassenger(_ context.Context, passengerID string) (bool, error) {
	return len(m.filter(func(r *models.RideRequest) bool {
		return r.PassengerID == passengerID && !r.Status.Terminal()
	})) > 0, nil
}

func (m *MemoryStore) filter(keep func(*models.RideRequest) bool) []*models.RideRequest {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.RideRequest
	for _, r := range m.rides {
		if keep(r) {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}
