package geo

import (
	"context"
	"fmt"
	"sort"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/models"
)

const DefaultRadiusKm = 8.0

// PresenceSource exposes a point-in-time copy of connected drivers.
type PresenceSource interface {
	Snapshot() []models.DriverPresence
}

// Selector ranks the drivers eligible for a pickup. It never mutates state.
type Selector struct {
	Presence        PresenceSource
	Index           Index // optional pre-filter; nil scans the whole snapshot
	DefaultRadiusKm float64
}

// FindEligible returns online, non-busy drivers of the requested vehicle class
// and capacity within radiusKm of pickup, closest first. An empty result is not
// an error.
func (s *Selector) FindEligible(ctx context.Context, pickup models.Coord, vehicle models.VehicleType, minCapacity int, radiusKm float64) ([]models.Candidate, error) {
	if !pickup.Valid() {
		return nil, apperr.Validation("find_eligible", "invalid pickup %v", pickup)
	}
	if !vehicle.Valid() {
		return nil, apperr.Validation("find_eligible", "unknown vehicle type %q", vehicle)
	}
	if radiusKm <= 0 {
		radiusKm = s.DefaultRadiusKm
		if radiusKm <= 0 {
			radiusKm = DefaultRadiusKm
		}
	}

	var near map[string]bool
	if s.Index != nil {
		ids, err := s.Index.Nearby(ctx, pickup, radiusKm)
		if err != nil {
			return nil, fmt.Errorf("geo index: %w", err)
		}
		near = make(map[string]bool, len(ids))
		for _, id := range ids {
			near[id] = true
		}
	}

	type ranked struct {
		c models.Candidate
		p models.DriverPresence
	}
	arr := make([]ranked, 0)
	for _, p := range s.Presence.Snapshot() {
		if !p.Online || p.Busy || p.Loc == nil {
			continue
		}
		if p.Vehicle != vehicle || p.Capacity < minCapacity {
			continue
		}
		if near != nil && !near[p.DriverID] {
			continue
		}
		dist := HaversineKm(pickup, *p.Loc)
		if dist > radiusKm {
			continue
		}
		arr = append(arr, ranked{
			c: models.Candidate{
				DriverID:   p.DriverID,
				Conn:       p.Conn,
				Loc:        *p.Loc,
				DistanceKm: dist,
				Vehicle:    p.Vehicle,
				Capacity:   p.Capacity,
			},
			p: p,
		})
	}
	sort.SliceStable(arr, func(i, j int) bool {
		if arr[i].c.DistanceKm != arr[j].c.DistanceKm {
			return arr[i].c.DistanceKm < arr[j].c.DistanceKm
		}
		if !arr[i].p.ConnectedAt.Equal(arr[j].p.ConnectedAt) {
			return arr[i].p.ConnectedAt.Before(arr[j].p.ConnectedAt)
		}
		return arr[i].c.DriverID < arr[j].c.DriverID
	})
	out := make([]models.Candidate, 0, len(arr))
	for _, r := range arr {
		out = append(out, r.c)
	}
	return out, nil
}
