package geo

import (
	"context"
	"math"
	"sync"

	"github.com/example/ride-dispatch/internal/models"
)

// Index is the positional lookup used to pre-filter candidates for a pickup.
type Index interface {
	Upsert(ctx context.Context, driverID string, loc models.Coord) error
	Remove(ctx context.Context, driverID string) error
	Nearby(ctx context.Context, center models.Coord, radiusKm float64) ([]string, error)
}

type MemoryIndex struct {
	mu      sync.RWMutex
	drivers map[string]models.Coord
}

func NewIndex() *MemoryIndex {
	return &MemoryIndex{drivers: make(map[string]models.Coord)}
}

func (g *MemoryIndex) Upsert(_ context.Context, driverID string, loc models.Coord) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.drivers[driverID] = loc
	return nil
}

func (g *MemoryIndex) Remove(_ context.Context, driverID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.drivers, driverID)
	return nil
}

// naive scan; in prod use geo-hash or H3
func (g *MemoryIndex) Nearby(_ context.Context, center models.Coord, radiusKm float64) ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]string, 0, len(g.drivers))
	for id, loc := range g.drivers {
		if HaversineKm(center, loc) <= radiusKm {
			out = append(out, id)
		}
	}
	return out, nil
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}

func HaversineKm(a, b models.Coord) float64 {
	return Haversine(a.Lat, a.Lon, b.Lat, b.Lon) / 1000
}
