package geo

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-orchestrator/internal/models"
)

// Index is the driver presence lookup used to target request broadcasts
// and serve nearby-driver queries.
type Index interface {
	Upsert(d models.Driver)
	Nearby(lat, lon, radiusKm float64, limit int) []models.Driver
}

// MemoryIndex is a naive in-memory presence index. Fine for a campus-sized
// driver pool; swap in the Redis GEO index beyond that.
type MemoryIndex struct {
	mu      sync.RWMutex
	drivers map[string]models.Driver
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{drivers: make(map[string]models.Driver)}
}

func (g *MemoryIndex) Upsert(d models.Driver) {
	g.mu.Lock()
	defer g.mu.Unlock()
	d.Updated = time.Now()
	g.drivers[d.ID] = d
}

// Nearby returns online drivers within radiusKm of the point, closest
// first, capped at limit.
func (g *MemoryIndex) Nearby(lat, lon, radiusKm float64, limit int) []models.Driver {
	g.mu.RLock()
	defer g.mu.RUnlock()

	type scored struct {
		d    models.Driver
		dist float64
	}
	arr := make([]scored, 0, len(g.drivers))
	for _, d := range g.drivers {
		if !d.Online {
			continue
		}
		dist := Haversine(lat, lon, d.Loc.Lat, d.Loc.Lon)
		if radiusKm > 0 && dist > radiusKm*1000 {
			continue
		}
		arr = append(arr, scored{d, dist})
	}
	sort.Slice(arr, func(i, j int) bool { return arr[i].dist < arr[j].dist })
	if limit > 0 && len(arr) > limit {
		arr = arr[:limit]
	}
	out := make([]models.Driver, len(arr))
	for i, s := range arr {
		out[i] = s.d
	}
	return out
}

// Haversine distance in meters.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}
