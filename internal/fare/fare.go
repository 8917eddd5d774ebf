package fare

import (
	"errors"
	"math"
	"time"

	"github.com/example/ride-orchestrator/internal/geo"
	"github.com/example/ride-orchestrator/internal/models"
)

// ErrInvalidCoordinates is returned when either coordinate pair is outside
// the valid latitude/longitude range.
var ErrInvalidCoordinates = errors.New("invalid coordinates")

// SurgeWindow is an [Start, End) hour-of-day range with elevated pricing.
type SurgeWindow struct {
	StartHour int
	EndHour   int
}

// Estimator computes fare breakdowns from coordinate pairs. It is pure and
// safe for concurrent use without synchronization.
type Estimator struct {
	BaseFare        float64
	PerKmRate       float64
	PerMinuteRate   float64
	SurgeWindows    []SurgeWindow
	SurgeMultiplier float64

	// Now is overridable for tests; zero means time.Now.
	Now func() time.Time
}

// Breakdown is the result of a fare estimate.
type Breakdown struct {
	BaseFare        float64 `json:"base_fare"`
	DistanceKm      float64 `json:"distance_km"`
	DurationMinutes int     `json:"estimated_duration_minutes"`
	DistanceFare    float64 `json:"distance_fare"`
	TimeFare        float64 `json:"time_fare"`
	SurgeMultiplier float64 `json:"surge_multiplier"`
	TotalFare       float64 `json:"total_fare"`
}

// Estimate computes the fare for a pickup/dropoff pair.
// Total is base + per-km * distance + per-minute * duration, scaled by the
// surge multiplier when the current hour falls in a surge window, rounded
// half-up to two decimals.
func (e *Estimator) Estimate(pickup, dropoff models.Coord) (Breakdown, error) {
	if !pickup.Valid() || !dropoff.Valid() {
		return Breakdown{}, ErrInvalidCoordinates
	}
	// Round the distance first so every published field, including the
	// total, derives from the distance the breakdown reports.
	distKm := roundCurrency(geo.Haversine(pickup.Lat, pickup.Lon, dropoff.Lat, dropoff.Lon) / 1000.0)
	durMin := EstimateDurationMinutes(distKm)

	surge := 1.0
	if e.SurgeMultiplier > 1 && len(e.SurgeWindows) > 0 {
		now := time.Now
		if e.Now != nil {
			now = e.Now
		}
		hour := now().Hour()
		for _, w := range e.SurgeWindows {
			if hour >= w.StartHour && hour < w.EndHour {
				surge = e.SurgeMultiplier
				break
			}
		}
	}

	distanceFare := e.PerKmRate * distKm
	timeFare := e.PerMinuteRate * float64(durMin)
	total := (e.BaseFare + distanceFare + timeFare) * surge

	return Breakdown{
		BaseFare:        e.BaseFare,
		DistanceKm:      distKm,
		DurationMinutes: durMin,
		DistanceFare:    roundCurrency(distanceFare),
		TimeFare:        roundCurrency(timeFare),
		SurgeMultiplier: surge,
		TotalFare:       roundCurrency(total),
	}, nil
}

// EstimateForDistance recomputes a fare for a known actual distance. Used at
// trip completion when the driver reports the distance actually travelled.
func (e *Estimator) EstimateForDistance(distKm float64) Breakdown {
	distKm = roundCurrency(distKm)
	durMin := EstimateDurationMinutes(distKm)
	distanceFare := e.PerKmRate * distKm
	timeFare := e.PerMinuteRate * float64(durMin)
	return Breakdown{
		BaseFare:        e.BaseFare,
		DistanceKm:      distKm,
		DurationMinutes: durMin,
		DistanceFare:    roundCurrency(distanceFare),
		TimeFare:        roundCurrency(timeFare),
		SurgeMultiplier: 1.0,
		TotalFare:       roundCurrency(e.BaseFare + distanceFare + timeFare),
	}
}

// EstimateDurationMinutes assumes ~20 km/h campus traffic, floor of 5 minutes.
func EstimateDurationMinutes(distKm float64) int {
	m := int(distKm * 3)
	if m < 5 {
		m = 5
	}
	return m
}

// roundCurrency rounds half-up to two decimal places.
func roundCurrency(v float64) float64 {
	return math.Floor(v*100+0.5) / 100
}
