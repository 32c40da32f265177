package geo

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/example/ride-booking/internal/models"
)

// Positions keeps the last known driver location per booking.
type Positions interface {
	Upsert(ctx context.Context, p models.Position) error
	Last(ctx context.Context, bookingID string) (models.Position, bool, error)
	Remove(ctx context.Context, bookingID string) error
}

// Trails is implemented by position stores that also keep a short history
// of samples per booking.
type Trails interface {
	Trail(ctx context.Context, bookingID string, limit int) ([]models.Sample, error)
}

// Index is the in-process Positions implementation.
type Index struct {
	mu  sync.RWMutex
	pos map[string]models.Position
}

func NewIndex() *Index {
	return &Index{pos: make(map[string]models.Position)}
}

func (g *Index) Upsert(_ context.Context, p models.Position) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if p.Updated.IsZero() {
		p.Updated = time.Now()
	}
	g.pos[p.BookingID] = p
	return nil
}

func (g *Index) Last(_ context.Context, bookingID string) (models.Position, bool, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	p, ok := g.pos[bookingID]
	return p, ok, nil
}

func (g *Index) Remove(_ context.Context, bookingID string) error {
	g.mu.Lock()
	delete(g.pos, bookingID)
	g.mu.Unlock()
	return nil
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

// Distance is Haversine over two coordinates.
func Distance(a, b models.Coord) float64 {
	return Haversine(a.Lat, a.Lon, b.Lat, b.Lon)
}

// Within reports whether a lies inside radiusM meters of b.
func Within(a, b models.Coord, radiusM float64) bool {
	return Distance(a, b) <= radiusM
}

// RouteMetrics sums the driven distance over samples ordered by time and
// returns it with the elapsed time between the first and last sample.
func RouteMetrics(points []models.RoutePoint) (km, minutes float64) {
	if len(points) < 2 {
		return 0, 0
	}
	var meters float64
	for i := 1; i < len(points); i++ {
		meters += Haversine(points[i-1].Lat, points[i-1].Lon, points[i].Lat, points[i].Lon)
	}
	elapsed := points[len(points)-1].Timestamp.Sub(points[0].Timestamp)
	if elapsed < 0 {
		elapsed = 0
	}
	return meters / 1000, elapsed.Minutes()
}
