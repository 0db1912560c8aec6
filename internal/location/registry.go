package location

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/example/mandado-dispatch/internal/geo"
	"github.com/example/mandado-dispatch/internal/models"
)

// ErrNoLocation means the courier has never reported a position.
var ErrNoLocation = errors.New("no location reported")

// Registry keeps the last-known position and availability flag per courier.
// Writes are independent per courier; last write wins on timestamp.
type Registry interface {
	UpdateLocation(ctx context.Context, courierID string, lat, lng float64) error
	Location(ctx context.Context, courierID string) (*models.CourierLocation, error)
	SetAvailability(ctx context.Context, courierID string, available bool) error
	Available(ctx context.Context, courierID string) (bool, error)
	Nearby(ctx context.Context, lat, lng float64, limit int) ([]models.CourierLocation, error)
}

type entry struct {
	loc       *models.CourierLocation
	available bool
	hasAvail  bool
}

// MemoryRegistry is the single-process implementation used in development
// and tests. Production runs the Redis-backed one.
type MemoryRegistry struct {
	mu       sync.RWMutex
	couriers map[string]*entry
	now      func() time.Time
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{couriers: make(map[string]*entry), now: time.Now}
}

func (m *MemoryRegistry) ent(courierID string) *entry {
	e, ok := m.couriers[courierID]
	if !ok {
		e = &entry{}
		m.couriers[courierID] = e
	}
	return e
}

func (m *MemoryRegistry) UpdateLocation(ctx context.Context, courierID string, lat, lng float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.ent(courierID)
	e.loc = &models.CourierLocation{CourierID: courierID, Lat: lat, Lng: lng, UpdatedAt: m.now()}
	return nil
}

func (m *MemoryRegistry) Location(ctx context.Context, courierID string) (*models.CourierLocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.couriers[courierID]
	if !ok || e.loc == nil {
		return nil, ErrNoLocation
	}
	loc := *e.loc
	return &loc, nil
}

func (m *MemoryRegistry) SetAvailability(ctx context.Context, courierID string, available bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.ent(courierID)
	e.available = available
	e.hasAvail = true
	return nil
}

// Available defaults to true for couriers that never toggled the flag,
// matching the registration default.
func (m *MemoryRegistry) Available(ctx context.Context, courierID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.couriers[courierID]
	if !ok || !e.hasAvail {
		return true, nil
	}
	return e.available, nil
}

// Nearby scans all couriers with a reported position; callers filter out
// stale readings. A linear scan is fine at single-process scale.
func (m *MemoryRegistry) Nearby(ctx context.Context, lat, lng float64, limit int) ([]models.CourierLocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	type pair struct {
		loc  models.CourierLocation
		dist float64
	}
	arr := make([]pair, 0, len(m.couriers))
	for _, e := range m.couriers {
		if e.loc == nil {
			continue
		}
		if e.hasAvail && !e.available {
			continue
		}
		d := geo.Haversine(lat, lng, e.loc.Lat, e.loc.Lng)
		arr = append(arr, pair{*e.loc, d})
	}
	// partial selection sort for top-N
	n := limit
	if n > len(arr) {
		n = len(arr)
	}
	for i := 0; i < n; i++ {
		minIdx := i
		for j := i + 1; j < len(arr); j++ {
			if arr[j].dist < arr[minIdx].dist {
				minIdx = j
			}
		}
		arr[i], arr[minIdx] = arr[minIdx], arr[i]
	}
	out := make([]models.CourierLocation, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, arr[i].loc)
	}
	return out, nil
}
