package presence

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// Index maintains the set of online drivers, their last-known position and
// their availability state. QueryNearby only ever returns AVAILABLE drivers.
//
// Reserve is the one strict compare-and-set in the system: two dispatch
// attempts racing for the same driver must produce exactly one winner.
type Index interface {
	SetAvailable(ctx context.Context, driverID string, loc models.Coord) error
	SetOffline(ctx context.Context, driverID string) error
	// UpdateLocation moves a known driver without touching its state.
	// Unknown driver ids are a no-op.
	UpdateLocation(ctx context.Context, driverID string, loc models.Coord) error
	QueryNearby(ctx context.Context, origin models.Coord, radiusM float64, limit int) ([]models.Candidate, error)

	// Reserve transitions AVAILABLE -> RESERVED for tripID, atomically.
	Reserve(ctx context.Context, driverID, tripID string) error
	// Release reverts RESERVED -> AVAILABLE if the reservation belongs to
	// tripID; any other state is a no-op, so decline and expiry can both
	// fire without harm.
	Release(ctx context.Context, driverID, tripID string) error
	// BeginTrip transitions RESERVED -> ON_TRIP for tripID.
	BeginTrip(ctx context.Context, driverID, tripID string) error
	// FinishTrip transitions ON_TRIP -> AVAILABLE if the trip matches.
	FinishTrip(ctx context.Context, driverID, tripID string) error

	Get(ctx context.Context, driverID string) (models.DriverPresence, bool, error)
}

// MemoryIndex is a mutex-guarded in-process Index, used when no Redis
// address is configured and throughout the test suite.
type MemoryIndex struct {
	mu      sync.RWMutex
	drivers map[string]models.DriverPresence
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{drivers: make(map[string]models.DriverPresence)}
}

func (m *MemoryIndex) SetAvailable(_ context.Context, driverID string, loc models.Coord) error {
	if !models.ValidCoord(loc) {
		return models.ErrInvalidArgument
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.drivers[driverID]; ok {
		switch d.State {
		case models.StateReserved, models.StateOnTrip:
			// coordinates still move with the ping
			d.Loc = loc
			d.Updated = time.Now()
			m.drivers[driverID] = d
			return models.ErrDriverUnavailable
		}
	}
	m.drivers[driverID] = models.DriverPresence{
		DriverID: driverID,
		State:    models.StateAvailable,
		Loc:      loc,
		Updated:  time.Now(),
	}
	return nil
}

func (m *MemoryIndex) SetOffline(_ context.Context, driverID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.drivers, driverID)
	return nil
}

func (m *MemoryIndex) UpdateLocation(_ context.Context, driverID string, loc models.Coord) error {
	if !models.ValidCoord(loc) {
		return models.ErrInvalidArgument
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[driverID]
	if !ok {
		return nil
	}
	d.Loc = loc
	d.Updated = time.Now()
	m.drivers[driverID] = d
	return nil
}

// naive scan and partial top-N selection; fine for a single process, the
// Redis index covers the multi-node case.
func (m *MemoryIndex) QueryNearby(_ context.Context, origin models.Coord, radiusM float64, limit int) ([]models.Candidate, error) {
	if !models.ValidCoord(origin) || radiusM <= 0 || limit <= 0 {
		return nil, models.ErrInvalidArgument
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	arr := make([]models.Candidate, 0, len(m.drivers))
	for _, d := range m.drivers {
		if d.State != models.StateAvailable {
			continue
		}
		dist := Haversine(origin.Lat, origin.Lng, d.Loc.Lat, d.Loc.Lng)
		if dist > radiusM {
			continue
		}
		arr = append(arr, models.Candidate{DriverID: d.DriverID, Loc: d.Loc, DistanceM: dist})
	}
	n := limit
	if n > len(arr) {
		n = len(arr)
	}
	for i := 0; i < n; i++ {
		minIdx := i
		for j := i + 1; j < len(arr); j++ {
			if arr[j].DistanceM < arr[minIdx].DistanceM {
				minIdx = j
			}
		}
		arr[i], arr[minIdx] = arr[minIdx], arr[i]
	}
	return arr[:n], nil
}

func (m *MemoryIndex) Reserve(_ context.Context, driverID, tripID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[driverID]
	if !ok || d.State != models.StateAvailable {
		return models.ErrReservationConflict
	}
	d.State = models.StateReserved
	d.TripID = tripID
	d.Updated = time.Now()
	m.drivers[driverID] = d
	return nil
}

func (m *MemoryIndex) Release(_ context.Context, driverID, tripID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[driverID]
	if !ok || d.State != models.StateReserved || d.TripID != tripID {
		return nil
	}
	d.State = models.StateAvailable
	d.TripID = ""
	d.Updated = time.Now()
	m.drivers[driverID] = d
	return nil
}

func (m *MemoryIndex) BeginTrip(_ context.Context, driverID, tripID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[driverID]
	if !ok || d.State != models.StateReserved || d.TripID != tripID {
		return models.ErrReservationConflict
	}
	d.State = models.StateOnTrip
	d.Updated = time.Now()
	m.drivers[driverID] = d
	return nil
}

func (m *MemoryIndex) FinishTrip(_ context.Context, driverID, tripID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[driverID]
	if !ok || d.State != models.StateOnTrip || d.TripID != tripID {
		return nil
	}
	d.State = models.StateAvailable
	d.TripID = ""
	d.Updated = time.Now()
	m.drivers[driverID] = d
	return nil
}

func (m *MemoryIndex) Get(_ context.Context, driverID string) (models.DriverPresence, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.drivers[driverID]
	return d, ok, nil
}

// Haversine distance in meters.
func Haversine(lat1, lng1, lat2, lng2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLng := (lng2 - lng1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}
