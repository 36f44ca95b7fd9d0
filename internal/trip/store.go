package trip

import (
	"context"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// Update carries the optional field changes applied together with a status
// transition. Nil pointers leave the stored value untouched.
type Update struct {
	DriverID     *string
	CancelReason *string

	// Offer fields are either set as a pair or cleared.
	OfferDriverID  *string
	OfferExpiresAt *time.Time
	ClearOffer     bool
}

// Store persists trips. UpdateStatus is an optimistic compare-and-set: the
// write only lands if the stored status and version still match, and the
// bool result reports whether it did. Callers that lose the race re-read.
type Store interface {
	Create(ctx context.Context, t *models.Trip) error
	Get(ctx context.Context, id string) (*models.Trip, error)
	UpdateStatus(ctx context.Context, id string, from, to models.TripStatus, version int, upd Update) (bool, error)
	HasActiveByRider(ctx context.Context, riderID string) (bool, error)
}

type MemoryStore struct {
	mu    sync.RWMutex
	trips map[string]models.Trip
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{trips: make(map[string]models.Trip)}
}

func (m *MemoryStore) Create(_ context.Context, t *models.Trip) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	// mirrors the partial unique index the Postgres schema enforces
	for _, existing := range m.trips {
		if existing.RiderID == t.RiderID && !IsTerminal(existing.Status) {
			return models.ErrAlreadyHasActiveTrip
		}
	}
	m.trips[t.ID] = *t
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*models.Trip, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.trips[id]
	if !ok {
		return nil, models.ErrTripNotFound
	}
	cp := t
	return &cp, nil
}

func (m *MemoryStore) UpdateStatus(_ context.Context, id string, from, to models.TripStatus, version int, upd Update) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[id]
	if !ok {
		return false, models.ErrTripNotFound
	}
	if t.Status != from || t.StatusVersion != version {
		return false, nil
	}
	t.Status = to
	t.StatusVersion++
	if upd.DriverID != nil {
		t.DriverID = *upd.DriverID
	}
	if upd.CancelReason != nil {
		t.CancelReason = *upd.CancelReason
	}
	if upd.ClearOffer {
		t.OfferDriverID = ""
		t.OfferExpiresAt = nil
	} else if upd.OfferDriverID != nil {
		t.OfferDriverID = *upd.OfferDriverID
		t.OfferExpiresAt = upd.OfferExpiresAt
	}
	t.UpdatedAt = time.Now()
	m.trips[id] = t
	return true, nil
}

func (m *MemoryStore) HasActiveByRider(_ context.Context, riderID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, t := range m.trips {
		if t.RiderID == riderID && !IsTerminal(t.Status) {
			return true, nil
		}
	}
	return false, nil
}
