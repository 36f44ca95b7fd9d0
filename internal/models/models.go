package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// ValidCoord reports whether c is a usable WGS84 coordinate.
func ValidCoord(c Coord) bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lng >= -180 && c.Lng <= 180
}

// PresenceState is a driver's availability state in the index.
type PresenceState string

const (
	StateOffline   PresenceState = "OFFLINE"
	StateAvailable PresenceState = "AVAILABLE"
	StateReserved  PresenceState = "RESERVED"
	StateOnTrip    PresenceState = "ON_TRIP"
)

// DriverPresence is the last-known position and availability of one driver.
// A driver has at most one presence record; coordinates are only meaningful
// while the state is not OFFLINE.
type DriverPresence struct {
	DriverID string        `json:"driver_id"`
	State    PresenceState `json:"state"`
	Loc      Coord         `json:"loc"`
	TripID   string        `json:"trip_id,omitempty"` // set while RESERVED or ON_TRIP
	Updated  time.Time     `json:"updated"`
}

// Candidate is one driver considered for a dispatch attempt.
type Candidate struct {
	DriverID  string  `json:"driver_id"`
	Loc       Coord   `json:"loc"`
	DistanceM float64 `json:"distance_m"`
}

type TripStatus string

const (
	StatusRequested      TripStatus = "REQUESTED"
	StatusOffered        TripStatus = "OFFERED"
	StatusDriverAssigned TripStatus = "DRIVER_ASSIGNED"
	StatusPickingUp      TripStatus = "PICKING_UP"
	StatusInProgress     TripStatus = "IN_PROGRESS"
	StatusCompleted      TripStatus = "COMPLETED"
	StatusCancelled      TripStatus = "CANCELLED"
)

// Cancellation reason codes surfaced on terminal CANCELLED trips.
const (
	ReasonNoDriversAvailable = "no_drivers_available"
	ReasonRiderCancelled     = "rider_cancelled"
)

type Trip struct {
	ID            string     `json:"id"`
	RiderID       string     `json:"rider_id"`
	DriverID      string     `json:"driver_id,omitempty"` // empty until DRIVER_ASSIGNED
	Status        TripStatus `json:"status"`
	StatusVersion int        `json:"-"`
	Origin        Coord      `json:"origin"`
	Destination   Coord      `json:"destination"`

	EstimatedDistanceM int   `json:"estimated_distance_m"`
	EstimatedDurationS int   `json:"estimated_duration_s"`
	FareEstimateCents  int64 `json:"fare_estimate_cents"`

	CancelReason string `json:"cancel_reason,omitempty"`

	// Offer bookkeeping, populated while Status == OFFERED.
	OfferDriverID  string     `json:"-"`
	OfferExpiresAt *time.Time `json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TripRequest is the immutable input to dispatch.
type TripRequest struct {
	RiderID     string `json:"rider_id"`
	Origin      Coord  `json:"origin"`
	Destination Coord  `json:"destination"`
}

// DriverLocation is the payload published to the location topic.
type DriverLocation struct {
	DriverID string    `json:"driver_id"`
	Loc      Coord     `json:"loc"`
	Online   bool      `json:"online"`
	At       time.Time `json:"at"`
}
