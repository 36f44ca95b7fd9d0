package models

import "errors"

var (
	ErrInvalidArgument        = errors.New("invalid argument")
	ErrAlreadyHasActiveTrip   = errors.New("rider already has an active trip")
	ErrNoDriversAvailable     = errors.New("no drivers available")
	ErrTripNotFound           = errors.New("trip not found")
	ErrInvalidStateTransition = errors.New("invalid state transition")

	// ErrReservationConflict means a compare-and-set reservation lost its race.
	// The coordinator retries the next candidate; callers never see it.
	ErrReservationConflict = errors.New("reservation conflict")

	// ErrDriverUnavailable is returned by SetAvailable for a driver that is
	// RESERVED or ON_TRIP; a location ping alone must not free a busy driver.
	ErrDriverUnavailable = errors.New("driver is not available")
)
