package trip

import "github.com/example/ride-dispatch/internal/models"

// AllowedTransitions encodes the trip lifecycle as data. OFFERED -> REQUESTED
// is the internal retry edge used while cycling through candidates; riders
// never observe it as a distinct state.
var AllowedTransitions = map[models.TripStatus][]models.TripStatus{
	models.StatusRequested:      {models.StatusOffered, models.StatusCancelled},
	models.StatusOffered:        {models.StatusDriverAssigned, models.StatusRequested, models.StatusCancelled},
	models.StatusDriverAssigned: {models.StatusPickingUp, models.StatusCancelled},
	models.StatusPickingUp:      {models.StatusInProgress, models.StatusCancelled},
	models.StatusInProgress:     {models.StatusCompleted},
}

func CanTransition(from, to models.TripStatus) bool {
	for _, s := range AllowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func IsTerminal(s models.TripStatus) bool {
	return s == models.StatusCompleted || s == models.StatusCancelled
}

// RiderVisible collapses the searching churn: a rider sees REQUESTED and
// OFFERED as one "searching" state.
func RiderVisible(s models.TripStatus) string {
	switch s {
	case models.StatusRequested, models.StatusOffered:
		return "searching"
	default:
		return string(s)
	}
}
