package fare

import (
	"context"
	"math"

	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/models"
)

// Quote is a fare estimate for a prospective trip.
type Quote struct {
	DistanceM int   `json:"distance_m"`
	DurationS int   `json:"duration_s"`
	FareCents int64 `json:"fare_estimate_cents"`
}

type Quoter interface {
	Quote(ctx context.Context, from, to models.Coord) (Quote, error)
}

// Service prices trips as base + per-km + per-minute, floored at base.
// Routing comes from the configured client with a straight-line fallback,
// so a quote always succeeds for valid coordinates.
type Service struct {
	Routing         eta.Client // optional
	Cache           *eta.Cache // optional
	BaseCents       int64
	PerKmCents      int64
	PerMinCents     int64
	DefaultSpeedMps float64
}

func (s *Service) Quote(ctx context.Context, from, to models.Coord) (Quote, error) {
	if !models.ValidCoord(from) || !models.ValidCoord(to) {
		return Quote{}, models.ErrInvalidArgument
	}
	var (
		r  eta.Route
		ok bool
	)
	if s.Cache != nil {
		r, ok = s.Cache.Get(from, to)
	}
	if !ok && s.Routing != nil {
		if v, err := s.Routing.Route(ctx, from, to); err == nil {
			r, ok = v, true
			if s.Cache != nil {
				s.Cache.Set(from, to, v)
			}
		}
	}
	if !ok {
		r = eta.Estimate(from, to, s.DefaultSpeedMps)
	}

	fare := s.BaseCents + int64(math.Round(r.DistanceM/1000.0*float64(s.PerKmCents)+r.DurationS/60.0*float64(s.PerMinCents)))
	if fare < s.BaseCents {
		fare = s.BaseCents
	}
	return Quote{
		DistanceM: int(math.Round(r.DistanceM)),
		DurationS: int(math.Round(r.DurationS)),
		FareCents: fare,
	}, nil
}
