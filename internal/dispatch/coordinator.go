package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/fare"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/presence"
	"github.com/example/ride-dispatch/internal/trip"
)

type Config struct {
	InitialRadiusM   float64
	WidenedRadiusM   float64
	CandidateLimit   int
	OfferTTL         time.Duration
	MaxOfferAttempts int
	FareCurrency     string
}

func (c *Config) applyDefaults() {
	if c.InitialRadiusM <= 0 {
		c.InitialRadiusM = 5000
	}
	if c.WidenedRadiusM < c.InitialRadiusM {
		c.WidenedRadiusM = 2 * c.InitialRadiusM
	}
	if c.CandidateLimit <= 0 {
		c.CandidateLimit = 10
	}
	if c.OfferTTL <= 0 {
		c.OfferTTL = 15 * time.Second
	}
	if c.MaxOfferAttempts <= 0 {
		c.MaxOfferAttempts = 3
	}
	if c.FareCurrency == "" {
		c.FareCurrency = "usd"
	}
}

// Coordinator owns the dispatch flow: it turns a trip request into a chain
// of time-bounded offers, one reserved driver at a time, and drives the trip
// state machine as drivers and riders respond.
//
// The only strict atomic step is the driver reservation inside the
// availability index; everything here layers bounded retries and idempotent
// offer resolution on top of that.
type Coordinator struct {
	presence presence.Index
	trips    trip.Store
	notifier notify.Notifier
	quoter   fare.Quoter
	payments payments.Processor // optional
	logger   *slog.Logger
	cfg      Config

	mu     sync.Mutex
	active map[string]*dispatchState // keyed by trip id
}

// dispatchState is the in-process bookkeeping for one non-terminal trip.
type dispatchState struct {
	mu        sync.Mutex
	riderID   string
	origin    models.Coord
	attempts  int
	tried     map[string]struct{}
	offer     *offer
	paymentID string
}

// offer is one outstanding proposal to one driver. resolved flips exactly
// once, whichever of accept, decline, expiry or cancel gets there first;
// later triggers are no-ops.
type offer struct {
	driverID  string
	expiresAt time.Time
	timer     *time.Timer
	resolved  bool
}

func NewCoordinator(idx presence.Index, trips trip.Store, notifier notify.Notifier, quoter fare.Quoter, proc payments.Processor, logger *slog.Logger, cfg Config) *Coordinator {
	cfg.applyDefaults()
	return &Coordinator{
		presence: idx,
		trips:    trips,
		notifier: notifier,
		quoter:   quoter,
		payments: proc,
		logger:   logger,
		cfg:      cfg,
		active:   make(map[string]*dispatchState),
	}
}

// OfferPayload is what a driver session receives for a new ride offer.
type OfferPayload struct {
	TripID            string       `json:"trip_id"`
	Pickup            models.Coord `json:"pickup"`
	Destination       models.Coord `json:"destination"`
	FareEstimateCents int64        `json:"fare_estimate_cents"`
	DistanceToPickupM float64      `json:"distance_to_pickup_m"`
	ExpiresAt         time.Time    `json:"expires_at"`
}

// TripView is the trip as surfaced to clients: the raw status plus the
// collapsed rider-facing one.
type TripView struct {
	models.Trip
	RiderStatus string `json:"rider_status"`
}

func View(t *models.Trip) TripView {
	return TripView{Trip: *t, RiderStatus: trip.RiderVisible(t.Status)}
}

// RequestTrip creates a trip and runs the first dispatch attempt. When no
// driver can be reserved the returned trip is already CANCELLED with reason
// no_drivers_available and the error is ErrNoDriversAvailable.
func (c *Coordinator) RequestTrip(ctx context.Context, req models.TripRequest) (*models.Trip, error) {
	if req.RiderID == "" {
		return nil, fmt.Errorf("%w: rider id required", models.ErrInvalidArgument)
	}
	if !models.ValidCoord(req.Origin) || !models.ValidCoord(req.Destination) {
		return nil, fmt.Errorf("%w: coordinates out of range", models.ErrInvalidArgument)
	}

	active, err := c.trips.HasActiveByRider(ctx, req.RiderID)
	if err != nil {
		return nil, err
	}
	if active {
		return nil, models.ErrAlreadyHasActiveTrip
	}

	quote, err := c.quoter.Quote(ctx, req.Origin, req.Destination)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	t := &models.Trip{
		ID:                 uuid.NewString(),
		RiderID:            req.RiderID,
		Status:             models.StatusRequested,
		Origin:             req.Origin,
		Destination:        req.Destination,
		EstimatedDistanceM: quote.DistanceM,
		EstimatedDurationS: quote.DurationS,
		FareEstimateCents:  quote.FareCents,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := c.trips.Create(ctx, t); err != nil {
		return nil, err
	}
	observability.TripsRequested.Inc()

	st := &dispatchState{riderID: req.RiderID, origin: req.Origin, tried: make(map[string]struct{})}
	c.mu.Lock()
	c.active[t.ID] = st
	c.mu.Unlock()

	st.mu.Lock()
	offerErr := c.offerNextLocked(ctx, t.ID, st)
	st.mu.Unlock()

	out, err := c.trips.Get(ctx, t.ID)
	if err != nil {
		return nil, err
	}
	if offerErr != nil && !errors.Is(offerErr, models.ErrNoDriversAvailable) {
		return out, offerErr
	}
	if errors.Is(offerErr, models.ErrNoDriversAvailable) {
		return out, models.ErrNoDriversAvailable
	}
	return out, nil
}

// GetTrip returns the authoritative trip record; clients poll it as the
// fallback when realtime delivery was missed.
func (c *Coordinator) GetTrip(ctx context.Context, id string) (*models.Trip, error) {
	return c.trips.Get(ctx, id)
}

// DriverRespond applies a driver's accept or decline to an outstanding
// offer. A response that arrives after the offer was resolved (expired,
// declined elsewhere, cancelled) is a no-op returning the current trip.
func (c *Coordinator) DriverRespond(ctx context.Context, tripID, driverID string, accept bool) (*models.Trip, error) {
	if driverID == "" {
		return nil, fmt.Errorf("%w: driver id required", models.ErrInvalidArgument)
	}
	t, err := c.trips.Get(ctx, tripID)
	if err != nil {
		return nil, err
	}
	st := c.state(tripID)
	if st == nil {
		// dispatch already settled; accepting your own assignment or
		// declining a finished trip are harmless no-ops
		if accept && t.DriverID == driverID {
			return t, nil
		}
		if !accept && trip.IsTerminal(t.Status) {
			return t, nil
		}
		return nil, models.ErrInvalidStateTransition
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	off := st.offer
	if off == nil || off.resolved || off.driverID != driverID {
		if _, tried := st.tried[driverID]; tried || (accept && t.DriverID == driverID) {
			// late response after expiry or concurrent resolution
			return c.trips.Get(ctx, tripID)
		}
		return nil, models.ErrInvalidStateTransition
	}

	off.resolved = true
	off.timer.Stop()
	st.offer = nil

	if accept {
		return c.acceptLocked(ctx, tripID, driverID, st)
	}
	observability.OffersResolved.WithLabelValues("declined").Inc()
	if err := c.retireOfferLocked(ctx, tripID, driverID, st); err != nil {
		return nil, err
	}
	return c.trips.Get(ctx, tripID)
}

// CancelTrip is the rider-initiated cancellation, valid any time before the
// trip is IN_PROGRESS. An outstanding offer is revoked and its driver
// released; an assigned driver is freed.
func (c *Coordinator) CancelTrip(ctx context.Context, tripID string) (*models.Trip, error) {
	t, err := c.trips.Get(ctx, tripID)
	if err != nil {
		return nil, err
	}
	if !trip.CanTransition(t.Status, models.StatusCancelled) {
		return nil, models.ErrInvalidStateTransition
	}

	st := c.state(tripID)
	if st != nil {
		st.mu.Lock()
		if off := st.offer; off != nil && !off.resolved {
			off.resolved = true
			off.timer.Stop()
			st.offer = nil
			if err := c.presence.Release(ctx, off.driverID, tripID); err != nil {
				c.logger.Error("release on cancel failed", "trip", tripID, "driver", off.driverID, "error", err)
			}
			c.notifier.Notify(notify.DriverKey(off.driverID), "offer_revoked", map[string]string{"trip_id": tripID})
		}
		st.mu.Unlock()
	}

	reason := models.ReasonRiderCancelled
	for i := 0; i < 3; i++ {
		t, err = c.trips.Get(ctx, tripID)
		if err != nil {
			return nil, err
		}
		if !trip.CanTransition(t.Status, models.StatusCancelled) {
			return nil, models.ErrInvalidStateTransition
		}
		ok, err := c.trips.UpdateStatus(ctx, tripID, t.Status, models.StatusCancelled, t.StatusVersion,
			trip.Update{CancelReason: &reason, ClearOffer: true})
		if err != nil {
			return nil, err
		}
		if ok {
			break
		}
	}

	if t.DriverID != "" {
		if err := c.presence.FinishTrip(ctx, t.DriverID, tripID); err != nil {
			c.logger.Error("freeing driver on cancel failed", "trip", tripID, "driver", t.DriverID, "error", err)
		}
		c.notifier.Notify(notify.DriverKey(t.DriverID), "trip_cancelled", map[string]string{"trip_id": tripID, "reason": reason})
	}
	if st != nil && st.paymentID != "" && c.payments != nil {
		if err := c.payments.Cancel(ctx, st.paymentID); err != nil {
			c.logger.Error("payment cancel failed", "trip", tripID, "error", err)
		}
	}
	c.dropState(tripID)

	out, err := c.trips.Get(ctx, tripID)
	if err != nil {
		return nil, err
	}
	c.notifier.Notify(notify.RiderKey(out.RiderID), "trip_cancelled", View(out))
	return out, nil
}

// DriverAdvance applies the assigned driver's progress updates:
// DRIVER_ASSIGNED -> PICKING_UP -> IN_PROGRESS -> COMPLETED.
func (c *Coordinator) DriverAdvance(ctx context.Context, tripID, driverID string, to models.TripStatus) (*models.Trip, error) {
	switch to {
	case models.StatusPickingUp, models.StatusInProgress, models.StatusCompleted:
	default:
		return nil, fmt.Errorf("%w: cannot advance to %s", models.ErrInvalidArgument, to)
	}
	t, err := c.trips.Get(ctx, tripID)
	if err != nil {
		return nil, err
	}
	if t.DriverID == "" || t.DriverID != driverID {
		return nil, models.ErrInvalidStateTransition
	}
	if !trip.CanTransition(t.Status, to) {
		return nil, models.ErrInvalidStateTransition
	}
	ok, err := c.trips.UpdateStatus(ctx, tripID, t.Status, to, t.StatusVersion, trip.Update{})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, models.ErrInvalidStateTransition
	}

	if to == models.StatusCompleted {
		if err := c.presence.FinishTrip(ctx, driverID, tripID); err != nil {
			c.logger.Error("freeing driver on completion failed", "trip", tripID, "driver", driverID, "error", err)
		}
		if st := c.state(tripID); st != nil && st.paymentID != "" && c.payments != nil {
			if err := c.payments.Capture(ctx, st.paymentID); err != nil {
				c.logger.Error("payment capture failed", "trip", tripID, "error", err)
			}
		}
		c.dropState(tripID)
	}

	out, err := c.trips.Get(ctx, tripID)
	if err != nil {
		return nil, err
	}
	event := "trip_update"
	if to == models.StatusCompleted {
		event = "trip_completed"
	}
	c.notifier.Notify(notify.RiderKey(out.RiderID), event, View(out))
	return out, nil
}

// offerNextLocked reserves the nearest untried candidate and opens an offer.
// Requires st.mu held. Exhausting candidates or the attempt budget cancels
// the trip and returns ErrNoDriversAvailable.
func (c *Coordinator) offerNextLocked(ctx context.Context, tripID string, st *dispatchState) error {
	if st.attempts >= c.cfg.MaxOfferAttempts {
		return c.cancelNoDriversLocked(ctx, tripID, st)
	}

	candidates, err := c.presence.QueryNearby(ctx, st.origin, c.cfg.InitialRadiusM, c.cfg.CandidateLimit)
	if err != nil {
		return err
	}
	if len(c.untried(candidates, st)) == 0 {
		candidates, err = c.presence.QueryNearby(ctx, st.origin, c.cfg.WidenedRadiusM, c.cfg.CandidateLimit)
		if err != nil {
			return err
		}
	}

	for _, cand := range c.untried(candidates, st) {
		if err := c.presence.Reserve(ctx, cand.DriverID, tripID); err != nil {
			if errors.Is(err, models.ErrReservationConflict) {
				observability.ReservationConflicts.Inc()
				continue
			}
			return err
		}
		st.tried[cand.DriverID] = struct{}{}
		st.attempts++

		t, err := c.trips.Get(ctx, tripID)
		if err != nil {
			_ = c.presence.Release(ctx, cand.DriverID, tripID)
			return err
		}
		expiresAt := time.Now().Add(c.cfg.OfferTTL)
		driverID := cand.DriverID
		ok, err := c.trips.UpdateStatus(ctx, tripID, models.StatusRequested, models.StatusOffered, t.StatusVersion,
			trip.Update{OfferDriverID: &driverID, OfferExpiresAt: &expiresAt})
		if err != nil {
			_ = c.presence.Release(ctx, driverID, tripID)
			return err
		}
		if !ok {
			// trip moved underneath us (rider cancel); give the driver back
			_ = c.presence.Release(ctx, driverID, tripID)
			return nil
		}

		st.offer = &offer{
			driverID:  driverID,
			expiresAt: expiresAt,
			timer:     time.AfterFunc(c.cfg.OfferTTL, func() { c.expireOffer(tripID, driverID) }),
		}
		observability.OffersTotal.Inc()
		c.notifier.Notify(notify.DriverKey(driverID), "ride_offer", OfferPayload{
			TripID:            tripID,
			Pickup:            t.Origin,
			Destination:       t.Destination,
			FareEstimateCents: t.FareEstimateCents,
			DistanceToPickupM: cand.DistanceM,
			ExpiresAt:         expiresAt,
		})
		c.logger.Info("offer pushed", "trip", tripID, "driver", driverID, "attempt", st.attempts, "distance_m", cand.DistanceM)
		return nil
	}

	return c.cancelNoDriversLocked(ctx, tripID, st)
}

func (c *Coordinator) untried(candidates []models.Candidate, st *dispatchState) []models.Candidate {
	out := candidates[:0:0]
	for _, cand := range candidates {
		if _, seen := st.tried[cand.DriverID]; !seen {
			out = append(out, cand)
		}
	}
	return out
}

// expireOffer is the timer path; it funnels into the same resolution as an
// explicit decline, so whichever fires second finds resolved == true and
// does nothing.
func (c *Coordinator) expireOffer(tripID, driverID string) {
	st := c.state(tripID)
	if st == nil {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	off := st.offer
	if off == nil || off.resolved || off.driverID != driverID {
		return
	}
	off.resolved = true
	st.offer = nil

	ctx := context.Background()
	observability.OffersResolved.WithLabelValues("expired").Inc()
	if err := c.retireOfferLocked(ctx, tripID, driverID, st); err != nil {
		c.logger.Error("offer expiry handling failed", "trip", tripID, "driver", driverID, "error", err)
	}
}

// retireOfferLocked releases the declined/expired driver, reverts the trip
// to REQUESTED and moves on to the next candidate. Requires st.mu held.
func (c *Coordinator) retireOfferLocked(ctx context.Context, tripID, driverID string, st *dispatchState) error {
	if err := c.presence.Release(ctx, driverID, tripID); err != nil {
		return err
	}
	t, err := c.trips.Get(ctx, tripID)
	if err != nil {
		return err
	}
	if t.Status == models.StatusOffered {
		ok, err := c.trips.UpdateStatus(ctx, tripID, models.StatusOffered, models.StatusRequested, t.StatusVersion,
			trip.Update{ClearOffer: true})
		if err != nil {
			return err
		}
		if !ok {
			return nil // concurrent cancel won
		}
	}
	err = c.offerNextLocked(ctx, tripID, st)
	if errors.Is(err, models.ErrNoDriversAvailable) {
		return nil // trip is cancelled, nothing further to do here
	}
	return err
}

// acceptLocked finishes a successful offer. Requires st.mu held with the
// offer already marked resolved.
func (c *Coordinator) acceptLocked(ctx context.Context, tripID, driverID string, st *dispatchState) (*models.Trip, error) {
	if err := c.presence.BeginTrip(ctx, driverID, tripID); err != nil {
		return nil, err
	}
	t, err := c.trips.Get(ctx, tripID)
	if err != nil {
		return nil, err
	}
	ok, err := c.trips.UpdateStatus(ctx, tripID, models.StatusOffered, models.StatusDriverAssigned, t.StatusVersion,
		trip.Update{DriverID: &driverID, ClearOffer: true})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, models.ErrInvalidStateTransition
	}
	observability.OffersResolved.WithLabelValues("accepted").Inc()

	if c.payments != nil {
		id, err := c.payments.Hold(ctx, t.FareEstimateCents, c.cfg.FareCurrency, t.RiderID)
		if err != nil {
			c.logger.Error("payment hold failed", "trip", tripID, "error", err)
		} else {
			st.paymentID = id
		}
	}

	out, err := c.trips.Get(ctx, tripID)
	if err != nil {
		return nil, err
	}
	c.notifier.Notify(notify.RiderKey(out.RiderID), "driver_assigned", View(out))
	c.notifier.Notify(notify.DriverKey(driverID), "trip_assigned", View(out))
	c.logger.Info("driver assigned", "trip", tripID, "driver", driverID)
	return out, nil
}

// cancelNoDriversLocked terminates dispatch for a trip that found nobody.
// Requires st.mu held.
func (c *Coordinator) cancelNoDriversLocked(ctx context.Context, tripID string, st *dispatchState) error {
	reason := models.ReasonNoDriversAvailable
	t, err := c.trips.Get(ctx, tripID)
	if err != nil {
		return err
	}
	if trip.CanTransition(t.Status, models.StatusCancelled) {
		ok, err := c.trips.UpdateStatus(ctx, tripID, t.Status, models.StatusCancelled, t.StatusVersion,
			trip.Update{CancelReason: &reason, ClearOffer: true})
		if err != nil {
			return err
		}
		if ok {
			observability.DispatchExhausted.Inc()
			c.notifier.Notify(notify.RiderKey(st.riderID), "trip_cancelled", map[string]string{
				"trip_id": tripID,
				"reason":  reason,
			})
		}
	}
	c.dropState(tripID)
	return models.ErrNoDriversAvailable
}

func (c *Coordinator) state(tripID string) *dispatchState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active[tripID]
}

func (c *Coordinator) dropState(tripID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.active, tripID)
}
