package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/fare"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/presence"
	"github.com/example/ride-dispatch/internal/trip"
)

type recordedEvent struct {
	Party string
	Event string
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (f *fakeNotifier) Notify(partyKey, event string, payload any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, recordedEvent{Party: partyKey, Event: event})
}

func (f *fakeNotifier) has(party, event string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.events {
		if e.Party == party && e.Event == event {
			return true
		}
	}
	return false
}

type fakePayments struct {
	mu       sync.Mutex
	held     int
	captured []string
	canceled []string
}

func (f *fakePayments) Hold(ctx context.Context, amountCents int64, currency, customerID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.held++
	return fmt.Sprintf("pi_%d", f.held), nil
}

func (f *fakePayments) Capture(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.captured = append(f.captured, id)
	return nil
}

func (f *fakePayments) Cancel(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.canceled = append(f.canceled, id)
	return nil
}

type fixture struct {
	coord    *Coordinator
	idx      *presence.MemoryIndex
	store    *trip.MemoryStore
	notifier *fakeNotifier
	payments *fakePayments
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		idx:      presence.NewMemoryIndex(),
		store:    trip.NewMemoryStore(),
		notifier: &fakeNotifier{},
		payments: &fakePayments{},
	}
	quoter := &fare.Service{BaseCents: 200, PerKmCents: 100, PerMinCents: 50, DefaultSpeedMps: 8}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.coord = NewCoordinator(f.idx, f.store, f.notifier, quoter, f.payments, logger, cfg)
	return f
}

var testRequest = models.TripRequest{
	RiderID:     "r1",
	Origin:      models.Coord{Lat: 40.0, Lng: -74.0},
	Destination: models.Coord{Lat: 40.05, Lng: -74.05},
}

func (f *fixture) waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestRequestTrip_OfferAcceptCompleteFlow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{OfferTTL: time.Minute})
	f.idx.SetAvailable(ctx, "d1", models.Coord{Lat: 40.001, Lng: -74.0})

	got, err := f.coord.RequestTrip(ctx, testRequest)
	if err != nil {
		t.Fatalf("RequestTrip: %v", err)
	}
	if got.Status != models.StatusOffered {
		t.Fatalf("expected OFFERED, got %s", got.Status)
	}
	if got.FareEstimateCents < 200 {
		t.Fatalf("fare below base: %d", got.FareEstimateCents)
	}
	if !f.notifier.has("driver:d1", "ride_offer") {
		t.Fatalf("driver never got the offer")
	}
	p, _, _ := f.idx.Get(ctx, "d1")
	if p.State != models.StateReserved || p.TripID != got.ID {
		t.Fatalf("driver not reserved: %+v", p)
	}

	got, err = f.coord.DriverRespond(ctx, got.ID, "d1", true)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if got.Status != models.StatusDriverAssigned || got.DriverID != "d1" {
		t.Fatalf("expected assignment, got %+v", got)
	}
	if !f.notifier.has("rider:r1", "driver_assigned") {
		t.Fatalf("rider never told about assignment")
	}
	p, _, _ = f.idx.Get(ctx, "d1")
	if p.State != models.StateOnTrip {
		t.Fatalf("driver not on trip: %+v", p)
	}
	if f.payments.held != 1 {
		t.Fatalf("expected one payment hold, got %d", f.payments.held)
	}

	for _, s := range []models.TripStatus{models.StatusPickingUp, models.StatusInProgress, models.StatusCompleted} {
		got, err = f.coord.DriverAdvance(ctx, got.ID, "d1", s)
		if err != nil {
			t.Fatalf("advance to %s: %v", s, err)
		}
		if got.Status != s {
			t.Fatalf("expected %s, got %s", s, got.Status)
		}
	}
	p, _, _ = f.idx.Get(ctx, "d1")
	if p.State != models.StateAvailable {
		t.Fatalf("driver not freed after completion: %+v", p)
	}
	if len(f.payments.captured) != 1 {
		t.Fatalf("expected one capture, got %d", len(f.payments.captured))
	}
	if !f.notifier.has("rider:r1", "trip_completed") {
		t.Fatalf("rider never told about completion")
	}
}

func TestRequestTrip_NoDriversCancelsImmediately(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})

	got, err := f.coord.RequestTrip(ctx, testRequest)
	if !errors.Is(err, models.ErrNoDriversAvailable) {
		t.Fatalf("expected ErrNoDriversAvailable, got %v", err)
	}
	if got == nil || got.Status != models.StatusCancelled || got.CancelReason != models.ReasonNoDriversAvailable {
		t.Fatalf("expected cancelled trip, got %+v", got)
	}
	// the rider can immediately request again
	if _, err := f.coord.RequestTrip(ctx, testRequest); !errors.Is(err, models.ErrNoDriversAvailable) {
		t.Fatalf("second request: %v", err)
	}
}

func TestRequestTrip_WidensRadiusWhenNearbyEmpty(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{InitialRadiusM: 5000, WidenedRadiusM: 10000, OfferTTL: time.Minute})
	// ~7km north of the origin: outside 5km, inside 10km
	f.idx.SetAvailable(ctx, "d-far", models.Coord{Lat: 40.063, Lng: -74.0})

	got, err := f.coord.RequestTrip(ctx, testRequest)
	if err != nil {
		t.Fatalf("RequestTrip: %v", err)
	}
	if got.Status != models.StatusOffered {
		t.Fatalf("expected OFFERED after widening, got %s", got.Status)
	}
	if !f.notifier.has("driver:d-far", "ride_offer") {
		t.Fatalf("far driver never got the offer")
	}
}

func TestRequestTrip_SecondRequestRejectedWhileActive(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{OfferTTL: time.Minute})
	f.idx.SetAvailable(ctx, "d1", models.Coord{Lat: 40.001, Lng: -74.0})

	if _, err := f.coord.RequestTrip(ctx, testRequest); err != nil {
		t.Fatalf("RequestTrip: %v", err)
	}
	if _, err := f.coord.RequestTrip(ctx, testRequest); !errors.Is(err, models.ErrAlreadyHasActiveTrip) {
		t.Fatalf("expected ErrAlreadyHasActiveTrip, got %v", err)
	}
}

func TestRequestTrip_InvalidInput(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})

	if _, err := f.coord.RequestTrip(ctx, models.TripRequest{Origin: testRequest.Origin, Destination: testRequest.Destination}); !errors.Is(err, models.ErrInvalidArgument) {
		t.Fatalf("missing rider: %v", err)
	}
	bad := testRequest
	bad.Origin.Lat = 123
	if _, err := f.coord.RequestTrip(ctx, bad); !errors.Is(err, models.ErrInvalidArgument) {
		t.Fatalf("bad coords: %v", err)
	}
}

func TestRequestTrip_ReservedSoleCandidateMeansNoDrivers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{OfferTTL: time.Minute})
	f.idx.SetAvailable(ctx, "d1", models.Coord{Lat: 40.001, Lng: -74.0})

	first, err := f.coord.RequestTrip(ctx, testRequest)
	if err != nil {
		t.Fatalf("first request: %v", err)
	}
	if first.Status != models.StatusOffered {
		t.Fatalf("expected OFFERED, got %s", first.Status)
	}

	// the only driver is reserved; a second rider gets nothing, no queue
	second := testRequest
	second.RiderID = "r2"
	got, err := f.coord.RequestTrip(ctx, second)
	if !errors.Is(err, models.ErrNoDriversAvailable) {
		t.Fatalf("expected ErrNoDriversAvailable, got %v", err)
	}
	if got.Status != models.StatusCancelled {
		t.Fatalf("expected cancelled trip, got %+v", got)
	}
	// the first trip's reservation is untouched
	p, _, _ := f.idx.Get(ctx, "d1")
	if p.State != models.StateReserved || p.TripID != first.ID {
		t.Fatalf("reservation disturbed: %+v", p)
	}
}

func TestDriverRespond_DeclineMovesToNextCandidate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{OfferTTL: time.Minute})
	f.idx.SetAvailable(ctx, "d1", models.Coord{Lat: 40.001, Lng: -74.0})
	f.idx.SetAvailable(ctx, "d2", models.Coord{Lat: 40.002, Lng: -74.0})

	got, err := f.coord.RequestTrip(ctx, testRequest)
	if err != nil {
		t.Fatalf("RequestTrip: %v", err)
	}
	// nearest first
	if !f.notifier.has("driver:d1", "ride_offer") {
		t.Fatalf("d1 should get the first offer")
	}

	got, err = f.coord.DriverRespond(ctx, got.ID, "d1", false)
	if err != nil {
		t.Fatalf("decline: %v", err)
	}
	if got.Status != models.StatusOffered {
		t.Fatalf("expected re-offer, got %s", got.Status)
	}
	if !f.notifier.has("driver:d2", "ride_offer") {
		t.Fatalf("d2 never got the retry offer")
	}
	p1, _, _ := f.idx.Get(ctx, "d1")
	if p1.State != models.StateAvailable {
		t.Fatalf("declining driver not released: %+v", p1)
	}
	p2, _, _ := f.idx.Get(ctx, "d2")
	if p2.State != models.StateReserved {
		t.Fatalf("next driver not reserved: %+v", p2)
	}
}

func TestDriverRespond_DeclineByAllCancelsTrip(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{OfferTTL: time.Minute})
	f.idx.SetAvailable(ctx, "d1", models.Coord{Lat: 40.001, Lng: -74.0})

	got, err := f.coord.RequestTrip(ctx, testRequest)
	if err != nil {
		t.Fatalf("RequestTrip: %v", err)
	}
	got, err = f.coord.DriverRespond(ctx, got.ID, "d1", false)
	if err != nil {
		t.Fatalf("decline: %v", err)
	}
	if got.Status != models.StatusCancelled || got.CancelReason != models.ReasonNoDriversAvailable {
		t.Fatalf("expected no-drivers cancellation, got %+v", got)
	}
	p, _, _ := f.idx.Get(ctx, "d1")
	if p.State != models.StateAvailable {
		t.Fatalf("driver not released: %+v", p)
	}
}

func TestDriverRespond_RejectsStranger(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{OfferTTL: time.Minute})
	f.idx.SetAvailable(ctx, "d1", models.Coord{Lat: 40.001, Lng: -74.0})

	got, err := f.coord.RequestTrip(ctx, testRequest)
	if err != nil {
		t.Fatalf("RequestTrip: %v", err)
	}
	if _, err := f.coord.DriverRespond(ctx, got.ID, "intruder", true); !errors.Is(err, models.ErrInvalidStateTransition) {
		t.Fatalf("expected ErrInvalidStateTransition, got %v", err)
	}
	if _, err := f.coord.DriverRespond(ctx, "missing-trip", "d1", true); !errors.Is(err, models.ErrTripNotFound) {
		t.Fatalf("expected ErrTripNotFound, got %v", err)
	}
}

func TestOfferExpiry_MovesOnAndLateDeclineIsNoop(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{OfferTTL: 20 * time.Millisecond})
	f.idx.SetAvailable(ctx, "d1", models.Coord{Lat: 40.001, Lng: -74.0})
	f.idx.SetAvailable(ctx, "d2", models.Coord{Lat: 40.002, Lng: -74.0})

	got, err := f.coord.RequestTrip(ctx, testRequest)
	if err != nil {
		t.Fatalf("RequestTrip: %v", err)
	}
	tripID := got.ID

	f.waitFor(t, "offer to move to d2", func() bool {
		cur, err := f.store.Get(ctx, tripID)
		return err == nil && cur.OfferDriverID == "d2"
	})

	p1, _, _ := f.idx.Get(ctx, "d1")
	if p1.State != models.StateAvailable {
		t.Fatalf("expired driver not released: %+v", p1)
	}

	// d1 answers after its offer already timed out: no error, no effect
	cur, err := f.coord.DriverRespond(ctx, tripID, "d1", false)
	if err != nil {
		t.Fatalf("late decline: %v", err)
	}
	if cur.OfferDriverID != "d2" && cur.Status == models.StatusOffered {
		t.Fatalf("late decline disturbed the live offer: %+v", cur)
	}
	p2, _, _ := f.idx.Get(ctx, "d2")
	if p2.State == models.StateAvailable && cur.Status == models.StatusOffered {
		t.Fatalf("live offer lost its reservation")
	}
}

func TestOfferExpiry_DeclineThenTimerIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{OfferTTL: 30 * time.Millisecond})
	f.idx.SetAvailable(ctx, "d1", models.Coord{Lat: 40.001, Lng: -74.0})
	f.idx.SetAvailable(ctx, "d2", models.Coord{Lat: 40.002, Lng: -74.0})

	got, err := f.coord.RequestTrip(ctx, testRequest)
	if err != nil {
		t.Fatalf("RequestTrip: %v", err)
	}
	if _, err := f.coord.DriverRespond(ctx, got.ID, "d1", false); err != nil {
		t.Fatalf("decline: %v", err)
	}
	cur, _ := f.store.Get(ctx, got.ID)
	if cur.OfferDriverID != "d2" {
		t.Fatalf("expected offer on d2, got %+v", cur)
	}

	// even if d1's timer had fired behind the decline, the second offer
	// must survive its full TTL window untouched
	time.Sleep(15 * time.Millisecond)
	cur, _ = f.store.Get(ctx, got.ID)
	if cur.Status != models.StatusOffered || cur.OfferDriverID != "d2" {
		t.Fatalf("stale timer disturbed the live offer: %+v", cur)
	}
	p2, _, _ := f.idx.Get(ctx, "d2")
	if p2.State != models.StateReserved {
		t.Fatalf("d2 lost its reservation: %+v", p2)
	}
}

func TestOfferExpiry_AttemptBudgetExhaustsToCancelled(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{OfferTTL: 15 * time.Millisecond, MaxOfferAttempts: 2})
	for i := 0; i < 4; i++ {
		f.idx.SetAvailable(ctx, fmt.Sprintf("d%d", i), models.Coord{Lat: 40.001 + float64(i)*0.001, Lng: -74.0})
	}

	got, err := f.coord.RequestTrip(ctx, testRequest)
	if err != nil {
		t.Fatalf("RequestTrip: %v", err)
	}
	f.waitFor(t, "trip cancelled after attempt budget", func() bool {
		cur, err := f.store.Get(ctx, got.ID)
		return err == nil && cur.Status == models.StatusCancelled
	})
	cur, _ := f.store.Get(ctx, got.ID)
	if cur.CancelReason != models.ReasonNoDriversAvailable {
		t.Fatalf("expected no-drivers reason, got %+v", cur)
	}
	// every driver who saw an offer must end up available again
	for i := 0; i < 4; i++ {
		p, ok, _ := f.idx.Get(ctx, fmt.Sprintf("d%d", i))
		if ok && p.State != models.StateAvailable {
			t.Fatalf("driver d%d stuck in %s", i, p.State)
		}
	}
}

func TestCancelTrip_ReleasesOfferedDriver(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{OfferTTL: time.Minute})
	f.idx.SetAvailable(ctx, "d1", models.Coord{Lat: 40.001, Lng: -74.0})

	got, err := f.coord.RequestTrip(ctx, testRequest)
	if err != nil {
		t.Fatalf("RequestTrip: %v", err)
	}
	got, err = f.coord.CancelTrip(ctx, got.ID)
	if err != nil {
		t.Fatalf("CancelTrip: %v", err)
	}
	if got.Status != models.StatusCancelled || got.CancelReason != models.ReasonRiderCancelled {
		t.Fatalf("unexpected trip after cancel: %+v", got)
	}
	p, _, _ := f.idx.Get(ctx, "d1")
	if p.State != models.StateAvailable {
		t.Fatalf("driver not released on cancel: %+v", p)
	}
	if !f.notifier.has("driver:d1", "offer_revoked") {
		t.Fatalf("driver never told the offer was revoked")
	}
	// a response to the revoked offer cannot resurrect the trip
	if _, err := f.coord.DriverRespond(ctx, got.ID, "d1", true); !errors.Is(err, models.ErrInvalidStateTransition) {
		t.Fatalf("accept after cancel: %v", err)
	}
}

func TestCancelTrip_AfterAssignmentFreesDriverAndVoidsHold(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{OfferTTL: time.Minute})
	f.idx.SetAvailable(ctx, "d1", models.Coord{Lat: 40.001, Lng: -74.0})

	got, _ := f.coord.RequestTrip(ctx, testRequest)
	got, err := f.coord.DriverRespond(ctx, got.ID, "d1", true)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	got, err = f.coord.CancelTrip(ctx, got.ID)
	if err != nil {
		t.Fatalf("CancelTrip: %v", err)
	}
	if got.Status != models.StatusCancelled {
		t.Fatalf("expected CANCELLED, got %s", got.Status)
	}
	p, _, _ := f.idx.Get(ctx, "d1")
	if p.State != models.StateAvailable {
		t.Fatalf("driver not freed: %+v", p)
	}
	if len(f.payments.canceled) != 1 {
		t.Fatalf("payment hold not voided: %+v", f.payments.canceled)
	}
}

func TestCancelTrip_RejectedOnceInProgress(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{OfferTTL: time.Minute})
	f.idx.SetAvailable(ctx, "d1", models.Coord{Lat: 40.001, Lng: -74.0})

	got, _ := f.coord.RequestTrip(ctx, testRequest)
	got, _ = f.coord.DriverRespond(ctx, got.ID, "d1", true)
	got, _ = f.coord.DriverAdvance(ctx, got.ID, "d1", models.StatusPickingUp)
	got, err := f.coord.DriverAdvance(ctx, got.ID, "d1", models.StatusInProgress)
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if _, err := f.coord.CancelTrip(ctx, got.ID); !errors.Is(err, models.ErrInvalidStateTransition) {
		t.Fatalf("expected ErrInvalidStateTransition, got %v", err)
	}
}

func TestDriverAdvance_Validation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{OfferTTL: time.Minute})
	f.idx.SetAvailable(ctx, "d1", models.Coord{Lat: 40.001, Lng: -74.0})

	got, _ := f.coord.RequestTrip(ctx, testRequest)
	got, err := f.coord.DriverRespond(ctx, got.ID, "d1", true)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}

	if _, err := f.coord.DriverAdvance(ctx, got.ID, "d1", models.StatusCancelled); !errors.Is(err, models.ErrInvalidArgument) {
		t.Fatalf("cancel via advance: %v", err)
	}
	if _, err := f.coord.DriverAdvance(ctx, got.ID, "other", models.StatusPickingUp); !errors.Is(err, models.ErrInvalidStateTransition) {
		t.Fatalf("stranger advance: %v", err)
	}
	if _, err := f.coord.DriverAdvance(ctx, got.ID, "d1", models.StatusCompleted); !errors.Is(err, models.ErrInvalidStateTransition) {
		t.Fatalf("skipping states: %v", err)
	}
}

func TestConcurrentRequests_NoDoubleBooking(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{OfferTTL: time.Minute})

	const drivers = 5
	const riders = 8
	for i := 0; i < drivers; i++ {
		f.idx.SetAvailable(ctx, fmt.Sprintf("d%d", i), models.Coord{Lat: 40.0 + float64(i)*0.0005, Lng: -74.0})
	}

	var wg sync.WaitGroup
	results := make(chan *models.Trip, riders)
	failures := make(chan error, riders)
	for i := 0; i < riders; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			req := models.TripRequest{
				RiderID:     fmt.Sprintf("r%d", n),
				Origin:      models.Coord{Lat: 40.0, Lng: -74.0},
				Destination: models.Coord{Lat: 40.05, Lng: -74.05},
			}
			tr, err := f.coord.RequestTrip(ctx, req)
			if err != nil {
				failures <- err
				return
			}
			results <- tr
		}(i)
	}
	wg.Wait()
	close(results)
	close(failures)

	offered := map[string]string{}
	for tr := range results {
		if tr.Status != models.StatusOffered {
			t.Fatalf("unexpected status: %+v", tr)
		}
		cur, _ := f.store.Get(ctx, tr.ID)
		if prev, dup := offered[cur.OfferDriverID]; dup {
			t.Fatalf("driver %s offered to both %s and %s", cur.OfferDriverID, prev, tr.ID)
		}
		offered[cur.OfferDriverID] = tr.ID
	}
	if len(offered) != drivers {
		t.Fatalf("expected %d offers, got %d", drivers, len(offered))
	}
	for err := range failures {
		if !errors.Is(err, models.ErrNoDriversAvailable) {
			t.Fatalf("unexpected failure: %v", err)
		}
	}
}
