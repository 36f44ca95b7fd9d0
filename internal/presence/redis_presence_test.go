package presence

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

func newTestRedisIndex(t *testing.T) *RedisIndex {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisIndex(client, "drivers:available")
}

func TestRedisIndex_AvailabilityRoundTrip(t *testing.T) {
	ctx := context.Background()
	idx := newTestRedisIndex(t)

	if err := idx.SetAvailable(ctx, "d1", models.Coord{Lat: 40.0, Lng: -74.0}); err != nil {
		t.Fatalf("SetAvailable: %v", err)
	}
	p, ok, err := idx.Get(ctx, "d1")
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if p.State != models.StateAvailable || p.Loc.Lat != 40.0 || p.Loc.Lng != -74.0 {
		t.Fatalf("unexpected presence: %+v", p)
	}

	got, err := idx.QueryNearby(ctx, models.Coord{Lat: 40.0005, Lng: -74.0}, 5000, 10)
	if err != nil {
		t.Fatalf("QueryNearby: %v", err)
	}
	if len(got) != 1 || got[0].DriverID != "d1" {
		t.Fatalf("expected d1, got %+v", got)
	}

	if err := idx.SetOffline(ctx, "d1"); err != nil {
		t.Fatalf("SetOffline: %v", err)
	}
	if _, ok, _ := idx.Get(ctx, "d1"); ok {
		t.Fatalf("expected record gone after SetOffline")
	}
	got, _ = idx.QueryNearby(ctx, models.Coord{Lat: 40.0005, Lng: -74.0}, 5000, 10)
	if len(got) != 0 {
		t.Fatalf("offline driver still searchable: %+v", got)
	}
}

func TestRedisIndex_ReserveRemovesFromSearch(t *testing.T) {
	ctx := context.Background()
	idx := newTestRedisIndex(t)
	origin := models.Coord{Lat: 40.0, Lng: -74.0}

	idx.SetAvailable(ctx, "d1", models.Coord{Lat: 40.001, Lng: -74.0})
	idx.SetAvailable(ctx, "d2", models.Coord{Lat: 40.002, Lng: -74.0})

	if err := idx.Reserve(ctx, "d1", "trip-1"); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if err := idx.Reserve(ctx, "d1", "trip-2"); !errors.Is(err, models.ErrReservationConflict) {
		t.Fatalf("second Reserve should conflict, got %v", err)
	}

	got, err := idx.QueryNearby(ctx, origin, 5000, 10)
	if err != nil {
		t.Fatalf("QueryNearby: %v", err)
	}
	if len(got) != 1 || got[0].DriverID != "d2" {
		t.Fatalf("reserved driver still searchable: %+v", got)
	}

	p, _, _ := idx.Get(ctx, "d1")
	if p.State != models.StateReserved || p.TripID != "trip-1" {
		t.Fatalf("unexpected state after reserve: %+v", p)
	}
}

func TestRedisIndex_ReleaseRestoresSearchability(t *testing.T) {
	ctx := context.Background()
	idx := newTestRedisIndex(t)
	origin := models.Coord{Lat: 40.0, Lng: -74.0}

	idx.SetAvailable(ctx, "d1", models.Coord{Lat: 40.001, Lng: -74.0})
	idx.Reserve(ctx, "d1", "trip-1")

	// wrong trip is a no-op
	if err := idx.Release(ctx, "d1", "trip-2"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if got, _ := idx.QueryNearby(ctx, origin, 5000, 10); len(got) != 0 {
		t.Fatalf("wrong-trip release freed the driver")
	}

	if err := idx.Release(ctx, "d1", "trip-1"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := idx.Release(ctx, "d1", "trip-1"); err != nil {
		t.Fatalf("repeat Release: %v", err)
	}
	got, err := idx.QueryNearby(ctx, origin, 5000, 10)
	if err != nil {
		t.Fatalf("QueryNearby: %v", err)
	}
	if len(got) != 1 || got[0].DriverID != "d1" {
		t.Fatalf("released driver not searchable: %+v", got)
	}
}

func TestRedisIndex_TripLifecycle(t *testing.T) {
	ctx := context.Background()
	idx := newTestRedisIndex(t)
	origin := models.Coord{Lat: 40.0, Lng: -74.0}

	idx.SetAvailable(ctx, "d1", models.Coord{Lat: 40.001, Lng: -74.0})
	idx.Reserve(ctx, "d1", "trip-1")

	if err := idx.BeginTrip(ctx, "d1", "other"); !errors.Is(err, models.ErrReservationConflict) {
		t.Fatalf("BeginTrip with wrong trip: %v", err)
	}
	if err := idx.BeginTrip(ctx, "d1", "trip-1"); err != nil {
		t.Fatalf("BeginTrip: %v", err)
	}

	// availability ping while on trip only refreshes the position
	if err := idx.SetAvailable(ctx, "d1", models.Coord{Lat: 40.01, Lng: -74.01}); !errors.Is(err, models.ErrDriverUnavailable) {
		t.Fatalf("SetAvailable while on trip: %v", err)
	}
	p, _, _ := idx.Get(ctx, "d1")
	if p.State != models.StateOnTrip || p.Loc.Lat != 40.01 {
		t.Fatalf("expected position-only update: %+v", p)
	}
	if got, _ := idx.QueryNearby(ctx, origin, 50000, 10); len(got) != 0 {
		t.Fatalf("on-trip driver searchable: %+v", got)
	}

	if err := idx.FinishTrip(ctx, "d1", "trip-1"); err != nil {
		t.Fatalf("FinishTrip: %v", err)
	}
	p, _, _ = idx.Get(ctx, "d1")
	if p.State != models.StateAvailable || p.TripID != "" {
		t.Fatalf("expected AVAILABLE after trip: %+v", p)
	}
	got, _ := idx.QueryNearby(ctx, origin, 50000, 10)
	if len(got) != 1 {
		t.Fatalf("finished driver not searchable: %+v", got)
	}
}

func TestRedisIndex_UpdateLocationUnknownDriverIsNoop(t *testing.T) {
	ctx := context.Background()
	idx := newTestRedisIndex(t)
	if err := idx.UpdateLocation(ctx, "ghost", models.Coord{Lat: 1, Lng: 2}); err != nil {
		t.Fatalf("UpdateLocation: %v", err)
	}
	if _, ok, _ := idx.Get(ctx, "ghost"); ok {
		t.Fatalf("no-op update created a record")
	}
}
