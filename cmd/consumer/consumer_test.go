package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// fakeApplier implements presenceApplier for tests
type fakeApplier struct {
	failAvail    int // number of times SetAvailable fails before succeeding
	busy         bool
	availCalls   int
	offlineCalls int
}

func (f *fakeApplier) SetAvailable(ctx context.Context, driverID string, loc models.Coord) error {
	f.availCalls++
	if f.busy {
		return models.ErrDriverUnavailable
	}
	if f.availCalls <= f.failAvail {
		return errors.New("index fail")
	}
	return nil
}

func (f *fakeApplier) SetOffline(ctx context.Context, driverID string) error {
	f.offlineCalls++
	return nil
}

func TestApplyWithRetry_SucceedsAfterRetries(t *testing.T) {
	f := &fakeApplier{failAvail: 1}
	loc := models.DriverLocation{DriverID: "d1", Loc: models.Coord{Lat: 1, Lng: 2}, Online: true}
	start := time.Now()
	if err := applyWithRetry(context.Background(), f, loc, 3, 10*time.Millisecond); err != nil {
		t.Fatalf("expected success, got err=%v", err)
	}
	if f.availCalls < 2 {
		t.Fatalf("expected retries, got %d calls", f.availCalls)
	}
	if time.Since(start) < 10*time.Millisecond {
		t.Fatalf("expected at least one backoff")
	}
}

func TestApplyWithRetry_FailsWhenExhausted(t *testing.T) {
	f := &fakeApplier{failAvail: 5}
	loc := models.DriverLocation{DriverID: "d1", Loc: models.Coord{Lat: 1, Lng: 2}, Online: true}
	if err := applyWithRetry(context.Background(), f, loc, 3, 5*time.Millisecond); err == nil {
		t.Fatalf("expected error after retries")
	}
}

func TestApplyWithRetry_BusyDriverKeepsState(t *testing.T) {
	f := &fakeApplier{busy: true}
	loc := models.DriverLocation{DriverID: "d1", Loc: models.Coord{Lat: 1, Lng: 2}, Online: true}
	if err := applyWithRetry(context.Background(), f, loc, 3, 5*time.Millisecond); err != nil {
		t.Fatalf("busy driver should not be an error, got %v", err)
	}
	if f.availCalls != 1 {
		t.Fatalf("expected no retries for busy driver, got %d calls", f.availCalls)
	}
}

func TestApplyWithRetry_OfflineMessage(t *testing.T) {
	f := &fakeApplier{}
	loc := models.DriverLocation{DriverID: "d1", Online: false}
	if err := applyWithRetry(context.Background(), f, loc, 3, 5*time.Millisecond); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if f.offlineCalls != 1 || f.availCalls != 0 {
		t.Fatalf("expected offline path, got offline=%d avail=%d", f.offlineCalls, f.availCalls)
	}
}
