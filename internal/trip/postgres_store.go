package trip

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/models"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) Create(ctx context.Context, t *models.Trip) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO trips(
			id, rider_id, status, status_version,
			origin_lat, origin_lng, dest_lat, dest_lng,
			estimated_distance_m, estimated_duration_s, fare_estimate_cents,
			created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		t.ID, t.RiderID, string(t.Status), t.StatusVersion,
		t.Origin.Lat, t.Origin.Lng, t.Destination.Lat, t.Destination.Lng,
		t.EstimatedDistanceM, t.EstimatedDurationS, t.FareEstimateCents,
		t.CreatedAt, t.UpdatedAt)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		// trips_active_rider partial unique index
		return models.ErrAlreadyHasActiveTrip
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*models.Trip, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, rider_id, driver_id, status, status_version,
		       origin_lat, origin_lng, dest_lat, dest_lng,
		       estimated_distance_m, estimated_duration_s, fare_estimate_cents,
		       cancel_reason, offer_driver_id, offer_expires_at,
		       created_at, updated_at
		FROM trips WHERE id=$1`, id)

	var t models.Trip
	var status string
	var driverID, cancelReason, offerDriverID sql.NullString
	var offerExpiresAt sql.NullTime
	err := row.Scan(&t.ID, &t.RiderID, &driverID, &status, &t.StatusVersion,
		&t.Origin.Lat, &t.Origin.Lng, &t.Destination.Lat, &t.Destination.Lng,
		&t.EstimatedDistanceM, &t.EstimatedDurationS, &t.FareEstimateCents,
		&cancelReason, &offerDriverID, &offerExpiresAt,
		&t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrTripNotFound
	}
	if err != nil {
		return nil, err
	}
	t.Status = models.TripStatus(status)
	t.DriverID = driverID.String
	t.CancelReason = cancelReason.String
	t.OfferDriverID = offerDriverID.String
	if offerExpiresAt.Valid {
		exp := offerExpiresAt.Time
		t.OfferExpiresAt = &exp
	}
	return &t, nil
}

func (p *PostgresStore) UpdateStatus(ctx context.Context, id string, from, to models.TripStatus, version int, upd Update) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE trips SET
			status = $1,
			status_version = status_version + 1,
			driver_id = COALESCE($2, driver_id),
			cancel_reason = COALESCE($3, cancel_reason),
			offer_driver_id = CASE WHEN $4 THEN NULL ELSE COALESCE($5, offer_driver_id) END,
			offer_expires_at = CASE WHEN $4 THEN NULL ELSE COALESCE($6, offer_expires_at) END,
			updated_at = $7
		WHERE id = $8 AND status = $9 AND status_version = $10`,
		string(to), upd.DriverID, upd.CancelReason,
		upd.ClearOffer, upd.OfferDriverID, upd.OfferExpiresAt,
		time.Now(), id, string(from), version)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (p *PostgresStore) HasActiveByRider(ctx context.Context, riderID string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM trips
			WHERE rider_id = $1 AND status NOT IN ('COMPLETED','CANCELLED')
		)`, riderID).Scan(&exists)
	return exists, err
}

func (p *PostgresStore) Close() error { return p.db.Close() }
