package storage

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/models"
)

// PostgresStore implements RideStore, SampleStore and CounterStore. Ride
// transitions are single UPDATEs guarded by the current status column, which
// is what makes accept at-most-once under concurrent callers.
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

func (p *PostgresStore) DB() *sql.DB { return p.db }

const rideColumns = `ride_id, rider_id, rider_name, rider_phone,
	pickup_lat, pickup_lng, pickup_addr, drop_lat, drop_lng, drop_addr,
	vehicle_class, fare, distance_km, otp, status, driver_id,
	actual_distance, actual_fare, created_at, accepted_at, started_at, completed_at`

func (p *PostgresStore) CreateRide(ctx context.Context, r *models.Ride) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO rides(`+rideColumns+`)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)`,
		r.RideID, r.RiderID, r.RiderName, r.RiderPhone,
		r.Pickup.Lat, r.Pickup.Lng, r.Pickup.Address, r.Drop.Lat, r.Drop.Lng, r.Drop.Address,
		r.VehicleClass, r.Fare, r.DistanceKm, r.OTP, r.Status, nullString(r.DriverID),
		r.ActualDistance, r.ActualFare, r.CreatedAt, r.AcceptedAt, r.StartedAt, r.CompletedAt)
	return err
}

func (p *PostgresStore) GetRide(ctx context.Context, rideID string) (*models.Ride, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE ride_id=$1`, rideID)
	return scanRide(row)
}

func (p *PostgresStore) AcceptRide(ctx context.Context, rideID, driverID string, at time.Time) (*models.Ride, error) {
	row := p.db.QueryRowContext(ctx, `UPDATE rides
		SET status=$1, driver_id=$2, accepted_at=$3
		WHERE ride_id=$4 AND status=$5
		RETURNING `+rideColumns,
		models.StatusAccepted, driverID, at, rideID, models.StatusRequested)
	return p.transitioned(ctx, rideID, row)
}

func (p *PostgresStore) StartRide(ctx context.Context, rideID, driverID string, at time.Time) (*models.Ride, error) {
	row := p.db.QueryRowContext(ctx, `UPDATE rides
		SET status=$1, started_at=$2
		WHERE ride_id=$3 AND status=$4 AND driver_id=$5
		RETURNING `+rideColumns,
		models.StatusStarted, at, rideID, models.StatusAccepted, driverID)
	return p.transitioned(ctx, rideID, row)
}

func (p *PostgresStore) CompleteRide(ctx context.Context, rideID, driverID string, actualDistance, actualFare float64, at time.Time) (*models.Ride, error) {
	row := p.db.QueryRowContext(ctx, `UPDATE rides
		SET status=$1, actual_distance=$2, actual_fare=$3, completed_at=$4
		WHERE ride_id=$5 AND status=$6 AND driver_id=$7
		RETURNING `+rideColumns,
		models.StatusCompleted, actualDistance, actualFare, at, rideID, models.StatusStarted, driverID)
	return p.transitioned(ctx, rideID, row)
}

func (p *PostgresStore) CancelRide(ctx context.Context, rideID string, at time.Time) (*models.Ride, error) {
	row := p.db.QueryRowContext(ctx, `UPDATE rides
		SET status=$1, completed_at=$2
		WHERE ride_id=$3 AND status IN ($4,$5)
		RETURNING `+rideColumns,
		models.StatusCancelled, at, rideID, models.StatusRequested, models.StatusAccepted)
	return p.transitioned(ctx, rideID, row)
}

// transitioned maps a zero-row conditional UPDATE to ErrConflict when the
// ride exists and ErrNotFound when it does not.
func (p *PostgresStore) transitioned(ctx context.Context, rideID string, row *sql.Row) (*models.Ride, error) {
	r, err := scanRide(row)
	if err == ErrNotFound {
		if _, gerr := p.GetRide(ctx, rideID); gerr == nil {
			return nil, ErrConflict
		}
		return nil, ErrNotFound
	}
	return r, err
}

func (p *PostgresStore) SaveSample(ctx context.Context, s *models.LocationSample) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO location_samples(party_id, role, ride_id, lat, lng, captured_at)
		VALUES($1,$2,$3,$4,$5,$6)`,
		s.PartyID, s.Role, nullString(s.RideID), s.Lat, s.Lng, s.CapturedAt)
	return err
}

func (p *PostgresStore) NextSequence(ctx context.Context) (int64, error) {
	var seq int64
	err := p.db.QueryRowContext(ctx, `INSERT INTO ride_counter(id, seq) VALUES('ride_counter', 100001)
		ON CONFLICT (id) DO UPDATE SET seq = ride_counter.seq + 1
		RETURNING seq`).Scan(&seq)
	return seq, err
}

func (p *PostgresStore) ResetSequence(ctx context.Context, to int64) error {
	_, err := p.db.ExecContext(ctx, `UPDATE ride_counter SET seq=$1 WHERE id='ride_counter'`, to)
	return err
}

func (p *PostgresStore) Close() error { return p.db.Close() }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRide(row rowScanner) (*models.Ride, error) {
	var r models.Ride
	var driverID sql.NullString
	var acceptedAt, startedAt, completedAt sql.NullTime
	err := row.Scan(&r.RideID, &r.RiderID, &r.RiderName, &r.RiderPhone,
		&r.Pickup.Lat, &r.Pickup.Lng, &r.Pickup.Address, &r.Drop.Lat, &r.Drop.Lng, &r.Drop.Address,
		&r.VehicleClass, &r.Fare, &r.DistanceKm, &r.OTP, &r.Status, &driverID,
		&r.ActualDistance, &r.ActualFare, &r.CreatedAt, &acceptedAt, &startedAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.DriverID = driverID.String
	if acceptedAt.Valid {
		r.AcceptedAt = &acceptedAt.Time
	}
	if startedAt.Valid {
		r.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		r.CompletedAt = &completedAt.Time
	}
	return &r, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
