package storage

import (
	"context"
	"errors"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

var (
	// ErrNotFound means the ride or counter row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict means a conditional update found the row in a different
	// state than required. The caller re-reads for the authoritative state.
	ErrConflict = errors.New("conflict")
)

// RideStore defines persistence for rides. All transition methods are
// conditional updates guarded by the current status (and driver where it
// matters), so racing callers get ErrConflict rather than a lost update.
type RideStore interface {
	CreateRide(ctx context.Context, r *models.Ride) error
	GetRide(ctx context.Context, rideID string) (*models.Ride, error)
	// AcceptRide moves requested -> accepted and binds driverID, atomically.
	AcceptRide(ctx context.Context, rideID, driverID string, at time.Time) (*models.Ride, error)
	// StartRide moves accepted -> started, only for the assigned driver.
	StartRide(ctx context.Context, rideID, driverID string, at time.Time) (*models.Ride, error)
	// CompleteRide moves started -> completed and records actuals.
	CompleteRide(ctx context.Context, rideID, driverID string, actualDistance, actualFare float64, at time.Time) (*models.Ride, error)
	// CancelRide moves requested|accepted -> cancelled.
	CancelRide(ctx context.Context, rideID string, at time.Time) (*models.Ride, error)
}

// SampleStore persists append-only location samples.
type SampleStore interface {
	SaveSample(ctx context.Context, s *models.LocationSample) error
}

// CounterStore backs the monotonic ride ID sequence.
type CounterStore interface {
	NextSequence(ctx context.Context) (int64, error)
	ResetSequence(ctx context.Context, to int64) error
}
