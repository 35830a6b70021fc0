package storage

import (
	"context"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// MemoryStore implements RideStore, SampleStore and CounterStore in process
// memory. It backs tests and DSN-less dev runs; the mutex gives it the same
// check-and-set semantics the Postgres implementation gets from conditional
// UPDATEs.
type MemoryStore struct {
	mu      sync.Mutex
	rides   map[string]*models.Ride
	samples []models.LocationSample
	seq     int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rides: make(map[string]*models.Ride), seq: 100000}
}

func (m *MemoryStore) CreateRide(ctx context.Context, r *models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.rides[r.RideID] = &cp
	return nil
}

func (m *MemoryStore) GetRide(ctx context.Context, rideID string) (*models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[rideID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) AcceptRide(ctx context.Context, rideID, driverID string, at time.Time) (*models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[rideID]
	if !ok {
		return nil, ErrNotFound
	}
	if r.Status != models.StatusRequested {
		return nil, ErrConflict
	}
	r.Status = models.StatusAccepted
	r.DriverID = driverID
	t := at
	r.AcceptedAt = &t
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) StartRide(ctx context.Context, rideID, driverID string, at time.Time) (*models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[rideID]
	if !ok {
		return nil, ErrNotFound
	}
	if r.Status != models.StatusAccepted || r.DriverID != driverID {
		return nil, ErrConflict
	}
	r.Status = models.StatusStarted
	t := at
	r.StartedAt = &t
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) CompleteRide(ctx context.Context, rideID, driverID string, actualDistance, actualFare float64, at time.Time) (*models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[rideID]
	if !ok {
		return nil, ErrNotFound
	}
	if r.Status != models.StatusStarted || r.DriverID != driverID {
		return nil, ErrConflict
	}
	r.Status = models.StatusCompleted
	r.ActualDistance = actualDistance
	r.ActualFare = actualFare
	t := at
	r.CompletedAt = &t
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) CancelRide(ctx context.Context, rideID string, at time.Time) (*models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[rideID]
	if !ok {
		return nil, ErrNotFound
	}
	if r.Status != models.StatusRequested && r.Status != models.StatusAccepted {
		return nil, ErrConflict
	}
	r.Status = models.StatusCancelled
	t := at
	r.CompletedAt = &t
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) SaveSample(ctx context.Context, s *models.LocationSample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples = append(m.samples, *s)
	return nil
}

// Samples returns a copy of everything written so far.
func (m *MemoryStore) Samples() []models.LocationSample {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.LocationSample, len(m.samples))
	copy(out, m.samples)
	return out
}

func (m *MemoryStore) NextSequence(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	return m.seq, nil
}

func (m *MemoryStore) ResetSequence(ctx context.Context, to int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq = to
	return nil
}
