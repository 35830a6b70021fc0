package storage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

func seedRide(t *testing.T, m *MemoryStore, id string) {
	t.Helper()
	err := m.CreateRide(context.Background(), &models.Ride{
		RideID:    id,
		RiderID:   "r1",
		Status:    models.StatusRequested,
		CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("seed ride: %v", err)
	}
}

func TestAcceptRideExactlyOnce(t *testing.T) {
	m := NewMemoryStore()
	seedRide(t, m, "RID100001")

	const drivers = 50
	var wg sync.WaitGroup
	wins := make([]bool, drivers)
	for i := 0; i < drivers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := m.AcceptRide(context.Background(), "RID100001", "d", time.Now())
			wins[i] = err == nil
		}(i)
	}
	wg.Wait()

	var winners int
	for _, w := range wins {
		if w {
			winners++
		}
	}
	if winners != 1 {
		t.Fatalf("expected exactly one winner, got %d", winners)
	}
}

func TestTransitionGuards(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	seedRide(t, m, "RID100001")

	if _, err := m.StartRide(ctx, "RID100001", "d1", time.Now()); err != ErrConflict {
		t.Fatalf("start before accept should conflict, got %v", err)
	}
	if _, err := m.AcceptRide(ctx, "RID100001", "d1", time.Now()); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := m.StartRide(ctx, "RID100001", "d2", time.Now()); err != ErrConflict {
		t.Fatalf("start by wrong driver should conflict, got %v", err)
	}
	if _, err := m.CompleteRide(ctx, "RID100001", "d1", 5, 90, time.Now()); err != ErrConflict {
		t.Fatalf("complete before start should conflict, got %v", err)
	}
	if _, err := m.StartRide(ctx, "RID100001", "d1", time.Now()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := m.CancelRide(ctx, "RID100001", time.Now()); err != ErrConflict {
		t.Fatalf("cancel after start should conflict, got %v", err)
	}
	r, err := m.CompleteRide(ctx, "RID100001", "d1", 5, 90, time.Now())
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if r.Status != models.StatusCompleted || r.ActualFare != 90 {
		t.Fatalf("unexpected completed ride: %+v", r)
	}
}

func TestCancelledRideStaysCancelled(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	seedRide(t, m, "RID100001")

	if _, err := m.CancelRide(ctx, "RID100001", time.Now()); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := m.AcceptRide(ctx, "RID100001", "d1", time.Now()); err != ErrConflict {
		t.Fatalf("accept of cancelled ride should conflict, got %v", err)
	}
	if _, err := m.CancelRide(ctx, "RID100001", time.Now()); err != ErrConflict {
		t.Fatalf("double cancel should conflict, got %v", err)
	}
}

func TestGetRideReturnsCopy(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	seedRide(t, m, "RID100001")

	r, err := m.GetRide(ctx, "RID100001")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	r.Status = models.StatusCompleted

	again, _ := m.GetRide(ctx, "RID100001")
	if again.Status != models.StatusRequested {
		t.Fatalf("mutating a returned ride must not touch the store")
	}
}

func TestGetRideNotFound(t *testing.T) {
	m := NewMemoryStore()
	if _, err := m.GetRide(context.Background(), "nope"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
