package relay

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/registry"
	"github.com/example/ride-dispatch/internal/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordChannel struct {
	events []string
}

func (c *recordChannel) Send(event string, data any) error {
	c.events = append(c.events, event)
	return nil
}

func (c *recordChannel) got(event string) int {
	n := 0
	for _, e := range c.events {
		if e == event {
			n++
		}
	}
	return n
}

type relayFixture struct {
	svc    *Service
	store  *storage.MemoryStore
	reg    *registry.Registry
	rider  *recordChannel
	driver *recordChannel
	other  *recordChannel
}

func newFixture(t *testing.T, status models.RideStatus, driverID string) *relayFixture {
	t.Helper()
	store := storage.NewMemoryStore()
	err := store.CreateRide(context.Background(), &models.Ride{
		RideID:    "RID100001",
		RiderID:   "r1",
		DriverID:  driverID,
		Status:    status,
		CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("seed ride: %v", err)
	}

	reg := registry.New(registry.Config{}, testLogger())
	f := &relayFixture{
		store:  store,
		reg:    reg,
		rider:  &recordChannel{},
		driver: &recordChannel{},
		other:  &recordChannel{},
	}
	reg.RegisterRider("r1", "Meena", "9876543210", f.rider)
	reg.RegisterDriver("d1", "Asha", models.Coord{}, "taxi", "", f.driver)
	reg.RegisterDriver("d2", "Bala", models.Coord{}, "taxi", "", f.other)
	f.svc = &Service{Rides: store, Samples: store, Registry: reg, Logger: testLogger()}
	return f
}

func TestRelayForwardsToCounterpartOnly(t *testing.T) {
	f := newFixture(t, models.StatusAccepted, "d1")

	f.svc.Relay(context.Background(), "d1", "RID100001", models.RoleDriver, models.Coord{Lat: 11.34, Lng: 77.72}, time.Now())

	if f.rider.got("counterpartLocation") != 1 {
		t.Fatalf("rider should receive the driver position")
	}
	if f.other.got("counterpartLocation") != 0 {
		t.Fatalf("third parties must never receive positions")
	}
	if f.driver.got("counterpartLocation") != 0 {
		t.Fatalf("position must not echo back to the sender")
	}
	if len(f.store.Samples()) != 1 {
		t.Fatalf("sample should be persisted")
	}
}

func TestRelayRiderToDriver(t *testing.T) {
	f := newFixture(t, models.StatusStarted, "d1")

	f.svc.Relay(context.Background(), "r1", "RID100001", models.RoleRider, models.Coord{Lat: 11.35, Lng: 77.73}, time.Now())

	if f.driver.got("counterpartLocation") != 1 {
		t.Fatalf("driver should receive the rider position")
	}
	if f.rider.got("counterpartLocation") != 0 {
		t.Fatalf("position must not echo back to the sender")
	}
}

func TestRelayRequestedRidePersistsWithoutForwarding(t *testing.T) {
	f := newFixture(t, models.StatusRequested, "")

	f.svc.Relay(context.Background(), "d1", "RID100001", models.RoleDriver, models.Coord{Lat: 1, Lng: 1}, time.Now())

	if f.rider.got("counterpartLocation") != 0 {
		t.Fatalf("unassigned ride must not forward anything")
	}
	if len(f.store.Samples()) != 1 {
		t.Fatalf("sample should still be persisted")
	}
}

func TestRelayTerminalRideNoForwarding(t *testing.T) {
	f := newFixture(t, models.StatusCancelled, "d1")

	f.svc.Relay(context.Background(), "d1", "RID100001", models.RoleDriver, models.Coord{Lat: 1, Lng: 1}, time.Now())

	if f.rider.got("counterpartLocation") != 0 {
		t.Fatalf("terminal ride must not forward anything")
	}
}

func TestRelayNonPartySenderIgnored(t *testing.T) {
	f := newFixture(t, models.StatusAccepted, "d1")

	f.svc.Relay(context.Background(), "d2", "RID100001", models.RoleDriver, models.Coord{Lat: 1, Lng: 1}, time.Now())

	if f.rider.got("counterpartLocation") != 0 || f.driver.got("counterpartLocation") != 0 {
		t.Fatalf("a sender outside the ride must not reach either party")
	}
}

func TestRelayDropsStaleSamples(t *testing.T) {
	f := newFixture(t, models.StatusAccepted, "d1")

	now := time.Now()
	if !f.svc.Relay(context.Background(), "d1", "RID100001", models.RoleDriver, models.Coord{Lat: 2, Lng: 2}, now) {
		t.Fatalf("fresh sample should be reported current")
	}
	if f.svc.Relay(context.Background(), "d1", "RID100001", models.RoleDriver, models.Coord{Lat: 1, Lng: 1}, now.Add(-time.Minute)) {
		t.Fatalf("stale sample should be reported not current")
	}

	if f.rider.got("counterpartLocation") != 1 {
		t.Fatalf("stale sample must not be forwarded")
	}
	sess, _ := f.reg.Get("d1")
	if sess.Position.Lat != 2 {
		t.Fatalf("stale sample must not overwrite the live position")
	}
	if len(f.store.Samples()) != 2 {
		t.Fatalf("stale samples are still persisted for audit")
	}
}

func TestRelaySessionlessSenderStillForwarded(t *testing.T) {
	store := storage.NewMemoryStore()
	err := store.CreateRide(context.Background(), &models.Ride{
		RideID:    "RID100001",
		RiderID:   "r1",
		DriverID:  "d-swept", // session expired, no registry entry
		Status:    models.StatusStarted,
		CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("seed ride: %v", err)
	}
	reg := registry.New(registry.Config{}, testLogger())
	rider := &recordChannel{}
	reg.RegisterRider("r1", "Meena", "9876543210", rider)
	svc := &Service{Rides: store, Samples: store, Registry: reg, Logger: testLogger()}

	current := svc.Relay(context.Background(), "d-swept", "RID100001", models.RoleDriver, models.Coord{Lat: 11.35, Lng: 77.73}, time.Now())

	if !current {
		t.Fatalf("sessionless sample is not stale and must be reported current")
	}
	if rider.got("counterpartLocation") != 1 {
		t.Fatalf("rider of an active ride should receive the sessionless driver's position")
	}
	if len(store.Samples()) != 1 {
		t.Fatalf("sample should be persisted")
	}
}

func TestRelayNoRideIDUpdatesPositionOnly(t *testing.T) {
	f := newFixture(t, models.StatusAccepted, "d1")

	f.svc.Relay(context.Background(), "d1", "", models.RoleDriver, models.Coord{Lat: 7, Lng: 8}, time.Now())

	sess, _ := f.reg.Get("d1")
	if sess.Position.Lat != 7 {
		t.Fatalf("position should be applied")
	}
	if f.rider.got("counterpartLocation") != 0 {
		t.Fatalf("no ride context means no forwarding")
	}
}
