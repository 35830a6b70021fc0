package registry

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

func testRegistry() *Registry {
	return New(Config{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
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

func TestRegisterDriverIdempotent(t *testing.T) {
	r := testRegistry()
	ch := &recordChannel{}
	r.RegisterDriver("d1", "Asha", models.Coord{Lat: 1, Lng: 2}, "taxi", "", ch)
	r.RegisterDriver("d1", "Asha", models.Coord{Lat: 3, Lng: 4}, "taxi", "", ch)

	drivers := r.ListAvailableDrivers(Filter{})
	if len(drivers) != 1 {
		t.Fatalf("expected one session for re-registered driver, got %d", len(drivers))
	}
	if drivers[0].Position.Lat != 3 || drivers[0].Position.Lng != 4 {
		t.Fatalf("re-register should keep the latest position, got %+v", drivers[0].Position)
	}
}

func TestUpdatePositionLastWriteWins(t *testing.T) {
	r := testRegistry()
	r.RegisterDriver("d1", "Asha", models.Coord{}, "taxi", "", &recordChannel{})

	now := time.Now()
	if applied, known := r.UpdatePosition("d1", models.Coord{Lat: 5, Lng: 5}, now); !applied || !known {
		t.Fatalf("fresh update should apply, got applied=%v known=%v", applied, known)
	}
	if applied, known := r.UpdatePosition("d1", models.Coord{Lat: 9, Lng: 9}, now.Add(-time.Minute)); applied || !known {
		t.Fatalf("older sample must not apply, got applied=%v known=%v", applied, known)
	}
	sess, _ := r.Get("d1")
	if sess.Position.Lat != 5 {
		t.Fatalf("stale sample overwrote position: %+v", sess.Position)
	}
	if applied, known := r.UpdatePosition("ghost", models.Coord{Lat: 1, Lng: 1}, now); applied || known {
		t.Fatalf("unknown party must be a no-op, got applied=%v known=%v", applied, known)
	}
}

func TestListExcludesStaleHeartbeats(t *testing.T) {
	r := testRegistry()
	r.RegisterDriver("fresh", "A", models.Coord{}, "taxi", "", &recordChannel{})
	r.RegisterDriver("stale", "B", models.Coord{}, "taxi", "", &recordChannel{})

	// age the stale driver's heartbeat just past the window
	r.mu.Lock()
	r.sessions["stale"].HeartbeatAt = time.Now().Add(-(5*time.Minute + time.Second))
	r.mu.Unlock()

	drivers := r.ListAvailableDrivers(Filter{})
	if len(drivers) != 1 || drivers[0].PartyID != "fresh" {
		t.Fatalf("expected only the fresh driver, got %+v", drivers)
	}
}

func TestListExcludesBusyAndFiltersClass(t *testing.T) {
	r := testRegistry()
	r.RegisterDriver("d1", "A", models.Coord{}, "taxi", "", &recordChannel{})
	r.RegisterDriver("d2", "B", models.Coord{}, "bike", "", &recordChannel{})
	r.RegisterDriver("d3", "C", models.Coord{}, "taxi", "", &recordChannel{})
	r.MarkBusy("d3")

	drivers := r.ListAvailableDrivers(Filter{VehicleClass: "taxi"})
	if len(drivers) != 1 || drivers[0].PartyID != "d1" {
		t.Fatalf("expected only d1, got %+v", drivers)
	}
}

func TestRadiusFilter(t *testing.T) {
	r := testRegistry()
	r.RegisterDriver("near", "A", models.Coord{Lat: 11.33, Lng: 77.71}, "taxi", "", &recordChannel{})
	r.RegisterDriver("far", "B", models.Coord{Lat: 12.50, Lng: 78.90}, "taxi", "", &recordChannel{})

	at := models.Coord{Lat: 11.33, Lng: 77.72}
	drivers := r.ListAvailableDrivers(Filter{Near: &at, RadiusM: 5000})
	if len(drivers) != 1 || drivers[0].PartyID != "near" {
		t.Fatalf("expected only the nearby driver, got %+v", drivers)
	}
}

func TestDeregisterGraceAndSweep(t *testing.T) {
	r := testRegistry()
	ch := &recordChannel{}
	r.RegisterDriver("d1", "A", models.Coord{Lat: 1, Lng: 1}, "taxi", "", ch)
	r.Deregister("d1", ch)

	if _, ok := r.Get("d1"); !ok {
		t.Fatalf("deregistered session should survive within the grace window")
	}
	if err := r.Send("d1", "ping", nil); err != ErrNoSession {
		t.Fatalf("send to deregistered session should fail, got %v", err)
	}
	if got := r.ListAvailableDrivers(Filter{}); len(got) != 0 {
		t.Fatalf("offline driver must not be listed")
	}

	// heartbeat within grace revives the session
	if !r.Heartbeat("d1") {
		t.Fatalf("heartbeat within grace should succeed")
	}
	if got := r.ListAvailableDrivers(Filter{}); len(got) != 1 {
		t.Fatalf("revived driver should be listed again")
	}

	// now push it past both windows and sweep it away
	r.Deregister("d1", nil)
	r.now = func() time.Time { return time.Now().Add(6 * time.Minute) }
	demoted, removed := r.Sweep()
	if removed != 1 {
		t.Fatalf("expected one removal, got demoted=%d removed=%d", demoted, removed)
	}
	if _, ok := r.Get("d1"); ok {
		t.Fatalf("session should be gone after grace expires")
	}
}

func TestSweepDemotesSilentSessions(t *testing.T) {
	r := testRegistry()
	r.RegisterDriver("d1", "A", models.Coord{}, "taxi", "", &recordChannel{})

	r.now = func() time.Time { return time.Now().Add(5*time.Minute + time.Second) }
	demoted, removed := r.Sweep()
	if demoted != 1 || removed != 0 {
		t.Fatalf("expected one demotion, got demoted=%d removed=%d", demoted, removed)
	}
	sess, _ := r.Get("d1")
	if sess.Availability != models.AvailabilityOffline {
		t.Fatalf("silent session should be offline, got %s", sess.Availability)
	}
}

func TestDeregisterIgnoresStaleChannel(t *testing.T) {
	r := testRegistry()
	chOld := &recordChannel{}
	chNew := &recordChannel{}
	r.RegisterDriver("d1", "A", models.Coord{Lat: 1, Lng: 1}, "taxi", "", chOld)
	r.RegisterDriver("d1", "A", models.Coord{Lat: 2, Lng: 2}, "taxi", "", chNew)

	// the old connection's teardown arrives after the re-register
	r.Deregister("d1", chOld)

	sess, ok := r.Get("d1")
	if !ok || sess.Availability != models.AvailabilityOnline {
		t.Fatalf("fresh session must survive the stale disconnect, got %+v ok=%v", sess, ok)
	}
	if got := r.ListAvailableDrivers(Filter{}); len(got) != 1 {
		t.Fatalf("driver should still be visible to fanout, got %d", len(got))
	}
	if err := r.Send("d1", "ping", nil); err != nil {
		t.Fatalf("live channel should still deliver: %v", err)
	}
	if chNew.got("ping") != 1 {
		t.Fatalf("send should reach the new channel")
	}

	// the current connection's teardown still deregisters
	r.Deregister("d1", chNew)
	sess, _ = r.Get("d1")
	if sess.Availability != models.AvailabilityOffline {
		t.Fatalf("matching channel should deregister, got %s", sess.Availability)
	}
}

func TestClearEndpointOnlyWhenMatching(t *testing.T) {
	r := testRegistry()
	r.RegisterDriver("d1", "A", models.Coord{}, "taxi", "tok-1", &recordChannel{})

	r.ClearEndpoint("d1", "tok-other")
	sess, _ := r.Get("d1")
	if sess.Endpoint != "tok-1" {
		t.Fatalf("mismatched endpoint must not be cleared")
	}

	r.ClearEndpoint("d1", "tok-1")
	sess, _ = r.Get("d1")
	if sess.Endpoint != "" {
		t.Fatalf("endpoint should be cleared")
	}
}
