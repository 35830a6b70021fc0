// Package registry tracks every currently connected driver and rider
// session: identity, delivery channel, last-known position, availability
// and heartbeat. It is the most contended shared structure in the system,
// so every mutation happens under one RWMutex and every read used for
// fanout snapshots gets copies, never live map references.
package registry

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

// ErrNoSession is returned when a targeted send finds no live channel.
var ErrNoSession = errors.New("no session for party")

// Channel delivers an event to one connected party. Implementations must be
// safe for concurrent use; the websocket channel serializes writes with its
// own mutex.
type Channel interface {
	Send(event string, data any) error
}

// Session is the public, copied view of one connected party.
type Session struct {
	PartyID      string
	Role         models.Role
	Name         string
	Phone        string
	VehicleClass string
	Endpoint     string // push delivery endpoint, may be empty
	Position     models.Coord
	PositionAt   time.Time
	HeartbeatAt  time.Time
	Availability models.Availability
}

type session struct {
	Session
	ch Channel
}

// Config carries the registry timing knobs.
type Config struct {
	HeartbeatWindow time.Duration // silence before an Online session is demoted
	OfflineGrace    time.Duration // Offline retention before physical removal
	SweepInterval   time.Duration
}

type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*session
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
}

func New(cfg Config, logger *slog.Logger) *Registry {
	if cfg.HeartbeatWindow <= 0 {
		cfg.HeartbeatWindow = 5 * time.Minute
	}
	if cfg.OfflineGrace <= 0 {
		cfg.OfflineGrace = 5 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	return &Registry{
		sessions: make(map[string]*session),
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// RegisterDriver upserts the driver session and marks it Online.
// Re-registration overwrites in place; there is never more than one session
// per driver ID.
func (r *Registry) RegisterDriver(driverID, name string, pos models.Coord, vehicleClass, endpoint string, ch Channel) {
	now := r.now()
	r.mu.Lock()
	r.sessions[driverID] = &session{
		Session: Session{
			PartyID:      driverID,
			Role:         models.RoleDriver,
			Name:         name,
			VehicleClass: vehicleClass,
			Endpoint:     endpoint,
			Position:     pos,
			PositionAt:   now,
			HeartbeatAt:  now,
			Availability: models.AvailabilityOnline,
		},
		ch: ch,
	}
	r.updateGaugeLocked()
	r.mu.Unlock()
}

// RegisterRider binds a delivery channel to the rider identity.
func (r *Registry) RegisterRider(riderID, name, phone string, ch Channel) {
	now := r.now()
	r.mu.Lock()
	r.sessions[riderID] = &session{
		Session: Session{
			PartyID:      riderID,
			Role:         models.RoleRider,
			Name:         name,
			Phone:        phone,
			HeartbeatAt:  now,
			Availability: models.AvailabilityOnline,
		},
		ch: ch,
	}
	r.updateGaugeLocked()
	r.mu.Unlock()
}

// UpdatePosition applies a position update last-write-wins by capturedAt.
// applied reports whether the session's position changed; known reports
// whether the party has a session at all. A known session with applied
// false means the sample carried an older timestamp than one already seen.
func (r *Registry) UpdatePosition(partyID string, pos models.Coord, capturedAt time.Time) (applied, known bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[partyID]
	if !ok {
		r.logger.Debug("position update for unregistered party", "party_id", partyID)
		return false, false
	}
	if capturedAt.Before(s.PositionAt) {
		return false, true
	}
	s.Position = pos
	s.PositionAt = capturedAt
	s.HeartbeatAt = r.now()
	return true, true
}

// Heartbeat refreshes liveness and revives an Offline session that
// reconnected within the grace window.
func (r *Registry) Heartbeat(partyID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[partyID]
	if !ok {
		return false
	}
	s.HeartbeatAt = r.now()
	if s.Availability == models.AvailabilityOffline {
		s.Availability = models.AvailabilityOnline
		r.updateGaugeLocked()
	}
	return true
}

func (r *Registry) MarkBusy(driverID string)      { r.setAvailability(driverID, models.AvailabilityBusy) }
func (r *Registry) MarkAvailable(driverID string) { r.setAvailability(driverID, models.AvailabilityOnline) }

func (r *Registry) setAvailability(partyID string, a models.Availability) {
	r.mu.Lock()
	if s, ok := r.sessions[partyID]; ok {
		s.Availability = a
	}
	r.updateGaugeLocked()
	r.mu.Unlock()
}

// Filter narrows a ListAvailableDrivers snapshot.
type Filter struct {
	VehicleClass string
	Near         *models.Coord
	RadiusM      float64
}

// ListAvailableDrivers returns a point-in-time snapshot of Online driver
// sessions with a fresh heartbeat, safe to iterate while the registry keeps
// mutating. Busy and Offline drivers are excluded.
func (r *Registry) ListAvailableDrivers(f Filter) []Session {
	cutoff := r.now().Add(-r.cfg.HeartbeatWindow)
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		if s.Role != models.RoleDriver || s.Availability != models.AvailabilityOnline {
			continue
		}
		if s.HeartbeatAt.Before(cutoff) {
			continue
		}
		if f.VehicleClass != "" && s.VehicleClass != f.VehicleClass {
			continue
		}
		if f.Near != nil && f.RadiusM > 0 && !withinRadius(s.Position, *f.Near, f.RadiusM) {
			continue
		}
		out = append(out, s.Session)
	}
	return out
}

// Get returns a copy of the session for partyID.
func (r *Registry) Get(partyID string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[partyID]
	if !ok {
		return Session{}, false
	}
	return s.Session, true
}

// Send delivers an event to one party's channel.
func (r *Registry) Send(partyID, event string, data any) error {
	r.mu.RLock()
	s, ok := r.sessions[partyID]
	r.mu.RUnlock()
	if !ok || s.ch == nil {
		return ErrNoSession
	}
	return s.ch.Send(event, data)
}

// ClearEndpoint drops a push endpoint the provider reported as dead, so the
// next fanout stops paying for it. No-op if the endpoint already changed.
func (r *Registry) ClearEndpoint(partyID, endpoint string) {
	r.mu.Lock()
	if s, ok := r.sessions[partyID]; ok && s.Endpoint == endpoint {
		s.Endpoint = ""
		r.logger.Info("evicted invalid push endpoint", "party_id", partyID)
	}
	r.mu.Unlock()
}

// Deregister marks the party Offline. The record survives for the grace
// window so a transient reconnect keeps its recent-position context; the
// sweeper removes it for good afterwards.
//
// ch guards against a stale disconnect: when a party re-registers on a new
// connection before the old one's teardown runs, the old teardown carries
// the old channel and must not knock the fresh session offline. A nil ch
// deregisters unconditionally.
func (r *Registry) Deregister(partyID string, ch Channel) {
	r.mu.Lock()
	if s, ok := r.sessions[partyID]; ok && (ch == nil || s.ch == ch) {
		s.Availability = models.AvailabilityOffline
		s.ch = nil
	}
	r.updateGaugeLocked()
	r.mu.Unlock()
}

// Sweep demotes sessions silent past the heartbeat window and removes
// Offline sessions past the grace window. Returns (demoted, removed).
func (r *Registry) Sweep() (int, int) {
	now := r.now()
	staleCutoff := now.Add(-r.cfg.HeartbeatWindow)
	removeCutoff := now.Add(-r.cfg.OfflineGrace)
	var demoted, removed int
	r.mu.Lock()
	for id, s := range r.sessions {
		switch {
		case s.Availability == models.AvailabilityOffline && s.HeartbeatAt.Before(removeCutoff):
			delete(r.sessions, id)
			removed++
		case s.Availability != models.AvailabilityOffline && s.HeartbeatAt.Before(staleCutoff):
			s.Availability = models.AvailabilityOffline
			s.ch = nil
			demoted++
		}
	}
	r.updateGaugeLocked()
	r.mu.Unlock()
	if demoted > 0 || removed > 0 {
		r.logger.Info("registry sweep", "demoted", demoted, "removed", removed)
	}
	return demoted, removed
}

// Run sweeps on the configured interval until ctx is done.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

func (r *Registry) updateGaugeLocked() {
	var n int
	for _, s := range r.sessions {
		if s.Availability != models.AvailabilityOffline {
			n++
		}
	}
	observability.SessionsOnline.Set(float64(n))
}

func withinRadius(pos, center models.Coord, radiusM float64) bool {
	return geo.Haversine(pos.Lat, pos.Lng, center.Lat, center.Lng) <= radiusM
}
