// Package relay forwards live position updates between the two parties of
// an active ride, and only between them. Every accepted sample is persisted
// append-only for audit; delivery is best-effort and never fails a ride.
package relay

import (
	"context"
	"log/slog"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/registry"
	"github.com/example/ride-dispatch/internal/storage"
)

// RideLookup is the slice of the ride store the relay needs.
type RideLookup interface {
	GetRide(ctx context.Context, rideID string) (*models.Ride, error)
}

// Publisher pushes samples onto the audit pipeline (Kafka). Optional.
type Publisher interface {
	PublishSample(s models.LocationSample) error
}

type Service struct {
	Rides     RideLookup
	Samples   storage.SampleStore
	Registry  *registry.Registry
	Publisher Publisher // nil disables the pipeline
	Logger    *slog.Logger
}

// Relay persists the sample, applies it last-write-wins to the sender's
// session and forwards it to the ride's counterpart, if one is assigned.
// Stale (older-timestamped) updates are dropped after persisting. A sender
// without a live session still gets forwarded: the forwarding condition is
// the ride's counterpart, not the sender's registration (a swept driver
// posting over HTTP must still reach the connected rider). A ride still in
// requested, or already terminal, persists without forwarding.
//
// The return reports whether the sample is current; false means it was
// dropped as stale and callers must not propagate it further (for example
// into the discovery geo index).
func (s *Service) Relay(ctx context.Context, partyID, rideID string, role models.Role, pos models.Coord, capturedAt time.Time) bool {
	if capturedAt.IsZero() {
		capturedAt = time.Now()
	}
	sample := models.LocationSample{
		PartyID:    partyID,
		Role:       role,
		RideID:     rideID,
		Lat:        pos.Lat,
		Lng:        pos.Lng,
		CapturedAt: capturedAt,
	}
	if err := s.Samples.SaveSample(ctx, &sample); err != nil {
		// Sample writes degrade gracefully; the live path continues.
		s.Logger.Warn("location sample write failed", "party_id", partyID, "error", err)
	}
	if s.Publisher != nil {
		if err := s.Publisher.PublishSample(sample); err != nil {
			s.Logger.Debug("location sample publish failed", "party_id", partyID, "error", err)
		}
	}

	applied, known := s.Registry.UpdatePosition(partyID, pos, capturedAt)
	if known && !applied {
		observability.RelayDroppedStale.Inc()
		return false
	}
	if !known {
		observability.RelaySessionless.Inc()
	}

	if rideID == "" {
		return true
	}
	ride, err := s.Rides.GetRide(ctx, rideID)
	if err != nil {
		s.Logger.Debug("relay lookup failed", "ride_id", rideID, "error", err)
		return true
	}
	if ride.Status.Terminal() || ride.DriverID == "" {
		return true
	}

	// Forward only to the counterpart of this ride, never broadcast.
	var target string
	switch partyID {
	case ride.RiderID:
		target = ride.DriverID
	case ride.DriverID:
		target = ride.RiderID
	default:
		s.Logger.Debug("relay from party not on ride", "ride_id", rideID, "party_id", partyID)
		return true
	}

	err = s.Registry.Send(target, "counterpartLocation", map[string]any{
		"ride_id":     rideID,
		"party_id":    partyID,
		"lat":         pos.Lat,
		"lng":         pos.Lng,
		"captured_at": capturedAt,
	})
	if err == nil {
		observability.RelayForwarded.Inc()
	}
	return true
}
