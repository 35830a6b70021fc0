// Package fanout delivers a new ride request to every eligible driver over
// two best-effort channels at once: the push provider and the driver's live
// websocket session. Outcomes are collected per recipient so failures are
// observable and retryable instead of vanishing into a broadcast.
package fanout

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/registry"
)

// Pusher is the external push-delivery boundary. Implementations send to
// every endpoint and report success or failure for each; an Invalid result
// means the provider says the endpoint is dead and should be evicted.
type Pusher interface {
	SendToEndpoints(ctx context.Context, endpoints []string, title, body string, data map[string]string) []models.EndpointResult
}

type audience struct {
	ride      models.Ride
	driverIDs []string
	attempts  int
	closed    bool // a driver took the ride or it was cancelled
	last      models.FanoutReport
}

type Service struct {
	reg         *registry.Registry
	push        Pusher // nil means websocket-only delivery
	logger      *slog.Logger
	maxAttempts int

	mu        sync.Mutex
	audiences map[string]*audience
}

func New(reg *registry.Registry, push Pusher, logger *slog.Logger, maxAttempts int) *Service {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Service{
		reg:         reg,
		push:        push,
		logger:      logger,
		maxAttempts: maxAttempts,
		audiences:   make(map[string]*audience),
	}
}

// BroadcastRideRequest snapshots the eligible drivers and delivers the
// request to all of them concurrently. It never blocks ride creation: the
// state machine calls it from its own goroutine and only the report is kept.
func (s *Service) BroadcastRideRequest(ctx context.Context, ride *models.Ride) models.FanoutReport {
	snapshot := s.reg.ListAvailableDrivers(registry.Filter{VehicleClass: ride.VehicleClass})

	s.mu.Lock()
	a, ok := s.audiences[ride.RideID]
	if !ok {
		a = &audience{ride: *ride}
		s.audiences[ride.RideID] = a
	}
	if a.closed {
		attempts := a.attempts
		s.mu.Unlock()
		return models.FanoutReport{RideID: ride.RideID, Attempt: attempts}
	}
	a.attempts++
	attempt := a.attempts
	a.driverIDs = a.driverIDs[:0]
	for _, d := range snapshot {
		a.driverIDs = append(a.driverIDs, d.PartyID)
	}
	s.mu.Unlock()

	report := s.deliver(ctx, ride, snapshot, attempt)

	s.mu.Lock()
	a.last = report
	s.mu.Unlock()

	s.logger.Info("ride request fanout",
		"ride_id", ride.RideID, "attempt", attempt,
		"delivered", report.Delivered, "failed", report.Failed)
	return report
}

func (s *Service) deliver(ctx context.Context, ride *models.Ride, snapshot []registry.Session, attempt int) models.FanoutReport {
	report := models.FanoutReport{RideID: ride.RideID, Attempt: attempt}
	if len(snapshot) == 0 {
		return report
	}

	payload := requestPayload(ride)

	// Redundant channel: one websocket send per driver, all concurrent so
	// latency does not scale with driver count.
	wsOK := make([]bool, len(snapshot))
	var wg sync.WaitGroup
	for i, d := range snapshot {
		wg.Add(1)
		go func(i int, driverID string) {
			defer wg.Done()
			wsOK[i] = s.reg.Send(driverID, "newRideRequest", payload) == nil
		}(i, d.PartyID)
	}

	// Primary channel: the push provider, one multicast call.
	endpoints := make([]string, 0, len(snapshot))
	endpointOwner := make(map[string]string, len(snapshot))
	for _, d := range snapshot {
		if d.Endpoint != "" {
			endpoints = append(endpoints, d.Endpoint)
			endpointOwner[d.Endpoint] = d.PartyID
		}
	}
	pushOK := make(map[string]bool, len(endpoints))
	if s.push != nil && len(endpoints) > 0 {
		title := "New ride request"
		body := fmt.Sprintf("Pickup: %s | Fare: %.2f", ride.Pickup.Address, ride.Fare)
		results := s.push.SendToEndpoints(ctx, endpoints, title, body, pushData(ride, attempt))
		for _, res := range results {
			report.Results = append(report.Results, res)
			owner := endpointOwner[res.Endpoint]
			pushOK[owner] = pushOK[owner] || res.OK
			if res.Invalid {
				s.reg.ClearEndpoint(owner, res.Endpoint)
			}
		}
	}
	wg.Wait()

	for i, d := range snapshot {
		if wsOK[i] || pushOK[d.PartyID] {
			report.Delivered++
			observability.FanoutDelivered.Inc()
		} else {
			report.Failed++
			observability.FanoutFailed.Inc()
		}
	}
	return report
}

// Retry re-runs the fanout for a ride that found no driver, capped at the
// configured attempt count. A ride that has been taken or cancelled is no
// longer open for offers and must not be re-broadcast.
func (s *Service) Retry(ctx context.Context, rideID string) (models.FanoutReport, error) {
	s.mu.Lock()
	a, ok := s.audiences[rideID]
	if !ok {
		s.mu.Unlock()
		return models.FanoutReport{}, fmt.Errorf("fanout: no pending fanout for ride %s", rideID)
	}
	if a.closed {
		s.mu.Unlock()
		return models.FanoutReport{}, fmt.Errorf("fanout: ride %s is no longer open for offers", rideID)
	}
	if a.attempts >= s.maxAttempts {
		attempts := a.attempts
		s.mu.Unlock()
		return models.FanoutReport{}, fmt.Errorf("fanout: retry limit reached for ride %s (%d attempts)", rideID, attempts)
	}
	ride := a.ride
	s.mu.Unlock()
	return s.BroadcastRideRequest(ctx, &ride), nil
}

// LastReport returns the outcome of the most recent attempt for a ride.
func (s *Service) LastReport(rideID string) (models.FanoutReport, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.audiences[rideID]
	if !ok {
		return models.FanoutReport{}, false
	}
	return a.last, true
}

// NotifyRideUnavailable tells every driver who received the original fanout,
// except the winner, that the ride is taken. It also closes the audience so
// a later retry cannot re-advertise a ride that is already spoken for.
func (s *Service) NotifyRideUnavailable(rideID, takenBy string) {
	s.mu.Lock()
	a, ok := s.audiences[rideID]
	var ids []string
	if ok {
		a.closed = true
		ids = append(ids, a.driverIDs...)
	} else {
		// The broadcast goroutine may not have run yet; leave a closed
		// marker so it cannot advertise a ride that is already taken.
		s.audiences[rideID] = &audience{closed: true}
	}
	s.mu.Unlock()
	for _, id := range ids {
		if id == takenBy {
			continue
		}
		_ = s.reg.Send(id, "rideUnavailable", map[string]string{
			"ride_id":  rideID,
			"taken_by": takenBy,
		})
	}
}

// Forget drops the working-set entry for a terminal ride.
func (s *Service) Forget(rideID string) {
	s.mu.Lock()
	delete(s.audiences, rideID)
	s.mu.Unlock()
}

func requestPayload(ride *models.Ride) map[string]any {
	return map[string]any{
		"ride_id":       ride.RideID,
		"pickup":        ride.Pickup,
		"drop":          ride.Drop,
		"vehicle_class": ride.VehicleClass,
		"fare":          ride.Fare,
		"distance_km":   ride.DistanceKm,
		"rider_name":    ride.RiderName,
	}
}

// pushData flattens the ride for the provider; data values must be strings.
func pushData(ride *models.Ride, attempt int) map[string]string {
	return map[string]string{
		"type":          "ride_request",
		"ride_id":       ride.RideID,
		"pickup":        ride.Pickup.Address,
		"drop":          ride.Drop.Address,
		"vehicle_class": ride.VehicleClass,
		"fare":          strconv.FormatFloat(ride.Fare, 'f', 2, 64),
		"distance_km":   strconv.FormatFloat(ride.DistanceKm, 'f', 2, 64),
		"rider_name":    ride.RiderName,
		"attempt":       strconv.Itoa(attempt),
	}
}
