// Package ride owns the authoritative lifecycle of a ride:
//
//	requested -> accepted -> started -> completed
//	requested -> cancelled, accepted -> cancelled
//
// Transitions are status-guarded conditional updates at the storage layer,
// so at-most-one driver wins an accept race no matter how many race. The
// transport layer is a thin adapter around this service; nothing here knows
// about websockets.
package ride

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/example/ride-dispatch/internal/fanout"
	"github.com/example/ride-dispatch/internal/fares"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/registry"
	"github.com/example/ride-dispatch/internal/rideid"
	"github.com/example/ride-dispatch/internal/storage"
)

type Service struct {
	Store    storage.RideStore
	IDs      *rideid.Generator
	Fares    *fares.Table
	Registry *registry.Registry
	Fanout   *fanout.Service
	Logger   *slog.Logger

	// ForgetDelay is how long a terminal ride stays in the fanout working
	// set before it is dropped.
	ForgetDelay time.Duration

	now func() time.Time
}

func NewService(store storage.RideStore, ids *rideid.Generator, table *fares.Table, reg *registry.Registry, fo *fanout.Service, logger *slog.Logger, forgetDelay time.Duration) *Service {
	if forgetDelay <= 0 {
		forgetDelay = 5 * time.Second
	}
	return &Service{
		Store:       store,
		IDs:         ids,
		Fares:       table,
		Registry:    reg,
		Fanout:      fo,
		Logger:      logger,
		ForgetDelay: forgetDelay,
		now:         time.Now,
	}
}

// Create validates the request, prices it server-side, mints an ID and OTP,
// persists the ride as requested and kicks off the driver fanout without
// waiting for it. The client's fare estimate is ignored on purpose.
func (s *Service) Create(ctx context.Context, req models.RideRequest) (*models.Ride, error) {
	if req.RiderID == "" || req.RiderName == "" || req.VehicleClass == "" {
		return nil, reject(ReasonValidation, "rider identity and vehicle class are required")
	}
	if (req.Pickup.Lat == 0 && req.Pickup.Lng == 0) || (req.Drop.Lat == 0 && req.Drop.Lng == 0) {
		return nil, reject(ReasonValidation, "pickup and drop coordinates are required")
	}

	distanceKm := geo.DistanceKm(req.Pickup.Coord(), req.Drop.Coord())
	fare, err := s.Fares.Fare(req.VehicleClass, distanceKm)
	if err != nil {
		return nil, reject(ReasonValidation, "unknown vehicle class %q", req.VehicleClass)
	}

	r := &models.Ride{
		RideID:       s.IDs.Next(ctx),
		RiderID:      req.RiderID,
		RiderName:    req.RiderName,
		RiderPhone:   req.RiderPhone,
		Pickup:       req.Pickup,
		Drop:         req.Drop,
		VehicleClass: req.VehicleClass,
		Fare:         fare,
		DistanceKm:   distanceKm,
		OTP:          deriveOTP(req.RiderPhone),
		Status:       models.StatusRequested,
		CreatedAt:    s.now(),
	}

	if err := s.Store.CreateRide(ctx, r); err != nil {
		s.Logger.Error("ride create failed", "ride_id", r.RideID, "error", err)
		return nil, reject(ReasonUpstream, "could not persist ride")
	}
	observability.RidesCreated.Inc()
	s.Logger.Info("ride created", "ride_id", r.RideID, "rider_id", r.RiderID, "fare", r.Fare)

	// Fire-and-forget relative to the rider's acknowledgment.
	go func(snapshot models.Ride) {
		fctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.Fanout.BroadcastRideRequest(fctx, &snapshot)
	}(*r)

	return r, nil
}

// Accept is the race-critical transition. The storage layer performs the
// requested->accepted check-and-set atomically; losers are told who won and
// what the ride looks like now, and must not mutate anything.
func (s *Service) Accept(ctx context.Context, rideID, driverID string) (*models.Ride, error) {
	if rideID == "" || driverID == "" {
		return nil, reject(ReasonValidation, "ride id and driver id are required")
	}
	r, err := s.Store.AcceptRide(ctx, rideID, driverID, s.now())
	switch err {
	case nil:
	case storage.ErrNotFound:
		return nil, reject(ReasonNotFound, "ride %s not found", rideID)
	case storage.ErrConflict:
		observability.AcceptConflicts.Inc()
		cur, gerr := s.Store.GetRide(ctx, rideID)
		if gerr != nil {
			return nil, reject(ReasonAlreadyAccepted, "ride %s is no longer available", rideID)
		}
		return nil, &Rejection{
			Reason:     ReasonAlreadyAccepted,
			Message:    fmt.Sprintf("ride %s is no longer available", rideID),
			AcceptedBy: cur.DriverID,
			Current:    cur,
		}
	default:
		s.Logger.Error("ride accept failed", "ride_id", rideID, "error", err)
		return nil, reject(ReasonUpstream, "could not accept ride")
	}

	observability.RidesAccepted.Inc()
	s.Registry.MarkBusy(driverID)
	s.notifyRider(r, "rideAccepted", acceptedPayload(r, s.Registry))
	s.Fanout.NotifyRideUnavailable(rideID, driverID)
	s.Logger.Info("ride accepted", "ride_id", rideID, "driver_id", driverID)
	return r, nil
}

// Start verifies the OTP the rider shared with the driver and moves the ride
// to started. An OTP mismatch changes nothing; attempt limiting is the
// caller's policy, not the core's.
func (s *Service) Start(ctx context.Context, rideID, driverID, otp string) (*models.Ride, error) {
	cur, err := s.Store.GetRide(ctx, rideID)
	if err == storage.ErrNotFound {
		return nil, reject(ReasonNotFound, "ride %s not found", rideID)
	}
	if err != nil {
		return nil, reject(ReasonUpstream, "could not load ride")
	}
	if cur.Status != models.StatusAccepted {
		return nil, &Rejection{Reason: ReasonInvalidState, Message: fmt.Sprintf("ride is %s, not accepted", cur.Status), Current: cur}
	}
	if cur.DriverID != driverID {
		return nil, reject(ReasonWrongDriver, "ride %s is assigned to another driver", rideID)
	}
	if cur.OTP != otp {
		return nil, reject(ReasonBadOTP, "otp does not match")
	}

	r, err := s.Store.StartRide(ctx, rideID, driverID, s.now())
	switch err {
	case nil:
	case storage.ErrConflict:
		cur, _ = s.Store.GetRide(ctx, rideID)
		return nil, &Rejection{Reason: ReasonInvalidState, Message: "ride state changed underneath", Current: cur}
	case storage.ErrNotFound:
		return nil, reject(ReasonNotFound, "ride %s not found", rideID)
	default:
		return nil, reject(ReasonUpstream, "could not start ride")
	}

	s.notifyRider(r, "rideStarted", map[string]any{"ride_id": r.RideID, "otp_verified": true})
	s.Logger.Info("ride started", "ride_id", rideID, "driver_id", driverID)
	return r, nil
}

// Complete finishes the ride, records the driver-reported actuals and frees
// the driver for the next fanout.
func (s *Service) Complete(ctx context.Context, rideID, driverID string, actualDistance, actualFare float64) (*models.Ride, error) {
	r, err := s.Store.CompleteRide(ctx, rideID, driverID, actualDistance, actualFare, s.now())
	switch err {
	case nil:
	case storage.ErrNotFound:
		return nil, reject(ReasonNotFound, "ride %s not found", rideID)
	case storage.ErrConflict:
		cur, _ := s.Store.GetRide(ctx, rideID)
		return nil, &Rejection{Reason: ReasonInvalidState, Message: "ride is not started or not yours", Current: cur}
	default:
		s.Logger.Error("ride complete failed", "ride_id", rideID, "error", err)
		return nil, reject(ReasonUpstream, "could not complete ride")
	}

	observability.RidesCompleted.Inc()
	s.Registry.MarkAvailable(driverID)
	s.notifyRider(r, "rideCompleted", map[string]any{
		"ride_id":  r.RideID,
		"distance": r.ActualDistance,
		"fare":     r.ActualFare,
	})
	s.forgetLater(rideID)
	s.Logger.Info("ride completed", "ride_id", rideID, "driver_id", driverID)
	return r, nil
}

// Cancel is allowed while the ride is requested or accepted, and only by
// the rider or the assigned driver. An assigned driver is released and the
// counterpart of whoever cancelled is told.
func (s *Service) Cancel(ctx context.Context, rideID, actorID string) (*models.Ride, error) {
	cur, err := s.Store.GetRide(ctx, rideID)
	if err == storage.ErrNotFound {
		return nil, reject(ReasonNotFound, "ride %s not found", rideID)
	}
	if err != nil {
		return nil, reject(ReasonUpstream, "could not load ride")
	}
	if actorID != cur.RiderID && (cur.DriverID == "" || actorID != cur.DriverID) {
		return nil, reject(ReasonValidation, "only the rider or assigned driver may cancel ride %s", rideID)
	}

	r, err := s.Store.CancelRide(ctx, rideID, s.now())
	switch err {
	case nil:
	case storage.ErrNotFound:
		return nil, reject(ReasonNotFound, "ride %s not found", rideID)
	case storage.ErrConflict:
		cur, _ := s.Store.GetRide(ctx, rideID)
		return nil, &Rejection{Reason: ReasonInvalidState, Message: "ride can no longer be cancelled", Current: cur}
	default:
		s.Logger.Error("ride cancel failed", "ride_id", rideID, "error", err)
		return nil, reject(ReasonUpstream, "could not cancel ride")
	}

	observability.RidesCancelled.Inc()
	payload := map[string]any{"ride_id": r.RideID, "cancelled_by": actorID}
	if r.DriverID != "" {
		s.Registry.MarkAvailable(r.DriverID)
		if actorID != r.DriverID {
			_ = s.Registry.Send(r.DriverID, "rideCancelled", payload)
		}
	} else {
		// Nobody had accepted yet; the fanout audience should stop showing it.
		s.Fanout.NotifyRideUnavailable(rideID, "")
	}
	if actorID != r.RiderID {
		s.notifyRider(r, "rideCancelled", payload)
	}
	s.forgetLater(rideID)
	s.Logger.Info("ride cancelled", "ride_id", rideID, "actor", actorID)
	return r, nil
}

func (s *Service) notifyRider(r *models.Ride, event string, payload any) {
	if err := s.Registry.Send(r.RiderID, event, payload); err != nil {
		s.Logger.Debug("rider notification skipped", "ride_id", r.RideID, "event", event, "error", err)
	}
}

func (s *Service) forgetLater(rideID string) {
	time.AfterFunc(s.ForgetDelay, func() { s.Fanout.Forget(rideID) })
}

func acceptedPayload(r *models.Ride, reg *registry.Registry) map[string]any {
	p := map[string]any{
		"ride_id":   r.RideID,
		"driver_id": r.DriverID,
		"otp":       r.OTP,
		"pickup":    r.Pickup,
		"drop":      r.Drop,
		"fare":      r.Fare,
	}
	if sess, ok := reg.Get(r.DriverID); ok {
		p["driver_name"] = sess.Name
		p["driver_position"] = sess.Position
		p["vehicle_class"] = sess.VehicleClass
	}
	return p
}

// deriveOTP uses the last four digits of the rider's phone when they are
// numeric, otherwise a random 4-digit code. Not cryptographic; the OTP only
// confirms physical pickup.
func deriveOTP(phone string) string {
	if len(phone) >= 4 {
		tail := phone[len(phone)-4:]
		numeric := true
		for _, c := range tail {
			if c < '0' || c > '9' {
				numeric = false
				break
			}
		}
		if numeric {
			return tail
		}
	}
	n, err := rand.Int(rand.Reader, big.NewInt(9000))
	if err != nil {
		return "0000"
	}
	return fmt.Sprintf("%04d", n.Int64()+1000)
}
