package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Place is a coordinate plus the human-readable address the client selected.
type Place struct {
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
	Address string  `json:"address"`
}

func (p Place) Coord() Coord { return Coord{Lat: p.Lat, Lng: p.Lng} }

type Role string

const (
	RoleDriver Role = "driver"
	RoleRider  Role = "rider"
)

type Availability string

const (
	AvailabilityOnline  Availability = "online"
	AvailabilityBusy    Availability = "busy"
	AvailabilityOffline Availability = "offline"
)

type RideStatus string

const (
	StatusRequested RideStatus = "requested"
	StatusAccepted  RideStatus = "accepted"
	StatusStarted   RideStatus = "started"
	StatusCompleted RideStatus = "completed"
	StatusCancelled RideStatus = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s RideStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// RideRequest is what a rider submits. EstimatedFare is advisory only;
// the server always recomputes the fare from its own table.
type RideRequest struct {
	RiderID       string  `json:"rider_id"`
	RiderName     string  `json:"rider_name"`
	RiderPhone    string  `json:"rider_phone"`
	Pickup        Place   `json:"pickup"`
	Drop          Place   `json:"drop"`
	VehicleClass  string  `json:"vehicle_class"`
	EstimatedFare float64 `json:"estimated_fare,omitempty"`
}

type Ride struct {
	RideID         string     `json:"ride_id"`
	RiderID        string     `json:"rider_id"`
	RiderName      string     `json:"rider_name"`
	RiderPhone     string     `json:"rider_phone"`
	Pickup         Place      `json:"pickup"`
	Drop           Place      `json:"drop"`
	VehicleClass   string     `json:"vehicle_class"`
	Fare           float64    `json:"fare"`
	DistanceKm     float64    `json:"distance_km"`
	OTP            string     `json:"otp"`
	Status         RideStatus `json:"status"`
	DriverID       string     `json:"driver_id,omitempty"`
	ActualDistance float64    `json:"actual_distance,omitempty"`
	ActualFare     float64    `json:"actual_fare,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	AcceptedAt     *time.Time `json:"accepted_at,omitempty"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// LocationSample is the append-only audit record written for every
// accepted position update from either party.
type LocationSample struct {
	PartyID    string    `json:"party_id"`
	Role       Role      `json:"role"`
	RideID     string    `json:"ride_id,omitempty"`
	Lat        float64   `json:"lat"`
	Lng        float64   `json:"lng"`
	CapturedAt time.Time `json:"captured_at"`
}

// EndpointResult is the per-recipient outcome of one push delivery.
type EndpointResult struct {
	Endpoint string `json:"endpoint"`
	OK       bool   `json:"ok"`
	Invalid  bool   `json:"invalid"` // provider says the endpoint is dead
	Err      string `json:"err,omitempty"`
}

// FanoutReport summarizes one broadcast attempt over both channels.
type FanoutReport struct {
	RideID    string           `json:"ride_id"`
	Attempt   int              `json:"attempt"`
	Delivered int              `json:"delivered"`
	Failed    int              `json:"failed"`
	Results   []EndpointResult `json:"results,omitempty"`
}
