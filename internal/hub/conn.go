package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/registry"
	"github.com/example/ride-dispatch/internal/ride"
)

// Envelope is the wire frame for every websocket message in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type outbound struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// wsChannel serializes writes to one websocket connection. gorilla allows at
// most one concurrent writer, and sends arrive from fanout goroutines, the
// relay and the read loop at once.
type wsChannel struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsChannel) Send(event string, data any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteJSON(outbound{Event: event, Data: data})
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	c := &wsConn{server: s, ch: &wsChannel{conn: conn}}
	go c.readLoop(conn)
}

// wsConn is the per-connection state. partyID and role are bound by the
// first register event; every later event uses the bound identity, never an
// ID from the payload, so a client cannot act as someone else.
type wsConn struct {
	server  *Server
	ch      *wsChannel
	partyID string
	role    models.Role
}

func (c *wsConn) readLoop(conn *websocket.Conn) {
	defer func() {
		conn.Close()
		if c.partyID != "" {
			// Conditional on our channel: a re-registered session on a
			// newer connection must survive this teardown.
			c.server.Registry.Deregister(c.partyID, c.ch)
			c.server.logger.Info("session disconnected", "party_id", c.partyID)
		}
	}()
	for {
		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return
		}
		observability.WSMessages.WithLabelValues(env.Event).Inc()
		c.dispatch(env)
	}
}

func (c *wsConn) dispatch(env Envelope) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch env.Event {
	case "register":
		c.handleRegister(env.Data)
	case "heartbeat":
		if c.partyID != "" {
			c.server.Registry.Heartbeat(c.partyID)
		}
	case "locationUpdate":
		c.handleLocation(ctx, env.Data)
	case "requestRide":
		c.handleRequestRide(ctx, env.Data)
	case "acceptRide":
		c.handleAcceptRide(ctx, env.Data)
	case "startRide":
		c.handleStartRide(ctx, env.Data)
	case "completeRide":
		c.handleCompleteRide(ctx, env.Data)
	case "cancelRide":
		c.handleCancelRide(ctx, env.Data)
	case "retryFanout":
		c.handleRetryFanout(ctx, env.Data)
	case "nearbyDrivers":
		c.handleNearbyDrivers(ctx, env.Data)
	default:
		c.sendError("unknown_event", "unsupported event "+env.Event)
	}
}

type registerPayload struct {
	PartyID      string       `json:"party_id"`
	Role         models.Role  `json:"role"`
	Name         string       `json:"name"`
	Phone        string       `json:"phone"`
	VehicleClass string       `json:"vehicle_class"`
	Endpoint     string       `json:"endpoint"`
	Position     models.Coord `json:"position"`
}

func (c *wsConn) handleRegister(data json.RawMessage) {
	var p registerPayload
	if err := json.Unmarshal(data, &p); err != nil || p.PartyID == "" {
		c.sendError("validation", "register needs party_id and role")
		return
	}
	if c.partyID != "" && c.partyID != p.PartyID {
		// Rebinding the socket to a new identity releases the old one
		// instead of stranding it until the sweeper notices.
		c.server.Registry.Deregister(c.partyID, c.ch)
	}
	switch p.Role {
	case models.RoleDriver:
		c.server.Registry.RegisterDriver(p.PartyID, p.Name, p.Position, p.VehicleClass, p.Endpoint, c.ch)
	case models.RoleRider:
		c.server.Registry.RegisterRider(p.PartyID, p.Name, p.Phone, c.ch)
	default:
		c.sendError("validation", "role must be driver or rider")
		return
	}
	c.partyID = p.PartyID
	c.role = p.Role
	c.server.logger.Info("session registered", "party_id", p.PartyID, "role", p.Role)
	_ = c.ch.Send("registered", map[string]any{"party_id": p.PartyID, "role": p.Role})
	_ = c.ch.Send("fareTable", c.server.Fares.Snapshot())
}

type locationPayload struct {
	RideID     string    `json:"ride_id,omitempty"`
	Lat        float64   `json:"lat"`
	Lng        float64   `json:"lng"`
	CapturedAt time.Time `json:"captured_at"`
}

func (c *wsConn) handleLocation(ctx context.Context, data json.RawMessage) {
	if c.partyID == "" {
		c.sendError("validation", "register before sending locations")
		return
	}
	var p locationPayload
	if err := json.Unmarshal(data, &p); err != nil {
		c.sendError("validation", "malformed location update")
		return
	}
	c.server.Relay.Relay(ctx, c.partyID, p.RideID, c.role,
		models.Coord{Lat: p.Lat, Lng: p.Lng}, p.CapturedAt)
}

func (c *wsConn) handleRequestRide(ctx context.Context, data json.RawMessage) {
	if c.role != models.RoleRider {
		c.sendError("validation", "only riders request rides")
		return
	}
	var req models.RideRequest
	if err := json.Unmarshal(data, &req); err != nil {
		c.sendError("validation", "malformed ride request")
		return
	}
	req.RiderID = c.partyID
	if sess, ok := c.server.Registry.Get(c.partyID); ok {
		if req.RiderName == "" {
			req.RiderName = sess.Name
		}
		if req.RiderPhone == "" {
			req.RiderPhone = sess.Phone
		}
	}
	r, err := c.server.Rides.Create(ctx, req)
	if err != nil {
		c.sendRejection(err)
		return
	}
	_ = c.ch.Send("rideCreated", r)
}

type rideActionPayload struct {
	RideID         string  `json:"ride_id"`
	OTP            string  `json:"otp,omitempty"`
	ActualDistance float64 `json:"actual_distance,omitempty"`
	ActualFare     float64 `json:"actual_fare,omitempty"`
}

func (c *wsConn) handleAcceptRide(ctx context.Context, data json.RawMessage) {
	if c.role != models.RoleDriver {
		c.sendError("validation", "only drivers accept rides")
		return
	}
	var p rideActionPayload
	if err := json.Unmarshal(data, &p); err != nil {
		c.sendError("validation", "malformed accept")
		return
	}
	r, err := c.server.Rides.Accept(ctx, p.RideID, c.partyID)
	if err != nil {
		c.sendRejection(err)
		return
	}
	_ = c.ch.Send("acceptConfirmed", r)
}

func (c *wsConn) handleStartRide(ctx context.Context, data json.RawMessage) {
	if c.role != models.RoleDriver {
		c.sendError("validation", "only drivers start rides")
		return
	}
	var p rideActionPayload
	if err := json.Unmarshal(data, &p); err != nil {
		c.sendError("validation", "malformed start")
		return
	}
	r, err := c.server.Rides.Start(ctx, p.RideID, c.partyID, p.OTP)
	if err != nil {
		c.sendRejection(err)
		return
	}
	_ = c.ch.Send("startConfirmed", r)
}

func (c *wsConn) handleCompleteRide(ctx context.Context, data json.RawMessage) {
	if c.role != models.RoleDriver {
		c.sendError("validation", "only drivers complete rides")
		return
	}
	var p rideActionPayload
	if err := json.Unmarshal(data, &p); err != nil {
		c.sendError("validation", "malformed complete")
		return
	}
	r, err := c.server.Rides.Complete(ctx, p.RideID, c.partyID, p.ActualDistance, p.ActualFare)
	if err != nil {
		c.sendRejection(err)
		return
	}
	_ = c.ch.Send("completeConfirmed", r)
}

func (c *wsConn) handleCancelRide(ctx context.Context, data json.RawMessage) {
	if c.partyID == "" {
		c.sendError("validation", "register before cancelling")
		return
	}
	var p rideActionPayload
	if err := json.Unmarshal(data, &p); err != nil {
		c.sendError("validation", "malformed cancel")
		return
	}
	r, err := c.server.Rides.Cancel(ctx, p.RideID, c.partyID)
	if err != nil {
		c.sendRejection(err)
		return
	}
	_ = c.ch.Send("cancelConfirmed", map[string]any{"ride_id": r.RideID, "status": r.Status})
}

func (c *wsConn) handleRetryFanout(ctx context.Context, data json.RawMessage) {
	var p rideActionPayload
	if err := json.Unmarshal(data, &p); err != nil || p.RideID == "" {
		c.sendError("validation", "malformed retry")
		return
	}
	report, err := c.server.Fanout.Retry(ctx, p.RideID)
	if err != nil {
		c.sendError("retry_exhausted", err.Error())
		return
	}
	_ = c.ch.Send("fanoutReport", report)
}

type nearbyPayload struct {
	Lat          float64 `json:"lat"`
	Lng          float64 `json:"lng"`
	RadiusM      float64 `json:"radius_m"`
	VehicleClass string  `json:"vehicle_class,omitempty"`
	Limit        int     `json:"limit,omitempty"`
}

// handleNearbyDrivers answers from the in-memory registry, then falls back
// to the Redis geo index when the registry snapshot is empty (for example
// right after a restart, before drivers have re-registered).
func (c *wsConn) handleNearbyDrivers(ctx context.Context, data json.RawMessage) {
	var p nearbyPayload
	if err := json.Unmarshal(data, &p); err != nil {
		c.sendError("validation", "malformed nearby query")
		return
	}
	if p.RadiusM <= 0 {
		p.RadiusM = 3000
	}
	if p.Limit <= 0 {
		p.Limit = 10
	}
	at := models.Coord{Lat: p.Lat, Lng: p.Lng}
	sessions := c.server.Registry.ListAvailableDrivers(registry.Filter{
		VehicleClass: p.VehicleClass, Near: &at, RadiusM: p.RadiusM,
	})
	drivers := make([]map[string]any, 0, len(sessions))
	for _, sess := range sessions {
		if len(drivers) >= p.Limit {
			break
		}
		drivers = append(drivers, map[string]any{
			"driver_id":     sess.PartyID,
			"name":          sess.Name,
			"vehicle_class": sess.VehicleClass,
			"position":      sess.Position,
		})
	}
	if len(drivers) == 0 && c.server.Geo != nil {
		if near, err := c.server.Geo.Nearby(ctx, at, p.RadiusM, p.Limit); err == nil {
			for _, d := range near {
				if p.VehicleClass != "" && d.VehicleClass != p.VehicleClass {
					continue
				}
				drivers = append(drivers, map[string]any{
					"driver_id":     d.DriverID,
					"vehicle_class": d.VehicleClass,
					"position":      d.Loc,
				})
			}
		}
	}
	_ = c.ch.Send("nearbyDrivers", map[string]any{"drivers": drivers})
}

func (c *wsConn) sendRejection(err error) {
	if rej, ok := ride.AsRejection(err); ok {
		payload := map[string]any{
			"reason":  rej.Reason,
			"message": rej.Message,
		}
		if rej.AcceptedBy != "" {
			payload["accepted_by"] = rej.AcceptedBy
		}
		if rej.Current != nil {
			payload["ride"] = rej.Current
		}
		_ = c.ch.Send("error", payload)
		return
	}
	c.sendError("internal", err.Error())
}

func (c *wsConn) sendError(reason, message string) {
	_ = c.ch.Send("error", map[string]any{"reason": reason, "message": message})
}
