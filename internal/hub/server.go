// Package hub is the transport edge: the websocket endpoint the mobile
// clients speak, plus the internal HTTP surfaces (health, metrics, fare
// admin, location ingest). It translates between wire envelopes and the
// core services and holds no dispatch logic of its own.
package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/fanout"
	"github.com/example/ride-dispatch/internal/fares"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/registry"
	"github.com/example/ride-dispatch/internal/relay"
	"github.com/example/ride-dispatch/internal/ride"
)

type Server struct {
	Registry *registry.Registry
	Rides    *ride.Service
	Relay    *relay.Service
	Fanout   *fanout.Service
	Fares    *fares.Table
	Geo      *geo.RedisGeo // nil when Redis is not configured

	logger *slog.Logger
	mux    *mux.Router
}

func NewServer(reg *registry.Registry, rides *ride.Service, rl *relay.Service, fo *fanout.Service, table *fares.Table, rgeo *geo.RedisGeo, logger *slog.Logger) *Server {
	s := &Server{
		Registry: reg,
		Rides:    rides,
		Relay:    rl,
		Fanout:   fo,
		Fares:    table,
		Geo:      rgeo,
		logger:   logger,
		mux:      mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/ws", s.handleWS).Methods(http.MethodGet)
	s.mux.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/internal/driver/locations", s.handleDriverLocation).Methods(http.MethodPost)
	s.mux.HandleFunc("/admin/fares", s.handleGetFares).Methods(http.MethodGet)
	s.mux.HandleFunc("/admin/fares", s.handlePutFares).Methods(http.MethodPut)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// handleDriverLocation is the HTTP ingest path used by drivers whose socket
// is down but whose app can still POST. It feeds the same relay pipeline.
func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var sample models.LocationSample
	if err := json.NewDecoder(r.Body).Decode(&sample); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if sample.PartyID == "" {
		http.Error(w, "party_id is required", http.StatusBadRequest)
		return
	}
	if sample.Role == "" {
		sample.Role = models.RoleDriver
	}
	current := s.Relay.Relay(r.Context(), sample.PartyID, sample.RideID, sample.Role,
		models.Coord{Lat: sample.Lat, Lng: sample.Lng}, sample.CapturedAt)

	// A stale sample must not regress the discovery index either.
	if current && s.Geo != nil && sample.Role == models.RoleDriver {
		class := ""
		if sess, ok := s.Registry.Get(sample.PartyID); ok {
			class = sess.VehicleClass
		}
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.Geo.Upsert(ctx, sample.PartyID, models.Coord{Lat: sample.Lat, Lng: sample.Lng}, class); err != nil {
			s.logger.Debug("geo upsert failed", "driver_id", sample.PartyID, "error", err)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetFares(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.Fares.Snapshot())
}

func (s *Server) handlePutFares(w http.ResponseWriter, r *http.Request) {
	var rates map[string]fares.Rate
	if err := json.NewDecoder(r.Body).Decode(&rates); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.Fares.Reload(rates); err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	s.logger.Info("fare table reloaded", "classes", len(rates))
	w.WriteHeader(http.StatusNoContent)
}
