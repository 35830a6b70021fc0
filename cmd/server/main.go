package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	_ "github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/fanout"
	"github.com/example/ride-dispatch/internal/fares"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/hub"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/registry"
	"github.com/example/ride-dispatch/internal/relay"
	"github.com/example/ride-dispatch/internal/ride"
	"github.com/example/ride-dispatch/internal/rideid"
	"github.com/example/ride-dispatch/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		logging.NewLogger("error").Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel)

	if cfg.PGDSN != "" && cfg.RunMigrations {
		if err := runMigrations(cfg.PGDSN); err != nil {
			logger.Error("migration failed", "error", err)
			os.Exit(1)
		}
		logger.Info("migrations applied")
	}

	// One store backs rides, samples and the ID counter. Postgres when a DSN
	// is configured, in-memory otherwise for local runs and tests.
	var rideStore storage.RideStore
	var sampleStore storage.SampleStore
	var counterStore storage.CounterStore
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			logger.Error("postgres unavailable", "error", err)
			os.Exit(1)
		}
		rideStore, sampleStore, counterStore = ps, ps, ps
		logger.Info("using postgres store")
	} else {
		ms := storage.NewMemoryStore()
		rideStore, sampleStore, counterStore = ms, ms, ms
		logger.Info("using in-memory store")
	}

	reg := registry.New(registry.Config{
		HeartbeatWindow: cfg.HeartbeatWindow,
		OfflineGrace:    cfg.OfflineGrace,
		SweepInterval:   cfg.SweepInterval,
	}, logger)

	var pusher fanout.Pusher
	if cfg.PushEndpoint != "" {
		pusher = fanout.NewFCMClient(cfg.PushEndpoint, cfg.PushKey)
		logger.Info("push delivery enabled", "endpoint", cfg.PushEndpoint)
	}
	fo := fanout.New(reg, pusher, logger, cfg.FanoutMaxAttempts)

	table := fares.NewTable()
	ids := rideid.NewGenerator(counterStore, logger)
	rides := ride.NewService(rideStore, ids, table, reg, fo, logger, cfg.RideForgetDelay)

	var producer *ingest.Producer
	var publisher relay.Publisher
	if len(cfg.KafkaBrokers) > 0 {
		producer = ingest.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		publisher = producer
		defer producer.Close()
		logger.Info("location pipeline enabled", "topic", cfg.KafkaTopic)
	}
	rl := &relay.Service{
		Rides:     rideStore,
		Samples:   sampleStore,
		Registry:  reg,
		Publisher: publisher,
		Logger:    logger,
	}

	var rgeo *geo.RedisGeo
	if cfg.RedisAddr != "" {
		rgeo = geo.NewRedisGeo(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
		defer rgeo.Close()
		logger.Info("redis geo index enabled", "addr", cfg.RedisAddr)
	}

	srv := hub.NewServer(reg, rides, rl, fo, table, rgeo, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go reg.Run(ctx)

	httpSrv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	go func() {
		logger.Info("dispatch server listening", "addr", cfg.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown incomplete", "error", err)
	}
}

func runMigrations(dsn string) error {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return err
	}
	defer db.Close()
	b, err := os.ReadFile(filepath.Join("migrations", "001_create_dispatch.sql"))
	if err != nil {
		return err
	}
	_, err = db.Exec(string(b))
	return err
}
