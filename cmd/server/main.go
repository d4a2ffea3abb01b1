package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/example/ems-dispatch/internal/assign"
	"github.com/example/ems-dispatch/internal/auth"
	"github.com/example/ems-dispatch/internal/config"
	"github.com/example/ems-dispatch/internal/dispatch"
	"github.com/example/ems-dispatch/internal/fleet"
	httpapi "github.com/example/ems-dispatch/internal/http"
	"github.com/example/ems-dispatch/internal/ingest"
	"github.com/example/ems-dispatch/internal/logging"
	"github.com/example/ems-dispatch/internal/realtime"
	"github.com/example/ems-dispatch/internal/ride"
	"github.com/example/ems-dispatch/internal/stats"
	"github.com/example/ems-dispatch/internal/storage"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadServerConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := logging.NewLogger(cfg.LogLevel)

	var store storage.RideStore
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			log.Fatalf("postgres: %v", err)
		}
		store = ps
	} else {
		store = storage.NewMemoryStore()
		logger.Warn("PG_DSN not set, using in-memory ride store")
	}

	var statsStore stats.Store
	if cfg.RedisAddr != "" {
		statsStore = stats.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword)
	} else {
		statsStore = stats.NewMemoryStore()
		logger.Warn("REDIS_ADDR not set, using in-memory driver stats")
	}

	var producer *ingest.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		producer = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaLocationTopic)
		defer producer.Close()
	}

	var fleetClient interface {
		ride.VehicleReleaser
		assign.VehicleSource
	}
	if cfg.FleetEndpoint != "" {
		fleetClient = fleet.NewClient(cfg.FleetEndpoint)
	} else {
		fleetClient = fleet.Noop{}
	}

	registry := realtime.NewRegistry(cfg.HeartbeatTimeout(), logger)
	router := realtime.NewRouter(registry, logger)
	machine := ride.NewMachine(store, fleetClient, logger)
	engine := &assign.Engine{
		Stats:    statsStore,
		Presence: registry,
		Machine:  machine,
		Store:    store,
		Vehicles: fleetClient,
		Cap:      cfg.SaturationCap,
		Log:      logger,
	}
	verifier := auth.NewVerifier(cfg.JWTSecret)
	orch := dispatch.New(machine, engine, router, registry, store, statsStore, verifier, producer, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go orch.Run(ctx, cfg.SweepInterval, cfg.RebalancePeriod)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      httpapi.NewServer(orch, statsStore, verifier, cfg, logger),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	go func() {
		<-ctx.Done()
		shCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shCtx)
	}()

	logger.Info("dispatch engine listening", "addr", cfg.HTTPAddr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal(err)
	}
}
