package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	_ "github.com/lib/pq"

	"github.com/example/ride-orchestrator/internal/arbiter"
	"github.com/example/ride-orchestrator/internal/config"
	"github.com/example/ride-orchestrator/internal/dispatch"
	"github.com/example/ride-orchestrator/internal/events"
	"github.com/example/ride-orchestrator/internal/fare"
	"github.com/example/ride-orchestrator/internal/geo"
	httpapi "github.com/example/ride-orchestrator/internal/http"
	"github.com/example/ride-orchestrator/internal/identity"
	"github.com/example/ride-orchestrator/internal/logging"
	"github.com/example/ride-orchestrator/internal/payments"
	"github.com/example/ride-orchestrator/internal/registry"
	"github.com/example/ride-orchestrator/internal/settlement"
	"github.com/example/ride-orchestrator/internal/storage"
	"github.com/example/ride-orchestrator/internal/trip"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		slog := logging.NewLogger("info")
		slog.Error("config load failed", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel)

	if cfg.PGDSN != "" && cfg.RunMigrations {
		if err := runMigrations(cfg.PGDSN); err != nil {
			logger.Error("migrations failed", "error", err)
			os.Exit(1)
		}
		logger.Info("migrations applied")
	}

	var store storage.Store
	if cfg.PGDSN != "" {
		pg, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			logger.Error("postgres open failed", "error", err)
			os.Exit(1)
		}
		defer func() { _ = pg.Close() }()
		store = pg
		logger.Info("using postgres trip store")
	} else {
		store = storage.NewMemoryStore()
		logger.Info("using in-memory trip store")
	}

	var geoIdx geo.Index
	if cfg.RedisAddr != "" {
		geoIdx = geo.NewRedisIndex(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
		logger.Info("using redis driver index", "addr", cfg.RedisAddr)
	} else {
		geoIdx = geo.NewMemoryIndex()
		logger.Info("using in-memory driver index")
	}

	var publisher events.Publisher
	if len(cfg.KafkaBrokers) > 0 {
		kp := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaEventTopic, logger)
		defer func() { _ = kp.Close() }()
		publisher = kp
		logger.Info("publishing trip events to kafka", "topic", cfg.KafkaEventTopic)
	} else {
		publisher = &events.LogPublisher{Logger: logger}
	}

	var provider payments.Provider
	switch cfg.PaymentProvider {
	case "stripe":
		provider = payments.NewStripeProvider(cfg.StripeAPIKey, cfg.StripeCurrency)
		logger.Info("settling through stripe")
	default:
		provider = payments.NewWalletClient(cfg.WalletURL)
		logger.Info("settling through wallet service", "url", cfg.WalletURL)
	}

	estimator := &fare.Estimator{
		BaseFare:        cfg.BaseFare,
		PerKmRate:       cfg.PerKmRate,
		PerMinuteRate:   cfg.PerMinuteRate,
		SurgeMultiplier: cfg.SurgeMultiplier,
		SurgeWindows: []fare.SurgeWindow{
			{StartHour: 7, EndHour: 9},
			{StartHour: 17, EndHour: 19},
		},
	}

	coordinator := settlement.New(store, provider, logger)
	coordinator.MaxAttempts = cfg.SettlementAttempts
	coordinator.BaseDelay = cfg.SettlementBaseDelay

	machine := trip.NewMachine(store, estimator, coordinator, publisher, logger)
	coordinator.OnOutcome = machine.HandleSettlementOutcome

	reg := registry.New(cfg.DefaultMaxWait, logger)
	arb := arbiter.New(reg, machine, cfg.OfferWindow, logger)

	srv := httpapi.NewServer(httpapi.Deps{
		Logger:         logger,
		Registry:       reg,
		Arbiter:        arb,
		Machine:        machine,
		Estimator:      estimator,
		Geo:            geoIdx,
		WSReg:          dispatch.NewWSRegistry(logger),
		Identity:       identity.NewClient(cfg.IdentityURL),
		Settlements:    coordinator,
		Publisher:      publisher,
		NearbyRadiusKm: cfg.NearbyRadiusKm,
		NearbyLimit:    cfg.NearbyLimit,
		BroadcastLimit: cfg.BroadcastLimit,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go reg.RunReaper(ctx, cfg.ReaperInterval)

	httpSrv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	go func() {
		logger.Info("ride orchestrator listening", "addr", cfg.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}
	// Let in-flight settlement retries run to a terminal outcome.
	coordinator.Wait()
	logger.Info("bye")
}

func runMigrations(dsn string) error {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return err
	}
	defer db.Close()
	b, err := os.ReadFile(filepath.Join("migrations", "001_create_core.sql"))
	if err != nil {
		return err
	}
	_, err = db.Exec(string(b))
	return err
}
