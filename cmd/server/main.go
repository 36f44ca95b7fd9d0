package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/fare"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/presence"
	"github.com/example/ride-dispatch/internal/trip"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadServerConfig()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel)

	// availability index: redis when configured, in-memory otherwise
	var idx presence.Index
	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		if err := rc.Ping(context.Background()).Err(); err != nil {
			logger.Error("redis unreachable", "addr", cfg.RedisAddr, "error", err)
			os.Exit(1)
		}
		idx = presence.NewRedisIndex(rc, cfg.RedisGeoKey)
		logger.Info("availability index: redis", "addr", cfg.RedisAddr, "geo_key", cfg.RedisGeoKey)
	} else {
		idx = presence.NewMemoryIndex()
		logger.Info("availability index: in-memory")
	}

	// trip store: postgres when configured, in-memory otherwise
	var trips trip.Store
	if cfg.PGDSN != "" {
		if cfg.RunMigrations {
			if err := runMigrations(cfg.PGDSN, logger); err != nil {
				logger.Error("migrations failed", "error", err)
				os.Exit(1)
			}
		}
		ps, err := trip.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			logger.Error("postgres unreachable", "error", err)
			os.Exit(1)
		}
		defer ps.Close()
		trips = ps
		logger.Info("trip store: postgres")
	} else {
		trips = trip.NewMemoryStore()
		logger.Info("trip store: in-memory")
	}

	var kafka *ingest.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		kafka = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer kafka.Close()
		logger.Info("location publishing enabled", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	}

	var proc payments.Processor
	if cfg.StripeAPIKey != "" {
		proc = payments.NewStripeClient(cfg.StripeAPIKey)
		logger.Info("payments enabled")
	}

	quoter := &fare.Service{
		Cache:           eta.NewCache(cfg.RouteCacheTTL),
		BaseCents:       cfg.FareBaseCents,
		PerKmCents:      cfg.FarePerKmCents,
		PerMinCents:     cfg.FarePerMinCents,
		DefaultSpeedMps: cfg.DefaultSpeedMps,
	}
	if cfg.OSRMEndpoint != "" {
		quoter.Routing = eta.NewOSRMClient(cfg.OSRMEndpoint)
		logger.Info("routing enabled", "endpoint", cfg.OSRMEndpoint)
	}

	hub := notify.NewHub(logger)
	coord := dispatch.NewCoordinator(idx, trips, hub, quoter, proc, logger, dispatch.Config{
		InitialRadiusM:   cfg.InitialRadiusM,
		WidenedRadiusM:   cfg.WidenedRadiusM,
		CandidateLimit:   cfg.CandidateLimit,
		OfferTTL:         cfg.OfferTTL,
		MaxOfferAttempts: cfg.MaxOfferAttempts,
		FareCurrency:     cfg.FareCurrency,
	})

	// a driver dropping their last socket goes offline rather than
	// collecting offers nobody will see; reserved or on-trip drivers keep
	// their state so the active trip can still settle
	hub.OnDriverGone(func(driverID string) {
		ctx := context.Background()
		p, ok, err := idx.Get(ctx, driverID)
		if err != nil || !ok || p.State != models.StateAvailable {
			return
		}
		if err := idx.SetOffline(ctx, driverID); err != nil {
			logger.Warn("offline on disconnect failed", "driver", driverID, "error", err)
		}
	})

	api := httpapi.NewServer(coord, idx, quoter, hub, kafka, logger)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown incomplete", "error", err)
	}
}

func runMigrations(dsn string, logger *slog.Logger) error {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return err
	}
	defer db.Close()

	files, err := filepath.Glob(filepath.Join("migrations", "*.sql"))
	if err != nil {
		return err
	}
	for _, f := range files {
		b, err := os.ReadFile(f)
		if err != nil {
			return err
		}
		if _, err := db.Exec(string(b)); err != nil {
			return err
		}
		logger.Info("migration applied", "file", filepath.Base(f))
	}
	return nil
}
