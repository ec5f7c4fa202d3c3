package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/gocomet/ride-coordination/internal/api/handlers"
	"github.com/gocomet/ride-coordination/internal/api/routes"
	"github.com/gocomet/ride-coordination/internal/config"
	"github.com/gocomet/ride-coordination/internal/domain/trip"
	"github.com/gocomet/ride-coordination/internal/domain/user"
	"github.com/gocomet/ride-coordination/internal/events"
	"github.com/gocomet/ride-coordination/internal/geo"
	"github.com/gocomet/ride-coordination/internal/identity"
	"github.com/gocomet/ride-coordination/internal/routing"
	"github.com/gocomet/ride-coordination/internal/service/lifecycle"
	"github.com/gocomet/ride-coordination/internal/service/pool"
	"github.com/gocomet/ride-coordination/internal/service/pricing"
	"github.com/gocomet/ride-coordination/internal/service/sampler"
	"github.com/gocomet/ride-coordination/internal/service/tracking"
	"github.com/gocomet/ride-coordination/internal/store"
	"github.com/gocomet/ride-coordination/pkg/cache"
	"github.com/gocomet/ride-coordination/pkg/cleanup"
	"github.com/gocomet/ride-coordination/pkg/database"
	"github.com/gocomet/ride-coordination/pkg/logger"
	"github.com/gocomet/ride-coordination/pkg/monitoring"
	"github.com/gocomet/ride-coordination/pkg/websocket"
)

const redisStatsInterval = time.Minute

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize logger
	appLogger, err := logger.New(logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer appLogger.Sync()

	appLogger.Info("Starting ride coordination service",
		logger.String("env", cfg.Server.Env),
		logger.String("port", cfg.Server.Port),
		logger.String("store", cfg.Store.Backend),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize New Relic
	nrApp, err := monitoring.New(monitoring.Config{
		LicenseKey: cfg.NewRelic.LicenseKey,
		AppName:    cfg.NewRelic.AppName,
		Enabled:    cfg.NewRelic.Enabled,
		LogLevel:   cfg.NewRelic.LogLevel,
	})
	if err != nil {
		appLogger.Warn("Failed to initialize New Relic", logger.Err(err))
		nrApp, _ = monitoring.New(monitoring.Config{})
	} else if nrApp.IsEnabled() {
		appLogger.Info("New Relic APM initialized", logger.String("app_name", cfg.NewRelic.AppName))
	} else {
		appLogger.Info("New Relic APM disabled")
	}
	defer nrApp.Shutdown(10 * time.Second)

	// Initialize PostgreSQL when a durable backend is configured
	var db *sql.DB
	if cfg.Store.Backend == "postgres" {
		db, err = database.NewPostgresDB(ctx, database.Config{
			DSN:         cfg.Database.DSN(),
			MaxConns:    cfg.Database.MaxConnections,
			MaxIdle:     cfg.Database.MaxIdleConns,
			MaxLifetime: cfg.Database.MaxLifetime,
		})
		if err != nil {
			appLogger.Fatal("Failed to connect to PostgreSQL", logger.Err(err))
		}
		defer db.Close()
		appLogger.Info("Connected to PostgreSQL")
	}

	// Initialize Redis when configured
	var redisClient *redis.Client
	if cfg.Redis.Host != "" {
		redisClient, err = cache.NewRedisClient(ctx, cache.Config{
			Host:        cfg.Redis.Host,
			Port:        cfg.Redis.Port,
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			MaxRetries:  cfg.Redis.MaxRetries,
			PoolSize:    cfg.Redis.PoolSize,
			MinIdleConn: cfg.Redis.MinIdleConn,
			DialTimeout: cfg.Redis.DialTimeout,
			ReadTimeout: cfg.Redis.ReadTimeout,
		})
		if err != nil {
			appLogger.Fatal("Failed to connect to Redis", logger.Err(err))
		}
		defer cache.Close(redisClient)
		appLogger.Info("Connected to Redis")
		go reportRedisStats(ctx, redisClient, nrApp)
	}

	// Trip store and user repository
	trips, users, closeStore := openStores(ctx, cfg, db, appLogger)
	defer closeStore()

	// Routing: OSRM + Nominatim behind a short-TTL cache
	router := routing.NewCachedService(
		routing.NewNominatimClient(cfg.Routing.GeocoderURL, cfg.Routing.CountryCode, cfg.Routing.Timeout),
		routing.NewOSRMClient(cfg.Routing.OSRMURL, cfg.Routing.Timeout),
		routing.NewCache(cfg.Routing.CacheTTL),
		cfg.Routing.Timeout,
	)

	// Fare quotes
	var quotes pricing.QuoteStore = pricing.NewMemoryQuoteStore()
	if cfg.Store.QuoteBackend == "redis" {
		quotes = pricing.NewRedisQuoteStore(redisClient)
	}
	fares := pricing.NewService(pricing.Config{
		PricePerKm:    cfg.Fare.PricePerKm,
		PlatformFee:   cfg.Fare.PlatformFee,
		MinimumFare:   cfg.Fare.MinimumFare,
		MaxDistanceKm: cfg.Fare.MaxDistanceKm,
		QuoteTTL:      cfg.Fare.QuoteTTL,
	}, quotes, router, appLogger)

	// Lifecycle events
	publishers := events.Multi{}
	if nrApp.IsEnabled() {
		publishers = append(publishers, events.NewRecorderPublisher(nrApp))
	}
	if len(cfg.Kafka.Brokers) > 0 {
		publishers = append(publishers, events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic))
		appLogger.Info("Publishing trip events to Kafka",
			logger.Strings("brokers", cfg.Kafka.Brokers),
			logger.String("topic", cfg.Kafka.Topic),
		)
	}
	defer publishers.Close()

	validator := geo.NewValidator(geo.ValidatorConfig{
		Bounds:                 cfg.Geo.Bounds,
		DriverAccuracyMeters:   cfg.Geo.DriverAccuracyMeters,
		RiderAccuracyMeters:    cfg.Geo.RiderAccuracyMeters,
		MaxSampleAge:           cfg.Geo.MaxSampleAge,
		Denylist:               cfg.Geo.Denylist,
		DenylistRadiusMeters:   cfg.Geo.DenylistRadiusMeters,
		MaxSpeedKmh:            cfg.Geo.MaxSpeedKmh,
		StationaryWarnDuration: cfg.Geo.StationaryWarn,
	}, nil)

	lifecycleSvc := lifecycle.NewService(trips, fares, validator, publishers, appLogger,
		lifecycle.WithObserver(nrApp))

	// Session managers share one cleanup registry, flushed on shutdown
	registry := cleanup.New()
	defer registry.Flush()

	tracker := tracking.NewManager(trips, lifecycleSvc, router, validator,
		sampler.Config{
			Timeout:      cfg.Sampler.Timeout,
			MinInterval:  cfg.Sampler.MinInterval,
			RejectStreak: cfg.Sampler.RejectStreak,
			RetryBackoff: cfg.Sampler.RetryBackoff,
			MaxBackoff:   cfg.Sampler.MaxBackoff,
		},
		tracking.Config{
			ArrivalRadiusMeters: cfg.Tracking.ArrivalRadiusMeters,
			RouteTimeout:        cfg.Routing.Timeout,
		},
		registry, appLogger)
	tracker.SetObserver(nrApp)

	drivers := pool.NewManager(trips, lifecycleSvc, cfg.Fare.PlatformFee, registry, appLogger)
	drivers.OnAccepted(func(ctx context.Context, driver *user.User, t *trip.Trip) {
		if _, err := tracker.Start(ctx, driver, t.ID); err != nil {
			appLogger.Warn("Failed to start driver tracking", logger.TripID(t.ID), logger.Err(err))
		}
	})

	// Identity
	ident := identity.NewService(users, identity.NewTokenManager(cfg.JWT.Secret, cfg.JWT.Expiry), appLogger)
	ident.OnSignOut(func(userID string) {
		drivers.GoOffline(userID)
		tracker.StopUser(userID)
	})

	// Initialize WebSocket hub
	wsHub := websocket.NewHub(appLogger)

	// Initialize handlers with dependencies
	h := handlers.NewHandlers(ident, fares, lifecycleSvc, drivers, tracker, wsHub, appLogger)
	h.SetBufferSizes(cfg.WebSocket.ReadBufferSize, cfg.WebSocket.WriteBufferSize)
	go wsHub.Run(ctx)

	// Initialize Gin router
	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery(), handlers.RequestLogger(appLogger.Named("http")))

	limits := routes.Limits{
		General:  handlers.NewMemoryLimiter(rate.Limit(float64(cfg.RateLimit.GeneralPerMinute)/60), cfg.RateLimit.GeneralPerMinute),
		Location: handlers.NewMemoryLimiter(rate.Limit(cfg.RateLimit.LocationUpdatesPerSecond), cfg.RateLimit.LocationUpdatesPerSecond*2),
	}
	if redisClient != nil {
		limits.General = cache.NewWindowLimiter(redisClient, "ratelimit:general", cfg.RateLimit.GeneralPerMinute, time.Minute)
	}
	routes.SetupRoutes(engine, h, nrApp.Application, limits)
	appLogger.Info("Routes configured")

	// Create HTTP server
	srv := &http.Server{
		Addr:           fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:        engine,
		ReadTimeout:    15 * time.Second,
		WriteTimeout:   15 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	// Start server in a goroutine
	go func() {
		appLogger.Info("Server starting", logger.String("address", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Fatal("Failed to start server", logger.Err(err))
		}
	}()

	// Wait for interrupt signal
	<-ctx.Done()
	appLogger.Info("Shutting down server...")

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("Server forced to shutdown", logger.Err(err))
	}
	drivers.Close()
	tracker.Close()

	appLogger.Info("Server stopped gracefully")
}

// openStores returns the trip store and user repository for the configured
// backend, plus a close function.
func openStores(ctx context.Context, cfg *config.Config, db *sql.DB, log *logger.Logger) (trip.Store, user.Repository, func()) {
	if cfg.Store.Backend != "postgres" {
		mem := store.NewMemory()
		return mem, identity.NewMemoryRepository(), func() { mem.Close() }
	}

	if err := store.EnsureSchema(ctx, db); err != nil {
		log.Fatal("Failed to apply trip schema", logger.Err(err))
	}
	pg, err := store.NewPostgres(db, cfg.Database.DSN(), log)
	if err != nil {
		log.Fatal("Failed to start trip store", logger.Err(err))
	}
	users, err := identity.NewPostgresRepository(ctx, db)
	if err != nil {
		log.Fatal("Failed to prepare user repository", logger.Err(err))
	}
	return pg, users, func() { pg.Close() }
}

// reportRedisStats forwards connection pool stats to APM until ctx ends
func reportRedisStats(ctx context.Context, client *redis.Client, nrApp *monitoring.NewRelicApp) {
	ticker := time.NewTicker(redisStatsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			nrApp.RecordRedisPoolStats(cache.GetClientStats(client))
		}
	}
}
