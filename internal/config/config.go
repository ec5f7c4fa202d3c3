package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/gocomet/ride-coordination/internal/geo"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig
	Store     StoreConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	NewRelic  NewRelicConfig
	JWT       JWTConfig
	Fare      FareConfig
	Geo       GeoConfig
	Sampler   SamplerConfig
	Routing   RoutingConfig
	Tracking  TrackingConfig
	Kafka     KafkaConfig
	RateLimit RateLimitConfig
	WebSocket WebSocketConfig
	Log       LogConfig
}

type ServerConfig struct {
	Port            string
	Env             string
	Host            string
	ShutdownTimeout time.Duration
}

// StoreConfig selects the trip store and quote store backends
type StoreConfig struct {
	Backend      string // memory | postgres
	QuoteBackend string // memory | redis
}

type DatabaseConfig struct {
	Host           string
	Port           string
	Name           string
	User           string
	Password       string
	SSLMode        string
	MaxConnections int
	MaxIdleConns   int
	MaxLifetime    time.Duration
}

type RedisConfig struct {
	Host        string
	Port        string
	Password    string
	DB          int
	MaxRetries  int
	PoolSize    int
	MinIdleConn int
	DialTimeout time.Duration
	ReadTimeout time.Duration
}

type NewRelicConfig struct {
	LicenseKey string
	AppName    string
	Enabled    bool
	LogLevel   string
}

type JWTConfig struct {
	Secret string
	Expiry time.Duration
}

// FareConfig is the server-side fare table
type FareConfig struct {
	PricePerKm    float64
	PlatformFee   float64
	MinimumFare   float64
	MaxDistanceKm float64
	QuoteTTL      time.Duration
}

// GeoConfig holds the service area and location acceptance thresholds
type GeoConfig struct {
	Bounds               geo.Bounds
	DriverAccuracyMeters float64
	RiderAccuracyMeters  float64
	MaxSampleAge         time.Duration
	MaxSpeedKmh          float64
	StationaryWarn       time.Duration
	Denylist             []geo.Point
	DenylistRadiusMeters float64
}

type SamplerConfig struct {
	Timeout      time.Duration
	MinInterval  time.Duration
	RejectStreak int
	RetryBackoff time.Duration
	MaxBackoff   time.Duration
}

type RoutingConfig struct {
	OSRMURL     string
	GeocoderURL string
	CountryCode string
	Timeout     time.Duration
	CacheTTL    time.Duration
}

type TrackingConfig struct {
	ArrivalRadiusMeters float64
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
}

type RateLimitConfig struct {
	LocationUpdatesPerSecond int
	GeneralPerMinute         int
}

type WebSocketConfig struct {
	ReadBufferSize  int
	WriteBufferSize int
}

type LogConfig struct {
	Level  string
	Format string
	Output string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error in production)
	_ = godotenv.Load()

	denylist := geo.DefaultDenylist
	if raw := getEnv("GEO_DENYLIST", ""); raw != "" {
		points, err := geo.ParsePoints(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid GEO_DENYLIST: %w", err)
		}
		denylist = points
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:            getEnv("SERVER_PORT", "8080"),
			Env:             getEnv("SERVER_ENV", "development"),
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			ShutdownTimeout: parseDuration(getEnv("SERVER_SHUTDOWN_TIMEOUT", "10s"), 10*time.Second),
		},
		Store: StoreConfig{
			Backend:      strings.ToLower(getEnv("STORE_BACKEND", "memory")),
			QuoteBackend: strings.ToLower(getEnv("FARE_QUOTE_STORE", "memory")),
		},
		Database: DatabaseConfig{
			Host:           getEnv("DB_HOST", "localhost"),
			Port:           getEnv("DB_PORT", "5432"),
			Name:           getEnv("DB_NAME", "rides"),
			User:           getEnv("DB_USER", "postgres"),
			Password:       getEnv("DB_PASSWORD", "postgres"),
			SSLMode:        getEnv("DB_SSLMODE", "disable"),
			MaxConnections: getEnvAsInt("DB_MAX_CONNECTIONS", 50),
			MaxIdleConns:   getEnvAsInt("DB_MAX_IDLE_CONNECTIONS", 10),
			MaxLifetime:    time.Duration(getEnvAsInt("DB_MAX_LIFETIME_MINUTES", 30)) * time.Minute,
		},
		Redis: RedisConfig{
			Host:        getEnv("REDIS_HOST", ""),
			Port:        getEnv("REDIS_PORT", "6379"),
			Password:    getEnv("REDIS_PASSWORD", ""),
			DB:          getEnvAsInt("REDIS_DB", 0),
			MaxRetries:  getEnvAsInt("REDIS_MAX_RETRIES", 3),
			PoolSize:    getEnvAsInt("REDIS_POOL_SIZE", 20),
			MinIdleConn: 5,
			DialTimeout: 5 * time.Second,
			ReadTimeout: 3 * time.Second,
		},
		NewRelic: NewRelicConfig{
			LicenseKey: getEnv("NEW_RELIC_LICENSE_KEY", ""),
			AppName:    getEnv("NEW_RELIC_APP_NAME", "ride-coordination"),
			Enabled:    getEnvAsBool("NEW_RELIC_ENABLED", false),
			LogLevel:   getEnv("NEW_RELIC_LOG_LEVEL", "info"),
		},
		JWT: JWTConfig{
			Secret: getEnv("JWT_SECRET", "your_jwt_secret_key_here"),
			Expiry: parseDuration(getEnv("JWT_EXPIRY", "24h"), 24*time.Hour),
		},
		Fare: FareConfig{
			PricePerKm:    getEnvAsFloat64("FARE_PRICE_PER_KM", 30),
			PlatformFee:   getEnvAsFloat64("FARE_PLATFORM_FEE", 0.05),
			MinimumFare:   getEnvAsFloat64("FARE_MINIMUM", 50),
			MaxDistanceKm: getEnvAsFloat64("FARE_MAX_DISTANCE_KM", 100),
			QuoteTTL:      parseDuration(getEnv("FARE_QUOTE_TTL", "30m"), 30*time.Minute),
		},
		Geo: GeoConfig{
			Bounds: geo.Bounds{
				MinLat: getEnvAsFloat64("GEO_BOUNDS_MIN_LAT", 17.3),
				MaxLat: getEnvAsFloat64("GEO_BOUNDS_MAX_LAT", 20.0),
				MinLng: getEnvAsFloat64("GEO_BOUNDS_MIN_LNG", -72.1),
				MaxLng: getEnvAsFloat64("GEO_BOUNDS_MAX_LNG", -68.2),
			},
			DriverAccuracyMeters: getEnvAsFloat64("GEO_DRIVER_ACCURACY_M", 100),
			RiderAccuracyMeters:  getEnvAsFloat64("GEO_RIDER_ACCURACY_M", 200),
			MaxSampleAge:         parseDuration(getEnv("GEO_MAX_SAMPLE_AGE", "30s"), 30*time.Second),
			MaxSpeedKmh:          getEnvAsFloat64("GEO_MAX_SPEED_KMH", 120),
			StationaryWarn:       parseDuration(getEnv("GEO_STATIONARY_WARN", "30s"), 30*time.Second),
			Denylist:             denylist,
			DenylistRadiusMeters: getEnvAsFloat64("GEO_DENYLIST_RADIUS_M", 10),
		},
		Sampler: SamplerConfig{
			Timeout:      parseDuration(getEnv("SAMPLER_TIMEOUT", "12s"), 12*time.Second),
			MinInterval:  parseDuration(getEnv("SAMPLER_MIN_INTERVAL", "2s"), 2*time.Second),
			RejectStreak: getEnvAsInt("SAMPLER_REJECT_STREAK", 5),
			RetryBackoff: parseDuration(getEnv("SAMPLER_RETRY_BACKOFF", "1s"), time.Second),
			MaxBackoff:   parseDuration(getEnv("SAMPLER_MAX_BACKOFF", "30s"), 30*time.Second),
		},
		Routing: RoutingConfig{
			OSRMURL:     getEnv("OSRM_URL", "https://router.project-osrm.org"),
			GeocoderURL: getEnv("GEOCODER_URL", "https://nominatim.openstreetmap.org"),
			CountryCode: getEnv("GEOCODER_COUNTRY", "do"),
			Timeout:     parseDuration(getEnv("ROUTING_TIMEOUT", "5s"), 5*time.Second),
			CacheTTL:    parseDuration(getEnv("ROUTING_CACHE_TTL", "30s"), 30*time.Second),
		},
		Tracking: TrackingConfig{
			ArrivalRadiusMeters: getEnvAsFloat64("TRACKING_ARRIVAL_RADIUS_M", 50),
		},
		Kafka: KafkaConfig{
			Brokers: splitList(getEnv("KAFKA_BROKERS", "")),
			Topic:   getEnv("KAFKA_TOPIC", "trip-events"),
		},
		RateLimit: RateLimitConfig{
			LocationUpdatesPerSecond: getEnvAsInt("RATE_LIMIT_LOCATION_UPDATES_PER_SECOND", 2),
			GeneralPerMinute:         getEnvAsInt("RATE_LIMIT_GENERAL_PER_MINUTE", 100),
		},
		WebSocket: WebSocketConfig{
			ReadBufferSize:  getEnvAsInt("WS_READ_BUFFER_SIZE", 1024),
			WriteBufferSize: getEnvAsInt("WS_WRITE_BUFFER_SIZE", 1024),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
			Output: getEnv("LOG_OUTPUT", "stdout"),
		},
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return errors.New("SERVER_PORT is required")
	}
	switch c.Store.Backend {
	case "memory":
	case "postgres":
		if c.Database.Host == "" || c.Database.Name == "" {
			return errors.New("DB_HOST and DB_NAME are required for the postgres store")
		}
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.Store.Backend)
	}
	switch c.Store.QuoteBackend {
	case "memory":
	case "redis":
		if c.Redis.Host == "" {
			return errors.New("REDIS_HOST is required for the redis quote store")
		}
	default:
		return fmt.Errorf("unknown FARE_QUOTE_STORE %q", c.Store.QuoteBackend)
	}
	if c.JWT.Secret == "your_jwt_secret_key_here" && c.Server.Env == "production" {
		return errors.New("JWT_SECRET must be set in production")
	}

	f := c.Fare
	if f.PricePerKm <= 0 || f.MinimumFare < 0 || f.MaxDistanceKm <= 0 || f.QuoteTTL <= 0 {
		return errors.New("fare table values must be positive")
	}
	if f.PlatformFee < 0 || f.PlatformFee >= 1 {
		return fmt.Errorf("FARE_PLATFORM_FEE must be in [0,1), got %v", f.PlatformFee)
	}

	g := c.Geo
	if !g.Bounds.Valid() {
		return fmt.Errorf("service area bounds are inverted or out of range: %+v", g.Bounds)
	}
	if g.DriverAccuracyMeters <= 0 || g.RiderAccuracyMeters <= 0 || g.MaxSampleAge <= 0 || g.MaxSpeedKmh <= 0 {
		return errors.New("location thresholds must be positive")
	}
	if c.Sampler.RejectStreak <= 0 {
		return errors.New("SAMPLER_REJECT_STREAK must be positive")
	}
	return nil
}

// DSN returns the lib/pq connection string
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode)
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat64(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func parseDuration(value string, defaultValue time.Duration) time.Duration {
	if duration, err := time.ParseDuration(value); err == nil {
		return duration
	}
	return defaultValue
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
