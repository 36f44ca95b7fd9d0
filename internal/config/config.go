package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the dispatch API process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers []string
	KafkaTopic   string

	PGDSN         string
	RunMigrations bool

	OSRMEndpoint    string
	DefaultSpeedMps float64
	RouteCacheTTL   time.Duration

	// dispatch knobs
	InitialRadiusM   float64
	WidenedRadiusM   float64
	CandidateLimit   int
	OfferTTL         time.Duration
	MaxOfferAttempts int

	// fare model, in cents
	FareBaseCents   int64
	FarePerKmCents  int64
	FarePerMinCents int64
	FareCurrency    string

	StripeAPIKey string

	LogLevel string
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:        ":8080",
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 15 * time.Second,

		RedisGeoKey: "drivers:available",
		KafkaTopic:  "driver-locations",

		DefaultSpeedMps: 10,
		RouteCacheTTL:   30 * time.Second,

		InitialRadiusM:   5000,
		WidenedRadiusM:   10000,
		CandidateLimit:   10,
		OfferTTL:         15 * time.Second,
		MaxOfferAttempts: 3,

		FareBaseCents:   200,
		FarePerKmCents:  100,
		FarePerMinCents: 50,
		FareCurrency:    "usd",

		LogLevel: "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")
	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	setStringFromEnv(&cfg.OSRMEndpoint, "OSRM_BASE_URL")
	setFloatFromEnv(&cfg.DefaultSpeedMps, "DEFAULT_SPEED_MPS", &errs)
	setDurationFromEnv(&cfg.RouteCacheTTL, "ROUTE_CACHE_TTL", &errs)

	setFloatFromEnv(&cfg.InitialRadiusM, "DISPATCH_RADIUS_M", &errs)
	setFloatFromEnv(&cfg.WidenedRadiusM, "DISPATCH_WIDENED_RADIUS_M", &errs)
	setIntFromEnv(&cfg.CandidateLimit, "DISPATCH_CANDIDATE_LIMIT", &errs)
	setDurationFromEnv(&cfg.OfferTTL, "DISPATCH_OFFER_TTL", &errs)
	setIntFromEnv(&cfg.MaxOfferAttempts, "DISPATCH_MAX_OFFER_ATTEMPTS", &errs)

	setInt64FromEnv(&cfg.FareBaseCents, "FARE_BASE_CENTS", &errs)
	setInt64FromEnv(&cfg.FarePerKmCents, "FARE_PER_KM_CENTS", &errs)
	setInt64FromEnv(&cfg.FarePerMinCents, "FARE_PER_MIN_CENTS", &errs)
	setStringFromEnv(&cfg.FareCurrency, "FARE_CURRENCY")

	cfg.StripeAPIKey = os.Getenv("STRIPE_API_KEY")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if cfg.CandidateLimit <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_CANDIDATE_LIMIT must be > 0"))
	}
	if cfg.MaxOfferAttempts <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_MAX_OFFER_ATTEMPTS must be > 0"))
	}
	if cfg.WidenedRadiusM < cfg.InitialRadiusM {
		errs = append(errs, fmt.Errorf("DISPATCH_WIDENED_RADIUS_M must be >= DISPATCH_RADIUS_M"))
	}

	return cfg, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setInt64FromEnv(target *int64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
