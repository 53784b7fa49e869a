package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"

	StoreRedis  = "redis"
	StoreMemory = "memory"

	DefaultPiAPIURL = "https://api.minepi.com/v2"
)

type Config struct {
	Env      string
	Port     string
	LogLevel string
	Store    string

	RedisURL  string
	RedisPass string
	RedisDB   int

	JWTSecret   string
	AdminAPIKey string

	PiAPIURL             string
	PiAPIKey             string
	PaymentVerifyTimeout time.Duration
	PaymentPendingExpiry time.Duration

	HouseEdgeMargin decimal.Decimal
	MoneyPrecision  int32
	MinBet          decimal.Decimal
	MaxBet          decimal.Decimal
	PaytablePath    string

	SeedRotateAfterRounds int64
	SeedMaxAge            time.Duration

	LeaderboardSize            int
	LeaderboardRefreshInterval time.Duration
	RecoveryInterval           time.Duration
	PersistRetryMaxElapsed     time.Duration

	NatsURL           string
	NatsSubjectPrefix string
}

func (c *Config) IsProduction() bool {
	return c.Env == EnvProduction
}

// Load reads the process configuration from the environment.
func Load() (*Config, error) {
	var err error
	cfg := &Config{
		Env:               getEnv("ENV", EnvDevelopment),
		Port:              getEnv("PORT", "8080"),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		Store:             getEnv("STORE", StoreRedis),
		RedisURL:          getEnv("REDIS_URL", "localhost:6379"),
		RedisPass:         os.Getenv("REDIS_PASS"),
		JWTSecret:         os.Getenv("JWT_SECRET"),
		AdminAPIKey:       os.Getenv("ADMIN_API_KEY"),
		PiAPIURL:          getEnv("PI_API_URL", DefaultPiAPIURL),
		PiAPIKey:          strings.TrimSpace(os.Getenv("PI_API_KEY")),
		PaytablePath:      os.Getenv("PAYTABLE_PATH"),
		NatsURL:           os.Getenv("NATS_URL"),
		NatsSubjectPrefix: getEnv("NATS_SUBJECT_PREFIX", "plinko"),
	}

	if cfg.RedisDB, err = getInt("REDIS_DB", 0); err != nil {
		return nil, err
	}
	if cfg.PaymentVerifyTimeout, err = getDuration("PAYMENT_VERIFY_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.PaymentPendingExpiry, err = getDuration("PAYMENT_PENDING_EXPIRY", time.Hour); err != nil {
		return nil, err
	}
	if cfg.HouseEdgeMargin, err = getDecimal("HOUSE_EDGE_MARGIN", "0.01"); err != nil {
		return nil, err
	}
	precision, err := getInt("MONEY_PRECISION", 4)
	if err != nil {
		return nil, err
	}
	cfg.MoneyPrecision = int32(precision)
	if cfg.MinBet, err = getDecimal("MIN_BET", "0.1"); err != nil {
		return nil, err
	}
	if cfg.MaxBet, err = getDecimal("MAX_BET", "1000"); err != nil {
		return nil, err
	}
	rotateAfter, err := getInt("SEED_ROTATE_AFTER_ROUNDS", 0)
	if err != nil {
		return nil, err
	}
	cfg.SeedRotateAfterRounds = int64(rotateAfter)
	if cfg.SeedMaxAge, err = getDuration("SEED_MAX_AGE", 0); err != nil {
		return nil, err
	}
	if cfg.LeaderboardSize, err = getInt("LEADERBOARD_SIZE", 10); err != nil {
		return nil, err
	}
	if cfg.LeaderboardRefreshInterval, err = getDuration("LEADERBOARD_REFRESH_INTERVAL", 5*time.Second); err != nil {
		return nil, err
	}
	if cfg.RecoveryInterval, err = getDuration("RECOVERY_INTERVAL", time.Minute); err != nil {
		return nil, err
	}
	if cfg.PersistRetryMaxElapsed, err = getDuration("PERSIST_RETRY_MAX_ELAPSED", 5*time.Second); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if _, err := strconv.Atoi(c.Port); err != nil {
		return fmt.Errorf("invalid PORT value %q: must be a positive integer", c.Port)
	}
	if _, err := url.ParseRequestURI(c.PiAPIURL); err != nil {
		return fmt.Errorf("invalid PI_API_URL %q: %w", c.PiAPIURL, err)
	}
	if c.IsProduction() {
		if c.PiAPIKey == "" {
			return fmt.Errorf("PI_API_KEY is required in production")
		}
		if c.JWTSecret == "" {
			return fmt.Errorf("JWT_SECRET is required in production")
		}
		if c.AdminAPIKey == "" {
			return fmt.Errorf("ADMIN_API_KEY is required in production")
		}
	}
	if c.Store != StoreRedis && c.Store != StoreMemory {
		return fmt.Errorf("invalid STORE %q: expected %q or %q", c.Store, StoreRedis, StoreMemory)
	}
	if c.HouseEdgeMargin.IsNegative() || c.HouseEdgeMargin.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("HOUSE_EDGE_MARGIN must be in [0, 1)")
	}
	if c.MoneyPrecision < 0 || c.MoneyPrecision > 8 {
		return fmt.Errorf("MONEY_PRECISION must be between 0 and 8")
	}
	if !c.MaxBet.IsZero() && c.MaxBet.LessThan(c.MinBet) {
		return fmt.Errorf("MAX_BET must not be below MIN_BET")
	}
	if c.PaymentVerifyTimeout <= 0 {
		return fmt.Errorf("PAYMENT_VERIFY_TIMEOUT must be positive")
	}
	if c.LeaderboardSize <= 0 {
		c.LeaderboardSize = 10
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return v, nil
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return v, nil
}

func getDecimal(key, fallback string) (decimal.Decimal, error) {
	raw := getEnv(key, fallback)
	v, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return v, nil
}
