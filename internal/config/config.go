package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/kantor-pay/kantor/internal/money"
)

const (
	defaultAppName         = "Kantor"
	defaultAppEnv          = "development"
	defaultPort            = "8080"
	defaultLogLevel        = "info"
	defaultShutdownDelay   = 10 * time.Second
	defaultIdempotencyTTL  = 24 * time.Hour
	defaultTokenTTL        = 7 * 24 * time.Hour
	defaultHomeCurrency    = "PLN"
	defaultCurrencies      = "EUR,USD,GBP,CHF"
	defaultRatesBaseURL    = "https://api.nbp.pl/api"
	defaultRatesTimeout    = 15 * time.Second
	defaultRatesFreshness  = 60 * time.Second
	defaultRatesStaleness  = 15 * time.Minute
	defaultRetryBackoff    = 250 * time.Millisecond
	defaultRatesRPS        = 10.0
	defaultDepositMax      = "100000"
	defaultLoginAttempts   = 5
	devJWTSecret           = "kantor-development-secret"
	idemTTLSecondsEnvVar   = "IDEMPOTENCY_TTL_SECONDS"
	idemTTLDurEnvVar       = "IDEMPOTENCY_TTL"
	shutdownSecondsEnvVar  = "SHUTDOWN_TIMEOUT_SECONDS"
	shutdownDurationEnvVar = "SHUTDOWN_TIMEOUT"
)

// Config captures application runtime configuration loaded from environment variables.
type Config struct {
	AppName        string
	AppEnv         string
	Port           string
	LogLevel       string
	DatabaseURL    string
	RedisURL       string
	ShutdownPeriod time.Duration
	IdempotencyTTL time.Duration

	JWTSecret string
	TokenTTL  time.Duration

	HomeCurrency        money.Currency
	SupportedCurrencies []money.Currency
	DepositMax          decimal.Decimal
	LoginAttempts       int

	RatesBaseURL      string
	RatesTimeout      time.Duration
	RatesFreshness    time.Duration
	RatesMaxStaleness time.Duration
	RatesRetryBackoff time.Duration
	RatesRPS          float64
}

// Load reads configuration values from the environment and populates a Config
// instance. A .env file in the working directory is applied first when present;
// variables already set in the environment win.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	cfg := Config{
		AppName:     getEnv("APP_NAME", defaultAppName),
		AppEnv:      strings.ToLower(getEnv("APP_ENV", defaultAppEnv)),
		Port:        getEnv("PORT", defaultPort),
		LogLevel:    strings.ToLower(getEnv("LOG_LEVEL", defaultLogLevel)),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisURL:    os.Getenv("REDIS_URL"),
		JWTSecret:   os.Getenv("JWT_SECRET"),
	}
	cfg.RatesBaseURL = strings.TrimRight(getEnv("RATES_BASE_URL", defaultRatesBaseURL), "/")

	var err error
	if cfg.ShutdownPeriod, err = secondsOrDuration(shutdownSecondsEnvVar, shutdownDurationEnvVar, defaultShutdownDelay); err != nil {
		return Config{}, err
	}
	if cfg.IdempotencyTTL, err = secondsOrDuration(idemTTLSecondsEnvVar, idemTTLDurEnvVar, defaultIdempotencyTTL); err != nil {
		return Config{}, err
	}
	if cfg.TokenTTL, err = getDuration("TOKEN_TTL", defaultTokenTTL); err != nil {
		return Config{}, err
	}
	if cfg.RatesTimeout, err = getDuration("RATES_TIMEOUT", defaultRatesTimeout); err != nil {
		return Config{}, err
	}
	if cfg.RatesFreshness, err = getDuration("RATES_FRESHNESS", defaultRatesFreshness); err != nil {
		return Config{}, err
	}
	if cfg.RatesMaxStaleness, err = getDuration("RATES_MAX_STALENESS", defaultRatesStaleness); err != nil {
		return Config{}, err
	}
	if cfg.RatesRetryBackoff, err = getDuration("RATES_RETRY_BACKOFF", defaultRetryBackoff); err != nil {
		return Config{}, err
	}

	cfg.RatesRPS = defaultRatesRPS
	if v := os.Getenv("RATES_REQUESTS_PER_SECOND"); v != "" {
		if cfg.RatesRPS, err = strconv.ParseFloat(v, 64); err != nil || cfg.RatesRPS <= 0 {
			return Config{}, fmt.Errorf("invalid RATES_REQUESTS_PER_SECOND: %q", v)
		}
	}

	cfg.LoginAttempts = defaultLoginAttempts
	if v := os.Getenv("LOGIN_ATTEMPTS_PER_MINUTE"); v != "" {
		if cfg.LoginAttempts, err = strconv.Atoi(v); err != nil || cfg.LoginAttempts <= 0 {
			return Config{}, fmt.Errorf("invalid LOGIN_ATTEMPTS_PER_MINUTE: %q", v)
		}
	}

	if cfg.DepositMax, err = decimal.NewFromString(getEnv("DEPOSIT_MAX", defaultDepositMax)); err != nil || !cfg.DepositMax.IsPositive() {
		return Config{}, fmt.Errorf("invalid DEPOSIT_MAX: must be a positive decimal")
	}

	if cfg.HomeCurrency, err = money.ParseCurrency(getEnv("HOME_CURRENCY", defaultHomeCurrency)); err != nil {
		return Config{}, fmt.Errorf("invalid HOME_CURRENCY: %w", err)
	}
	if cfg.SupportedCurrencies, err = money.ParseCurrencies(getEnv("SUPPORTED_CURRENCIES", defaultCurrencies)); err != nil {
		return Config{}, fmt.Errorf("invalid SUPPORTED_CURRENCIES: %w", err)
	}
	if len(cfg.SupportedCurrencies) == 0 {
		return Config{}, fmt.Errorf("SUPPORTED_CURRENCIES must name at least one currency")
	}
	for _, c := range cfg.SupportedCurrencies {
		if c == cfg.HomeCurrency {
			return Config{}, fmt.Errorf("SUPPORTED_CURRENCIES must not include the home currency %s", c)
		}
	}

	if !cfg.IsDev() {
		if cfg.DatabaseURL == "" {
			return Config{}, fmt.Errorf("DATABASE_URL must be set when APP_ENV=%s", cfg.AppEnv)
		}
		if cfg.RedisURL == "" {
			return Config{}, fmt.Errorf("REDIS_URL must be set when APP_ENV=%s", cfg.AppEnv)
		}
		if cfg.JWTSecret == "" {
			return Config{}, fmt.Errorf("JWT_SECRET must be set when APP_ENV=%s", cfg.AppEnv)
		}
	} else if cfg.JWTSecret == "" {
		cfg.JWTSecret = devJWTSecret
	}

	return cfg, nil
}

// Currencies returns the home currency followed by the supported foreign ones.
func (c Config) Currencies() []money.Currency {
	out := make([]money.Currency, 0, len(c.SupportedCurrencies)+1)
	out = append(out, c.HomeCurrency)
	return append(out, c.SupportedCurrencies...)
}

// IsDev reports whether in-memory backends and the development secret are allowed.
func (c Config) IsDev() bool {
	switch c.AppEnv {
	case "dev", "development", "local", "test":
		return true
	default:
		return false
	}
}

// Address returns the listen address in the format Fiber expects.
func (c Config) Address() string {
	if strings.HasPrefix(c.Port, ":") {
		return c.Port
	}
	return fmt.Sprintf(":%s", c.Port)
}

func secondsOrDuration(secondsKey, durationKey string, fallback time.Duration) (time.Duration, error) {
	if v := os.Getenv(secondsKey); v != "" {
		seconds, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("invalid %s: %w", secondsKey, err)
		}
		return time.Duration(seconds) * time.Second, nil
	}
	return getDuration(durationKey, fallback)
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s: must be positive", key)
	}
	return d, nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
