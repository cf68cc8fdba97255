package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port                     string
	AllowedOrigin            string
	DatabaseURL              string
	LedgerURL                string
	LedgerToken              string
	RedisAddr                string
	RedisPassword            string
	RedisDB                  int
	AuthSecret               string
	AccessTokenTTLMinutes    int
	LogLevel                 string
	LogDevelopment           bool
	ReconcileIntervalSeconds int
	TallyMaxAgeMinutes       int
	ReportTimezone           string
}

// Load reads the environment. A .env file in the working directory is
// applied first when present; variables already set win.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		Port:                     getEnv("PORT", "8080"),
		AllowedOrigin:            getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		DatabaseURL:              strings.TrimSpace(os.Getenv("DATABASE_URL")),
		LedgerURL:                strings.TrimSpace(os.Getenv("LEDGER_URL")),
		LedgerToken:              strings.TrimSpace(os.Getenv("LEDGER_TOKEN")),
		RedisAddr:                os.Getenv("REDIS_ADDR"),
		RedisPassword:            os.Getenv("REDIS_PASSWORD"),
		RedisDB:                  getInt("REDIS_DB", 0, 0),
		AuthSecret:               strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes:    getInt("ACCESS_TOKEN_TTL_MINUTES", 480, 1),
		LogLevel:                 strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogDevelopment:           getBool("LOG_DEVELOPMENT", false),
		ReconcileIntervalSeconds: getInt("RECONCILE_INTERVAL_SECONDS", 30, 1),
		TallyMaxAgeMinutes:       getInt("TALLY_MAX_AGE_MINUTES", 30, 0),
		ReportTimezone:           getEnv("REPORT_TIMEZONE", "UTC"),
	}

	return cfg
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func (c Config) AccessTokenTTL() time.Duration {
	return time.Duration(c.AccessTokenTTLMinutes) * time.Minute
}

func (c Config) ReconcileInterval() time.Duration {
	return time.Duration(c.ReconcileIntervalSeconds) * time.Second
}

// TallyMaxAge of zero disables age-based tally rebuilds.
func (c Config) TallyMaxAge() time.Duration {
	return time.Duration(c.TallyMaxAgeMinutes) * time.Minute
}

// ReportLocation resolves REPORT_TIMEZONE, falling back to UTC when the zone
// is unknown.
func (c Config) ReportLocation() (*time.Location, error) {
	loc, err := time.LoadLocation(c.ReportTimezone)
	if err != nil {
		return time.UTC, fmt.Errorf("unknown REPORT_TIMEZONE %q: %w", c.ReportTimezone, err)
	}
	return loc, nil
}

func getEnv(key string, fallback string) string {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	return val
}

func getInt(key string, fallback int, min int) int {
	val, err := strconv.Atoi(getEnv(key, strconv.Itoa(fallback)))
	if err != nil || val < min {
		return fallback
	}
	return val
}

func getBool(key string, fallback bool) bool {
	val, err := strconv.ParseBool(getEnv(key, strconv.FormatBool(fallback)))
	if err != nil {
		return fallback
	}
	return val
}
