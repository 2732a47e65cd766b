// Package config loads runtime configuration from the environment,
// with an optional .env file for local development.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config holds every tunable the engine reads at boot. Missing values
// fall back to defaults; only external endpoints have no default.
type Config struct {
	Port        string
	DatabaseURL string // empty selects the in-memory store
	RedisURL    string // empty disables the price cache

	ProviderBaseURL string
	ProviderToken   string // app-level credential for trade-path lookups
	UserAgent       string

	BasePrice   decimal.Decimal
	ScoreWeight decimal.Decimal
	PositionCap int

	RefreshInterval time.Duration
	Cooldown        time.Duration
	UserPageSize    int

	LeaderboardLimit int
}

// Load reads the environment, preceded by a best-effort .env load.
func Load() *Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file, using process environment")
	}

	return &Config{
		Port:        getString("PORT", "8080"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisURL:    os.Getenv("REDIS_URL"),

		ProviderBaseURL: getString("PROVIDER_BASE_URL", "https://oauth.reddit.com"),
		ProviderToken:   os.Getenv("PROVIDER_TOKEN"),
		UserAgent:       getString("PROVIDER_USER_AGENT", "market-engine/1.0"),

		BasePrice:   getDecimal("BASE_PRICE", decimal.NewFromInt(10)),
		ScoreWeight: getDecimal("SCORE_WEIGHT", decimal.NewFromInt(5)),
		PositionCap: getInt("POSITION_CAP", 20),

		RefreshInterval: getDuration("REFRESH_INTERVAL", 5*time.Minute),
		Cooldown:        getDuration("PRICE_COOLDOWN", 5*time.Minute),
		UserPageSize:    getInt("USER_PAGE_SIZE", 5000),

		LeaderboardLimit: getInt("LEADERBOARD_LIMIT", 10),
	}
}

func getString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("invalid integer in environment, using default", "key", key, "value", v)
		return fallback
	}
	return n
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		slog.Warn("invalid duration in environment, using default", "key", key, "value", v)
		return fallback
	}
	return d
}

func getDecimal(key string, fallback decimal.Decimal) decimal.Decimal {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		slog.Warn("invalid decimal in environment, using default", "key", key, "value", v)
		return fallback
	}
	return d
}
