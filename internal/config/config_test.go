package config_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fantasystocks/market-engine/internal/config"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := config.Load()

	if cfg.Port != "8080" {
		t.Errorf("port = %q, want 8080", cfg.Port)
	}
	if !cfg.BasePrice.Equal(decimal.NewFromInt(10)) {
		t.Errorf("base price = %s, want 10", cfg.BasePrice)
	}
	if !cfg.ScoreWeight.Equal(decimal.NewFromInt(5)) {
		t.Errorf("score weight = %s, want 5", cfg.ScoreWeight)
	}
	if cfg.PositionCap != 20 {
		t.Errorf("position cap = %d, want 20", cfg.PositionCap)
	}
	if cfg.RefreshInterval != 5*time.Minute {
		t.Errorf("refresh interval = %s, want 5m", cfg.RefreshInterval)
	}
	if cfg.UserPageSize != 5000 {
		t.Errorf("user page size = %d, want 5000", cfg.UserPageSize)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PORT", "9999")
	t.Setenv("BASE_PRICE", "25")
	t.Setenv("REFRESH_INTERVAL", "30s")
	t.Setenv("POSITION_CAP", "5")

	cfg := config.Load()

	if cfg.Port != "9999" {
		t.Errorf("port = %q, want 9999", cfg.Port)
	}
	if !cfg.BasePrice.Equal(decimal.NewFromInt(25)) {
		t.Errorf("base price = %s, want 25", cfg.BasePrice)
	}
	if cfg.RefreshInterval != 30*time.Second {
		t.Errorf("refresh interval = %s, want 30s", cfg.RefreshInterval)
	}
	if cfg.PositionCap != 5 {
		t.Errorf("position cap = %d, want 5", cfg.PositionCap)
	}
}

func TestLoad_InvalidValuesFallBack(t *testing.T) {
	t.Setenv("POSITION_CAP", "lots")
	t.Setenv("REFRESH_INTERVAL", "whenever")
	t.Setenv("BASE_PRICE", "ten")

	cfg := config.Load()

	if cfg.PositionCap != 20 {
		t.Errorf("position cap = %d, want default 20", cfg.PositionCap)
	}
	if cfg.RefreshInterval != 5*time.Minute {
		t.Errorf("refresh interval = %s, want default 5m", cfg.RefreshInterval)
	}
	if !cfg.BasePrice.Equal(decimal.NewFromInt(10)) {
		t.Errorf("base price = %s, want default 10", cfg.BasePrice)
	}
}
