package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"risk-gated-trader/internal/domain"
	"risk-gated-trader/internal/vault"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Expected defaults to validate, got %v", err)
	}
	if cfg.Compliance.DailyLossLimitPct != 5 {
		t.Errorf("Expected daily loss limit 5, got %v", cfg.Compliance.DailyLossLimitPct)
	}
	if cfg.Compliance.MaxDrawdownPct != 10 {
		t.Errorf("Expected max drawdown 10, got %v", cfg.Compliance.MaxDrawdownPct)
	}
	if !cfg.Decision.DryRun {
		t.Error("Expected dry run by default")
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if len(cfg.Tiers) != 3 {
		t.Errorf("Expected 3 default tiers, got %d", len(cfg.Tiers))
	}
}

func TestLoadFileOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{
		"venue": {"timezone": "Europe/London"},
		"tiers": [{"name": "HIGH", "symbols": ["eurusd"], "scan_interval_secs": 15, "fast_track_confidence": 80}],
		"compliance": {"daily_loss_limit_pct": 4}
	}`
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if cfg.Location().String() != "Europe/London" {
		t.Errorf("Expected Europe/London, got %s", cfg.Location())
	}
	if cfg.Compliance.DailyLossLimitPct != 4 {
		t.Errorf("Expected overridden daily loss 4, got %v", cfg.Compliance.DailyLossLimitPct)
	}
	// untouched fields keep their defaults
	if cfg.Compliance.MaxDrawdownPct != 10 {
		t.Errorf("Expected default drawdown 10, got %v", cfg.Compliance.MaxDrawdownPct)
	}

	scanners := cfg.ScannerConfigs()
	if len(scanners) != 1 {
		t.Fatalf("Expected 1 scanner, got %d", len(scanners))
	}
	if scanners[0].Symbols[0] != "EURUSD" {
		t.Errorf("Expected upper-cased symbol, got %s", scanners[0].Symbols[0])
	}
	if scanners[0].Interval != 15*time.Second {
		t.Errorf("Expected 15s interval, got %v", scanners[0].Interval)
	}
}

func TestLoadBadJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("Expected parse error")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("TRADING_DRY_RUN", "false")
	t.Setenv("COMPLIANCE_DAILY_LOSS_PCT", "3.5")
	t.Setenv("REDIS_ADDRESS", "redis:6380")
	t.Setenv("API_ENABLED", "true")
	t.Setenv("API_JWT_SECRET", "s3cret")
	t.Setenv("API_ALLOWED_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("DECISION_MAX_TRADES_PER_DAY", "not-a-number")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if cfg.Decision.DryRun {
		t.Error("Expected dry run disabled by env")
	}
	if cfg.Compliance.DailyLossLimitPct != 3.5 {
		t.Errorf("Expected 3.5, got %v", cfg.Compliance.DailyLossLimitPct)
	}
	if cfg.Redis.Address != "redis:6380" {
		t.Errorf("Expected redis:6380, got %s", cfg.Redis.Address)
	}
	if len(cfg.API.AllowedOrigins) != 2 || cfg.API.AllowedOrigins[1] != "https://b.example" {
		t.Errorf("Expected two trimmed origins, got %v", cfg.API.AllowedOrigins)
	}
	if cfg.Decision.MaxTradesPerDay != Default().Decision.MaxTradesPerDay {
		t.Errorf("Expected unparsable env to keep default, got %d", cfg.Decision.MaxTradesPerDay)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad timezone", func(c *Config) { c.Venue.Timezone = "Mars/Olympus" }, "venue.timezone"},
		{"no tiers", func(c *Config) { c.Tiers = nil }, "at least one tier"},
		{"bad tier name", func(c *Config) { c.Tiers[0].Name = "URGENT" }, "name must be"},
		{"zero interval", func(c *Config) { c.Tiers[1].ScanIntervalSecs = 0 }, "scan_interval_secs"},
		{"duplicate symbol", func(c *Config) { c.Tiers[2].Symbols = append(c.Tiers[2].Symbols, "eurusd") }, "EURUSD appears"},
		{"bad timeframe", func(c *Config) { c.Scanner.Timeframes = []string{"7m"} }, "scanner.timeframes"},
		{"zero daily loss", func(c *Config) { c.Compliance.DailyLossLimitPct = 0 }, "daily_loss_limit_pct"},
		{"bad consistency", func(c *Config) {
			c.Compliance.ConsistencyEnabled = true
			c.Compliance.ConsistencyFraction = 1.5
		}, "consistency_fraction"},
		{"zero loss streak", func(c *Config) { c.CircuitBreaker.MaxConsecutiveLosses = 0 }, "max_consecutive_losses"},
		{"negative connect grace", func(c *Config) { c.CircuitBreaker.ConnectGraceSecs = -1 }, "connect_grace_secs"},
		{"headroom above one", func(c *Config) { c.Decision.HeadroomFraction = 2 }, "headroom_fraction"},
		{"api without secret", func(c *Config) { c.API.Enabled = true }, "jwt_secret"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestApplySecrets(t *testing.T) {
	cfg := Default()
	cfg.Redis.Password = "from-file"
	cfg.ApplySecrets(vault.Secrets{
		JWTSecret:        "vault-jwt",
		DatabasePassword: "vault-db",
	})
	if cfg.API.JWTSecret != "vault-jwt" {
		t.Errorf("Expected vault jwt secret, got %q", cfg.API.JWTSecret)
	}
	if cfg.Database.Password != "vault-db" {
		t.Errorf("Expected vault db password, got %q", cfg.Database.Password)
	}
	if cfg.Redis.Password != "from-file" {
		t.Errorf("Expected empty secret to keep existing value, got %q", cfg.Redis.Password)
	}
}

func TestMonitorConfigNeverFasterThanTick(t *testing.T) {
	cfg := Default()
	cfg.Monitor.TickIntervalMillis = 45000
	mc := cfg.MonitorConfig()

	if mc.TierIntervals[domain.TierHigh] != 45*time.Second {
		t.Errorf("Expected HIGH clamped to tick 45s, got %v", mc.TierIntervals[domain.TierHigh])
	}
	if mc.TierIntervals[domain.TierLow] != 120*time.Second {
		t.Errorf("Expected LOW 120s, got %v", mc.TierIntervals[domain.TierLow])
	}
}

func TestDecisionConfigFastTrack(t *testing.T) {
	dc := Default().DecisionConfig()
	if dc.FastTrack[domain.TierHigh] != 85 {
		t.Errorf("Expected HIGH fast track 85, got %v", dc.FastTrack[domain.TierHigh])
	}
	if dc.PollInterval <= 0 {
		t.Errorf("Expected positive poll interval, got %v", dc.PollInterval)
	}
}

func TestWriteSample(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sample.json")
	if err := WriteSample(path); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Expected sample to load, got %v", err)
	}
	if len(cfg.Symbols()) != 7 {
		t.Errorf("Expected 7 symbols, got %d", len(cfg.Symbols()))
	}
}
