package config

import (
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Admin.Login != "admin" {
		t.Errorf("expected default admin login, got %s", cfg.Admin.Login)
	}
	if cfg.Database.MaxOpenConns <= cfg.Database.MaxIdleConns {
		t.Error("MaxOpenConns should be greater than MaxIdleConns")
	}
	if cfg.Tan.Retries <= 0 {
		t.Error("default TAN retries should be positive")
	}
	if cfg.GC.DeleteAfter <= cfg.GC.CleanAfter {
		t.Error("delete_after should exceed clean_after")
	}
	if cfg.GC.CleanAfter <= cfg.GC.AbortAfter {
		t.Error("clean_after should exceed abort_after")
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Admin.Login != DefaultConfig().Admin.Login {
		t.Error("missing config file should fall back to defaults")
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bank.yaml")

	cfg := DefaultConfig()
	cfg.Admin.Login = "root"
	cfg.Tan.Retries = 7
	cfg.Conversion.Currency = "KUDOS"
	cfg.Conversion.Rates[DirectionCashin] = ConversionRate{
		RatioVal:     1,
		FeeVal:       0,
		TinyVal:      0,
		TinyFrac:     1000000,
		MinAmountFrac: 1000000,
		RoundingMode: RoundNearest,
	}

	if err := Save(cfg, path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if loaded.Admin.Login != "root" {
		t.Errorf("expected admin login root, got %s", loaded.Admin.Login)
	}
	if loaded.Tan.Retries != 7 {
		t.Errorf("expected tan retries 7, got %d", loaded.Tan.Retries)
	}
	if loaded.Conversion.Currency != "KUDOS" {
		t.Errorf("expected currency KUDOS, got %s", loaded.Conversion.Currency)
	}

	rate, ok := loaded.Conversion.Rate(DirectionCashin)
	if !ok {
		t.Fatal("expected cashin rate to round-trip")
	}
	if rate.RoundingMode != RoundNearest {
		t.Errorf("expected rounding mode nearest, got %s", rate.RoundingMode)
	}

	// Fields the file didn't touch still carry their defaults.
	if loaded.Database.MaxOpenConns != DefaultConfig().Database.MaxOpenConns {
		t.Error("untouched field should keep its default")
	}
}

func TestConversionConfigNoConfigDirection(t *testing.T) {
	cfg := DefaultConfig()
	if _, ok := cfg.Conversion.Rate(DirectionCashout); ok {
		t.Error("fresh default config should have no cashout rate configured")
	}
}

func TestSaveRejectsUnwritableDir(t *testing.T) {
	cfg := DefaultConfig()
	err := Save(cfg, filepath.Join(t.TempDir(), "nested", "missing", "bank.yaml"))
	if err == nil {
		t.Error("expected error writing to a non-existent directory")
	}
}

func TestLoggingConfigDefaults(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Logging.Level != "info" {
		t.Errorf("expected default logging level info, got %s", cfg.Logging.Level)
	}
}

func TestDurationsSurviveRoundtrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bank.yaml")

	cfg := DefaultConfig()
	cfg.Notify.PollTimeout = 45 * time.Second

	if err := Save(cfg, path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Notify.PollTimeout != 45*time.Second {
		t.Errorf("expected poll timeout 45s, got %s", loaded.Notify.PollTimeout)
	}
}
