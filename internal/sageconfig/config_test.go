package sageconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/avast/sage/internal/decision"
)

func TestDefaultsMatchSchema(t *testing.T) {
	cfg := Defaults("/home/u")
	if !cfg.URLCheck.Enabled || cfg.URLCheck.TimeoutSeconds != 5.0 {
		t.Errorf("url_check defaults: %+v", cfg.URLCheck)
	}
	if cfg.Cache.TTLMaliciousSeconds != 3600 || cfg.Cache.TTLCleanSeconds != 86400 {
		t.Errorf("cache TTL defaults: %+v", cfg.Cache)
	}
	if cfg.Logging.MaxBytes != 5_242_880 || cfg.Logging.MaxFiles != 3 {
		t.Errorf("logging defaults: %+v", cfg.Logging)
	}
	if cfg.Sensitivity != "balanced" {
		t.Errorf("got sensitivity %q, want balanced", cfg.Sensitivity)
	}
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg := Load(filepath.Join(dir, "config.json"), "/home/u")
	want := Defaults("/home/u")
	if cfg.Sensitivity != want.Sensitivity || cfg.Cache != want.Cache {
		t.Errorf("got %+v, want defaults %+v", cfg, want)
	}
}

func TestLoadMalformedYieldsFullDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte("not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg := Load(path, "/home/u")
	want := Defaults("/home/u")
	if cfg.Sensitivity != want.Sensitivity || cfg.URLCheck != want.URLCheck {
		t.Errorf("got %+v, want defaults %+v", cfg, want)
	}
}

func TestLoadPartialOverridesOnlyGivenFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(`{"sensitivity":"paranoid","url_check":{"enabled":false}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg := Load(path, "/home/u")
	if cfg.Sensitivity != "paranoid" {
		t.Errorf("got sensitivity %q, want paranoid", cfg.Sensitivity)
	}
	if cfg.URLCheck.Enabled {
		t.Errorf("url_check.enabled not overridden")
	}
	if cfg.URLCheck.TimeoutSeconds != 5.0 {
		t.Errorf("url_check.timeout_seconds should keep default, got %v", cfg.URLCheck.TimeoutSeconds)
	}
	if cfg.Cache.TTLCleanSeconds != 86400 {
		t.Errorf("unrelated sections should keep defaults, got %+v", cfg.Cache)
	}
}

func TestSensitivityPresetFallback(t *testing.T) {
	cfg := Config{Sensitivity: "not-a-real-preset"}
	if got := cfg.SensitivityPreset(); got != decision.SensitivityBalanced {
		t.Errorf("got %v, want balanced fallback", got)
	}
	cfg.Sensitivity = "paranoid"
	if got := cfg.SensitivityPreset(); got != decision.SensitivityParanoid {
		t.Errorf("got %v, want paranoid", got)
	}
}
