// Package sageconfig loads and defaults the config.json schema (spec §6).
// A malformed or missing file yields full defaults rather than an error —
// Sage runs as a stdin-to-stdout hook, so a broken config must never stop
// a tool call from being evaluated (fail-open, spec §7 kind 2).
package sageconfig

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/avast/sage/internal/decision"
	"github.com/avast/sage/internal/statedir"
)

// CheckConfig is the shared shape of url_check/file_check.
type CheckConfig struct {
	Enabled        bool    `json:"enabled"`
	TimeoutSeconds float64 `json:"timeout_seconds"`
	Endpoint       string  `json:"endpoint,omitempty"`
}

// PackageCheckConfig is package_check: no endpoint, the registry base URLs
// are fixed (npm/pypi), only enablement and timeout are configurable.
type PackageCheckConfig struct {
	Enabled        bool    `json:"enabled"`
	TimeoutSeconds float64 `json:"timeout_seconds"`
}

// CacheConfig is the verdict cache section.
type CacheConfig struct {
	Enabled             bool   `json:"enabled"`
	TTLMaliciousSeconds int    `json:"ttl_malicious_seconds"`
	TTLCleanSeconds     int    `json:"ttl_clean_seconds"`
	Path                string `json:"path"`
}

// AllowlistConfig is the allowlist section.
type AllowlistConfig struct {
	Path string `json:"path"`
}

// LoggingConfig is the audit log section. "Logging" here names the spec's
// JSON key; this governs the audit JSONL (C14), not ambient diagnostics.
type LoggingConfig struct {
	Enabled  bool   `json:"enabled"`
	LogClean bool   `json:"log_clean"`
	Path     string `json:"path"`
	MaxBytes int64  `json:"max_bytes"`
	MaxFiles int    `json:"max_files"`
}

// Config is the config.json schema, spec §6. Every field is optional on
// disk; absent fields keep whatever Defaults() populated them with,
// since Load unmarshals onto an already-defaulted struct rather than a
// zero value one.
type Config struct {
	URLCheck          CheckConfig        `json:"url_check"`
	FileCheck         CheckConfig        `json:"file_check"`
	PackageCheck      PackageCheckConfig `json:"package_check"`
	HeuristicsEnabled bool               `json:"heuristics_enabled"`
	Cache             CacheConfig        `json:"cache"`
	Allowlist         AllowlistConfig    `json:"allowlist"`
	Logging           LoggingConfig      `json:"logging"`
	Sensitivity       string             `json:"sensitivity"`
	DisabledThreats   []string           `json:"disabled_threats"`
}

// Defaults returns the fully-populated default Config, with state-file
// paths rooted under homeDir's state directory (see internal/statedir).
func Defaults(homeDir string) Config {
	dir := statedir.Default()
	if homeDir != "" {
		dir = filepath.Join(homeDir, ".sage")
	}
	return Config{
		URLCheck:          CheckConfig{Enabled: true, TimeoutSeconds: 5.0},
		FileCheck:         CheckConfig{Enabled: true, TimeoutSeconds: 5.0},
		PackageCheck:      PackageCheckConfig{Enabled: true, TimeoutSeconds: 5.0},
		HeuristicsEnabled: true,
		Cache: CacheConfig{
			Enabled:             true,
			TTLMaliciousSeconds: 3600,
			TTLCleanSeconds:     86400,
			Path:                filepath.Join(dir, "cache.json"),
		},
		Allowlist: AllowlistConfig{Path: filepath.Join(dir, "allowlist.json")},
		Logging: LoggingConfig{
			Enabled:  true,
			LogClean: false,
			Path:     filepath.Join(dir, "audit.jsonl"),
			MaxBytes: 5_242_880,
			MaxFiles: 3,
		},
		Sensitivity:     "balanced",
		DisabledThreats: nil,
	}
}

// Load reads path (typically "~/.sage/config.json") and returns a Config
// with every unset field defaulted. A missing, unreadable, or malformed
// (not a JSON object matching this shape) file yields full defaults.
func Load(path, homeDir string) *Config {
	cfg := Defaults(homeDir)
	data, err := os.ReadFile(path)
	if err != nil {
		return &cfg
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		fresh := Defaults(homeDir)
		return &fresh
	}
	return &cfg
}

// SensitivityPreset parses Sensitivity, falling back to balanced for an
// unrecognized or empty value rather than rejecting the whole config.
func (c *Config) SensitivityPreset() decision.Sensitivity {
	var s decision.Sensitivity
	if err := s.UnmarshalText([]byte(c.Sensitivity)); err != nil {
		return decision.SensitivityBalanced
	}
	return s
}
