// Command sage-plugin-scan runs C13: the session-start scan of installed
// host plugins against the same threat corpus and reputation checks the
// hook pipeline applies to live tool calls. A host adapter enumerates its
// own installed plugins (out of scope here) and feeds them in as a JSON
// array on stdin; findings are written as a JSON object on stdout and
// appended to the audit log.
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/crgimenes/goconfig"
	"github.com/quay/zlog"
	"github.com/rs/zerolog"

	"github.com/avast/sage"
	"github.com/avast/sage/internal/audit"
	"github.com/avast/sage/internal/pluginscan"
	"github.com/avast/sage/internal/reputation"
	"github.com/avast/sage/internal/sageconfig"
	"github.com/avast/sage/internal/statedir"
	"github.com/avast/sage/internal/threat"
)

var sageVersion = "dev"

// selfKeyPrefix excludes Sage's own plugin/extension install from the
// scan, spec §4.12 step 1.
const selfKeyPrefix = "sage"

type Config struct {
	StateDir          string `cfgDefault:"" cfg:"SAGE_STATE_DIR"`
	ThreatDir         string `cfgDefault:"" cfg:"SAGE_THREAT_DIR"`
	TrustedDomainDir  string `cfgDefault:"" cfg:"SAGE_TRUSTED_DOMAIN_DIR"`
	URLCheckEndpoint  string `cfgDefault:"" cfg:"SAGE_URL_CHECK_ENDPOINT"`
	FileCheckEndpoint string `cfgDefault:"" cfg:"SAGE_FILE_CHECK_ENDPOINT"`
	TimeoutSeconds    int    `cfgDefault:"5" cfg:"SAGE_CHECK_TIMEOUT_SECONDS"`
	LogLevel          string `cfgDefault:"warn" cfg:"SAGE_LOG_LEVEL"`
}

func main() {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, NoColor: true}).With().Timestamp().Logger()

	var conf Config
	if err := goconfig.Parse(&conf); err != nil {
		log.Warn().Err(err).Msg("failed to parse config, using defaults")
	}
	log = log.Level(logLevel(conf.LogLevel))
	zlog.Set(&log)

	if conf.StateDir == "" {
		conf.StateDir = statedir.Default()
	}
	if conf.ThreatDir == "" {
		conf.ThreatDir = filepath.Join(conf.StateDir, "threats")
	}
	if conf.TrustedDomainDir == "" {
		conf.TrustedDomainDir = filepath.Join(conf.StateDir, "trusted-domains")
	}

	var plugins []pluginscan.Plugin
	if err := json.NewDecoder(os.Stdin).Decode(&plugins); err != nil {
		log.Error().Err(err).Msg("failed to decode plugin list, nothing to scan")
		json.NewEncoder(os.Stdout).Encode(map[string][]pluginscan.Finding{})
		os.Exit(0)
	}
	plugins = pluginscan.ExcludeSelf(plugins, selfKeyPrefix)

	allRules := threat.LoadRules(log, conf.ThreatDir, time.Now(), nil)
	var commandRules []*sage.ThreatRule
	for _, r := range allRules {
		if r.AppliesTo(sage.ArtifactCommand) {
			commandRules = append(commandRules, r)
		}
	}
	domains := threat.LoadTrustedDomains(log, conf.TrustedDomainDir)

	cachePath := filepath.Join(conf.StateDir, "plugin-scan-cache.json")
	cache := pluginscan.LoadCache(cachePath)
	cache.Reconcile(pluginscan.ConfigHash(sageVersion, conf.ThreatDir, conf.TrustedDomainDir))

	scanner := &pluginscan.Scanner{
		Rules:             commandRules,
		Domains:           domains,
		ReputationClient:  reputation.NewClient(&http.Client{Timeout: 10 * time.Second}),
		ReputationTimeout: time.Duration(conf.TimeoutSeconds) * time.Second,
		URLCheckEndpoint:  conf.URLCheckEndpoint,
		FileCheckEndpoint: conf.FileCheckEndpoint,
	}

	now := time.Now()
	results := scanner.ScanAll(context.Background(), plugins, cache, now)

	if err := cache.Save(cachePath); err != nil {
		log.Warn().Err(err).Msg("failed to persist plugin scan cache")
	}

	homeDir, _ := os.UserHomeDir()
	cfg := sageconfig.Load(filepath.Join(conf.StateDir, "config.json"), homeDir)
	auditFindings(cfg, plugins, results, now, log)

	if err := json.NewEncoder(os.Stdout).Encode(results); err != nil {
		log.Error().Err(err).Msg("failed to encode plugin scan results")
	}
	os.Exit(0)
}

func auditFindings(cfg *sageconfig.Config, plugins []pluginscan.Plugin, results map[string][]pluginscan.Finding, now time.Time, log zerolog.Logger) {
	if !cfg.Logging.Enabled {
		return
	}
	logger := &audit.Logger{
		Path:     cfg.Logging.Path,
		MaxBytes: cfg.Logging.MaxBytes,
		MaxFiles: cfg.Logging.MaxFiles,
		LogClean: cfg.Logging.LogClean,
	}
	for _, p := range plugins {
		findings := results[p.Key]
		if len(findings) == 0 {
			continue
		}
		reasons := make([]string, 0, len(findings))
		severity := sage.SeverityInfo
		for _, f := range findings {
			reasons = append(reasons, f.Title)
			if sev := findingSeverity(f.Severity); sev > severity {
				severity = sev
			}
		}
		entry := audit.Entry{
			Type:             audit.TypePluginScan,
			Timestamp:        now,
			ToolInputSummary: p.Key,
			Verdict:          sage.DecisionAsk,
			Severity:         severity,
			Reasons:          reasons,
			Source:           "plugin_scan",
		}
		if err := logger.Append(entry); err != nil {
			log.Warn().Err(err).Str("plugin", p.Key).Msg("failed to append plugin scan audit entry")
		}
	}
}

func findingSeverity(s sage.RuleSeverity) sage.Severity {
	switch s {
	case sage.RuleSeverityCritical:
		return sage.SeverityCritical
	case sage.RuleSeverityHigh, sage.RuleSeverityMedium:
		return sage.SeverityWarning
	default:
		return sage.SeverityInfo
	}
}

func logLevel(s string) zerolog.Level {
	if l, err := zerolog.ParseLevel(strings.ToLower(s)); err == nil {
		return l
	}
	return zerolog.WarnLevel
}
