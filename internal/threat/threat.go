// Package threat implements C3 (threat rule loader) and C4 (trusted-domain
// registry): reading the YAML threat corpus and trusted-domain lists once
// per evaluator invocation, compiling and filtering rules, and providing
// the suffix-match predicate trusted-domain suppression (C5) depends on.
package threat

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/avast/sage"
)

// SuppressibleRuleIDs is the hard-coded set of rule ids eligible for
// trusted-domain suppression (§ATK-02): curl-pipe-to-shell and
// supply-chain-install patterns. This set is intentionally small and
// compiled in, not configurable from YAML — expanding it changes a
// security-relevant behavior and should be a code review, not a data
// change.
var SuppressibleRuleIDs = map[string]bool{
	"CLT-CMD-001": true, // curl ... | bash
	"CLT-CMD-002": true, // wget ... | sh
	"CLT-CMD-003": true, // npm install <url>
	"CLT-CMD-004": true, // pip install git+<url>
}

type yamlRule struct {
	ID         string      `yaml:"id"`
	Category   string      `yaml:"category"`
	Severity   string      `yaml:"severity"`
	Confidence float64     `yaml:"confidence"`
	Action     string      `yaml:"action"`
	Pattern    string      `yaml:"pattern"`
	MatchOn    yaml.Node   `yaml:"match_on"`
	Title      string      `yaml:"title"`
	ExpiresAt  *time.Time  `yaml:"expires_at,omitempty"`
	Revoked    bool        `yaml:"revoked,omitempty"`
}

type yamlFile struct {
	Rules []yamlRule `yaml:"rules"`
}

func (r yamlRule) matchOn() ([]sage.ArtifactType, error) {
	var raw []string
	switch r.MatchOn.Kind {
	case 0:
		return nil, nil
	case yaml.ScalarNode:
		raw = []string{r.MatchOn.Value}
	case yaml.SequenceNode:
		for _, n := range r.MatchOn.Content {
			raw = append(raw, n.Value)
		}
	default:
		return nil, fmt.Errorf("match_on: unsupported yaml node kind %v", r.MatchOn.Kind)
	}
	out := make([]sage.ArtifactType, 0, len(raw))
	for _, s := range raw {
		switch s {
		case "domain": // domain routes to url artifacts
			out = append(out, sage.ArtifactURL)
		case "url":
			out = append(out, sage.ArtifactURL)
		case "command":
			out = append(out, sage.ArtifactCommand)
		case "content":
			out = append(out, sage.ArtifactContent)
		case "file_path":
			out = append(out, sage.ArtifactFilePath)
		default:
			return nil, fmt.Errorf("match_on: unknown artifact kind %q", s)
		}
	}
	return out, nil
}

// LoadRules reads every *.yml/*.yaml file in dir, compiles each rule's
// pattern, and drops: rules with an invalid regex (logged, not fatal),
// rules whose ExpiresAt has passed, revoked rules, and rules named in
// disabled. An unreadable directory yields an empty, non-error rule set
// (spec §7 failure mode 3: heuristic layer effectively disabled).
func LoadRules(log zerolog.Logger, dir string, now time.Time, disabled []string) []*sage.ThreatRule {
	skip := make(map[string]bool, len(disabled))
	for _, id := range disabled {
		skip[id] = true
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		log.Warn().Err(err).Str("dir", dir).Msg("threat rule directory unreadable, heuristics disabled")
		return nil
	}

	var rules []*sage.ThreatRule
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		name := ent.Name()
		if !strings.HasSuffix(name, ".yml") && !strings.HasSuffix(name, ".yaml") {
			continue
		}
		path := filepath.Join(dir, name)
		rules = append(rules, loadFile(log, path, now, skip)...)
	}
	return rules
}

func loadFile(log zerolog.Logger, path string, now time.Time, skip map[string]bool) []*sage.ThreatRule {
	b, err := os.ReadFile(path)
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("threat rule file unreadable, skipping")
		return nil
	}
	var f yamlFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("threat rule file invalid yaml, skipping")
		return nil
	}

	out := make([]*sage.ThreatRule, 0, len(f.Rules))
	for _, yr := range f.Rules {
		if skip[yr.ID] {
			continue
		}
		if yr.Revoked {
			continue
		}
		if yr.ExpiresAt != nil && !yr.ExpiresAt.After(now) {
			continue
		}
		re, err := regexp.Compile(yr.Pattern)
		if err != nil {
			log.Warn().Err(err).Str("rule_id", yr.ID).Msg("threat rule regex invalid, dropping rule")
			continue
		}
		matchOn, err := yr.matchOn()
		if err != nil {
			log.Warn().Err(err).Str("rule_id", yr.ID).Msg("threat rule match_on invalid, dropping rule")
			continue
		}
		var sev sage.RuleSeverity
		if err := sev.UnmarshalText([]byte(yr.Severity)); err != nil {
			log.Warn().Err(err).Str("rule_id", yr.ID).Msg("threat rule severity invalid, dropping rule")
			continue
		}
		var action sage.ThreatAction
		if err := action.UnmarshalText([]byte(yr.Action)); err != nil {
			log.Warn().Err(err).Str("rule_id", yr.ID).Msg("threat rule action invalid, dropping rule")
			continue
		}
		out = append(out, &sage.ThreatRule{
			ID:           yr.ID,
			Category:     yr.Category,
			Severity:     sev,
			Confidence:   yr.Confidence,
			Action:       action,
			Pattern:      yr.Pattern,
			MatchOn:      matchOn,
			Title:        yr.Title,
			ExpiresAt:    yr.ExpiresAt,
			Revoked:      yr.Revoked,
			Suppressible: SuppressibleRuleIDs[yr.ID],
			Regexp:       re,
		})
	}
	return out
}

type yamlDomain struct {
	Domain string `yaml:"domain"`
	Reason string `yaml:"reason"`
}

type yamlDomainFile struct {
	Domains []yamlDomain `yaml:"domains"`
}

// LoadTrustedDomains reads every *.yml/*.yaml file in dir as a flat list of
// trusted domains. An unreadable directory yields an empty list, not an
// error — trusted-domain suppression simply never fires.
func LoadTrustedDomains(log zerolog.Logger, dir string) []sage.TrustedDomain {
	entries, err := os.ReadDir(dir)
	if err != nil {
		log.Warn().Err(err).Str("dir", dir).Msg("trusted domain directory unreadable")
		return nil
	}
	var out []sage.TrustedDomain
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		name := ent.Name()
		if !strings.HasSuffix(name, ".yml") && !strings.HasSuffix(name, ".yaml") {
			continue
		}
		b, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			log.Warn().Err(err).Str("path", name).Msg("trusted domain file unreadable, skipping")
			continue
		}
		var f yamlDomainFile
		if err := yaml.Unmarshal(b, &f); err != nil {
			log.Warn().Err(err).Str("path", name).Msg("trusted domain file invalid yaml, skipping")
			continue
		}
		for _, d := range f.Domains {
			out = append(out, sage.TrustedDomain{Host: strings.ToLower(d.Domain), Description: d.Reason})
		}
	}
	return out
}

// IsTrusted reports whether host matches any domain in domains, by
// case-insensitive exact match or dot-suffix match ("bun.sh" trusts
// "bun.sh" and "*.bun.sh").
func IsTrusted(domains []sage.TrustedDomain, host string) bool {
	host = strings.ToLower(host)
	for _, d := range domains {
		if host == d.Host || strings.HasSuffix(host, "."+d.Host) {
			return true
		}
	}
	return false
}
