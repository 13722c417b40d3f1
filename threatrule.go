package sage

import (
	"regexp"
	"time"
)

// ThreatAction is the response a ThreatRule recommends when it matches,
// before sensitivity fusion (C10) turns it into a Decision.
type ThreatAction uint

const (
	ActionUnknown ThreatAction = iota
	ActionBlock
	ActionRequireApproval
	ActionLog
)

var threatActionName = [...]string{
	ActionUnknown:         "unknown",
	ActionBlock:           "block",
	ActionRequireApproval: "require_approval",
	ActionLog:             "log",
}

func (a ThreatAction) String() string {
	if int(a) < len(threatActionName) {
		return threatActionName[a]
	}
	return "unknown"
}

// MarshalText implements encoding.TextMarshaler.
func (a ThreatAction) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *ThreatAction) UnmarshalText(b []byte) error {
	str := string(b)
	for i, n := range threatActionName {
		if n == str {
			*a = ThreatAction(i)
			return nil
		}
	}
	return &Error{Kind: ErrInvalid, Op: "ThreatAction.UnmarshalText", Message: "unknown action " + str}
}

// ThreatRule is a single rule loaded from the threat YAML corpus: a
// compiled regex matched against one or more artifact kinds, plus the
// metadata needed to report and act on a match.
type ThreatRule struct {
	// ID uniquely identifies the rule, e.g. "CLT-CMD-001". Stable across
	// corpus revisions since it is persisted in matchedThreatId fields and
	// the audit log.
	ID string `yaml:"id" json:"id"`
	// Category is a short free-text grouping, e.g. "supply-chain",
	// "credential-access".
	Category string `yaml:"category" json:"category"`
	// Severity is this rule's inherent severity.
	Severity RuleSeverity `yaml:"severity" json:"severity"`
	// Confidence is in [0,1]; the decision engine takes the max confidence
	// over all contributing signals.
	Confidence float64 `yaml:"confidence" json:"confidence"`
	// Action is the raw recommended response; C10 maps it to a Decision
	// under the active sensitivity preset.
	Action ThreatAction `yaml:"action" json:"action"`
	// Pattern is the raw regular expression source.
	Pattern string `yaml:"pattern" json:"pattern"`
	// MatchOn lists the artifact kinds this rule is evaluated against.
	// "domain" in the YAML source routes to ArtifactURL at load time.
	MatchOn []ArtifactType `yaml:"-" json:"match_on"`
	// Title is a short human-readable summary shown in Verdict.Reasons.
	Title string `yaml:"title" json:"title"`
	// ExpiresAt, if set, causes the rule to be dropped at load time once
	// passed.
	ExpiresAt *time.Time `yaml:"expires_at,omitempty" json:"expires_at,omitempty"`
	// Revoked rules are dropped at load time.
	Revoked bool `yaml:"revoked,omitempty" json:"revoked,omitempty"`
	// Suppressible marks rules eligible for trusted-domain suppression
	// (§ATK-02). Sage ships exactly four suppressible rule ids; this flag
	// is set by the loader from that hard-coded set, not from YAML.
	Suppressible bool `yaml:"-" json:"-"`

	// Regexp is the compiled form of Pattern, populated by the loader.
	Regexp *regexp.Regexp `yaml:"-" json:"-"`
}

// AppliesTo reports whether the rule is indexed against the given artifact
// type.
func (r *ThreatRule) AppliesTo(t ArtifactType) bool {
	for _, m := range r.MatchOn {
		if m == t {
			return true
		}
	}
	return false
}

// Match reports whether the rule's pattern matches s, returning the
// matched substring ($0). The substring, not the whole artifact, is what
// suppression and reporting act on (spec invariant P5).
func (r *ThreatRule) Match(s string) (string, bool) {
	if r.Regexp == nil {
		return "", false
	}
	loc := r.Regexp.FindStringIndex(s)
	if loc == nil {
		return "", false
	}
	return s[loc[0]:loc[1]], true
}

// HeuristicMatch records a single ThreatRule firing against an artifact.
type HeuristicMatch struct {
	Rule *ThreatRule `json:"-"`
	// ArtifactValue is the full value of the artifact that matched.
	ArtifactValue string `json:"artifact_value"`
	// Matched is the matched substring ($0), used for suppression
	// locality (P5) rather than the full artifact value.
	Matched string `json:"matched"`
	// Suppressed is set when a trusted-domain reference co-located with
	// Matched caused this match to be dropped from the final verdict
	// (§ATK-02). A suppressed match stays in the heuristic engine's output
	// but is skipped by the decision engine and the plugin scanner, so it
	// reaches neither the verdict nor the audit log.
	Suppressed bool `json:"suppressed,omitempty"`
}
