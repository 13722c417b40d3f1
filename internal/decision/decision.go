// Package decision implements C10: fusing heuristic matches, URL-check
// results, and package-check results into a single Verdict under a
// sensitivity preset. A pure function with no external dependencies —
// grounded in shape on claircore's internal/matcher.Match, which fuses
// per-package vulnerability matches into one report the same way this
// package fuses per-signal decisions into one Verdict.
package decision

import (
	"fmt"

	"github.com/avast/sage"
)

// Sensitivity is the preset controlling how warning-level signals resolve.
type Sensitivity uint

const (
	SensitivityBalanced Sensitivity = iota
	SensitivityParanoid
	SensitivityRelaxed
)

var sensitivityName = [...]string{
	SensitivityBalanced: "balanced",
	SensitivityParanoid: "paranoid",
	SensitivityRelaxed:  "relaxed",
}

func (s Sensitivity) String() string {
	if int(s) < len(sensitivityName) {
		return sensitivityName[s]
	}
	return "balanced"
}

// MarshalText implements encoding.TextMarshaler.
func (s Sensitivity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. An unrecognized value
// is treated as an error by the caller, which should fall back to the
// schema default (balanced) rather than reject the whole config.
func (s *Sensitivity) UnmarshalText(b []byte) error {
	str := string(b)
	for i, n := range sensitivityName {
		if n == str {
			*s = Sensitivity(i)
			return nil
		}
	}
	return fmt.Errorf("unknown sensitivity %q", str)
}

// signal is one candidate decision plus the evidence it would contribute
// if it wins the strongest-decision tie-break.
type signal struct {
	decision        sage.Decision
	severity        sage.Severity
	category        string
	matchedThreatID string
	confidence      float64
	reasons         []string
	artifacts       []sage.Artifact
}

// Decide fuses every gathered signal into one Verdict. matches, urlResults,
// and pkgResults must each be in the order they were produced (extraction
// order for artifacts, then (artifact,rule) order for matches) — ties
// between signals of equal strength are broken by keeping whichever
// appeared first, per spec §4.9.
func Decide(sensitivity Sensitivity, matches []sage.HeuristicMatch, urlResults []sage.URLCheckResult, pkgResults []sage.PackageCheckResult) sage.Verdict {
	var signals []signal

	for _, m := range matches {
		if m.Suppressed {
			continue
		}
		d := heuristicDecision(m.Rule.Action, sensitivity)
		if d == sage.DecisionAllow {
			continue
		}
		signals = append(signals, signal{
			decision:        d,
			severity:        ruleToVerdictSeverity(m.Rule.Severity),
			category:        m.Rule.Category,
			matchedThreatID: m.Rule.ID,
			confidence:      m.Rule.Confidence,
			reasons:         []string{m.Rule.Title},
			artifacts:       []sage.Artifact{sage.NewCommandArtifact(m.ArtifactValue, "heuristic")},
		})
	}

	for _, r := range urlResults {
		if r.IsMalicious {
			signals = append(signals, signal{
				decision:   sage.DecisionDeny,
				severity:   sage.SeverityCritical,
				category:   "url_check",
				confidence: 0.9,
				reasons:    []string{fmt.Sprintf("url check flagged %s as malicious", r.URL)},
				artifacts:  []sage.Artifact{sage.NewURLArtifact(r.URL, "url_check")},
			})
			continue
		}
		if len(r.Flags) > 0 {
			d := sage.DecisionAsk
			if sensitivity == SensitivityRelaxed {
				d = sage.DecisionAllow
			}
			if d == sage.DecisionAllow {
				continue
			}
			signals = append(signals, signal{
				decision:   d,
				severity:   sage.SeverityWarning,
				category:   "url_check",
				confidence: 0.5,
				reasons:    []string{fmt.Sprintf("url check flagged %s: %v", r.URL, r.Flags)},
				artifacts:  []sage.Artifact{sage.NewURLArtifact(r.URL, "url_check")},
			})
		}
	}

	for _, r := range pkgResults {
		switch r.Verdict {
		case sage.PackageNotFound, sage.PackageMalicious:
			signals = append(signals, signal{
				decision:   sage.DecisionDeny,
				severity:   sage.SeverityCritical,
				category:   "package_check",
				confidence: r.Confidence,
				reasons:    []string{r.Details},
				artifacts:  []sage.Artifact{sage.NewContentArtifact(r.Name, "package_check")},
			})
		case sage.PackageSuspiciousAge:
			d := sage.DecisionAsk
			if sensitivity == SensitivityRelaxed {
				d = sage.DecisionAllow
			}
			if d == sage.DecisionAllow {
				continue
			}
			signals = append(signals, signal{
				decision:   d,
				severity:   sage.SeverityWarning,
				category:   "package_check",
				confidence: r.Confidence,
				reasons:    []string{r.Details},
				artifacts:  []sage.Artifact{sage.NewContentArtifact(r.Name, "package_check")},
			})
		}
	}

	if len(signals) == 0 {
		return sage.NewAllowVerdict("no_signals")
	}

	winner := signals[0]
	maxConfidence := signals[0].confidence
	for _, s := range signals[1:] {
		if s.confidence > maxConfidence {
			maxConfidence = s.confidence
		}
		if s.decision.Stronger(winner.decision) {
			winner = s
		}
	}

	source := "heuristic"
	switch winner.category {
	case "url_check":
		source = "url_check"
	case "package_check":
		source = "package_check"
	}

	return sage.NewVerdict(winner.decision, winner.severity, source, winner.category, winner.matchedThreatID, maxConfidence, winner.reasons, winner.artifacts)
}

func heuristicDecision(action sage.ThreatAction, sensitivity Sensitivity) sage.Decision {
	switch action {
	case sage.ActionBlock:
		return sage.DecisionDeny
	case sage.ActionRequireApproval:
		return sage.DecisionAsk
	case sage.ActionLog:
		if sensitivity == SensitivityParanoid {
			return sage.DecisionAsk
		}
		return sage.DecisionAllow
	default:
		return sage.DecisionAllow
	}
}

func ruleToVerdictSeverity(s sage.RuleSeverity) sage.Severity {
	switch s {
	case sage.RuleSeverityCritical:
		return sage.SeverityCritical
	case sage.RuleSeverityHigh, sage.RuleSeverityMedium:
		return sage.SeverityWarning
	default:
		return sage.SeverityInfo
	}
}
