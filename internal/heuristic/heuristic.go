// Package heuristic implements C5: matching artifacts against the
// compiled threat rule corpus and applying trusted-domain suppression.
// Match is a pure function over an immutable rule slice, built once per
// evaluator invocation and run over one call's artifact list — the same
// shape claircore's layer scanner uses for its immutable scanner slice.
package heuristic

import (
	"net/url"

	"github.com/avast/sage"
	"github.com/avast/sage/internal/extract"
	"github.com/avast/sage/internal/threat"
)

// Match runs every rule in rules against every artifact in artifacts,
// returning one HeuristicMatch per (artifact, rule) hit, in that order.
// Suppressible matches whose matched substring resolves entirely to
// trusted domains have Suppressed set to true (§ATK-02); they are still
// returned, and decision.Decide and the plugin scanner skip them.
func Match(rules []*sage.ThreatRule, domains []sage.TrustedDomain, artifacts []sage.Artifact) []sage.HeuristicMatch {
	var out []sage.HeuristicMatch
	for _, a := range artifacts {
		for _, r := range rules {
			if !r.AppliesTo(a.Type) {
				continue
			}
			matched, ok := r.Match(a.Value)
			if !ok {
				continue
			}
			hm := sage.HeuristicMatch{
				Rule:          r,
				ArtifactValue: a.Value,
				Matched:       matched,
			}
			if r.Suppressible {
				hm.Suppressed = suppressed(matched, domains)
			}
			out = append(out, hm)
		}
	}
	return out
}

// suppressed reports whether every URL found within matched resolves to a
// trusted domain. A matched substring with no URL in it is never
// suppressed (the rule doesn't concern a URL at all, so trust can't apply);
// a matched substring with any untrusted URL is never suppressed.
func suppressed(matched string, domains []sage.TrustedDomain) bool {
	urls := extract.URLs(matched)
	if len(urls) == 0 {
		return false
	}
	for _, u := range urls {
		host := hostOf(u)
		if host == "" || !threat.IsTrusted(domains, host) {
			return false
		}
	}
	return true
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
