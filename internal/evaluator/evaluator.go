// Package evaluator implements C11: the single evaluate(request) -> Verdict
// entry point every host adapter's tool-call hook ultimately calls. It
// wires together every other internal component — allowlist short-circuit,
// verdict cache, heuristics, URL/package reputation, decision fusion,
// approval override, and the audit log — in the fixed order spec §4.10
// describes. Grounded on claircore's libindex.Controller, which runs a
// fixed sequence of indexers/scanners over one manifest and folds their
// results into one IndexReport; evaluate runs a fixed sequence of checks
// over one tool call and folds their results into one Verdict.
package evaluator

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/avast/sage"
	"github.com/avast/sage/internal/allowlist"
	"github.com/avast/sage/internal/approval"
	"github.com/avast/sage/internal/audit"
	"github.com/avast/sage/internal/decision"
	"github.com/avast/sage/internal/heuristic"
	"github.com/avast/sage/internal/normalize"
	"github.com/avast/sage/internal/pkgcheck"
	"github.com/avast/sage/internal/reputation"
	"github.com/avast/sage/internal/sageconfig"
	"github.com/avast/sage/internal/statedir"
	"github.com/avast/sage/internal/threat"
	"github.com/avast/sage/internal/verdictcache"
)

// Request is one tool call to score, already reduced to an artifact list
// by internal/extract and, for Bash/Write/Edit, a package list by
// internal/pkgcheck's extractors. ToolInputSummary is precomputed by the
// caller via audit.Summarize, since the evaluator never sees the raw
// tool_input map (only the artifacts extracted from it).
type Request struct {
	SessionID        string
	ToolUseID        string
	ToolName         string
	ToolInputSummary string
	Artifacts        []sage.Artifact
	Packages         []sage.Package
}

// Evaluator holds the filesystem roots and ambient clients evaluate()
// needs, resolved once per process by cmd/sage.
type Evaluator struct {
	// HomeDir is the user's home directory, used to resolve "~" in
	// file_path artifacts and config-relative state paths. When empty, the
	// default state paths fall back to internal/statedir.Default
	// (os.UserHomeDir), while a leading "~/" in file_path artifacts is
	// simply dropped.
	HomeDir string
	// StateDir is Sage's state directory ("~/.sage" by default), holding
	// config.json, allowlist.json, cache.json, and the approval/audit
	// files.
	StateDir string
	// ThreatDir and TrustedDomainDir point at the on-disk YAML corpora
	// (spec §4.3/§4.4).
	ThreatDir        string
	TrustedDomainDir string
	// SageVersion is reported to the reputation endpoints and folded into
	// the plugin scan cache's ConfigHash.
	SageVersion string
	// HTTP is the client used for every outbound reputation/registry
	// call. Defaults to http.DefaultClient when nil.
	HTTP *http.Client
	Log  zerolog.Logger
}

func (e *Evaluator) stateDir() string {
	if e.StateDir != "" {
		return e.StateDir
	}
	return statedir.Default()
}

// Evaluate runs the full pipeline for one tool call and returns its
// Verdict. now is threaded in rather than read from time.Now() so cache
// TTL and approval-window behavior can be tested deterministically.
func (e *Evaluator) Evaluate(ctx context.Context, req Request, now time.Time) sage.Verdict {
	log := e.Log.With().Str("session_id", req.SessionID).Str("tool_name", req.ToolName).Logger()

	// Step 1: nothing to evaluate.
	if len(req.Artifacts) == 0 {
		return sage.NewAllowVerdict("no_artifacts")
	}

	stateDir := e.stateDir()

	// Step 2: config.
	cfg := sageconfig.Load(filepath.Join(stateDir, "config.json"), e.HomeDir)

	// Step 3: allowlist short-circuit.
	al := allowlist.Load(cfg.Allowlist.Path, e.HomeDir)
	if al.IsAllowlisted(req.Artifacts, e.HomeDir) {
		v := sage.NewAllowVerdict("allowlisted")
		e.appendAudit(cfg, req, v, true, now, log)
		return v
	}

	// Step 4: verdict cache.
	cache := verdictcache.New()
	if cfg.Cache.Enabled {
		cache = verdictcache.Load(cfg.Cache.Path)
	}

	// Step 5: partition URL artifacts into cached vs. uncached, in
	// extraction order so step 10's promotion is deterministic rather
	// than depending on map iteration order.
	type cachedURL struct {
		key   string
		entry verdictcache.Entry
	}
	var cachedURLs []cachedURL
	var uncachedURLs []string
	seenURL := map[string]bool{}
	for _, a := range req.Artifacts {
		if a.Type != sage.ArtifactURL {
			continue
		}
		key := normalize.URL(a.Value)
		if seenURL[key] {
			continue
		}
		seenURL[key] = true
		if entry, ok := cache.GetURL(key, now); ok {
			cachedURLs = append(cachedURLs, cachedURL{key, entry})
		} else {
			uncachedURLs = append(uncachedURLs, key)
		}
	}

	// Step 5b: partition Command artifacts into cached vs. uncached, same
	// rationale as step 5's URL partition: a command already resolved to a
	// cached verdict (far-future TTL, invalidated only by an explicit
	// `sagectl cache clear`) skips re-evaluation against the rule corpus.
	type cachedCmd struct {
		key, value string
		entry      verdictcache.Entry
	}
	var cachedCmds []cachedCmd
	heuristicArtifacts := req.Artifacts
	if cfg.HeuristicsEnabled {
		heuristicArtifacts = make([]sage.Artifact, 0, len(req.Artifacts))
		seenCmd := map[string]bool{}
		for _, a := range req.Artifacts {
			if a.Type != sage.ArtifactCommand {
				heuristicArtifacts = append(heuristicArtifacts, a)
				continue
			}
			key := normalize.Command(a.Value)
			if seenCmd[key] {
				continue
			}
			seenCmd[key] = true
			if entry, ok := cache.GetCommand(key, now); ok {
				cachedCmds = append(cachedCmds, cachedCmd{key, a.Value, entry})
				continue
			}
			heuristicArtifacts = append(heuristicArtifacts, a)
		}
	}

	// Step 6: heuristics.
	var matches []sage.HeuristicMatch
	if cfg.HeuristicsEnabled {
		rules := threat.LoadRules(log, e.ThreatDir, now, cfg.DisabledThreats)
		domains := threat.LoadTrustedDomains(log, e.TrustedDomainDir)
		matches = heuristic.Match(rules, domains, heuristicArtifacts)
	}

	httpClient := e.HTTP
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	repClient := reputation.NewClient(httpClient)
	repClient.ProductVersion = e.SageVersion

	var urlResults []sage.URLCheckResult
	for _, c := range cachedURLs {
		urlResults = append(urlResults, entryToURLResult(c.key, c.entry))
	}

	// Step 7: reputation check on the uncached URL set.
	if cfg.URLCheck.Enabled && len(uncachedURLs) > 0 {
		fresh := repClient.CheckURLs(ctx, cfg.URLCheck.Endpoint, uncachedURLs, secondsToDuration(cfg.URLCheck.TimeoutSeconds))
		byURL := make(map[string]sage.URLCheckResult, len(fresh))
		for _, r := range fresh {
			byURL[r.URL] = r
		}
		for _, key := range uncachedURLs {
			r, ok := byURL[key]
			if !ok {
				continue // no answer for this URL: stays unknown, fail open (P10)
			}
			urlResults = append(urlResults, r)
			if cfg.Cache.Enabled {
				d, sev, reasons := urlDecision(r)
				cache.PutURL(key, d, sev, reasons, "url_check", r.IsMalicious,
					secondsToDuration(float64(cfg.Cache.TTLMaliciousSeconds)),
					secondsToDuration(float64(cfg.Cache.TTLCleanSeconds)), now)
			}
		}
	}

	// Step 8: package check, Bash/Write/Edit only.
	var pkgResults []sage.PackageCheckResult
	if cfg.PackageCheck.Enabled && isPackageCheckTool(req.ToolName) && len(req.Packages) > 0 {
		var uncachedPkgs []sage.Package
		seenPkg := map[string]bool{}
		for _, p := range req.Packages {
			key := p.Key()
			if seenPkg[key] {
				continue
			}
			seenPkg[key] = true
			if entry, ok := cache.GetPackage(key, now); ok {
				pkgResults = append(pkgResults, entryToPackageResult(p, entry))
			} else {
				uncachedPkgs = append(uncachedPkgs, p)
			}
		}
		if len(uncachedPkgs) > 0 {
			checker := &pkgcheck.Checker{
				Client:            repClient,
				FileCheckEnabled:  cfg.FileCheck.Enabled,
				FileCheckEndpoint: cfg.FileCheck.Endpoint,
				Timeout:           secondsToDuration(cfg.PackageCheck.TimeoutSeconds),
			}
			fresh := checker.CheckAll(ctx, uncachedPkgs)
			for i, r := range fresh {
				pkgResults = append(pkgResults, r)
				if cfg.Cache.Enabled {
					d, sev := packageDecision(r)
					reasons := []string{r.Details}
					cache.PutPackage(uncachedPkgs[i].Key(), d, sev, reasons, "package_check", r.AgeDays, now)
				}
			}
		}
	}

	// Step 9: fuse every signal into one Verdict.
	verdict := decision.Decide(cfg.SensitivityPreset(), matches, urlResults, pkgResults)

	// Step 9b: cache each freshly-evaluated command's own verdict,
	// independent of what else was present in this call — decision.Decide is
	// run again scoped to just that command's own matches so an unrelated
	// malicious URL or package elsewhere in the same tool call can never
	// get baked into a command's cached entry (the same per-artifact
	// locality P6 requires of the URL/package caches).
	if cfg.HeuristicsEnabled && cfg.Cache.Enabled {
		seenCmd := map[string]bool{}
		for _, a := range heuristicArtifacts {
			if a.Type != sage.ArtifactCommand {
				continue
			}
			key := normalize.Command(a.Value)
			if seenCmd[key] {
				continue
			}
			seenCmd[key] = true
			var own []sage.HeuristicMatch
			for _, m := range matches {
				if m.ArtifactValue == a.Value {
					own = append(own, m)
				}
			}
			cv := decision.Decide(cfg.SensitivityPreset(), own, nil, nil)
			cache.PutCommand(key, cv.Decision, cv.Severity, cv.Reasons, "heuristic", now)
		}
	}

	// Step 10: a cached non-allow URL or command verdict always survives a
	// fresh allow, so a cache-poisoning window can't be used to launder a
	// previously-flagged URL/command back to allow by also asking about
	// something harmless in the same call.
	if verdict.Decision == sage.DecisionAllow {
		for _, c := range cachedURLs {
			if c.entry.Decision != sage.DecisionAllow {
				verdict = sage.NewVerdict(c.entry.Decision, c.entry.Severity, "cache", "url_check", "", 1.0, c.entry.Reasons,
					[]sage.Artifact{sage.NewURLArtifact(c.key, "cache")})
				break
			}
		}
	}
	if verdict.Decision == sage.DecisionAllow {
		for _, c := range cachedCmds {
			if c.entry.Decision != sage.DecisionAllow {
				verdict = sage.NewVerdict(c.entry.Decision, c.entry.Severity, "cache", "heuristic", "", 1.0, c.entry.Reasons,
					[]sage.Artifact{sage.NewCommandArtifact(c.value, "cache")})
				break
			}
		}
	}

	// A non-allow verdict can still be overridden by a live one-shot
	// approval (C12): a consumed approval for any of this call's artifacts,
	// keyed by artifact type and value, in this session's file or in any
	// session's file under stateDir.
	userOverride := false
	if verdict.Decision != sage.DecisionAllow {
		store := approval.Load(stateDir, req.SessionID)
		if approvalCovers(store, stateDir, req.Artifacts, now) {
			verdict = sage.NewAllowVerdict("approved")
			userOverride = true
		}
	}

	// Step 11: persist cache, fail-open.
	if cfg.Cache.Enabled {
		if err := cache.Save(cfg.Cache.Path); err != nil {
			log.Warn().Err(err).Msg("verdict cache save failed")
		}
	}

	// Step 12: audit log, fail-open.
	e.appendAudit(cfg, req, verdict, userOverride, now, log)

	// Step 13.
	return verdict
}

func isPackageCheckTool(tool string) bool {
	return tool == "Bash" || tool == "Write" || tool == "Edit"
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func urlDecision(r sage.URLCheckResult) (sage.Decision, sage.Severity, []string) {
	if r.IsMalicious {
		return sage.DecisionDeny, sage.SeverityCritical, []string{fmt.Sprintf("url check flagged %s as malicious", r.URL)}
	}
	if len(r.Flags) > 0 {
		return sage.DecisionAsk, sage.SeverityWarning, []string{fmt.Sprintf("url check flagged %s: %v", r.URL, r.Flags)}
	}
	return sage.DecisionAllow, sage.SeverityInfo, nil
}

func packageDecision(r sage.PackageCheckResult) (sage.Decision, sage.Severity) {
	switch r.Verdict {
	case sage.PackageNotFound, sage.PackageMalicious:
		return sage.DecisionDeny, sage.SeverityCritical
	case sage.PackageSuspiciousAge:
		return sage.DecisionAsk, sage.SeverityWarning
	default:
		return sage.DecisionAllow, sage.SeverityInfo
	}
}

// entryToURLResult reconstructs a URLCheckResult shape from a cached
// verdict-cache entry, coarse enough for decision.Decide to re-derive the
// same signal strength it originally produced: deny entries replay as
// malicious, ask entries replay as flagged, allow entries replay as clean.
func entryToURLResult(key string, e verdictcache.Entry) sage.URLCheckResult {
	r := sage.URLCheckResult{URL: key}
	switch e.Decision {
	case sage.DecisionDeny:
		r.IsMalicious = true
	case sage.DecisionAsk:
		r.Flags = e.Reasons
	}
	return r
}

func entryToPackageResult(p sage.Package, e verdictcache.Entry) sage.PackageCheckResult {
	r := sage.PackageCheckResult{Name: p.Name, Registry: p.Registry}
	if len(e.Reasons) > 0 {
		r.Details = e.Reasons[0]
	}
	switch e.Decision {
	case sage.DecisionDeny:
		r.Verdict = sage.PackageMalicious
		r.Confidence = 0.9
	case sage.DecisionAsk:
		r.Verdict = sage.PackageSuspiciousAge
		r.Confidence = 0.6
	default:
		r.Verdict = sage.PackageClean
		r.Confidence = 0.5
	}
	return r
}

// approvalCovers reports whether any artifact in artifacts has a live
// one-shot approval, either in this session's own consumed-approvals file
// or, for hosts that re-evaluate under a different session id, in any
// session's file under stateDir.
func approvalCovers(store *approval.Store, stateDir string, artifacts []sage.Artifact, now time.Time) bool {
	for _, a := range artifacts {
		if store.FindConsumed(a.Type, a.Value, now) {
			return true
		}
		if approval.FindConsumedAcrossSessions(stateDir, a.Type, a.Value, now) {
			return true
		}
	}
	return false
}

func (e *Evaluator) appendAudit(cfg *sageconfig.Config, req Request, v sage.Verdict, userOverride bool, now time.Time, log zerolog.Logger) {
	if !cfg.Logging.Enabled {
		return
	}
	logger := &audit.Logger{
		Path:     cfg.Logging.Path,
		MaxBytes: cfg.Logging.MaxBytes,
		MaxFiles: cfg.Logging.MaxFiles,
		LogClean: cfg.Logging.LogClean,
	}
	if !logger.ShouldLog(v.Decision, userOverride) {
		return
	}
	entry := audit.Entry{
		Type:             audit.TypeVerdict,
		Timestamp:        now,
		SessionID:        req.SessionID,
		ToolName:         req.ToolName,
		ToolInputSummary: req.ToolInputSummary,
		Artifacts:        v.Artifacts,
		Verdict:          v.Decision,
		Severity:         v.Severity,
		Reasons:          v.Reasons,
		Source:           v.Source,
		UserOverride:     userOverride,
	}
	if err := logger.Append(entry); err != nil {
		log.Warn().Err(err).Msg("audit log append failed")
	}
}
