// Package pluginscan implements C13: the session-start scan of installed
// host plugins for the same threat patterns C5 applies to live tool
// calls. Grounded on claircore's indexer/layerscanner — walk a
// filesystem tree once, run a fixed set of scanners over each file,
// aggregate results — re-purposed here to walk a plugin's install
// directory instead of a container image layer.
package pluginscan

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/avast/sage"
	"github.com/avast/sage/internal/extract"
	"github.com/avast/sage/internal/heuristic"
	"github.com/avast/sage/internal/reputation"
	"github.com/avast/sage/internal/statedir"
)

const (
	maxFileSize  = 512 * 1024
	entryTTL     = 7 * 24 * time.Hour
)

var skipDirs = map[string]bool{
	"node_modules": true,
	".git":         true,
	"__pycache__":  true,
}

var scriptExts = map[string]bool{
	".sh": true, ".bash": true, ".zsh": true, ".py": true,
}

var scannableExts = map[string]bool{
	".sh": true, ".bash": true, ".zsh": true, ".py": true,
	".js": true, ".ts": true, ".jsx": true, ".tsx": true,
	".json": true, ".yaml": true, ".yml": true, ".toml": true,
	".ini": true, ".cfg": true, ".md": true, ".txt": true,
}

// Plugin is a host-enumerated plugin install, supplied by out-of-scope
// adapter code (spec §4.12 step 1).
type Plugin struct {
	Key         string    `json:"key"`
	InstallPath string    `json:"install_path"`
	Version     string    `json:"version"`
	LastUpdated time.Time `json:"last_updated"`
}

// entryKey is the plugin scan cache key: pluginKey:version:lastUpdated.
func (p Plugin) entryKey() string {
	return p.Key + ":" + p.Version + ":" + p.LastUpdated.UTC().Format(time.RFC3339)
}

// ExcludeSelf drops plugins whose key carries the given prefix, so Sage
// never scans itself.
func ExcludeSelf(plugins []Plugin, selfKeyPrefix string) []Plugin {
	out := plugins[:0:0]
	for _, p := range plugins {
		if strings.HasPrefix(p.Key, selfKeyPrefix) {
			continue
		}
		out = append(out, p)
	}
	return out
}

// Finding is one plugin-scan result, spec §4.12.
type Finding struct {
	Type       string           `json:"type"` // "heuristic", "url_check", or "file_check"
	SourceFile string           `json:"source_file,omitempty"`
	Artifact   string           `json:"artifact,omitempty"`
	RuleID     string           `json:"rule_id,omitempty"`
	Title      string           `json:"title,omitempty"`
	Severity   sage.RuleSeverity `json:"severity,omitempty"`
}

// ConfigHash is SHA-256 over the Sage build version plus the threat/
// allowlist YAML directory contents, used to invalidate the plugin scan
// cache whenever the rule set changes underneath it.
func ConfigHash(sageVersion, threatDir, allowlistDir string) string {
	h := sha256.New()
	h.Write([]byte(sageVersion))
	for _, dir := range []string{threatDir, allowlistDir} {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			h.Write([]byte(e.Name()))
			if data, err := os.ReadFile(filepath.Join(dir, e.Name())); err == nil {
				h.Write(data)
			}
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

// CacheEntry is one plugin's cached scan result.
type CacheEntry struct {
	ScannedAt time.Time `json:"scanned_at"`
	Findings  []Finding `json:"findings"`
}

func (e CacheEntry) expired(now time.Time) bool {
	return now.Sub(e.ScannedAt) > entryTTL
}

// Cache is the plugin scan cache, spec §3: invalidated wholesale when
// ConfigHash changes.
type Cache struct {
	ConfigHash string                `json:"config_hash"`
	Entries    map[string]CacheEntry `json:"entries"`
}

// LoadCache reads path; a missing or malformed file yields an empty
// cache rather than an error.
func LoadCache(path string) *Cache {
	c := &Cache{Entries: map[string]CacheEntry{}}
	data, err := os.ReadFile(path)
	if err != nil {
		return c
	}
	if err := json.Unmarshal(data, c); err != nil {
		return &Cache{Entries: map[string]CacheEntry{}}
	}
	if c.Entries == nil {
		c.Entries = map[string]CacheEntry{}
	}
	return c
}

// Save persists the cache atomically.
func (c *Cache) Save(path string) error {
	if err := statedir.Ensure(filepath.Dir(path)); err != nil {
		return err
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return statedir.AtomicWrite(path, data, 0o600)
}

// Reconcile drops every cached entry when newHash differs from the
// cache's recorded ConfigHash.
func (c *Cache) Reconcile(newHash string) {
	if c.ConfigHash != newHash {
		c.ConfigHash = newHash
		c.Entries = map[string]CacheEntry{}
	}
}

// lookup returns the live (non-expired) cache entry for p, if any.
func (c *Cache) lookup(p Plugin, now time.Time) (CacheEntry, bool) {
	e, ok := c.Entries[p.entryKey()]
	if !ok || e.expired(now) {
		return CacheEntry{}, false
	}
	return e, true
}

func (c *Cache) put(p Plugin, findings []Finding, now time.Time) {
	c.Entries[p.entryKey()] = CacheEntry{ScannedAt: now, Findings: findings}
}

// Scanner runs the per-plugin directory walk and heuristic/reputation
// checks.
type Scanner struct {
	// Rules should already be restricted to rules whose MatchOn includes
	// sage.ArtifactCommand (spec §4.12: "restricted to rules whose
	// match_on includes command").
	Rules             []*sage.ThreatRule
	Domains           []sage.TrustedDomain
	ReputationClient  *reputation.Client
	ReputationTimeout time.Duration
	URLCheckEndpoint  string
	FileCheckEndpoint string
}

// ScanAll runs Plugin scanning over plugins, consulting and updating
// cache per spec §4.12 step 4 (skip on cached-empty, re-report on
// cached-findings, scan on miss).
func (s *Scanner) ScanAll(ctx context.Context, plugins []Plugin, cache *Cache, now time.Time) map[string][]Finding {
	results := make(map[string][]Finding, len(plugins))
	for _, p := range plugins {
		if entry, ok := cache.lookup(p, now); ok {
			results[p.Key] = entry.Findings
			continue
		}
		findings := s.scanOne(ctx, p)
		cache.put(p, findings, now)
		results[p.Key] = findings
	}
	return results
}

func (s *Scanner) scanOne(ctx context.Context, p Plugin) []Finding {
	var findings []Finding
	var allURLs []string
	var allHashes []string
	hashToFile := map[string]string{}

	info, err := os.Stat(p.InstallPath)
	if err != nil {
		return nil
	}

	walk := func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		rel, relErr := filepath.Rel(p.InstallPath, path)
		if relErr != nil {
			rel = path
		}
		ext := strings.ToLower(filepath.Ext(path))
		if !scannableExts[ext] {
			return nil
		}
		fi, statErr := d.Info()
		if statErr != nil || fi.Size() > maxFileSize {
			return nil
		}
		content, readErr := os.ReadFile(path)
		if readErr != nil {
			return nil
		}

		for _, u := range extract.URLs(string(content)) {
			allURLs = append(allURLs, u)
		}
		sum := sha256.Sum256(content)
		hash := hex.EncodeToString(sum[:])
		allHashes = append(allHashes, hash)
		hashToFile[hash] = rel

		if scriptExts[ext] {
			findings = append(findings, s.scanScript(rel, string(content))...)
		}
		return nil
	}

	if info.IsDir() {
		_ = filepath.WalkDir(p.InstallPath, walk)
	} else {
		_ = walk(p.InstallPath, fs.FileInfoToDirEntry(info), nil)
	}

	findings = append(findings, s.checkReputation(ctx, dedupStrings(allURLs), dedupStrings(allHashes), hashToFile)...)
	return findings
}

func (s *Scanner) scanScript(sourceFile, content string) []Finding {
	var findings []Finding
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") || isHarmlessEcho(trimmed) {
			continue
		}
		artifact := sage.NewCommandArtifact(trimmed, sourceFile)
		matches := heuristic.Match(s.Rules, s.Domains, []sage.Artifact{artifact})
		for _, m := range matches {
			if m.Suppressed {
				continue
			}
			findings = append(findings, Finding{
				Type:       "heuristic",
				SourceFile: sourceFile,
				Artifact:   truncate(trimmed, 200),
				RuleID:     m.Rule.ID,
				Title:      m.Rule.Title,
				Severity:   m.Rule.Severity,
			})
		}
	}
	return findings
}

// isHarmlessEcho reports whether line is an echo/printf statement whose
// every "|" lies inside a quoted string, per spec §4.12.
func isHarmlessEcho(line string) bool {
	if !strings.HasPrefix(line, "echo") && !strings.HasPrefix(line, "printf") {
		return false
	}
	return !hasUnquotedPipe(line)
}

func hasUnquotedPipe(s string) bool {
	var inSingle, inDouble bool
	for _, r := range s {
		switch r {
		case '\'':
			if !inDouble {
				inSingle = !inSingle
			}
		case '"':
			if !inSingle {
				inDouble = !inDouble
			}
		case '|':
			if !inSingle && !inDouble {
				return true
			}
		}
	}
	return false
}

// checkReputation runs the URL and file-hash batch checks concurrently:
// the two calls are independent (different endpoints, different artifact
// kinds), the same shape as the batch fan-out C8 itself does internally.
func (s *Scanner) checkReputation(ctx context.Context, urls, hashes []string, hashToFile map[string]string) []Finding {
	if s.ReputationClient == nil {
		return nil
	}

	var urlResults []sage.URLCheckResult
	var fileResults []sage.FileCheckResult
	g, gctx := errgroup.WithContext(ctx)
	if len(urls) > 0 && s.URLCheckEndpoint != "" {
		g.Go(func() error {
			urlResults = s.ReputationClient.CheckURLs(gctx, s.URLCheckEndpoint, urls, s.ReputationTimeout)
			return nil
		})
	}
	if len(hashes) > 0 && s.FileCheckEndpoint != "" {
		g.Go(func() error {
			fileResults = s.ReputationClient.CheckFiles(gctx, s.FileCheckEndpoint, hashes, s.ReputationTimeout)
			return nil
		})
	}
	_ = g.Wait()

	var findings []Finding
	for _, r := range urlResults {
		if r.IsMalicious {
			findings = append(findings, Finding{Type: "url_check", Artifact: truncate(r.URL, 200)})
		}
	}
	for _, r := range fileResults {
		if r.SeverityName == "SEVERITY_MALWARE" {
			findings = append(findings, Finding{Type: "file_check", SourceFile: hashToFile[r.Hash], Artifact: r.Hash})
		}
	}
	return findings
}

func dedupStrings(in []string) []string {
	seen := map[string]bool{}
	out := in[:0:0]
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && s[cut]&0xC0 == 0x80 {
		cut--
	}
	return s[:cut]
}
