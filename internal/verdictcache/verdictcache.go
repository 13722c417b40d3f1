// Package verdictcache implements C7: the TTL'd URL/command/package
// verdict cache. Grounded directly on claircore's libvuln/jsonblob
// package — an on-disk JSON-backed store with typed entries and a
// sync.RWMutex-guarded in-memory map, persisted via the statedir
// atomic-write helper (claircore's toolkit/spool temp-file arena idiom).
package verdictcache

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/avast/sage"
	"github.com/avast/sage/internal/statedir"
)

// farFuture is used for command cache entries, which are effectively
// permanent until manually invalidated (spec §4.6).
var farFuture = time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC)

// Entry is a single cached verdict.
type Entry struct {
	Decision  sage.Decision  `json:"verdict"`
	Severity  sage.Severity  `json:"severity"`
	Reasons   []string       `json:"reasons"`
	Source    string         `json:"source"`
	CheckedAt time.Time      `json:"checked_at"`
	ExpiresAt time.Time      `json:"expires_at"`
}

func (e Entry) expired(now time.Time) bool { return !e.ExpiresAt.After(now) }

// onDisk mirrors Cache's persisted shape.
type onDisk struct {
	URLs     map[string]Entry `json:"urls"`
	Commands map[string]Entry `json:"commands"`
	Packages map[string]Entry `json:"packages"`
}

// Cache is the in-memory, JSON-persisted verdict cache. Safe for
// concurrent use, though Sage's single-process-per-call model means
// concurrency here is intra-process only (parallel reputation lookups
// within one evaluation).
type Cache struct {
	mu       sync.RWMutex
	urls     map[string]Entry
	commands map[string]Entry
	packages map[string]Entry
}

// New returns an empty Cache.
func New() *Cache {
	return &Cache{
		urls:     map[string]Entry{},
		commands: map[string]Entry{},
		packages: map[string]Entry{},
	}
}

// Load reads path into a fresh Cache. A missing or malformed file yields
// an empty cache (spec §7 failure mode 2).
func Load(path string) *Cache {
	c := New()
	b, err := os.ReadFile(path)
	if err != nil {
		return c
	}
	var d onDisk
	if err := json.Unmarshal(b, &d); err != nil {
		return c
	}
	if d.URLs != nil {
		c.urls = d.URLs
	}
	if d.Commands != nil {
		c.commands = d.Commands
	}
	if d.Packages != nil {
		c.packages = d.Packages
	}
	return c
}

// Save atomically writes the cache to path. Best-effort: callers should
// log and otherwise ignore a returned error (spec §7 failure mode 6).
func (c *Cache) Save(path string) error {
	c.mu.RLock()
	d := onDisk{URLs: c.urls, Commands: c.commands, Packages: c.packages}
	c.mu.RUnlock()

	if err := statedir.Ensure(filepath.Dir(path)); err != nil {
		return err
	}
	b, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return err
	}
	return statedir.AtomicWrite(path, b, 0o600)
}

func get(mu *sync.RWMutex, m map[string]Entry, key string, now time.Time) (Entry, bool) {
	mu.RLock()
	e, ok := m[key]
	mu.RUnlock()
	if !ok {
		return Entry{}, false
	}
	if e.expired(now) {
		mu.Lock()
		delete(m, key)
		mu.Unlock()
		return Entry{}, false
	}
	return e, true
}

// GetURL returns the cached entry for a normalized URL key, or false if
// missing or expired (expired entries are deleted on read).
func (c *Cache) GetURL(key string, now time.Time) (Entry, bool) {
	return get(&c.mu, c.urls, key, now)
}

// GetCommand returns the cached entry for a command's sha256 key.
func (c *Cache) GetCommand(key string, now time.Time) (Entry, bool) {
	return get(&c.mu, c.commands, key, now)
}

// GetPackage returns the cached entry for a "registry:name[@version]" key.
func (c *Cache) GetPackage(key string, now time.Time) (Entry, bool) {
	return get(&c.mu, c.packages, key, now)
}

// PutURL records verdict for a normalized URL key, using ttlMalicious if
// isMalicious else ttlClean.
func (c *Cache) PutURL(key string, decision sage.Decision, severity sage.Severity, reasons []string, source string, isMalicious bool, ttlMalicious, ttlClean time.Duration, now time.Time) {
	ttl := ttlClean
	if isMalicious {
		ttl = ttlMalicious
	}
	c.put(&c.urls, key, Entry{Decision: decision, Severity: severity, Reasons: reasons, Source: source, CheckedAt: now, ExpiresAt: now.Add(ttl)})
}

// PutCommand records verdict for a command hash key with a far-future
// expiry: commands are cached effectively permanently until manually
// invalidated.
func (c *Cache) PutCommand(key string, decision sage.Decision, severity sage.Severity, reasons []string, source string, now time.Time) {
	c.put(&c.commands, key, Entry{Decision: decision, Severity: severity, Reasons: reasons, Source: source, CheckedAt: now, ExpiresAt: farFuture})
}

// PutPackage records verdict for a package key under the spec §4.6 TTL
// matrix: deny → 24h; allow and ageDays<7 → 1h; allow otherwise → 24h;
// anything else (ask) → 1h.
func (c *Cache) PutPackage(key string, decision sage.Decision, severity sage.Severity, reasons []string, source string, ageDays *int, now time.Time) {
	var ttl time.Duration
	switch {
	case decision == sage.DecisionDeny:
		ttl = 24 * time.Hour
	case decision == sage.DecisionAllow && ageDays != nil && *ageDays < 7:
		ttl = time.Hour
	case decision == sage.DecisionAllow:
		ttl = 24 * time.Hour
	default:
		ttl = time.Hour
	}
	c.put(&c.packages, key, Entry{Decision: decision, Severity: severity, Reasons: reasons, Source: source, CheckedAt: now, ExpiresAt: now.Add(ttl)})
}

func (c *Cache) put(m *map[string]Entry, key string, e Entry) {
	c.mu.Lock()
	(*m)[key] = e
	c.mu.Unlock()
}

// Snapshot returns a copy of the cache's three maps, for read-only
// inspection (e.g. an operator CLI's "cache inspect"). Expired entries
// are included as-is; Snapshot does not evict on read the way Get* does.
func (c *Cache) Snapshot() (urls, commands, packages map[string]Entry) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	urls = make(map[string]Entry, len(c.urls))
	for k, v := range c.urls {
		urls[k] = v
	}
	commands = make(map[string]Entry, len(c.commands))
	for k, v := range c.commands {
		commands[k] = v
	}
	packages = make(map[string]Entry, len(c.packages))
	for k, v := range c.packages {
		packages[k] = v
	}
	return urls, commands, packages
}
