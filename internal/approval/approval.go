// Package approval implements C12: the pending/consumed approval
// lifecycle that bridges an `ask` verdict to a later allowlist add,
// keyed by a stable actionId over (tool, params). Grounded on claircore's
// datastore pattern of a file-backed, read-modify-write map with no
// in-memory locking — Sage's single-short-lived-process model (spec §5)
// means there is no concurrent-writer problem within one evaluation to
// guard against, only the atomic-rename discipline internal/statedir
// already provides against concurrent *processes*.
package approval

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/avast/sage"
	"github.com/avast/sage/internal/statedir"
)

const (
	// PendingTTL is how long a pending approval survives unconsumed.
	PendingTTL = time.Hour
	// ConsumedTTL is the one-shot replay window after consumption
	// (§ATK-18, Open Question Q5).
	ConsumedTTL = 10 * time.Minute
	// StaleFileAge is the mtime cutoff past which a session's
	// approval files are swept at hook startup.
	StaleFileAge = 2 * time.Hour
)

// ActionID returns the stable actionId for a (tool, params) pair
// (P8: byte-for-byte identical across processes for identical input).
// json.Marshal sorts map keys, including in nested maps, so hashing its
// output is deterministic without hand-rolling a canonical encoder.
func ActionID(tool string, params map[string]any) string {
	b, err := json.Marshal(struct {
		Tool   string         `json:"tool"`
		Params map[string]any `json:"params"`
	}{Tool: tool, Params: params})
	if err != nil {
		b = []byte(tool)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// PendingEntry is a recorded ask awaiting user consumption.
type PendingEntry struct {
	ThreatID    string          `json:"threat_id,omitempty"`
	ThreatTitle string          `json:"threat_title,omitempty"`
	Artifacts   []sage.Artifact `json:"artifacts"`
	AddedAt     time.Time       `json:"added_at"`
}

func (e PendingEntry) expired(now time.Time) bool {
	return now.Sub(e.AddedAt) > PendingTTL
}

// ConsumedEntry records a one-shot approval already spent, keyed by
// "artifactType:value".
type ConsumedEntry struct {
	ConsumedAt time.Time `json:"consumed_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

func (e ConsumedEntry) expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// PendingPath returns the per-session pending-approvals file path.
func PendingPath(stateDir, sessionID string) string {
	return filepath.Join(stateDir, fmt.Sprintf("pending-approvals-%s.json", sessionID))
}

// ConsumedPath returns the per-session consumed-approvals file path.
func ConsumedPath(stateDir, sessionID string) string {
	return filepath.Join(stateDir, fmt.Sprintf("consumed-approvals-%s.json", sessionID))
}

// Store is the per-session approval state, loaded from and saved to the
// two files above.
type Store struct {
	pending  map[string]PendingEntry  // keyed by tool-use id
	consumed map[string]ConsumedEntry // keyed by "artifactType:value"
}

// Load reads both per-session files for sid; missing or malformed files
// yield empty maps rather than an error, matching the fail-open posture
// the rest of Sage's state stores use.
func Load(stateDir, sessionID string) *Store {
	s := &Store{pending: map[string]PendingEntry{}, consumed: map[string]ConsumedEntry{}}
	readJSON(PendingPath(stateDir, sessionID), &s.pending)
	readJSON(ConsumedPath(stateDir, sessionID), &s.consumed)
	return s
}

func readJSON(path string, v any) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	_ = json.Unmarshal(data, v)
}

// Save persists both files atomically.
func (s *Store) Save(stateDir, sessionID string) error {
	if err := statedir.Ensure(stateDir); err != nil {
		return err
	}
	if err := writeJSON(PendingPath(stateDir, sessionID), s.pending); err != nil {
		return err
	}
	return writeJSON(ConsumedPath(stateDir, sessionID), s.consumed)
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return statedir.AtomicWrite(path, data, 0o600)
}

// AddPending records a new ask awaiting consumption, pruning entries
// older than PendingTTL first.
func (s *Store) AddPending(toolUseID string, entry PendingEntry, now time.Time) {
	s.prunePending(now)
	s.pending[toolUseID] = entry
}

func (s *Store) prunePending(now time.Time) {
	for k, e := range s.pending {
		if e.expired(now) {
			delete(s.pending, k)
		}
	}
}

// ConsumePending atomically removes the pending entry for toolUseID and
// records one consumed entry per artifact with ExpiresAt = now+ConsumedTTL.
// Returns the pending record and true, or false if there was none.
func (s *Store) ConsumePending(toolUseID string, now time.Time) (PendingEntry, bool) {
	entry, ok := s.pending[toolUseID]
	if !ok {
		return PendingEntry{}, false
	}
	delete(s.pending, toolUseID)
	for _, a := range entry.Artifacts {
		key := a.Type.String() + ":" + a.Value
		s.consumed[key] = ConsumedEntry{ConsumedAt: now, ExpiresAt: now.Add(ConsumedTTL)}
	}
	return entry, true
}

// FindConsumed prunes expired consumed entries and reports whether
// artifactType:value has a live one-shot approval.
func (s *Store) FindConsumed(artifactType sage.ArtifactType, value string, now time.Time) bool {
	key := artifactType.String() + ":" + value
	for k, e := range s.consumed {
		if e.expired(now) {
			delete(s.consumed, k)
		}
	}
	_, ok := s.consumed[key]
	return ok
}

// FindConsumedAcrossSessions scans every consumed-approvals-*.json file
// under stateDir for a live approval of artifactType:value, for hosts
// (e.g. OpenClaw/OpenCode) that re-evaluate the same artifact from a
// different session id than the one that produced the original ask.
func FindConsumedAcrossSessions(stateDir string, artifactType sage.ArtifactType, value string, now time.Time) bool {
	matches, err := filepath.Glob(filepath.Join(stateDir, "consumed-approvals-*.json"))
	if err != nil {
		return false
	}
	key := artifactType.String() + ":" + value
	for _, path := range matches {
		var entries map[string]ConsumedEntry
		readJSON(path, &entries)
		if e, ok := entries[key]; ok && !e.expired(now) {
			return true
		}
	}
	return false
}

// PruneStaleFiles sweeps pending-approvals-*.json and
// consumed-approvals-*.json files whose mtime is older than StaleFileAge,
// dropping expired entries and rewriting (or deleting, if left empty) each
// one. Run once at hook startup.
func PruneStaleFiles(stateDir string, now time.Time) {
	prunePendingFiles(stateDir, now)
	pruneConsumedFiles(stateDir, now)
}

func prunePendingFiles(stateDir string, now time.Time) {
	matches, _ := filepath.Glob(filepath.Join(stateDir, "pending-approvals-*.json"))
	for _, path := range matches {
		info, err := os.Stat(path)
		if err != nil || now.Sub(info.ModTime()) < StaleFileAge {
			continue
		}
		var entries map[string]PendingEntry
		readJSON(path, &entries)
		for k, e := range entries {
			if e.expired(now) {
				delete(entries, k)
			}
		}
		rewriteOrRemove(path, entries)
	}
}

func pruneConsumedFiles(stateDir string, now time.Time) {
	matches, _ := filepath.Glob(filepath.Join(stateDir, "consumed-approvals-*.json"))
	for _, path := range matches {
		info, err := os.Stat(path)
		if err != nil || now.Sub(info.ModTime()) < StaleFileAge {
			continue
		}
		var entries map[string]ConsumedEntry
		readJSON(path, &entries)
		for k, e := range entries {
			if e.expired(now) {
				delete(entries, k)
			}
		}
		rewriteOrRemove(path, entries)
	}
}

func rewriteOrRemove(path string, entries any) {
	empty := false
	switch m := entries.(type) {
	case map[string]PendingEntry:
		empty = len(m) == 0
	case map[string]ConsumedEntry:
		empty = len(m) == 0
	}
	if empty {
		os.Remove(path)
		return
	}
	if data, err := json.MarshalIndent(entries, "", "  "); err == nil {
		_ = statedir.AtomicWrite(path, data, 0o600)
	}
}
