// Package allowlist implements C6: the persisted per-artifact-type
// allowlist and its anti-smuggling membership test (§ATK-01, invariant
// P4). Three disjoint maps — urls, commands, file_paths — back a store
// that's loaded fresh, queried, and saved once per process.
package allowlist

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/avast/sage"
	"github.com/avast/sage/internal/normalize"
	"github.com/avast/sage/internal/statedir"
)

// Entry is a single allowlist record: when it was added, why, and what
// verdict it overrode.
type Entry struct {
	AddedAt         time.Time     `json:"added_at"`
	Reason          string        `json:"reason"`
	OriginalVerdict sage.Decision `json:"original_verdict"`
}

// Store is the in-memory, JSON-persisted allowlist.
type Store struct {
	URLs      map[string]Entry `json:"urls"`
	Commands  map[string]Entry `json:"commands"`
	FilePaths map[string]Entry `json:"file_paths"`
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		URLs:      map[string]Entry{},
		Commands:  map[string]Entry{},
		FilePaths: map[string]Entry{},
	}
}

// Load reads path and returns its Store. A missing or malformed file
// yields a fresh empty Store rather than an error (spec §7 failure mode
// 2): the allowlist is data, not control flow. Keys are re-normalized on
// load for backward compatibility with older normalization rules.
func Load(path, homeDir string) *Store {
	s := New()
	b, err := os.ReadFile(path)
	if err != nil {
		return s
	}
	var onDisk Store
	if err := json.Unmarshal(b, &onDisk); err != nil {
		return s
	}
	for k, v := range onDisk.URLs {
		s.URLs[normalize.URL(k)] = v
	}
	for k, v := range onDisk.Commands {
		s.Commands[k] = v // commands are already sha256 hex; re-hashing isn't meaningful
	}
	for k, v := range onDisk.FilePaths {
		s.FilePaths[normalize.FilePath(k, homeDir)] = v
	}
	return s
}

// Save atomically writes the store to path. Failure is logged by the
// caller and otherwise ignored (fail-open, spec §7 failure mode 6).
func (s *Store) Save(path string) error {
	if err := statedir.Ensure(filepath.Dir(path)); err != nil {
		return err
	}
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return statedir.AtomicWrite(path, b, 0o600)
}

// AddURL adds or replaces a URL allowlist entry, keyed by its normalized
// form. Idempotent: adding the same value twice leaves the store in the
// same state as adding it once (invariant P2).
func (s *Store) AddURL(value, reason string, original sage.Decision) {
	s.URLs[normalize.URL(value)] = Entry{AddedAt: time.Now(), Reason: reason, OriginalVerdict: original}
}

// AddCommand adds or replaces a command allowlist entry, keyed by its
// SHA-256 hash.
func (s *Store) AddCommand(value, reason string, original sage.Decision) {
	s.Commands[normalize.Command(value)] = Entry{AddedAt: time.Now(), Reason: reason, OriginalVerdict: original}
}

// AddFilePath adds or replaces a file path allowlist entry, keyed by its
// normalized form.
func (s *Store) AddFilePath(value, reason, homeDir string, original sage.Decision) {
	s.FilePaths[normalize.FilePath(value, homeDir)] = Entry{AddedAt: time.Now(), Reason: reason, OriginalVerdict: original}
}

// RemoveURL removes a URL allowlist entry by its normalized form.
func (s *Store) RemoveURL(value string) { delete(s.URLs, normalize.URL(value)) }

// RemoveCommand removes a command allowlist entry by its hash.
func (s *Store) RemoveCommand(value string) { delete(s.Commands, normalize.Command(value)) }

// RemoveFilePath removes a file path allowlist entry by its normalized
// form.
func (s *Store) RemoveFilePath(value, homeDir string) {
	delete(s.FilePaths, normalize.FilePath(value, homeDir))
}

// IsAllowlisted implements the anti-smuggling predicate (§ATK-01,
// invariant P4): true only when any command artifact's hash is a key in
// Commands, or any file_path artifact's normalized form is a key in
// FilePaths, or the artifact list is non-empty and every artifact is a
// url and every one of those urls normalizes into URLs. Mixing an
// allowlisted URL with any non-URL artifact, or with even one
// non-allowlisted URL, never short-circuits.
func (s *Store) IsAllowlisted(artifacts []sage.Artifact, homeDir string) bool {
	for _, a := range artifacts {
		switch a.Type {
		case sage.ArtifactCommand:
			if _, ok := s.Commands[normalize.Command(a.Value)]; ok {
				return true
			}
		case sage.ArtifactFilePath:
			if _, ok := s.FilePaths[normalize.FilePath(a.Value, homeDir)]; ok {
				return true
			}
		}
	}

	if len(artifacts) == 0 {
		return false
	}
	for _, a := range artifacts {
		if a.Type != sage.ArtifactURL {
			return false
		}
		if _, ok := s.URLs[normalize.URL(a.Value)]; !ok {
			return false
		}
	}
	return true
}
