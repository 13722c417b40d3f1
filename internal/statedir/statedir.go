// Package statedir resolves Sage's platform-appropriate state directory
// and implements the atomic-write discipline every mutable state file
// (allowlist, verdict cache, plugin scan cache, approvals) depends on.
// Grounded on claircore's toolkit/spool Arena/File temp-file allocation
// idiom and libvuln/jsonblob's spool-then-commit pattern for disk-backed
// stores.
package statedir

import (
	"crypto/rand"
	"encoding/hex"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// Default returns the default state directory, "~/.sage". Callers should
// treat a resolution failure (no home directory) as "use the current
// working directory" rather than aborting, consistent with Sage's
// fail-open posture.
func Default() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".sage"
	}
	return filepath.Join(home, ".sage")
}

// Ensure creates dir (and parents) with 0700 permissions if it doesn't
// already exist.
func Ensure(dir string) error {
	return os.MkdirAll(dir, 0o700)
}

// AtomicWrite writes data to path by first writing to a randomly-suffixed
// temp file in the same directory with the given mode, then renaming it
// over path. On rename failure the temp file is removed. The random
// suffix is drawn from crypto/rand rather than math/rand because multiple
// concurrent Sage processes may race to write the same path.
func AtomicWrite(path string, data []byte, mode fs.FileMode) error {
	dir := filepath.Dir(path)
	tmp := filepath.Join(dir, filepath.Base(path)+"."+randSuffix()+".tmp")
	if err := os.WriteFile(tmp, data, mode); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

func randSuffix() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand failing is exceptionally unlikely; fall back to a
		// timestamp so AtomicWrite never panics.
		return hex.EncodeToString([]byte(time.Now().String()))[:16]
	}
	return hex.EncodeToString(b[:])
}

// PruneStaleTemp removes any "*.tmp" file in dir whose modtime is older
// than maxAge, cleaning up after crashed processes that never reached the
// rename step. Called once at hook startup.
func PruneStaleTemp(dir string, maxAge time.Duration) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	cutoff := time.Now().Add(-maxAge)
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		name := ent.Name()
		if filepath.Ext(name) != ".tmp" {
			continue
		}
		info, err := ent.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			os.Remove(filepath.Join(dir, name))
		}
	}
}
