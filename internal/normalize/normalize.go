// Package normalize implements C1: the pure, total normalizers that every
// cache key and allowlist key in Sage is built from. Writers and readers
// MUST agree, so these functions have no side effects and no fallible
// dependencies; FilePath takes the home directory as an argument rather
// than looking it up.
package normalize

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"path/filepath"
	"sort"
	"strings"
)

// URL parses s, lowercases its scheme and host, drops any fragment, sorts
// query parameters by key, and re-serializes. Path case is preserved. If s
// fails to parse as a URL, the lowercased raw string is returned instead —
// normalization never fails (invariant P1).
func URL(s string) string {
	u, err := url.Parse(s)
	if err != nil {
		return strings.ToLower(s)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.RawFragment = ""
	if u.RawQuery != "" {
		q := u.Query()
		keys := make([]string, 0, len(q))
		for k := range q {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var b strings.Builder
		for i, k := range keys {
			for j, v := range q[k] {
				if i > 0 || j > 0 {
					b.WriteByte('&')
				}
				b.WriteString(url.QueryEscape(k))
				b.WriteByte('=')
				b.WriteString(url.QueryEscape(v))
			}
		}
		u.RawQuery = b.String()
	}
	return u.String()
}

// Command returns the SHA-256 hex digest of the exact command bytes.
func Command(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// FilePath expands a leading "~" or "~/" to homeDir and collapses "." and
// ".." using pure lexical normalization (filepath.Clean); it never
// resolves symlinks and never folds case.
func FilePath(s, homeDir string) string {
	switch {
	case s == "~":
		s = homeDir
	case strings.HasPrefix(s, "~/"):
		s = filepath.Join(homeDir, s[2:])
	}
	return filepath.Clean(s)
}
