// Package audit implements C14: the append-only JSONL audit trail of
// verdicts and plugin scans, distinct from Sage's own ambient operational
// logging (zerolog, to stderr). Grounded on claircore-adjacent log
// rotation idioms (shift-and-rename backup chains) rather than any
// claircore package directly, since claircore itself has no audit-log
// analogue; the rotation chain mirrors the same "N, N-1, ..., 1, active"
// shift a number of the retrieval-pack examples implement for their own
// rotating logs.
package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/avast/sage"
)

// Entry is one line of the audit JSONL, spec §4.13.
type Entry struct {
	Type             string          `json:"type"`
	Timestamp        time.Time       `json:"timestamp"`
	SessionID        string          `json:"session_id,omitempty"`
	ToolName         string          `json:"tool_name,omitempty"`
	ToolInputSummary string          `json:"tool_input_summary,omitempty"`
	Artifacts        []sage.Artifact `json:"artifacts,omitempty"`
	Verdict          sage.Decision   `json:"verdict"`
	Severity         sage.Severity   `json:"severity"`
	Reasons          []string        `json:"reasons,omitempty"`
	Source           string          `json:"source,omitempty"`
	UserOverride     bool            `json:"user_override,omitempty"`
}

const (
	TypeVerdict    = "verdict"
	TypePluginScan = "plugin_scan"
)

const summaryCap = 200

// Logger appends Entry values to a rotating JSONL file.
type Logger struct {
	Path     string
	MaxBytes int64
	MaxFiles int
	LogClean bool
}

// ShouldLog reports whether an allow verdict should be recorded: allow
// verdicts are skipped unless log_clean is set or the verdict reflects a
// user override (spec §4.13), so a quiet session doesn't fill the audit
// log with noise, while an operator can still opt into full visibility.
func (l *Logger) ShouldLog(decision sage.Decision, userOverride bool) bool {
	if decision != sage.DecisionAllow {
		return true
	}
	return l.LogClean || userOverride
}

// Append writes e as one JSON line, rotating the active file first if it
// has reached MaxBytes. Failure is the caller's to swallow (spec §7
// kind 6: atomic write failure is logged, not propagated as a fatal
// error) — Append itself still returns the error so the caller can choose
// to log it.
func (l *Logger) Append(e Entry) error {
	if l.Path == "" {
		return nil
	}
	if err := l.rotateIfNeeded(); err != nil {
		return fmt.Errorf("audit: rotate: %w", err)
	}
	f, err := os.OpenFile(l.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("audit: open: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	if err := enc.Encode(e); err != nil {
		return fmt.Errorf("audit: encode: %w", err)
	}
	return w.Flush()
}

// rotateIfNeeded shifts .N-1 -> .N down to .1, renaming the active file
// to .1, when it has reached MaxBytes. max_bytes=0 or max_files=0
// disables rotation entirely (spec §4.13).
func (l *Logger) rotateIfNeeded() error {
	if l.MaxBytes <= 0 || l.MaxFiles <= 0 {
		return nil
	}
	info, err := os.Stat(l.Path)
	if err != nil {
		return nil // nothing to rotate yet
	}
	if info.Size() < l.MaxBytes {
		return nil
	}

	oldest := fmt.Sprintf("%s.%d", l.Path, l.MaxFiles)
	if err := os.Remove(oldest); err != nil && !os.IsNotExist(err) {
		return err
	}
	for i := l.MaxFiles - 1; i >= 1; i-- {
		src := fmt.Sprintf("%s.%d", l.Path, i)
		dst := fmt.Sprintf("%s.%d", l.Path, i+1)
		if _, err := os.Stat(src); err != nil {
			continue
		}
		if err := os.Rename(src, dst); err != nil {
			return err
		}
	}
	return os.Rename(l.Path, l.Path+".1")
}

// Tail reads the last n entries (0 for all) of the active JSONL file at
// path, in file order. A missing file yields no entries, no error: an
// operator running this before anything has been logged isn't a failure.
func Tail(path string, n int) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("audit: open: %w", err)
	}
	defer f.Close()

	var entries []Entry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	if err := sc.Err(); err != nil {
		return entries, fmt.Errorf("audit: scan: %w", err)
	}
	if n > 0 && len(entries) > n {
		entries = entries[len(entries)-n:]
	}
	return entries, nil
}

// Summarize builds tool_input_summary per spec §4.13's per-tool rule,
// truncated at 200 characters.
func Summarize(toolName string, toolInput map[string]any) string {
	var s string
	switch toolName {
	case "Bash":
		s, _ = toolInput["command"].(string)
	case "WebFetch":
		s, _ = toolInput["url"].(string)
	case "Write", "Edit":
		s, _ = toolInput["file_path"].(string)
	default:
		b, err := json.Marshal(toolInput)
		if err == nil {
			s = string(b)
		}
	}
	return truncate(s, summaryCap)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	// Cut at the rune boundary nearest n so a truncated multi-byte
	// character doesn't produce invalid UTF-8.
	cut := n
	for cut > 0 && !isRuneStart(s[cut]) {
		cut--
	}
	return strings.TrimSpace(s[:cut])
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}
