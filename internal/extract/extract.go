// Package extract implements C2: turning a host adapter's tool-call
// payload into an ordered, de-duplicated artifact list. Each tool gets its
// own small extractor function; the hook entry point (cmd/sage's
// buildArtifacts) decides which one to call based on the tool name the
// adapter already mapped.
package extract

import (
	"bufio"
	"regexp"
	"strings"

	"github.com/avast/sage"
	"github.com/avast/sage/internal/normalize"
)

// ContentCap is the maximum number of bytes of Write/Edit/Read content
// considered for heuristic and URL extraction (Open Question Q1).
// Payloads beyond this are silently truncated; Sage does not stream or
// report truncation today.
const ContentCap = 64 * 1024

var urlPattern = regexp.MustCompile(`https?://[^\s"'<>\x60]+`)

// URLs returns every literal URL found in s, trimmed of trailing
// punctuation that is almost never part of the URL itself (closing
// parens/brackets, sentence-ending punctuation). Exported for reuse by
// internal/heuristic's trusted-domain suppression, which must run the
// same extraction over a matched substring (spec §4.5/P5).
func URLs(s string) []string {
	matches := urlPattern.FindAllString(s, -1)
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, strings.TrimRight(m, ".,;:)]}\"'"))
	}
	return out
}

func cap64(s string) string {
	if len(s) > ContentCap {
		return s[:ContentCap]
	}
	return s
}

// dedup removes artifacts with a duplicate (Type, Value) pair, keeping the
// first occurrence and its original order (spec §4.2: "SHOULD be
// de-duplicated on (type,value) within one call").
func dedup(artifacts []sage.Artifact) []sage.Artifact {
	seen := make(map[sage.ArtifactType]map[string]bool)
	out := make([]sage.Artifact, 0, len(artifacts))
	for _, a := range artifacts {
		if a.Value == "" {
			continue
		}
		byVal, ok := seen[a.Type]
		if !ok {
			byVal = make(map[string]bool)
			seen[a.Type] = byVal
		}
		if byVal[a.Value] {
			continue
		}
		byVal[a.Value] = true
		out = append(out, a)
	}
	return out
}

func urlArtifacts(s, context string) []sage.Artifact {
	var out []sage.Artifact
	for _, u := range URLs(s) {
		out = append(out, sage.NewURLArtifact(normalize.URL(u), context))
	}
	return out
}

// Bash extracts one command artifact carrying the full command text,
// including heredoc bodies (they MUST NOT be stripped: the heredoc body is
// executable and is part of what the heuristics engine must see to catch
// ATK-05), plus one url artifact per literal URL found anywhere in the
// command text, heredoc bodies included.
func Bash(command string) []sage.Artifact {
	out := []sage.Artifact{sage.NewCommandArtifact(command, "bash")}
	out = append(out, urlArtifacts(command, "bash")...)
	return dedup(out)
}

// WebFetch extracts a single url artifact.
func WebFetch(url string) []sage.Artifact {
	return dedup([]sage.Artifact{sage.NewURLArtifact(normalize.URL(url), "webfetch")})
}

// Write extracts a normalized file_path artifact, a content artifact
// (capped at ContentCap), and any URLs found in the content.
func Write(homeDir, path, content string) []sage.Artifact {
	content = cap64(content)
	out := []sage.Artifact{
		sage.NewFilePathArtifact(normalize.FilePath(path, homeDir), "write"),
		sage.NewContentArtifact(content, "write"),
	}
	out = append(out, urlArtifacts(content, "write")...)
	return dedup(out)
}

// Edit extracts the same shape as Write, from the edit's new string.
func Edit(homeDir, path, newString string) []sage.Artifact {
	newString = cap64(newString)
	out := []sage.Artifact{
		sage.NewFilePathArtifact(normalize.FilePath(path, homeDir), "edit"),
		sage.NewContentArtifact(newString, "edit"),
	}
	out = append(out, urlArtifacts(newString, "edit")...)
	return dedup(out)
}

// Read extracts a normalized file_path artifact, and — when content is
// present, e.g. the adapter echoes back what was read — a content artifact
// plus any URLs found in it.
func Read(homeDir, path, content string) []sage.Artifact {
	out := []sage.Artifact{sage.NewFilePathArtifact(normalize.FilePath(path, homeDir), "read")}
	if content != "" {
		content = cap64(content)
		out = append(out, sage.NewContentArtifact(content, "read"))
		out = append(out, urlArtifacts(content, "read")...)
	}
	return dedup(out)
}

var diffHeaderPattern = regexp.MustCompile(`^(?:---|\+\+\+) (?:a/|b/)?(\S+)`)

// ApplyPatch parses a unified diff's "--- a/<path>" / "+++ b/<path>"
// headers and emits one file_path artifact per distinct path, excluding
// "/dev/null". It does not extract URLs or content from the patch body
// (Open Question Q2): the reference implementation has this blind spot
// and this port keeps it rather than guessing an extended contract.
func ApplyPatch(patch string) []sage.Artifact {
	var out []sage.Artifact
	sc := bufio.NewScanner(strings.NewReader(patch))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "--- ") && !strings.HasPrefix(line, "+++ ") {
			continue
		}
		m := diffHeaderPattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		path := m[1]
		if path == "/dev/null" || path == "dev/null" {
			continue
		}
		out = append(out, sage.NewFilePathArtifact(path, "apply_patch"))
	}
	return dedup(out)
}
