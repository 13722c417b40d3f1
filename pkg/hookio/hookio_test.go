package hookio

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"golang.org/x/text/encoding/unicode"

	"github.com/avast/sage"
)

func TestReadRequestUTF8(t *testing.T) {
	in := strings.NewReader(`{"session_id":"s1","tool_name":"Bash","tool_input":{"command":"echo hi"}}`)
	req, err := ReadRequest(in)
	if err != nil {
		t.Fatalf("ReadRequest: %v", err)
	}
	if req.ToolName != "Bash" || req.SessionID != "s1" {
		t.Errorf("got %+v", req)
	}
}

func TestReadRequestUTF16LE(t *testing.T) {
	encoder := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewEncoder()
	encoded, err := encoder.Bytes([]byte(`{"tool_name":"WebFetch","tool_input":{"url":"https://example.com"}}`))
	if err != nil {
		t.Fatalf("encode utf16: %v", err)
	}

	req, err := ReadRequest(bytes.NewReader(encoded))
	if err != nil {
		t.Fatalf("ReadRequest: %v", err)
	}
	if req.ToolName != "WebFetch" {
		t.Errorf("got %+v", req)
	}
}

func TestReadRequestGarbageErrors(t *testing.T) {
	if _, err := ReadRequest(strings.NewReader("not json at all \x00\x01")); err == nil {
		t.Error("expected an error for unparsable stdin")
	}
}

func TestClaudeResponseAllowIsEmptyObject(t *testing.T) {
	out := ClaudeResponse(sage.NewAllowVerdict("no_artifacts"), "PreToolUse")
	b, _ := json.Marshal(out)
	if string(b) != "{}" {
		t.Errorf("got %s, want {}", b)
	}
}

func TestClaudeResponseDeny(t *testing.T) {
	v := sage.NewVerdict(sage.DecisionDeny, sage.SeverityCritical, "heuristic", "supply-chain", "CLT-CMD-001", 0.9, []string{"curl pipe to shell"}, nil)
	out := ClaudeResponse(v, "PreToolUse")
	if out.HookSpecificOutput == nil || out.HookSpecificOutput.PermissionDecision != "deny" {
		t.Errorf("got %+v", out)
	}
}

func TestCursorPreToolUseDegradesAskToDeny(t *testing.T) {
	v := sage.NewVerdict(sage.DecisionAsk, sage.SeverityWarning, "heuristic", "cat", "", 0.5, []string{"review this"}, nil)
	out := CursorPreToolUseResponse(v)
	if out.Decision != "deny" {
		t.Errorf("got %q, want deny (preToolUse has no ask state)", out.Decision)
	}
}

func TestCursorBeforeEventRepresentsAsk(t *testing.T) {
	v := sage.NewVerdict(sage.DecisionAsk, sage.SeverityWarning, "heuristic", "cat", "", 0.5, []string{"review this"}, nil)
	out := CursorBeforeEventResponse(v)
	if out.Permission != "ask" {
		t.Errorf("got %q, want ask", out.Permission)
	}
}

func TestOpenClawAskCarriesActionID(t *testing.T) {
	v := sage.NewVerdict(sage.DecisionAsk, sage.SeverityWarning, "heuristic", "cat", "", 0.5, []string{"review this"}, nil)
	out := OpenClawResponse(v, "abc123")
	if !out.Block || out.ActionID != "abc123" {
		t.Errorf("got %+v", out)
	}
}

func TestOpenClawAllowIsEmpty(t *testing.T) {
	out := OpenClawResponse(sage.NewAllowVerdict("no_artifacts"), "")
	if out.Block || out.ActionID != "" {
		t.Errorf("got %+v", out)
	}
}
