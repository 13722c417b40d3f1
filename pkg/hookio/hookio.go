// Package hookio defines the stdin request shape every host adapter
// normalizes a tool call into, and the stdout response shapes the
// Claude Code, Cursor, and OpenClaw/OpenCode hosts each expect back
// (spec §6). These are data-only contracts: no host-specific logic lives
// here, only the JSON shapes and the UTF-8/UTF-16LE stdin decoding every
// adapter needs.
package hookio

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"golang.org/x/text/encoding/unicode"

	"github.com/avast/sage"
)

// Request is the hook-call contract: every host adapter has already
// mapped its native payload down to this shape before Sage sees it.
type Request struct {
	SessionID string         `json:"session_id,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
	ToolName  string         `json:"tool_name"`
	ToolInput map[string]any `json:"tool_input"`
}

// ReadRequest reads r fully and decodes a Request, trying UTF-8 first
// and UTF-16LE second (stripping a BOM from either), since a Windows
// host adapter may deliver either encoding on stdin (spec §6).
func ReadRequest(r io.Reader) (Request, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return Request{}, fmt.Errorf("hookio: read stdin: %w", err)
	}

	var req Request
	if err := json.Unmarshal(stripUTF8BOM(data), &req); err == nil {
		return req, nil
	}

	decoded, decErr := decodeUTF16LE(data)
	if decErr != nil {
		return Request{}, fmt.Errorf("hookio: decode stdin: %w", err)
	}
	if err := json.Unmarshal(decoded, &req); err != nil {
		return Request{}, fmt.Errorf("hookio: parse stdin: %w", err)
	}
	return req, nil
}

func stripUTF8BOM(b []byte) []byte {
	return bytes.TrimPrefix(b, []byte{0xEF, 0xBB, 0xBF})
}

func decodeUTF16LE(b []byte) ([]byte, error) {
	decoder := unicode.UTF16(unicode.LittleEndian, unicode.UseBOM).NewDecoder()
	return decoder.Bytes(b)
}

// Host selects which response shape Encode produces.
type Host string

const (
	HostClaude            Host = "claude"
	HostCursorPreToolUse   Host = "cursor-pretooluse"
	HostCursorBeforeEvent  Host = "cursor-before"
	HostOpenClawOpenCode   Host = "openclaw"
)

// ClaudeOutput is the Claude Code hook response shape: `{}` for allow,
// otherwise a hookSpecificOutput envelope carrying the decision.
type ClaudeOutput struct {
	HookSpecificOutput *claudeHookSpecificOutput `json:"hookSpecificOutput,omitempty"`
}

type claudeHookSpecificOutput struct {
	HookEventName            string `json:"hookEventName"`
	PermissionDecision       string `json:"permissionDecision"`
	PermissionDecisionReason string `json:"permissionDecisionReason"`
}

// ClaudeResponse builds the Claude-style response for a Verdict.
func ClaudeResponse(v sage.Verdict, hookEventName string) ClaudeOutput {
	if v.Decision == sage.DecisionAllow {
		return ClaudeOutput{}
	}
	decision := "ask"
	if v.Decision == sage.DecisionDeny {
		decision = "deny"
	}
	return ClaudeOutput{HookSpecificOutput: &claudeHookSpecificOutput{
		HookEventName:            hookEventName,
		PermissionDecision:       decision,
		PermissionDecisionReason: strings.Join(v.Reasons, "; "),
	}}
}

// CursorPreToolUseOutput is Cursor's preToolUse hook response. This shape
// has no "ask" state; an ask Verdict degrades to deny here (fail-safe,
// since a silent allow would drop the approval requirement entirely) —
// hosts wanting an ask/ui flow should use the before-event shape instead.
type CursorPreToolUseOutput struct {
	Decision string `json:"decision"`
	Reason   string `json:"reason,omitempty"`
}

// CursorPreToolUseResponse builds the Cursor preToolUse response.
func CursorPreToolUseResponse(v sage.Verdict) CursorPreToolUseOutput {
	if v.Decision == sage.DecisionAllow {
		return CursorPreToolUseOutput{Decision: "allow"}
	}
	return CursorPreToolUseOutput{Decision: "deny", Reason: strings.Join(v.Reasons, "; ")}
}

// CursorBeforeEventOutput is Cursor's before-event hook response, the one
// shape that can represent ask directly.
type CursorBeforeEventOutput struct {
	Permission   string `json:"permission"`
	UserMessage  string `json:"user_message,omitempty"`
	AgentMessage string `json:"agent_message,omitempty"`
}

// CursorBeforeEventResponse builds the Cursor before-event response.
func CursorBeforeEventResponse(v sage.Verdict) CursorBeforeEventOutput {
	permission := "allow"
	switch v.Decision {
	case sage.DecisionDeny:
		permission = "deny"
	case sage.DecisionAsk:
		permission = "ask"
	}
	msg := strings.Join(v.Reasons, "; ")
	return CursorBeforeEventOutput{Permission: permission, UserMessage: msg, AgentMessage: msg}
}

// OpenClawOutput is the OpenClaw/OpenCode in-process response shape.
type OpenClawOutput struct {
	Block       bool   `json:"block,omitempty"`
	BlockReason string `json:"blockReason,omitempty"`
	ActionID    string `json:"actionId,omitempty"`
}

// OpenClawResponse builds the OpenClaw/OpenCode response. actionID is
// embedded only on ask, per spec §6, so the host can later resolve the
// approval via C12.
func OpenClawResponse(v sage.Verdict, actionID string) OpenClawOutput {
	if v.Decision == sage.DecisionAllow {
		return OpenClawOutput{}
	}
	out := OpenClawOutput{Block: true, BlockReason: strings.Join(v.Reasons, "; ")}
	if v.Decision == sage.DecisionAsk {
		out.ActionID = actionID
	}
	return out
}

// Encode writes the response for host to w as one line of JSON.
func Encode(w io.Writer, host Host, v sage.Verdict, hookEventName, actionID string) error {
	var payload any
	switch host {
	case HostCursorPreToolUse:
		payload = CursorPreToolUseResponse(v)
	case HostCursorBeforeEvent:
		payload = CursorBeforeEventResponse(v)
	case HostOpenClawOpenCode:
		payload = OpenClawResponse(v, actionID)
	default:
		payload = ClaudeResponse(v, hookEventName)
	}
	return json.NewEncoder(w).Encode(payload)
}
