// Package sage implements the core domain types for Sage, an Agent
// Detection & Response layer sitting in front of AI coding assistants'
// tool calls.
//
// Host adapters (Claude Code, Cursor, VS Code, OpenClaw, OpenCode) invoke
// the evaluation pipeline built from the internal/ subpackages before
// executing a tool call and act on the returned Verdict.
package sage
