// Command sagectl is the operator CLI for Sage's file-backed state: the
// allowlist, the verdict cache, and the ask/approve lifecycle. It has no
// server component and no stdin contract of its own (unlike cmd/sage and
// cmd/sage-plugin-scan) — every subcommand reads, mutates, and atomically
// rewrites the same on-disk stores the hook entry points use.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/avast/sage"
	"github.com/avast/sage/internal/allowlist"
	"github.com/avast/sage/internal/approval"
	"github.com/avast/sage/internal/audit"
	"github.com/avast/sage/internal/sageconfig"
	"github.com/avast/sage/internal/statedir"
	"github.com/avast/sage/internal/verdictcache"
)

type subcmd func(ctx context.Context, stateDir string, args []string) error

func main() {
	fs := flag.NewFlagSet("sagectl", flag.ExitOnError)
	stateDir := fs.String("state-dir", "", "Sage state directory, defaults to ~/.sage")
	fs.Usage = func() {
		out := fs.Output()
		fmt.Fprintf(out, "Usage: %s [-state-dir dir] <subcommand> [args]\n\n", os.Args[0])
		fmt.Fprintln(out, "Subcommands:")
		fmt.Fprintln(out, "  allowlist add url|command|path <value> [reason]    add an allowlist entry")
		fmt.Fprintln(out, "  allowlist remove url|command|path <value>          remove an allowlist entry")
		fmt.Fprintln(out, "  allowlist list                                     print every allowlist entry as JSON")
		fmt.Fprintln(out, "  approve <session-id> <tool-use-id>                 consume a pending ask into an allowlist entry")
		fmt.Fprintln(out, "  cache inspect                                      print every cached verdict as JSON")
		fmt.Fprintln(out, "  cache clear                                        wipe the verdict cache")
		fmt.Fprintln(out, "  audit tail [n]                                     print the last n audit entries (default 20, 0 for all)")
		fmt.Fprintln(out, "  config show                                        print the effective config as JSON")
	}
	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(2)
	}

	dir := *stateDir
	if dir == "" {
		dir = statedir.Default()
	}

	var cmd subcmd
	switch fs.Arg(0) {
	case "allowlist":
		cmd = allowlistCmd
	case "approve":
		cmd = approveCmd
	case "cache":
		cmd = cacheCmd
	case "audit":
		cmd = auditCmd
	case "config":
		cmd = configCmd
	case "":
		fs.Usage()
		os.Exit(2)
	default:
		fmt.Fprintf(os.Stderr, "unknown subcommand %q\n\n", fs.Arg(0))
		fs.Usage()
		os.Exit(2)
	}

	if err := cmd(context.Background(), dir, fs.Args()[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "sagectl:", err)
		os.Exit(1)
	}
}

func homeDir() string {
	h, _ := os.UserHomeDir()
	return h
}

func configPath(stateDir string) string { return filepath.Join(stateDir, "config.json") }

// allowlistCmd dispatches the add|remove|list verbs over C6's store.
func allowlistCmd(_ context.Context, stateDir string, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: allowlist add|remove|list ...")
	}
	switch args[0] {
	case "add":
		return allowlistAdd(stateDir, args[1:])
	case "remove":
		return allowlistRemove(stateDir, args[1:])
	case "list":
		return allowlistList(stateDir, args[1:])
	default:
		return fmt.Errorf("unknown allowlist verb %q (want add, remove, or list)", args[0])
	}
}

func allowlistAdd(stateDir string, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: allowlist add <url|command|path> <value> [reason]")
	}
	kind, value := args[0], args[1]
	reason := "manually allowlisted via sagectl"
	if len(args) > 2 {
		reason = strings.Join(args[2:], " ")
	}

	cfg := sageconfig.Load(configPath(stateDir), homeDir())
	al := allowlist.Load(cfg.Allowlist.Path, homeDir())
	switch kind {
	case "url":
		al.AddURL(value, reason, sage.DecisionAsk)
	case "command":
		al.AddCommand(value, reason, sage.DecisionAsk)
	case "path":
		al.AddFilePath(value, reason, homeDir(), sage.DecisionAsk)
	default:
		return fmt.Errorf("unknown allowlist kind %q (want url, command, or path)", kind)
	}
	return al.Save(cfg.Allowlist.Path)
}

func allowlistRemove(stateDir string, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: allowlist remove <url|command|path> <value>")
	}
	kind, value := args[0], args[1]

	cfg := sageconfig.Load(configPath(stateDir), homeDir())
	al := allowlist.Load(cfg.Allowlist.Path, homeDir())
	switch kind {
	case "url":
		al.RemoveURL(value)
	case "command":
		al.RemoveCommand(value)
	case "path":
		al.RemoveFilePath(value, homeDir())
	default:
		return fmt.Errorf("unknown allowlist kind %q (want url, command, or path)", kind)
	}
	return al.Save(cfg.Allowlist.Path)
}

// allowlistList prints every entry across the three allowlist kinds as a
// single JSON object, for operator inspection without reading the file
// directly (spec §4.11's ask→allowlist-add bridge, browsed from the CLI).
func allowlistList(stateDir string, _ []string) error {
	cfg := sageconfig.Load(configPath(stateDir), homeDir())
	al := allowlist.Load(cfg.Allowlist.Path, homeDir())
	out := struct {
		URLs      map[string]allowlist.Entry `json:"urls"`
		Commands  map[string]allowlist.Entry `json:"commands"`
		FilePaths map[string]allowlist.Entry `json:"file_paths"`
	}{al.URLs, al.Commands, al.FilePaths}
	b, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}

// approveCmd consumes a pending ask recorded by cmd/sage and folds its
// artifacts into the allowlist, so the next occurrence of the same
// command/url/path is allowed outright rather than asked about again. This
// is the operator-CLI half of C12; the one-shot consumed-approval window
// cmd/sage's evaluator checks is the same Store this call writes to.
func approveCmd(_ context.Context, stateDir string, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: approve <session-id> <tool-use-id>")
	}
	sessionID, toolUseID := args[0], args[1]
	now := time.Now()

	store := approval.Load(stateDir, sessionID)
	entry, ok := store.ConsumePending(toolUseID, now)
	if !ok {
		return fmt.Errorf("no pending approval for session %s tool-use %s (it may have already expired or been consumed)", sessionID, toolUseID)
	}
	if err := store.Save(stateDir, sessionID); err != nil {
		return err
	}

	cfg := sageconfig.Load(configPath(stateDir), homeDir())
	al := allowlist.Load(cfg.Allowlist.Path, homeDir())
	reason := entry.ThreatTitle
	if reason == "" {
		reason = "approved via sagectl"
	}
	for _, a := range entry.Artifacts {
		switch a.Type {
		case sage.ArtifactURL:
			al.AddURL(a.Value, reason, sage.DecisionAsk)
		case sage.ArtifactCommand:
			al.AddCommand(a.Value, reason, sage.DecisionAsk)
		case sage.ArtifactFilePath:
			al.AddFilePath(a.Value, reason, homeDir(), sage.DecisionAsk)
		}
	}
	return al.Save(cfg.Allowlist.Path)
}

func cacheCmd(_ context.Context, stateDir string, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: cache inspect|clear")
	}
	cfg := sageconfig.Load(configPath(stateDir), homeDir())
	switch args[0] {
	case "clear":
		return verdictcache.New().Save(cfg.Cache.Path)
	case "inspect":
		urls, commands, packages := verdictcache.Load(cfg.Cache.Path).Snapshot()
		out := struct {
			URLs     map[string]verdictcache.Entry `json:"urls"`
			Commands map[string]verdictcache.Entry `json:"commands"`
			Packages map[string]verdictcache.Entry `json:"packages"`
		}{urls, commands, packages}
		b, err := json.MarshalIndent(out, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(b))
		return nil
	default:
		return fmt.Errorf("unknown cache verb %q (want inspect or clear)", args[0])
	}
}

// auditCmd prints the last n entries of the audit JSONL (C14) as one
// summary line each, a minimal operator-convenience reader alongside the
// raw file.
func auditCmd(_ context.Context, stateDir string, args []string) error {
	if len(args) < 1 || args[0] != "tail" {
		return fmt.Errorf("usage: audit tail [n]")
	}
	n := 20
	if len(args) > 1 {
		v, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid count %q: %w", args[1], err)
		}
		n = v
	}

	cfg := sageconfig.Load(configPath(stateDir), homeDir())
	entries, err := audit.Tail(cfg.Logging.Path, n)
	if err != nil {
		return err
	}
	for _, e := range entries {
		fmt.Printf("%s  %-8s %-8s %-20s %s\n",
			e.Timestamp.Format(time.RFC3339), e.Verdict, e.Severity, e.ToolName, e.ToolInputSummary)
	}
	return nil
}

func configCmd(_ context.Context, stateDir string, args []string) error {
	if len(args) < 1 || args[0] != "show" {
		return fmt.Errorf("usage: config show")
	}
	cfg := sageconfig.Load(configPath(stateDir), homeDir())
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}
