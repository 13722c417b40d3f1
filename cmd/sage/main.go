// Command sage is the hook entry point: it reads one tool-call request on
// stdin, runs it through the evaluator, and writes the host's response
// shape to stdout. It always exits 0 (spec §7 kind 7 / invariant P9): a
// broken hook must never block the agent loop it's trying to protect.
package main

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/crgimenes/goconfig"
	"github.com/quay/zlog"
	"github.com/rs/zerolog"

	"github.com/avast/sage"
	"github.com/avast/sage/internal/approval"
	"github.com/avast/sage/internal/audit"
	"github.com/avast/sage/internal/evaluator"
	"github.com/avast/sage/internal/extract"
	"github.com/avast/sage/internal/pkgcheck"
	"github.com/avast/sage/internal/statedir"
	"github.com/avast/sage/pkg/hookio"
)

// sageVersion is set at release time via -ldflags; "dev" otherwise.
var sageVersion = "dev"

// Config is parsed from flags/environment by goconfig, following the
// teacher's cmd/libindexhttp convention.
type Config struct {
	StateDir         string `cfgDefault:"" cfg:"SAGE_STATE_DIR" cfgHelper:"Sage state directory, defaults to ~/.sage"`
	ThreatDir        string `cfgDefault:"" cfg:"SAGE_THREAT_DIR" cfgHelper:"Threat rule YAML corpus directory, defaults to <state dir>/threats"`
	TrustedDomainDir string `cfgDefault:"" cfg:"SAGE_TRUSTED_DOMAIN_DIR" cfgHelper:"Trusted domain YAML directory, defaults to <state dir>/trusted-domains"`
	Host             string `cfgDefault:"claude" cfg:"SAGE_HOST" cfgHelper:"Host adapter response shape: claude, cursor-pretooluse, cursor-before, openclaw"`
	HookEventName    string `cfgDefault:"PreToolUse" cfg:"SAGE_HOOK_EVENT_NAME"`
	LogLevel         string `cfgDefault:"warn" cfg:"SAGE_LOG_LEVEL" cfgHelper:"Log levels: debug, info, warning, error"`
}

func main() {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, NoColor: true}).With().Timestamp().Logger()

	var conf Config
	if err := goconfig.Parse(&conf); err != nil {
		log.Warn().Err(err).Msg("failed to parse config, using defaults")
	}
	log = log.Level(logLevel(conf.LogLevel))
	zlog.Set(&log)

	if conf.StateDir == "" {
		conf.StateDir = statedir.Default()
	}
	if conf.ThreatDir == "" {
		conf.ThreatDir = filepath.Join(conf.StateDir, "threats")
	}
	if conf.TrustedDomainDir == "" {
		conf.TrustedDomainDir = filepath.Join(conf.StateDir, "trusted-domains")
	}

	verdict, sessionID, toolUseID, actionID := run(context.Background(), conf, log)

	host := hookio.Host(conf.Host)
	if err := hookio.Encode(os.Stdout, host, verdict, conf.HookEventName, actionID); err != nil {
		log.Error().Err(err).Msg("failed to encode hook response")
	}

	if verdict.Decision == sage.DecisionAsk {
		recordPending(conf.StateDir, sessionID, toolUseID, verdict, log)
	}

	os.Exit(0)
}

// run does the real work, recovering from any panic into a fail-open allow
// verdict so a bug in the pipeline can never block a tool call.
func run(ctx context.Context, conf Config, log zerolog.Logger) (v sage.Verdict, sessionID, toolUseID, actionID string) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("recovered, failing open")
			v = sage.NewAllowVerdict("panic_recovered")
		}
	}()

	req, err := hookio.ReadRequest(os.Stdin)
	if err != nil {
		log.Error().Err(err).Msg("failed to read hook request, failing open")
		return sage.NewAllowVerdict("read_error"), "", "", ""
	}
	sessionID, toolUseID = req.SessionID, req.ToolUseID
	actionID = approval.ActionID(req.ToolName, req.ToolInput)

	statedir.PruneStaleTemp(conf.StateDir, 5*time.Minute)
	approval.PruneStaleFiles(conf.StateDir, time.Now())

	homeDir, _ := os.UserHomeDir()
	artifacts, packages := buildArtifacts(req.ToolName, req.ToolInput, homeDir)

	e := &evaluator.Evaluator{
		HomeDir:          homeDir,
		StateDir:         conf.StateDir,
		ThreatDir:        conf.ThreatDir,
		TrustedDomainDir: conf.TrustedDomainDir,
		SageVersion:      sageVersion,
		HTTP:             &http.Client{Timeout: 10 * time.Second},
		Log:              log,
	}

	evalReq := evaluator.Request{
		SessionID:        sessionID,
		ToolUseID:        toolUseID,
		ToolName:         req.ToolName,
		ToolInputSummary: audit.Summarize(req.ToolName, req.ToolInput),
		Artifacts:        artifacts,
		Packages:         packages,
	}
	return e.Evaluate(ctx, evalReq, time.Now()), sessionID, toolUseID, actionID
}

// buildArtifacts dispatches to the per-tool extractor in internal/extract,
// and, for tools that can carry a package install or manifest edit, also
// runs the internal/pkgcheck extractors (spec §4.2/§4.8).
func buildArtifacts(tool string, input map[string]any, homeDir string) ([]sage.Artifact, []sage.Package) {
	str := func(key string) string {
		s, _ := input[key].(string)
		return s
	}

	switch tool {
	case "Bash":
		command := str("command")
		return extract.Bash(command), pkgcheck.ExtractFromCommand(command)
	case "WebFetch":
		return extract.WebFetch(str("url")), nil
	case "Write":
		path, content := str("file_path"), str("content")
		return extract.Write(homeDir, path, content), pkgcheck.ExtractFromManifest(path, content)
	case "Edit":
		path, newString := str("file_path"), str("new_string")
		return extract.Edit(homeDir, path, newString), pkgcheck.ExtractFromManifest(path, newString)
	case "Read":
		return extract.Read(homeDir, str("file_path"), str("content")), nil
	case "ApplyPatch":
		return extract.ApplyPatch(str("patch")), nil
	default:
		return nil, nil
	}
}

// recordPending persists the ask verdict as a pending approval keyed by
// toolUseID, so a later sagectl approve call (or a same-session replay
// under the same tool_use_id) can resolve it via C12.
func recordPending(stateDir, sessionID, toolUseID string, v sage.Verdict, log zerolog.Logger) {
	if toolUseID == "" {
		return
	}
	store := approval.Load(stateDir, sessionID)
	title := ""
	if len(v.Reasons) > 0 {
		title = v.Reasons[0]
	}
	now := time.Now()
	store.AddPending(toolUseID, approval.PendingEntry{
		ThreatID:    v.MatchedThreatID,
		ThreatTitle: title,
		Artifacts:   v.Artifacts,
		AddedAt:     now,
	}, now)
	if err := store.Save(stateDir, sessionID); err != nil {
		log.Warn().Err(err).Msg("failed to persist pending approval")
	}
}

func logLevel(s string) zerolog.Level {
	if l, err := zerolog.ParseLevel(strings.ToLower(s)); err == nil {
		return l
	}
	return zerolog.WarnLevel
}
