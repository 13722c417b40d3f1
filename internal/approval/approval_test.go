package approval

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/avast/sage"
)

func TestActionIDStable(t *testing.T) {
	params := map[string]any{"b": 2, "a": 1, "nested": map[string]any{"z": 1, "y": 2}}
	id1 := ActionID("Bash", params)
	id2 := ActionID("Bash", params)
	if id1 != id2 {
		t.Fatalf("actionId not stable: %s vs %s", id1, id2)
	}
	if ActionID("Bash", map[string]any{"a": 1}) == ActionID("Write", map[string]any{"a": 1}) {
		t.Error("different tools produced the same actionId")
	}
}

func TestAddAndConsumePending(t *testing.T) {
	s := Load(t.TempDir(), "sid-1")
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	entry := PendingEntry{
		ThreatID: "CLT-CMD-001",
		Artifacts: []sage.Artifact{
			sage.NewURLArtifact("http://evil.example/x", ""),
		},
		AddedAt: now,
	}
	s.AddPending("tool-use-1", entry, now)

	got, ok := s.ConsumePending("tool-use-1", now.Add(time.Minute))
	if !ok {
		t.Fatal("expected pending entry to be consumed")
	}
	if got.ThreatID != "CLT-CMD-001" {
		t.Errorf("got %+v", got)
	}

	if _, ok := s.ConsumePending("tool-use-1", now); ok {
		t.Error("consuming twice should fail the second time")
	}

	if !s.FindConsumed(sage.ArtifactURL, "http://evil.example/x", now.Add(time.Minute)) {
		t.Error("expected a live consumed approval for the artifact")
	}
}

func TestConsumedExpires(t *testing.T) {
	s := Load(t.TempDir(), "sid-2")
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.AddPending("tool-use-2", PendingEntry{
		Artifacts: []sage.Artifact{sage.NewCommandArtifact("npm install foo", "")},
		AddedAt:   now,
	}, now)
	s.ConsumePending("tool-use-2", now)

	if !s.FindConsumed(sage.ArtifactCommand, "npm install foo", now.Add(5*time.Minute)) {
		t.Error("expected still-live approval at 5 minutes")
	}
	if s.FindConsumed(sage.ArtifactCommand, "npm install foo", now.Add(11*time.Minute)) {
		t.Error("expected expired approval at 11 minutes")
	}
}

func TestPendingExpiresBeforeConsumption(t *testing.T) {
	s := Load(t.TempDir(), "sid-3")
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.AddPending("tool-use-3", PendingEntry{AddedAt: now}, now)

	s.AddPending("tool-use-4", PendingEntry{AddedAt: now.Add(2 * time.Hour)}, now.Add(2*time.Hour))

	if _, ok := s.ConsumePending("tool-use-3", now.Add(2*time.Hour)); ok {
		t.Error("expected tool-use-3's pending entry to have been pruned as stale")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := Load(dir, "sid-4")
	s.AddPending("tool-use-5", PendingEntry{ThreatID: "X", AddedAt: now}, now)
	if err := s.Save(dir, "sid-4"); err != nil {
		t.Fatalf("Save: %v", err)
	}

	reloaded := Load(dir, "sid-4")
	if _, ok := reloaded.ConsumePending("tool-use-5", now); !ok {
		t.Error("expected reloaded store to contain the saved pending entry")
	}
}

func TestFindConsumedAcrossSessions(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := Load(dir, "sid-5")
	s.AddPending("tool-use-6", PendingEntry{
		Artifacts: []sage.Artifact{sage.NewURLArtifact("http://cross.example/x", "")},
		AddedAt:   now,
	}, now)
	s.ConsumePending("tool-use-6", now)
	if err := s.Save(dir, "sid-5"); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if !FindConsumedAcrossSessions(dir, sage.ArtifactURL, "http://cross.example/x", now.Add(time.Minute)) {
		t.Error("expected cross-session lookup to find the approval")
	}
}

func TestPruneStaleFilesRemovesEmptyFiles(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := Load(dir, "sid-6")
	s.AddPending("tool-use-7", PendingEntry{AddedAt: now.Add(-3 * time.Hour)}, now)
	if err := s.Save(dir, "sid-6"); err != nil {
		t.Fatalf("Save: %v", err)
	}

	stalePath := PendingPath(dir, "sid-6")
	staleTime := now.Add(-3 * time.Hour)
	if err := os.Chtimes(stalePath, staleTime, staleTime); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}

	PruneStaleFiles(dir, now)

	if _, err := os.Stat(stalePath); !os.IsNotExist(err) {
		t.Errorf("expected stale all-expired pending file to be removed, err=%v", err)
	}
}

func TestPendingConsumedPathsAreDistinct(t *testing.T) {
	if PendingPath("/state", "abc") == ConsumedPath("/state", "abc") {
		t.Error("pending and consumed paths must differ")
	}
	if filepath.Base(PendingPath("/state", "abc")) != "pending-approvals-abc.json" {
		t.Errorf("unexpected pending path: %s", PendingPath("/state", "abc"))
	}
}
