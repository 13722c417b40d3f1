package pkgcheck

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/avast/sage"
)

func TestExtractFromCommandNpm(t *testing.T) {
	got := ExtractFromCommand("npm install qqq-sage-test-nonexistent-pkg")
	want := []sage.Package{{Name: "qqq-sage-test-nonexistent-pkg", Registry: sage.RegistryNPM}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestExtractFromCommandSkipsScoped(t *testing.T) {
	got := ExtractFromCommand("npm install @scope/pkg left-pad")
	want := []sage.Package{{Name: "left-pad", Registry: sage.RegistryNPM}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestExtractFromCommandPip(t *testing.T) {
	got := ExtractFromCommand("pip install requests==2.31.0")
	want := []sage.Package{{Name: "requests", Registry: sage.RegistryPyPI, Version: "2.31.0"}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestExtractFromManifestPackageJSON(t *testing.T) {
	content := `{"dependencies":{"left-pad":"^1.3.0"},"devDependencies":{"@scope/pkg":"^1.0.0"}}`
	got := ExtractFromManifest("package.json", content)
	if len(got) != 1 || got[0].Name != "left-pad" || got[0].Version != "1.3.0" {
		t.Errorf("got %+v", got)
	}
}

func TestExtractFromManifestRequirementsTxt(t *testing.T) {
	content := "# comment\nrequests==2.31.0\nflask\n"
	got := ExtractFromManifest("requirements.txt", content)
	if len(got) != 2 {
		t.Fatalf("got %d packages, want 2: %+v", len(got), got)
	}
}

func TestExtractFromManifestUnknownFile(t *testing.T) {
	got := ExtractFromManifest("README.md", "hello")
	if got != nil {
		t.Errorf("expected nil for unrecognized manifest, got %+v", got)
	}
}
