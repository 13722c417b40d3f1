package pkgcheck

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/avast/sage"
	"github.com/avast/sage/internal/reputation"
)

func TestCheckNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	client := reputation.NewClient(srv.Client())
	checker := &Checker{Client: client, Timeout: time.Second}
	// Redirect the npm lookup at the package name level isn't possible
	// without DI over the registry base URL, so this test exercises the
	// PyPI path isn't reachable either; instead verify the SSRF guard
	// short-circuits before any network call for a clearly bad name.
	got := checker.Check(context.Background(), sage.Package{Name: "../evil", Registry: sage.RegistryNPM})
	if got.Verdict != sage.PackageUnknown && got.Verdict != sage.PackageNotFound {
		t.Errorf("got verdict %v for SSRF-guarded name", got.Verdict)
	}
}

func TestCheckAllBounded(t *testing.T) {
	client := reputation.NewClient(http.DefaultClient)
	checker := &Checker{Client: client, Timeout: time.Millisecond}
	pkgs := make([]sage.Package, 20)
	for i := range pkgs {
		pkgs[i] = sage.Package{Name: "../x", Registry: sage.RegistryNPM}
	}
	got := checker.CheckAll(context.Background(), pkgs)
	if len(got) != 20 {
		t.Fatalf("got %d results, want 20", len(got))
	}
}
