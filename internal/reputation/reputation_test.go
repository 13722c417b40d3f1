package reputation

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/avast/sage"
)

func TestCheckURLsMalicious(t *testing.T) {
	const template = `{"answers":[` +
		`{"url":"http://evil.example/payload.sh","result":{"success":{"classification":{"result":{"malicious":{"findings":[{"severity_name":"SEVERITY_HIGH","type_name":"MALWARE"}]}}}}}},` +
		`{"url":"http://safe.example/","result":{"success":{"classification":{"result":{"flags":[]}}}}}` +
		`]}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(template))
	}))
	defer srv.Close()

	c := NewClient(srv.Client())
	got := c.CheckURLs(context.Background(), srv.URL, []string{"http://evil.example/payload.sh", "http://safe.example/"}, 5*time.Second)
	if len(got) != 2 {
		t.Fatalf("got %d results, want 2", len(got))
	}
	var malicious, clean bool
	for _, r := range got {
		if r.URL == "http://evil.example/payload.sh" && r.IsMalicious {
			malicious = true
		}
		if r.URL == "http://safe.example/" && !r.IsMalicious {
			clean = true
		}
	}
	if !malicious || !clean {
		t.Errorf("got %+v", got)
	}
}

func TestCheckURLsFailsOpenOnServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.Client())
	got := c.CheckURLs(context.Background(), srv.URL, []string{"http://example.com/"}, 5*time.Second)
	if got != nil {
		t.Errorf("expected nil (fail-open) result, got %+v", got)
	}
}

func TestCheckURLsEmptyEndpointNoop(t *testing.T) {
	c := NewClient(nil)
	got := c.CheckURLs(context.Background(), "", []string{"http://example.com/"}, time.Second)
	if got != nil {
		t.Errorf("expected nil, got %+v", got)
	}
}

func TestCheckPackageSSRFGuard(t *testing.T) {
	c := NewClient(nil)
	meta, err := c.CheckPackage(context.Background(), sage.RegistryNPM, "../etc/passwd", "", time.Second)
	if err != nil || meta != nil {
		t.Errorf("expected (nil, nil) for path-traversal name, got (%+v, %v)", meta, err)
	}
}

func TestChunk(t *testing.T) {
	items := []string{"a", "b", "c", "d", "e"}
	got := chunk(items, 2)
	if len(got) != 3 || len(got[0]) != 2 || len(got[2]) != 1 {
		t.Errorf("chunk() = %+v", got)
	}
}
