// Package reputation implements C8: the URL, file-hash, and package
// registry reputation clients. Grounded on claircore's enricher clients
// (enricher/epss, enricher/kev, enricher/cvss), which share the same
// shape: build a request against a configurable endpoint, check the
// response status via checkStatus, decode, and return a neutral/empty
// result on any error. Every exported function here except CheckPackage is
// fail-open: network or decode failure never propagates as a hard error the
// evaluator has to special-case, it just yields an empty/zero result.
// CheckPackage returns an error for a registry 5xx response.
package reputation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/avast/sage"
)

const (
	// maxURLBatch is the largest number of URL-like keys sent in a single
	// reputation request (spec §4.7).
	maxURLBatch = 50
	// workers bounds per-evaluation parallelism across reputation batches
	// (§ATK-14, design note in spec §9: "use a small worker pool (e.g. 8)").
	workers int64 = 8

	productName = "sage"
)

// Client is the shared HTTP client for all three reputation checks.
type Client struct {
	HTTP           *http.Client
	ProductVersion string
}

// NewClient returns a Client using hc, or http.DefaultClient if hc is nil.
func NewClient(hc *http.Client) *Client {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{HTTP: hc, ProductVersion: "dev"}
}

type urlBatchRequest struct {
	RequestID string   `json:"request_id"`
	Product   string   `json:"product"`
	Version   string   `json:"version"`
	URLs      []string `json:"urls"`
}

type urlBatchAnswer struct {
	URL    string `json:"url"`
	Result struct {
		Success struct {
			Classification struct {
				Result struct {
					Malicious *struct {
						Findings []sage.Finding `json:"findings"`
					} `json:"malicious"`
					Flags []string `json:"flags"`
				} `json:"result"`
			} `json:"classification"`
		} `json:"success"`
	} `json:"result"`
}

type urlBatchResponse struct {
	Answers []urlBatchAnswer `json:"answers"`
}

// CheckURLs checks urls against endpoint in batches of maxURLBatch,
// dispatched with bounded parallelism. Any batch that errors (timeout,
// non-2xx, decode failure) contributes no results for its URLs — callers
// must treat a missing URL as "unknown", not "checked clean" (fail-open,
// P10).
func (c *Client) CheckURLs(ctx context.Context, endpoint string, urls []string, timeout time.Duration) []sage.URLCheckResult {
	if endpoint == "" || len(urls) == 0 {
		return nil
	}
	batches := chunk(urls, maxURLBatch)
	results := make([][]sage.URLCheckResult, len(batches))

	sem := semaphore.NewWeighted(workers)
	g, gctx := errgroup.WithContext(ctx)
	for i, batch := range batches {
		i, batch := i, batch
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				return nil
			}
			defer sem.Release(1)
			results[i] = c.checkURLBatch(gctx, endpoint, batch, timeout)
			return nil
		})
	}
	_ = g.Wait() // CheckURLs never errors: each batch fails open internally.

	var out []sage.URLCheckResult
	for _, r := range results {
		out = append(out, r...)
	}
	return out
}

func (c *Client) checkURLBatch(ctx context.Context, endpoint string, urls []string, timeout time.Duration) []sage.URLCheckResult {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(urlBatchRequest{
		RequestID: uuid.NewString(),
		Product:   productName,
		Version:   c.ProductVersion,
		URLs:      urls,
	})
	if err != nil {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept-Encoding", "gzip")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil
	}
	defer resp.Body.Close()
	if err := checkStatus(resp, http.StatusOK); err != nil {
		return nil
	}

	r, err := decodeBody(resp)
	if err != nil {
		return nil
	}

	var parsed urlBatchResponse
	if err := json.NewDecoder(r).Decode(&parsed); err != nil {
		return nil
	}

	out := make([]sage.URLCheckResult, 0, len(parsed.Answers))
	for _, a := range parsed.Answers {
		res := a.Result.Success.Classification.Result
		cr := sage.URLCheckResult{
			URL:   a.URL,
			Flags: res.Flags,
		}
		if res.Malicious != nil {
			cr.IsMalicious = true
			cr.Findings = res.Malicious.Findings
		}
		out = append(out, cr)
	}
	return out
}

type fileBatchRequest struct {
	RequestID string   `json:"request_id"`
	Hashes    []string `json:"hashes"`
}

type fileBatchAnswer struct {
	Hash     string `json:"hash"`
	Severity string `json:"severity"`
}

// CheckFiles checks hashes (SHA-256 hex digests) against endpoint,
// fail-open on any error.
func (c *Client) CheckFiles(ctx context.Context, endpoint string, hashes []string, timeout time.Duration) []sage.FileCheckResult {
	if endpoint == "" || len(hashes) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(fileBatchRequest{RequestID: uuid.NewString(), Hashes: hashes})
	if err != nil {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept-Encoding", "gzip")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil
	}
	defer resp.Body.Close()
	if err := checkStatus(resp, http.StatusOK); err != nil {
		return nil
	}
	r, err := decodeBody(resp)
	if err != nil {
		return nil
	}
	var answers []fileBatchAnswer
	if err := json.NewDecoder(r).Decode(&answers); err != nil {
		return nil
	}
	out := make([]sage.FileCheckResult, 0, len(answers))
	for _, a := range answers {
		out = append(out, sage.FileCheckResult{Hash: a.Hash, SeverityName: a.Severity})
	}
	return out
}

// PackageMeta is the registry metadata CheckPackage extracts.
type PackageMeta struct {
	ResolvedVersion        string
	LatestHash             string
	HashAlgorithm          string
	FirstReleaseDate       time.Time
	RequestedVersionFound  bool
}

// CheckPackage fetches npm or PyPI metadata for name (and, if non-empty,
// the specific version). It returns (nil, nil) for a registry 404 and for
// names rejected by the SSRF guard (containing a path separator or ".."),
// and returns an error only for a 5xx response — callers must catch that
// and fail open per spec §4.7.
func (c *Client) CheckPackage(ctx context.Context, registry sage.Registry, name, version string, timeout time.Duration) (*PackageMeta, error) {
	if strings.ContainsAny(name, "/\\") || strings.Contains(name, "..") {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	switch registry {
	case sage.RegistryNPM:
		return c.checkNPM(ctx, name, version)
	case sage.RegistryPyPI:
		return c.checkPyPI(ctx, name, version)
	default:
		return nil, nil
	}
}

func (c *Client) checkNPM(ctx context.Context, name, version string) (*PackageMeta, error) {
	encoded := name
	if strings.HasPrefix(name, "@") {
		if i := strings.Index(name, "/"); i >= 0 {
			encoded = url.PathEscape(name[:i]) + "%2F" + url.PathEscape(name[i+1:])
		}
	} else {
		encoded = url.PathEscape(name)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "https://registry.npmjs.org/"+encoded, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, nil // network failure: fail open, not a hard error
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("npm registry: %s", resp.Status)
	}
	if err := checkStatus(resp, http.StatusOK); err != nil {
		return nil, nil
	}

	var doc struct {
		Time     map[string]string `json:"time"`
		DistTags struct {
			Latest string `json:"latest"`
		} `json:"dist-tags"`
		Versions map[string]struct {
			Dist struct {
				Tarball string `json:"tarball"`
				Shasum  string `json:"shasum"`
			} `json:"dist"`
		} `json:"versions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, nil
	}

	resolved := version
	found := true
	if resolved == "" {
		resolved = doc.DistTags.Latest
	} else if _, ok := doc.Versions[resolved]; !ok {
		found = false
	}

	meta := &PackageMeta{ResolvedVersion: resolved, RequestedVersionFound: found, HashAlgorithm: "sha1"}
	if v, ok := doc.Versions[resolved]; ok {
		meta.LatestHash = v.Dist.Shasum
	}
	if ts, ok := doc.Time[resolved]; ok {
		if t, err := time.Parse(time.RFC3339, ts); err == nil {
			meta.FirstReleaseDate = t
		}
	} else if ts, ok := doc.Time["created"]; ok {
		if t, err := time.Parse(time.RFC3339, ts); err == nil {
			meta.FirstReleaseDate = t
		}
	}
	return meta, nil
}

func (c *Client) checkPyPI(ctx context.Context, name, version string) (*PackageMeta, error) {
	path := "https://pypi.org/pypi/" + url.PathEscape(name) + "/json"
	if version != "" {
		path = "https://pypi.org/pypi/" + url.PathEscape(name) + "/" + url.PathEscape(version) + "/json"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, nil
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("pypi: %s", resp.Status)
	}
	if err := checkStatus(resp, http.StatusOK); err != nil {
		return nil, nil
	}

	var doc struct {
		Info struct {
			Version string `json:"version"`
		} `json:"info"`
		Releases map[string][]struct {
			UploadTimeISO string `json:"upload_time_iso_8601"`
			Digests       struct {
				SHA256 string `json:"sha256"`
			} `json:"digests"`
		} `json:"releases"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, nil
	}

	resolved := version
	found := true
	if resolved == "" {
		resolved = doc.Info.Version
	} else if _, ok := doc.Releases[resolved]; !ok {
		found = false
	}

	meta := &PackageMeta{ResolvedVersion: resolved, RequestedVersionFound: found, HashAlgorithm: "sha256"}
	if files, ok := doc.Releases[resolved]; ok && len(files) > 0 {
		meta.LatestHash = files[0].Digests.SHA256
		if t, err := time.Parse(time.RFC3339, files[0].UploadTimeISO); err == nil {
			meta.FirstReleaseDate = t
		}
	}
	return meta, nil
}

// checkStatus reports a *sage.Error with Kind ErrUnavailable when resp's
// status isn't one of acceptable, folding in a truncated body excerpt so
// callers' fail-open log lines keep some idea of what the upstream said.
func checkStatus(resp *http.Response, acceptable ...int) error {
	for _, code := range acceptable {
		if resp.StatusCode == code {
			return nil
		}
	}
	excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
	return &sage.Error{
		Op:      "reputation.checkStatus",
		Kind:    sage.ErrUnavailable,
		Message: fmt.Sprintf("unexpected status %q for %q (body starts: %q)", resp.Status, resp.Request.URL.Redacted(), excerpt),
	}
}

func chunk(items []string, size int) [][]string {
	var out [][]string
	for len(items) > 0 {
		n := size
		if n > len(items) {
			n = len(items)
		}
		out = append(out, items[:n])
		items = items[n:]
	}
	return out
}

// decodeBody returns a reader over resp.Body, transparently gzip-decoding
// when the server set Content-Encoding: gzip itself rather than relying
// on the transport's automatic handling — mirrors the teacher's
// enricher/epss package, which decompresses its .csv.gz feed explicitly
// with klauspost/compress rather than leaning on net/http's implicit
// gzip support (which only applies when the client didn't set its own
// Accept-Encoding header).
func decodeBody(resp *http.Response) (io.Reader, error) {
	if !strings.EqualFold(resp.Header.Get("Content-Encoding"), "gzip") {
		return resp.Body, nil
	}
	return gzip.NewReader(resp.Body)
}
