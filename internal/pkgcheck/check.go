package pkgcheck

import (
	"context"
	"fmt"
	"time"

	"github.com/Masterminds/semver"
	packageurl "github.com/package-url/packageurl-go"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/avast/sage"
	"github.com/avast/sage/internal/reputation"
)

// freshnessWindow is how recently a version must have been published to
// be flagged suspicious_age (spec §4.8).
const freshnessWindow = 7 * 24 * time.Hour

const workers int64 = 8

// Checker scores parsed packages against their registry and, optionally,
// a file-hash reputation check on the resolved tarball/wheel hash.
type Checker struct {
	Client            *reputation.Client
	FileCheckEnabled  bool
	FileCheckEndpoint string
	Timeout           time.Duration
}

// CheckAll runs Check over pkgs with bounded parallelism (§ATK-14): a long
// "npm install x y z ..." or a large package.json must not fan out one
// goroutine per dependency.
func (c *Checker) CheckAll(ctx context.Context, pkgs []sage.Package) []sage.PackageCheckResult {
	if len(pkgs) == 0 {
		return nil
	}
	results := make([]sage.PackageCheckResult, len(pkgs))
	sem := semaphore.NewWeighted(workers)
	g, gctx := errgroup.WithContext(ctx)
	for i, p := range pkgs {
		i, p := i, p
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				return nil
			}
			defer sem.Release(1)
			results[i] = c.Check(gctx, p)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// Check looks up a single package and returns its verdict.
func (c *Checker) Check(ctx context.Context, p sage.Package) sage.PackageCheckResult {
	purl := buildPurl(p)
	meta, err := c.Client.CheckPackage(ctx, p.Registry, p.Name, p.Version, c.Timeout)
	if err != nil {
		// Upstream 5xx: fail open as "unknown", not a deny.
		return sage.PackageCheckResult{Name: p.Name, Registry: p.Registry, Verdict: sage.PackageUnknown, Details: purl}
	}
	if meta == nil {
		return sage.PackageCheckResult{
			Name: p.Name, Registry: p.Registry, Verdict: sage.PackageNotFound,
			Confidence: 0.9, Details: fmt.Sprintf("%s: package not found in registry (%s)", purl, p.Registry),
		}
	}
	if p.Version != "" && !meta.RequestedVersionFound {
		return sage.PackageCheckResult{
			Name: p.Name, Registry: p.Registry, Verdict: sage.PackageNotFound,
			Confidence: 0.9, Details: fmt.Sprintf("%s: version %s not found in registry (%s)", purl, p.Version, p.Registry),
		}
	}

	var ageDays *int
	if !meta.FirstReleaseDate.IsZero() {
		d := int(time.Since(meta.FirstReleaseDate) / (24 * time.Hour))
		ageDays = &d
	}

	if c.FileCheckEnabled && meta.LatestHash != "" {
		findings := c.Client.CheckFiles(ctx, c.FileCheckEndpoint, []string{meta.LatestHash}, c.Timeout)
		for _, f := range findings {
			if f.SeverityName == "SEVERITY_MALWARE" {
				return sage.PackageCheckResult{
					Name: p.Name, Registry: p.Registry, Verdict: sage.PackageMalicious,
					Confidence: 0.95, Details: fmt.Sprintf("%s: file check flagged malware", purl), AgeDays: ageDays,
				}
			}
		}
	}

	if ageDays != nil && *ageDays >= 0 && time.Since(meta.FirstReleaseDate) < freshnessWindow {
		return sage.PackageCheckResult{
			Name: p.Name, Registry: p.Registry, Verdict: sage.PackageSuspiciousAge,
			Confidence: 0.6, Details: fmt.Sprintf("%s: published %d day(s) ago", purl, *ageDays), AgeDays: ageDays,
		}
	}

	details := purl
	if sv, err := semver.NewVersion(meta.ResolvedVersion); err == nil {
		details = fmt.Sprintf("%s (resolved %s)", purl, sv.String())
	}
	return sage.PackageCheckResult{
		Name: p.Name, Registry: p.Registry, Verdict: sage.PackageClean,
		Confidence: 0.5, Details: details, AgeDays: ageDays,
	}
}

func buildPurl(p sage.Package) string {
	typ := packageurl.TypeNPM
	if p.Registry == sage.RegistryPyPI {
		typ = packageurl.TypePyPi
	}
	instance := packageurl.NewPackageURL(typ, "", p.Name, p.Version, nil, "")
	return instance.ToString()
}
