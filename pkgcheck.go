package sage

import "fmt"

// Registry identifies a package ecosystem the package checker knows how to
// query.
type Registry uint

const (
	RegistryUnknown Registry = iota
	RegistryNPM
	RegistryPyPI
)

var registryName = [...]string{
	RegistryUnknown: "unknown",
	RegistryNPM:     "npm",
	RegistryPyPI:    "pypi",
}

func (r Registry) String() string {
	if int(r) < len(registryName) {
		return registryName[r]
	}
	return "unknown"
}

// MarshalText implements encoding.TextMarshaler.
func (r Registry) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *Registry) UnmarshalText(b []byte) error {
	str := string(b)
	for i, n := range registryName {
		if n == str {
			*r = Registry(i)
			return nil
		}
	}
	return fmt.Errorf("unknown registry %q", str)
}

// PackageVerdict classifies a single package lookup performed by the
// package checker (C9).
type PackageVerdict uint

const (
	PackageUnknown PackageVerdict = iota
	PackageClean
	PackageNotFound
	PackageSuspiciousAge
	PackageMalicious
)

var packageVerdictName = [...]string{
	PackageUnknown:       "unknown",
	PackageClean:         "clean",
	PackageNotFound:      "not_found",
	PackageSuspiciousAge: "suspicious_age",
	PackageMalicious:     "malicious",
}

func (v PackageVerdict) String() string {
	if int(v) < len(packageVerdictName) {
		return packageVerdictName[v]
	}
	return "unknown"
}

// MarshalText implements encoding.TextMarshaler.
func (v PackageVerdict) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (v *PackageVerdict) UnmarshalText(b []byte) error {
	str := string(b)
	for i, n := range packageVerdictName {
		if n == str {
			*v = PackageVerdict(i)
			return nil
		}
	}
	return fmt.Errorf("unknown package verdict %q", str)
}

// Package is a single package reference parsed from an install command or
// manifest by the package extractor (C9 sub-component).
type Package struct {
	Name     string   `json:"name"`
	Registry Registry `json:"registry"`
	// Version is the requested version, if pinned; empty means
	// "whatever the registry currently resolves to".
	Version string `json:"version,omitempty"`
}

// Key returns the verdict-cache key for this package: "registry:name" or
// "registry:name@version" when pinned.
func (p Package) Key() string {
	if p.Version == "" {
		return p.Registry.String() + ":" + p.Name
	}
	return p.Registry.String() + ":" + p.Name + "@" + p.Version
}

// PackageCheckResult is the outcome of looking up a single package against
// the package checker's registry mirrors and age/reputation heuristics.
type PackageCheckResult struct {
	Name     string         `json:"name"`
	Registry Registry       `json:"registry"`
	Verdict  PackageVerdict `json:"verdict"`
	// Confidence is in [0,1].
	Confidence float64 `json:"confidence"`
	// Details is a short human-readable explanation, surfaced in
	// Verdict.Reasons when this result contributes to a deny/ask. Also
	// carries the package's purl (built with packageurl-go) for audit/log
	// consumers, alongside the registry:name[@version] cache key.
	Details string `json:"details,omitempty"`
	// AgeDays is the number of days since the checked version's (or the
	// package's) first release, populated only when known.
	AgeDays *int `json:"age_days,omitempty"`
}
