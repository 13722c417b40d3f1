// Package pkgcheck implements C9: parsing package references out of
// install commands and manifests, then scoring each one against its
// registry (not found, freshly published, malware-flagged, or clean).
// This is the component most directly descended from the teacher:
// claircore's updater/libvuln machinery exists to answer "is this package
// version affected by a known bad thing"; pkgcheck answers the sibling
// question "is this package/version itself bad".
package pkgcheck

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/avast/sage"
)

var (
	npmInstallPattern = regexp.MustCompile(`\b(?:npm\s+(?:install|i)|yarn\s+add|pnpm\s+(?:add|install))\s+(.+)`)
	pipInstallPattern = regexp.MustCompile(`\bpip(?:3)?\s+install\s+(.+)`)
)

// ExtractFromCommand recognizes npm/yarn/pnpm/pip install invocations in a
// shell command and returns the packages they name. Scoped npm packages
// ("@scope/name") are skipped — spec §4.2 treats them as private and out
// of scope for registry checking.
func ExtractFromCommand(command string) []sage.Package {
	var out []sage.Package
	if m := npmInstallPattern.FindStringSubmatch(command); m != nil {
		out = append(out, parseArgs(m[1], sage.RegistryNPM)...)
	}
	if m := pipInstallPattern.FindStringSubmatch(command); m != nil {
		out = append(out, parseArgs(m[1], sage.RegistryPyPI)...)
	}
	return out
}

func parseArgs(rest string, registry sage.Registry) []sage.Package {
	var out []sage.Package
	for _, f := range strings.Fields(rest) {
		if strings.HasPrefix(f, "-") {
			continue
		}
		if registry == sage.RegistryNPM && strings.HasPrefix(f, "@") {
			continue // scoped packages are treated as private, spec §4.2
		}
		name, version := splitVersion(f, registry)
		if name == "" {
			continue
		}
		out = append(out, sage.Package{Name: name, Registry: registry, Version: version})
	}
	return out
}

func splitVersion(tok string, registry sage.Registry) (name, version string) {
	if registry == sage.RegistryPyPI {
		if i := strings.Index(tok, "=="); i > 0 {
			return tok[:i], tok[i+2:]
		}
		return tok, ""
	}
	if i := strings.LastIndex(tok, "@"); i > 0 {
		return tok[:i], tok[i+1:]
	}
	return tok, ""
}

// ExtractFromManifest recognizes package.json, requirements.txt, and
// pyproject.toml by file name and returns the dependencies they declare.
// Unrecognized file names and unparsable content yield nil, not an error.
func ExtractFromManifest(path, content string) []sage.Package {
	base := path
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		base = path[i+1:]
	}
	switch base {
	case "package.json":
		return extractPackageJSON(content)
	case "requirements.txt":
		return extractRequirementsTxt(content)
	case "pyproject.toml":
		return extractPyprojectToml(content)
	default:
		return nil
	}
}

func extractPackageJSON(content string) []sage.Package {
	var doc struct {
		Dependencies    map[string]string `json:"dependencies"`
		DevDependencies map[string]string `json:"devDependencies"`
	}
	if err := json.Unmarshal([]byte(content), &doc); err != nil {
		return nil
	}
	var out []sage.Package
	for _, deps := range []map[string]string{doc.Dependencies, doc.DevDependencies} {
		for name, version := range deps {
			if strings.HasPrefix(name, "@") {
				continue
			}
			out = append(out, sage.Package{Name: name, Registry: sage.RegistryNPM, Version: cleanSemverRange(version)})
		}
	}
	return out
}

// cleanSemverRange strips a leading range operator ("^", "~", ">=", ...)
// since the registry client resolves exact versions, not ranges; an
// unresolvable range is left as an empty version (meaning "latest").
func cleanSemverRange(v string) string {
	v = strings.TrimLeft(v, "^~>=< ")
	if v == "" || strings.ContainsAny(v, "x*|") {
		return ""
	}
	return v
}

func extractRequirementsTxt(content string) []sage.Package {
	var out []sage.Package
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "-") {
			continue
		}
		name, version := splitVersion(line, sage.RegistryPyPI)
		if name == "" {
			continue
		}
		out = append(out, sage.Package{Name: name, Registry: sage.RegistryPyPI, Version: version})
	}
	return out
}

func extractPyprojectToml(content string) []sage.Package {
	// Minimal scan for a [tool.poetry.dependencies] or
	// [project.dependencies]-style table without a full TOML parser:
	// lines of the form `name = "version"` inside a dependencies section.
	var out []sage.Package
	inDeps := false
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "[") {
			inDeps = strings.Contains(line, "dependencies")
			continue
		}
		if !inDeps || line == "" {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		name := strings.TrimSpace(parts[0])
		if name == "" || name == "python" {
			continue
		}
		version := strings.Trim(strings.TrimSpace(parts[1]), `"'`)
		out = append(out, sage.Package{Name: name, Registry: sage.RegistryPyPI, Version: cleanSemverRange(version)})
	}
	return out
}
