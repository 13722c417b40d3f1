package sage

// TrustedDomain is an entry in the built-in trusted-domain registry (C4):
// hosts that are common, legitimate download/script sources and therefore
// eligible to suppress a co-located suppressible ThreatRule match
// (§ATK-02), e.g. curl | bash piped from bun.sh.
//
// Trusted domains are distinct from the user-managed Allowlist (C6):
// the registry is shipped with sage and cannot be edited by a host
// adapter, while the allowlist is an explicit, auditable user decision.
type TrustedDomain struct {
	// Host is the domain or suffix to match, e.g. "bun.sh" or
	// "objects.githubusercontent.com".
	Host string `json:"host" yaml:"host"`
	// Description documents why the domain is trusted.
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}
