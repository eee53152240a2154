package security

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Environment identifies the deployment environment for redirect URI policy.
type Environment string

const (
	EnvProduction  Environment = "production"
	EnvDevelopment Environment = "development"
)

// RedirectPolicy is the environment-scoped allow-list for redirect URIs used
// anywhere in the flow. Redirect URIs are configuration, not request data:
// host matching is exact-or-subdomain only, the path must equal the single
// registered callback path, and query strings and fragments are rejected
// outright.
type RedirectPolicy struct {
	// Environment selects the active allow-list and scheme rule.
	Environment Environment

	// ProductionHosts and DevelopmentHosts are the per-environment host
	// allow-lists. An entry matches its exact host and any subdomain of it.
	ProductionHosts  []string
	DevelopmentHosts []string

	// CallbackPath is the single registered callback path. No prefix or
	// pattern matching.
	CallbackPath string
}

// RedirectValidation is the aggregate result of validating one redirect URI.
// All problems are collected so audit records capture the full shape of a
// malformed attempt rather than just the first issue.
type RedirectValidation struct {
	Valid  bool
	Issues []string
}

// ValidateRedirectURI checks a redirect URI against the policy. It never
// fails fast; every violated rule contributes an issue.
func (p *RedirectPolicy) ValidateRedirectURI(raw string) RedirectValidation {
	var issues []string

	parsed, err := url.Parse(raw)
	if err != nil {
		return RedirectValidation{Issues: []string{fmt.Sprintf("redirect URI is not parseable: %v", err)}}
	}

	scheme := strings.ToLower(parsed.Scheme)
	switch {
	case p.Environment == EnvProduction && scheme != "https":
		issues = append(issues, fmt.Sprintf("scheme %q is not allowed in production (https required)", scheme))
	case scheme != "https" && scheme != "http":
		issues = append(issues, fmt.Sprintf("scheme %q is not allowed (http or https required)", scheme))
	}

	host := strings.ToLower(parsed.Hostname())
	if host == "" {
		issues = append(issues, "redirect URI has no host")
	} else if !p.hostAllowed(host) {
		issues = append(issues, fmt.Sprintf("host %q is not in the %s allow-list", host, p.Environment))
	} else if p.Environment == EnvProduction {
		if class, literal := classifyHost(host); literal && class != ipPublic {
			issues = append(issues, fmt.Sprintf("literal IP host %q is %s, not publicly routable", host, class))
		}
	}

	if parsed.Path != p.CallbackPath {
		issues = append(issues, fmt.Sprintf("path %q does not match the registered callback path %q", parsed.Path, p.CallbackPath))
	}

	if parsed.RawQuery != "" {
		issues = append(issues, "redirect URI must not carry a query string")
	}
	if parsed.Fragment != "" || parsed.RawFragment != "" {
		issues = append(issues, "redirect URI must not carry a fragment")
	}

	return RedirectValidation{Valid: len(issues) == 0, Issues: issues}
}

// ipClass is the SSRF-relevant classification of a literal IP redirect host.
// Link-local matters most here: 169.254.169.254 is the cloud metadata service.
type ipClass int

const (
	ipPublic ipClass = iota
	ipLoopback
	ipPrivate
	ipLinkLocal
	ipUnspecified
)

func (c ipClass) String() string {
	switch c {
	case ipLoopback:
		return "loopback"
	case ipPrivate:
		return "private"
	case ipLinkLocal:
		return "link-local"
	case ipUnspecified:
		return "unspecified"
	default:
		return "public"
	}
}

// classifyHost parses host as a literal IP and classifies it. The second
// return is false for DNS names, which are vetted by the allow-list alone.
// IPv6 hosts arrive from url.Hostname without brackets already.
func classifyHost(host string) (ipClass, bool) {
	ip := net.ParseIP(host)
	if ip == nil {
		return ipPublic, false
	}
	switch {
	case ip.IsUnspecified():
		return ipUnspecified, true
	case ip.IsLoopback():
		return ipLoopback, true
	case ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast():
		return ipLinkLocal, true
	case ip.IsPrivate():
		return ipPrivate, true
	}
	return ipPublic, true
}

// hostAllowed reports whether host exactly equals, or is a subdomain of, an
// allow-list entry for the active environment. No wildcard matching beyond
// the explicit subdomain-suffix check.
func (p *RedirectPolicy) hostAllowed(host string) bool {
	allowed := p.DevelopmentHosts
	if p.Environment == EnvProduction {
		allowed = p.ProductionHosts
	}
	for _, entry := range allowed {
		entry = strings.ToLower(entry)
		if host == entry || strings.HasSuffix(host, "."+entry) {
			return true
		}
	}
	return false
}
