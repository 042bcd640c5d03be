package guard

import (
	"net/url"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// normalizeAddress folds EVM hex addresses to checksum form and leaves
// anything else trimmed.
func normalizeAddress(s string) string {
	s = strings.TrimSpace(s)
	if common.IsHexAddress(s) {
		return common.HexToAddress(s).Hex()
	}
	return s
}

// recipientHost extracts a lowercase host from a URL or a bare host/path.
func recipientHost(recipient string) string {
	r := strings.TrimSpace(recipient)
	if r == "" {
		return ""
	}
	if strings.Contains(r, "://") {
		u, err := url.Parse(r)
		if err != nil {
			return ""
		}
		return strings.ToLower(u.Hostname())
	}
	host := r
	if i := strings.IndexAny(host, "/?#"); i >= 0 {
		host = host[:i]
	}
	if i := strings.LastIndex(host, ":"); i >= 0 {
		host = host[:i]
	}
	if !strings.Contains(host, ".") {
		return ""
	}
	return strings.ToLower(host)
}

func domainMatches(host, domain string) bool {
	domain = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(domain), "*."))
	if host == "" || domain == "" {
		return false
	}
	return host == domain || strings.HasSuffix(host, "."+domain)
}

// match reports whether recipient hits any listed address, domain, or
// pattern, and which rule matched.
func (p *RecipientParams) match(recipient string) (bool, string) {
	addr := normalizeAddress(recipient)
	for _, a := range p.Addresses {
		if strings.EqualFold(normalizeAddress(a), addr) {
			return true, "address " + a
		}
	}

	if host := recipientHost(recipient); host != "" {
		for _, d := range p.Domains {
			if domainMatches(host, d) {
				return true, "domain " + d
			}
		}
	}

	if p.compiled == nil && len(p.Patterns) > 0 {
		// configs built in code may skip Validate; an uncompilable pattern
		// never matches
		_ = p.validate()
	}
	for _, re := range p.compiled {
		if re.MatchString(recipient) {
			return true, "pattern " + re.String()
		}
	}
	return false, ""
}
