package resolver

import (
	"strings"

	"sinkzone/pkg/config"
)

// Filters applies the pre-resolution query rewrites and rejections: private
// PTR blocking, non-FQDN blocking, and local-domain completion. Each filter
// either passes the (possibly rewritten) query through or rejects it.
type Filters struct {
	blockPrivatePTR bool
	blockNonFQDN    bool
	localDomain     string
}

// NewFilters builds the filter chain from configuration.
func NewFilters(cfg *config.FilterConfig) *Filters {
	return &Filters{
		blockPrivatePTR: cfg.BlockPrivatePTR,
		blockNonFQDN:    cfg.BlockNonFQDN,
		localDomain:     strings.ToLower(strings.Trim(cfg.LocalDomain, ".")),
	}
}

// Apply runs the chain. The returned query may have its domain rewritten; a
// RejectError means the query must be refused.
func (f *Filters) Apply(q *Query) (*Query, error) {
	if f.blockPrivatePTR && isPrivatePTR(q.Domain) {
		return nil, &RejectError{Reason: "private PTR query: " + q.Domain}
	}

	if !strings.Contains(q.Domain, ".") {
		if f.blockNonFQDN {
			return nil, &RejectError{Reason: "non-FQDN query: " + q.Domain}
		}
		if f.localDomain != "" {
			rewritten := *q
			rewritten.Domain = q.Domain + "." + f.localDomain
			return &rewritten, nil
		}
	}

	return q, nil
}

// isPrivatePTR recognizes reverse lookups for RFC 1918 and loopback space.
func isPrivatePTR(domain string) bool {
	if !strings.HasSuffix(domain, ".in-addr.arpa") && !strings.HasSuffix(domain, ".ip6.arpa") {
		return false
	}
	if strings.HasSuffix(domain, ".ip6.arpa") {
		// fd00::/8 and fe80::/10 reversed end in d.f or 8.e.f / 9.e.f etc.;
		// match the ULA prefix nibbles conservatively.
		return strings.HasSuffix(domain, ".d.f.ip6.arpa") || strings.HasSuffix(domain, ".8.e.f.ip6.arpa")
	}

	octets := strings.Split(strings.TrimSuffix(domain, ".in-addr.arpa"), ".")
	if len(octets) == 0 {
		return false
	}
	// Reverse names store octets least-significant first.
	switch octets[len(octets)-1] {
	case "10", "127":
		return true
	case "192":
		return len(octets) >= 2 && octets[len(octets)-2] == "168"
	case "172":
		if len(octets) < 2 {
			return false
		}
		second := octets[len(octets)-2]
		return second >= "16" && second <= "31" && len(second) == 2
	}
	return false
}
