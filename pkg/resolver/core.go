package resolver

import (
	"context"
	"net/netip"
	"strings"
	"time"

	"sinkzone/pkg/logging"
	"sinkzone/pkg/upstream"

	"github.com/miekg/dns"
)

// ednsBufferSize is advertised on upstream queries.
const ednsBufferSize = 4096

// CoreResolver performs the actual upstream work through the pool manager,
// with the local-TLD shortcut applied first.
type CoreResolver struct {
	pools       *upstream.Manager
	dnssecOK    bool
	localDomain string // local TLD, lowercased, no dots around it
	localServer string // host:port of the local DNS server
	localClient *dns.Client
	logger      *logging.Logger
}

// NewCoreResolver creates the upstream resolver.
func NewCoreResolver(pools *upstream.Manager, dnssecOK bool, localDomain, localServer string, logger *logging.Logger) *CoreResolver {
	if logger == nil {
		logger = logging.Discard()
	}
	return &CoreResolver{
		pools:       pools,
		dnssecOK:    dnssecOK,
		localDomain: strings.ToLower(strings.Trim(localDomain, ".")),
		localServer: localServer,
		localClient: &dns.Client{Net: "udp", Timeout: 2 * time.Second},
		logger:      logger,
	}
}

func (r *CoreResolver) isLocalTLD(domain string) bool {
	if r.localDomain == "" {
		return false
	}
	return domain == r.localDomain || strings.HasSuffix(domain, "."+r.localDomain)
}

// Resolve sends the query upstream and normalizes the answer.
func (r *CoreResolver) Resolve(ctx context.Context, q *Query) (*Resolution, error) {
	if r.isLocalTLD(q.Domain) {
		return r.resolveLocalTLD(ctx, q)
	}

	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(q.Domain), q.Type)
	msg.RecursionDesired = true
	msg.SetEdns0(ednsBufferSize, r.dnssecOK)

	resp, server, err := r.pools.Exchange(ctx, msg)
	if err != nil {
		return nil, err
	}

	return parseResponse(resp, server), nil
}

// resolveLocalTLD short-circuits queries under the local domain to the
// configured local DNS server. Without one, or when the server does not know
// the name, the query is answered NXDOMAIN rather than leaked upstream.
func (r *CoreResolver) resolveLocalTLD(ctx context.Context, q *Query) (*Resolution, error) {
	if r.localServer == "" {
		return nil, ErrLocalNxDomain
	}

	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(q.Domain), q.Type)
	msg.RecursionDesired = true

	resp, _, err := r.localClient.ExchangeContext(ctx, msg, r.localServer)
	if err != nil {
		r.logger.Debug("Local DNS server unreachable", "server", r.localServer, "error", err)
		return nil, ErrLocalNxDomain
	}
	if resp.Rcode != dns.RcodeSuccess || len(resp.Answer) == 0 {
		return nil, ErrLocalNxDomain
	}

	res := parseResponse(resp, r.localServer)
	return res, nil
}

// parseResponse flattens a DNS answer into a Resolution: terminal addresses,
// the CNAME chain in answer order, the minimum answer TTL, and for negative
// answers the authority section plus SOA MINIMUM.
func parseResponse(resp *dns.Msg, server string) *Resolution {
	res := &Resolution{
		UpstreamServer: server,
		Rcode:          resp.Rcode,
		Dnssec:         cacheStatusUnknown,
	}

	var minTTL uint32
	sawTTL := false
	for _, rr := range resp.Answer {
		switch a := rr.(type) {
		case *dns.A:
			if addr, ok := netip.AddrFromSlice(a.A); ok {
				res.Addresses = append(res.Addresses, addr.Unmap())
			}
		case *dns.AAAA:
			if addr, ok := netip.AddrFromSlice(a.AAAA); ok {
				res.Addresses = append(res.Addresses, addr.Unmap())
			}
		case *dns.CNAME:
			res.CNAMEChain = append(res.CNAMEChain, strings.TrimSuffix(strings.ToLower(a.Target), "."))
		}
		ttl := rr.Header().Ttl
		if !sawTTL || ttl < minTTL {
			minTTL = ttl
			sawTTL = true
		}
	}
	if sawTTL {
		res.MinTTL = minTTL
	}

	if len(res.Addresses) == 0 && len(res.CNAMEChain) > 0 {
		res.CanonicalName = res.CNAMEChain[len(res.CNAMEChain)-1]
	}

	if resp.Rcode == dns.RcodeNameError || len(resp.Answer) == 0 {
		res.Negative = true
		res.Authority = resp.Ns
		for _, rr := range resp.Ns {
			if soa, ok := rr.(*dns.SOA); ok {
				res.SOAMinTTL = soa.Minttl
				res.HasSOA = true
				break
			}
		}
	}
	// A CNAME-only answer is not negative; it carries a canonical name.
	if res.CanonicalName != "" {
		res.Negative = false
	}

	return res
}
