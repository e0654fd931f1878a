// Package resolver composes the query-time pipeline: pre-resolution filters,
// answer cache with singleflight, optional DNSSEC validation, and the
// upstream pool manager. It also owns the cache maintenance loop.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"net/netip"

	"sinkzone/pkg/cache"

	"github.com/miekg/dns"
)

// Query is one resolution request after server-side decoding. Domain is
// lowercased without a trailing dot.
type Query struct {
	Domain   string
	Type     uint16
	ClientIP netip.Addr
}

// Resolution is the outcome of a successful resolve.
type Resolution struct {
	Addresses      []netip.Addr
	CNAMEChain     []string
	CanonicalName  string
	Dnssec         cache.DnssecStatus
	UpstreamServer string
	// MinTTL is the effective TTL: remaining TTL for cache hits, the minimum
	// answer TTL for upstream answers.
	MinTTL   uint32
	CacheHit bool
	Stale    bool
	// Negative marks a NODATA/NXDOMAIN outcome; Rcode distinguishes them.
	Negative bool
	Rcode    int
	// SOAMinTTL carries the authority-section SOA MINIMUM when present.
	SOAMinTTL uint32
	HasSOA    bool
	// Authority holds the records echoed into negative responses.
	Authority []dns.RR
}

// Resolver is the composable pipeline interface.
type Resolver interface {
	Resolve(ctx context.Context, q *Query) (*Resolution, error)
}

// RejectError reports a query refused by a pre-resolution filter.
type RejectError struct {
	Reason string
}

func (e *RejectError) Error() string { return "query filtered: " + e.Reason }

// BogusError reports a DNSSEC validation failure in hard-fail mode.
type BogusError struct {
	Domain string
}

func (e *BogusError) Error() string { return fmt.Sprintf("dnssec validation failed for %s", e.Domain) }

// ErrLocalNxDomain marks a local-TLD query the local server did not know.
var ErrLocalNxDomain = errors.New("local domain not found")

// IsFiltered reports whether an error came from a pre-resolution filter.
func IsFiltered(err error) bool {
	var rej *RejectError
	return errors.As(err, &rej)
}
