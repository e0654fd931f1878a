// Package cache implements the sharded TTL-aware DNS answer cache used by
// the resolver pipeline, including stale-serve with background refresh,
// sampled eviction, and negative-TTL tracking.
package cache

import (
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"sinkzone/pkg/clock"
)

// Key identifies a cached answer: lowercased domain without trailing dot,
// plus the numeric record type. The struct form lets lookups compose a key
// on the stack without allocating.
type Key struct {
	Domain string
	Type   uint16
}

// DnssecStatus is the validation outcome attached to a cached answer.
type DnssecStatus uint8

const (
	DnssecUnknown DnssecStatus = iota
	DnssecSecure
	DnssecInsecure
	DnssecBogus
	DnssecIndeterminate
)

// String returns the canonical name for a DNSSEC status.
func (s DnssecStatus) String() string {
	switch s {
	case DnssecSecure:
		return "Secure"
	case DnssecInsecure:
		return "Insecure"
	case DnssecBogus:
		return "Bogus"
	case DnssecIndeterminate:
		return "Indeterminate"
	default:
		return "Unknown"
	}
}

// Kind discriminates the payload variants of a cache entry.
type Kind uint8

const (
	// KindAddresses is a terminal A/AAAA answer, optionally with the CNAME
	// chain that led to it.
	KindAddresses Kind = iota
	// KindCanonicalName is a CNAME-only answer with no resolved addresses.
	KindCanonicalName
	// KindNegative is a cached NODATA/NXDOMAIN.
	KindNegative
)

// Data is a cache entry payload. Slices are shared with readers and must be
// treated as immutable after insertion.
type Data struct {
	Kind       Kind
	Addresses  []netip.Addr
	CNAMEChain []string
	Target     string
	// Rcode preserves NXDOMAIN vs NODATA for negative payloads so cache hits
	// answer with the original response code.
	Rcode uint8
}

// Addresses builds a terminal address payload.
func Addresses(addrs []netip.Addr, cnameChain []string) Data {
	return Data{Kind: KindAddresses, Addresses: addrs, CNAMEChain: cnameChain}
}

// CanonicalName builds a CNAME-only payload.
func CanonicalName(target string) Data {
	return Data{Kind: KindCanonicalName, Target: target}
}

// Negative builds a NODATA/NXDOMAIN payload.
func Negative() Data {
	return Data{Kind: KindNegative}
}

// IsNegative reports whether the payload is a cached negative response.
func (d Data) IsNegative() bool { return d.Kind == KindNegative }

// accessHistoryLen is the ring size for LFU-K scoring.
const accessHistoryLen = 10

type accessHistory struct {
	mu    sync.Mutex
	ring  [accessHistoryLen]time.Time
	count int
	next  int
}

func (h *accessHistory) record(t time.Time) {
	h.mu.Lock()
	h.ring[h.next] = t
	h.next = (h.next + 1) % accessHistoryLen
	if h.count < accessHistoryLen {
		h.count++
	}
	h.mu.Unlock()
}

// span returns (len, newest-oldest) over the recorded accesses.
func (h *accessHistory) span() (int, time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.count < 2 {
		return h.count, 0
	}
	newest := h.ring[(h.next-1+accessHistoryLen)%accessHistoryLen]
	oldest := h.ring[h.next%accessHistoryLen]
	if h.count < accessHistoryLen {
		oldest = h.ring[0]
	}
	return h.count, newest.Sub(oldest)
}

// entry is one cached answer. Hot-path mutation goes through atomics only;
// the immutable fields are set once at insertion.
type entry struct {
	data       Data
	dnssec     DnssecStatus
	expiresAt  time.Time // wall deadline
	insertedAt time.Time // carries Go's monotonic reading
	ttl        uint32
	permanent  bool

	hits       atomic.Uint64
	lastAccess atomic.Uint64 // coarse seconds
	marked     atomic.Bool
	refreshing atomic.Bool

	history *accessHistory // non-nil only under the LFU-K strategy
}

func (e *entry) recordHit() {
	e.hits.Add(1)
	e.lastAccess.Store(clock.NowSecs())
	if e.history != nil {
		e.history.record(time.Now())
	}
}

func (e *entry) isExpired(now time.Time) bool {
	if e.permanent {
		return false
	}
	return !now.Before(e.expiresAt)
}

// isStaleUsable reports whether an expired entry is still within the
// 2×TTL serve-stale grace window.
func (e *entry) isStaleUsable(now time.Time) bool {
	if !e.isExpired(now) {
		return false
	}
	return now.Sub(e.insertedAt) < time.Duration(e.ttl)*2*time.Second
}

func (e *entry) ageSecs(now time.Time) float64 {
	return now.Sub(e.insertedAt).Seconds()
}

// Hit is the result of a successful cache lookup.
type Hit struct {
	Data         Data
	Dnssec       DnssecStatus
	RemainingTTL uint32
	Stale        bool
}

// Stats is a point-in-time snapshot of the cache counters.
type Stats struct {
	Hits               uint64
	Misses             uint64
	Insertions         uint64
	Evictions          uint64
	BatchEvictions     uint64
	OptimisticRefreshes uint64
	DroppedRefreshes   uint64
	LazyDeletions      uint64
	Compactions        uint64
	StaleHits          uint64
	Entries            int
	HitRate            float64
}

type counters struct {
	hits               atomic.Uint64
	misses             atomic.Uint64
	insertions         atomic.Uint64
	evictions          atomic.Uint64
	batchEvictions     atomic.Uint64
	optimisticRefreshes atomic.Uint64
	droppedRefreshes   atomic.Uint64
	lazyDeletions      atomic.Uint64
	compactions        atomic.Uint64
	staleHits          atomic.Uint64
}
