package resolver

import (
	"context"
	"errors"
	"strconv"
	"time"

	"sinkzone/pkg/cache"
	"sinkzone/pkg/logging"
	"sinkzone/pkg/telemetry"

	"github.com/miekg/dns"
	"golang.org/x/sync/singleflight"
)

// refreshTimeout bounds one background refresh exchange.
const refreshTimeout = 5 * time.Second

// CachedResolver wraps the upstream resolver with the answer cache,
// singleflight deduplication of concurrent misses, DNSSEC validation, the
// negative-TTL tracker, and optional predictive prefetch.
type CachedResolver struct {
	inner      Resolver
	cache      *cache.Cache
	negatives  *cache.NegativeTracker
	flight     singleflight.Group
	validator  Validator
	softFail   bool
	defaultTTL uint32
	prefetcher *Prefetcher
	filters    *Filters
	logger     *logging.Logger
	metrics    *telemetry.Metrics
}

// NewCachedResolver assembles the pipeline around an upstream resolver.
func NewCachedResolver(inner Resolver, c *cache.Cache, negatives *cache.NegativeTracker, defaultTTL uint32, logger *logging.Logger, metrics *telemetry.Metrics) *CachedResolver {
	if logger == nil {
		logger = logging.Discard()
	}
	if defaultTTL == 0 {
		defaultTTL = 300
	}
	return &CachedResolver{
		inner:      inner,
		cache:      c,
		negatives:  negatives,
		defaultTTL: defaultTTL,
		logger:     logger,
		metrics:    metrics,
	}
}

// WithValidator attaches the DNSSEC validation hook.
func (r *CachedResolver) WithValidator(v Validator, softFail bool) *CachedResolver {
	r.validator = v
	r.softFail = softFail
	return r
}

// WithFilters attaches the pre-resolution filter chain.
func (r *CachedResolver) WithFilters(f *Filters) *CachedResolver {
	r.filters = f
	return r
}

// WithPrefetcher attaches the predictive prefetcher.
func (r *CachedResolver) WithPrefetcher(p *Prefetcher) *CachedResolver {
	r.prefetcher = p
	return r
}

// Cache exposes the underlying answer cache for status surfaces.
func (r *CachedResolver) Cache() *cache.Cache { return r.cache }

func flightKey(domain string, qtype uint16) string {
	return domain + "|" + strconv.FormatUint(uint64(qtype), 10)
}

// Resolve runs filters, consults the cache, and on a miss performs exactly
// one upstream exchange per key regardless of concurrent callers.
func (r *CachedResolver) Resolve(ctx context.Context, q *Query) (*Resolution, error) {
	if r.filters != nil {
		filtered, err := r.filters.Apply(q)
		if err != nil {
			return nil, err
		}
		q = filtered
	}

	if hit, ok := r.cache.Get(q.Domain, q.Type); ok {
		return resolutionFromHit(hit), nil
	}

	// Singleflight: the leader performs the upstream query and publishes the
	// result; followers share it, including the leader's error.
	v, err, _ := r.flight.Do(flightKey(q.Domain, q.Type), func() (interface{}, error) {
		return r.resolveAndCache(ctx, q)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Resolution), nil
}

// resolveAndCache is the singleflight leader body: upstream exchange,
// validation, cache population, prefetch bookkeeping. Every exit path either
// overwrites the cache entry (which releases a refresh lease) or clears the
// lease explicitly.
func (r *CachedResolver) resolveAndCache(ctx context.Context, q *Query) (*Resolution, error) {
	res, err := r.inner.Resolve(ctx, q)
	if err != nil {
		if errors.Is(err, ErrLocalNxDomain) || IsFiltered(err) {
			r.cache.ClearRefreshing(q.Domain, q.Type)
			return nil, err
		}
		// Transport-level failure: cache a short negative so a flapping
		// upstream does not stampede, then surface the error. The zero TTL
		// is clamped up to the cache's 30s negative floor.
		r.cache.Insert(q.Domain, q.Type, cache.Negative(), 0, cache.DnssecInsecure)
		return nil, err
	}

	status, err := r.validate(ctx, q, res)
	if err != nil {
		r.cache.ClearRefreshing(q.Domain, q.Type)
		return nil, err
	}
	res.Dnssec = status

	r.store(q, res)

	if r.prefetcher != nil && !res.Negative {
		r.prefetcher.ObserveAndPrefetch(ctx, q.Domain, r)
	}

	return res, nil
}

// store inserts the resolution into the cache with its effective TTL.
func (r *CachedResolver) store(q *Query, res *Resolution) {
	if res.Negative {
		ttl := r.negativeTTL(q.Domain, res)
		data := cache.Negative()
		data.Rcode = uint8(res.Rcode) // #nosec G115 - rcodes fit a byte
		r.cache.Insert(q.Domain, q.Type, data, ttl, res.Dnssec)
		return
	}

	ttl := r.defaultTTL
	if res.MinTTL > 0 && res.MinTTL < ttl {
		ttl = res.MinTTL
	}

	if len(res.Addresses) == 0 && res.CanonicalName != "" {
		r.cache.Insert(q.Domain, q.Type, cache.CanonicalName(res.CanonicalName), ttl, res.Dnssec)
		return
	}
	r.cache.Insert(q.Domain, q.Type, cache.Addresses(res.Addresses, res.CNAMEChain), ttl, res.Dnssec)
}

// negativeTTL prefers the authority SOA MINIMUM (the cache clamps it to the
// negative bounds); without one the frequency tracker decides.
func (r *CachedResolver) negativeTTL(domain string, res *Resolution) uint32 {
	if res.HasSOA {
		return res.SOAMinTTL
	}
	return r.negatives.RecordAndTTL(domain)
}

func resolutionFromHit(hit cache.Hit) *Resolution {
	res := &Resolution{
		Dnssec:   hit.Dnssec,
		MinTTL:   hit.RemainingTTL,
		CacheHit: true,
		Stale:    hit.Stale,
	}
	switch hit.Data.Kind {
	case cache.KindAddresses:
		res.Addresses = hit.Data.Addresses
		res.CNAMEChain = hit.Data.CNAMEChain
		res.Rcode = dns.RcodeSuccess
	case cache.KindCanonicalName:
		res.CanonicalName = hit.Data.Target
		res.Rcode = dns.RcodeSuccess
	case cache.KindNegative:
		res.Negative = true
		res.Rcode = int(hit.Data.Rcode)
	}
	return res
}

// RunRefreshWorker consumes the cache's stale-refresh queue. Each received
// key holds the refresh lease; the exchange result releases it through
// insert, or explicitly on failure.
func (r *CachedResolver) RunRefreshWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case key := <-r.cache.Refreshes():
			r.refreshKey(ctx, key)
		}
	}
}

// refreshKey performs one background refresh for a key whose lease is held.
func (r *CachedResolver) refreshKey(ctx context.Context, key cache.Key) {
	rctx, cancel := context.WithTimeout(ctx, refreshTimeout)
	defer cancel()

	if r.metrics != nil {
		r.metrics.CacheRefreshes.Add(context.Background(), 1)
	}

	q := &Query{Domain: key.Domain, Type: key.Type}
	if _, err := r.resolveAndCache(rctx, q); err != nil {
		// resolveAndCache already released the lease (negative insert or
		// explicit clear); just log.
		r.logger.Debug("Background refresh failed",
			"domain", key.Domain,
			"type", dns.TypeToString[key.Type],
			"error", err)
	}
}

// RefreshCandidate dispatches one maintenance-driven proactive refresh. The
// lease is taken first so stale-serve refreshes cannot double-fire.
func (r *CachedResolver) RefreshCandidate(ctx context.Context, key cache.Key) error {
	if !r.cache.TryLeaseRefresh(key.Domain, key.Type) {
		return nil
	}
	rctx, cancel := context.WithTimeout(ctx, refreshTimeout)
	defer cancel()

	if r.metrics != nil {
		r.metrics.CacheRefreshes.Add(context.Background(), 1)
	}

	q := &Query{Domain: key.Domain, Type: key.Type}
	_, err := r.resolveAndCache(rctx, q)
	return err
}
