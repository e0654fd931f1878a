package resolver

import (
	"context"

	"sinkzone/pkg/cache"
)

const cacheStatusUnknown = cache.DnssecUnknown

// Validator is the DNSSEC validation hook applied after a successful
// upstream exchange. The cryptographic chain verification lives behind this
// interface; the pipeline only consumes the resulting status.
type Validator interface {
	Validate(ctx context.Context, q *Query, res *Resolution) (cache.DnssecStatus, error)
}

// PassthroughValidator performs no validation and reports Unknown. main
// attaches it when the DNSSEC layer is enabled; with the layer disabled the
// pipeline has no validator.
type PassthroughValidator struct{}

// Validate implements Validator.
func (PassthroughValidator) Validate(_ context.Context, _ *Query, _ *Resolution) (cache.DnssecStatus, error) {
	return cache.DnssecUnknown, nil
}

// validate runs the hook and applies the bogus policy: in soft-fail mode a
// Bogus result is downgraded to Insecure; otherwise it fails the query.
func (r *CachedResolver) validate(ctx context.Context, q *Query, res *Resolution) (cache.DnssecStatus, error) {
	if r.validator == nil {
		return cache.DnssecUnknown, nil
	}
	status, err := r.validator.Validate(ctx, q, res)
	if err != nil {
		status = cache.DnssecBogus
	}
	if status == cache.DnssecBogus {
		if r.softFail {
			return cache.DnssecInsecure, nil
		}
		return cache.DnssecBogus, &BogusError{Domain: q.Domain}
	}
	return status, nil
}
