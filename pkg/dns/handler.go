// Package dns contains the query-handler façade and the UDP/TCP listeners:
// fast path versus full pipeline selection, response assembly, and query-log
// event emission.
package dns

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"strings"
	"time"

	"sinkzone/pkg/blockfilter"
	"sinkzone/pkg/config"
	"sinkzone/pkg/logging"
	"sinkzone/pkg/policy"
	"sinkzone/pkg/querylog"
	"sinkzone/pkg/resolver"
	"sinkzone/pkg/telemetry"
	"sinkzone/pkg/upstream"

	"github.com/miekg/dns"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// queryBudget bounds one full query handling pass.
const queryBudget = 10 * time.Second

// Handler is the per-request entry point shared by the UDP and TCP servers.
type Handler struct {
	Resolver *resolver.CachedResolver
	Blocks   *blockfilter.Engine
	Policies *policy.Engine
	Sink     *querylog.Sink
	Metrics  *telemetry.Metrics
	Logger   *logging.Logger

	// BlockedRcode is dns.RcodeRefused or dns.RcodeNameError per config.
	BlockedRcode int
}

// NewHandler builds the façade.
func NewHandler(r *resolver.CachedResolver, blocks *blockfilter.Engine, policies *policy.Engine, sink *querylog.Sink, cfg *config.ServerConfig, logger *logging.Logger, metrics *telemetry.Metrics) *Handler {
	rcode := dns.RcodeRefused
	if strings.EqualFold(cfg.BlockedResponse, "nxdomain") {
		rcode = dns.RcodeNameError
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Handler{
		Resolver:     r,
		Blocks:       blocks,
		Policies:     policies,
		Sink:         sink,
		Metrics:      metrics,
		Logger:       logger,
		BlockedRcode: rcode,
	}
}

// ServeDNS implements the miekg/dns handler for the TCP listener. The UDP
// loop calls Handle directly.
func (h *Handler) ServeDNS(w dns.ResponseWriter, r *dns.Msg) {
	clientIP := remoteIP(w.RemoteAddr())

	maxSize := 0 // TCP: no truncation
	if _, isUDP := w.RemoteAddr().(*net.UDPAddr); isUDP {
		maxSize = clientUDPLimit(r)
	}

	resp := h.Handle(context.Background(), r, clientIP, maxSize)
	if err := w.WriteMsg(resp); err != nil {
		// Client gone; nothing useful to do.
		_ = err
	}
}

// Handle runs the full pipeline for one query and always returns a response
// message. maxSize > 0 enables UDP truncation at that size.
func (h *Handler) Handle(ctx context.Context, r *dns.Msg, clientIP netip.Addr, maxSize int) *dns.Msg {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, queryBudget)
	defer cancel()

	if r.Opcode != dns.OpcodeQuery || len(r.Question) != 1 {
		resp := new(dns.Msg)
		resp.SetRcode(r, dns.RcodeRefused)
		return resp
	}

	question := r.Question[0]
	domain := strings.ToLower(strings.TrimSuffix(question.Name, "."))
	qtypeStr := dns.TypeToString[question.Qtype]

	if h.Metrics != nil {
		h.Metrics.QueriesTotal.Add(ctx, 1)
		h.Metrics.QueriesByType.Add(ctx, 1, metric.WithAttributes(attribute.String("type", qtypeStr)))
	}

	ev := &querylog.Event{
		Domain:   domain,
		Type:     qtypeStr,
		ClientIP: clientIP.String(),
	}

	resp := h.answer(ctx, r, domain, clientIP, ev)

	setEDNS(r, resp)
	if maxSize > 0 {
		resp.Truncate(maxSize)
	}

	ev.ResponseTimeUs = time.Since(start).Microseconds()
	h.emit(ev)
	if h.Metrics != nil {
		h.Metrics.QueryDuration.Record(ctx, time.Since(start).Seconds())
	}
	return resp
}

// answer produces the response message and fills the event's outcome fields.
func (h *Handler) answer(ctx context.Context, r *dns.Msg, domain string, clientIP netip.Addr, ev *querylog.Event) *dns.Msg {
	question := r.Question[0]

	// Policy rules run before the block filter; an ALLOW verdict skips it.
	skipBlockFilter := false
	if h.Policies != nil && h.Policies.RuleCount() > 0 {
		action, name, matched := h.Policies.Evaluate(
			policy.ContextFor(domain, clientIP.String(), dns.TypeToString[question.Qtype], time.Now()))
		if matched && action == policy.ActionBlock {
			ev.Blocked = true
			ev.BlockSource = "policy:" + name
			ev.ResponseStatus = querylog.StatusBlocked
			return h.blockedResponse(r)
		}
		skipBlockFilter = matched && action == policy.ActionAllow
	}

	if h.Blocks != nil && !skipBlockFilter {
		groupID := h.Blocks.ResolveGroup(clientIP)
		if d := h.Blocks.Check(domain, groupID); d.Blocked {
			ev.Blocked = true
			ev.BlockSource = d.Source
			ev.ResponseStatus = querylog.StatusBlocked
			return h.blockedResponse(r)
		}
	}

	res, err := h.Resolver.Resolve(ctx, &resolver.Query{
		Domain:   domain,
		Type:     question.Qtype,
		ClientIP: clientIP,
	})
	if err != nil {
		return h.errorResponse(r, err, ev)
	}

	ev.CacheHit = res.CacheHit
	ev.CacheRefresh = res.Stale
	ev.DnssecStatus = res.Dnssec.String()
	ev.UpstreamServer = res.UpstreamServer

	return h.successResponse(r, res, ev)
}

func (h *Handler) blockedResponse(r *dns.Msg) *dns.Msg {
	resp := new(dns.Msg)
	resp.SetRcode(r, h.BlockedRcode)
	resp.RecursionAvailable = true
	return resp
}

func (h *Handler) errorResponse(r *dns.Msg, err error, ev *querylog.Event) *dns.Msg {
	resp := new(dns.Msg)

	switch {
	case resolver.IsFiltered(err):
		resp.SetRcode(r, dns.RcodeRefused)
		ev.ResponseStatus = querylog.StatusRefused
	case errors.Is(err, resolver.ErrLocalNxDomain):
		resp.SetRcode(r, dns.RcodeNameError)
		ev.ResponseStatus = querylog.StatusNxDomain
	default:
		var bogus *resolver.BogusError
		var timeout *upstream.TimeoutError
		if errors.As(err, &bogus) {
			resp.SetRcode(r, dns.RcodeServerFailure)
			ev.DnssecStatus = "Bogus"
			ev.ResponseStatus = querylog.StatusServFail
		} else if errors.As(err, &timeout) {
			resp.SetRcode(r, dns.RcodeServerFailure)
			ev.ResponseStatus = querylog.StatusTimeout
		} else {
			resp.SetRcode(r, dns.RcodeServerFailure)
			ev.ResponseStatus = querylog.StatusServFail
		}
		h.Logger.Warn("Query failed", "domain", ev.Domain, "type", ev.Type, "error", err)
	}

	resp.RecursionAvailable = true
	return resp
}

func (h *Handler) successResponse(r *dns.Msg, res *resolver.Resolution, ev *querylog.Event) *dns.Msg {
	resp := new(dns.Msg)
	resp.SetReply(r)
	resp.RecursionAvailable = true
	resp.Authoritative = false

	question := r.Question[0]

	if res.Negative {
		rcode := res.Rcode
		if rcode != dns.RcodeNameError {
			rcode = dns.RcodeSuccess
		}
		resp.SetRcode(r, rcode)
		resp.RecursionAvailable = true
		resp.Ns = append(resp.Ns, res.Authority...)
		if rcode == dns.RcodeNameError {
			ev.ResponseStatus = querylog.StatusNxDomain
		} else {
			ev.ResponseStatus = querylog.StatusNoError
		}
		return resp
	}

	ttl := res.MinTTL
	if ttl == 0 {
		ttl = 1
	}

	owner := question.Name
	// Render the CNAME chain ahead of the terminal records.
	for _, target := range res.CNAMEChain {
		fqdn := dns.Fqdn(target)
		resp.Answer = append(resp.Answer, &dns.CNAME{
			Hdr:    dns.RR_Header{Name: owner, Rrtype: dns.TypeCNAME, Class: dns.ClassINET, Ttl: ttl},
			Target: fqdn,
		})
		owner = fqdn
	}
	if res.CanonicalName != "" && len(res.CNAMEChain) == 0 {
		resp.Answer = append(resp.Answer, &dns.CNAME{
			Hdr:    dns.RR_Header{Name: owner, Rrtype: dns.TypeCNAME, Class: dns.ClassINET, Ttl: ttl},
			Target: dns.Fqdn(res.CanonicalName),
		})
	}

	for _, addr := range res.Addresses {
		if addr.Is4() && question.Qtype == dns.TypeA {
			resp.Answer = append(resp.Answer, &dns.A{
				Hdr: dns.RR_Header{Name: owner, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: ttl},
				A:   addr.AsSlice(),
			})
		} else if !addr.Is4() && question.Qtype == dns.TypeAAAA {
			resp.Answer = append(resp.Answer, &dns.AAAA{
				Hdr:  dns.RR_Header{Name: owner, Rrtype: dns.TypeAAAA, Class: dns.ClassINET, Ttl: ttl},
				AAAA: addr.AsSlice(),
			})
		}
	}

	ev.ResponseStatus = querylog.StatusNoError
	return resp
}

func (h *Handler) emit(ev *querylog.Event) {
	if h.Sink != nil {
		h.Sink.Submit(ev)
	}
}

func remoteIP(addr net.Addr) netip.Addr {
	var ip net.IP
	switch a := addr.(type) {
	case *net.UDPAddr:
		ip = a.IP
	case *net.TCPAddr:
		ip = a.IP
	}
	if parsed, ok := netip.AddrFromSlice(ip); ok {
		return parsed.Unmap()
	}
	return netip.Addr{}
}
