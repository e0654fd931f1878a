package dns

import (
	"github.com/miekg/dns"
)

const (
	// defaultEDNSBufferSize is advertised in responses per RFC 6891.
	defaultEDNSBufferSize = 4096
	// minEDNSBufferSize is the smallest size honored from clients.
	minEDNSBufferSize = 512
)

// clientUDPLimit returns the maximum UDP response size for a request: 512
// without EDNS; with EDNS, the client's advertised size clamped to
// [512, 4096].
func clientUDPLimit(req *dns.Msg) int {
	if opt := req.IsEdns0(); opt != nil {
		size := int(opt.UDPSize())
		if size < minEDNSBufferSize {
			size = minEDNSBufferSize
		}
		if size > defaultEDNSBufferSize {
			size = defaultEDNSBufferSize
		}
		return size
	}
	return minEDNSBufferSize
}

// setEDNS appends an OPT record to the response iff the request carried one,
// preserving the DO bit.
func setEDNS(req, resp *dns.Msg) {
	opt := req.IsEdns0()
	if opt == nil || resp.IsEdns0() != nil {
		return
	}
	out := &dns.OPT{Hdr: dns.RR_Header{Name: ".", Rrtype: dns.TypeOPT}}
	out.SetUDPSize(defaultEDNSBufferSize)
	if opt.Do() {
		out.SetDo()
	}
	resp.Extra = append(resp.Extra, out)
}
