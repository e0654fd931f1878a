package fastpath

import (
	"net/netip"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func packQuery(t *testing.T, name string, qtype uint16, mutate func(*dns.Msg)) []byte {
	t.Helper()
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), qtype)
	if mutate != nil {
		mutate(m)
	}
	raw, err := m.Pack()
	require.NoError(t, err)
	return raw
}

func TestParsePlainAQuery(t *testing.T) {
	raw := packQuery(t, "Example.COM", dns.TypeA, nil)

	var q Query
	require.True(t, Parse(raw, &q))
	assert.Equal(t, "example.com", q.Domain())
	assert.Equal(t, dns.TypeA, q.Qtype)
	assert.False(t, q.HasEDNS)
	assert.Equal(t, uint16(512), q.ClientUDPSize)
}

func TestParseAAAAWithEDNS(t *testing.T) {
	raw := packQuery(t, "v6.example.org", dns.TypeAAAA, func(m *dns.Msg) {
		m.SetEdns0(1232, false)
	})

	var q Query
	require.True(t, Parse(raw, &q))
	assert.Equal(t, dns.TypeAAAA, q.Qtype)
	assert.True(t, q.HasEDNS)
	assert.Equal(t, uint16(1232), q.ClientUDPSize)
}

func TestParseFloorsSmallEDNSSize(t *testing.T) {
	raw := packQuery(t, "tiny.example", dns.TypeA, func(m *dns.Msg) {
		m.SetEdns0(256, false)
	})

	var q Query
	require.True(t, Parse(raw, &q))
	assert.Equal(t, uint16(512), q.ClientUDPSize)
}

func TestParseRejections(t *testing.T) {
	tests := []struct {
		name string
		raw  func(t *testing.T) []byte
	}{
		{"short buffer", func(t *testing.T) []byte { return make([]byte, 10) }},
		{"response bit", func(t *testing.T) []byte {
			raw := packQuery(t, "x.example", dns.TypeA, nil)
			raw[2] |= 0x80
			return raw
		}},
		{"non-query opcode", func(t *testing.T) []byte {
			raw := packQuery(t, "x.example", dns.TypeA, nil)
			raw[2] |= 0x28 // OPCODE=UPDATE
			return raw
		}},
		{"TXT qtype", func(t *testing.T) []byte {
			return packQuery(t, "x.example", dns.TypeTXT, nil)
		}},
		{"CHAOS class", func(t *testing.T) []byte {
			m := new(dns.Msg)
			m.Question = []dns.Question{{Name: "x.example.", Qtype: dns.TypeA, Qclass: dns.ClassCHAOS}}
			m.RecursionDesired = true
			raw, err := m.Pack()
			require.NoError(t, err)
			return raw
		}},
		{"DO bit set", func(t *testing.T) []byte {
			return packQuery(t, "x.example", dns.TypeA, func(m *dns.Msg) {
				m.SetEdns0(4096, true)
			})
		}},
		{"EDNS version 1", func(t *testing.T) []byte {
			return packQuery(t, "x.example", dns.TypeA, func(m *dns.Msg) {
				opt := &dns.OPT{Hdr: dns.RR_Header{Name: ".", Rrtype: dns.TypeOPT}}
				opt.SetUDPSize(4096)
				opt.SetVersion(1)
				m.Extra = append(m.Extra, opt)
			})
		}},
		{"two additional records", func(t *testing.T) []byte {
			return packQuery(t, "x.example", dns.TypeA, func(m *dns.Msg) {
				m.SetEdns0(4096, false)
				rr, err := dns.NewRR("extra.example. 60 IN A 1.2.3.4")
				require.NoError(t, err)
				m.Extra = append(m.Extra, rr)
			})
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var q Query
			assert.False(t, Parse(tt.raw(t), &q))
		})
	}
}

func TestParseRejectsCompressedQNAME(t *testing.T) {
	raw := packQuery(t, "x.example", dns.TypeA, nil)
	// Replace the first QNAME byte with a compression pointer.
	raw[12] = 0xC0
	raw[13] = 0x0C

	var q Query
	assert.False(t, Parse(raw, &q))
}

func TestBuildResponseRoundTrip(t *testing.T) {
	raw := packQuery(t, "example.com", dns.TypeA, nil)
	raw[2] |= 0x01 // RD

	var q Query
	require.True(t, Parse(raw, &q))

	addrs := []netip.Addr{netip.MustParseAddr("93.184.216.34")}
	var buf [ResponseBufSize]byte
	n, ok := BuildResponse(&buf, &q, raw, addrs, 290)
	require.True(t, ok)

	// A standard parser must accept the synthesized wire bytes.
	var resp dns.Msg
	require.NoError(t, resp.Unpack(buf[:n]))

	assert.Equal(t, q.ID, resp.Id)
	assert.True(t, resp.Response)
	assert.True(t, resp.RecursionAvailable)
	assert.True(t, resp.RecursionDesired)
	assert.Equal(t, dns.RcodeSuccess, resp.Rcode)

	require.Len(t, resp.Question, 1)
	assert.Equal(t, "example.com.", resp.Question[0].Name)
	assert.Equal(t, dns.TypeA, resp.Question[0].Qtype)

	require.Len(t, resp.Answer, 1)
	a, isA := resp.Answer[0].(*dns.A)
	require.True(t, isA)
	assert.Equal(t, "93.184.216.34", a.A.String())
	assert.Equal(t, uint32(290), a.Hdr.Ttl)
	assert.Empty(t, resp.Extra)
}

func TestBuildResponseAAAAAndEDNS(t *testing.T) {
	raw := packQuery(t, "v6.example", dns.TypeAAAA, func(m *dns.Msg) {
		m.SetEdns0(1232, false)
	})

	var q Query
	require.True(t, Parse(raw, &q))

	addrs := []netip.Addr{netip.MustParseAddr("2606:2800:220:1::1")}
	var buf [ResponseBufSize]byte
	n, ok := BuildResponse(&buf, &q, raw, addrs, 60)
	require.True(t, ok)

	var resp dns.Msg
	require.NoError(t, resp.Unpack(buf[:n]))

	require.Len(t, resp.Answer, 1)
	aaaa, isAAAA := resp.Answer[0].(*dns.AAAA)
	require.True(t, isAAAA)
	assert.Equal(t, "2606:2800:220:1::1", aaaa.AAAA.String())

	opt := resp.IsEdns0()
	require.NotNil(t, opt)
	assert.Equal(t, uint16(4096), opt.UDPSize())
	assert.False(t, opt.Do())
}

func TestBuildResponseMultipleAnswers(t *testing.T) {
	raw := packQuery(t, "multi.example", dns.TypeA, nil)

	var q Query
	require.True(t, Parse(raw, &q))

	addrs := []netip.Addr{
		netip.MustParseAddr("10.0.0.1"),
		netip.MustParseAddr("10.0.0.2"),
		netip.MustParseAddr("10.0.0.3"),
	}
	var buf [ResponseBufSize]byte
	n, ok := BuildResponse(&buf, &q, raw, addrs, 120)
	require.True(t, ok)

	var resp dns.Msg
	require.NoError(t, resp.Unpack(buf[:n]))
	require.Len(t, resp.Answer, 3)
	for i, want := range []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"} {
		a := resp.Answer[i].(*dns.A)
		assert.Equal(t, want, a.A.String())
	}
}

func TestBuildResponseOverflowFallsBack(t *testing.T) {
	raw := packQuery(t, "many.example", dns.TypeA, nil)

	var q Query
	require.True(t, Parse(raw, &q))

	// ~40 A records exceed 512 bytes without EDNS.
	var addrs []netip.Addr
	for i := 0; i < 40; i++ {
		addrs = append(addrs, netip.AddrFrom4([4]byte{10, 0, byte(i), 1}))
	}
	var buf [ResponseBufSize]byte
	_, ok := BuildResponse(&buf, &q, raw, addrs, 60)
	assert.False(t, ok)
}

func TestBuildResponseEmptyAddressesFallsBack(t *testing.T) {
	raw := packQuery(t, "none.example", dns.TypeA, nil)
	var q Query
	require.True(t, Parse(raw, &q))

	var buf [ResponseBufSize]byte
	_, ok := BuildResponse(&buf, &q, raw, nil, 60)
	assert.False(t, ok)
}

func TestParseThenBuildPreservesQNAMEBitExact(t *testing.T) {
	raw := packQuery(t, "CaSe.Example.COM", dns.TypeA, nil)

	var q Query
	require.True(t, Parse(raw, &q))

	var buf [ResponseBufSize]byte
	n, ok := BuildResponse(&buf, &q, raw, addrsOf("1.2.3.4"), 60)
	require.True(t, ok)

	// The question section is echoed byte-for-byte, preserving the original
	// casing on the wire.
	assert.Equal(t, raw[12:q.QuestionEnd], buf[12:q.QuestionEnd])
	assert.Equal(t, raw[0:2], buf[0:2]) // ID matches
}

func addrsOf(ips ...string) []netip.Addr {
	out := make([]netip.Addr, 0, len(ips))
	for _, ip := range ips {
		out = append(out, netip.MustParseAddr(ip))
	}
	return out
}
