package fastpath

import (
	"net/netip"
	"testing"

	"github.com/miekg/dns"
)

func benchQuery(b *testing.B) []byte {
	b.Helper()
	m := new(dns.Msg)
	m.SetQuestion("www.example.com.", dns.TypeA)
	raw, err := m.Pack()
	if err != nil {
		b.Fatal(err)
	}
	return raw
}

func BenchmarkParse(b *testing.B) {
	raw := benchQuery(b)
	var q Query

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if !Parse(raw, &q) {
			b.Fatal("parse failed")
		}
	}
}

func BenchmarkBuildResponse(b *testing.B) {
	raw := benchQuery(b)
	var q Query
	if !Parse(raw, &q) {
		b.Fatal("parse failed")
	}
	addrs := []netip.Addr{netip.MustParseAddr("93.184.216.34"), netip.MustParseAddr("93.184.216.35")}
	var buf [ResponseBufSize]byte

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, ok := BuildResponse(&buf, &q, raw, addrs, 300); !ok {
			b.Fatal("build failed")
		}
	}
}
