package fastpath

import (
	"net/netip"

	"github.com/miekg/dns"
)

// ResponseBufSize fits a 512-byte answer plus one OPT record.
const ResponseBufSize = 523

// optRecord is a pre-rendered root-name OPT with UDP payload size 4096,
// version 0, DO clear, and no options.
var optRecord = [11]byte{0x00, 0x00, 0x29, 0x10, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}

// rdFlag is the Recursion Desired bit of the header flags word.
const rdFlag = 0x0100

// BuildResponse writes a cache-hit answer into buf, echoing the question
// from the original query bytes and emitting one answer per address via a
// compression pointer to the question QNAME. Returns the response length, or
// false when the answer would exceed min(client UDP size, 512) plus the OPT
// record; the caller then falls back to the full path, which applies the
// client's own UDP limit and sets TC when the response exceeds it.
func BuildResponse(buf *[ResponseBufSize]byte, q *Query, queryBuf []byte, addresses []netip.Addr, ttl uint32) (int, bool) {
	if len(addresses) == 0 || q.QuestionEnd > len(queryBuf) {
		return 0, false
	}

	questionLen := q.QuestionEnd - 12

	answersSize := 0
	for _, a := range addresses {
		if a.Is4() {
			answersSize += 16
		} else {
			answersSize += 28
		}
	}

	optSize := 0
	if q.HasEDNS {
		optSize = len(optRecord)
	}
	total := 12 + questionLen + answersSize + optSize
	maxSize := int(q.ClientUDPSize)
	if maxSize > 512 {
		maxSize = 512
	}
	if total > maxSize+optSize {
		return 0, false
	}

	// Header: QR=1, RA=1, RD echoed from the query, RCODE=0.
	flags := uint16(0x8080) | (q.Flags & rdFlag)
	buf[0] = byte(q.ID >> 8)
	buf[1] = byte(q.ID)
	buf[2] = byte(flags >> 8)
	buf[3] = byte(flags)
	buf[4] = 0x00
	buf[5] = 0x01 // QDCOUNT
	ancount := uint16(len(addresses))
	buf[6] = byte(ancount >> 8)
	buf[7] = byte(ancount)
	buf[8] = 0x00
	buf[9] = 0x00
	buf[10] = 0x00
	if q.HasEDNS {
		buf[11] = 0x01
	} else {
		buf[11] = 0x00
	}

	copy(buf[12:12+questionLen], queryBuf[12:q.QuestionEnd])

	pos := 12 + questionLen
	for _, addr := range addresses {
		// Compression pointer to the question QNAME at offset 12.
		buf[pos] = 0xC0
		buf[pos+1] = 0x0C

		if addr.Is4() {
			buf[pos+2] = byte(dns.TypeA >> 8)
			buf[pos+3] = byte(dns.TypeA)
		} else {
			buf[pos+2] = byte(dns.TypeAAAA >> 8)
			buf[pos+3] = byte(dns.TypeAAAA)
		}
		buf[pos+4] = 0x00
		buf[pos+5] = 0x01 // CLASS IN
		buf[pos+6] = byte(ttl >> 24)
		buf[pos+7] = byte(ttl >> 16)
		buf[pos+8] = byte(ttl >> 8)
		buf[pos+9] = byte(ttl)

		if addr.Is4() {
			buf[pos+10] = 0x00
			buf[pos+11] = 0x04
			v4 := addr.As4()
			copy(buf[pos+12:pos+16], v4[:])
			pos += 16
		} else {
			buf[pos+10] = 0x00
			buf[pos+11] = 0x10
			v6 := addr.As16()
			copy(buf[pos+12:pos+28], v6[:])
			pos += 28
		}
	}

	if q.HasEDNS {
		copy(buf[pos:pos+len(optRecord)], optRecord[:])
		pos += len(optRecord)
	}

	return pos, true
}
