// Package fastpath implements a zero-allocation parse of plain A/AAAA
// queries and zero-allocation synthesis of cache-hit responses, bypassing
// full message decoding on the UDP hot path.
package fastpath

import (
	"github.com/miekg/dns"
)

// maxDomainLen is the RFC 1035 presentation-format name limit.
const maxDomainLen = 253

// minQueryLen is a header plus a root QNAME and QTYPE/QCLASS.
const minQueryLen = 17

// Query is the result of a successful fast-path parse. The domain lives in a
// stack-style fixed buffer; DomainBytes() slices into it without copying,
// Domain() returns a copy as a string.
type Query struct {
	ID    uint16
	Qtype uint16
	// Flags is the raw header flags word; RD is echoed into the response.
	Flags uint16
	// QuestionEnd is the byte offset where the question section ends, so the
	// response builder can echo the question by copy.
	QuestionEnd int
	// ClientUDPSize is the EDNS0-advertised payload size, floored at 512.
	ClientUDPSize uint16
	// HasEDNS records whether the client sent an OPT record; the response
	// then carries one too.
	HasEDNS bool

	domainBuf [maxDomainLen + 1]byte
	domainLen int
}

// Domain returns the decoded, lowercased domain without a trailing dot.
func (q *Query) Domain() string {
	return string(q.domainBuf[:q.domainLen])
}

// DomainBytes returns the domain without converting to a string. The slice
// aliases the query's internal buffer.
func (q *Query) DomainBytes() []byte {
	return q.domainBuf[:q.domainLen]
}

// Parse attempts a minimal parse of a raw DNS query. It returns false, and
// the caller falls back to the full decoder, for anything that is not a
// plain A/AAAA question in the IN class:
//
//   - buffer shorter than 17 bytes
//   - QR set or OPCODE non-zero
//   - QDCOUNT != 1, ANCOUNT != 0, or NSCOUNT != 0
//   - compression pointer or extended label type in the QNAME
//   - QTYPE other than A or AAAA, QCLASS other than IN
//   - more than one additional record, or an additional record that is not
//     an EDNS0 OPT with version 0 and DO clear
func Parse(buf []byte, q *Query) bool {
	if len(buf) < minQueryLen {
		return false
	}

	id := uint16(buf[0])<<8 | uint16(buf[1])
	flags := uint16(buf[2])<<8 | uint16(buf[3])

	// QR and OPCODE live in the top five bits.
	if flags&0xF800 != 0 {
		return false
	}

	qdcount := uint16(buf[4])<<8 | uint16(buf[5])
	ancount := uint16(buf[6])<<8 | uint16(buf[7])
	nscount := uint16(buf[8])<<8 | uint16(buf[9])
	arcount := uint16(buf[10])<<8 | uint16(buf[11])

	if qdcount != 1 || ancount != 0 || nscount != 0 || arcount > 1 {
		return false
	}

	pos := 12
	domainLen := 0
	first := true
	for {
		if pos >= len(buf) {
			return false
		}
		labelLen := int(buf[pos])
		if labelLen == 0 {
			pos++
			break
		}
		if labelLen&0xC0 != 0 {
			// Compression pointers and extended label types fall back.
			return false
		}
		pos++
		if pos+labelLen > len(buf) {
			return false
		}
		if !first {
			if domainLen >= maxDomainLen {
				return false
			}
			q.domainBuf[domainLen] = '.'
			domainLen++
		}
		first = false
		if domainLen+labelLen > maxDomainLen {
			return false
		}
		for _, b := range buf[pos : pos+labelLen] {
			if 'A' <= b && b <= 'Z' {
				b += 'a' - 'A'
			}
			q.domainBuf[domainLen] = b
			domainLen++
		}
		pos += labelLen
	}

	if pos+4 > len(buf) {
		return false
	}
	qtype := uint16(buf[pos])<<8 | uint16(buf[pos+1])
	qclass := uint16(buf[pos+2])<<8 | uint16(buf[pos+3])
	pos += 4

	if qclass != dns.ClassINET {
		return false
	}
	if qtype != dns.TypeA && qtype != dns.TypeAAAA {
		return false
	}

	questionEnd := pos
	clientUDPSize := uint16(512)
	hasEDNS := false

	if arcount == 1 {
		// The single additional record must be a root-name OPT.
		if pos >= len(buf) || buf[pos] != 0x00 {
			return false
		}
		pos++
		if pos+10 > len(buf) {
			return false
		}
		rrType := uint16(buf[pos])<<8 | uint16(buf[pos+1])
		if rrType != dns.TypeOPT {
			return false
		}
		udpSize := uint16(buf[pos+2])<<8 | uint16(buf[pos+3])
		version := buf[pos+5]
		doFlags := uint16(buf[pos+6])<<8 | uint16(buf[pos+7])

		if version != 0 {
			return false
		}
		if doFlags&0x8000 != 0 {
			// DNSSEC OK requires the full pipeline.
			return false
		}

		hasEDNS = true
		if udpSize > 512 {
			clientUDPSize = udpSize
		}
	}

	q.ID = id
	q.Qtype = qtype
	q.Flags = flags
	q.QuestionEnd = questionEnd
	q.ClientUDPSize = clientUDPSize
	q.HasEDNS = hasEDNS
	q.domainLen = domainLen
	return true
}
