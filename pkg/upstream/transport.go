// Package upstream implements the upstream transport set (UDP, TCP, DoT,
// DoH, DoQ), the prioritized pool manager with its racing strategies, and
// active endpoint health tracking.
package upstream

import (
	"context"
	"crypto/tls"
	"fmt"
)

// maxUDPResponse bounds the receive buffer for datagram transports.
const maxUDPResponse = 4096

// Transport sends one raw DNS message and returns the raw response. The
// context deadline bounds the exchange; implementations pool connections
// per endpoint.
type Transport interface {
	Send(ctx context.Context, query []byte) ([]byte, error)
	Proto() Protocol
	Close() error
}

// newTransport builds the transport for an endpoint.
func newTransport(ep Endpoint) (Transport, error) {
	switch ep.Proto {
	case ProtoUDP:
		return newUDPTransport(ep), nil
	case ProtoTCP:
		return newTCPTransport(ep), nil
	case ProtoTLS:
		return newTLSTransport(ep), nil
	case ProtoHTTPS:
		return newHTTPSTransport(ep), nil
	case ProtoQUIC:
		return newQUICTransport(ep), nil
	default:
		return nil, fmt.Errorf("no transport for protocol %v", ep.Proto)
	}
}

// clientTLSConfig builds the shared client TLS settings: system roots, the
// endpoint hostname for verification/SNI, and the given ALPN.
func clientTLSConfig(hostname string, alpn ...string) *tls.Config {
	return &tls.Config{
		ServerName: hostname,
		NextProtos: alpn,
		MinVersion: tls.VersionTLS12,
	}
}
