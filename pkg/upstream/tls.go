package upstream

import (
	"context"
	"crypto/tls"
	"net"
)

// newTLSTransport builds a DNS-over-TLS transport: TCP framing over TLS with
// system roots, SNI from the endpoint hostname, and ALPN "dot".
func newTLSTransport(ep Endpoint) *streamTransport {
	tlsConf := clientTLSConfig(ep.Hostname, "dot")
	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{},
		Config:    tlsConf,
	}
	return &streamTransport{
		ep:    ep,
		proto: ProtoTLS,
		dial: func(ctx context.Context) (net.Conn, error) {
			return dialer.DialContext(ctx, "tcp", ep.Addr)
		},
		idle: make(chan net.Conn, tcpIdlePoolSize),
	}
}
