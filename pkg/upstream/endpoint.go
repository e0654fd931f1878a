package upstream

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"
)

// Protocol tags an upstream endpoint's transport.
type Protocol uint8

const (
	ProtoUDP Protocol = iota
	ProtoTCP
	ProtoTLS
	ProtoHTTPS
	ProtoQUIC
)

// String returns the scheme for a protocol.
func (p Protocol) String() string {
	switch p {
	case ProtoUDP:
		return "udp"
	case ProtoTCP:
		return "tcp"
	case ProtoTLS:
		return "tls"
	case ProtoHTTPS:
		return "https"
	case ProtoQUIC:
		return "quic"
	default:
		return "unknown"
	}
}

func defaultPort(p Protocol) string {
	switch p {
	case ProtoTLS, ProtoQUIC:
		return "853"
	case ProtoHTTPS:
		return "443"
	default:
		return "53"
	}
}

// Endpoint is one resolved upstream server.
type Endpoint struct {
	Proto Protocol
	// Addr is the dialable host:port with a literal IP.
	Addr string
	// Hostname drives certificate verification, SNI, and the Host header for
	// TLS, HTTPS, and QUIC endpoints. Empty for plain UDP/TCP.
	Hostname string
	// URL is the full query URL for HTTPS endpoints.
	URL string
}

// String renders the endpoint in configuration syntax. Used as the stable
// identity in health tracking and query logs.
func (e Endpoint) String() string {
	if e.Proto == ProtoHTTPS {
		return e.URL
	}
	return e.Proto.String() + "://" + e.Addr
}

// endpointSpec is a parsed-but-unresolved server string.
type endpointSpec struct {
	proto    Protocol
	host     string
	port     string
	path     string
	hostIsIP bool
}

// parseEndpoint parses configuration syntax:
//
//	udp://host[:port]   (default 53)
//	tcp://host[:port]   (default 53)
//	tls://host[:port]   (default 853)
//	https://host/path   (default 443)
//	quic://host[:port]  (default 853)
//
// A bare host[:port] is treated as udp://.
func parseEndpoint(s string) (endpointSpec, error) {
	if !strings.Contains(s, "://") {
		s = "udp://" + s
	}
	u, err := url.Parse(s)
	if err != nil {
		return endpointSpec{}, fmt.Errorf("invalid endpoint %q: %w", s, err)
	}

	var proto Protocol
	switch u.Scheme {
	case "udp":
		proto = ProtoUDP
	case "tcp":
		proto = ProtoTCP
	case "tls", "dot":
		proto = ProtoTLS
	case "https":
		proto = ProtoHTTPS
	case "quic", "doq":
		proto = ProtoQUIC
	default:
		return endpointSpec{}, fmt.Errorf("unknown endpoint scheme %q in %q", u.Scheme, s)
	}

	host := u.Hostname()
	if host == "" {
		return endpointSpec{}, fmt.Errorf("endpoint %q has no host", s)
	}
	port := u.Port()
	if port == "" {
		port = defaultPort(proto)
	}
	path := u.Path
	if proto == ProtoHTTPS && path == "" {
		path = "/dns-query"
	}

	_, ipErr := netip.ParseAddr(host)
	return endpointSpec{
		proto:    proto,
		host:     host,
		port:     port,
		path:     path,
		hostIsIP: ipErr == nil,
	}, nil
}

// ResolveEndpoints parses and resolves a server string. Hostnames are looked
// up at pool-build time; a name with both A and AAAA records expands into one
// endpoint per address.
func ResolveEndpoints(ctx context.Context, s string) ([]Endpoint, error) {
	spec, err := parseEndpoint(s)
	if err != nil {
		return nil, err
	}

	var addrs []netip.Addr
	if spec.hostIsIP {
		addrs = []netip.Addr{netip.MustParseAddr(spec.host)}
	} else {
		resolved, err := net.DefaultResolver.LookupNetIP(ctx, "ip", spec.host)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve upstream host %q: %w", spec.host, err)
		}
		addrs = resolved
	}

	hostname := ""
	if spec.proto == ProtoTLS || spec.proto == ProtoHTTPS || spec.proto == ProtoQUIC {
		hostname = spec.host
	}

	out := make([]Endpoint, 0, len(addrs))
	for _, a := range addrs {
		ep := Endpoint{
			Proto:    spec.proto,
			Addr:     net.JoinHostPort(a.Unmap().String(), spec.port),
			Hostname: hostname,
		}
		if spec.proto == ProtoHTTPS {
			ep.URL = "https://" + net.JoinHostPort(spec.host, spec.port) + spec.path
		}
		out = append(out, ep)
	}
	return out, nil
}
