package upstream

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"

	"golang.org/x/net/http2"
)

const dnsMessageMediaType = "application/dns-message"

// httpsTransport is DNS-over-HTTPS per RFC 8484: HTTP/2 only, POST with
// application/dns-message bodies, shared client with its connection pool.
type httpsTransport struct {
	ep     Endpoint
	client *http.Client
}

func newHTTPSTransport(ep Endpoint) *httpsTransport {
	tlsConf := clientTLSConfig(ep.Hostname, "h2")
	tr := &http2.Transport{
		TLSClientConfig: tlsConf,
		// Dial the resolved address while verifying against the hostname.
		DialTLSContext: func(ctx context.Context, network, _ string, cfg *tls.Config) (net.Conn, error) {
			dialer := &tls.Dialer{NetDialer: &net.Dialer{}, Config: cfg}
			return dialer.DialContext(ctx, network, ep.Addr)
		},
	}
	return &httpsTransport{
		ep:     ep,
		client: &http.Client{Transport: tr},
	}
}

func (t *httpsTransport) Proto() Protocol { return ProtoHTTPS }

func (t *httpsTransport) Send(ctx context.Context, query []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.ep.URL, bytes.NewReader(query))
	if err != nil {
		return nil, classifyError(t.ep.String(), err)
	}
	req.Header.Set("Content-Type", dnsMessageMediaType)
	req.Header.Set("Accept", dnsMessageMediaType)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, classifyError(t.ep.String(), err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("upstream %s: unexpected status %d", t.ep.String(), resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return nil, classifyError(t.ep.String(), err)
	}
	return body, nil
}

func (t *httpsTransport) Close() error {
	t.client.CloseIdleConnections()
	return nil
}
