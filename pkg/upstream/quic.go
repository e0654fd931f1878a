package upstream

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	quic "github.com/quic-go/quic-go"
)

// quicTransport is DNS-over-QUIC per RFC 9250: ALPN "doq", one bidirectional
// stream per query, the connection pooled per (addr, hostname), and session
// resumption enabled through the TLS session cache.
type quicTransport struct {
	ep      Endpoint
	tlsConf *tls.Config

	mu   sync.Mutex
	conn quic.Connection
}

func newQUICTransport(ep Endpoint) *quicTransport {
	tlsConf := clientTLSConfig(ep.Hostname, "doq")
	tlsConf.ClientSessionCache = tls.NewLRUClientSessionCache(8)
	return &quicTransport{ep: ep, tlsConf: tlsConf}
}

func (t *quicTransport) Proto() Protocol { return ProtoQUIC }

func (t *quicTransport) getConn(ctx context.Context) (quic.Connection, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		select {
		case <-t.conn.Context().Done():
			t.conn = nil
		default:
			return t.conn, nil
		}
	}
	conn, err := quic.DialAddr(ctx, t.ep.Addr, t.tlsConf, &quic.Config{})
	if err != nil {
		return nil, err
	}
	t.conn = conn
	return conn, nil
}

func (t *quicTransport) Send(ctx context.Context, query []byte) ([]byte, error) {
	conn, err := t.getConn(ctx)
	if err != nil {
		return nil, classifyError(t.ep.String(), err)
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		t.dropConn(conn)
		return nil, classifyError(t.ep.String(), err)
	}

	// RFC 9250 §4.2.1: the message ID must be zero over DoQ; stream
	// separation replaces ID-based matching. The caller restores its ID on
	// the unpacked response.
	msg := make([]byte, 2+len(query))
	binary.BigEndian.PutUint16(msg, uint16(len(query)))
	copy(msg[2:], query)
	msg[2] = 0
	msg[3] = 0

	if deadline, ok := ctx.Deadline(); ok {
		_ = stream.SetDeadline(deadline)
	}

	if _, err := stream.Write(msg); err != nil {
		_ = stream.Close()
		t.dropConn(conn)
		return nil, classifyError(t.ep.String(), err)
	}
	// Close the write side; the server answers on the same stream.
	if err := stream.Close(); err != nil {
		t.dropConn(conn)
		return nil, classifyError(t.ep.String(), err)
	}

	var lenbuf [2]byte
	if _, err := io.ReadFull(stream, lenbuf[:]); err != nil {
		t.dropConn(conn)
		return nil, classifyError(t.ep.String(), err)
	}
	resp := make([]byte, binary.BigEndian.Uint16(lenbuf[:]))
	if _, err := io.ReadFull(stream, resp); err != nil {
		t.dropConn(conn)
		return nil, classifyError(t.ep.String(), err)
	}
	return resp, nil
}

// dropConn discards the pooled connection if it is the one that failed.
func (t *quicTransport) dropConn(conn quic.Connection) {
	t.mu.Lock()
	if t.conn == conn {
		t.conn = nil
	}
	t.mu.Unlock()
}

func (t *quicTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		err := t.conn.CloseWithError(0, "shutdown")
		t.conn = nil
		if err != nil {
			return fmt.Errorf("failed to close quic connection: %w", err)
		}
	}
	return nil
}
