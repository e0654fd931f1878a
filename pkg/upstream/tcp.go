package upstream

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"
)

// tcpIdlePoolSize caps kept-alive connections per endpoint.
const tcpIdlePoolSize = 2

// dialFunc opens a stream connection for an endpoint.
type dialFunc func(ctx context.Context) (net.Conn, error)

// streamTransport implements length-prefixed DNS over any stream connection.
// TCP and DoT share it; only the dialer differs.
type streamTransport struct {
	ep    Endpoint
	proto Protocol
	dial  dialFunc
	idle  chan net.Conn
}

func newTCPTransport(ep Endpoint) *streamTransport {
	dialer := &net.Dialer{}
	return &streamTransport{
		ep:    ep,
		proto: ProtoTCP,
		dial: func(ctx context.Context) (net.Conn, error) {
			return dialer.DialContext(ctx, "tcp", ep.Addr)
		},
		idle: make(chan net.Conn, tcpIdlePoolSize),
	}
}

func (t *streamTransport) Proto() Protocol { return t.proto }

// Send frames the query with a 2-byte big-endian length prefix and reads one
// framed response. An idle pooled connection is tried first; if it went
// stale, the exchange is retried once on a fresh connection.
func (t *streamTransport) Send(ctx context.Context, query []byte) ([]byte, error) {
	if len(query) > 0xFFFF {
		return nil, fmt.Errorf("query exceeds TCP message limit: %d bytes", len(query))
	}

	select {
	case conn := <-t.idle:
		resp, err := t.exchange(ctx, conn, query)
		if err == nil {
			return resp, nil
		}
		// Stale keep-alive; fall through to a fresh connection.
		_ = conn.Close()
	default:
	}

	conn, err := t.dial(ctx)
	if err != nil {
		return nil, classifyError(t.ep.String(), err)
	}
	resp, err := t.exchange(ctx, conn, query)
	if err != nil {
		_ = conn.Close()
		return nil, classifyError(t.ep.String(), err)
	}
	return resp, nil
}

func (t *streamTransport) exchange(ctx context.Context, conn net.Conn, query []byte) ([]byte, error) {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(2 * time.Second)
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, err
	}

	frame := make([]byte, 2+len(query))
	binary.BigEndian.PutUint16(frame, uint16(len(query)))
	copy(frame[2:], query)
	if _, err := conn.Write(frame); err != nil {
		return nil, err
	}

	var lenbuf [2]byte
	if _, err := io.ReadFull(conn, lenbuf[:]); err != nil {
		return nil, err
	}
	resp := make([]byte, binary.BigEndian.Uint16(lenbuf[:]))
	if _, err := io.ReadFull(conn, resp); err != nil {
		return nil, err
	}

	// Healthy exchange: keep the connection if there is room.
	select {
	case t.idle <- conn:
	default:
		_ = conn.Close()
	}
	return resp, nil
}

func (t *streamTransport) Close() error {
	for {
		select {
		case conn := <-t.idle:
			_ = conn.Close()
		default:
			return nil
		}
	}
}
