package upstream

import (
	"context"
	"net"
	"time"
)

const (
	// udpPoolSize is the idle-socket pool per destination.
	udpPoolSize = 8
	// udpMaxSockets caps total allocated sockets per destination.
	udpMaxSockets = 64
)

// udpTransport pools connected UDP sockets per destination. Sockets carry no
// pending reads between checkouts: any socket that errored mid-exchange is
// closed instead of returned.
type udpTransport struct {
	ep   Endpoint
	idle chan *net.UDPConn
	sem  chan struct{} // counts allocated sockets
}

func newUDPTransport(ep Endpoint) *udpTransport {
	return &udpTransport{
		ep:   ep,
		idle: make(chan *net.UDPConn, udpPoolSize),
		sem:  make(chan struct{}, udpMaxSockets),
	}
}

func (t *udpTransport) Proto() Protocol { return ProtoUDP }

func (t *udpTransport) checkout(ctx context.Context) (*net.UDPConn, error) {
	select {
	case conn := <-t.idle:
		return conn, nil
	default:
	}

	select {
	case t.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	raddr, err := net.ResolveUDPAddr("udp", t.ep.Addr)
	if err != nil {
		<-t.sem
		return nil, err
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		<-t.sem
		return nil, err
	}
	return conn, nil
}

func (t *udpTransport) checkin(conn *net.UDPConn, broken bool) {
	if broken {
		_ = conn.Close()
		<-t.sem
		return
	}
	select {
	case t.idle <- conn:
	default:
		_ = conn.Close()
		<-t.sem
	}
}

// Send performs a single send/recv exchange. The caller handles the TC bit.
func (t *udpTransport) Send(ctx context.Context, query []byte) ([]byte, error) {
	conn, err := t.checkout(ctx)
	if err != nil {
		return nil, classifyError(t.ep.String(), err)
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(2 * time.Second)
	}
	if err := conn.SetDeadline(deadline); err != nil {
		t.checkin(conn, true)
		return nil, classifyError(t.ep.String(), err)
	}

	if _, err := conn.Write(query); err != nil {
		t.checkin(conn, true)
		return nil, classifyError(t.ep.String(), err)
	}

	buf := make([]byte, maxUDPResponse)
	n, err := conn.Read(buf)
	if err != nil {
		t.checkin(conn, true)
		return nil, classifyError(t.ep.String(), err)
	}

	t.checkin(conn, false)
	return buf[:n], nil
}

func (t *udpTransport) Close() error {
	for {
		select {
		case conn := <-t.idle:
			_ = conn.Close()
			<-t.sem
		default:
			return nil
		}
	}
}
