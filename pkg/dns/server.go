package dns

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"sinkzone/pkg/cache"
	"sinkzone/pkg/config"
	"sinkzone/pkg/fastpath"
	"sinkzone/pkg/logging"
	"sinkzone/pkg/querylog"
	"sinkzone/pkg/telemetry"

	"github.com/miekg/dns"
)

// udpReadBufferSize covers EDNS-sized queries.
const udpReadBufferSize = 4096

// Server owns the UDP and TCP listeners. UDP is read raw so cache hits for
// plain A/AAAA queries can be answered on the wire fast path without a full
// message decode; everything else goes through the Handler.
type Server struct {
	cfg     *config.ServerConfig
	handler *Handler
	cache   *cache.Cache
	logger  *logging.Logger
	metrics *telemetry.Metrics

	udpConn   *net.UDPConn
	tcpServer *dns.Server
	tcpAddr   net.Addr
	wg        sync.WaitGroup
	closed    chan struct{}
}

// NewServer builds the server around a handler.
func NewServer(cfg *config.ServerConfig, handler *Handler, c *cache.Cache, logger *logging.Logger, metrics *telemetry.Metrics) *Server {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Server{
		cfg:     cfg,
		handler: handler,
		cache:   c,
		logger:  logger,
		metrics: metrics,
		closed:  make(chan struct{}),
	}
}

// Start binds the listeners and begins serving. Non-blocking.
func (s *Server) Start() error {
	if s.cfg.UDPEnabled {
		addr, err := net.ResolveUDPAddr("udp", s.cfg.ListenAddress)
		if err != nil {
			return fmt.Errorf("invalid listen address: %w", err)
		}
		conn, err := net.ListenUDP("udp", addr)
		if err != nil {
			return fmt.Errorf("failed to bind UDP listener: %w", err)
		}
		s.udpConn = conn
		s.wg.Add(1)
		go s.serveUDP()
		s.logger.Info("UDP listener started", "addr", s.cfg.ListenAddress, "fast_path", s.fastPathEnabled())
	}

	if s.cfg.TCPEnabled {
		ln, err := net.Listen("tcp", s.cfg.ListenAddress)
		if err != nil {
			return fmt.Errorf("failed to bind TCP listener: %w", err)
		}
		s.tcpAddr = ln.Addr()
		s.tcpServer = &dns.Server{Listener: ln, Handler: s.handler}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.tcpServer.ActivateAndServe(); err != nil {
				select {
				case <-s.closed:
				default:
					s.logger.Error("TCP server failed", "error", err)
				}
			}
		}()
		s.logger.Info("TCP listener started", "addr", s.cfg.ListenAddress)
	}

	return nil
}

// UDPAddr returns the bound UDP address, for tests binding port 0.
func (s *Server) UDPAddr() net.Addr {
	if s.udpConn == nil {
		return nil
	}
	return s.udpConn.LocalAddr()
}

// TCPAddr returns the bound TCP address, for tests binding port 0.
func (s *Server) TCPAddr() net.Addr {
	return s.tcpAddr
}

func (s *Server) fastPathEnabled() bool {
	if !s.cfg.FastPath || s.cache == nil {
		return false
	}
	// Policy rules need the full pipeline; with any configured, every query
	// takes it.
	return s.handler.Policies == nil || s.handler.Policies.RuleCount() == 0
}

func (s *Server) serveUDP() {
	defer s.wg.Done()

	fastPath := s.fastPathEnabled()
	for {
		buf := make([]byte, udpReadBufferSize)
		n, raddr, err := s.udpConn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("UDP read failed", "error", err)
			continue
		}

		pkt := buf[:n]
		go s.handlePacket(pkt, raddr, fastPath)
	}
}

// handlePacket answers one datagram: fast path first, full pipeline
// otherwise.
func (s *Server) handlePacket(pkt []byte, raddr *net.UDPAddr, fastPath bool) {
	if fastPath {
		if done := s.tryFastPath(pkt, raddr); done {
			return
		}
	}

	var req dns.Msg
	if err := req.Unpack(pkt); err != nil {
		s.logger.Debug("Dropping malformed datagram", "client", raddr.String(), "error", err)
		return
	}

	clientIP, _ := netip.AddrFromSlice(raddr.IP)
	resp := s.handler.Handle(context.Background(), &req, clientIP.Unmap(), clientUDPLimit(&req))

	out, err := resp.Pack()
	if err != nil {
		s.logger.Error("Failed to pack response", "error", err)
		return
	}
	_, _ = s.udpConn.WriteToUDP(out, raddr)
}

// tryFastPath answers plain A/AAAA cache hits without allocating. Returns
// true when a response was written.
func (s *Server) tryFastPath(pkt []byte, raddr *net.UDPAddr) bool {
	var q fastpath.Query
	if !fastpath.Parse(pkt, &q) {
		return false
	}

	domain := q.Domain()

	// The block decision rides the decision cache, keeping the fast path
	// cheap for repeat queries. Blocked domains take the full path so the
	// response and logging stay in one place.
	if s.handler.Blocks != nil {
		clientIP, _ := netip.AddrFromSlice(raddr.IP)
		groupID := s.handler.Blocks.ResolveGroup(clientIP.Unmap())
		if d := s.handler.Blocks.Check(domain, groupID); d.Blocked {
			return false
		}
	}

	hit, ok := s.cache.Get(domain, q.Qtype)
	if !ok || hit.Data.Kind != cache.KindAddresses || len(hit.Data.Addresses) == 0 {
		return false
	}

	var buf [fastpath.ResponseBufSize]byte
	n, ok := fastpath.BuildResponse(&buf, &q, pkt, hit.Data.Addresses, hit.RemainingTTL)
	if !ok {
		return false
	}

	if _, err := s.udpConn.WriteToUDP(buf[:n], raddr); err != nil {
		return true // written is written; the client is gone
	}

	if s.metrics != nil {
		s.metrics.FastPathHits.Add(context.Background(), 1)
	}
	if s.handler.Sink != nil {
		s.handler.Sink.Submit(&querylog.Event{
			Domain:         domain,
			Type:           dns.TypeToString[q.Qtype],
			ClientIP:       raddr.IP.String(),
			CacheHit:       true,
			CacheRefresh:   hit.Stale,
			DnssecStatus:   hit.Dnssec.String(),
			ResponseStatus: querylog.StatusNoError,
		})
	}
	return true
}

// Shutdown stops both listeners.
func (s *Server) Shutdown(ctx context.Context) error {
	close(s.closed)

	var firstErr error
	if s.udpConn != nil {
		if err := s.udpConn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if s.tcpServer != nil {
		if err := s.tcpServer.ShutdownContext(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(5 * time.Second):
	}

	s.logger.Info("DNS server stopped")
	return firstErr
}
