// Package querylog implements the asynchronous query-log sink: a lossy
// bounded channel drained by a worker pool into a batched sqlite writer.
// Sink errors never reach the DNS client; backpressure drops events.
package querylog

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"sinkzone/pkg/logging"
	"sinkzone/pkg/telemetry"
)

// ResponseStatus values recorded per event.
const (
	StatusNoError  = "NOERROR"
	StatusNxDomain = "NXDOMAIN"
	StatusServFail = "SERVFAIL"
	StatusTimeout  = "TIMEOUT"
	StatusBlocked  = "BLOCKED"
	StatusRefused  = "REFUSED"
)

// Event is one handled query.
type Event struct {
	Timestamp      time.Time
	Domain         string
	Type           string
	ClientIP       string
	Blocked        bool
	BlockSource    string
	CacheHit       bool
	CacheRefresh   bool
	DnssecStatus   string
	UpstreamServer string
	ResponseStatus string
	ResponseTimeUs int64
}

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("query log sink closed")

// Writer persists batches of events.
type Writer interface {
	WriteBatch(ctx context.Context, events []*Event) error
	Close() error
}

// Sink buffers events in a bounded channel and drains them with a worker
// pool. Submission never blocks: a full buffer drops the event.
type Sink struct {
	ch      chan *Event
	writer  Writer
	flush   time.Duration
	workers int
	wg      sync.WaitGroup
	cancel  context.CancelFunc
	closed  atomic.Bool
	dropped atomic.Uint64
	logger  *logging.Logger
	metrics *telemetry.Metrics
}

// batchSize is the per-worker write batch cap.
const batchSize = 256

// NewSink starts the worker pool.
func NewSink(writer Writer, bufferSize, workers int, flushInterval time.Duration, logger *logging.Logger, metrics *telemetry.Metrics) *Sink {
	if bufferSize <= 0 {
		bufferSize = 50000
	}
	if workers <= 0 {
		workers = 4
	}
	if flushInterval <= 0 {
		flushInterval = 2 * time.Second
	}
	if logger == nil {
		logger = logging.Discard()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Sink{
		ch:      make(chan *Event, bufferSize),
		writer:  writer,
		flush:   flushInterval,
		workers: workers,
		cancel:  cancel,
		logger:  logger,
		metrics: metrics,
	}
	for i := 0; i < workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx)
	}

	logger.Info("Query log sink started", "workers", workers, "buffer_size", bufferSize)
	return s
}

// Submit enqueues an event without blocking. Events are dropped when the
// buffer is full or the sink is closed.
func (s *Sink) Submit(ev *Event) {
	if s.closed.Load() {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	select {
	case s.ch <- ev:
	default:
		s.dropped.Add(1)
		if s.metrics != nil {
			s.metrics.QueryLogDropped.Add(context.Background(), 1)
		}
	}
}

// Dropped reports how many events were discarded under backpressure.
func (s *Sink) Dropped() uint64 { return s.dropped.Load() }

func (s *Sink) worker(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.flush)
	defer ticker.Stop()

	batch := make([]*Event, 0, batchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		wctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.writer.WriteBatch(wctx, batch); err != nil {
			s.logger.Error("Failed to flush query log batch", "error", err, "batch_size", len(batch))
		}
		cancel()
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			// Drain what is already buffered, then flush and exit.
			for {
				select {
				case ev := <-s.ch:
					batch = append(batch, ev)
					if len(batch) >= batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		case ev := <-s.ch:
			batch = append(batch, ev)
			if len(batch) >= batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// Close stops the workers, flushes buffered events, and closes the writer.
func (s *Sink) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	s.cancel()
	s.wg.Wait()
	return s.writer.Close()
}
