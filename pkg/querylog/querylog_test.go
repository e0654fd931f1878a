package querylog

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"sinkzone/pkg/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memWriter collects batches in memory.
type memWriter struct {
	mu     sync.Mutex
	events []*Event
	fail   bool
}

func (w *memWriter) WriteBatch(_ context.Context, events []*Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fail {
		return assert.AnError
	}
	w.events = append(w.events, events...)
	return nil
}

func (w *memWriter) Close() error { return nil }

func (w *memWriter) len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.events)
}

func TestSinkDeliversEvents(t *testing.T) {
	w := &memWriter{}
	s := NewSink(w, 100, 2, 50*time.Millisecond, logging.Discard(), nil)

	for i := 0; i < 10; i++ {
		s.Submit(&Event{Domain: "example.com", Type: "A", ClientIP: "10.0.0.1", ResponseStatus: StatusNoError})
	}

	require.Eventually(t, func() bool { return w.len() == 10 }, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, s.Dropped())
	require.NoError(t, s.Close())
}

func TestSinkDropsUnderBackpressure(t *testing.T) {
	w := &memWriter{}
	// Tiny buffer, no workers draining fast enough: use a long flush and a
	// writer that is never given time before submits finish.
	s := &Sink{
		ch:     make(chan *Event, 2),
		writer: w,
		flush:  time.Hour,
		logger: logging.Discard(),
	}

	for i := 0; i < 10; i++ {
		s.Submit(&Event{Domain: "x.example", ResponseStatus: StatusNoError})
	}
	assert.Equal(t, uint64(8), s.Dropped())
}

func TestSinkCloseFlushesRemaining(t *testing.T) {
	w := &memWriter{}
	s := NewSink(w, 100, 1, time.Hour, logging.Discard(), nil)

	for i := 0; i < 5; i++ {
		s.Submit(&Event{Domain: "flush.example", ResponseStatus: StatusNoError})
	}
	require.NoError(t, s.Close())
	assert.Equal(t, 5, w.len())

	// Submitting after close is a silent no-op.
	s.Submit(&Event{Domain: "late.example"})
}

func TestSinkWriterErrorsNeverPropagate(t *testing.T) {
	w := &memWriter{fail: true}
	s := NewSink(w, 100, 1, 20*time.Millisecond, logging.Discard(), nil)

	s.Submit(&Event{Domain: "err.example", ResponseStatus: StatusServFail})
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, s.Close())
}

func TestSQLiteWriterRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queries.db")
	w, err := NewSQLiteWriter(path)
	require.NoError(t, err)

	start := time.Now().Add(-time.Minute)
	events := []*Event{
		{
			Timestamp: time.Now(), Domain: "example.com", Type: "A", ClientIP: "10.0.0.1",
			CacheHit: true, DnssecStatus: "Secure", UpstreamServer: "udp://1.1.1.1:53",
			ResponseStatus: StatusNoError, ResponseTimeUs: 734,
		},
		{
			Timestamp: time.Now(), Domain: "ads.example", Type: "A", ClientIP: "10.0.0.2",
			Blocked: true, BlockSource: "S1", ResponseStatus: StatusBlocked,
		},
	}
	require.NoError(t, w.WriteBatch(context.Background(), events))

	n, err := w.CountSince(context.Background(), start)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	require.NoError(t, w.Close())
}
