package events

import (
	"sync"
	"time"

	"basis_engine/internal/core"

	"github.com/alitto/pond"
)

// defaultHighWater bounds the writer queue; beyond it events are dropped
// rather than blocking the engine loop.
const defaultHighWater = 10000

// Logger assigns the per-timestep sequence number and hands events to a
// single background writer. Log never blocks beyond the bounded enqueue.
type Logger struct {
	sink   Sink
	pool   *pond.WorkerPool
	logger core.ILogger

	mu       sync.Mutex
	currentT time.Time
	seq      int
	dropped  int
	closed   bool
}

// NewLogger starts the single-writer pool over the given sink.
func NewLogger(sink Sink, highWater int, logger core.ILogger) *Logger {
	if highWater <= 0 {
		highWater = defaultHighWater
	}
	return &Logger{
		sink:   sink,
		pool:   pond.New(1, highWater),
		logger: logger.WithField("component", "event_logger"),
	}
}

// Log assigns (T, order_within_T) and enqueues the write. Events logged
// first on the same T get the smaller sequence number.
func (l *Logger) Log(event core.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	if !event.Timestamp.Equal(l.currentT) {
		l.currentT = event.Timestamp
		l.seq = 0
	}
	l.seq++
	event.OrderWithinT = l.seq

	// Submit under the lock so sequence numbers enter the writer queue in
	// order. TrySubmit never blocks.
	if !l.pool.TrySubmit(func() {
		if err := l.sink.Write(event); err != nil {
			l.logger.Error("Event sink write failed", "event_type", event.Type, "error", err)
		}
	}) {
		l.dropped++
		l.logger.Error("Event queue over high-water mark, dropping event",
			"event_type", event.Type, "dropped_total", l.dropped)
	}
}

// AdvanceTimestep resets the sequence counter for a new T.
func (l *Logger) AdvanceTimestep(t time.Time) {
	l.mu.Lock()
	l.currentT = t
	l.seq = 0
	l.mu.Unlock()
}

// Dropped reports how many events were discarded over the high-water mark.
func (l *Logger) Dropped() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dropped
}

// Close drains the queue and closes the sink.
func (l *Logger) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	l.pool.StopAndWait()
	return l.sink.Close()
}

var _ core.IEventLogger = (*Logger)(nil)
