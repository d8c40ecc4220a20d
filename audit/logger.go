// Package audit records request outcomes off the request path.
//
// Entries are buffered in memory and written to a Sink in batches. Batches
// that cannot be written after retries go to an append-only dead-letter
// file of JSON lines, which Replay can re-ingest later.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ineyio/tokengate"
)

// Defaults for a Logger.
const (
	DefaultBatchSize     = 100
	DefaultFlushInterval = 5 * time.Second
	DefaultMaxPending    = 10000
	DefaultMaxAttempts   = 3
	DefaultRetryBackoff  = 100 * time.Millisecond
)

// Sink persists audit entries. Inserts must be idempotent on entry ID.
type Sink interface {
	InsertConversations(ctx context.Context, entries []tokengate.ConversationLogEntry) error
}

// Stats counts what the logger has done with entries.
type Stats struct {
	Written      int64 `json:"written"`
	DeadLettered int64 `json:"dead_lettered"`
	Dropped      int64 `json:"dropped"`
	Pending      int   `json:"pending"`
}

// Logger is an asynchronous, batching tokengate.AuditLogger.
type Logger struct {
	sink          Sink
	batchSize     int
	flushInterval time.Duration
	maxPending    int
	maxAttempts   int
	backoff       time.Duration
	writeTimeout  time.Duration
	dead          *deadLetter
	logger        *slog.Logger

	mu       sync.Mutex
	buf      []tokengate.ConversationLogEntry
	inflight []tokengate.ConversationLogEntry
	closed   bool
	started  bool
	abort    context.CancelFunc

	signal chan struct{}
	stop   chan struct{}
	done   chan struct{}

	written      atomic.Int64
	deadLettered atomic.Int64
	dropped      atomic.Int64
}

var _ tokengate.AuditLogger = (*Logger)(nil)

// Option configures a Logger.
type Option func(*Logger)

// WithBatchSize sets how many entries trigger a flush.
func WithBatchSize(n int) Option {
	return func(l *Logger) {
		if n > 0 {
			l.batchSize = n
		}
	}
}

// WithFlushInterval sets the periodic flush interval.
func WithFlushInterval(d time.Duration) Option {
	return func(l *Logger) {
		if d > 0 {
			l.flushInterval = d
		}
	}
}

// WithMaxPending bounds the in-memory buffer. Entries beyond it go
// straight to the dead-letter file.
func WithMaxPending(n int) Option {
	return func(l *Logger) {
		if n > 0 {
			l.maxPending = n
		}
	}
}

// WithRetry sets the attempts per batch and the initial backoff, which
// doubles after each failure.
func WithRetry(attempts int, backoff time.Duration) Option {
	return func(l *Logger) {
		if attempts > 0 {
			l.maxAttempts = attempts
		}
		if backoff >= 0 {
			l.backoff = backoff
		}
	}
}

// WithDeadLetterPath sets the dead-letter file. Without one, batches that
// cannot be written are dropped.
func WithDeadLetterPath(path string) Option {
	return func(l *Logger) {
		if path != "" {
			l.dead = &deadLetter{path: path}
		}
	}
}

// WithLogger sets the logger.
func WithLogger(lg *slog.Logger) Option {
	return func(l *Logger) { l.logger = lg }
}

// New creates a Logger. Call Start to begin flushing.
func New(sink Sink, opts ...Option) *Logger {
	l := &Logger{
		sink:          sink,
		batchSize:     DefaultBatchSize,
		flushInterval: DefaultFlushInterval,
		maxPending:    DefaultMaxPending,
		maxAttempts:   DefaultMaxAttempts,
		backoff:       DefaultRetryBackoff,
		writeTimeout:  10 * time.Second,
		logger:        slog.Default(),
		signal:        make(chan struct{}, 1),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Start launches the flusher.
func (l *Logger) Start() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started || l.closed {
		return
	}
	l.started = true
	ctx, cancel := context.WithCancel(context.Background())
	l.abort = cancel
	go l.run(ctx)
}

// Log buffers entry. It never blocks on I/O unless the logger is closed
// or the buffer is full, in which case the entry goes to the dead-letter
// file directly.
func (l *Logger) Log(entry tokengate.ConversationLogEntry) {
	l.mu.Lock()
	if l.closed || len(l.buf) >= l.maxPending {
		closed := l.closed
		l.mu.Unlock()
		if !closed {
			l.logger.Warn("audit buffer full, spilling to dead letter", "request_id", entry.RequestID)
		}
		l.spill([]tokengate.ConversationLogEntry{entry})
		return
	}
	l.buf = append(l.buf, entry)
	full := len(l.buf) >= l.batchSize
	l.mu.Unlock()

	if full {
		select {
		case l.signal <- struct{}{}:
		default:
		}
	}
}

// Close stops the flusher and writes everything still buffered. Entries
// logged after Close go to the dead-letter file. If ctx ends first, the
// write in flight is abandoned and every entry not yet written, the
// in-flight batch included, is dead-lettered before Close returns.
func (l *Logger) Close(ctx context.Context) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	started, abort := l.started, l.abort
	l.mu.Unlock()

	if !started {
		l.flushAll(ctx)
		return nil
	}

	close(l.stop)
	select {
	case <-l.done:
		abort()
		return nil
	case <-ctx.Done():
	}

	abort()
	l.mu.Lock()
	rest := make([]tokengate.ConversationLogEntry, 0, len(l.inflight)+len(l.buf))
	rest = append(rest, l.inflight...)
	rest = append(rest, l.buf...)
	l.inflight, l.buf = nil, nil
	l.mu.Unlock()

	if len(rest) > 0 {
		l.logger.Warn("audit close timed out, dead-lettering unwritten entries", "count", len(rest))
		l.spill(rest)
	}
	return fmt.Errorf("audit close: %w", ctx.Err())
}

// Stats returns counters and the current buffer length.
func (l *Logger) Stats() Stats {
	l.mu.Lock()
	pending := len(l.buf)
	l.mu.Unlock()
	return Stats{
		Written:      l.written.Load(),
		DeadLettered: l.deadLettered.Load(),
		Dropped:      l.dropped.Load(),
		Pending:      pending,
	}
}

// ReplayDeadLetters re-ingests the logger's dead-letter file into its sink.
func (l *Logger) ReplayDeadLetters(ctx context.Context) (int, error) {
	if l.dead == nil {
		return 0, nil
	}
	l.dead.mu.Lock()
	defer l.dead.mu.Unlock()
	return replay(ctx, l.dead.path, l.sink, l.batchSize, l.logger)
}

func (l *Logger) run(ctx context.Context) {
	defer close(l.done)

	ticker := time.NewTicker(l.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			l.flushAll(ctx)
			return
		case <-l.signal:
			l.flushFull(ctx)
		case <-ticker.C:
			l.flushAll(ctx)
		}
	}
}

// take removes up to n entries from the front of the buffer and marks them
// in flight.
func (l *Logger) take(n int) []tokengate.ConversationLogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.buf) == 0 {
		return nil
	}
	n = min(n, len(l.buf))
	batch := make([]tokengate.ConversationLogEntry, n)
	copy(batch, l.buf[:n])
	l.buf = append(l.buf[:0], l.buf[n:]...)
	l.inflight = batch
	return batch
}

func (l *Logger) pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buf)
}

// flushFull writes whole batches only.
func (l *Logger) flushFull(ctx context.Context) {
	for l.pending() >= l.batchSize {
		l.write(ctx, l.take(l.batchSize))
	}
}

func (l *Logger) flushAll(ctx context.Context) {
	for {
		batch := l.take(l.batchSize)
		if len(batch) == 0 {
			return
		}
		l.write(ctx, batch)
	}
}

// write inserts a batch from take with retries and dead-letters it when
// every attempt fails. A batch that Close has claimed in the meantime is
// left to Close.
func (l *Logger) write(ctx context.Context, batch []tokengate.ConversationLogEntry) {
	err := l.insert(ctx, batch)

	l.mu.Lock()
	claimed := l.inflight == nil
	l.inflight = nil
	l.mu.Unlock()

	if err == nil {
		l.written.Add(int64(len(batch)))
		return
	}
	if claimed {
		return
	}
	l.logger.Error("audit batch failed after retries", "batch", len(batch), "error", err)
	l.spill(batch)
}

func (l *Logger) insert(ctx context.Context, batch []tokengate.ConversationLogEntry) error {
	var err error
	wait := l.backoff
	for attempt := 1; attempt <= l.maxAttempts; attempt++ {
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		wctx, cancel := context.WithTimeout(ctx, l.writeTimeout)
		err = l.sink.InsertConversations(wctx, batch)
		cancel()
		if err == nil {
			return nil
		}
		l.logger.Warn("audit write failed",
			"attempt", attempt,
			"batch", len(batch),
			"error", err,
		)
		if attempt < l.maxAttempts && wait > 0 {
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return ctx.Err()
			}
			wait *= 2
		}
	}
	return err
}

func (l *Logger) spill(entries []tokengate.ConversationLogEntry) {
	if l.dead == nil {
		l.dropped.Add(int64(len(entries)))
		l.logger.Error("audit entries dropped, no dead-letter file configured", "count", len(entries))
		return
	}
	if err := l.dead.append(entries); err != nil {
		l.dropped.Add(int64(len(entries)))
		l.logger.Error("dead-letter write failed, audit entries dropped",
			"path", l.dead.path,
			"count", len(entries),
			"error", err,
		)
		return
	}
	l.deadLettered.Add(int64(len(entries)))
}
