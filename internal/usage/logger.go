package usage

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

type Event struct {
	ID               string
	RequestID        string
	Provider         string
	Model            string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	Cost             float64
	LatencyMs        int64
	Attempts         int
	CacheHit         bool
	CreatedAt        time.Time
}

// Store persists usage events.
type Store interface {
	WriteBatch(ctx context.Context, events []*Event) error
	Close() error
}

const (
	defaultBufferSize    = 1000
	defaultFlushInterval = 5 * time.Second
	batchFlushThreshold  = 100
)

// Logger buffers events and writes them to a Store in batches, either when
// the batch fills up or on every flush interval.
type Logger struct {
	store         Store
	logger        *slog.Logger
	buffer        chan *Event
	done          chan struct{}
	wg            sync.WaitGroup
	writes        sync.WaitGroup
	flushInterval time.Duration
	closed        atomic.Bool
}

func NewLogger(store Store, bufferSize int, flushInterval time.Duration, logger *slog.Logger) *Logger {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	if flushInterval <= 0 {
		flushInterval = defaultFlushInterval
	}
	if logger == nil {
		logger = slog.Default()
	}

	l := &Logger{
		store:         store,
		logger:        logger,
		buffer:        make(chan *Event, bufferSize),
		done:          make(chan struct{}),
		flushInterval: flushInterval,
	}
	l.wg.Add(1)
	go l.flushLoop()
	return l
}

// Write queues e without blocking. Events are dropped when the buffer is
// full or the logger is closed.
func (l *Logger) Write(e *Event) {
	if e == nil || l.closed.Load() {
		return
	}
	l.writes.Add(1)
	defer l.writes.Done()
	if l.closed.Load() {
		return
	}

	select {
	case l.buffer <- e:
	default:
		l.logger.Warn("usage buffer full, dropping event",
			"request_id", e.RequestID,
			"provider", e.Provider,
		)
	}
}

// Close flushes what is buffered and closes the store. It is idempotent.
func (l *Logger) Close() error {
	if l.closed.Swap(true) {
		return nil
	}
	l.writes.Wait()
	close(l.done)
	l.wg.Wait()
	return l.store.Close()
}

func (l *Logger) flushLoop() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.flushInterval)
	defer ticker.Stop()

	batch := make([]*Event, 0, batchFlushThreshold)
	for {
		select {
		case e := <-l.buffer:
			batch = append(batch, e)
			if len(batch) >= batchFlushThreshold {
				l.flush(batch)
				batch = make([]*Event, 0, batchFlushThreshold)
			}
		case <-ticker.C:
			if len(batch) > 0 {
				l.flush(batch)
				batch = make([]*Event, 0, batchFlushThreshold)
			}
		case <-l.done:
			close(l.buffer)
			for e := range l.buffer {
				batch = append(batch, e)
			}
			if len(batch) > 0 {
				l.flush(batch)
			}
			return
		}
	}
}

func (l *Logger) flush(batch []*Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := l.store.WriteBatch(ctx, batch); err != nil {
		l.logger.Error("failed to write usage batch", "error", err, "count", len(batch))
	}
}
