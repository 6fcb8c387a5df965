package logs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second
)

// Sink receives flushed record batches for durable storage.
type Sink interface {
	Write(ctx context.Context, batch []Record) error
	Close() error
}

// Logger fans finished request records out to the in-memory ring
// (synchronously, so the admin surface is immediately consistent) and to
// structured logging plus any sinks via a background batching goroutine.
// Emit never blocks the proxy hot path; overflow is dropped and counted.
type Logger struct {
	ring *Ring

	ch        chan Record
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	droppedLogs int64

	baseCtx context.Context
	log     *slog.Logger
	sinks   []Sink
}

func New(ctx context.Context, slogger *slog.Logger, sinks ...Sink) (*Logger, error) {
	if ctx == nil {
		return nil, fmt.Errorf("logs: context must not be nil")
	}
	l := &Logger{
		ring:    NewRing(RingCapacity),
		ch:      make(chan Record, channelBuffer),
		done:    make(chan struct{}),
		baseCtx: ctx,
		log:     slogger,
		sinks:   sinks,
	}
	l.wg.Add(1)
	go l.run()
	return l, nil
}

// Emit records one finished request.
func (l *Logger) Emit(rec Record) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	l.ring.Push(rec)
	select {
	case l.ch <- rec:
	default:
		atomic.AddInt64(&l.droppedLogs, 1)
	}
}

// Recent returns up to limit ring records, newest first.
func (l *Logger) Recent(limit int) []Record {
	return l.ring.Recent(limit)
}

// DroppedLogs returns how many records overflowed the sink pipeline.
// The ring is unaffected by drops.
func (l *Logger) DroppedLogs() int64 {
	return atomic.LoadInt64(&l.droppedLogs)
}

// Close drains the pipeline, flushes the final batch, and closes sinks.
func (l *Logger) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
	})
	l.wg.Wait()
	var firstErr error
	for _, s := range l.sinks {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (l *Logger) run() {
	defer l.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]Record, 0, batchSize)

	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		for _, r := range batch {
			l.log.InfoContext(ctx, "request",
				slog.String("id", r.ID.String()),
				slog.String("endpoint", r.Endpoint),
				slog.String("model", r.Model),
				slog.String("effective_model", r.EffectiveModel),
				slog.String("provider", r.Provider),
				slog.Bool("is_streaming", r.Streaming),
				slog.Int("status", r.Status),
				slog.Int64("latency_ms", r.LatencyMs),
				slog.Int64("first_token_ms", r.FirstTokenMs),
				slog.Int64("tokens_in", r.TokensIn),
				slog.Int64("tokens_out", r.TokensOut),
				slog.Int64("tokens_total", r.TokensTotal),
				slog.Time("created_at", r.CreatedAt),
			)
		}
		for _, s := range l.sinks {
			if err := s.Write(ctx, batch); err != nil {
				l.log.WarnContext(ctx, "log sink write failed", "error", err)
			}
		}
		batch = batch[:0]
	}

	for {
		select {
		case rec := <-l.ch:
			batch = append(batch, rec)
			if len(batch) >= batchSize {
				flush(l.baseCtx)
			}

		case <-ticker.C:
			flush(l.baseCtx)

		case <-l.done:
			for {
				select {
				case rec := <-l.ch:
					batch = append(batch, rec)
					if len(batch) >= batchSize {
						flush(l.baseCtx)
					}
				default:
					flush(l.baseCtx)
					return
				}
			}
		}
	}
}
