// Package writer drains the ingestion queue into the configured sink.
package writer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/septivank/meter-tariff-worker/internal/metrics"
	"github.com/septivank/meter-tariff-worker/internal/model"
	"github.com/septivank/meter-tariff-worker/internal/queue"
	"github.com/septivank/meter-tariff-worker/internal/sink"
	"go.uber.org/zap"
)

// Writer is the single consumer of the ingestion queue. A transiently failing
// entry is retried with a fixed delay until it succeeds, and nothing behind it
// is drained meanwhile.
type Writer struct {
	queue      *queue.Queue
	sink       sink.Sink
	retryDelay time.Duration
	logger     *zap.Logger
}

// New creates a writer
func New(q *queue.Queue, s sink.Sink, retryDelay time.Duration, logger *zap.Logger) *Writer {
	return &Writer{queue: q, sink: s, retryDelay: retryDelay, logger: logger}
}

// Run drains the queue until ctx is cancelled. It returns nil on cancellation
// and an error on a permanent sink failure.
func (w *Writer) Run(ctx context.Context) error {
	w.logger.Info("sink writer started", zap.String("sink", w.sink.Name()))
	for {
		entry, err := w.queue.Pop(ctx)
		if err != nil {
			if ctx.Err() != nil {
				w.logger.Info("sink writer stopped")
				return nil
			}
			if errors.Is(err, queue.ErrClosed) {
				return fmt.Errorf("ingestion queue closed: %w", err)
			}
			return err
		}
		metrics.ObserveQueueDepth(w.queue.Size())

		if err := w.persist(ctx, entry); err != nil {
			if ctx.Err() != nil {
				w.logger.Info("sink writer stopped with pending entry",
					zap.String("kind", entry.Kind()), zap.String("meter_id", entry.MeterID()))
				return nil
			}
			return err
		}
	}
}

func (w *Writer) persist(ctx context.Context, entry model.Entry) error {
	for attempt := 1; ; attempt++ {
		err := sink.Write(ctx, w.sink, entry)
		if err == nil {
			metrics.ObserveSinkWrite(entry.Kind(), "ok")
			return nil
		}
		if !sink.IsTransient(err) {
			metrics.ObserveSinkWrite(entry.Kind(), "permanent")
			w.logger.Error("permanent sink failure",
				zap.Error(err),
				zap.String("kind", entry.Kind()),
				zap.String("meter_id", entry.MeterID()))
			return fmt.Errorf("write %s for meter %s: %w", entry.Kind(), entry.MeterID(), err)
		}

		metrics.ObserveSinkWrite(entry.Kind(), "retry")
		w.logger.Warn("transient sink failure, retrying",
			zap.Error(err),
			zap.String("kind", entry.Kind()),
			zap.String("meter_id", entry.MeterID()),
			zap.Int("attempt", attempt),
			zap.Duration("delay", w.retryDelay))

		timer := time.NewTimer(w.retryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
