package persistence

import (
	"context"
	"fmt"
	"time"

	"TradeArena/internal/observability"

	"github.com/rs/zerolog"
)

// TradeWriter is the sink the trade log worker flushes into.
type TradeWriter interface {
	InsertTrades(ctx context.Context, trades []Trade) error
}

// TradeLogWorker drains accepted trades and batch-writes them. The ledger
// has already applied every trade it sees, so the worker never drops one: a
// failed flush is retried with exponential backoff until it succeeds or the
// worker shuts down.
type TradeLogWorker struct {
	writer       TradeWriter
	input        chan Trade
	batchSize    int
	flushTimeout time.Duration
	maxBackoff   time.Duration
	metrics      *observability.Metrics
	logger       zerolog.Logger
}

func NewTradeLogWorker(
	writer TradeWriter,
	queueSize int,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *TradeLogWorker {
	return &TradeLogWorker{
		writer:       writer,
		input:        make(chan Trade, queueSize),
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		maxBackoff:   30 * time.Second,
		metrics:      metrics,
		logger:       logger,
	}
}

// Enqueue hands a trade to the worker, waiting for queue space until ctx is
// done.
func (w *TradeLogWorker) Enqueue(ctx context.Context, t Trade) error {
	select {
	case w.input <- t:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("enqueue trade %s: %w", t.ID, ctx.Err())
	}
}

// Run batches incoming trades and flushes when the batch is full or the
// flush timeout expires. Blocks until ctx is cancelled.
func (w *TradeLogWorker) Run(ctx context.Context) error {
	batch := make([]Trade, 0, w.batchSize)

	timer := time.NewTimer(w.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			batch = w.drain(batch)
			if len(batch) > 0 {
				if err := w.flush(context.Background(), batch); err != nil {
					w.logger.Error().Err(err).Int("trades", len(batch)).Msg("final flush failed")
				}
			}
			return ctx.Err()

		case t := <-w.input:
			batch = append(batch, t)
			if len(batch) >= w.batchSize {
				if err := w.flushWithRetry(ctx, batch); err != nil {
					w.logger.Error().Err(err).Msg("batch flush failed after retries")
				}
				batch = batch[:0]
				resetTimer(timer, w.flushTimeout)
			}

		case <-timer.C:
			if len(batch) > 0 {
				if err := w.flushWithRetry(ctx, batch); err != nil {
					w.logger.Error().Err(err).Msg("timeout flush failed after retries")
				}
				batch = batch[:0]
			}
			timer.Reset(w.flushTimeout)
		}
	}
}

func (w *TradeLogWorker) drain(batch []Trade) []Trade {
	for {
		select {
		case t := <-w.input:
			batch = append(batch, t)
		default:
			return batch
		}
	}
}

// flushWithRetry retries with exponential backoff until the write succeeds
// or ctx is cancelled, in which case one last flush runs on a background
// context.
func (w *TradeLogWorker) flushWithRetry(ctx context.Context, batch []Trade) error {
	backoff := 100 * time.Millisecond

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			w.logger.Warn().Int("attempt", attempt).Dur("backoff", backoff).
				Int("trades", len(batch)).Msg("trade log retry")
			select {
			case <-ctx.Done():
				if err := w.flush(context.Background(), batch); err != nil {
					return fmt.Errorf("final flush on shutdown failed: %w", err)
				}
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > w.maxBackoff {
				backoff = w.maxBackoff
			}
		}

		err := w.flush(ctx, batch)
		if err == nil {
			if attempt > 0 {
				w.logger.Info().Int("retries", attempt).Msg("trade log flush succeeded")
			}
			return nil
		}
		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("retry").Inc()
		}
	}
}

func (w *TradeLogWorker) flush(ctx context.Context, batch []Trade) error {
	start := time.Now()
	if err := w.writer.InsertTrades(ctx, batch); err != nil {
		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("write_trades").Inc()
		}
		return err
	}
	if w.metrics != nil {
		w.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		w.metrics.PersistBatchSize.Observe(float64(len(batch)))
		w.metrics.PersistTradesWritten.Add(float64(len(batch)))
	}
	return nil
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
