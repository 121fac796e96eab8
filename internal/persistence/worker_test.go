package persistence_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"TradeArena/internal/observability"
	"TradeArena/internal/persistence"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type flakyWriter struct {
	mu       sync.Mutex
	failures int
	calls    int
	written  []persistence.Trade
}

func (w *flakyWriter) InsertTrades(_ context.Context, trades []persistence.Trade) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls++
	if w.failures > 0 {
		w.failures--
		return errors.New("connection reset")
	}
	w.written = append(w.written, trades...)
	return nil
}

func (w *flakyWriter) snapshot() (int, []persistence.Trade) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.calls, append([]persistence.Trade(nil), w.written...)
}

func trade(id string) persistence.Trade {
	return persistence.Trade{
		ID: id, MatchID: "m1", PlayerID: "alice", Side: "BUY", Symbol: "BTC",
		Quantity: decimal.NewFromInt(1), Price: decimal.NewFromInt(100), ExecutedAt: time.Now(),
	}
}

func TestTradeLogWorker_FlushesFullBatch(t *testing.T) {
	w := &flakyWriter{}
	worker := persistence.NewTradeLogWorker(w, 16, 3, time.Hour,
		observability.NewMetrics(prometheus.NewRegistry()), zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- worker.Run(ctx) }()

	for _, id := range []string{"t1", "t2", "t3"} {
		require.NoError(t, worker.Enqueue(ctx, trade(id)))
	}

	require.Eventually(t, func() bool {
		_, written := w.snapshot()
		return len(written) == 3
	}, time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestTradeLogWorker_RetriesUntilWritten(t *testing.T) {
	w := &flakyWriter{failures: 2}
	worker := persistence.NewTradeLogWorker(w, 16, 1, time.Hour, nil, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go worker.Run(ctx)

	require.NoError(t, worker.Enqueue(ctx, trade("t1")))

	require.Eventually(t, func() bool {
		_, written := w.snapshot()
		return len(written) == 1
	}, 2*time.Second, 10*time.Millisecond)

	calls, _ := w.snapshot()
	assert.Equal(t, 3, calls)
}

func TestTradeLogWorker_FlushesRemainderOnShutdown(t *testing.T) {
	w := &flakyWriter{}
	worker := persistence.NewTradeLogWorker(w, 16, 100, time.Hour, nil, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, worker.Enqueue(ctx, trade("t1")))
	require.NoError(t, worker.Enqueue(ctx, trade("t2")))

	done := make(chan struct{})
	go func() {
		worker.Run(ctx)
		close(done)
	}()
	cancel()
	<-done

	_, written := w.snapshot()
	assert.Len(t, written, 2)
}

func TestTradeLogWorker_EnqueueRespectsContext(t *testing.T) {
	worker := persistence.NewTradeLogWorker(&flakyWriter{}, 1, 10, time.Hour, nil, zerolog.Nop())
	require.NoError(t, worker.Enqueue(context.Background(), trade("t1")))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := worker.Enqueue(ctx, trade("t2"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
