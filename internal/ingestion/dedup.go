package ingestion

import (
	"container/list"
	"context"
	"sync"

	"TradeArena/internal/observability"

	"github.com/rs/zerolog"
)

// TradeLookup is the durable dedup tier: the trade log itself.
type TradeLookup interface {
	TradeExists(ctx context.Context, tradeID string) (bool, error)
}

// Dedup implements two-tier command deduplication. Tier 1 is an in-memory
// LRU of command keys; tier 2 asks the trade log whether a trade command
// already executed, which covers redeliveries after a restart.
type Dedup struct {
	mu      sync.Mutex
	lru     *keyLRU
	trades  TradeLookup
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewDedup(capacity int, trades TradeLookup, metrics *observability.Metrics, logger zerolog.Logger) *Dedup {
	if capacity <= 0 {
		capacity = 10_000
	}
	return &Dedup{
		lru:     newKeyLRU(capacity),
		trades:  trades,
		metrics: metrics,
		logger:  logger,
	}
}

// Claim reports whether the command is a duplicate. A non-duplicate is
// claimed in the same step, so concurrent redeliveries of one command see
// exactly one winner. Call Release when the command is to be retried.
func (d *Dedup) Claim(ctx context.Context, kind Kind, key string) bool {
	composite := string(kind) + ":" + key

	d.mu.Lock()
	if d.lru.contains(composite) {
		d.mu.Unlock()
		d.duplicate(kind, "lru")
		return true
	}
	d.add(composite)
	d.mu.Unlock()

	if kind != KindTrade || d.trades == nil {
		return false
	}
	exists, err := d.trades.TradeExists(ctx, key)
	if err != nil {
		// Fail open; the LRU claim still stands.
		d.logger.Warn().Err(err).Str("trade_id", key).Msg("trade log dedup lookup failed")
		return false
	}
	if exists {
		d.duplicate(kind, "postgres")
		return true
	}
	return false
}

// Release forgets a claimed key so a redelivery is processed again.
func (d *Dedup) Release(kind Kind, key string) {
	d.mu.Lock()
	d.lru.remove(string(kind) + ":" + key)
	size := d.lru.size()
	d.mu.Unlock()
	if d.metrics != nil {
		d.metrics.DedupLRUSize.Set(float64(size))
	}
}

// Warm preloads trade ids, most recent last.
func (d *Dedup) Warm(tradeIDs []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, id := range tradeIDs {
		d.add(string(KindTrade) + ":" + id)
	}
}

func (d *Dedup) Size() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lru.size()
}

// add requires d.mu.
func (d *Dedup) add(key string) {
	evicted := d.lru.add(key)
	if d.metrics != nil {
		d.metrics.DedupLRUSize.Set(float64(d.lru.size()))
		if evicted {
			d.metrics.DedupLRUEvictions.Inc()
		}
	}
}

func (d *Dedup) duplicate(kind Kind, tier string) {
	if d.metrics != nil {
		d.metrics.IdempotencyDuplicates.WithLabelValues(string(kind), tier).Inc()
	}
}

// keyLRU is a plain LRU set. Not safe for concurrent use.
type keyLRU struct {
	capacity int
	index    map[string]*list.Element
	order    *list.List
}

func newKeyLRU(capacity int) *keyLRU {
	return &keyLRU{
		capacity: capacity,
		index:    make(map[string]*list.Element, capacity),
		order:    list.New(),
	}
}

// contains promotes the key on a hit.
func (l *keyLRU) contains(key string) bool {
	elem, ok := l.index[key]
	if ok {
		l.order.MoveToFront(elem)
	}
	return ok
}

// add inserts or promotes key and reports whether an entry was evicted.
func (l *keyLRU) add(key string) bool {
	if elem, ok := l.index[key]; ok {
		l.order.MoveToFront(elem)
		return false
	}
	l.index[key] = l.order.PushFront(key)
	if l.order.Len() <= l.capacity {
		return false
	}
	oldest := l.order.Back()
	l.order.Remove(oldest)
	delete(l.index, oldest.Value.(string))
	return true
}

func (l *keyLRU) remove(key string) {
	if elem, ok := l.index[key]; ok {
		l.order.Remove(elem)
		delete(l.index, key)
	}
}

func (l *keyLRU) size() int {
	return l.order.Len()
}
