// Package room holds the shared runtime record of every live match (phase,
// connected players) plus the purely local bookkeeping that cannot be shared
// across instances (network sessions, clock handles).
package room

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"TradeArena/internal/coord"
	"TradeArena/internal/resilience"

	"github.com/rs/zerolog"
)

// shadowEntry is one key of the local mirror. A nil value is a tombstone.
// dirty marks entries written while the shared store was unreachable.
type shadowEntry struct {
	value []byte
	dirty bool
	at    time.Time
}

// ResilientStore wraps a coord.Store with a circuit breaker and a local
// shadow cache. It implements coord.Store itself, so the atomic primitives
// in package coord compose with it unchanged. Transient store failures are
// absorbed: the breaker records them and the call is answered from the
// shadow copy instead.
type ResilientStore struct {
	store   coord.Store
	breaker *resilience.CircuitBreaker
	shadow  sync.Map // key -> *shadowEntry
	logger  zerolog.Logger
}

var _ coord.Store = (*ResilientStore)(nil)

func NewResilientStore(store coord.Store, breaker *resilience.CircuitBreaker, logger zerolog.Logger) *ResilientStore {
	return &ResilientStore{store: store, breaker: breaker, logger: logger}
}

// Breaker exposes the guarding breaker (health probes share it).
func (r *ResilientStore) Breaker() *resilience.CircuitBreaker {
	return r.breaker
}

// Shared returns the wrapped store with no breaker and no shadow fallback.
// Leases and locks use it: a claim granted from a local copy means nothing to
// the rest of the fleet.
func (r *ResilientStore) Shared() coord.Store {
	return r.store
}

func (r *ResilientStore) Get(ctx context.Context, key string) ([]byte, error) {
	if r.breaker.IsCallPermitted() {
		v, err := r.store.Get(ctx, key)
		switch {
		case err == nil:
			r.breaker.RecordSuccess()
			r.writeThrough(key, v)
			return v, nil
		case errors.Is(err, coord.ErrNotFound):
			r.breaker.RecordSuccess()
			r.dropClean(key)
			return nil, err
		case !isTransient(err):
			r.breaker.RecordSuccess()
			return nil, err
		}
		r.fail("get", key, err)
	}
	return r.shadowGet(key)
}

func (r *ResilientStore) Put(ctx context.Context, key string, value []byte) error {
	if r.breaker.IsCallPermitted() {
		err := r.store.Put(ctx, key, value)
		if err == nil {
			r.breaker.RecordSuccess()
			r.writeThrough(key, value)
			return nil
		}
		if !isTransient(err) {
			r.breaker.RecordSuccess()
			return err
		}
		r.fail("put", key, err)
	}
	r.shadowStore(key, value)
	return nil
}

func (r *ResilientStore) Delete(ctx context.Context, key string) error {
	if r.breaker.IsCallPermitted() {
		err := r.store.Delete(ctx, key)
		if err == nil {
			r.breaker.RecordSuccess()
			r.shadow.Delete(key)
			return nil
		}
		if !isTransient(err) {
			r.breaker.RecordSuccess()
			return err
		}
		r.fail("delete", key, err)
	}
	r.shadowStore(key, nil)
	return nil
}

func (r *ResilientStore) CreateIfAbsent(ctx context.Context, key string, value []byte) (bool, error) {
	if r.breaker.IsCallPermitted() {
		created, err := r.store.CreateIfAbsent(ctx, key, value)
		if err == nil {
			r.breaker.RecordSuccess()
			if created {
				r.writeThrough(key, value)
			}
			return created, nil
		}
		if !isTransient(err) {
			r.breaker.RecordSuccess()
			return false, err
		}
		r.fail("create", key, err)
	}

	created := false
	_, err := r.shadowMutate(key, func(cur []byte, exists bool) ([]byte, error) {
		if exists {
			return cur, nil
		}
		created = true
		return value, nil
	})
	return created, err
}

func (r *ResilientStore) Mutate(ctx context.Context, key string, fn coord.MutateFunc) ([]byte, error) {
	if r.breaker.IsCallPermitted() {
		next, err := r.store.Mutate(ctx, key, fn)
		if err == nil {
			r.breaker.RecordSuccess()
			r.writeThrough(key, next)
			return next, nil
		}
		if !isTransient(err) {
			// The store answered; the mutation itself refused.
			r.breaker.RecordSuccess()
			return nil, err
		}
		r.fail("mutate", key, err)
	}
	return r.shadowMutate(key, fn)
}

func (r *ResilientStore) Ping(ctx context.Context) error {
	return r.store.Ping(ctx)
}

// ShadowOnlyKeys returns keys with the given prefix written locally while the
// shared store was unreachable.
func (r *ResilientStore) ShadowOnlyKeys(prefix string) []string {
	var keys []string
	r.shadow.Range(func(k, v any) bool {
		key := k.(string)
		if v.(*shadowEntry).dirty && strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return true
	})
	return keys
}

// SharedExists asks the shared store directly whether key exists, bypassing
// the shadow copy. The breaker still accounts for the call.
func (r *ResilientStore) SharedExists(ctx context.Context, key string) (bool, error) {
	if !r.breaker.IsCallPermitted() {
		return false, coord.ErrUnavailable
	}
	_, err := r.store.Get(ctx, key)
	switch {
	case err == nil:
		r.breaker.RecordSuccess()
		return true, nil
	case errors.Is(err, coord.ErrNotFound):
		r.breaker.RecordSuccess()
		return false, nil
	case isTransient(err):
		r.breaker.RecordFailure()
	}
	return false, err
}

// ShadowValue returns the local copy of key.
func (r *ResilientStore) ShadowValue(key string) ([]byte, bool) {
	v, ok := r.shadow.Load(key)
	if !ok || v.(*shadowEntry).value == nil {
		return nil, false
	}
	return v.(*shadowEntry).value, true
}

// Discard drops the local copy of key; the shared store stays authoritative.
func (r *ResilientStore) Discard(key string) {
	r.shadow.Delete(key)
}

// Publish pushes the local copy of key to the shared store if the key is
// still absent there, then marks the copy clean.
func (r *ResilientStore) Publish(ctx context.Context, key string) (bool, error) {
	v, ok := r.ShadowValue(key)
	if !ok {
		return false, nil
	}
	created, err := r.store.CreateIfAbsent(ctx, key, v)
	if err != nil {
		if isTransient(err) {
			r.breaker.RecordFailure()
		}
		return false, err
	}
	r.breaker.RecordSuccess()
	r.writeThrough(key, v)
	return created, nil
}

func (r *ResilientStore) fail(op, key string, err error) {
	r.breaker.RecordFailure()
	r.logger.Warn().Err(err).Str("op", op).Str("key", key).
		Str("breaker", r.breaker.State().String()).
		Msg("coordination store call failed, serving from shadow cache")
}

func (r *ResilientStore) writeThrough(key string, value []byte) {
	if value == nil {
		r.shadow.Delete(key)
		return
	}
	r.shadow.Store(key, &shadowEntry{value: value, at: time.Now()})
}

// dropClean forgets key locally unless the local copy holds writes the shared
// store has not seen yet.
func (r *ResilientStore) dropClean(key string) {
	if v, ok := r.shadow.Load(key); ok && !v.(*shadowEntry).dirty {
		r.shadow.CompareAndDelete(key, v)
	}
}

func (r *ResilientStore) shadowStore(key string, value []byte) {
	r.shadow.Store(key, &shadowEntry{value: value, dirty: true, at: time.Now()})
}

func (r *ResilientStore) shadowGet(key string) ([]byte, error) {
	v, ok := r.ShadowValue(key)
	if !ok {
		return nil, coord.ErrNotFound
	}
	return v, nil
}

// shadowMutate applies fn to the local copy with a CompareAndSwap loop on
// the entry pointer, so concurrent local writers never lose an update.
func (r *ResilientStore) shadowMutate(key string, fn coord.MutateFunc) ([]byte, error) {
	for {
		cur, loaded := r.shadow.Load(key)
		var (
			value  []byte
			exists bool
		)
		if loaded && cur.(*shadowEntry).value != nil {
			value = append([]byte(nil), cur.(*shadowEntry).value...)
			exists = true
		}

		next, err := fn(value, exists)
		if err != nil {
			return nil, err
		}
		entry := &shadowEntry{value: next, dirty: true, at: time.Now()}

		if loaded {
			if r.shadow.CompareAndSwap(key, cur, entry) {
				return next, nil
			}
			continue
		}
		if _, raced := r.shadow.LoadOrStore(key, entry); !raced {
			return next, nil
		}
	}
}

// isTransient reports failures where the store did not answer. A revision
// conflict is an answer: the write lost, and the caller has to see that.
func isTransient(err error) bool {
	return errors.Is(err, coord.ErrUnavailable) ||
		errors.Is(err, context.DeadlineExceeded)
}
