// Package coord is the only component that speaks to the shared coordination
// store. Every multi-step mutation is expressed as a compare-and-swap loop over
// a single key so concurrent instances never race on a read-then-write pair.
package coord

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	ErrNotFound    = errors.New("coord: key not found")
	ErrConflict    = errors.New("coord: revision conflict")
	ErrUnavailable = errors.New("coord: store unavailable")
	ErrSetFull     = errors.New("coord: set is at capacity")
)

// MutateFunc computes the next value of a key from its current value.
// Returning a nil slice deletes the key; returning an error aborts the
// mutation and the error is passed back to the caller unchanged.
type MutateFunc func(current []byte, exists bool) ([]byte, error)

// Store is the client contract for the shared key-value store.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error

	// CreateIfAbsent writes value only when key does not exist.
	CreateIfAbsent(ctx context.Context, key string, value []byte) (bool, error)

	// Mutate applies fn atomically: the write only lands if nobody else
	// changed the key since fn observed it.
	Mutate(ctx context.Context, key string, fn MutateFunc) ([]byte, error)

	Ping(ctx context.Context) error
}

// maxCASAttempts bounds a contended CAS loop.
const maxCASAttempts = 32

// Key layout. Segments are sanitized so arbitrary player ids stay valid
// subject tokens.
const (
	roomPrefix  = "room."
	ownerPrefix = "owner."
	lockPrefix  = "lock."
	readyPrefix = "ready."
	IndexKey    = "rooms.index"

	// MatchmakerKey is the leadership lease of the instance that owns the
	// matchmaking queue.
	MatchmakerKey = "leader.matchmaker"
)

func RoomKey(matchID string) string  { return roomPrefix + sanitize(matchID) }
func OwnerKey(matchID string) string { return ownerPrefix + sanitize(matchID) }
func ReadyKey(matchID string) string { return readyPrefix + sanitize(matchID) }

// PairLockKey scopes a lock to an ordered pair of identifiers so both racers
// compute the same key.
func PairLockKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return lockPrefix + "pair." + sanitize(a) + "." + sanitize(b)
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '=':
			return r
		default:
			return '_'
		}
	}, s)
}

// withTimeout applies a per-call deadline unless the caller already set one.
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
