package coord

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"
)

// The named atomic primitives the runtime relies on. Each is a single Mutate
// call, so the read and the write it depends on cannot interleave with another
// instance.

// SetAdd adds member to the set stored at key unless that would grow the set
// beyond bound (bound <= 0 means unbounded). Adding an existing member is a
// no-op. Returns the resulting size.
func SetAdd(ctx context.Context, s Store, key, member string, bound int) (int, error) {
	var size int
	_, err := s.Mutate(ctx, key, func(cur []byte, _ bool) ([]byte, error) {
		set, err := decodeSet(cur)
		if err != nil {
			return nil, err
		}
		if _, ok := set[member]; !ok {
			if bound > 0 && len(set) >= bound {
				return nil, ErrSetFull
			}
			set[member] = struct{}{}
		}
		size = len(set)
		return encodeSet(set)
	})
	return size, err
}

// SetRemove removes member; an emptied set deletes the key.
func SetRemove(ctx context.Context, s Store, key, member string) error {
	_, err := s.Mutate(ctx, key, func(cur []byte, exists bool) ([]byte, error) {
		if !exists {
			return nil, nil
		}
		set, err := decodeSet(cur)
		if err != nil {
			return nil, err
		}
		delete(set, member)
		if len(set) == 0 {
			return nil, nil
		}
		return encodeSet(set)
	})
	return err
}

// SetMembers returns the sorted members of the set at key.
func SetMembers(ctx context.Context, s Store, key string) ([]string, error) {
	raw, err := s.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	set, err := decodeSet(raw)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(set))
	for m := range set {
		out = append(out, m)
	}
	sort.Strings(out)
	return out, nil
}

// IncrementWithReset increments the counter at key and resets it to zero once
// it reaches resetAt. The returned value is the count before the reset, so the
// caller that completes a cycle observes resetAt.
func IncrementWithReset(ctx context.Context, s Store, key string, resetAt int64) (int64, error) {
	var value int64
	_, err := s.Mutate(ctx, key, func(cur []byte, exists bool) ([]byte, error) {
		n := int64(0)
		if exists {
			parsed, err := strconv.ParseInt(string(cur), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("counter %s: %w", key, err)
			}
			n = parsed
		}
		n++
		value = n
		if resetAt > 0 && n >= resetAt {
			n = 0
		}
		return []byte(strconv.FormatInt(n, 10)), nil
	})
	return value, err
}

// Lease is the value stored under an ownership or lock key.
type Lease struct {
	Owner     string    `json:"owner"`
	ExpiresAt time.Time `json:"expires_at"`
}

var errLeaseHeld = errors.New("coord: lease held by another owner")

// ClaimOrRefresh takes the lease at key for owner, or extends it when owner
// already holds it. An expired lease held by someone else is taken over.
// Returns false (and no error) when another owner holds a live lease.
func ClaimOrRefresh(ctx context.Context, s Store, key, owner string, ttl time.Duration) (bool, error) {
	now := time.Now()
	_, err := s.Mutate(ctx, key, func(cur []byte, exists bool) ([]byte, error) {
		if exists {
			var l Lease
			if err := json.Unmarshal(cur, &l); err == nil && l.Owner != owner && now.Before(l.ExpiresAt) {
				return nil, errLeaseHeld
			}
		}
		return json.Marshal(Lease{Owner: owner, ExpiresAt: now.Add(ttl)})
	})
	if errors.Is(err, errLeaseHeld) {
		return false, nil
	}
	return err == nil, err
}

// Release deletes the lease at key if owner still holds it.
func Release(ctx context.Context, s Store, key, owner string) error {
	_, err := s.Mutate(ctx, key, func(cur []byte, exists bool) ([]byte, error) {
		if !exists {
			return nil, nil
		}
		var l Lease
		if err := json.Unmarshal(cur, &l); err == nil && l.Owner != owner {
			return nil, errLeaseHeld
		}
		return nil, nil
	})
	if errors.Is(err, errLeaseHeld) {
		return nil
	}
	return err
}

// LeaseHolder returns the live owner of key, or "" when the lease is absent
// or expired.
func LeaseHolder(ctx context.Context, s Store, key string) (string, error) {
	raw, err := s.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	var l Lease
	if err := json.Unmarshal(raw, &l); err != nil {
		return "", fmt.Errorf("decode lease %s: %w", key, err)
	}
	if time.Now().After(l.ExpiresAt) {
		return "", nil
	}
	return l.Owner, nil
}

// TryLock polls ClaimOrRefresh until it succeeds or wait elapses. The
// returned release func is a no-op when the lock was not acquired.
func TryLock(ctx context.Context, s Store, key, token string, ttl, wait time.Duration) (func(), bool, error) {
	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	const poll = 10 * time.Millisecond
	for {
		ok, err := ClaimOrRefresh(ctx, s, key, token, ttl)
		if err != nil {
			return func() {}, false, err
		}
		if ok {
			return func() {
				releaseCtx, c := context.WithTimeout(context.Background(), wait)
				defer c()
				_ = Release(releaseCtx, s, key, token)
			}, true, nil
		}
		select {
		case <-ctx.Done():
			return func() {}, false, nil
		case <-time.After(poll):
		}
	}
}

func decodeSet(raw []byte) (map[string]struct{}, error) {
	set := make(map[string]struct{})
	if len(raw) == 0 {
		return set, nil
	}
	var members []string
	if err := json.Unmarshal(raw, &members); err != nil {
		return nil, fmt.Errorf("decode set: %w", err)
	}
	for _, m := range members {
		set[m] = struct{}{}
	}
	return set, nil
}

func encodeSet(set map[string]struct{}) ([]byte, error) {
	members := make([]string, 0, len(set))
	for m := range set {
		members = append(members, m)
	}
	sort.Strings(members)
	return json.Marshal(members)
}
