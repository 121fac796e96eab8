package coord

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetAdd_Bounded(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	n, err := SetAdd(ctx, s, "set", "a", 2)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = SetAdd(ctx, s, "set", "a", 2)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "re-adding a member is a no-op")

	_, err = SetAdd(ctx, s, "set", "b", 2)
	require.NoError(t, err)

	_, err = SetAdd(ctx, s, "set", "c", 2)
	assert.ErrorIs(t, err, ErrSetFull)

	members, err := SetMembers(ctx, s, "set")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, members)
}

func TestSetRemove_DeletesEmptySet(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, err := SetAdd(ctx, s, "set", "a", 0)
	require.NoError(t, err)
	require.NoError(t, SetRemove(ctx, s, "set", "a"))

	_, err = s.Get(ctx, "set")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestIncrementWithReset(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	v1, err := IncrementWithReset(ctx, s, "ready", 2)
	require.NoError(t, err)
	v2, err := IncrementWithReset(ctx, s, "ready", 2)
	require.NoError(t, err)
	v3, err := IncrementWithReset(ctx, s, "ready", 2)
	require.NoError(t, err)

	assert.EqualValues(t, 1, v1)
	assert.EqualValues(t, 2, v2)
	assert.EqualValues(t, 1, v3, "counter restarts after reaching the reset point")
}

func TestClaimOrRefresh_SingleOwner(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	key := OwnerKey("m1")

	ok, err := ClaimOrRefresh(ctx, s, key, "instance-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = ClaimOrRefresh(ctx, s, key, "instance-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "live lease held by another owner")

	ok, err = ClaimOrRefresh(ctx, s, key, "instance-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "owner may refresh")

	holder, err := LeaseHolder(ctx, s, key)
	require.NoError(t, err)
	assert.Equal(t, "instance-a", holder)
}

func TestClaimOrRefresh_ExpiredLeaseIsTakenOver(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	key := OwnerKey("m1")

	ok, err := ClaimOrRefresh(ctx, s, key, "instance-a", -time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = ClaimOrRefresh(ctx, s, key, "instance-b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRelease_OnlyByOwner(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	key := OwnerKey("m1")

	_, err := ClaimOrRefresh(ctx, s, key, "instance-a", time.Minute)
	require.NoError(t, err)

	require.NoError(t, Release(ctx, s, key, "instance-b"))
	holder, _ := LeaseHolder(ctx, s, key)
	assert.Equal(t, "instance-a", holder)

	require.NoError(t, Release(ctx, s, key, "instance-a"))
	holder, _ = LeaseHolder(ctx, s, key)
	assert.Empty(t, holder)
}

func TestTryLock_ConcurrentClaimersOneWins(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	key := PairLockKey("p2", "p1")
	assert.Equal(t, PairLockKey("p1", "p2"), key)

	var winners atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, ok, err := TryLock(ctx, s, key, string(rune('a'+i)), time.Minute, 30*time.Millisecond)
			assert.NoError(t, err)
			if ok {
				winners.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 1, winners.Load())
}

func TestMemoryStore_Fail(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	boom := errors.New("boom")

	s.Fail(boom)
	_, err := s.Get(ctx, "k")
	assert.ErrorIs(t, err, boom)

	s.Fail(nil)
	_, err = s.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSanitizeKeys(t *testing.T) {
	assert.Equal(t, "room.a_b_c", RoomKey("a.b c"))
}

func TestLeadership_SingleLeaderAndHandover(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	a := NewLeadership(s, MatchmakerKey, "a", time.Minute, zerolog.Nop())
	b := NewLeadership(s, MatchmakerKey, "b", time.Minute, zerolog.Nop())

	assert.True(t, a.Campaign(ctx))
	assert.False(t, b.Campaign(ctx))
	assert.True(t, a.Campaign(ctx), "refresh keeps the role")

	s.Fail(errors.New("nats: timeout"))
	assert.True(t, a.Campaign(ctx), "a failed refresh keeps the current role")
	s.Fail(nil)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		_ = a.Run(runCtx)
		close(done)
	}()
	cancel()
	<-done
	assert.False(t, a.IsLeader())

	assert.True(t, b.Campaign(ctx), "released lease is free")
}
