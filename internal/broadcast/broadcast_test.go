package broadcast_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"TradeArena/internal/broadcast"
	"TradeArena/internal/workpool"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capture struct {
	mu   sync.Mutex
	msgs map[string][][]byte
	err  error
}

func (c *capture) Publish(subject string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	if c.msgs == nil {
		c.msgs = make(map[string][][]byte)
	}
	c.msgs[subject] = append(c.msgs[subject], data)
	return nil
}

func TestNATSBroadcaster_PublishesEnvelopes(t *testing.T) {
	pub := &capture{}
	pool := workpool.New("broadcast", 2, 8, nil, zerolog.Nop())
	pool.Start(context.Background())
	b := broadcast.NewNATSBroadcaster(pub, pool, nil, zerolog.Nop())

	b.ToMatch("m1", broadcast.EventPriceUpdate, map[string]int{"index": 3})
	b.ToPlayer("alice", broadcast.EventTradeError, map[string]string{"code": "system_paused"})
	pool.Stop()

	require.Len(t, pub.msgs[broadcast.MatchSubject("m1")], 1)
	var env broadcast.Envelope
	require.NoError(t, json.Unmarshal(pub.msgs["arena.events.match.m1"][0], &env))
	assert.Equal(t, broadcast.EventPriceUpdate, env.Event)
	assert.Equal(t, "m1", env.MatchID)

	require.Len(t, pub.msgs[broadcast.PlayerSubject("alice")], 1)
}

func TestNATSBroadcaster_NeverBlocksOrPanics(t *testing.T) {
	pub := &capture{err: errors.New("nats: connection closed")}
	// Pool never started: the queue fills and further events are dropped.
	pool := workpool.New("broadcast", 1, 1, nil, zerolog.Nop())
	b := broadcast.NewNATSBroadcaster(pub, pool, nil, zerolog.Nop())

	for i := 0; i < 10; i++ {
		b.ToMatch("m1", broadcast.EventScoreboard, nil)
	}
	assert.Equal(t, 1, pool.Len())
}
