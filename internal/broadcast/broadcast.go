// Package broadcast pushes named real-time events to everyone watching a
// match or to a single player. Delivery is best effort and never blocks the
// caller.
package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"TradeArena/internal/observability"
	"TradeArena/internal/workpool"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// Event names.
const (
	EventMatchStarted      = "match-started"
	EventPriceUpdate       = "price-update"
	EventScoreboard        = "scoreboard"
	EventTradeConfirmation = "trade-confirmation"
	EventTradeError        = "trade-error"
	EventSystemPause       = "system-pause"
	EventSystemResume      = "system-resume"
	EventMatchFinished     = "match-finished"
	EventMatchExpired      = "match-expired"
	EventMatchFound        = "match-found"
	EventRematchOffered    = "rematch-offered"
	EventPlayerJoined      = "player-joined"
)

// Broadcaster is the real-time push collaborator.
type Broadcaster interface {
	ToMatch(matchID, event string, payload any)
	ToPlayer(playerID, event string, payload any)
}

// Envelope is the wire format of every pushed event.
type Envelope struct {
	Event   string    `json:"event"`
	MatchID string    `json:"match_id,omitempty"`
	Player  string    `json:"player_id,omitempty"`
	SentAt  time.Time `json:"sent_at"`
	Data    any       `json:"data"`
}

// Publisher is the subset of *nats.Conn the broadcaster needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

const (
	matchSubjectPrefix  = "arena.events.match."
	playerSubjectPrefix = "arena.events.player."
)

// MatchSubject is the subject clients watching a match subscribe to.
func MatchSubject(matchID string) string { return matchSubjectPrefix + matchID }

// PlayerSubject is the subject of one player's private events.
func PlayerSubject(playerID string) string { return playerSubjectPrefix + playerID }

// NATSBroadcaster publishes envelopes on NATS from a bounded pool. When the
// pool is saturated the event is dropped and counted.
type NATSBroadcaster struct {
	pub     Publisher
	pool    *workpool.Pool
	metrics *observability.Metrics
	logger  zerolog.Logger
}

var _ Broadcaster = (*NATSBroadcaster)(nil)

func NewNATSBroadcaster(pub Publisher, pool *workpool.Pool, metrics *observability.Metrics, logger zerolog.Logger) *NATSBroadcaster {
	return &NATSBroadcaster{pub: pub, pool: pool, metrics: metrics, logger: logger}
}

func (b *NATSBroadcaster) ToMatch(matchID, event string, payload any) {
	b.send(MatchSubject(matchID), Envelope{Event: event, MatchID: matchID, SentAt: time.Now().UTC(), Data: payload})
}

func (b *NATSBroadcaster) ToPlayer(playerID, event string, payload any) {
	b.send(PlayerSubject(playerID), Envelope{Event: event, Player: playerID, SentAt: time.Now().UTC(), Data: payload})
}

func (b *NATSBroadcaster) send(subject string, env Envelope) {
	err := b.pool.Submit(func(context.Context) {
		if err := b.publish(subject, env); err != nil {
			b.logger.Warn().Err(err).Str("subject", subject).Str("event", env.Event).Msg("broadcast failed")
			return
		}
		if b.metrics != nil {
			b.metrics.BroadcastsSent.WithLabelValues(env.Event).Inc()
		}
	})
	if err != nil {
		b.logger.Warn().Err(err).Str("subject", subject).Str("event", env.Event).Msg("broadcast dropped")
	}
}

func (b *NATSBroadcaster) publish(subject string, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", env.Event, err)
	}
	return b.pub.Publish(subject, data)
}

// EnsureEventStream captures match events in a short-lived stream so a
// client reconnecting mid-match can replay what it missed.
func EnsureEventStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      "ARENA_EVENTS",
		Subjects:  []string{matchSubjectPrefix + ">"},
		Storage:   jetstream.MemoryStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create event stream: %w", err)
	}
	return nil
}
