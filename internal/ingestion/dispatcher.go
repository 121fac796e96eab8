package ingestion

import (
	"context"
	"strings"

	"TradeArena/internal/errs"
	"TradeArena/internal/match"
	"TradeArena/internal/matchmaking"
	"TradeArena/internal/observability"
	"TradeArena/internal/persistence"

	"github.com/rs/zerolog"
)

// Decision tells the transport what to do with a message.
type Decision int

const (
	// Ack: handled, or a duplicate.
	Ack Decision = iota
	// Retry: redeliver later, possibly to another instance.
	Retry
	// Drop: never deliverable.
	Drop
)

func (d Decision) String() string {
	switch d {
	case Ack:
		return "ack"
	case Retry:
		return "retry"
	default:
		return "drop"
	}
}

// Trader executes trades. Implemented by match.Service.
type Trader interface {
	SubmitTrade(ctx context.Context, req match.TradeRequest) (*match.Confirmation, error)
}

// Owner reports whether this instance runs a match clock and therefore holds
// the authoritative ledger. Implemented by scheduler.Scheduler.
type Owner interface {
	IsRunning(matchID string) bool
}

// Queue is the matchmaking queue. Implemented by matchmaking.Engine.
type Queue interface {
	Enqueue(ctx context.Context, playerID string, rating int) (*matchmaking.Pairing, error)
	Cancel(playerID string) bool
}

// Leader reports whether this instance runs matchmaking.
// Implemented by coord.Leadership.
type Leader interface {
	IsLeader() bool
}

// Ratings looks up stored ratings.
type Ratings interface {
	Rating(ctx context.Context, playerID string) (int, error)
}

// Dispatcher routes parsed commands to the runtime. Trades run only on the
// instance that owns the match; queue commands run only on the matchmaking
// leader. Everything else is retried so the broker can redeliver elsewhere.
type Dispatcher struct {
	Trades  Trader
	Owner   Owner
	Queue   Queue
	Leader  Leader
	Ratings Ratings
	Dedup   *Dedup
	Metrics *observability.Metrics
	Logger  zerolog.Logger
}

// Dispatch handles one command message.
func (d *Dispatcher) Dispatch(ctx context.Context, subject string, data []byte) Decision {
	kind, ok := KindOf(subject)
	if !ok {
		d.Logger.Warn().Str("subject", subject).Msg("command on unknown subject")
		d.count("unknown", Drop)
		return Drop
	}

	var dec Decision
	switch kind {
	case KindTrade:
		dec = d.trade(ctx, data)
	case KindQueueJoin:
		dec = d.queueJoin(ctx, data)
	case KindQueueLeave:
		dec = d.queueLeave(data)
	}
	d.count(string(kind), dec)
	return dec
}

func (d *Dispatcher) trade(ctx context.Context, data []byte) Decision {
	req, err := ParseTrade(data)
	if err != nil {
		d.Logger.Warn().Err(err).Msg("dropping malformed trade command")
		return Drop
	}
	if !d.Owner.IsRunning(req.MatchID) {
		return Retry
	}
	if d.Dedup != nil && d.Dedup.Claim(ctx, KindTrade, req.ID) {
		return Ack
	}

	_, err = d.Trades.SubmitTrade(ctx, req)
	if err == nil {
		return Ack
	}
	switch errs.KindOf(err) {
	case errs.KindTransient, errs.KindUnknown:
		if d.Dedup != nil {
			d.Dedup.Release(KindTrade, req.ID)
		}
		d.Logger.Warn().Err(err).Str("trade_id", req.ID).Str("match_id", req.MatchID).Msg("trade command will be retried")
		return Retry
	default:
		// The player already got a trade-error event.
		return Ack
	}
}

func (d *Dispatcher) queueJoin(ctx context.Context, data []byte) Decision {
	cmd, err := ParseQueueJoin(data)
	if err != nil {
		d.Logger.Warn().Err(err).Msg("dropping malformed queue join")
		return Drop
	}
	if !d.Leader.IsLeader() {
		return Retry
	}

	rating := persistence.DefaultRating
	if cmd.Rating != nil {
		rating = *cmd.Rating
	} else if d.Ratings != nil {
		r, err := d.Ratings.Rating(ctx, cmd.PlayerID)
		if err != nil {
			d.Logger.Warn().Err(err).Str("player_id", cmd.PlayerID).Msg("rating lookup failed")
			return Retry
		}
		rating = r
	}

	_, err = d.Queue.Enqueue(ctx, cmd.PlayerID, rating)
	switch {
	case err == nil, matchmaking.IsAlreadyQueued(err):
		return Ack
	case errs.IsKind(err, errs.KindValidation):
		return Drop
	default:
		d.Logger.Warn().Err(err).Str("player_id", cmd.PlayerID).Msg("queue join will be retried")
		return Retry
	}
}

func (d *Dispatcher) queueLeave(data []byte) Decision {
	cmd, err := ParseQueueLeave(data)
	if err != nil {
		d.Logger.Warn().Err(err).Msg("dropping malformed queue leave")
		return Drop
	}
	if !d.Leader.IsLeader() {
		return Retry
	}
	d.Queue.Cancel(cmd.PlayerID)
	return Ack
}

func (d *Dispatcher) count(command string, dec Decision) {
	if d.Metrics != nil {
		d.Metrics.CommandsReceived.WithLabelValues(command, dec.String()).Inc()
	}
}

// KindOf maps a command subject to its kind.
func KindOf(subject string) (Kind, bool) {
	switch {
	case strings.HasPrefix(subject, SubjectTrade):
		return KindTrade, true
	case strings.HasPrefix(subject, SubjectQueueJoin):
		return KindQueueJoin, true
	case strings.HasPrefix(subject, SubjectQueueLeave):
		return KindQueueLeave, true
	default:
		return "", false
	}
}
