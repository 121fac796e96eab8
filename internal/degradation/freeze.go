package degradation

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"TradeArena/internal/broadcast"
	"TradeArena/internal/observability"
	"TradeArena/internal/room"

	"github.com/rs/zerolog"
)

// RoomLister enumerates rooms by phase.
type RoomLister interface {
	ListRooms(ctx context.Context, phases ...room.Phase) ([]room.Record, error)
}

// FreezeInfo is why and since when a match is paused.
type FreezeInfo struct {
	Reason   string    `json:"reason"`
	FrozenAt time.Time `json:"frozen_at"`
}

// FreezeController pauses and resumes matches on this instance. A frozen
// match does not tick and rejects trades.
type FreezeController struct {
	frozen sync.Map // matchID -> FreezeInfo
	count  atomic.Int64

	rooms       RoomLister
	broadcaster broadcast.Broadcaster
	metrics     *observability.Metrics
	logger      zerolog.Logger
	now         func() time.Time
}

func NewFreezeController(rooms RoomLister, b broadcast.Broadcaster, metrics *observability.Metrics, logger zerolog.Logger) *FreezeController {
	return &FreezeController{rooms: rooms, broadcaster: b, metrics: metrics, logger: logger, now: time.Now}
}

// Freeze pauses matchID. Returns false when it was already frozen.
func (f *FreezeController) Freeze(matchID, reason string) bool {
	info := FreezeInfo{Reason: reason, FrozenAt: f.now().UTC()}
	if _, loaded := f.frozen.LoadOrStore(matchID, info); loaded {
		return false
	}
	f.setGauge(f.count.Add(1))
	f.logger.Warn().Str("match_id", matchID).Str("reason", reason).Msg("match frozen")
	f.broadcaster.ToMatch(matchID, broadcast.EventSystemPause, info)
	return true
}

// Unfreeze resumes matchID. Returns false when it was not frozen.
func (f *FreezeController) Unfreeze(matchID string) bool {
	if _, loaded := f.frozen.LoadAndDelete(matchID); !loaded {
		return false
	}
	f.setGauge(f.count.Add(-1))
	f.logger.Info().Str("match_id", matchID).Msg("match unfrozen")
	f.broadcaster.ToMatch(matchID, broadcast.EventSystemResume, map[string]any{
		"resumed_at": f.now().UTC(),
	})
	return true
}

func (f *FreezeController) IsFrozen(matchID string) bool {
	_, ok := f.frozen.Load(matchID)
	return ok
}

// Info returns the freeze reason of matchID.
func (f *FreezeController) Info(matchID string) (FreezeInfo, bool) {
	v, ok := f.frozen.Load(matchID)
	if !ok {
		return FreezeInfo{}, false
	}
	return v.(FreezeInfo), true
}

// Frozen lists frozen match ids in order.
func (f *FreezeController) Frozen() []string {
	var ids []string
	f.frozen.Range(func(k, _ any) bool {
		ids = append(ids, k.(string))
		return true
	})
	sort.Strings(ids)
	return ids
}

// FreezeAll freezes every ACTIVE or STARTING room and returns how many were
// newly frozen.
func (f *FreezeController) FreezeAll(ctx context.Context, reason string) int {
	recs, err := f.rooms.ListRooms(ctx, room.PhaseActive, room.PhaseStarting)
	if err != nil {
		f.logger.Error().Err(err).Msg("freeze all: list rooms failed")
	}
	n := 0
	for _, rec := range recs {
		if f.Freeze(rec.MatchID, reason) {
			n++
		}
	}
	f.logger.Warn().Int("frozen", n).Str("reason", reason).Msg("froze all active matches")
	return n
}

// UnfreezeAll resumes every frozen match.
func (f *FreezeController) UnfreezeAll(context.Context) int {
	n := 0
	for _, id := range f.Frozen() {
		if f.Unfreeze(id) {
			n++
		}
	}
	if n > 0 {
		f.logger.Info().Int("unfrozen", n).Msg("unfroze all matches")
	}
	return n
}

// OnTransition is the degradation listener: entering FROZEN or DEGRADED_DB
// freezes everything, returning to NORMAL resumes everything.
func (f *FreezeController) OnTransition(ctx context.Context, _, to SystemState) {
	switch {
	case to.Freezes():
		f.FreezeAll(ctx, to.String())
	case to == StateNormal:
		f.UnfreezeAll(ctx)
	}
}

func (f *FreezeController) setGauge(n int64) {
	if f.metrics != nil {
		f.metrics.FrozenMatches.Set(float64(n))
	}
}
