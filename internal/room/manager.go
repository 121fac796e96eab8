package room

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"TradeArena/internal/coord"
	"TradeArena/internal/errs"

	"github.com/rs/zerolog"
)

// Capacity is the maximum number of connected players per room.
const Capacity = 2

// Phase is the room lifecycle: WAITING → STARTING → ACTIVE → {FINISHED | ABANDONED}.
type Phase string

const (
	PhaseWaiting   Phase = "WAITING"
	PhaseStarting  Phase = "STARTING"
	PhaseActive    Phase = "ACTIVE"
	PhaseFinished  Phase = "FINISHED"
	PhaseAbandoned Phase = "ABANDONED"
)

func (p Phase) IsTerminal() bool {
	return p == PhaseFinished || p == PhaseAbandoned
}

var (
	ErrRoomNotFound = errs.New(errs.KindConflict, "room_not_found", "room does not exist")
	ErrRoomFull     = errs.New(errs.KindConflict, "room_full", "room is full")
)

// Record is the shared representation of a room.
type Record struct {
	MatchID      string    `json:"match_id"`
	CreatorID    string    `json:"creator_id"`
	Phase        Phase     `json:"phase"`
	CreatedAt    time.Time `json:"created_at"`
	Connected    []string  `json:"connected"`
	Disconnected []string  `json:"disconnected"`
}

// Snapshot is a read view of a room, including the ready counter.
type Snapshot struct {
	Record
	Ready int64 `json:"ready"`
}

// ClockHandle is the local handle of a running per-match clock.
type ClockHandle interface {
	Stop()
}

type session struct {
	playerID string
	matchID  string
}

// Manager is the public room state API. Shared fields live in the
// coordination store behind a ResilientStore; sessions and clock handles are
// local to this instance.
type Manager struct {
	store  *ResilientStore
	logger zerolog.Logger
	now    func() time.Time

	sessions       sync.Map // sessionID -> session
	playerSessions sync.Map // matchID|playerID -> *atomic.Int64
	clocks         sync.Map // matchID -> ClockHandle
}

func NewManager(store *ResilientStore, logger zerolog.Logger) *Manager {
	return &Manager{store: store, logger: logger, now: time.Now}
}

// Store returns the resilient wrapper (reconciliation works on it directly).
func (m *Manager) Store() *ResilientStore {
	return m.store
}

// CreateRoom creates the room for matchID exactly once. The creator is the
// first connected player. A second call is a logged no-op.
func (m *Manager) CreateRoom(ctx context.Context, matchID, creatorID string) (bool, error) {
	rec := Record{
		MatchID:   matchID,
		CreatorID: creatorID,
		Phase:     PhaseWaiting,
		CreatedAt: m.now().UTC(),
		Connected: []string{creatorID},
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("encode room: %w", err)
	}

	created, err := m.store.CreateIfAbsent(ctx, coord.RoomKey(matchID), raw)
	if err != nil {
		return false, fmt.Errorf("create room %s: %w", matchID, err)
	}
	if !created {
		m.logger.Debug().Str("match_id", matchID).Msg("room already exists")
		return false, nil
	}
	if _, err := coord.SetAdd(ctx, m.store, coord.IndexKey, matchID, 0); err != nil {
		return true, fmt.Errorf("index room %s: %w", matchID, err)
	}
	m.logger.Info().Str("match_id", matchID).Str("creator_id", creatorID).Msg("room created")
	return true, nil
}

// JoinRoom adds playerID in one atomic step: existence check, capacity check,
// add, and WAITING→STARTING. A player already connected is not counted twice.
func (m *Manager) JoinRoom(ctx context.Context, matchID, playerID string) (int, error) {
	count := 0
	err := m.mutate(ctx, matchID, func(rec *Record) error {
		rec.Disconnected = remove(rec.Disconnected, playerID)
		if !slices.Contains(rec.Connected, playerID) {
			if len(rec.Connected) >= Capacity {
				return ErrRoomFull
			}
			rec.Connected = append(rec.Connected, playerID)
			if rec.Phase == PhaseWaiting {
				rec.Phase = PhaseStarting
			}
		}
		count = len(rec.Connected)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// StartGame moves the room to ACTIVE.
func (m *Manager) StartGame(ctx context.Context, matchID string) error {
	return m.mutate(ctx, matchID, func(rec *Record) error {
		if !rec.Phase.IsTerminal() {
			rec.Phase = PhaseActive
		}
		return nil
	})
}

// EndGame deletes every shared key of the match. It is safe to call from any
// instance any number of times; only the call that removed the room reports
// true.
func (m *Manager) EndGame(ctx context.Context, matchID string, abandoned bool) (bool, error) {
	ended := false
	_, err := m.store.Mutate(ctx, coord.RoomKey(matchID), func(cur []byte, exists bool) ([]byte, error) {
		ended = exists
		return nil, nil
	})
	if err != nil {
		return false, fmt.Errorf("end room %s: %w", matchID, err)
	}

	for _, key := range []string{coord.ReadyKey(matchID), coord.OwnerKey(matchID)} {
		if err := m.store.Delete(ctx, key); err != nil {
			m.logger.Warn().Err(err).Str("match_id", matchID).Str("key", key).Msg("delete match key failed")
		}
	}
	if err := coord.SetRemove(ctx, m.store, coord.IndexKey, matchID); err != nil {
		m.logger.Warn().Err(err).Str("match_id", matchID).Msg("remove room from index failed")
	}

	m.dropLocal(matchID)

	if ended {
		phase := PhaseFinished
		if abandoned {
			phase = PhaseAbandoned
		}
		m.logger.Info().Str("match_id", matchID).Str("phase", string(phase)).Msg("room ended")
	}
	return ended, nil
}

// RegisterSession maps a network session to (player, match) and marks the
// player connected.
func (m *Manager) RegisterSession(ctx context.Context, sessionID, playerID, matchID string) error {
	if _, loaded := m.sessions.LoadOrStore(sessionID, session{playerID: playerID, matchID: matchID}); loaded {
		return nil
	}
	m.sessionCounter(matchID, playerID).Add(1)

	_, err := m.JoinRoom(ctx, matchID, playerID)
	if err != nil {
		m.sessions.Delete(sessionID)
		m.sessionCounter(matchID, playerID).Add(-1)
		return err
	}
	return nil
}

// UnregisterSession forgets a network session. The player is only marked
// disconnected in shared state when no other local session remains, so a
// second tab or a reconnect does not flap presence.
func (m *Manager) UnregisterSession(ctx context.Context, sessionID string) error {
	v, ok := m.sessions.LoadAndDelete(sessionID)
	if !ok {
		return nil
	}
	s := v.(session)
	if m.sessionCounter(s.matchID, s.playerID).Add(-1) > 0 {
		return nil
	}

	err := m.mutate(ctx, s.matchID, func(rec *Record) error {
		if slices.Contains(rec.Connected, s.playerID) {
			rec.Connected = remove(rec.Connected, s.playerID)
			if !slices.Contains(rec.Disconnected, s.playerID) {
				rec.Disconnected = append(rec.Disconnected, s.playerID)
			}
		}
		return nil
	})
	if errors.Is(err, ErrRoomNotFound) {
		return nil
	}
	return err
}

// SessionCount returns the number of local sessions of playerID in matchID.
func (m *Manager) SessionCount(matchID, playerID string) int64 {
	return m.sessionCounter(matchID, playerID).Load()
}

// MarkReady increments the ready-up counter; the counter resets once every
// seat is ready. Returns the count including this call.
func (m *Manager) MarkReady(ctx context.Context, matchID string) (int64, error) {
	n, err := coord.IncrementWithReset(ctx, m.store, coord.ReadyKey(matchID), Capacity)
	if err != nil {
		return 0, fmt.Errorf("ready %s: %w", matchID, err)
	}
	return n, nil
}

// --- Reads (shared store first, shadow fallback inside ResilientStore) ---

func (m *Manager) Get(ctx context.Context, matchID string) (*Record, error) {
	raw, err := m.store.Get(ctx, coord.RoomKey(matchID))
	if errors.Is(err, coord.ErrNotFound) {
		return nil, ErrRoomNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get room %s: %w", matchID, err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode room %s: %w", matchID, err)
	}
	return &rec, nil
}

func (m *Manager) Exists(ctx context.Context, matchID string) (bool, error) {
	_, err := m.Get(ctx, matchID)
	if errors.Is(err, ErrRoomNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (m *Manager) Phase(ctx context.Context, matchID string) (Phase, error) {
	rec, err := m.Get(ctx, matchID)
	if err != nil {
		return "", err
	}
	return rec.Phase, nil
}

func (m *Manager) ConnectedPlayers(ctx context.Context, matchID string) ([]string, error) {
	rec, err := m.Get(ctx, matchID)
	if err != nil {
		return nil, err
	}
	return rec.Connected, nil
}

func (m *Manager) DisconnectedPlayers(ctx context.Context, matchID string) ([]string, error) {
	rec, err := m.Get(ctx, matchID)
	if err != nil {
		return nil, err
	}
	return rec.Disconnected, nil
}

func (m *Manager) PlayerCount(ctx context.Context, matchID string) (int, error) {
	rec, err := m.Get(ctx, matchID)
	if err != nil {
		return 0, err
	}
	return len(rec.Connected), nil
}

func (m *Manager) IsFull(ctx context.Context, matchID string) (bool, error) {
	n, err := m.PlayerCount(ctx, matchID)
	if err != nil {
		return false, err
	}
	return n >= Capacity, nil
}

func (m *Manager) ReadyCount(ctx context.Context, matchID string) (int64, error) {
	raw, err := m.store.Get(ctx, coord.ReadyKey(matchID))
	if errors.Is(err, coord.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var n int64
	if _, err := fmt.Sscanf(string(raw), "%d", &n); err != nil {
		return 0, fmt.Errorf("decode ready counter: %w", err)
	}
	return n, nil
}

func (m *Manager) Snapshot(ctx context.Context, matchID string) (*Snapshot, error) {
	rec, err := m.Get(ctx, matchID)
	if err != nil {
		return nil, err
	}
	ready, err := m.ReadyCount(ctx, matchID)
	if err != nil {
		return nil, err
	}
	return &Snapshot{Record: *rec, Ready: ready}, nil
}

// ListRooms returns every indexed room, optionally filtered by phase.
func (m *Manager) ListRooms(ctx context.Context, phases ...Phase) ([]Record, error) {
	ids, err := coord.SetMembers(ctx, m.store, coord.IndexKey)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	out := make([]Record, 0, len(ids))
	for _, id := range ids {
		rec, err := m.Get(ctx, id)
		if errors.Is(err, ErrRoomNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if len(phases) == 0 || slices.Contains(phases, rec.Phase) {
			out = append(out, *rec)
		}
	}
	return out, nil
}

// --- Shadow reconciliation hooks ---

// ShadowOnlyMatches lists matches whose room was written locally while the
// shared store was unreachable.
func (m *Manager) ShadowOnlyMatches() []string {
	keys := m.store.ShadowOnlyKeys(coord.RoomKey(""))
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		if v, ok := m.store.ShadowValue(k); ok {
			var rec Record
			if err := json.Unmarshal(v, &rec); err == nil {
				ids = append(ids, rec.MatchID)
				continue
			}
		}
		ids = append(ids, k[len(coord.RoomKey("")):])
	}
	return ids
}

// ExistsShared reports whether the shared store itself holds the room,
// ignoring the local copy.
func (m *Manager) ExistsShared(ctx context.Context, matchID string) (bool, error) {
	return m.store.SharedExists(ctx, coord.RoomKey(matchID))
}

// DiscardShadow drops the local copy of the room.
func (m *Manager) DiscardShadow(matchID string) {
	m.store.Discard(coord.RoomKey(matchID))
}

// RestoreFromShadow re-creates the shared room from the local copy.
func (m *Manager) RestoreFromShadow(ctx context.Context, matchID string) (bool, error) {
	created, err := m.store.Publish(ctx, coord.RoomKey(matchID))
	if err != nil {
		return false, err
	}
	if _, err := coord.SetAdd(ctx, m.store, coord.IndexKey, matchID, 0); err != nil {
		return created, err
	}
	return created, nil
}

// --- Local clock handles ---

// InstallClock registers h for matchID unless a clock is already installed.
func (m *Manager) InstallClock(matchID string, h ClockHandle) bool {
	_, loaded := m.clocks.LoadOrStore(matchID, h)
	return !loaded
}

func (m *Manager) Clock(matchID string) (ClockHandle, bool) {
	v, ok := m.clocks.Load(matchID)
	if !ok {
		return nil, false
	}
	return v.(ClockHandle), true
}

// ClearClock removes the handle if it is still h.
func (m *Manager) ClearClock(matchID string, h ClockHandle) {
	m.clocks.CompareAndDelete(matchID, h)
}

func (m *Manager) mutate(ctx context.Context, matchID string, fn func(*Record) error) error {
	_, err := m.store.Mutate(ctx, coord.RoomKey(matchID), func(cur []byte, exists bool) ([]byte, error) {
		if !exists {
			return nil, ErrRoomNotFound
		}
		var rec Record
		if err := json.Unmarshal(cur, &rec); err != nil {
			return nil, fmt.Errorf("decode room %s: %w", matchID, err)
		}
		if err := fn(&rec); err != nil {
			return nil, err
		}
		return json.Marshal(rec)
	})
	return err
}

func (m *Manager) sessionCounter(matchID, playerID string) *atomic.Int64 {
	key := matchID + "|" + playerID
	if v, ok := m.playerSessions.Load(key); ok {
		return v.(*atomic.Int64)
	}
	v, _ := m.playerSessions.LoadOrStore(key, new(atomic.Int64))
	return v.(*atomic.Int64)
}

func (m *Manager) dropLocal(matchID string) {
	if v, ok := m.clocks.LoadAndDelete(matchID); ok {
		v.(ClockHandle).Stop()
	}
	m.sessions.Range(func(k, v any) bool {
		if v.(session).matchID == matchID {
			m.sessions.Delete(k)
		}
		return true
	})
	prefix := matchID + "|"
	m.playerSessions.Range(func(k, _ any) bool {
		if len(k.(string)) > len(prefix) && k.(string)[:len(prefix)] == prefix {
			m.playerSessions.Delete(k)
		}
		return true
	})
}

func remove(list []string, item string) []string {
	out := list[:0:0]
	for _, v := range list {
		if v != item {
			out = append(out, v)
		}
	}
	return out
}
