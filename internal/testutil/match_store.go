package testutil

import (
	"context"
	"sort"
	"sync"
	"time"

	"TradeArena/internal/errs"
	"TradeArena/internal/persistence"

	"github.com/shopspring/decimal"
)

// MatchStore is an in-memory stand-in for persistence.Store. Its mutex plays
// the role of the row lock, so the compare-and-swap and read-for-update
// contracts hold under concurrent callers.
type MatchStore struct {
	mu      sync.Mutex
	matches map[string]*persistence.Match
	bars    map[string][]persistence.Bar
	trades  []persistence.Trade
	results map[string][]persistence.PlayerResult
	ratings map[string]int
	stats   map[string]*persistence.PlayerStats
	err     error

	FinishCalls int
}

func NewMatchStore() *MatchStore {
	return &MatchStore{
		matches: make(map[string]*persistence.Match),
		bars:    make(map[string][]persistence.Bar),
		results: make(map[string][]persistence.PlayerResult),
		ratings: make(map[string]int),
		stats:   make(map[string]*persistence.PlayerStats),
	}
}

// Fail makes every call return err; Fail(nil) heals the store.
func (s *MatchStore) Fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// AddBars appends close-only bars for symbol.
func (s *MatchStore) AddBars(symbol string, closes ...float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for _, c := range closes {
		seq := len(s.bars[symbol])
		p := decimal.NewFromFloat(c)
		s.bars[symbol] = append(s.bars[symbol], persistence.Bar{
			Symbol: symbol, Seq: seq, Time: start.Add(time.Duration(seq) * time.Minute),
			Open: p, High: p, Low: p, Close: p, Volume: decimal.NewFromInt(1),
		})
	}
}

// PutMatch stores m as is.
func (s *MatchStore) PutMatch(m persistence.Match) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.matches[m.ID] = &m
}

func (s *MatchStore) CreateMatch(_ context.Context, m *persistence.Match) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	if _, ok := s.matches[m.ID]; ok {
		return errs.Conflict("duplicate_match", "match %s exists", m.ID)
	}
	cp := *m
	s.matches[m.ID] = &cp
	return nil
}

func (s *MatchStore) GetMatch(_ context.Context, matchID string) (*persistence.Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	m, ok := s.matches[matchID]
	if !ok {
		return nil, persistence.ErrMatchNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *MatchStore) IsMatchActive(ctx context.Context, matchID string) (bool, error) {
	m, err := s.GetMatch(ctx, matchID)
	if err == persistence.ErrMatchNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return m.Status == persistence.StatusActive, nil
}

func (s *MatchStore) ListByStatus(_ context.Context, statuses ...persistence.MatchStatus) ([]persistence.Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	var out []persistence.Match
	for _, m := range s.matches {
		for _, st := range statuses {
			if m.Status == st {
				out = append(out, *m)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MatchStore) ListActive(ctx context.Context) ([]persistence.Match, error) {
	return s.ListByStatus(ctx, persistence.StatusActive)
}

func (s *MatchStore) JoinIfOpen(_ context.Context, matchID, playerID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return 0, s.err
	}
	m, ok := s.matches[matchID]
	if !ok || m.Status != persistence.StatusWaiting || m.OpponentID != "" || m.CreatorID == playerID {
		return 0, nil
	}
	m.OpponentID = playerID
	return 1, nil
}

func (s *MatchStore) ActivateMatch(_ context.Context, matchID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return false, s.err
	}
	m, ok := s.matches[matchID]
	if !ok || m.Status != persistence.StatusWaiting || m.OpponentID == "" {
		return false, nil
	}
	now := time.Now()
	m.Status = persistence.StatusActive
	m.StartedAt = &now
	return true, nil
}

func (s *MatchStore) AdvanceIndex(_ context.Context, matchID string, from int) (persistence.Advance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return persistence.Advance{}, s.err
	}
	m, ok := s.matches[matchID]
	if !ok {
		return persistence.Advance{}, persistence.ErrMatchNotFound
	}
	if m.Status != persistence.StatusActive {
		return persistence.Advance{}, errs.ErrMatchNotActive
	}
	out := persistence.Advance{Index: m.CurrentIndex}
	if m.CurrentIndex != from {
		return out, nil
	}
	if m.CurrentIndex+1 >= m.TotalBars {
		out.Exhausted = true
		return out, nil
	}
	m.CurrentIndex++
	out.Index = m.CurrentIndex
	out.Advanced = true
	return out, nil
}

func (s *MatchStore) FinishMatch(_ context.Context, req persistence.FinishRequest) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return false, s.err
	}
	s.FinishCalls++
	m, ok := s.matches[req.MatchID]
	if !ok {
		return false, persistence.ErrMatchNotFound
	}
	if m.Status.IsTerminal() {
		return false, nil
	}
	now := time.Now()
	m.Status = req.Status
	m.WinnerID = req.WinnerID
	m.EndReason = req.Reason
	m.FinishedAt = &now
	s.results[req.MatchID] = append([]persistence.PlayerResult(nil), req.Results...)
	return true, nil
}

func (s *MatchStore) Results(_ context.Context, matchID string) ([]persistence.PlayerResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]persistence.PlayerResult(nil), s.results[matchID]...), s.err
}

func (s *MatchStore) InsertTrades(_ context.Context, trades []persistence.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	seen := make(map[string]bool, len(s.trades))
	for _, t := range s.trades {
		seen[t.ID] = true
	}
	for _, t := range trades {
		if !seen[t.ID] {
			s.trades = append(s.trades, t)
			seen[t.ID] = true
		}
	}
	return nil
}

func (s *MatchStore) TradesForPlayer(_ context.Context, matchID, playerID string) ([]persistence.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	var out []persistence.Trade
	for _, t := range s.trades {
		if t.MatchID == matchID && t.PlayerID == playerID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *MatchStore) TradeExists(_ context.Context, tradeID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return false, s.err
	}
	for _, t := range s.trades {
		if t.ID == tradeID {
			return true, nil
		}
	}
	return false, nil
}

// Trades returns every stored trade.
func (s *MatchStore) Trades() []persistence.Trade {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]persistence.Trade(nil), s.trades...)
}

func (s *MatchStore) Bars(_ context.Context, symbol string, start, count int) ([]persistence.Bar, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	all := s.bars[symbol]
	if start >= len(all) {
		return nil, nil
	}
	end := min(start+count, len(all))
	return append([]persistence.Bar(nil), all[start:end]...), nil
}

func (s *MatchStore) PickWindow(_ context.Context, symbol string, count int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return 0, s.err
	}
	if len(s.bars[symbol]) < count {
		return 0, persistence.ErrNotEnoughBars
	}
	return 0, nil
}

func (s *MatchStore) Symbols(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.bars))
	for sym := range s.bars {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out, s.err
}

func (s *MatchStore) Rating(_ context.Context, playerID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.ratings[playerID]; ok {
		return r, s.err
	}
	return persistence.DefaultRating, s.err
}

// SetRating seeds a player's rating.
func (s *MatchStore) SetRating(playerID string, rating int) {
	s.mu.Lock()
	s.ratings[playerID] = rating
	s.mu.Unlock()
}

func (s *MatchStore) ApplyRatings(_ context.Context, winnerID, loserID string, draw bool) (int, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return 0, 0, s.err
	}
	rw, ok := s.ratings[winnerID]
	if !ok {
		rw = persistence.DefaultRating
	}
	rl, ok := s.ratings[loserID]
	if !ok {
		rl = persistence.DefaultRating
	}
	nw, nl := persistence.EloUpdate(rw, rl, draw)
	s.ratings[winnerID], s.ratings[loserID] = nw, nl
	return nw, nl, nil
}

func (s *MatchStore) UpsertPlayerStats(_ context.Context, d persistence.StatsDelta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	ps, ok := s.stats[d.PlayerID]
	if !ok {
		ps = &persistence.PlayerStats{PlayerID: d.PlayerID, BestReturnPct: d.ReturnPct}
		s.stats[d.PlayerID] = ps
	}
	ps.MatchesPlayed++
	ps.TotalTrades += d.Trades
	switch {
	case d.Draw:
		ps.Draws++
	case d.Won:
		ps.Wins++
	default:
		ps.Losses++
	}
	if d.ReturnPct.GreaterThan(ps.BestReturnPct) {
		ps.BestReturnPct = d.ReturnPct
	}
	ps.UpdatedAt = time.Now()
	return nil
}

func (s *MatchStore) PlayerStats(_ context.Context, playerID string) (*persistence.PlayerStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ps, ok := s.stats[playerID]; ok {
		cp := *ps
		return &cp, s.err
	}
	return &persistence.PlayerStats{PlayerID: playerID}, s.err
}
