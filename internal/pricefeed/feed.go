// Package pricefeed serves each match's ordered price bars and advances its
// bar index. Bars are loaded once per match and shared by concurrent
// callers; the index itself lives in the match row.
package pricefeed

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"TradeArena/internal/errs"
	"TradeArena/internal/persistence"

	"golang.org/x/sync/singleflight"
)

// ErrExhausted means the match has consumed its last bar. It is distinct
// from a load or database error.
var ErrExhausted = errs.New(errs.KindExhausted, "feed_exhausted", "price feed exhausted")

// Source is the persistence the feed reads through.
type Source interface {
	GetMatch(ctx context.Context, matchID string) (*persistence.Match, error)
	Bars(ctx context.Context, symbol string, start, count int) ([]persistence.Bar, error)
	AdvanceIndex(ctx context.Context, matchID string, from int) (persistence.Advance, error)
}

// Step is the result of Advance.
type Step struct {
	Index    int
	Bar      persistence.Bar
	Advanced bool
}

// Feed is the price-feed provider used by the scheduler and trade path.
type Feed interface {
	Bars(ctx context.Context, matchID string) ([]persistence.Bar, error)
	BarAt(ctx context.Context, matchID string, index int) (persistence.Bar, error)
	Current(ctx context.Context, matchID string) (persistence.Bar, int, error)
	Advance(ctx context.Context, matchID string, from int) (Step, error)
	Forget(matchID string)
}

// Service implements Feed on top of Source with a per-match bar cache.
type Service struct {
	source Source
	bars   sync.Map // matchID -> []persistence.Bar
	group  singleflight.Group
}

var _ Feed = (*Service)(nil)

func NewService(source Source) *Service {
	return &Service{source: source}
}

// Bars returns the full bar window of a match.
func (s *Service) Bars(ctx context.Context, matchID string) ([]persistence.Bar, error) {
	if v, ok := s.bars.Load(matchID); ok {
		return v.([]persistence.Bar), nil
	}

	v, err, _ := s.group.Do(matchID, func() (any, error) {
		if v, ok := s.bars.Load(matchID); ok {
			return v, nil
		}
		m, err := s.source.GetMatch(ctx, matchID)
		if err != nil {
			return nil, err
		}
		bars, err := s.source.Bars(ctx, m.Symbol, m.StartIndex, m.TotalBars)
		if err != nil {
			return nil, fmt.Errorf("load bars for %s: %w", matchID, err)
		}
		if len(bars) == 0 {
			return nil, persistence.ErrNotEnoughBars
		}
		s.bars.Store(matchID, bars)
		return bars, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]persistence.Bar), nil
}

// BarAt returns bar index of the match window.
func (s *Service) BarAt(ctx context.Context, matchID string, index int) (persistence.Bar, error) {
	bars, err := s.Bars(ctx, matchID)
	if err != nil {
		return persistence.Bar{}, err
	}
	if index < 0 || index >= len(bars) {
		return persistence.Bar{}, ErrExhausted
	}
	return bars[index], nil
}

// Current returns the bar at the match's persisted index.
func (s *Service) Current(ctx context.Context, matchID string) (persistence.Bar, int, error) {
	m, err := s.source.GetMatch(ctx, matchID)
	if err != nil {
		return persistence.Bar{}, 0, err
	}
	bar, err := s.BarAt(ctx, matchID, m.CurrentIndex)
	return bar, m.CurrentIndex, err
}

// Advance moves the match from index `from` to from+1. Advanced is false
// when another tick already moved past `from`. Returns ErrExhausted after
// the last bar.
func (s *Service) Advance(ctx context.Context, matchID string, from int) (Step, error) {
	adv, err := s.source.AdvanceIndex(ctx, matchID, from)
	if err != nil {
		return Step{}, err
	}
	if adv.Exhausted {
		return Step{Index: adv.Index}, ErrExhausted
	}
	bar, err := s.BarAt(ctx, matchID, adv.Index)
	if err != nil {
		return Step{}, err
	}
	return Step{Index: adv.Index, Bar: bar, Advanced: adv.Advanced}, nil
}

// Forget drops the cached window of a finished match.
func (s *Service) Forget(matchID string) {
	s.bars.Delete(matchID)
	s.group.Forget(matchID)
}

// IsExhausted reports whether err signals the end of the feed.
func IsExhausted(err error) bool {
	return errors.Is(err, ErrExhausted)
}
