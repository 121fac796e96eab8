package coord

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Leadership holds a fleet-wide singleton role as a lease that is refreshed
// every ttl/3. Losing one refresh does not lose the role; the lease has to
// expire first.
type Leadership struct {
	store  Store
	key    string
	owner  string
	ttl    time.Duration
	leader atomic.Bool
	logger zerolog.Logger
}

func NewLeadership(store Store, key, owner string, ttl time.Duration, logger zerolog.Logger) *Leadership {
	if ttl <= 0 {
		ttl = 15 * time.Second
	}
	return &Leadership{store: store, key: key, owner: owner, ttl: ttl, logger: logger}
}

func (l *Leadership) IsLeader() bool {
	return l.leader.Load()
}

// Campaign makes one claim-or-refresh attempt and returns the new role.
func (l *Leadership) Campaign(ctx context.Context) bool {
	ok, err := ClaimOrRefresh(ctx, l.store, l.key, l.owner, l.ttl)
	if err != nil {
		// Keep the current role; the lease outlives a failed refresh.
		l.logger.Warn().Err(err).Str("key", l.key).Msg("leadership refresh failed")
		return l.leader.Load()
	}
	if was := l.leader.Swap(ok); was != ok {
		l.logger.Info().Str("key", l.key).Bool("leader", ok).Msg("leadership changed")
	}
	return ok
}

// Run campaigns until ctx is done, then steps down.
func (l *Leadership) Run(ctx context.Context) error {
	l.Campaign(ctx)
	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if l.leader.Swap(false) {
				releaseCtx, cancel := context.WithTimeout(context.Background(), time.Second)
				_ = Release(releaseCtx, l.store, l.key, l.owner)
				cancel()
			}
			return ctx.Err()
		case <-ticker.C:
			l.Campaign(ctx)
		}
	}
}
