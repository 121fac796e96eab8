package matchmaking

import (
	"time"
)

// Unbounded is the window of a ticket that accepts any rating gap.
const Unbounded = -1

// Ticket is one queued player.
type Ticket struct {
	PlayerID   string    `json:"player_id"`
	Rating     int       `json:"rating"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	// Window is the rating gap accepted at the last evaluation.
	Window int `json:"window"`
}

// lessTicket orders by rating, then enqueue time, then player id, so two
// distinct tickets never compare equal.
func lessTicket(a, b *Ticket) bool {
	if a.Rating != b.Rating {
		return a.Rating < b.Rating
	}
	if !a.EnqueuedAt.Equal(b.EnqueuedAt) {
		return a.EnqueuedAt.Before(b.EnqueuedAt)
	}
	return a.PlayerID < b.PlayerID
}

func gap(a, b *Ticket) int {
	d := a.Rating - b.Rating
	if d < 0 {
		return -d
	}
	return d
}

func accepts(window, g int) bool {
	return window == Unbounded || g <= window
}

// Pairing is a claimed pair of tickets and the match created for them.
type Pairing struct {
	MatchID  string    `json:"match_id"`
	PlayerA  Ticket    `json:"player_a"`
	PlayerB  Ticket    `json:"player_b"`
	Gap      int       `json:"rating_gap"`
	PairedAt time.Time `json:"paired_at"`
}

// Opponent returns the other side of the pairing.
func (p *Pairing) Opponent(playerID string) string {
	if p.PlayerA.PlayerID == playerID {
		return p.PlayerB.PlayerID
	}
	return p.PlayerA.PlayerID
}

// Expired is the payload of a match-expired event.
type Expired struct {
	PlayerID      string `json:"player_id"`
	WaitedSeconds int    `json:"waited_seconds"`
}
