package testutil

import "sync"

// Event is one recorded broadcast.
type Event struct {
	Scope   string // "match" or "player"
	Target  string
	Name    string
	Payload any
}

// Broadcaster records every event instead of pushing it anywhere.
type Broadcaster struct {
	mu     sync.Mutex
	events []Event
}

func (b *Broadcaster) ToMatch(matchID, event string, payload any) {
	b.record(Event{Scope: "match", Target: matchID, Name: event, Payload: payload})
}

func (b *Broadcaster) ToPlayer(playerID, event string, payload any) {
	b.record(Event{Scope: "player", Target: playerID, Name: event, Payload: payload})
}

func (b *Broadcaster) record(e Event) {
	b.mu.Lock()
	b.events = append(b.events, e)
	b.mu.Unlock()
}

// Events returns recorded events, filtered by name when one is given.
func (b *Broadcaster) Events(name ...string) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Event
	for _, e := range b.events {
		if len(name) == 0 || e.Name == name[0] {
			out = append(out, e)
		}
	}
	return out
}

// Count returns how many events named name were recorded.
func (b *Broadcaster) Count(name string) int {
	return len(b.Events(name))
}
