// Package degradation folds the health of the coordination store and the
// database into one system-wide state and drives the side effects of moving
// between states: freezing matches, resuming them, and reconciling drift once
// a dependency comes back.
package degradation

// SystemState is the process-wide operating mode.
type SystemState int32

const (
	StateNormal SystemState = iota
	StateDegradedCoordination
	StateDegradedDB
	StateFrozen
	StateRecovering
)

func (s SystemState) String() string {
	switch s {
	case StateNormal:
		return "NORMAL"
	case StateDegradedCoordination:
		return "DEGRADED_COORDINATION"
	case StateDegradedDB:
		return "DEGRADED_DB"
	case StateFrozen:
		return "FROZEN"
	case StateRecovering:
		return "RECOVERING"
	default:
		return "UNKNOWN"
	}
}

// Freezes reports whether entering s pauses every active match.
func (s SystemState) Freezes() bool {
	return s == StateFrozen || s == StateDegradedDB
}

// Derive maps the two health flags to a state.
func Derive(coordinationHealthy, databaseHealthy bool) SystemState {
	switch {
	case !coordinationHealthy && !databaseHealthy:
		return StateFrozen
	case !databaseHealthy:
		return StateDegradedDB
	case !coordinationHealthy:
		return StateDegradedCoordination
	default:
		return StateNormal
	}
}
