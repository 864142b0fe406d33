// Package recognition turns a live telephony audio stream into exactly one
// final transcript per turn. Two endpointing strategies share the Strategy
// contract: InactivityStrategy streams to a recognizer and ends the turn when
// text stops changing; VADStrategy classifies frames locally and sends the
// buffered turn to a batch recognizer after trailing silence.
package recognition

type State int

const (
	StateIdle State = iota
	StateListening
	StateFinalizing
	StateDone
)

// String returns the string representation of a State
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateListening:
		return "LISTENING"
	case StateFinalizing:
		return "FINALIZING"
	case StateDone:
		return "DONE"
	default:
		return "UNKNOWN"
	}
}

var validTransitions = map[State][]State{
	StateIdle:       {StateListening, StateFinalizing},
	StateListening:  {StateFinalizing},
	StateFinalizing: {StateDone},
}

func transitionValid(from, to State) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// InvalidTransitionError represents an invalid state transition attempt
type InvalidTransitionError struct {
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return "invalid recognition transition from " + e.From.String() + " to " + e.To.String()
}

func transition(current *State, to State) error {
	if !transitionValid(*current, to) {
		return &InvalidTransitionError{From: *current, To: to}
	}
	*current = to
	return nil
}
