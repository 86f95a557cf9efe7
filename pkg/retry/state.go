package retry

// State is the phase of a request inside Do.
type State int

const (
	// StateIdle is the state before the first send.
	StateIdle State = iota

	// StateSending means the request is being sent to the current target.
	StateSending

	// StateAwaitingResult means the request is in flight.
	StateAwaitingResult

	// StateDone means the request succeeded. Terminal.
	StateDone

	// StateFailed means the request failed or was cancelled. Terminal.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateSending:
		return "Sending"
	case StateAwaitingResult:
		return "AwaitingResult"
	case StateDone:
		return "Done"
	case StateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// IsTerminal reports whether no further transitions follow s.
func (s State) IsTerminal() bool {
	return s == StateDone || s == StateFailed
}

// Transition describes one state change of a request.
type Transition struct {
	From      State
	To        State
	Target    string
	Redirects int
}

// Observer receives state transitions. Implementations must be safe for
// concurrent use when the Loop serves concurrent requests.
type Observer interface {
	OnTransition(t Transition)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(t Transition)

func (f ObserverFunc) OnTransition(t Transition) { f(t) }
