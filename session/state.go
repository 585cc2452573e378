package session

// State is the lifecycle position of one remote-control session.
type State int

const (
	// Idle: constructed, Start not yet called.
	Idle State = iota
	// Negotiating: exchanging offer/answer over signaling.
	Negotiating
	// Connecting: description applied, transport coming up.
	Connecting
	// Active: transport ready, frames and input flowing.
	Active
	// Ended: shut down deliberately by either side. Terminal.
	Ended
	// Failed: negotiation or transport error. Terminal.
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Negotiating:
		return "negotiating"
	case Connecting:
		return "connecting"
	case Active:
		return "active"
	case Ended:
		return "ended"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Terminal reports whether no further transitions can happen.
func (s State) Terminal() bool { return s == Ended || s == Failed }
