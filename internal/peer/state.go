package peer

// State is the negotiation phase of a Manager.
type State int

const (
	Idle State = iota
	Offering
	Answering
	Connected
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Offering:
		return "offering"
	case Answering:
		return "answering"
	case Connected:
		return "connected"
	case Closed:
		return "closed"
	}
	return "unknown"
}

// waiting is the state a role sits in until the connection comes up.
func waiting(host bool) State {
	if host {
		return Offering
	}
	return Answering
}
