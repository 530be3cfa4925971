package client

import "time"

// State is a position in the client lease lifecycle.
type State int

const (
	// StateUnbound holds no address and no transaction.
	StateUnbound State = iota
	// StateDiscovering collects offers until the selection window closes.
	StateDiscovering
	// StateRequesting waits for the ACK to the chosen offer.
	StateRequesting
	// StateBound holds a leased address.
	StateBound
	// StateReleasing waits for the CLOSEACK to a RELEASE. The address is
	// still reported as current until it arrives.
	StateReleasing
)

var stateNames = [...]string{
	StateUnbound:     "UNBOUND",
	StateDiscovering: "DISCOVERING",
	StateRequesting:  "REQUESTING",
	StateBound:       "BOUND",
	StateReleasing:   "RELEASING",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "UNKNOWN"
	}
	return stateNames[s]
}

// Status is a point-in-time copy of the client's lease state.
type Status struct {
	State          State
	CurrentIP      string
	TID1           string
	TID2           string
	LeaseStart     time.Time
	LeaseRemaining time.Duration
	PendingOffers  int
}

// Bound reports whether the status carries a leased address.
func (s Status) Bound() bool {
	return s.State == StateBound
}
