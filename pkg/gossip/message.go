package gossip

// State is the liveness of a neighbor as seen by the failure detector.
type State uint8

const (
	StateAlive State = iota
	StateSuspect
)

func (s State) String() string {
	switch s {
	case StateAlive:
		return "alive"
	case StateSuspect:
		return "suspect"
	}
	return "unknown"
}
