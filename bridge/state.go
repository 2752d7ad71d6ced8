package bridge

// State is a step of the bootstrap handshake.
//
//	CLOSED → CONTROL_OPEN → CLONED → ACTIVATED → SERVICE_CONNECTED
//	   any step ──failure──→ FAILED
type State int32

const (
	StateClosed State = iota
	StateControlOpen
	StateCloned
	StateActivated
	StateServiceConnected
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateControlOpen:
		return "CONTROL_OPEN"
	case StateCloned:
		return "CLONED"
	case StateActivated:
		return "ACTIVATED"
	case StateServiceConnected:
		return "SERVICE_CONNECTED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}
