package relay

// ConnState is the lifecycle position of a relayed connection. A connection
// only moves forward and never leaves StateClosed.
type ConnState int

const (
	StateAccepted ConnState = iota
	StateAwaitingFirstBytes
	StateConnectingUpstream
	StateRelaying
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateAccepted:
		return "accepted"
	case StateAwaitingFirstBytes:
		return "awaiting_first_bytes"
	case StateConnectingUpstream:
		return "connecting_upstream"
	case StateRelaying:
		return "relaying"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}
