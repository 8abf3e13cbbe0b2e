package sensor

// ConnectionState tracks where a device is in its connection lifecycle.
//
//	Discovered -> Connecting -> Connected -> Disconnected
//	Connecting, Connected -> Error
//
// Error is terminal only for one connection attempt: a later advertisement moves the device back
// to Discovered.
type ConnectionState string

const (
	StateDiscovered   ConnectionState = "discovered"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateDisconnected ConnectionState = "disconnected"
	StateError        ConnectionState = "error"
)

var transitions = map[ConnectionState][]ConnectionState{
	"":                {StateDiscovered, StateConnected},
	StateDiscovered:   {StateDiscovered, StateConnecting, StateConnected},
	StateConnecting:   {StateConnected, StateError, StateDiscovered},
	StateConnected:    {StateConnected, StateDisconnected, StateError},
	StateDisconnected: {StateDiscovered, StateConnecting, StateConnected},
	StateError:        {StateDiscovered, StateConnecting, StateConnected},
}

// CanTransition reports whether moving from s to next is a legal lifecycle step.
//
// A transport may report a connection the core did not initiate (for example a gateway that
// auto-opens channels), so Connected is reachable from every idle state.
func (s ConnectionState) CanTransition(next ConnectionState) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}
