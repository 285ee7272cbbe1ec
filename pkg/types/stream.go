package types

// RunPhase is the client test driver state. Transitions are linear:
// idle -> ping -> load -> complete.
type RunPhase string

const (
	RunPhaseIdle     RunPhase = "idle"
	RunPhasePing     RunPhase = "ping"
	RunPhaseLoad     RunPhase = "load"
	RunPhaseComplete RunPhase = "complete"
)

// UnderLoad reports the probe flag emitted while in this phase.
func (p RunPhase) UnderLoad() bool {
	return p == RunPhaseLoad
}

// ConnState is the client connection state.
type ConnState string

const (
	ConnStateDisconnected ConnState = "disconnected"
	ConnStateConnecting   ConnState = "connecting"
	ConnStateConnected    ConnState = "connected"
	ConnStateClosed       ConnState = "closed"
)

// CanTransition enforces the connection state machine. Closed is terminal.
func (s ConnState) CanTransition(next ConnState) bool {
	switch s {
	case ConnStateDisconnected:
		return next == ConnStateConnecting || next == ConnStateClosed
	case ConnStateConnecting:
		return next == ConnStateConnected || next == ConnStateDisconnected || next == ConnStateClosed
	case ConnStateConnected:
		return next == ConnStateDisconnected || next == ConnStateClosed
	default:
		return false
	}
}
