package bridge

// State is the lifecycle stage of a [Session].
type State int

const (
	// StateAwaitingFormat is the initial state: the telephony leg is open but
	// has not yet declared its audio format.
	StateAwaitingFormat State = iota

	// StateNegotiating means the format is known and the AI leg is being
	// opened.
	StateNegotiating

	// StateActive means the AI leg is open and audio flows both ways.
	StateActive

	// StateClosed is terminal. Both legs have been closed.
	StateClosed
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateAwaitingFormat:
		return "awaiting_format"
	case StateNegotiating:
		return "negotiating"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Close reasons reported in logs and the callbridge.sessions.closed metric.
const (
	ReasonTelephonyClosed = "telephony_closed"
	ReasonTelephonyError  = "telephony_error"
	ReasonAIClosed        = "ai_closed"
	ReasonAIError         = "ai_error"
	ReasonHandshakeFailed = "handshake_failed"
	ReasonShutdown        = "shutdown"
	ReasonLocal           = "local"
)
