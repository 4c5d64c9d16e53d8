package central

// ConnectionEventKind identifies a connection lifecycle transition.
type ConnectionEventKind int

const (
	// EventConnect is emitted when the peripheral reaches the Connected state.
	EventConnect ConnectionEventKind = iota
	// EventTimeout is emitted when a connection attempt timed out and the
	// retry budget is not yet exhausted. The caller may call Reconnect.
	EventTimeout
	// EventDisconnect is emitted on a clean, unforced disconnect while the
	// retry budget is not yet exhausted.
	EventDisconnect
	// EventForceDisconnect is emitted when a disconnect requested via
	// Disconnect completes. Retry policy is never applied.
	EventForceDisconnect
	// EventGiveUp is emitted when a retry budget is exhausted. The retry
	// counter is reset, so a later Connect starts with a fresh budget.
	EventGiveUp
	// EventError carries a transport error surfaced on disconnect while
	// retries remain. It replaces EventDisconnect for that transition.
	EventError
)

func (k ConnectionEventKind) String() string {
	switch k {
	case EventConnect:
		return "connect"
	case EventTimeout:
		return "timeout"
	case EventDisconnect:
		return "disconnect"
	case EventForceDisconnect:
		return "force_disconnect"
	case EventGiveUp:
		return "give_up"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// ConnectionEvent is a single delivery on a connection event stream.
// Err is non-nil for EventError and may carry context on EventGiveUp.
type ConnectionEvent struct {
	Kind ConnectionEventKind
	Err  error
}

// RSSIReading is a single delivery on an RSSI polling stream. A reading
// with a non-nil Err is terminal: the stream is closed after delivering it.
type RSSIReading struct {
	RSSI int
	Err  error
}
