package model

// ConnectionState is the lifecycle state of a connection.
type ConnectionState int

const (
	// S_FAILED means the connection hit a fatal protocol error.
	S_FAILED = ConnectionState(iota) - 1

	// S_CLOSED is the initial and final state.
	S_CLOSED

	// S_LISTEN means we're a passive opener waiting for a SYN.
	S_LISTEN

	// S_OPEN_SENT means we're an active opener that sent a SYN.
	S_OPEN_SENT

	// S_HANDSHAKING means we answered a SYN and wait for the final ACK.
	S_HANDSHAKING

	// S_ESTABLISHED means the handshake completed and data can flow.
	S_ESTABLISHED

	// S_CLOSING means we sent a FIN and wait for its confirmation.
	S_CLOSING
)

// String maps a [ConnectionState] to a string.
func (cs ConnectionState) String() string {
	switch cs {
	case S_FAILED:
		return "S_FAILED"
	case S_CLOSED:
		return "S_CLOSED"
	case S_LISTEN:
		return "S_LISTEN"
	case S_OPEN_SENT:
		return "S_OPEN_SENT"
	case S_HANDSHAKING:
		return "S_HANDSHAKING"
	case S_ESTABLISHED:
		return "S_ESTABLISHED"
	case S_CLOSING:
		return "S_CLOSING"
	default:
		return "S_INVALID"
	}
}

// IsHandshaking returns true while the handshake is in progress.
func (cs ConnectionState) IsHandshaking() bool {
	switch cs {
	case S_LISTEN, S_OPEN_SENT, S_HANDSHAKING:
		return true
	default:
		return false
	}
}

// IsTerminal returns true for states a connection never leaves.
func (cs ConnectionState) IsTerminal() bool {
	return cs == S_FAILED
}
