package model

import "fmt"

// EventType is the type of a connection [Event].
type EventType int

const (
	// EventHandshakeCompleted is emitted once the connection is established.
	EventHandshakeCompleted = EventType(iota + 1)

	// EventHandshakeFailed is emitted when the handshake cannot complete.
	EventHandshakeFailed

	// EventClosing is emitted when the connection starts closing.
	EventClosing

	// EventConnectionError is emitted when an established connection fails.
	EventConnectionError
)

var _ fmt.Stringer = EventType(0)

// String implements fmt.Stringer.
func (et EventType) String() string {
	switch et {
	case EventHandshakeCompleted:
		return "handshake_completed"
	case EventHandshakeFailed:
		return "handshake_failed"
	case EventClosing:
		return "closing"
	case EventConnectionError:
		return "connection_error"
	default:
		return "unknown"
	}
}

// Event is a lifecycle notification delivered to the application.
type Event struct {
	// Type is the event type.
	Type EventType

	// Err is the cause for failure events.
	Err error

	// Remote is true for a closing event initiated by the peer.
	Remote bool
}

// String implements fmt.Stringer.
func (e Event) String() string {
	switch e.Type {
	case EventHandshakeFailed, EventConnectionError:
		return fmt.Sprintf("%s: %v", e.Type, e.Err)
	case EventClosing:
		return fmt.Sprintf("%s (remote=%v)", e.Type, e.Remote)
	default:
		return e.Type.String()
	}
}
