package model

import (
	"fmt"
	"time"
)

// ConnectionTracer allows to collect traces for a connection. A ConnectionTracer can be
// optionally added to the configuration, and it will be propagated to every connection.
type ConnectionTracer interface {
	// TimeNow allows to inject time for deterministic tests.
	TimeNow() time.Time

	// OnStateChange is called for each transition in the state machine.
	OnStateChange(state ConnectionState)

	// OnIncomingSegment is called when a segment is received.
	OnIncomingSegment(segment *Segment, state ConnectionState)

	// OnOutgoingSegment is called when a segment is about to be sent.
	OnOutgoingSegment(segment *Segment, state ConnectionState, retries int)

	// OnDroppedSegment is called whenever a segment is dropped (in/out).
	OnDroppedSegment(direction Direction, state ConnectionState, segment *Segment)

	// OnHandshakeDone is called when we have completed a handshake.
	OnHandshakeDone(remoteAddr string)
}

// Direction is one of two directions on a segment.
type Direction int

const (
	// DirectionIncoming marks received segments.
	DirectionIncoming = Direction(iota)

	// DirectionOutgoing marks segments to be sent.
	DirectionOutgoing
)

var _ fmt.Stringer = Direction(0)

// String implements fmt.Stringer
func (d Direction) String() string {
	switch d {
	case DirectionIncoming:
		return "recv"
	case DirectionOutgoing:
		return "send"
	default:
		return "undefined"
	}
}

// DummyTracer is a no-op implementation of [ConnectionTracer] that does nothing
// but can be safely passed as a default implementation.
type DummyTracer struct{}

// TimeNow allows to manipulate time for deterministic tests.
func (dt *DummyTracer) TimeNow() time.Time { return time.Now() }

// OnStateChange is called for each transition in the state machine.
func (dt *DummyTracer) OnStateChange(ConnectionState) {}

// OnIncomingSegment is called when a segment is received.
func (dt *DummyTracer) OnIncomingSegment(*Segment, ConnectionState) {}

// OnOutgoingSegment is called when a segment is about to be sent.
func (dt *DummyTracer) OnOutgoingSegment(*Segment, ConnectionState, int) {}

// OnDroppedSegment is called whenever a segment is dropped (in/out).
func (dt *DummyTracer) OnDroppedSegment(Direction, ConnectionState, *Segment) {}

// OnHandshakeDone is called when we have completed a handshake.
func (dt *DummyTracer) OnHandshakeDone(string) {}

var _ ConnectionTracer = &DummyTracer{}
