package model

import "net"

// Datagram is a raw datagram exchanged with a peer.
type Datagram struct {
	// Addr is the remote address.
	Addr net.Addr

	// Payload is the datagram content.
	Payload []byte
}

// OutgoingSegment is a segment a connection wants to send to a peer.
type OutgoingSegment struct {
	// Addr is the remote address.
	Addr net.Addr

	// Segment is the segment to serialize.
	Segment *Segment
}
