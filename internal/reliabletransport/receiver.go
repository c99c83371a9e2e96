package reliabletransport

import (
	"github.com/peerlink/arq/internal/model"
	"github.com/peerlink/arq/internal/seqnum"
)

// Receiver is the receiving half of go-back-N. It has no reorder buffer:
// only the next expected segment is delivered, everything else is dropped.
//
// The zero value is invalid; use [NewReceiver].
type Receiver struct {
	// logger is the logger to use
	logger model.Logger

	// space is the sequence number space.
	space seqnum.Space

	// srcPort and dstPort are copied into every ACK.
	srcPort uint16
	dstPort uint16

	// active is set once the handshake completed.
	active bool

	// expected is the only sequence number we accept as new data.
	expected seqnum.Value
}

// NewReceiver returns a new, inactive [Receiver].
func NewReceiver(logger model.Logger, opts *model.Options, srcPort, dstPort uint16) *Receiver {
	return &Receiver{
		logger:  logger,
		space:   opts.Space(),
		srcPort: srcPort,
		dstPort: dstPort,
	}
}

// Activate sets the first sequence number we expect from the peer.
func (r *Receiver) Activate(irs seqnum.Value) {
	if r.active {
		return
	}
	r.active = true
	r.expected = r.space.Normalize(irs)
}

// Active returns whether the receiver was activated.
func (r *Receiver) Active() bool {
	return r.active
}

// Expected returns the next sequence number we expect.
func (r *Receiver) Expected() seqnum.Value {
	return r.expected
}

// OnData processes a data segment. When the segment is the expected one its
// payload is returned with delivered set to true. In every case the returned
// ACK acknowledges the last segment delivered in order.
func (r *Receiver) OnData(seg *model.Segment) (payload []byte, delivered bool, ack *model.Segment) {
	if !r.active {
		return nil, false, nil
	}
	if r.space.Normalize(seg.Seq) == r.expected {
		payload, delivered = seg.Payload, true
		r.expected = r.space.Add(r.expected, 1)
	} else {
		r.logger.Debugf("reliable: dropping seq=%d, expected=%d", seg.Seq, r.expected)
	}
	ack = model.NewAck(r.srcPort, r.dstPort, r.space.Sub(r.expected, 1))
	return payload, delivered, ack
}
