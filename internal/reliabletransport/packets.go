package reliabletransport

import (
	"time"

	"github.com/peerlink/arq/internal/model"
	"github.com/peerlink/arq/internal/seqnum"
)

// inFlightSegment is an entry of the retransmission queue: a data segment
// that was transmitted and is waiting for an acknowledgment.
type inFlightSegment struct {
	// segment is the data segment on the wire.
	segment *model.Segment

	// enqueuedAt is when the segment was first transmitted.
	enqueuedAt time.Time

	// retries counts the retransmissions of this segment.
	retries int

	// write is the application write carried by this segment.
	write *Write
}

func newInFlightSegment(seg *model.Segment, w *Write, t time.Time) *inFlightSegment {
	return &inFlightSegment{
		segment:    seg,
		enqueuedAt: t,
		retries:    0,
		write:      w,
	}
}

// inFlightSequence is the retransmission queue, ordered from base to nextSeq-1.
type inFlightSequence []*inFlightSegment

// segments returns the segments in queue order.
func (seq inFlightSequence) segments() []*model.Segment {
	out := make([]*model.Segment, 0, len(seq))
	for _, p := range seq {
		out = append(out, p.segment)
	}
	return out
}

// seqs returns the sequence numbers in queue order.
func (seq inFlightSequence) seqs() []seqnum.Value {
	out := make([]seqnum.Value, 0, len(seq))
	for _, p := range seq {
		out = append(out, p.segment.Seq)
	}
	return out
}
