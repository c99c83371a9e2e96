package reliabletransport

import (
	"fmt"
	"time"

	"github.com/peerlink/arq/internal/model"
	"github.com/peerlink/arq/internal/seqnum"
)

// Sender is the sending half of go-back-N.
//
// Writes are queued until the [Sender] is activated by the handshake. Once
// active, it keeps at most windowSize segments in flight; further writes wait
// in the pending queue until an acknowledgment frees a slot.
//
// The zero value is invalid; use [NewSender].
type Sender struct {
	// logger is the logger to use
	logger model.Logger

	// space is the sequence number space.
	space seqnum.Space

	// windowSize is the maximum number of in-flight segments.
	windowSize int

	// timer is the retransmission timer.
	timer Timer

	// srcPort and dstPort are copied into every data segment.
	srcPort uint16
	dstPort uint16

	// mss is the payload ceiling, known once activated.
	mss int

	// active is set once the handshake completed.
	active bool

	// base is the oldest unacknowledged sequence number.
	base seqnum.Value

	// nextSeq is the next sequence number to assign.
	nextSeq seqnum.Value

	// inFlight is the retransmission queue.
	inFlight inFlightSequence

	// pending holds writes waiting for a window slot.
	pending []*Write

	// retries counts timeouts since the window last moved.
	retries int

	// closeErr is set once the sender is closed.
	closeErr error

	// timeNow allows to inject time for deterministic tests.
	timeNow func() time.Time
}

// NewSender returns a new, inactive [Sender].
func NewSender(logger model.Logger, opts *model.Options, timer Timer, srcPort, dstPort uint16) *Sender {
	return &Sender{
		logger:     logger,
		space:      opts.Space(),
		windowSize: opts.WindowSize,
		timer:      timer,
		srcPort:    srcPort,
		dstPort:    dstPort,
		inFlight:   make(inFlightSequence, 0, opts.WindowSize),
		pending:    make([]*Write, 0),
		timeNow:    time.Now,
	}
}

// Activate sets the initial sequence number and the MSS negotiated by the
// handshake, and returns the queued writes that fit into the window.
func (s *Sender) Activate(iss seqnum.Value, mss int) []*model.Segment {
	if s.active || s.closeErr != nil {
		return nil
	}
	s.active = true
	s.base = s.space.Normalize(iss)
	s.nextSeq = s.base
	s.mss = mss
	return s.fillWindow()
}

// Enqueue hands a write to the sender and returns the data segments to
// transmit right away, if any.
func (s *Sender) Enqueue(w *Write) []*model.Segment {
	if s.closeErr != nil {
		w.complete(s.closeErr)
		return nil
	}
	if s.active && len(w.Payload()) > s.mss {
		w.complete(fmt.Errorf("%w: %d bytes, mss is %d", model.ErrMessageTooLarge, len(w.Payload()), s.mss))
		return nil
	}
	s.pending = append(s.pending, w)
	if !s.active {
		return nil
	}
	return s.fillWindow()
}

// fillWindow moves pending writes into free window slots.
func (s *Sender) fillWindow() []*model.Segment {
	var out []*model.Segment
	for len(s.pending) > 0 && len(s.inFlight) < s.windowSize {
		w := s.pending[0]
		s.pending[0] = nil
		s.pending = s.pending[1:]
		if w.Cancelled() {
			s.logger.Debug("reliable: skipping cancelled write")
			continue
		}
		if len(w.Payload()) > s.mss {
			w.complete(fmt.Errorf("%w: %d bytes, mss is %d", model.ErrMessageTooLarge, len(w.Payload()), s.mss))
			continue
		}
		seg := model.NewData(s.srcPort, s.dstPort, s.nextSeq, w.Payload())
		s.inFlight = append(s.inFlight, newInFlightSegment(seg, w, s.timeNow()))
		s.nextSeq = s.space.Add(s.nextSeq, 1)
		if len(s.inFlight) == 1 {
			s.timer.Arm()
		}
		out = append(out, seg)
	}
	return out
}

// OnAck processes a cumulative acknowledgment and returns the data segments
// that the freed window slots allow to transmit. Acknowledgments outside
// [base, nextSeq) are ignored.
func (s *Sender) OnAck(ack seqnum.Value) []*model.Segment {
	if !s.active || s.closeErr != nil {
		return nil
	}
	if !s.space.InRange(ack, s.base, s.nextSeq) {
		s.logger.Debugf("reliable: ignoring ack=%d outside [%d, %d)", ack, s.base, s.nextSeq)
		return nil
	}
	acked := int(s.space.Distance(s.base, ack)) + 1
	for i, p := range s.inFlight[:acked] {
		p.write.complete(nil)
		s.inFlight[i] = nil
	}
	s.inFlight = s.inFlight[acked:]
	s.base = s.space.Add(ack, 1)
	s.retries = 0

	if len(s.inFlight) > 0 {
		s.timer.Arm()
	} else {
		s.timer.Stop()
	}
	return s.fillWindow()
}

// OnTimeout returns every in-flight segment, oldest first, for
// retransmission and re-arms the timer.
func (s *Sender) OnTimeout() []*model.Segment {
	if s.closeErr != nil || len(s.inFlight) == 0 {
		return nil
	}
	s.retries++
	for _, p := range s.inFlight {
		p.retries++
	}
	s.logger.Debugf("reliable: timeout, retransmitting %v (attempt %d)", s.inFlight.seqs(), s.retries)
	s.timer.Arm()
	return s.inFlight.segments()
}

// Close fails every pending and in-flight write with err and stops the
// timer. Calling Close more than once has no effect.
func (s *Sender) Close(err error) {
	if s.closeErr != nil {
		return
	}
	if err == nil {
		err = model.ErrConnectionClosed
	}
	s.closeErr = err
	for _, p := range s.inFlight {
		p.write.complete(err)
	}
	for _, w := range s.pending {
		w.complete(err)
	}
	s.inFlight = nil
	s.pending = nil
	s.timer.Stop()
}

// Base returns the oldest unacknowledged sequence number.
func (s *Sender) Base() seqnum.Value {
	return s.base
}

// NextSeq returns the next sequence number to assign.
func (s *Sender) NextSeq() seqnum.Value {
	return s.nextSeq
}

// InFlight returns the number of unacknowledged segments.
func (s *Sender) InFlight() int {
	return len(s.inFlight)
}

// Pending returns the number of writes waiting for a window slot.
func (s *Sender) Pending() int {
	return len(s.pending)
}

// Retries returns the number of timeouts since the window last moved.
func (s *Sender) Retries() int {
	return s.retries
}

// Idle returns whether there is nothing left to transmit or acknowledge.
func (s *Sender) Idle() bool {
	return len(s.inFlight) == 0 && len(s.pending) == 0
}
