package connection

import (
	"fmt"
	"io"

	"github.com/peerlink/arq/internal/model"
	"github.com/peerlink/arq/internal/reliabletransport"
)

// timerKind identifies one of the connection timers.
type timerKind int

const (
	timerRetransmission = timerKind(iota)
	timerControl
	timerHandshake
	timerIdle
)

// String implements fmt.Stringer.
func (tk timerKind) String() string {
	switch tk {
	case timerRetransmission:
		return "retransmission"
	case timerControl:
		return "control"
	case timerHandshake:
		return "handshake"
	case timerIdle:
		return "idle"
	default:
		return "unknown"
	}
}

// timerExpiration is posted to the loop when a timer fires.
type timerExpiration struct {
	kind  timerKind
	epoch uint64
}

// timerCallback returns the function a timer runs on expiration.
func (c *Conn) timerCallback(kind timerKind) func(epoch uint64) {
	return func(epoch uint64) {
		select {
		case c.timerFired <- timerExpiration{kind: kind, epoch: epoch}:
		case <-c.done:
		}
	}
}

func (c *Conn) timer(kind timerKind) *reliabletransport.EpochTimer {
	switch kind {
	case timerRetransmission:
		return c.rexmitTimer
	case timerControl:
		return c.controlTimer
	case timerHandshake:
		return c.handshakeTimer
	default:
		return c.idleTimer
	}
}

// loop is the connection event loop.
func (c *Conn) loop() {
	workerName := fmt.Sprintf("connection %s: loop", c.ID())

	defer func() {
		c.teardown()

		// make sure the manager knows we're done
		c.manager.OnWorkerDone(workerName)
		c.manager.StartShutdown()
	}()

	c.logger.Debugf("%s: started", workerName)
	c.start()

	for !c.finished() {
		// POSSIBLY BLOCK waiting for something to happen
		select {
		case in := <-c.inbound:
			if in.err != nil {
				c.onMalformed(in.segment, in.err)
				continue
			}
			c.onSegment(in.segment)

		case w := <-c.writesIn:
			c.send(c.sender.Enqueue(w)...)

		case <-c.closeReq:
			c.onCloseRequest()

		case exp := <-c.timerFired:
			if c.timer(exp.kind).Fired(exp.epoch) {
				c.onTimer(exp.kind)
			}

		case <-c.manager.ShouldShutdown():
			c.abort(errAborted)
			return

		case <-c.outClosed:
			c.logger.Debugf("%s: muxer is gone", workerName)
			c.setErr(model.ErrConnectionClosed)
			c.session.SetState(model.S_CLOSED)
			return
		}
	}
}

// finished returns whether the loop reached a terminal state.
func (c *Conn) finished() bool {
	st := c.session.State()
	return st == model.S_CLOSED || st == model.S_FAILED
}

// teardown releases every resource once the loop is done.
func (c *Conn) teardown() {
	for _, kind := range []timerKind{timerRetransmission, timerControl, timerHandshake, timerIdle} {
		c.timer(kind).Stop()
	}
	c.sender.Close(c.closedError())
	if err := c.Err(); err != nil {
		c.reads.finish(err)
	} else {
		c.reads.finish(io.EOF)
	}
	close(c.done)
	close(c.events)
	if c.onDone != nil {
		c.onDone(c)
	}
}

// send transmits the given segments to the peer.
func (c *Conn) send(segments ...*model.Segment) {
	c.sendWithRetries(0, segments...)
}

func (c *Conn) sendWithRetries(retries int, segments ...*model.Segment) {
	for _, seg := range segments {
		seg.Log(c.logger, model.DirectionOutgoing)
		c.tracer.OnOutgoingSegment(seg, c.session.State(), retries)

		// POSSIBLY BLOCK on the muxer
		select {
		case c.out <- model.OutgoingSegment{Addr: c.remoteAddr, Segment: seg}:
		case <-c.outClosed:
			return
		}
	}
}

// emit delivers an event to the application without blocking.
func (c *Conn) emit(ev model.Event) {
	select {
	case c.events <- ev:
	default:
		c.logger.Warnf("connection %s: events queue full, dropping %s", c.ID(), ev)
	}
}

// control sends a control segment that is retransmitted until answered.
func (c *Conn) control(seg *model.Segment) {
	c.lastControl = seg
	c.send(seg)
	c.controlTimer.Arm()
}

// clearControl stops retransmitting the last control segment.
func (c *Conn) clearControl() {
	c.lastControl = nil
	c.controlTimer.Stop()
}

func (c *Conn) onTimer(kind timerKind) {
	switch kind {
	case timerRetransmission:
		segments := c.sender.OnTimeout()
		c.sendWithRetries(c.sender.Retries(), segments...)

	case timerControl:
		if c.lastControl != nil {
			c.logger.Debugf("connection %s: retransmitting %s", c.ID(), c.lastControl)
			c.send(c.lastControl)
			c.controlTimer.Arm()
		}

	case timerHandshake:
		switch st := c.session.State(); {
		case st.IsHandshaking():
			c.failHandshake(fmt.Errorf("%w: no answer after %s", model.ErrHandshakeTimeout, c.options.HandshakeTimeout))
		case st == model.S_CLOSING:
			c.logger.Infof("connection %s: FIN not confirmed, closing anyway", c.ID())
			c.closeErr = model.ErrCloseNotConfirmed
			c.session.SetState(model.S_CLOSED)
		}

	case timerIdle:
		if c.session.State() == model.S_ESTABLISHED {
			c.logger.Infof("connection %s: idle for %s, closing", c.ID(), c.options.IdleTimeout)
			c.onCloseRequest()
		}
	}
}

// touch records inbound activity for the idle timer.
func (c *Conn) touch() {
	if c.options.IdleTimeout > 0 && c.session.State() == model.S_ESTABLISHED {
		c.idleTimer.Arm()
	}
}

// onSegment dispatches an inbound segment according to the state.
func (c *Conn) onSegment(seg *model.Segment) {
	seg.Log(c.logger, model.DirectionIncoming)
	c.tracer.OnIncomingSegment(seg, c.session.State())
	c.malformed = 0
	c.touch()

	if seg.IsRST() {
		c.onReset()
		return
	}
	switch c.session.State() {
	case model.S_LISTEN:
		c.onSegmentListen(seg)
	case model.S_OPEN_SENT:
		c.onSegmentOpenSent(seg)
	case model.S_HANDSHAKING:
		c.onSegmentHandshaking(seg)
	case model.S_ESTABLISHED:
		c.onSegmentEstablished(seg)
	case model.S_CLOSING:
		c.onSegmentClosing(seg)
	}
}

func (c *Conn) onSegmentEstablished(seg *model.Segment) {
	switch seg.Kind {
	case model.KindData:
		payload, delivered, ack := c.receiver.OnData(seg)
		if delivered {
			c.reads.push(payload)
		}
		c.send(ack)

	case model.KindAck:
		c.send(c.sender.OnAck(seg.Ack)...)

	case model.KindControl:
		switch {
		case seg.Flags.Has(model.FlagFIN) && !seg.Flags.Has(model.FlagACK):
			c.onRemoteClose()
		case seg.Flags.Has(model.FlagSYN|model.FlagACK) && c.session.Role() == model.RoleActive:
			// our final ACK got lost
			c.send(c.finalAck())
		default:
			c.dropped(seg)
		}
	}
}

func (c *Conn) onSegmentClosing(seg *model.Segment) {
	switch {
	case seg.IsData():
		// the peer may still be sending until it sees our FIN
		payload, delivered, ack := c.receiver.OnData(seg)
		if delivered {
			c.reads.push(payload)
		}
		c.send(ack)
	case seg.IsControl() && seg.Flags.Has(model.FlagFIN|model.FlagACK):
		c.clearControl()
		c.session.SetState(model.S_CLOSED)
	case seg.IsControl() && seg.Flags.Has(model.FlagFIN):
		// both sides are closing
		c.send(c.newControl(model.FlagFIN|model.FlagACK, 0, 0))
		c.clearControl()
		c.session.SetState(model.S_CLOSED)
	default:
		c.dropped(seg)
	}
}

// onRemoteClose confirms a FIN received while established.
func (c *Conn) onRemoteClose() {
	c.logger.Infof("connection %s: peer is closing", c.ID())
	c.emitClosing(true)
	c.sender.Close(model.ErrConnectionClosed)
	c.send(c.newControl(model.FlagFIN|model.FlagACK, 0, 0))
	c.session.SetState(model.S_CLOSED)
}

// onCloseRequest handles a local close request or an idle timeout.
func (c *Conn) onCloseRequest() {
	switch st := c.session.State(); st {
	case model.S_ESTABLISHED:
		c.emitClosing(false)
		c.sender.Close(model.ErrConnectionClosed)
		c.idleTimer.Stop()
		c.session.SetState(model.S_CLOSING)
		c.control(c.newControl(model.FlagFIN, 0, 0))
		c.handshakeTimer.Arm()

	case model.S_OPEN_SENT, model.S_HANDSHAKING:
		// the peer may already hold state for us
		c.emitClosing(false)
		c.send(c.newControl(model.FlagRST, 0, 0))
		c.clearControl()
		c.session.SetState(model.S_CLOSED)

	case model.S_LISTEN:
		c.emitClosing(false)
		c.session.SetState(model.S_CLOSED)

	default:
		c.logger.Debugf("connection %s: close in %s is a no-op", c.ID(), st)
	}
}

func (c *Conn) emitClosing(remote bool) {
	if c.closingEmitted {
		return
	}
	c.closingEmitted = true
	c.emit(model.Event{Type: model.EventClosing, Remote: remote})
}

// onReset handles an inbound RST.
func (c *Conn) onReset() {
	switch st := c.session.State(); st {
	case model.S_OPEN_SENT, model.S_HANDSHAKING:
		c.failHandshake(model.ErrConnectionRefused)
	case model.S_ESTABLISHED:
		c.fail(model.ErrConnectionReset)
	case model.S_CLOSING:
		c.clearControl()
		c.session.SetState(model.S_CLOSED)
	default:
		c.logger.Debugf("connection %s: ignoring RST in %s", c.ID(), st)
	}
}

// onMalformed handles an undecodable datagram for this connection.
func (c *Conn) onMalformed(partial *model.Segment, err error) {
	st := c.session.State()
	c.logger.Warnf("connection %s: malformed segment in %s: %s", c.ID(), st, err)
	if partial != nil {
		c.tracer.OnDroppedSegment(model.DirectionIncoming, st, partial)
	}
	switch {
	case st.IsHandshaking():
		if partial != nil && partial.IsControl() {
			c.failHandshake(fmt.Errorf("%w: %s", model.ErrMalformedHandshake, err))
		}
	case st == model.S_ESTABLISHED:
		c.malformed++
		if c.malformed > c.options.MaxMalformedSegments {
			c.fail(fmt.Errorf("%w: %d malformed segments in a row: %s",
				model.ErrProtocolViolation, c.malformed, err))
		}
	}
}

// fail moves an established connection to S_FAILED.
func (c *Conn) fail(err error) {
	c.logger.Warnf("connection %s: %s", c.ID(), err)
	c.setErr(err)
	c.sender.Close(err)
	c.session.SetState(model.S_FAILED)
	c.emit(model.Event{Type: model.EventConnectionError, Err: err})
}

// abort terminates the connection on endpoint shutdown.
func (c *Conn) abort(err error) {
	st := c.session.State()
	if st == model.S_ESTABLISHED || st == model.S_HANDSHAKING || st == model.S_CLOSING {
		// best effort: the muxer may already be gone
		select {
		case c.out <- model.OutgoingSegment{Addr: c.remoteAddr, Segment: c.newControl(model.FlagRST, 0, 0)}:
		default:
		}
	}
	c.setErr(fmt.Errorf("%w: %s", model.ErrConnectionClosed, err))
	c.session.SetState(model.S_CLOSED)
}

func (c *Conn) dropped(seg *model.Segment) {
	st := c.session.State()
	c.logger.Debugf("connection %s: ignoring %s in %s", c.ID(), seg, st)
	c.tracer.OnDroppedSegment(model.DirectionIncoming, st, seg)
}
