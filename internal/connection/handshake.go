package connection

import (
	"errors"
	"fmt"

	"github.com/peerlink/arq/internal/model"
	"github.com/peerlink/arq/internal/seqnum"
)

// errUnexpectedRole means a SYN carried the role flag we also hold.
var errUnexpectedRole = errors.New("unexpected role in SYN")

// start runs the first step of the handshake according to the role.
func (c *Conn) start() {
	c.handshakeTimer.Arm()
	switch c.session.Role() {
	case model.RolePassive:
		c.session.SetState(model.S_LISTEN)
	default:
		c.session.SetState(model.S_OPEN_SENT)
		c.control(c.newControl(model.FlagSYN|model.FlagActive, c.session.ISS(), c.session.LocalMSS()))
	}
}

// newControl returns a control segment for this connection.
func (c *Conn) newControl(flags model.Flags, seq seqnum.Value, mss uint16) *model.Segment {
	var ack seqnum.Value
	if irs, ok := c.session.IRS().Get(); ok && flags.Has(model.FlagACK) {
		ack = irs
	}
	return model.NewControl(c.LocalPort(), c.RemotePort(), flags, seq, ack, mss)
}

// finalAck returns the ACK completing the active side of the handshake.
func (c *Conn) finalAck() *model.Segment {
	return c.newControl(model.FlagACK, c.session.ISS(), 0)
}

// synAck returns the passive side's answer to a SYN.
func (c *Conn) synAck() *model.Segment {
	return c.newControl(model.FlagSYN|model.FlagACK|model.FlagPassive, c.session.ISS(), c.session.LocalMSS())
}

// onSegmentListen waits for the active side's SYN.
func (c *Conn) onSegmentListen(seg *model.Segment) {
	if !seg.IsSYN() {
		c.dropped(seg)
		return
	}
	if seg.Flags.Has(model.FlagACK) || !seg.Flags.Has(model.FlagActive) {
		c.failHandshake(fmt.Errorf("%w: %w: %s", model.ErrMalformedHandshake, errUnexpectedRole, seg))
		return
	}
	if _, err := c.session.NegotiateMSS(seg.MSS); err != nil {
		c.failHandshake(fmt.Errorf("%w: %w", model.ErrMalformedHandshake, err))
		return
	}
	c.session.SetIRS(c.options.Space().Normalize(seg.Seq))
	c.session.SetState(model.S_HANDSHAKING)
	c.control(c.synAck())
}

// onSegmentOpenSent waits for the passive side's SYN|ACK.
func (c *Conn) onSegmentOpenSent(seg *model.Segment) {
	if !seg.IsSYN() {
		c.dropped(seg)
		return
	}
	if !seg.Flags.Has(model.FlagACK) {
		// both ends think they are the active one
		c.failHandshake(fmt.Errorf("%w: peer %s sent %s", model.ErrRoleConflict, c.session.RemoteID(), seg))
		return
	}
	if !seg.Flags.Has(model.FlagPassive) || seg.Ack != c.session.ISS() {
		c.failHandshake(fmt.Errorf("%w: bad answer %s", model.ErrMalformedHandshake, seg))
		return
	}
	if _, err := c.session.NegotiateMSS(seg.MSS); err != nil {
		c.failHandshake(fmt.Errorf("%w: %w", model.ErrMalformedHandshake, err))
		return
	}
	c.session.SetIRS(c.options.Space().Normalize(seg.Seq))
	c.clearControl()
	c.send(c.finalAck())
	c.establish()
}

// onSegmentHandshaking waits for the final ACK on the passive side. The
// first data segment or a FIN also prove the peer got our SYN|ACK.
func (c *Conn) onSegmentHandshaking(seg *model.Segment) {
	irs := c.session.IRS().Unwrap()
	switch {
	case seg.IsSYN():
		if seg.Flags.Has(model.FlagACK) || c.options.Space().Normalize(seg.Seq) != irs {
			c.failHandshake(fmt.Errorf("%w: conflicting %s", model.ErrMalformedHandshake, seg))
			return
		}
		// our SYN|ACK got lost
		c.send(c.synAck())

	case seg.IsControl() && seg.Flags.Has(model.FlagACK) && !seg.Flags.Has(model.FlagFIN):
		if seg.Ack != c.session.ISS() {
			c.failHandshake(fmt.Errorf("%w: bad ack in %s", model.ErrMalformedHandshake, seg))
			return
		}
		c.clearControl()
		c.establish()

	case seg.IsData() && c.options.Space().Normalize(seg.Seq) == irs:
		c.clearControl()
		if c.establish() {
			c.onSegmentEstablished(seg)
		}

	case seg.IsControl() && seg.Flags.Has(model.FlagFIN):
		c.clearControl()
		if c.establish() {
			c.onSegmentEstablished(seg)
		}

	default:
		c.dropped(seg)
	}
}

// establish activates the ARQ pair once the handshake completed. It returns
// false when the endpoint refused the connection.
func (c *Conn) establish() bool {
	mss := c.session.MSS().Unwrap()
	c.handshakeTimer.Stop()
	c.session.SetState(model.S_ESTABLISHED)
	c.receiver.Activate(c.session.IRS().Unwrap())
	c.emit(model.Event{Type: model.EventHandshakeCompleted})
	c.tracer.OnHandshakeDone(c.remoteAddr.String())
	close(c.established)
	c.logger.Infof("connection %s: established with %s (mss=%d)", c, c.remoteAddr, mss)

	if c.onEstablished != nil && !c.onEstablished(c) {
		c.logger.Warnf("connection %s: refused by the endpoint", c.ID())
		c.send(c.newControl(model.FlagRST, 0, 0))
		c.setErr(model.ErrConnectionRefused)
		c.session.SetState(model.S_CLOSED)
		return false
	}
	if c.options.IdleTimeout > 0 {
		c.idleTimer.Arm()
	}
	c.send(c.sender.Activate(c.session.ISS(), int(mss))...)
	return true
}

// failHandshake moves a connection that never got established to S_FAILED.
func (c *Conn) failHandshake(err error) {
	c.logger.Warnf("connection %s: handshake failed: %s", c.ID(), err)
	c.setErr(err)
	c.clearControl()
	c.handshakeTimer.Stop()
	c.sender.Close(err)
	c.session.SetState(model.S_FAILED)
	c.emit(model.Event{Type: model.EventHandshakeFailed, Err: err})
}
