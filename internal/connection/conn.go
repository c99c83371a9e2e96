package connection

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/google/uuid"
	"github.com/peerlink/arq/internal/model"
	"github.com/peerlink/arq/internal/optional"
	"github.com/peerlink/arq/internal/reliabletransport"
	"github.com/peerlink/arq/internal/session"
	"github.com/peerlink/arq/internal/workers"
	"github.com/peerlink/arq/pkg/config"
)

const (
	// inboundQueueSize is the number of segments buffered for the loop.
	// The muxer drops segments when the queue is full.
	inboundQueueSize = 128

	// eventsQueueSize is the capacity of the events channel.
	eventsQueueSize = 8
)

// Params contains the parameters to create a [Conn].
type Params struct {
	// Session identifies the two ends of the connection.
	Session session.Params

	// LocalAddr and RemoteAddr are the underlying network addresses.
	LocalAddr  net.Addr
	RemoteAddr net.Addr

	// Role overrides the configured role.
	Role optional.Value[model.Role]

	// Out is where the connection writes outgoing segments.
	Out chan<- model.OutgoingSegment

	// OutClosed is closed when Out is no longer drained.
	OutClosed <-chan any

	// OnEstablished is called from the event loop when the handshake
	// completes. Returning false aborts the connection.
	OnEstablished func(c *Conn) bool

	// OnDone is called from the event loop once the connection terminated.
	OnDone func(c *Conn)
}

// inboundSegment is an inbound segment, or the notice that an undecodable datagram
// arrived, in which case segment holds the decoded header if any.
type inboundSegment struct {
	segment *model.Segment
	err     error
}

// Conn is a connection to a peer.
//
// The zero value is invalid; use [New].
type Conn struct {
	// logger is the logger to use
	logger model.Logger

	// tracer traces segments and state changes
	tracer model.ConnectionTracer

	// options are the protocol parameters
	options *model.Options

	// session is the connection record
	session *session.Manager

	// manager controls the loop lifecycle
	manager *workers.Manager

	localAddr  net.Addr
	remoteAddr net.Addr

	// channels feeding the event loop
	inbound    chan inboundSegment
	writesIn   chan *reliabletransport.Write
	closeReq   chan any
	timerFired chan timerExpiration

	// out and outClosed reach the muxer
	out       chan<- model.OutgoingSegment
	outClosed <-chan any

	onEstablished func(c *Conn) bool
	onDone        func(c *Conn)

	// the following fields are confined to the event loop
	sender         *reliabletransport.Sender
	receiver       *reliabletransport.Receiver
	rexmitTimer    *reliabletransport.EpochTimer
	controlTimer   *reliabletransport.EpochTimer
	handshakeTimer *reliabletransport.EpochTimer
	idleTimer      *reliabletransport.EpochTimer
	lastControl    *model.Segment
	malformed      int
	closingEmitted bool

	// closeErr is written by the loop before done is closed
	closeErr error

	events      chan model.Event
	established chan any
	done        chan any
	startOnce   sync.Once
	closeOnce   sync.Once

	// mu guards err
	mu  sync.Mutex
	err error

	// reads is the queue of delivered payloads
	reads *readQueue
}

// New returns a new [Conn] in the S_CLOSED state. Call [Conn.Start] to run it.
func New(cfg *config.Config, p Params) (*Conn, error) {
	opts := *cfg.Options()
	if role, ok := p.Role.Get(); ok {
		opts.Role = role
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	sess, err := session.NewManager(cfg.Logger(), cfg.Tracer(), &opts, p.Session)
	if err != nil {
		return nil, err
	}
	c := &Conn{
		logger:        cfg.Logger(),
		tracer:        cfg.Tracer(),
		options:       &opts,
		session:       sess,
		manager:       workers.NewManager(cfg.Logger()),
		localAddr:     p.LocalAddr,
		remoteAddr:    p.RemoteAddr,
		inbound:       make(chan inboundSegment, inboundQueueSize),
		writesIn:      make(chan *reliabletransport.Write),
		closeReq:      make(chan any),
		timerFired:    make(chan timerExpiration),
		out:           p.Out,
		outClosed:     p.OutClosed,
		onEstablished: p.OnEstablished,
		onDone:        p.OnDone,
		events:        make(chan model.Event, eventsQueueSize),
		established:   make(chan any),
		done:          make(chan any),
		reads:         newReadQueue(),
	}
	local, remote := sess.LocalPort(), sess.RemotePort()
	c.rexmitTimer = reliabletransport.NewEpochTimer(opts.RetransmissionTimeout, c.timerCallback(timerRetransmission))
	c.controlTimer = reliabletransport.NewEpochTimer(opts.RetransmissionCheckInterval, c.timerCallback(timerControl))
	c.handshakeTimer = reliabletransport.NewEpochTimer(opts.HandshakeTimeout, c.timerCallback(timerHandshake))
	c.idleTimer = reliabletransport.NewEpochTimer(opts.IdleTimeout, c.timerCallback(timerIdle))
	c.sender = reliabletransport.NewSender(c.logger, &opts, c.rexmitTimer, local, remote)
	c.receiver = reliabletransport.NewReceiver(c.logger, &opts, local, remote)
	return c, nil
}

// Start runs the event loop, which sends the first handshake segment or
// starts listening for it, depending on the role.
func (c *Conn) Start() {
	c.startOnce.Do(func() {
		c.manager.StartWorker(c.loop)
	})
}

// ID returns the connection identifier.
func (c *Conn) ID() uuid.UUID {
	return c.session.ID()
}

// Role returns the resolved handshake role.
func (c *Conn) Role() model.Role {
	return c.session.Role()
}

// State returns the lifecycle state.
func (c *Conn) State() model.ConnectionState {
	return c.session.State()
}

// MSS returns the negotiated MSS, or zero before the handshake completed.
func (c *Conn) MSS() int {
	return int(c.session.MSS().UnwrapOr(0))
}

// LocalAddr returns the local network address.
func (c *Conn) LocalAddr() net.Addr {
	return c.localAddr
}

// RemoteAddr returns the remote network address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.remoteAddr
}

// LocalPort returns the local logical port.
func (c *Conn) LocalPort() uint16 {
	return c.session.LocalPort()
}

// RemotePort returns the remote logical port.
func (c *Conn) RemotePort() uint16 {
	return c.session.RemotePort()
}

// Events returns the channel where lifecycle events are delivered. The
// channel is closed once the connection terminated.
func (c *Conn) Events() <-chan model.Event {
	return c.events
}

// Established returns a channel closed when the handshake completes.
func (c *Conn) Established() <-chan any {
	return c.established
}

// Done returns a channel closed when the connection terminated.
func (c *Conn) Done() <-chan any {
	return c.done
}

// Err returns the error that made the connection fail, or nil.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// WaitEstablished blocks until the handshake completed, the connection
// terminated or the context is done.
func (c *Conn) WaitEstablished(ctx context.Context) error {
	select {
	case <-c.established:
		return nil
	case <-c.done:
		if err := c.Err(); err != nil {
			return err
		}
		return model.ErrConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WriteMessage sends a payload of at most [Conn.MSS] bytes as a single data
// segment, and returns once the peer acknowledged it. Writes issued before
// the handshake completed wait for it. Cancelling the context cancels the write.
func (c *Conn) WriteMessage(ctx context.Context, payload []byte) error {
	w, err := c.enqueue(ctx, payload)
	if err != nil {
		return err
	}
	return c.waitWrite(ctx, w)
}

// Write splits p into MSS-sized messages, sends them and returns once all
// of them were acknowledged. It implements io.Writer.
func (c *Conn) Write(p []byte) (int, error) {
	ctx := context.Background()
	if err := c.WaitEstablished(ctx); err != nil {
		return 0, err
	}
	mss := c.MSS()
	var pending []*reliabletransport.Write
	for off := 0; off < len(p); off += mss {
		end := min(off+mss, len(p))
		w, err := c.enqueue(ctx, p[off:end])
		if err != nil {
			return c.waitWrites(ctx, pending, err)
		}
		pending = append(pending, w)
	}
	return c.waitWrites(ctx, pending, nil)
}

// waitWrites waits for every write and returns how many bytes were
// acknowledged before the first failure.
func (c *Conn) waitWrites(ctx context.Context, writes []*reliabletransport.Write, err error) (int, error) {
	n, contiguous := 0, true
	var firstErr error
	for _, w := range writes {
		if werr := c.waitWrite(ctx, w); werr != nil {
			contiguous = false
			if firstErr == nil {
				firstErr = werr
			}
			continue
		}
		if contiguous {
			n += len(w.Payload())
		}
	}
	if firstErr != nil {
		return n, firstErr
	}
	return n, err
}

func (c *Conn) enqueue(ctx context.Context, payload []byte) (*reliabletransport.Write, error) {
	buf := make([]byte, len(payload))
	copy(buf, payload)
	w := reliabletransport.NewWrite(buf)

	// POSSIBLY BLOCK until the loop accepts the write
	select {
	case c.writesIn <- w:
		return w, nil
	case <-c.done:
		return nil, c.closedError()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Conn) waitWrite(ctx context.Context, w *reliabletransport.Write) error {
	// POSSIBLY BLOCK until the peer acknowledges the write
	select {
	case err := <-w.Result():
		return err
	case <-ctx.Done():
		w.Cancel()
		return ctx.Err()
	}
}

// ReadMessage returns the next payload delivered in order. It returns
// io.EOF once the connection closed and every payload was read, or the
// failure cause if the connection failed.
func (c *Conn) ReadMessage(ctx context.Context) ([]byte, error) {
	return c.reads.pop(ctx)
}

// Read implements io.Reader.
func (c *Conn) Read(p []byte) (int, error) {
	return c.reads.read(p)
}

// Close closes the connection and waits for it to terminate. An established
// connection sends a FIN and waits for its confirmation for at most the
// handshake timeout, returning [model.ErrCloseNotConfirmed] when the peer
// stays silent. Calling Close again is a no-op.
func (c *Conn) Close() (err error) {
	c.Start()
	c.closeOnce.Do(func() {
		select {
		case c.closeReq <- true:
		case <-c.done:
		}
		<-c.done
		err = c.closeErr
	})
	<-c.done
	return
}

// Abort terminates the connection without waiting for the peer.
func (c *Conn) Abort() {
	c.manager.StartShutdown()
	c.manager.WaitWorkersShutdown()
}

// Deliver queues an inbound segment for the loop. It never blocks: when the
// queue is full the segment is dropped, like the network would do.
func (c *Conn) Deliver(seg *model.Segment) {
	select {
	case c.inbound <- inboundSegment{segment: seg}:
	case <-c.done:
	default:
		c.logger.Warnf("connection %s: inbound queue full, dropping %s", c.ID(), seg)
		c.tracer.OnDroppedSegment(model.DirectionIncoming, c.State(), seg)
	}
}

// DeliverMalformed notifies the loop about an undecodable datagram. The
// partial segment, when not nil, holds the decoded header.
func (c *Conn) DeliverMalformed(err error, partial *model.Segment) {
	select {
	case c.inbound <- inboundSegment{segment: partial, err: err}:
	case <-c.done:
	default:
		c.logger.Warnf("connection %s: inbound queue full, dropping malformed datagram", c.ID())
	}
}

func (c *Conn) closedError() error {
	if err := c.Err(); err != nil {
		return err
	}
	return model.ErrConnectionClosed
}

func (c *Conn) setErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		c.err = err
	}
}

// String implements fmt.Stringer.
func (c *Conn) String() string {
	return fmt.Sprintf("%s %s:%d->%s:%d", c.ID(), c.session.LocalID(), c.LocalPort(),
		c.session.RemoteID(), c.RemotePort())
}

var errAborted = errors.New("connection aborted")
