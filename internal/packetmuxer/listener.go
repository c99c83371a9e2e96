package packetmuxer

import (
	"context"
	"errors"
	"sync"

	"github.com/peerlink/arq/internal/connection"
)

// DefaultBacklog is the default number of established connections
// waiting for [Listener.Accept].
const DefaultBacklog = 16

// ErrListenerClosed is returned by [Listener.Accept] after [Listener.Close].
var ErrListenerClosed = errors.New("packetmuxer: listener closed")

// Listener accepts connections on a local port.
type Listener struct {
	router    *Router
	port      uint16
	backlog   chan *connection.Conn
	closeOnce sync.Once
	closed    chan any
}

func newListener(r *Router, port uint16, backlog int) *Listener {
	if backlog <= 0 {
		backlog = DefaultBacklog
	}
	return &Listener{
		router:  r,
		port:    port,
		backlog: make(chan *connection.Conn, backlog),
		closed:  make(chan any),
	}
}

// Port returns the local port.
func (l *Listener) Port() uint16 {
	return l.port
}

// Accept returns the next established connection.
func (l *Listener) Accept(ctx context.Context) (*connection.Conn, error) {
	// POSSIBLY BLOCK waiting for a connection
	select {
	case c := <-l.backlog:
		return c, nil
	case <-l.closed:
		return nil, ErrListenerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops accepting connections and closes the ones nobody accepted.
// Calling Close more than once is a no-op.
func (l *Listener) Close() error {
	l.closeOnce.Do(func() {
		close(l.closed)
		l.router.forgetListener(l)
		for {
			select {
			case c := <-l.backlog:
				go c.Close()
			default:
				return
			}
		}
	})
	return nil
}

func (l *Listener) isClosed() bool {
	select {
	case <-l.closed:
		return true
	default:
		return false
	}
}

// offer hands an established connection to Accept. It runs on the
// connection event loop and never blocks: a false return means the
// backlog is full and the connection is refused.
func (l *Listener) offer(c *connection.Conn) bool {
	if l.isClosed() {
		return false
	}
	select {
	case l.backlog <- c:
		return true
	default:
		return false
	}
}
