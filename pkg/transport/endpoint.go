// Package transport contains the public API: an [Endpoint] multiplexes
// reliable connections to many peers over a single datagram socket.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/peerlink/arq/internal/connection"
	"github.com/peerlink/arq/internal/model"
	"github.com/peerlink/arq/internal/networkio"
	"github.com/peerlink/arq/internal/optional"
	"github.com/peerlink/arq/internal/packetmuxer"
	"github.com/peerlink/arq/internal/workers"
	"github.com/peerlink/arq/pkg/config"
	"golang.org/x/sync/errgroup"
)

// We're creating type aliases to expose the internal implementation on the public API.
type (
	Conn     = connection.Conn
	Listener = packetmuxer.Listener
	PeerID   = model.PeerID
	Event    = model.Event
)

// closeParallelism is the number of connections closed at the same time.
const closeParallelism = 32

// ErrEndpointClosed is returned when using an endpoint after [Endpoint.Close].
var ErrEndpointClosed = errors.New("transport: endpoint closed")

// Peer identifies a remote endpoint.
type Peer struct {
	// Addr is the network address of the peer.
	Addr net.Addr

	// ID is the stable identifier of the peer, used to resolve roles when
	// both sides open a connection. When empty, Addr.String() is used.
	ID PeerID
}

// Endpoint runs reliable connections over a datagram socket.
type Endpoint struct {
	cfg       *config.Config
	conn      networkio.DatagramConn
	router    *packetmuxer.Router
	workers   *workers.Manager
	closeOnce sync.Once
	closeErr  error
}

// ListenPacket opens a datagram socket on the given address and returns
// an [Endpoint] using it.
func ListenPacket(ctx context.Context, network, address string, cfg *config.Config) (*Endpoint, error) {
	listener := networkio.NewListener(cfg.Logger(), &net.ListenConfig{})
	conn, err := listener.ListenPacket(ctx, network, address)
	if err != nil {
		return nil, err
	}
	ep, err := newEndpoint(conn, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return ep, nil
}

// NewEndpoint returns an [Endpoint] using the given socket.
//
// This function TAKES OWNERSHIP of the conn, which is closed by [Endpoint.Close].
func NewEndpoint(conn net.PacketConn, cfg *config.Config) (*Endpoint, error) {
	return newEndpoint(networkio.WrapPacketConn(conn), cfg)
}

func newEndpoint(conn networkio.DatagramConn, cfg *config.Config) (*Endpoint, error) {
	if err := cfg.Options().Validate(); err != nil {
		return nil, err
	}
	manager, router := startWorkers(cfg, conn)
	ep := &Endpoint{
		cfg:     cfg,
		conn:    conn,
		router:  router,
		workers: manager,
	}
	cfg.Logger().Infof("transport: endpoint %s listening on %s", router.LocalID(), conn.LocalAddr())
	return ep, nil
}

// LocalAddr returns the address of the socket.
func (e *Endpoint) LocalAddr() net.Addr {
	return e.conn.LocalAddr()
}

// LocalID returns the local peer identifier.
func (e *Endpoint) LocalID() PeerID {
	return e.router.LocalID()
}

// Done returns a channel closed when the endpoint stops working, either
// because of [Endpoint.Close] or because the socket failed.
func (e *Endpoint) Done() <-chan any {
	return e.workers.ShouldShutdown()
}

// Open opens a connection with a peer that opens the same port towards
// us. The role of each side is resolved by comparing the peer identifiers,
// unless the configuration forces one. An endpoint bound to a wildcard
// address needs a configured local peer ID to open this way. It blocks until
// the handshake completed, failed or the context is done.
func (e *Endpoint) Open(ctx context.Context, peer Peer, port uint16) (*Conn, error) {
	return e.connect(ctx, packetmuxer.ConnectParams{
		RemoteAddr: peer.Addr,
		RemoteID:   peer.ID,
		LocalPort:  port,
		RemotePort: port,
	})
}

// Dial actively opens a connection from an ephemeral local port to a peer
// listening on port. It blocks until the handshake completed, failed or
// the context is done.
func (e *Endpoint) Dial(ctx context.Context, peer Peer, port uint16) (*Conn, error) {
	return e.connect(ctx, packetmuxer.ConnectParams{
		RemoteAddr: peer.Addr,
		RemoteID:   peer.ID,
		RemotePort: port,
		Role:       optional.Some(model.RoleActive),
	})
}

func (e *Endpoint) connect(ctx context.Context, p packetmuxer.ConnectParams) (*Conn, error) {
	if e.closed() {
		return nil, ErrEndpointClosed
	}
	conn, err := e.router.Connect(p)
	if err != nil {
		return nil, err
	}
	if err := conn.WaitEstablished(ctx); err != nil {
		conn.Abort()
		return nil, fmt.Errorf("transport: connecting to %s:%d: %w", p.RemoteAddr, p.RemotePort, err)
	}
	return conn, nil
}

// Listen starts accepting connections on the given port.
func (e *Endpoint) Listen(port uint16) (*Listener, error) {
	if e.closed() {
		return nil, ErrEndpointClosed
	}
	return e.router.Listen(port, packetmuxer.DefaultBacklog)
}

func (e *Endpoint) closed() bool {
	select {
	case <-e.workers.ShouldShutdown():
		return true
	default:
		return false
	}
}

// Close closes every connection, waiting for the peers to confirm, then
// stops the workers and closes the socket. Calling Close more than once
// returns the result of the first call.
func (e *Endpoint) Close() error {
	e.closeOnce.Do(func() {
		e.router.Close()

		// close in parallel since each close may wait for the peer; the
		// group only bounds concurrency because Wait keeps the first error
		// while we report all of them
		conns := e.router.Conns()
		errs := make([]error, len(conns))
		var g errgroup.Group
		g.SetLimit(closeParallelism)
		for idx, c := range conns {
			idx, c := idx, c
			g.Go(func() error {
				if err := c.Close(); err != nil {
					errs[idx] = fmt.Errorf("closing %s: %w", c, err)
				}
				return nil
			})
		}
		_ = g.Wait()

		var closeErrs *multierror.Error
		for _, err := range errs {
			if err != nil {
				closeErrs = multierror.Append(closeErrs, err)
			}
		}

		e.workers.StartShutdown()
		e.workers.WaitWorkersShutdown()
		if err := e.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			closeErrs = multierror.Append(closeErrs, err)
		}
		e.closeErr = closeErrs.ErrorOrNil()
	})
	return e.closeErr
}
