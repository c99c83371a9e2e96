package packetmuxer

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/peerlink/arq/internal/connection"
	"github.com/peerlink/arq/internal/model"
	"github.com/peerlink/arq/internal/optional"
	"github.com/peerlink/arq/internal/session"
	"github.com/peerlink/arq/pkg/config"
)

const (
	// firstEphemeralPort and lastEphemeralPort bound the local ports
	// assigned to outgoing connections.
	firstEphemeralPort = 49152
	lastEphemeralPort  = 65535
)

var (
	// ErrPortInUse means the local port is already taken.
	ErrPortInUse = errors.New("packetmuxer: port in use")

	// ErrNoEphemeralPorts means every ephemeral port is taken.
	ErrNoEphemeralPorts = errors.New("packetmuxer: no ephemeral ports left")

	// ErrRouterClosed means the router does not accept new connections.
	ErrRouterClosed = errors.New("packetmuxer: router closed")

	// ErrAmbiguousPeerID is returned when the local peer identifier cannot
	// be compared with the remote one to resolve roles.
	ErrAmbiguousPeerID = errors.New("packetmuxer: bound to an unspecified address without a peer id")
)

// routeKey identifies a connection: a connection is a pair of logical
// ports between us and a remote network address.
type routeKey struct {
	addr       string
	localPort  uint16
	remotePort uint16
}

func (k routeKey) String() string {
	return fmt.Sprintf("%d->%s:%d", k.localPort, k.addr, k.remotePort)
}

// ConnectParams contains the parameters for [Router.Connect].
type ConnectParams struct {
	// RemoteAddr is the network address of the peer.
	RemoteAddr net.Addr

	// RemoteID is the stable identifier of the peer. When empty we
	// use the string representation of RemoteAddr.
	RemoteID model.PeerID

	// LocalPort is the local logical port. Zero means an ephemeral port.
	LocalPort uint16

	// RemotePort is the remote logical port.
	RemotePort uint16

	// Role overrides the configured role.
	Role optional.Value[model.Role]
}

// Router owns the connections of an endpoint and routes inbound segments
// to them. The zero value is invalid; use [NewRouter]. This struct is
// concurrency safe.
type Router struct {
	cfg       *config.Config
	logger    model.Logger
	localID   model.PeerID
	localAddr net.Addr

	// ambiguousID is true when localID derives from a wildcard address,
	// which the peer never sees and which does not order consistently
	// with the address we are reached at
	ambiguousID bool

	// out is where connections and the router write outgoing segments
	out chan<- model.OutgoingSegment

	// outClosed is closed once out is no longer drained
	outClosed <-chan any

	mu            sync.Mutex
	conns         map[routeKey]*connection.Conn
	listeners     map[uint16]*Listener
	portUsage     map[uint16]int
	nextEphemeral uint16
	closed        bool
}

// NewRouter returns a new [Router]. The local peer identifier defaults to
// the string representation of localAddr.
func NewRouter(cfg *config.Config, localAddr net.Addr, out chan<- model.OutgoingSegment, outClosed <-chan any) *Router {
	return &Router{
		cfg:           cfg,
		logger:        cfg.Logger(),
		localID:       cfg.PeerID().UnwrapOr(model.PeerID(localAddr.String())),
		localAddr:     localAddr,
		ambiguousID:   cfg.PeerID().IsNone() && isUnspecified(localAddr),
		out:           out,
		outClosed:     outClosed,
		conns:         make(map[routeKey]*connection.Conn),
		listeners:     make(map[uint16]*Listener),
		portUsage:     make(map[uint16]int),
		nextEphemeral: firstEphemeralPort,
	}
}

// LocalID returns the local peer identifier.
func (r *Router) LocalID() model.PeerID {
	return r.localID
}

// Connect creates and starts a connection to the given peer.
func (r *Router) Connect(p ConnectParams) (*connection.Conn, error) {
	remoteID := p.RemoteID
	if remoteID == "" {
		remoteID = model.PeerID(p.RemoteAddr.String())
	}
	if p.Role.UnwrapOr(r.cfg.Options().Role) == model.RoleAuto && r.ambiguousID {
		return nil, fmt.Errorf("%w: %s", ErrAmbiguousPeerID, r.localAddr)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrRouterClosed
	}
	localPort := p.LocalPort
	if localPort == 0 {
		port, err := r.ephemeralPortLocked()
		if err != nil {
			return nil, err
		}
		localPort = port
	}
	key := routeKey{addr: p.RemoteAddr.String(), localPort: localPort, remotePort: p.RemotePort}
	if _, found := r.conns[key]; found {
		return nil, fmt.Errorf("%w: %s", ErrPortInUse, key)
	}
	conn, err := r.newConnLocked(key, p.RemoteAddr, remoteID, p.Role, nil)
	if err != nil {
		return nil, err
	}
	conn.Start()
	return conn, nil
}

// Listen starts accepting connections on the given local port.
func (r *Router) Listen(port uint16, backlog int) (*Listener, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrRouterClosed
	}
	if _, found := r.listeners[port]; found {
		return nil, fmt.Errorf("%w: %d", ErrPortInUse, port)
	}
	l := newListener(r, port, backlog)
	r.listeners[port] = l
	r.portUsage[port]++
	return l, nil
}

// Conns returns a snapshot of the live connections.
func (r *Router) Conns() []*connection.Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*connection.Conn, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}

// Close closes every listener and refuses new connections. Live
// connections are left alone.
func (r *Router) Close() {
	r.mu.Lock()
	r.closed = true
	listeners := make([]*Listener, 0, len(r.listeners))
	for _, l := range r.listeners {
		listeners = append(listeners, l)
	}
	r.mu.Unlock()

	for _, l := range listeners {
		l.Close()
	}
}

// Dispatch routes an inbound datagram. It never blocks.
func (r *Router) Dispatch(d model.Datagram) {
	seg, err := model.ParseSegment(d.Payload)
	if err != nil {
		r.dispatchMalformed(d, seg, err)
		return
	}
	key := routeKey{addr: d.Addr.String(), localPort: seg.DstPort, remotePort: seg.SrcPort}

	r.mu.Lock()
	conn := r.conns[key]
	listener := r.listeners[seg.DstPort]
	r.mu.Unlock()

	switch {
	case conn != nil:
		conn.Deliver(seg)

	case seg.IsSYN() && !seg.Flags.Has(model.FlagACK) && listener != nil:
		r.accept(listener, key, d.Addr, seg)

	case seg.IsSYN():
		// the peer keeps retransmitting until we open the connection
		r.logger.Debugf("packetmuxer: no connection for %s, ignoring %s", key, seg)
		r.cfg.Tracer().OnDroppedSegment(model.DirectionIncoming, model.S_CLOSED, seg)

	case seg.IsRST():
		r.logger.Debugf("packetmuxer: no connection for %s, ignoring %s", key, seg)

	default:
		r.logger.Debugf("packetmuxer: no connection for %s, resetting", key)
		r.reset(d.Addr, seg)
	}
}

func (r *Router) dispatchMalformed(d model.Datagram, partial *model.Segment, err error) {
	if partial == nil {
		r.logger.Warnf("packetmuxer: %s: %s", d.Addr, err.Error())
		return
	}
	key := routeKey{addr: d.Addr.String(), localPort: partial.DstPort, remotePort: partial.SrcPort}
	r.mu.Lock()
	conn := r.conns[key]
	r.mu.Unlock()
	if conn == nil {
		r.logger.Warnf("packetmuxer: %s: %s", key, err.Error())
		return
	}
	conn.DeliverMalformed(err, partial)
}

// accept creates a passive connection for a SYN received by a listener.
func (r *Router) accept(l *Listener, key routeKey, addr net.Addr, syn *model.Segment) {
	r.mu.Lock()
	if r.closed || l.isClosed() {
		r.mu.Unlock()
		return
	}
	if _, found := r.conns[key]; found {
		// lost a race with another SYN
		r.mu.Unlock()
		return
	}
	conn, err := r.newConnLocked(key, addr, model.PeerID(addr.String()),
		optional.Some(model.RolePassive), l.offer)
	r.mu.Unlock()
	if err != nil {
		r.logger.Warnf("packetmuxer: cannot accept %s: %s", key, err.Error())
		return
	}
	r.logger.Infof("packetmuxer: incoming connection %s", key)
	conn.Start()
	conn.Deliver(syn)
}

// reset answers a segment that belongs to no connection.
func (r *Router) reset(addr net.Addr, seg *model.Segment) {
	rst := model.NewControl(seg.DstPort, seg.SrcPort, model.FlagRST, 0, 0, 0)
	select {
	case r.out <- model.OutgoingSegment{Addr: addr, Segment: rst}:
	default:
		// the muxer is busy, the peer will retransmit
	}
}

func (r *Router) newConnLocked(key routeKey, addr net.Addr, remoteID model.PeerID,
	role optional.Value[model.Role], onEstablished func(*connection.Conn) bool) (*connection.Conn, error) {
	conn, err := connection.New(r.cfg, connection.Params{
		Session: session.Params{
			LocalID:    r.localID,
			RemoteID:   remoteID,
			LocalPort:  key.localPort,
			RemotePort: key.remotePort,
		},
		LocalAddr:     r.localAddr,
		RemoteAddr:    addr,
		Role:          role,
		Out:           r.out,
		OutClosed:     r.outClosed,
		OnEstablished: onEstablished,
		OnDone: func(c *connection.Conn) {
			r.forget(key, c)
		},
	})
	if err != nil {
		return nil, err
	}
	r.conns[key] = conn
	r.portUsage[key.localPort]++
	return conn, nil
}

func (r *Router) forget(key routeKey, c *connection.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conns[key] != c {
		return
	}
	delete(r.conns, key)
	r.releasePortLocked(key.localPort)
}

func (r *Router) forgetListener(l *Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listeners[l.port] != l {
		return
	}
	delete(r.listeners, l.port)
	r.releasePortLocked(l.port)
}

func (r *Router) releasePortLocked(port uint16) {
	if r.portUsage[port]--; r.portUsage[port] <= 0 {
		delete(r.portUsage, port)
	}
}

// ephemeralPortLocked returns a local port nobody uses.
func (r *Router) ephemeralPortLocked() (uint16, error) {
	for i := 0; i <= lastEphemeralPort-firstEphemeralPort; i++ {
		port := r.nextEphemeral
		if r.nextEphemeral == lastEphemeralPort {
			r.nextEphemeral = firstEphemeralPort
		} else {
			r.nextEphemeral++
		}
		if r.portUsage[port] == 0 {
			return port, nil
		}
	}
	return 0, ErrNoEphemeralPorts
}

// isUnspecified tells whether addr is a wildcard IP address.
func isUnspecified(addr net.Addr) bool {
	switch a := addr.(type) {
	case *net.UDPAddr:
		return a.IP == nil || a.IP.IsUnspecified()
	case *net.IPAddr:
		return a.IP == nil || a.IP.IsUnspecified()
	default:
		return false
	}
}
