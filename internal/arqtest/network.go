package arqtest

import (
	"math/rand"
	"net"
	"os"
	"sync"
	"time"
)

// Addr is the address of a [PacketConn] on a [Network].
type Addr string

var _ net.Addr = Addr("")

// Network implements net.Addr.
func (a Addr) Network() string {
	return "arqtest"
}

// String implements net.Addr.
func (a Addr) String() string {
	return string(a)
}

// LinkConfig describes how a [Network] mistreats datagrams.
type LinkConfig struct {
	// LossRate is the probability of dropping a datagram.
	LossRate float64

	// DuplicateRate is the probability of delivering a datagram twice.
	DuplicateRate float64

	// ReorderRate is the probability of delaying a datagram by ReorderDelay,
	// which lets later datagrams overtake it.
	ReorderRate float64

	// ReorderDelay is the extra delay of reordered datagrams.
	ReorderDelay time.Duration

	// Seed seeds the random decisions.
	Seed int64
}

// NetworkStats counts what happened on a [Network].
type NetworkStats struct {
	Sent       int
	Dropped    int
	Duplicated int
	Reordered  int
}

// Network is an in-memory datagram network connecting [PacketConn]s.
type Network struct {
	cfg LinkConfig

	mu    sync.Mutex
	conns map[Addr]*PacketConn
	rnd   *rand.Rand
	stats NetworkStats
}

// NewNetwork returns a new [Network].
func NewNetwork(cfg LinkConfig) *Network {
	if cfg.ReorderDelay <= 0 {
		cfg.ReorderDelay = 5 * time.Millisecond
	}
	return &Network{
		cfg:   cfg,
		conns: make(map[Addr]*PacketConn),
		rnd:   rand.New(rand.NewSource(cfg.Seed)),
	}
}

// inboxSize is the number of datagrams a [PacketConn] buffers.
const inboxSize = 1024

// ListenPacket returns a new [PacketConn] bound to addr. It panics if the
// address is already in use.
func (n *Network) ListenPacket(addr string) *PacketConn {
	n.mu.Lock()
	defer n.mu.Unlock()
	a := Addr(addr)
	if _, found := n.conns[a]; found {
		panic("arqtest: address already in use: " + addr)
	}
	pc := &PacketConn{
		network: n,
		addr:    a,
		inbox:   make(chan datagram, inboxSize),
		closed:  make(chan struct{}),
	}
	n.conns[a] = pc
	return pc
}

// Stats returns a copy of the network counters.
func (n *Network) Stats() NetworkStats {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.stats
}

// SetLinkConfig changes the link behavior, for example to heal a network
// after a lossy phase. The random source is preserved.
func (n *Network) SetLinkConfig(cfg LinkConfig) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if cfg.ReorderDelay <= 0 {
		cfg.ReorderDelay = 5 * time.Millisecond
	}
	n.cfg = cfg
}

func (n *Network) forget(addr Addr) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.conns, addr)
}

// send moves a datagram through the network, applying the link config.
func (n *Network) send(from, to Addr, payload []byte) {
	n.mu.Lock()
	n.stats.Sent++
	dst := n.conns[to]
	drop := dst == nil || n.rnd.Float64() < n.cfg.LossRate
	dup := n.rnd.Float64() < n.cfg.DuplicateRate
	reorder := n.rnd.Float64() < n.cfg.ReorderRate
	delay := n.cfg.ReorderDelay
	switch {
	case drop:
		n.stats.Dropped++
	case reorder:
		n.stats.Reordered++
	}
	if !drop && dup {
		n.stats.Duplicated++
	}
	n.mu.Unlock()

	if drop {
		return
	}
	d := datagram{from: from, payload: payload}
	copies := 1
	if dup {
		copies = 2
	}
	for i := 0; i < copies; i++ {
		if reorder {
			time.AfterFunc(delay, func() { dst.enqueue(d) })
			continue
		}
		dst.enqueue(d)
	}
}

type datagram struct {
	from    Addr
	payload []byte
}

// PacketConn is a [net.PacketConn] attached to a [Network].
type PacketConn struct {
	network *Network
	addr    Addr
	inbox   chan datagram

	closeOnce sync.Once
	closed    chan struct{}

	mu           sync.Mutex
	readDeadline time.Time
}

var _ net.PacketConn = &PacketConn{}

func (pc *PacketConn) enqueue(d datagram) {
	select {
	case pc.inbox <- d:
	case <-pc.closed:
	default:
		// full, like a real socket buffer
	}
}

// ReadFrom implements net.PacketConn.
func (pc *PacketConn) ReadFrom(p []byte) (int, net.Addr, error) {
	pc.mu.Lock()
	deadline := pc.readDeadline
	pc.mu.Unlock()

	var timeout <-chan time.Time
	if !deadline.IsZero() {
		t := time.NewTimer(time.Until(deadline))
		defer t.Stop()
		timeout = t.C
	}

	// POSSIBLY BLOCK waiting for a datagram
	select {
	case d := <-pc.inbox:
		return copy(p, d.payload), d.from, nil
	case <-pc.closed:
		return 0, nil, net.ErrClosed
	case <-timeout:
		return 0, nil, os.ErrDeadlineExceeded
	}
}

// WriteTo implements net.PacketConn.
func (pc *PacketConn) WriteTo(p []byte, addr net.Addr) (int, error) {
	select {
	case <-pc.closed:
		return 0, net.ErrClosed
	default:
	}
	payload := make([]byte, len(p))
	copy(payload, p)
	pc.network.send(pc.addr, Addr(addr.String()), payload)
	return len(p), nil
}

// Close implements net.PacketConn.
func (pc *PacketConn) Close() error {
	pc.closeOnce.Do(func() {
		close(pc.closed)
		pc.network.forget(pc.addr)
	})
	return nil
}

// LocalAddr implements net.PacketConn.
func (pc *PacketConn) LocalAddr() net.Addr {
	return pc.addr
}

// SetDeadline implements net.PacketConn.
func (pc *PacketConn) SetDeadline(t time.Time) error {
	return pc.SetReadDeadline(t)
}

// SetReadDeadline implements net.PacketConn. The deadline applies to the
// next call to ReadFrom.
func (pc *PacketConn) SetReadDeadline(t time.Time) error {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.readDeadline = t
	return nil
}

// SetWriteDeadline implements net.PacketConn. Writes never block.
func (pc *PacketConn) SetWriteDeadline(t time.Time) error {
	return nil
}
