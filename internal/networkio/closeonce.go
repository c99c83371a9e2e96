package networkio

import (
	"net"
	"sync"
)

// closeOncePacketConn is a [net.PacketConn] where the Close method has once semantics.
//
// The zero value is invalid; use [newCloseOncePacketConn].
type closeOncePacketConn struct {
	// once ensures we close just once.
	once sync.Once

	// PacketConn is the underlying conn.
	net.PacketConn
}

var _ net.PacketConn = &closeOncePacketConn{}

// newCloseOncePacketConn creates a [closeOncePacketConn].
func newCloseOncePacketConn(conn net.PacketConn) *closeOncePacketConn {
	return &closeOncePacketConn{
		once:       sync.Once{},
		PacketConn: conn,
	}
}

// Close implements net.PacketConn
func (c *closeOncePacketConn) Close() (err error) {
	c.once.Do(func() {
		err = c.PacketConn.Close()
	})
	return
}
