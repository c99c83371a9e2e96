package networkio

import (
	"errors"
	"math"
	"net"

	"github.com/peerlink/arq/internal/model"
)

// Datagram is an alias for [model.Datagram].
type Datagram = model.Datagram

// ErrPacketTooLarge means we tried to write a datagram that does not fit
// into a single UDP datagram.
var ErrPacketTooLarge = errors.New("networkio: packet too large")

// packetConn wraps a [net.PacketConn] and implements [DatagramConn].
type packetConn struct {
	net.PacketConn
}

var _ DatagramConn = &packetConn{}

// WrapPacketConn returns a [DatagramConn] with close-once semantics
// on top of the given socket.
func WrapPacketConn(pc net.PacketConn) DatagramConn {
	return &packetConn{newCloseOncePacketConn(pc)}
}

// ReadDatagram implements DatagramConn
func (c *packetConn) ReadDatagram() (Datagram, error) {
	buffer := make([]byte, math.MaxUint16) // maximum UDP datagram size
	count, addr, err := c.ReadFrom(buffer)
	if err != nil {
		return Datagram{}, err
	}
	return Datagram{Addr: addr, Payload: buffer[:count]}, nil
}

// WriteDatagram implements DatagramConn
func (c *packetConn) WriteDatagram(d Datagram) error {
	if len(d.Payload) > math.MaxUint16 {
		return ErrPacketTooLarge
	}
	_, err := c.WriteTo(d.Payload, d.Addr)
	return err
}
