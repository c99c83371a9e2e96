package networkio

import (
	"net"
	"time"
)

// DatagramConn is a datagram socket that reads and writes [model.Datagram]s.
type DatagramConn interface {
	// ReadDatagram reads the next datagram and its source address.
	ReadDatagram() (Datagram, error)

	// WriteDatagram writes a datagram to its destination address.
	WriteDatagram(d Datagram) error

	// SetReadDeadline is like net.PacketConn.SetReadDeadline.
	SetReadDeadline(t time.Time) error

	// LocalAddr is like net.PacketConn.LocalAddr.
	LocalAddr() net.Addr

	// Close is like net.PacketConn.Close.
	Close() error
}
