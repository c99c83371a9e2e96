package model

import (
	"context"
	"net"
)

// PacketListener is a type allowing to open datagram sockets. The standard
// library's [net.ListenConfig] implements it.
type PacketListener interface {
	ListenPacket(ctx context.Context, network, address string) (net.PacketConn, error)
}
