package networkio

import (
	"context"

	"github.com/peerlink/arq/internal/model"
)

// Listener opens datagram sockets. The zero value of this structure is
// invalid; please, use the [NewListener] constructor.
type Listener struct {
	// listener is the underlying [model.PacketListener] we use.
	listener model.PacketListener

	// logger is the [Logger] with which we log.
	logger model.Logger
}

// NewListener creates a new [Listener] instance.
func NewListener(logger model.Logger, listener model.PacketListener) *Listener {
	return &Listener{
		listener: listener,
		logger:   logger,
	}
}

// ListenPacket opens a datagram socket and, on success, wraps it to
// implement [DatagramConn].
func (l *Listener) ListenPacket(ctx context.Context, network, address string) (DatagramConn, error) {
	conn, err := l.listener.ListenPacket(ctx, network, address)
	if err != nil {
		l.logger.Warnf("networkio: listen failed: %s", err.Error())
		return nil, err
	}
	l.logger.Debugf("networkio: listening on %s/%s", conn.LocalAddr().Network(), conn.LocalAddr())
	return WrapPacketConn(conn), nil
}
