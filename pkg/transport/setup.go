package transport

import (
	"github.com/peerlink/arq/internal/model"
	"github.com/peerlink/arq/internal/networkio"
	"github.com/peerlink/arq/internal/packetmuxer"
	"github.com/peerlink/arq/internal/runtimex"
	"github.com/peerlink/arq/internal/workers"
	"github.com/peerlink/arq/pkg/config"
)

// connectChannel connects an existing channel (a "signal" in Qt terminology)
// to a nil pointer to channel (a "slot" in Qt terminology).
func connectChannel[T any](signal chan T, slot **chan T) {
	runtimex.Assert(signal != nil, "signal is nil")
	runtimex.Assert(slot == nil || *slot == nil, "slot or *slot aren't nil")
	*slot = &signal
}

// networkQueueSize is the number of datagrams buffered between the
// muxer and the network. The muxer drops datagrams when it is full.
const networkQueueSize = 256

// startWorkers starts the networkio and packetmuxer workers and returns the
// router to which connections are attached.
//
// This function TAKES OWNERSHIP of the conn.
func startWorkers(cfg *config.Config, conn networkio.DatagramConn) (*workers.Manager, *packetmuxer.Router) {
	// create a workers manager
	workersManager := workers.NewManager(cfg.Logger())

	// create the networkio service.
	nio := &networkio.Service{
		MuxerToNetwork: make(chan model.Datagram, networkQueueSize),
		NetworkToMuxer: nil,
	}

	// create the packetmuxer service.
	muxer := &packetmuxer.Service{
		ConnToMuxer:    make(chan model.OutgoingSegment, networkQueueSize),
		MuxerToNetwork: nil,
		NetworkToMuxer: make(chan model.Datagram),
	}

	// connect networkio and packetmuxer
	connectChannel(nio.MuxerToNetwork, &muxer.MuxerToNetwork)
	connectChannel(muxer.NetworkToMuxer, &nio.NetworkToMuxer)

	// the router hands the muxer channel to every connection
	router := packetmuxer.NewRouter(cfg, conn.LocalAddr(), muxer.ConnToMuxer, workersManager.ShouldShutdown())

	// start all the workers
	nio.StartWorkers(cfg, workersManager, conn)
	muxer.StartWorkers(cfg.Logger(), workersManager, router)

	return workersManager, router
}
