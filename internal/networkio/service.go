package networkio

import (
	"errors"
	"fmt"

	"github.com/peerlink/arq/internal/model"
	"github.com/peerlink/arq/internal/workers"
	"github.com/peerlink/arq/pkg/config"
)

var (
	serviceName = "networkio"
)

// Service is the network I/O service. Make sure you initialize
// the channels before invoking [Service.StartWorkers].
type Service struct {
	// MuxerToNetwork moves datagrams down from the muxer to the network IO layer
	MuxerToNetwork chan Datagram

	// NetworkToMuxer moves datagrams up from the network IO layer to the muxer
	NetworkToMuxer *chan Datagram
}

// StartWorkers starts the network I/O workers.
//
// This function TAKES OWNERSHIP of the conn, which is closed on shutdown.
func (svc *Service) StartWorkers(
	config *config.Config,
	manager *workers.Manager,
	conn DatagramConn,
) {
	ws := &workersState{
		conn:           conn,
		logger:         config.Logger(),
		manager:        manager,
		muxerToNetwork: svc.MuxerToNetwork,
		networkToMuxer: *svc.NetworkToMuxer,
	}

	manager.StartWorker(ws.moveUpWorker)
	manager.StartWorker(ws.moveDownWorker)
}

// workersState contains the service workers state
type workersState struct {
	// conn is the connection to use
	conn DatagramConn

	// logger is the logger to use
	logger model.Logger

	// manager controls the workers lifecycle
	manager *workers.Manager

	// muxerToNetwork is the channel for reading outgoing datagrams
	// that are coming down to us
	muxerToNetwork <-chan Datagram

	// networkToMuxer is the channel for writing incoming datagrams
	// that are coming up to us from the net
	networkToMuxer chan<- Datagram
}

// moveUpWorker moves datagrams up the stack.
func (ws *workersState) moveUpWorker() {
	workerName := fmt.Sprintf("%s: moveUpWorker", serviceName)

	defer func() {
		// make sure the manager knows we're done
		ws.manager.OnWorkerDone(workerName)

		// tear down everything else because a workers exited
		ws.manager.StartShutdown()
	}()

	ws.logger.Debugf("%s: started", workerName)

	for {
		// POSSIBLY BLOCK on the connection to read a new datagram
		d, err := ws.conn.ReadDatagram()
		if err != nil {
			ws.logger.Debugf("%s: ReadDatagram: %s", workerName, err.Error())
			return
		}

		// POSSIBLY BLOCK on the channel to deliver the datagram
		select {
		case ws.networkToMuxer <- d:
		case <-ws.manager.ShouldShutdown():
			return
		}
	}
}

// moveDownWorker moves datagrams down the stack
func (ws *workersState) moveDownWorker() {
	workerName := fmt.Sprintf("%s: moveDownWorker", serviceName)

	defer func() {
		// make sure the manager knows we're done
		ws.manager.OnWorkerDone(workerName)

		// tear down everything else because a worker exited
		ws.manager.StartShutdown()

		// we OWN the connection, and closing it unblocks the reader
		ws.conn.Close()
	}()

	ws.logger.Debugf("%s: started", workerName)

	for {
		// POSSIBLY BLOCK when receiving from channel.
		select {
		case d := <-ws.muxerToNetwork:
			// POSSIBLY BLOCK on the connection to write the datagram
			if err := ws.conn.WriteDatagram(d); err != nil {
				ws.logger.Infof("%s: WriteDatagram: %s", workerName, err.Error())
				if errors.Is(err, ErrPacketTooLarge) {
					continue
				}
				return
			}

		case <-ws.manager.ShouldShutdown():
			return
		}
	}
}
