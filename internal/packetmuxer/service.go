// Package packetmuxer implements the packet-muxer workers, which move
// datagrams between the network and the connections of an endpoint.
package packetmuxer

import (
	"fmt"

	"github.com/peerlink/arq/internal/model"
	"github.com/peerlink/arq/internal/workers"
)

var serviceName = "packetmuxer"

// Service is the packetmuxer service. Make sure you initialize
// the channels before invoking [Service.StartWorkers].
type Service struct {
	// ConnToMuxer moves segments down from the connections
	ConnToMuxer chan model.OutgoingSegment

	// MuxerToNetwork moves datagrams down
	MuxerToNetwork *chan model.Datagram

	// NetworkToMuxer moves datagrams up
	NetworkToMuxer chan model.Datagram
}

// StartWorkers starts the packet-muxer workers.
func (s *Service) StartWorkers(
	logger model.Logger,
	workersManager *workers.Manager,
	router *Router,
) {
	ws := &workersState{
		logger:         logger,
		connToMuxer:    s.ConnToMuxer,
		muxerToNetwork: *s.MuxerToNetwork,
		networkToMuxer: s.NetworkToMuxer,
		router:         router,
		workersManager: workersManager,
	}
	workersManager.StartWorker(ws.moveUpWorker)
	workersManager.StartWorker(ws.moveDownWorker)
}

// workersState contains the packet-muxer workers state.
type workersState struct {
	// logger is the logger to use
	logger model.Logger

	// connToMuxer is the channel for reading all the segments traveling down the stack.
	connToMuxer <-chan model.OutgoingSegment

	// muxerToNetwork is the channel for writing datagrams going down the stack.
	muxerToNetwork chan<- model.Datagram

	// networkToMuxer is the channel for reading datagrams going up the stack.
	networkToMuxer <-chan model.Datagram

	// router routes segments to connections.
	router *Router

	// workersManager controls the workers lifecycle.
	workersManager *workers.Manager
}

// moveUpWorker moves datagrams up the stack
func (ws *workersState) moveUpWorker() {
	workerName := fmt.Sprintf("%s: moveUpWorker", serviceName)

	defer func() {
		ws.workersManager.OnWorkerDone(workerName)
		ws.workersManager.StartShutdown()
	}()

	ws.logger.Debugf("%s: started", workerName)

	for {
		// POSSIBLY BLOCK awaiting for incoming datagram
		select {
		case d := <-ws.networkToMuxer:
			ws.router.Dispatch(d)

		case <-ws.workersManager.ShouldShutdown():
			return
		}
	}
}

// moveDownWorker moves segments down the stack
func (ws *workersState) moveDownWorker() {
	workerName := fmt.Sprintf("%s: moveDownWorker", serviceName)

	defer func() {
		ws.workersManager.OnWorkerDone(workerName)
		ws.workersManager.StartShutdown()
	}()

	ws.logger.Debugf("%s: started", workerName)

	for {
		// POSSIBLY BLOCK on reading the segment moving down the stack
		select {
		case out := <-ws.connToMuxer:
			// serialize the segment
			raw, err := out.Segment.Bytes()
			if err != nil {
				ws.logger.Warnf("%s: cannot serialize segment: %s", workerName, err.Error())
				continue
			}

			// While this channel send could possibly block, the channel is
			// buffered and we'd rather drop than stall every connection.
			select {
			case ws.muxerToNetwork <- model.Datagram{Addr: out.Addr, Payload: raw}:
			default:
				ws.logger.Debugf("%s: network queue full, dropping %s", workerName, out.Segment)
			case <-ws.workersManager.ShouldShutdown():
				return
			}

		case <-ws.workersManager.ShouldShutdown():
			return
		}
	}
}
