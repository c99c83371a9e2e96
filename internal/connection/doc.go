// Package connection implements a reliable, ordered connection to a peer.
//
// Each [Conn] runs a single event loop goroutine that owns the handshake
// state machine, the go-back-N sender and receiver and every timer. The
// muxer feeds the loop with inbound segments; application writes, close
// requests and timer expirations reach it through channels as well, so
// that all state transitions are serialized.
package connection
