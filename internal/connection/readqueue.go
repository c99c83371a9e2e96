package connection

import (
	"context"
	"sync"
)

// readQueue holds the payloads delivered in order until the application
// reads them. Pushing never blocks, so the event loop never waits for a
// slow reader.
type readQueue struct {
	mu       sync.Mutex
	payloads [][]byte
	partial  []byte
	err      error
	notify   chan any
}

func newReadQueue() *readQueue {
	return &readQueue{
		payloads: make([][]byte, 0),
		notify:   make(chan any, 1),
	}
}

// push appends a payload.
func (rq *readQueue) push(payload []byte) {
	rq.mu.Lock()
	rq.payloads = append(rq.payloads, payload)
	rq.mu.Unlock()
	rq.wakeup()
}

// finish marks the end of the stream. Readers get err once the queue is
// drained. Only the first call has any effect.
func (rq *readQueue) finish(err error) {
	rq.mu.Lock()
	if rq.err == nil {
		rq.err = err
	}
	rq.mu.Unlock()
	rq.wakeup()
}

func (rq *readQueue) wakeup() {
	select {
	case rq.notify <- true:
	default:
	}
}

// tryPop returns the next payload or the end of stream error. It returns
// false if the caller should wait.
func (rq *readQueue) tryPop() ([]byte, bool, error) {
	rq.mu.Lock()
	defer rq.mu.Unlock()
	if len(rq.payloads) > 0 {
		p := rq.payloads[0]
		rq.payloads[0] = nil
		rq.payloads = rq.payloads[1:]
		if len(rq.payloads) > 0 {
			// let another waiting reader proceed
			select {
			case rq.notify <- true:
			default:
			}
		}
		return p, true, nil
	}
	if rq.err != nil {
		return nil, true, rq.err
	}
	return nil, false, nil
}

// pop returns the next payload, blocking until one is available.
func (rq *readQueue) pop(ctx context.Context) ([]byte, error) {
	for {
		if p, ok, err := rq.tryPop(); ok {
			return p, err
		}
		// POSSIBLY BLOCK until the loop delivers something
		select {
		case <-rq.notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// read implements io.Reader semantics on top of pop.
func (rq *readQueue) read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	rq.mu.Lock()
	if len(rq.partial) > 0 {
		n := copy(p, rq.partial)
		rq.partial = rq.partial[n:]
		rq.mu.Unlock()
		return n, nil
	}
	rq.mu.Unlock()

	for {
		payload, err := rq.pop(context.Background())
		if err != nil {
			return 0, err
		}
		if len(payload) == 0 {
			// empty messages carry no bytes for a stream reader
			continue
		}
		n := copy(p, payload)
		if n < len(payload) {
			rq.mu.Lock()
			rq.partial = payload[n:]
			rq.mu.Unlock()
		}
		return n, nil
	}
}
