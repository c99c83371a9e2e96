package reliabletransport

import (
	"sync"
	"sync/atomic"

	"github.com/peerlink/arq/internal/model"
)

// Write is an application write handed to the [Sender]. Its completion is
// signalled exactly once on the channel returned by [Write.Result]: nil when
// the peer acknowledged the payload, or an error when the connection closed
// or the write was cancelled.
//
// The zero value is invalid; use [NewWrite].
type Write struct {
	payload   []byte
	result    chan error
	once      sync.Once
	cancelled atomic.Bool
}

// NewWrite returns a new [Write] for the given payload.
func NewWrite(payload []byte) *Write {
	return &Write{
		payload: payload,
		result:  make(chan error, 1),
	}
}

// Payload returns the payload to transmit.
func (w *Write) Payload() []byte {
	return w.payload
}

// Result returns the channel where the write outcome is delivered.
func (w *Write) Result() <-chan error {
	return w.result
}

// Cancel withdraws interest in the outcome. A write that did not reach the
// wire yet is skipped; one that did keeps being retransmitted until it is
// acknowledged, since the peer may have received it already.
func (w *Write) Cancel() {
	w.cancelled.Store(true)
	w.complete(model.ErrWriteCancelled)
}

// Cancelled returns whether [Write.Cancel] was called.
func (w *Write) Cancelled() bool {
	return w.cancelled.Load()
}

// complete resolves the write. Only the first call has any effect and
// it never blocks.
func (w *Write) complete(err error) {
	w.once.Do(func() {
		w.result <- err
		close(w.result)
	})
}
