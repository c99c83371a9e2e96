package reliabletransport

import (
	"github.com/peerlink/arq/internal/model"
	"github.com/peerlink/arq/internal/seqnum"
)

//
// Common utilities for tests in this package.
//

// fakeTimer is a [Timer] that records how it was driven.
type fakeTimer struct {
	armed bool
	arms  int
	stops int
}

func (ft *fakeTimer) Arm() {
	ft.armed = true
	ft.arms++
}

func (ft *fakeTimer) Stop() {
	ft.armed = false
	ft.stops++
}

func (ft *fakeTimer) Armed() bool {
	return ft.armed
}

var _ Timer = &fakeTimer{}

// newTestSender returns an active sender with the given window and ISS.
func newTestSender(opts *model.Options, iss uint32) (*Sender, *fakeTimer) {
	timer := &fakeTimer{}
	s := NewSender(model.NewTestLogger(), opts, timer, 1, 2)
	s.Activate(seqnum.Value(iss), 1000)
	return s, timer
}

// payloadsOf returns the payloads of the given segments as strings.
func payloadsOf(segments []*model.Segment) []string {
	out := make([]string, 0, len(segments))
	for _, seg := range segments {
		out = append(out, string(seg.Payload))
	}
	return out
}

// seqsOf returns the sequence numbers of the given segments.
func seqsOf(segments []*model.Segment) []uint32 {
	out := make([]uint32, 0, len(segments))
	for _, seg := range segments {
		out = append(out, uint32(seg.Seq))
	}
	return out
}

// resultOf returns whether the write completed and its outcome. Reading the
// outcome consumes it.
func resultOf(w *Write) (done bool, err error) {
	select {
	case err = <-w.Result():
		return true, err
	default:
		return false, nil
	}
}
