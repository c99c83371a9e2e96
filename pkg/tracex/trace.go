// Package tracex implements a connection tracer that can be passed to the endpoint
// configuration to observe segments and state transitions.
package tracex

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/peerlink/arq/internal/model"
	"github.com/peerlink/arq/internal/optional"
	"github.com/peerlink/arq/internal/seqnum"
)

const (
	connectionEventStateChange = iota
	connectionEventSegmentIn
	connectionEventSegmentOut
	connectionEventSegmentDropped
	connectionEventHandshakeDone
)

// ConnectionEventType indicates which event we logged.
type ConnectionEventType int

// Ensure that it implements the Stringer interface.
var _ fmt.Stringer = ConnectionEventType(0)

// String implements fmt.Stringer
func (e ConnectionEventType) String() string {
	switch e {
	case connectionEventStateChange:
		return "state"
	case connectionEventSegmentIn:
		return "segment_in"
	case connectionEventSegmentOut:
		return "segment_out"
	case connectionEventSegmentDropped:
		return "segment_dropped"
	case connectionEventHandshakeDone:
		return "handshake_done"
	default:
		return "unknown"
	}
}

// Event is a connection event collected by this [model.ConnectionTracer].
type Event struct {
	// EventType is the type for this event.
	EventType string `json:"operation"`

	// Stage is the lifecycle state the connection is in.
	Stage string `json:"stage"`

	// AtTime is the time for this event, relative to the start time.
	AtTime float64 `json:"t"`

	// Tags is an array of tags that can be useful to interpret this event, like the segment flags.
	Tags []string `json:"tags"`

	// LoggedSegment is an optional segment metadata.
	LoggedSegment optional.Value[LoggedSegment] `json:"segment"`

	// TransactionID is an optional index identifying one particular trace.
	TransactionID int64 `json:"transaction_id,omitempty"`
}

type ConnectionState = model.ConnectionState

func newEvent(etype ConnectionEventType, st ConnectionState, t time.Time, t0 time.Time, txid int64) *Event {
	return &Event{
		EventType:     etype.String(),
		Stage:         strings.TrimPrefix(st.String(), "S_"),
		AtTime:        t.Sub(t0).Seconds(),
		Tags:          make([]string, 0),
		LoggedSegment: optional.None[LoggedSegment](),
		TransactionID: txid,
	}
}

// Tracer implements [model.ConnectionTracer].
type Tracer struct {
	// events is the array of connection events.
	events []*Event

	// mu guards access to the events.
	mu sync.Mutex

	// transactionID is an optional index that will be added to any events produced by this tracer.
	transactionID int64

	// zeroTime is the time when we started a trace.
	zeroTime time.Time

	// timeNow allows to manipulate time for deterministic tests.
	timeNow func() time.Time
}

var _ model.ConnectionTracer = &Tracer{}

// NewTracer returns a Tracer with the passed start time.
func NewTracer(start time.Time) *Tracer {
	return &Tracer{
		zeroTime: start,
		timeNow:  time.Now,
	}
}

// NewTracerWithTransactionID returns a Tracer with the passed start time and the given
// identifier for a transaction, which is copied into every event so that traces
// collected by different endpoints can be cross-referenced.
func NewTracerWithTransactionID(start time.Time, txid int64) *Tracer {
	return &Tracer{
		transactionID: txid,
		zeroTime:      start,
		timeNow:       time.Now,
	}
}

// TimeNow allows to manipulate time for deterministic tests.
func (t *Tracer) TimeNow() time.Time {
	return t.timeNow()
}

// OnStateChange is called for each transition in the state machine.
func (t *Tracer) OnStateChange(state ConnectionState) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e := newEvent(connectionEventStateChange, state, t.TimeNow(), t.zeroTime, t.transactionID)
	t.events = append(t.events, e)
}

// OnIncomingSegment is called when a segment is received.
func (t *Tracer) OnIncomingSegment(segment *model.Segment, stage ConnectionState) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e := newEvent(connectionEventSegmentIn, stage, t.TimeNow(), t.zeroTime, t.transactionID)
	e.LoggedSegment = logSegment(segment, optional.None[int](), model.DirectionIncoming)
	maybeAddTagsFromSegment(e, segment, 0)
	t.events = append(t.events, e)
}

// OnOutgoingSegment is called when a segment is about to be sent.
func (t *Tracer) OnOutgoingSegment(segment *model.Segment, stage ConnectionState, retries int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e := newEvent(connectionEventSegmentOut, stage, t.TimeNow(), t.zeroTime, t.transactionID)
	e.LoggedSegment = logSegment(segment, optional.Some(retries), model.DirectionOutgoing)
	maybeAddTagsFromSegment(e, segment, retries)
	t.events = append(t.events, e)
}

// OnDroppedSegment is called whenever a segment is dropped (in/out)
func (t *Tracer) OnDroppedSegment(direction model.Direction, stage ConnectionState, segment *model.Segment) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e := newEvent(connectionEventSegmentDropped, stage, t.TimeNow(), t.zeroTime, t.transactionID)
	e.LoggedSegment = logSegment(segment, optional.None[int](), direction)
	t.events = append(t.events, e)
}

// OnHandshakeDone is called when we have completed a handshake.
func (t *Tracer) OnHandshakeDone(remoteAddr string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e := newEvent(connectionEventHandshakeDone, model.S_ESTABLISHED, t.TimeNow(), t.zeroTime, t.transactionID)
	e.Tags = append(e.Tags, remoteAddr)
	t.events = append(t.events, e)
}

// Trace returns a structured log containing a copy of the array of [Event].
func (t *Tracer) Trace() []*Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*Event{}, t.events...)
}

func logSegment(s *model.Segment, retries optional.Value[int], direction model.Direction) optional.Value[LoggedSegment] {
	logged := LoggedSegment{
		Direction:   direction.String(),
		Kind:        s.Kind.String(),
		SrcPort:     s.SrcPort,
		DstPort:     s.DstPort,
		Seq:         optional.None[seqnum.Value](),
		Ack:         optional.None[seqnum.Value](),
		PayloadSize: len(s.Payload),
		Retries:     retries,
	}
	switch {
	case s.IsData():
		logged.Seq = optional.Some(s.Seq)
	case s.IsAck():
		logged.Ack = optional.Some(s.Ack)
	default:
		logged.Seq = optional.Some(s.Seq)
		if s.Flags.Has(model.FlagACK) {
			logged.Ack = optional.Some(s.Ack)
		}
	}
	return optional.Some(logged)
}

// LoggedSegment tracks metadata about a segment useful to build traces.
type LoggedSegment struct {
	Direction string `json:"operation"`

	// the only fields of the segment we want to log.
	Kind    string                       `json:"kind"`
	SrcPort uint16                       `json:"src_port"`
	DstPort uint16                       `json:"dst_port"`
	Seq     optional.Value[seqnum.Value] `json:"seq"`
	Ack     optional.Value[seqnum.Value] `json:"ack"`

	// PayloadSize is the size of the payload in bytes
	PayloadSize int `json:"payload_size"`

	// Retries keeps track of segment retransmission (only for outgoing segments).
	Retries optional.Value[int] `json:"send_attempts"`
}

// maybeAddTagsFromSegment adds the control flags of the segment, and
// whether it is a retransmission, to the tag array in the passed event.
func maybeAddTagsFromSegment(e *Event, segment *model.Segment, retries int) {
	if segment.IsControl() {
		for _, flag := range strings.Split(segment.Flags.String(), "|") {
			e.Tags = append(e.Tags, strings.ToLower(flag))
		}
	}
	if retries > 0 {
		e.Tags = append(e.Tags, "retransmission")
	}
}
