package arqtest

import (
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/peerlink/arq/internal/model"
	"github.com/peerlink/arq/internal/seqnum"
)

// SegmentWriter writes segments into a channel.
type SegmentWriter struct {
	// A channel where to write segments to.
	ch chan<- *model.Segment

	// SrcPort and DstPort are copied into every segment.
	SrcPort uint16
	DstPort uint16

	payload     string
	payloadSize int
}

// NewSegmentWriter creates a new SegmentWriter.
func NewSegmentWriter(ch chan<- *model.Segment) *SegmentWriter {
	return &SegmentWriter{ch: ch}
}

// WriteSequence writes the passed segment sequence (in their string representation)
// to the configured channel. It will wait the specified interval between one segment and the next.
// The input sequence strings will be expanded for range notation, as in [1..10]
func (sw *SegmentWriter) WriteSequence(seq []string) {
	for _, expr := range seq {
		for _, item := range maybeExpand(expr) {
			sw.writeSequenceItem(item)
		}
	}
}

var rangePattern = regexp.MustCompile(`^\[(\d+)\.\.(\d+)\] (.+)`)

// possibly expand a input sequence in range notation for the numbers [1..10]
func maybeExpand(input string) []string {
	matches := rangePattern.FindStringSubmatch(input)
	if len(matches) != 4 {
		// not a range, return the single element
		return []string{input}
	}

	from, err := strconv.Atoi(matches[1])
	if err != nil {
		panic(err)
	}
	to, err := strconv.Atoi(matches[2])
	if err != nil {
		panic(err)
	}

	items := []string{}
	for i := from; i <= to; i++ {
		items = append(items, fmt.Sprintf("[%d] %s", i, matches[3]))
	}
	return items
}

func (sw *SegmentWriter) writeSequenceItem(item string) {
	ts, err := NewTestSegmentFromString(item)
	if err != nil {
		panic("SegmentWriter: error reading test sequence: " + err.Error())
	}
	var seg *model.Segment
	switch ts.Kind {
	case model.KindAck:
		seg = model.NewAck(sw.SrcPort, sw.DstPort, ts.Number)
	default:
		seg = model.NewData(sw.SrcPort, sw.DstPort, ts.Number, sw.nextPayload())
	}
	sw.ch <- seg
	time.Sleep(ts.IAT)
}

func (sw *SegmentWriter) nextPayload() []byte {
	if len(sw.payload) == 0 {
		return []byte{}
	}
	size := min(sw.payloadSize, len(sw.payload))
	p := sw.payload[:size]
	sw.payload = sw.payload[size:]
	return []byte(p)
}

// WriteSequenceWithFixedPayload will write segments according to the sequence specified in seq,
// but will sequentially pick the payload from the passed payload string, in increments defined by size.
func (sw *SegmentWriter) WriteSequenceWithFixedPayload(seq []string, payload string, size int) {
	sw.payload = payload
	sw.payloadSize = size
	sw.WriteSequence(seq)
}

// LoggedSegment is a trace of a received segment.
type LoggedSegment struct {
	Kind model.Kind
	Seq  seqnum.Value
	Ack  seqnum.Value
	At   time.Duration
}

// newLoggedSegment returns a pointer to LoggedSegment from a real segment and a origin of time.
func newLoggedSegment(s *model.Segment, origin time.Time) *LoggedSegment {
	return &LoggedSegment{
		Kind: s.Kind,
		Seq:  s.Seq,
		Ack:  s.Ack,
		At:   time.Since(origin),
	}
}

// SegmentLog is a sequence of LoggedSegment.
type SegmentLog []*LoggedSegment

// SeqSequence returns the sequence numbers of the logged data segments.
func (l SegmentLog) SeqSequence() []seqnum.Value {
	seqs := make([]seqnum.Value, 0)
	for _, s := range l {
		if s.Kind == model.KindData {
			seqs = append(seqs, s.Seq)
		}
	}
	return seqs
}

// ACKs returns the acknowledgment numbers of the logged ack segments, in
// arrival order and without duplicates.
func (l SegmentLog) ACKs() []seqnum.Value {
	acks := []seqnum.Value{}
	for _, s := range l {
		if s.Kind == model.KindAck && !slices.Contains(acks, s.Ack) {
			acks = append(acks, s.Ack)
		}
	}
	return acks
}

// SegmentReader reads segments from a channel.
type SegmentReader struct {
	ch      <-chan *model.Segment
	log     []*LoggedSegment
	payload []byte
}

// NewSegmentReader creates a new SegmentReader.
func NewSegmentReader(ch <-chan *model.Segment) *SegmentReader {
	return &SegmentReader{ch: ch, log: make([]*LoggedSegment, 0)}
}

// Payload returns the concatenated payload of every data segment read so far.
func (sr *SegmentReader) Payload() string {
	return string(sr.payload)
}

// WaitForSequence loops reading from the internal channel until the logged
// data sequence matches the len of the expected sequence; it returns
// true if the obtained sequence matches the expected one.
func (sr *SegmentReader) WaitForSequence(seq []seqnum.Value, start time.Time) bool {
	for len(SegmentLog(sr.log).SeqSequence()) < len(seq) {
		// no, so let's keep reading until the test runner kills us
		sr.appendOneIncomingSegment(start)
	}
	return slices.Equal(seq, SegmentLog(sr.log).SeqSequence())
}

// WaitForNumberOfACKs reads until total distinct acks have been seen.
func (sr *SegmentReader) WaitForNumberOfACKs(total int, start time.Time) {
	for len(SegmentLog(sr.log).ACKs()) < total {
		sr.appendOneIncomingSegment(start)
	}
}

// WaitForOrderedPayloadLen reads until total payload bytes have been seen.
func (sr *SegmentReader) WaitForOrderedPayloadLen(total int, start time.Time) {
	for len(sr.payload) < total {
		sr.appendOneIncomingSegment(start)
	}
}

func (sr *SegmentReader) appendOneIncomingSegment(t0 time.Time) {
	seg := <-sr.ch
	sr.log = append(sr.log, newLoggedSegment(seg, t0))
	if seg.IsData() {
		sr.payload = append(sr.payload, seg.Payload...)
	}
	log.Debugf("arqtest: got %s", seg)
}

// Log returns the log of the received segments.
func (sr *SegmentReader) Log() SegmentLog {
	return SegmentLog(sr.log)
}

// A Witness checks for different conditions over a reader
type Witness struct {
	reader *SegmentReader
}

// NewWitness returns a witness observing r.
func NewWitness(r *SegmentReader) *Witness {
	return &Witness{r}
}

// NewWitnessFromChannel returns a witness observing ch.
func NewWitnessFromChannel(ch <-chan *model.Segment) *Witness {
	return NewWitness(NewSegmentReader(ch))
}

// Log returns the log of the observed segments.
func (w *Witness) Log() SegmentLog {
	return w.reader.Log()
}

// VerifyNumberOfACKs tells the underlying reader to wait for a given number of acks,
// returns true if we have the same number of acks.
func (w *Witness) VerifyNumberOfACKs(total int, t time.Time) bool {
	w.reader.WaitForNumberOfACKs(total, t)
	return len(w.Log().ACKs()) == total
}

// VerifyOrderedPayload waits for len(payload) bytes and compares them.
func (w *Witness) VerifyOrderedPayload(payload string, t time.Time) bool {
	w.reader.WaitForOrderedPayloadLen(len(payload), t)
	return w.reader.Payload() == payload
}

// Payload returns the payload observed so far.
func (w *Witness) Payload() string {
	return w.reader.Payload()
}

// SegmentRelay sends any received segment, without modifications.
type SegmentRelay struct {
	dataIn  <-chan *model.Segment
	dataOut chan<- *model.Segment

	closeOnce sync.Once
	cancel    chan struct{}
}

// NewSegmentRelay returns a relay moving segments from dataIn to dataOut.
func NewSegmentRelay(dataIn <-chan *model.Segment, dataOut chan<- *model.Segment) *SegmentRelay {
	return &SegmentRelay{
		dataIn:  dataIn,
		dataOut: dataOut,
		cancel:  make(chan struct{}),
	}
}

// RelayWithLosses will relay incoming segments according to a vector of sequence numbers
// that must be dropped. To specify repeated losses for a data segment, the vector of
// losses must repeat the number several times. Acks are never dropped.
func (sr *SegmentRelay) RelayWithLosses(losses []seqnum.Value) {
	ctr := makeLossMap(losses)
	for {
		select {
		case <-sr.cancel:
			return
		case s := <-sr.dataIn:
			if s.IsData() && ctr[s.Seq] > 0 {
				log.Debugf("relay: drop %s", s)
				ctr[s.Seq]--
				continue
			}
			log.Debugf("relay: %s", s)
			select {
			case sr.dataOut <- s:
			case <-sr.cancel:
				return
			}
		}
	}
}

// Stop will stop the relay loop.
func (sr *SegmentRelay) Stop() {
	sr.closeOnce.Do(func() {
		close(sr.cancel)
	})
}

// makeLossMap returns how many times we have to observe a given sequence
// number before relaying it.
func makeLossMap(l []seqnum.Value) map[seqnum.Value]int {
	lc := make(map[seqnum.Value]int)
	for _, v := range l {
		lc[v]++
	}
	return lc
}

// AckServer is a dummy go-back-N receiver intended for testing. It reads
// data segments and answers each of them with a cumulative ack, recording
// the payloads it accepted in order.
type AckServer struct {
	dataIn  <-chan *model.Segment
	dataOut chan<- *model.Segment
	space   seqnum.Space

	mu       sync.Mutex
	expected seqnum.Value
	payload  []byte

	closeOnce sync.Once
	cancel    chan struct{}
}

// NewAckServer returns an AckServer expecting irs as the first sequence number.
func NewAckServer(dataIn <-chan *model.Segment, dataOut chan<- *model.Segment, space seqnum.Space, irs seqnum.Value) *AckServer {
	return &AckServer{
		dataIn:   dataIn,
		dataOut:  dataOut,
		space:    space,
		expected: irs,
		cancel:   make(chan struct{}),
	}
}

// Start runs the server until Stop is called.
func (e *AckServer) Start() {
	for {
		select {
		case <-e.cancel:
			return
		case s := <-e.dataIn:
			if !s.IsData() {
				continue
			}
			ack := e.accept(s)
			select {
			case e.dataOut <- model.NewAck(s.DstPort, s.SrcPort, ack):
			case <-e.cancel:
				return
			}
		}
	}
}

func (e *AckServer) accept(s *model.Segment) seqnum.Value {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s.Seq == e.expected {
		e.payload = append(e.payload, s.Payload...)
		e.expected = e.space.Add(e.expected, 1)
	}
	return e.space.Sub(e.expected, 1)
}

// Payload returns the payload accepted so far.
func (e *AckServer) Payload() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return string(e.payload)
}

// Stop will stop the server loop.
func (e *AckServer) Stop() {
	e.closeOnce.Do(func() {
		close(e.cancel)
	})
}
