package reliabletransport

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/peerlink/arq/internal/model"
	"github.com/peerlink/arq/internal/seqnum"
)

func TestReceiver_OnData(t *testing.T) {
	tests := []struct {
		name          string
		irs           uint32
		inputSequence []uint32
		wantDelivered []uint32
		wantAcks      []uint32
	}{
		{
			name:          "in order",
			irs:           0,
			inputSequence: []uint32{0, 1, 2},
			wantDelivered: []uint32{0, 1, 2},
			wantAcks:      []uint32{0, 1, 2},
		},
		{
			name:          "reordered segments are dropped and re-acknowledged",
			irs:           0,
			inputSequence: []uint32{1, 0, 2, 1},
			wantDelivered: []uint32{0, 1},
			wantAcks:      []uint32{4294967295, 0, 0, 1},
		},
		{
			name:          "duplicates are delivered once",
			irs:           5,
			inputSequence: []uint32{5, 5, 6, 6, 7},
			wantDelivered: []uint32{5, 6, 7},
			wantAcks:      []uint32{5, 5, 6, 6, 7},
		},
		{
			name:          "across the wraparound point",
			irs:           4294967294,
			inputSequence: []uint32{4294967294, 4294967295, 0, 1},
			wantDelivered: []uint32{4294967294, 4294967295, 0, 1},
			wantAcks:      []uint32{4294967294, 4294967295, 0, 1},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewReceiver(model.NewTestLogger(), model.NewOptions(), 2, 1)
			r.Activate(seqnum.Value(tt.irs))
			delivered := []uint32{}
			acks := []uint32{}
			for _, seq := range tt.inputSequence {
				seg := model.NewData(1, 2, seqnum.Value(seq), []byte(fmt.Sprint(seq)))
				payload, ok, ack := r.OnData(seg)
				if ok {
					if string(payload) != fmt.Sprint(seq) {
						t.Fatalf("unexpected payload %q", payload)
					}
					delivered = append(delivered, seq)
				}
				acks = append(acks, uint32(ack.Ack))
			}
			if diff := cmp.Diff(tt.wantDelivered, delivered); diff != "" {
				t.Error(diff)
			}
			if diff := cmp.Diff(tt.wantAcks, acks); diff != "" {
				t.Error(diff)
			}
		})
	}
}

func TestReceiver_inactive(t *testing.T) {
	r := NewReceiver(model.NewTestLogger(), model.NewOptions(), 2, 1)
	payload, delivered, ack := r.OnData(model.NewData(1, 2, 0, []byte("x")))
	if payload != nil || delivered || ack != nil {
		t.Fatal("an inactive receiver must ignore data")
	}
}

// lossyLink shuffles, duplicates and drops segments with a fixed seed.
type lossyLink struct {
	rnd      *rand.Rand
	lossRate float64
	dupRate  float64
	queue    []*model.Segment
}

func (l *lossyLink) push(segments ...*model.Segment) {
	for _, seg := range segments {
		if l.rnd.Float64() < l.lossRate {
			continue
		}
		l.queue = append(l.queue, seg)
		if l.rnd.Float64() < l.dupRate {
			l.queue = append(l.queue, seg)
		}
	}
	l.rnd.Shuffle(len(l.queue), func(i, j int) {
		l.queue[i], l.queue[j] = l.queue[j], l.queue[i]
	})
}

func (l *lossyLink) drain() []*model.Segment {
	out := l.queue
	l.queue = nil
	return out
}

// test that whatever the link does to the segments, the application sees
// the original sequence with no gaps and no duplicates.
func TestReliable_inOrderDeliveryOverALossyLink(t *testing.T) {
	tests := []struct {
		name string
		opts *model.Options
		iss  uint32
	}{
		{"go-back-n", model.NewGoBackNOptions(5), 0},
		{"go-back-n across the wraparound point", model.NewGoBackNOptions(4), 4294967290},
		{"stop-and-wait", model.NewStopAndWaitOptions(), 1},
	}
	for _, tt := range tests {
		for seed := int64(1); seed <= 5; seed++ {
			t.Run(fmt.Sprintf("%s/seed=%d", tt.name, seed), func(t *testing.T) {
				rnd := rand.New(rand.NewSource(seed))
				forward := &lossyLink{rnd: rnd, lossRate: 0.2, dupRate: 0.1}
				backward := &lossyLink{rnd: rnd, lossRate: 0.2, dupRate: 0.1}

				timer := &fakeTimer{}
				sender := NewSender(model.NewTestLogger(), tt.opts, timer, 1, 2)
				receiver := NewReceiver(model.NewTestLogger(), tt.opts, 2, 1)
				sender.Activate(seqnum.Value(tt.iss), 100)
				receiver.Activate(seqnum.Value(tt.iss))

				const total = 50
				want := make([]string, 0, total)
				for i := 0; i < total; i++ {
					payload := fmt.Sprintf("message-%d", i)
					want = append(want, payload)
					forward.push(sender.Enqueue(NewWrite([]byte(payload)))...)
				}

				got := []string{}
				for round := 0; round < 10000 && len(got) < total; round++ {
					for _, seg := range forward.drain() {
						payload, ok, ack := receiver.OnData(seg)
						if ok {
							got = append(got, string(payload))
						}
						backward.push(ack)
					}
					for _, ack := range backward.drain() {
						forward.push(sender.OnAck(ack.Ack)...)
					}
					if timer.Armed() {
						forward.push(sender.OnTimeout()...)
					}
				}
				if diff := cmp.Diff(want, got); diff != "" {
					t.Fatal(diff)
				}
			})
		}
	}
}
