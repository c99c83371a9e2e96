package connection

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/peerlink/arq/internal/model"
	"github.com/peerlink/arq/internal/optional"
	"github.com/peerlink/arq/internal/seqnum"
	"github.com/peerlink/arq/internal/session"
	"github.com/peerlink/arq/pkg/config"
)

const (
	testISS  = 100
	testIRS  = 7
	testPort = 5000
)

var testRemoteAddr = &net.UDPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 1194}

// testOptions returns options where only the timers under test fire.
func testOptions() *model.Options {
	opts := model.NewGoBackNOptions(4)
	opts.ISS = optional.Some(uint32(testISS))
	opts.RetransmissionTimeout = time.Minute
	opts.RetransmissionCheckInterval = time.Minute
	opts.HandshakeTimeout = time.Minute
	opts.IdleTimeout = 0
	return opts
}

type testConn struct {
	*Conn
	t      *testing.T
	out    chan model.OutgoingSegment
	logger *model.TestLogger
}

func newTestConn(t *testing.T, opts *model.Options, role model.Role) *testConn {
	t.Helper()
	logger := model.NewTestLogger()
	opts.Role = role
	out := make(chan model.OutgoingSegment, 64)
	cfg := config.NewConfig(config.WithLogger(logger), config.WithOptions(opts))
	conn, err := New(cfg, Params{
		Session: session.Params{
			LocalID:    "alice",
			RemoteID:   "bob",
			LocalPort:  testPort,
			RemotePort: testPort,
		},
		LocalAddr:  &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 1194},
		RemoteAddr: testRemoteAddr,
		Out:        out,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(conn.Abort)
	return &testConn{Conn: conn, t: t, out: out, logger: logger}
}

// expect returns the next outgoing segment.
func (tc *testConn) expect() *model.Segment {
	tc.t.Helper()
	select {
	case o := <-tc.out:
		if o.Addr != testRemoteAddr {
			tc.t.Fatalf("segment sent to %v", o.Addr)
		}
		return o.Segment
	case <-time.After(5 * time.Second):
		tc.t.Fatal("no outgoing segment")
		return nil
	}
}

// expectControl checks the flags, seq and ack of the next control segment.
func (tc *testConn) expectControl(flags model.Flags, seq, ack seqnum.Value) *model.Segment {
	tc.t.Helper()
	seg := tc.expect()
	if !seg.IsControl() || seg.Flags != flags || seg.Seq != seq || seg.Ack != ack {
		tc.t.Fatalf("expected CTL[%s] {seq=%d, ack=%d}, got %s", flags, seq, ack, seg)
	}
	return seg
}

func (tc *testConn) waitDone() {
	tc.t.Helper()
	select {
	case <-tc.Done():
	case <-time.After(5 * time.Second):
		tc.t.Fatal("connection did not terminate")
	}
}

func (tc *testConn) events() []model.EventType {
	var got []model.EventType
	for ev := range tc.Events() {
		got = append(got, ev.Type)
	}
	return got
}

func (tc *testConn) control(flags model.Flags, seq, ack seqnum.Value, mss uint16) {
	tc.Deliver(model.NewControl(testPort, testPort, flags, seq, ack, mss))
}

// establishActive runs the handshake as the active side.
func (tc *testConn) establishActive(peerMSS uint16) {
	tc.t.Helper()
	tc.Start()
	syn := tc.expectControl(model.FlagSYN|model.FlagActive, testISS, 0)
	if syn.MSS != uint16(tc.options.MSS()) {
		tc.t.Fatalf("SYN proposes mss=%d", syn.MSS)
	}
	tc.control(model.FlagSYN|model.FlagACK|model.FlagPassive, testIRS, testISS, peerMSS)
	tc.expectControl(model.FlagACK, testISS, testIRS)
	if err := tc.WaitEstablished(context.Background()); err != nil {
		tc.t.Fatal(err)
	}
}

func TestConn_activeHandshake(t *testing.T) {
	tc := newTestConn(t, testOptions(), model.RoleActive)
	tc.establishActive(200)
	if tc.State() != model.S_ESTABLISHED {
		t.Fatalf("state = %s", tc.State())
	}
	if tc.MSS() != 200 {
		t.Fatalf("mss = %d", tc.MSS())
	}
	if ev := <-tc.Events(); ev.Type != model.EventHandshakeCompleted {
		t.Fatalf("got event %s", ev)
	}
	if !tc.logger.Contains("[@] S_OPEN_SENT -> S_ESTABLISHED") {
		t.Fatal("missing state transition in logs")
	}
}

func TestConn_passiveHandshake(t *testing.T) {
	tc := newTestConn(t, testOptions(), model.RolePassive)
	tc.Start()
	tc.control(model.FlagSYN|model.FlagActive, testIRS, 0, 2000)
	synAck := tc.expectControl(model.FlagSYN|model.FlagACK|model.FlagPassive, testISS, testIRS)
	if synAck.MSS != uint16(tc.options.MSS()) {
		t.Fatalf("SYN|ACK proposes mss=%d", synAck.MSS)
	}

	// a retransmitted SYN gets the same answer
	tc.control(model.FlagSYN|model.FlagActive, testIRS, 0, 2000)
	tc.expectControl(model.FlagSYN|model.FlagACK|model.FlagPassive, testISS, testIRS)

	tc.control(model.FlagACK, testIRS, testISS, 0)
	if err := tc.WaitEstablished(context.Background()); err != nil {
		t.Fatal(err)
	}
	if tc.MSS() != tc.options.MSS() {
		t.Fatalf("mss = %d", tc.MSS())
	}
}

func TestConn_passiveHandshakeCompletedByData(t *testing.T) {
	tc := newTestConn(t, testOptions(), model.RolePassive)
	tc.Start()
	tc.control(model.FlagSYN|model.FlagActive, testIRS, 0, 500)
	tc.expectControl(model.FlagSYN|model.FlagACK|model.FlagPassive, testISS, testIRS)

	// the final ACK is lost, data arrives first
	tc.Deliver(model.NewData(testPort, testPort, testIRS, []byte("hello")))
	ack := tc.expect()
	if !ack.IsAck() || ack.Ack != testIRS {
		t.Fatalf("expected ACK {ack=%d}, got %s", testIRS, ack)
	}
	got, err := tc.ReadMessage(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff("hello", string(got)); diff != "" {
		t.Fatal(diff)
	}
}

func TestConn_dataTransfer(t *testing.T) {
	tc := newTestConn(t, testOptions(), model.RoleActive)

	// a write issued before the handshake waits for it
	result := make(chan error, 1)
	go func() {
		result <- tc.WriteMessage(context.Background(), []byte("ping"))
	}()
	tc.establishActive(1000)

	data := tc.expect()
	if !data.IsData() || data.Seq != testISS || string(data.Payload) != "ping" {
		t.Fatalf("unexpected segment %s", data)
	}
	tc.Deliver(model.NewAck(testPort, testPort, testISS))
	if err := <-result; err != nil {
		t.Fatal(err)
	}

	tc.Deliver(model.NewData(testPort, testPort, testIRS, []byte("pong")))
	if ack := tc.expect(); !ack.IsAck() || ack.Ack != testIRS {
		t.Fatalf("unexpected segment %s", ack)
	}
	// a duplicate is acknowledged again but not delivered twice
	tc.Deliver(model.NewData(testPort, testPort, testIRS, []byte("pong")))
	if ack := tc.expect(); !ack.IsAck() || ack.Ack != testIRS {
		t.Fatalf("unexpected segment %s", ack)
	}
	tc.Deliver(model.NewData(testPort, testPort, testIRS+1, []byte("!")))
	tc.expect()

	buf := make([]byte, 16)
	var got []byte
	for len(got) < 5 {
		n, err := tc.Read(buf)
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, buf[:n]...)
	}
	if diff := cmp.Diff("pong!", string(got)); diff != "" {
		t.Fatal(diff)
	}
}

func TestConn_writeTooLarge(t *testing.T) {
	tc := newTestConn(t, testOptions(), model.RoleActive)
	tc.establishActive(model.MinMSS)
	err := tc.WriteMessage(context.Background(), make([]byte, model.MinMSS+1))
	if !errors.Is(err, model.ErrMessageTooLarge) {
		t.Fatalf("got %v", err)
	}
}

func TestConn_writeSplitsAtMSS(t *testing.T) {
	tc := newTestConn(t, testOptions(), model.RoleActive)
	tc.establishActive(model.MinMSS)

	payload := make([]byte, 2*model.MinMSS+1)
	type result struct {
		n   int
		err error
	}
	done := make(chan result, 1)
	go func() {
		n, err := tc.Write(payload)
		done <- result{n, err}
	}()
	var sizes []int
	for i := 0; i < 3; i++ {
		seg := tc.expect()
		sizes = append(sizes, len(seg.Payload))
	}
	if diff := cmp.Diff([]int{model.MinMSS, model.MinMSS, 1}, sizes); diff != "" {
		t.Fatal(diff)
	}
	tc.Deliver(model.NewAck(testPort, testPort, testISS+2))
	res := <-done
	if res.err != nil || res.n != len(payload) {
		t.Fatalf("got n=%d err=%v", res.n, res.err)
	}
}

func TestConn_retransmitsWholeWindow(t *testing.T) {
	opts := testOptions()
	opts.RetransmissionTimeout = 200 * time.Millisecond
	tc := newTestConn(t, opts, model.RoleActive)
	tc.establishActive(1000)

	for _, p := range []string{"a", "b", "c"} {
		if _, err := tc.enqueue(context.Background(), []byte(p)); err != nil {
			t.Fatal(err)
		}
	}
	var seqs []seqnum.Value
	for i := 0; i < 6; i++ {
		seqs = append(seqs, tc.expect().Seq)
	}
	expected := []seqnum.Value{testISS, testISS + 1, testISS + 2, testISS, testISS + 1, testISS + 2}
	if diff := cmp.Diff(expected, seqs); diff != "" {
		t.Fatal(diff)
	}
}

func TestConn_handshakeFailures(t *testing.T) {
	type testcase struct {
		name    string
		role    model.Role
		inject  func(tc *testConn)
		wantErr error
	}
	cases := []testcase{{
		name:    "timeout",
		role:    model.RoleActive,
		inject:  func(tc *testConn) {},
		wantErr: model.ErrHandshakeTimeout,
	}, {
		name: "refused",
		role: model.RoleActive,
		inject: func(tc *testConn) {
			tc.control(model.FlagRST, 0, 0, 0)
		},
		wantErr: model.ErrConnectionRefused,
	}, {
		name: "both sides active",
		role: model.RoleActive,
		inject: func(tc *testConn) {
			tc.control(model.FlagSYN|model.FlagActive, testIRS, 0, 1000)
		},
		wantErr: model.ErrRoleConflict,
	}, {
		name: "wrong ack echo",
		role: model.RoleActive,
		inject: func(tc *testConn) {
			tc.control(model.FlagSYN|model.FlagACK|model.FlagPassive, testIRS, testISS+1, 1000)
		},
		wantErr: model.ErrMalformedHandshake,
	}, {
		name: "mss too small",
		role: model.RolePassive,
		inject: func(tc *testConn) {
			tc.control(model.FlagSYN|model.FlagActive, testIRS, 0, model.MinMSS-1)
		},
		wantErr: model.ErrMalformedHandshake,
	}, {
		name: "malformed control segment",
		role: model.RoleActive,
		inject: func(tc *testConn) {
			partial := model.NewControl(testPort, testPort, model.FlagSYN|model.FlagACK, testIRS, testISS, 0)
			tc.DeliverMalformed(model.ErrParseSegment, partial)
		},
		wantErr: model.ErrMalformedHandshake,
	}}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			opts := testOptions()
			opts.HandshakeTimeout = 100 * time.Millisecond
			tc := newTestConn(t, opts, tt.role)
			tc.Start()
			tt.inject(tc)
			tc.waitDone()
			if tc.State() != model.S_FAILED {
				t.Fatalf("state = %s", tc.State())
			}
			if !errors.Is(tc.Err(), tt.wantErr) {
				t.Fatalf("got %v, expected %v", tc.Err(), tt.wantErr)
			}
			if diff := cmp.Diff([]model.EventType{model.EventHandshakeFailed}, tc.events()); diff != "" {
				t.Fatal(diff)
			}
			if err := tc.WaitEstablished(context.Background()); !errors.Is(err, tt.wantErr) {
				t.Fatalf("WaitEstablished returned %v", err)
			}
		})
	}
}

func TestConn_closeIsIdempotent(t *testing.T) {
	tc := newTestConn(t, testOptions(), model.RoleActive)
	tc.establishActive(1000)

	closed := make(chan error, 1)
	go func() {
		closed <- tc.Close()
	}()
	tc.expectControl(model.FlagFIN, 0, 0)
	tc.control(model.FlagFIN|model.FlagACK, 0, 0, 0)
	if err := <-closed; err != nil {
		t.Fatal(err)
	}
	if err := tc.Close(); err != nil {
		t.Fatal(err)
	}
	if tc.State() != model.S_CLOSED {
		t.Fatalf("state = %s", tc.State())
	}
	expected := []model.EventType{model.EventHandshakeCompleted, model.EventClosing}
	if diff := cmp.Diff(expected, tc.events()); diff != "" {
		t.Fatal(diff)
	}
	if _, err := tc.ReadMessage(context.Background()); !errors.Is(err, io.EOF) {
		t.Fatalf("got %v", err)
	}
	if err := tc.WriteMessage(context.Background(), []byte("x")); !errors.Is(err, model.ErrConnectionClosed) {
		t.Fatalf("got %v", err)
	}
}

func TestConn_closeFailsPendingWrites(t *testing.T) {
	opts := testOptions()
	opts.HandshakeTimeout = 100 * time.Millisecond
	tc := newTestConn(t, opts, model.RoleActive)
	tc.establishActive(1000)

	w, err := tc.enqueue(context.Background(), []byte("never acked"))
	if err != nil {
		t.Fatal(err)
	}
	tc.expect()
	// nobody confirms the FIN, the handshake timeout bounds the wait
	if err := tc.Close(); !errors.Is(err, model.ErrCloseNotConfirmed) {
		t.Fatalf("got %v", err)
	}
	if err := tc.Close(); err != nil {
		t.Fatalf("second close returned %v", err)
	}
	if err := <-w.Result(); !errors.Is(err, model.ErrConnectionClosed) {
		t.Fatalf("got %v", err)
	}
}

func TestConn_dataWhileClosing(t *testing.T) {
	tc := newTestConn(t, testOptions(), model.RoleActive)
	tc.establishActive(1000)

	closed := make(chan error, 1)
	go func() {
		closed <- tc.Close()
	}()
	tc.expectControl(model.FlagFIN, 0, 0)

	// data the peer sent before seeing our FIN is still delivered
	tc.Deliver(model.NewData(testPort, testPort, testIRS, []byte("late")))
	if ack := tc.expect(); !ack.IsAck() || ack.Ack != testIRS {
		t.Fatalf("expected ACK {ack=%d}, got %s", testIRS, ack)
	}
	// a duplicate is acknowledged again but not delivered twice
	tc.Deliver(model.NewData(testPort, testPort, testIRS, []byte("late")))
	if ack := tc.expect(); !ack.IsAck() || ack.Ack != testIRS {
		t.Fatalf("expected ACK {ack=%d}, got %s", testIRS, ack)
	}

	tc.control(model.FlagFIN|model.FlagACK, 0, testISS, 0)
	select {
	case err := <-closed:
		if err != nil {
			t.Fatalf("close returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("close did not return")
	}

	got, err := io.ReadAll(tc)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff("late", string(got)); diff != "" {
		t.Fatal(diff)
	}
}

func TestConn_remoteClose(t *testing.T) {
	tc := newTestConn(t, testOptions(), model.RoleActive)
	tc.establishActive(1000)
	tc.Deliver(model.NewData(testPort, testPort, testIRS, []byte("bye")))
	tc.expect()
	tc.control(model.FlagFIN, 0, 0, 0)
	tc.expectControl(model.FlagFIN|model.FlagACK, 0, testIRS)
	tc.waitDone()

	var events []model.Event
	for ev := range tc.Events() {
		events = append(events, ev)
	}
	if len(events) != 2 || events[1].Type != model.EventClosing || !events[1].Remote {
		t.Fatalf("unexpected events %v", events)
	}
	got, err := io.ReadAll(tc)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff("bye", string(got)); diff != "" {
		t.Fatal(diff)
	}
}

func TestConn_reset(t *testing.T) {
	tc := newTestConn(t, testOptions(), model.RoleActive)
	tc.establishActive(1000)
	tc.control(model.FlagRST, 0, 0, 0)
	tc.waitDone()
	if !errors.Is(tc.Err(), model.ErrConnectionReset) {
		t.Fatalf("got %v", tc.Err())
	}
	if _, err := tc.ReadMessage(context.Background()); !errors.Is(err, model.ErrConnectionReset) {
		t.Fatalf("got %v", err)
	}
}

func TestConn_malformedSegments(t *testing.T) {
	opts := testOptions()
	opts.MaxMalformedSegments = 2
	tc := newTestConn(t, opts, model.RoleActive)
	tc.establishActive(1000)

	tc.DeliverMalformed(model.ErrParseSegment, nil)
	tc.DeliverMalformed(model.ErrParseSegment, nil)
	// a valid segment resets the counter
	tc.Deliver(model.NewAck(testPort, testPort, testISS-1))
	tc.DeliverMalformed(model.ErrParseSegment, nil)
	tc.DeliverMalformed(model.ErrParseSegment, nil)

	select {
	case <-tc.Done():
		t.Fatal("connection failed too early")
	case <-time.After(100 * time.Millisecond):
	}

	tc.DeliverMalformed(model.ErrParseSegment, nil)
	tc.waitDone()
	if tc.State() != model.S_FAILED || !errors.Is(tc.Err(), model.ErrProtocolViolation) {
		t.Fatalf("state = %s, err = %v", tc.State(), tc.Err())
	}
}

func TestConn_idleTimeout(t *testing.T) {
	opts := testOptions()
	opts.IdleTimeout = 50 * time.Millisecond
	tc := newTestConn(t, opts, model.RoleActive)
	tc.establishActive(1000)
	tc.expectControl(model.FlagFIN, 0, 0)
	tc.control(model.FlagFIN|model.FlagACK, 0, 0, 0)
	tc.waitDone()
	if tc.State() != model.S_CLOSED || tc.Err() != nil {
		t.Fatalf("state = %s, err = %v", tc.State(), tc.Err())
	}
}

func TestConn_abort(t *testing.T) {
	tc := newTestConn(t, testOptions(), model.RoleActive)
	tc.establishActive(1000)
	tc.Abort()
	tc.expectControl(model.FlagRST, 0, 0)
	if !errors.Is(tc.Err(), model.ErrConnectionClosed) {
		t.Fatalf("got %v", tc.Err())
	}
}

func TestConn_refusedByEndpoint(t *testing.T) {
	opts := testOptions()
	opts.Role = model.RoleActive
	out := make(chan model.OutgoingSegment, 8)
	cfg := config.NewConfig(config.WithLogger(model.NewTestLogger()), config.WithOptions(opts))
	conn, err := New(cfg, Params{
		Session:       session.Params{LocalID: "a", RemoteID: "b", LocalPort: 1, RemotePort: 2},
		RemoteAddr:    testRemoteAddr,
		Out:           out,
		OnEstablished: func(*Conn) bool { return false },
	})
	if err != nil {
		t.Fatal(err)
	}
	conn.Start()
	<-out
	conn.Deliver(model.NewControl(2, 1, model.FlagSYN|model.FlagACK|model.FlagPassive, testIRS, testISS, 1000))
	<-out // ACK
	rst := (<-out).Segment
	if !rst.IsRST() {
		t.Fatalf("expected RST, got %s", rst)
	}
	<-conn.Done()
	if !errors.Is(conn.Err(), model.ErrConnectionRefused) {
		t.Fatalf("got %v", conn.Err())
	}
}
