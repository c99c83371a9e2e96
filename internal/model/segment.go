package model

//
// Segment
//
// Parsing and serializing transport segments.
//

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"

	"github.com/peerlink/arq/internal/bytesx"
	"github.com/peerlink/arq/internal/seqnum"
)

// SegmentHeaderSize is the size of the fixed segment header in bytes.
//
// The header layout is: kind (1), flags (1), source port (2), destination
// port (2), seq (4), ack (4), mss (2), payload length (2). All integers
// are big-endian.
const SegmentHeaderSize = 18

// Kind is the segment kind.
type Kind byte

// Segment kinds.
const (
	KindData    = Kind(iota + 1) // 1
	KindAck                      // 2
	KindControl                  // 3
)

// String returns the kind string representation.
func (k Kind) String() string {
	switch k {
	case KindData:
		return "DATA"
	case KindAck:
		return "ACK"
	case KindControl:
		return "CTL"
	default:
		return "UNKNOWN"
	}
}

// Flags are the control flags carried by a segment.
type Flags byte

// Control flags.
const (
	FlagSYN = Flags(1 << iota)
	FlagACK
	FlagFIN
	FlagRST

	// FlagActive marks a SYN sent by the opening side.
	FlagActive

	// FlagPassive marks a SYN sent by the accepting side.
	FlagPassive
)

const validFlags = FlagSYN | FlagACK | FlagFIN | FlagRST | FlagActive | FlagPassive

// Has returns whether all the bits in f are set.
func (fl Flags) Has(f Flags) bool {
	return fl&f == f
}

// String returns a "SYN|ACK" like representation of the flags.
func (fl Flags) String() string {
	names := []struct {
		f    Flags
		name string
	}{
		{FlagSYN, "SYN"},
		{FlagACK, "ACK"},
		{FlagFIN, "FIN"},
		{FlagRST, "RST"},
		{FlagActive, "ACTIVE"},
		{FlagPassive, "PASSIVE"},
	}
	var out []string
	for _, n := range names {
		if fl.Has(n.f) {
			out = append(out, n.name)
		}
	}
	if len(out) == 0 {
		return "-"
	}
	return strings.Join(out, "|")
}

// Segment is a transport segment.
type Segment struct {
	// Kind is the segment kind.
	Kind Kind

	// Flags contains the control flags. Only control segments carry flags.
	Flags Flags

	// SrcPort is the sender's port.
	SrcPort uint16

	// DstPort is the receiver's port.
	DstPort uint16

	// Seq is the sequence number of a data segment, or the initial
	// sequence number carried by a SYN.
	Seq seqnum.Value

	// Ack is the cumulative acknowledgment, or the echoed initial
	// sequence number for SYN|ACK and ACK control segments.
	Ack seqnum.Value

	// MSS is the maximum segment size proposed by a SYN.
	MSS uint16

	// Payload is the segment payload. Only data segments have a payload.
	Payload []byte
}

// NewData returns a new data segment.
func NewData(srcPort, dstPort uint16, seq seqnum.Value, payload []byte) *Segment {
	return &Segment{
		Kind:    KindData,
		SrcPort: srcPort,
		DstPort: dstPort,
		Seq:     seq,
		Payload: payload,
	}
}

// NewAck returns a new cumulative acknowledgment segment.
func NewAck(srcPort, dstPort uint16, ack seqnum.Value) *Segment {
	return &Segment{
		Kind:    KindAck,
		SrcPort: srcPort,
		DstPort: dstPort,
		Ack:     ack,
		Payload: []byte{},
	}
}

// NewControl returns a new control segment.
func NewControl(srcPort, dstPort uint16, flags Flags, seq, ack seqnum.Value, mss uint16) *Segment {
	return &Segment{
		Kind:    KindControl,
		Flags:   flags,
		SrcPort: srcPort,
		DstPort: dstPort,
		Seq:     seq,
		Ack:     ack,
		MSS:     mss,
		Payload: []byte{},
	}
}

// IsData returns true if this is a data segment.
func (s *Segment) IsData() bool {
	return s.Kind == KindData
}

// IsAck returns true if this is a cumulative acknowledgment segment.
func (s *Segment) IsAck() bool {
	return s.Kind == KindAck
}

// IsControl returns true if this is a control segment.
func (s *Segment) IsControl() bool {
	return s.Kind == KindControl
}

// IsSYN returns true for control segments with the SYN flag.
func (s *Segment) IsSYN() bool {
	return s.IsControl() && s.Flags.Has(FlagSYN)
}

// IsRST returns true for control segments with the RST flag.
func (s *Segment) IsRST() bool {
	return s.IsControl() && s.Flags.Has(FlagRST)
}

// ErrSegmentTooShort indicates that a datagram is shorter than a segment header.
var ErrSegmentTooShort = errors.New("arq: segment too short")

// ErrParseSegment is a generic segment parse error which may be further qualified.
var ErrParseSegment = errors.New("arq: segment parse error")

// ErrMarshalSegment is the error returned when we cannot marshal a segment.
var ErrMarshalSegment = errors.New("arq: cannot marshal segment")

// ParseSegment parses a segment from a datagram. It never reads past the end
// of buf. When the fixed header could be decoded but the rest of the segment
// is invalid, it returns the partially decoded segment along with the error,
// so that callers can still figure out which connection it was meant for.
func ParseSegment(buf []byte) (*Segment, error) {
	if len(buf) < SegmentHeaderSize {
		return nil, fmt.Errorf("%w: got %d bytes", ErrSegmentTooShort, len(buf))
	}

	// the header size is fixed so reads below cannot fail
	rd := bytes.NewBuffer(buf)
	kindByte, _ := rd.ReadByte()
	flagsByte, _ := rd.ReadByte()
	srcPort, _ := bytesx.ReadUint16(rd)
	dstPort, _ := bytesx.ReadUint16(rd)
	seq, _ := bytesx.ReadUint32(rd)
	ack, _ := bytesx.ReadUint32(rd)
	mss, _ := bytesx.ReadUint16(rd)
	length, _ := bytesx.ReadUint16(rd)

	s := &Segment{
		Kind:    Kind(kindByte),
		Flags:   Flags(flagsByte),
		SrcPort: srcPort,
		DstPort: dstPort,
		Seq:     seqnum.Value(seq),
		Ack:     seqnum.Value(ack),
		MSS:     mss,
		Payload: []byte{},
	}

	if rd.Len() != int(length) {
		return s, fmt.Errorf("%w: declared length %d, have %d bytes", ErrParseSegment, length, rd.Len())
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(rd, payload); err != nil {
		return s, fmt.Errorf("%w: bad payload: %s", ErrParseSegment, err)
	}
	s.Payload = payload

	if err := s.validate(); err != nil {
		return s, fmt.Errorf("%w: %s", ErrParseSegment, err)
	}
	return s, nil
}

var (
	errUnknownKind       = errors.New("unknown kind")
	errUnexpectedPayload = errors.New("unexpected payload")
	errUnexpectedFlags   = errors.New("unexpected flags")
	errMissingMSS        = errors.New("SYN without mss")
)

// validate checks the invariants that the wire format cannot express.
func (s *Segment) validate() error {
	if s.Flags&^validFlags != 0 {
		return fmt.Errorf("%w: %#x", errUnexpectedFlags, byte(s.Flags))
	}
	switch s.Kind {
	case KindData:
		if s.Flags != 0 {
			return fmt.Errorf("%w: data segment with %s", errUnexpectedFlags, s.Flags)
		}
	case KindAck:
		if s.Flags != 0 {
			return fmt.Errorf("%w: ack segment with %s", errUnexpectedFlags, s.Flags)
		}
		if len(s.Payload) != 0 {
			return fmt.Errorf("%w: ack segment with %d bytes", errUnexpectedPayload, len(s.Payload))
		}
	case KindControl:
		if len(s.Payload) != 0 {
			return fmt.Errorf("%w: control segment with %d bytes", errUnexpectedPayload, len(s.Payload))
		}
		if s.Flags&(FlagSYN|FlagACK|FlagFIN|FlagRST) == 0 {
			return fmt.Errorf("%w: control segment without control flags", errUnexpectedFlags)
		}
		if s.Flags.Has(FlagActive | FlagPassive) {
			return fmt.Errorf("%w: both role flags set", errUnexpectedFlags)
		}
		if s.Flags&(FlagActive|FlagPassive) != 0 && !s.Flags.Has(FlagSYN) {
			return fmt.Errorf("%w: role flag without SYN", errUnexpectedFlags)
		}
		if s.Flags.Has(FlagSYN) && s.MSS == 0 {
			return errMissingMSS
		}
	default:
		return fmt.Errorf("%w: %d", errUnknownKind, s.Kind)
	}
	return nil
}

// Bytes returns a byte array that is ready to be sent on the wire.
func (s *Segment) Bytes() ([]byte, error) {
	if len(s.Payload) > math.MaxUint16 {
		return nil, fmt.Errorf("%w: payload too large (%d bytes)", ErrMarshalSegment, len(s.Payload))
	}
	if err := s.validate(); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMarshalSegment, err)
	}
	buf := &bytes.Buffer{}
	buf.Grow(SegmentHeaderSize + len(s.Payload))
	buf.WriteByte(byte(s.Kind))
	buf.WriteByte(byte(s.Flags))
	bytesx.WriteUint16(buf, s.SrcPort)
	bytesx.WriteUint16(buf, s.DstPort)
	bytesx.WriteUint32(buf, uint32(s.Seq))
	bytesx.WriteUint32(buf, uint32(s.Ack))
	bytesx.WriteUint16(buf, s.MSS)
	bytesx.WriteUint16(buf, uint16(len(s.Payload)))
	buf.Write(s.Payload)
	return buf.Bytes(), nil
}

// String implements fmt.Stringer.
func (s *Segment) String() string {
	switch s.Kind {
	case KindData:
		return fmt.Sprintf("DATA {seq=%d} %d->%d [%d bytes]", s.Seq, s.SrcPort, s.DstPort, len(s.Payload))
	case KindAck:
		return fmt.Sprintf("ACK {ack=%d} %d->%d", s.Ack, s.SrcPort, s.DstPort)
	default:
		return fmt.Sprintf("%s[%s] {seq=%d, ack=%d, mss=%d} %d->%d",
			s.Kind, s.Flags, s.Seq, s.Ack, s.MSS, s.SrcPort, s.DstPort)
	}
}

// Log writes an entry in the passed logger with a representation of this segment.
func (s *Segment) Log(logger Logger, direction Direction) {
	var dir string
	switch direction {
	case DirectionIncoming:
		dir = "<"
	case DirectionOutgoing:
		dir = ">"
	default:
		logger.Warnf("wrong direction: %d", direction)
		return
	}
	logger.Debugf("%s %s", dir, s)
}
