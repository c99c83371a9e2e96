package model

import (
	"fmt"
	"time"

	"github.com/peerlink/arq/internal/optional"
	"github.com/peerlink/arq/internal/seqnum"
)

// Role is the handshake role of a connection.
type Role int

const (
	// RoleAuto derives the role by comparing peer identifiers.
	RoleAuto = Role(iota)

	// RoleActive always opens the connection.
	RoleActive

	// RolePassive always waits for the peer to open the connection.
	RolePassive
)

// String implements fmt.Stringer.
func (r Role) String() string {
	switch r {
	case RoleAuto:
		return "auto"
	case RoleActive:
		return "active"
	case RolePassive:
		return "passive"
	default:
		return "invalid"
	}
}

// NewRoleFromString parses a role name.
func NewRoleFromString(s string) (Role, error) {
	switch s {
	case "", "auto":
		return RoleAuto, nil
	case "active":
		return RoleActive, nil
	case "passive":
		return RolePassive, nil
	default:
		return RoleAuto, fmt.Errorf("%w: unknown role %q", ErrInvalidOptions, s)
	}
}

// PeerID is a stable identifier for a peer. Roles are resolved by comparing
// the identifiers of the two peers.
type PeerID string

// MinMSS is the smallest MSS a connection accepts.
const MinMSS = 16

// Default protocol parameters.
const (
	DefaultWindowSize                  = 8
	DefaultRetransmissionTimeout       = 500 * time.Millisecond
	DefaultRetransmissionCheckInterval = 100 * time.Millisecond
	DefaultHandshakeTimeout            = 10 * time.Second
	DefaultIdleTimeout                 = 60 * time.Second
	DefaultPathMTU                     = 1400
	DefaultLowerLayerOverhead          = 64
	DefaultMaxMalformedSegments        = 3
)

// Options contains the protocol parameters of a connection.
type Options struct {
	// WindowSize is the maximum number of unacknowledged data segments.
	WindowSize int

	// SequenceModulus is the size of the sequence number space.
	SequenceModulus uint64

	// RetransmissionTimeout is how long we wait for an ACK before
	// retransmitting the whole window.
	RetransmissionTimeout time.Duration

	// RetransmissionCheckInterval is the period used to retransmit
	// unanswered control segments.
	RetransmissionCheckInterval time.Duration

	// HandshakeTimeout bounds both the handshake and the close confirmation.
	HandshakeTimeout time.Duration

	// IdleTimeout closes an established connection without inbound
	// traffic. Zero disables it.
	IdleTimeout time.Duration

	// PathMTU is the largest datagram the underlying channel carries.
	PathMTU int

	// LowerLayerOverhead is the per-datagram overhead of the layers below us.
	LowerLayerOverhead int

	// Role is the handshake role.
	Role Role

	// MaxMalformedSegments is the number of consecutive undecodable datagrams
	// tolerated on an established connection.
	MaxMalformedSegments int

	// ISS fixes the initial sequence number. When empty a random one is used.
	ISS optional.Value[uint32]
}

// NewGoBackNOptions returns the default options with the given window size.
func NewGoBackNOptions(windowSize int) *Options {
	return &Options{
		WindowSize:                  windowSize,
		SequenceModulus:             seqnum.MaxModulus,
		RetransmissionTimeout:       DefaultRetransmissionTimeout,
		RetransmissionCheckInterval: DefaultRetransmissionCheckInterval,
		HandshakeTimeout:            DefaultHandshakeTimeout,
		IdleTimeout:                 DefaultIdleTimeout,
		PathMTU:                     DefaultPathMTU,
		LowerLayerOverhead:          DefaultLowerLayerOverhead,
		Role:                        RoleAuto,
		MaxMalformedSegments:        DefaultMaxMalformedSegments,
		ISS:                         optional.None[uint32](),
	}
}

// NewStopAndWaitOptions returns the default options for stop-and-wait, which
// is go-back-N with a window of one and an alternating-bit sequence space.
func NewStopAndWaitOptions() *Options {
	o := NewGoBackNOptions(1)
	o.SequenceModulus = 2
	return o
}

// NewOptions returns the default go-back-N options.
func NewOptions() *Options {
	return NewGoBackNOptions(DefaultWindowSize)
}

// MSS returns the largest payload a data segment may carry.
func (o *Options) MSS() int {
	return o.PathMTU - o.LowerLayerOverhead - SegmentHeaderSize
}

// Space returns the sequence number space.
func (o *Options) Space() seqnum.Space {
	space, err := seqnum.NewSpace(o.SequenceModulus)
	if err != nil {
		return seqnum.Space32
	}
	return space
}

// Validate returns an error wrapping [ErrInvalidOptions] when the options
// cannot drive a connection.
func (o *Options) Validate() error {
	if _, err := seqnum.NewSpace(o.SequenceModulus); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidOptions, err)
	}
	if o.WindowSize < 1 {
		return fmt.Errorf("%w: window size must be at least one", ErrInvalidOptions)
	}
	// with a window as large as the space the receiver cannot tell a new
	// segment from a retransmission
	if uint64(o.WindowSize) >= o.SequenceModulus {
		return fmt.Errorf("%w: window size %d does not fit modulus %d",
			ErrInvalidOptions, o.WindowSize, o.SequenceModulus)
	}
	if o.RetransmissionTimeout <= 0 || o.RetransmissionCheckInterval <= 0 || o.HandshakeTimeout <= 0 {
		return fmt.Errorf("%w: timeouts must be positive", ErrInvalidOptions)
	}
	if o.IdleTimeout < 0 {
		return fmt.Errorf("%w: negative idle timeout", ErrInvalidOptions)
	}
	if mss := o.MSS(); mss < MinMSS || mss > 0xffff {
		return fmt.Errorf("%w: mss %d out of range", ErrInvalidOptions, mss)
	}
	if o.MaxMalformedSegments < 0 {
		return fmt.Errorf("%w: negative malformed segments threshold", ErrInvalidOptions)
	}
	if o.Role < RoleAuto || o.Role > RolePassive {
		return fmt.Errorf("%w: bad role", ErrInvalidOptions)
	}
	return nil
}
