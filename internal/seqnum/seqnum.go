// Package seqnum implements modular sequence number arithmetic.
//
// A [Space] fixes the modulus. Go-back-N connections use [Space32], where
// every uint32 is a valid sequence number; stop-and-wait connections use
// [Space1Bit], where sequence numbers alternate between zero and one.
package seqnum

import (
	"errors"
	"fmt"
)

// Value is a sequence number. Values are only meaningful together with
// the [Space] they belong to.
type Value uint32

// Size is the distance between two sequence numbers.
type Size uint32

// ErrInvalidModulus is returned when constructing a [Space] with an unusable modulus.
var ErrInvalidModulus = errors.New("invalid sequence number modulus")

// MaxModulus is the largest supported modulus.
const MaxModulus = uint64(1) << 32

// Space is a sequence number space with a fixed modulus.
//
// The zero value is invalid; use [NewSpace] or one of the predefined spaces.
type Space struct {
	modulus uint64
}

var (
	// Space32 is the full 32-bit sequence number space.
	Space32 = Space{modulus: MaxModulus}

	// Space1Bit is the alternating-bit space used by stop-and-wait.
	Space1Bit = Space{modulus: 2}
)

// NewSpace returns a [Space] with the given modulus, which must be in [2, 2^32].
func NewSpace(modulus uint64) (Space, error) {
	if modulus < 2 || modulus > MaxModulus {
		return Space{}, fmt.Errorf("%w: %d", ErrInvalidModulus, modulus)
	}
	return Space{modulus: modulus}, nil
}

// Modulus returns the modulus of this space.
func (s Space) Modulus() uint64 {
	return s.modulus
}

// Normalize reduces v into the space.
func (s Space) Normalize(v Value) Value {
	return Value(uint64(v) % s.modulus)
}

// Add returns v+n modulo the space modulus.
func (s Space) Add(v Value, n Size) Value {
	return Value((uint64(v)%s.modulus + uint64(n)%s.modulus) % s.modulus)
}

// Sub returns v-n modulo the space modulus.
func (s Space) Sub(v Value, n Size) Value {
	return Value((uint64(v)%s.modulus + s.modulus - uint64(n)%s.modulus) % s.modulus)
}

// Distance returns how many increments it takes to go from a to b.
func (s Space) Distance(a, b Value) Size {
	return Size((uint64(b)%s.modulus + s.modulus - uint64(a)%s.modulus) % s.modulus)
}

// LessThan reports whether a precedes b. This holds when b is at most
// half the space ahead of a.
func (s Space) LessThan(a, b Value) bool {
	d := uint64(s.Distance(a, b))
	return d > 0 && d <= s.modulus/2
}

// LessThanEq reports whether a precedes or equals b.
func (s Space) LessThanEq(a, b Value) bool {
	return s.Normalize(a) == s.Normalize(b) || s.LessThan(a, b)
}

// InRange reports whether a <= v < b, walking forward from a.
func (s Space) InRange(v, a, b Value) bool {
	return s.Distance(a, v) < s.Distance(a, b)
}

// String implements fmt.Stringer.
func (s Space) String() string {
	return fmt.Sprintf("mod(%d)", s.modulus)
}
