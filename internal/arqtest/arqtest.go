// Package arqtest provides utilities for arq testing.
package arqtest

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/peerlink/arq/internal/model"
	"github.com/peerlink/arq/internal/seqnum"
)

// TestSegment is used to simulate incoming segments over the network. The goal is to be able to
// have a compact representation of a sequence of segments, their kind, and extra properties like
// inter-arrival time.
type TestSegment struct {
	// Kind is the segment kind (only data and ack are supported).
	Kind model.Kind

	// Number is the sequence number for data segments and the
	// acknowledgment number for ack segments.
	Number seqnum.Value

	// IAT is the inter-arrival time until the next segment is received.
	IAT time.Duration
}

var errBadTestSegment = errors.New("arqtest: invalid test segment")

// NewTestSegmentFromString parses a test segment. The string is in the form:
// "[42] DATA +10ms" or "[41] ACK +0ms".
func NewTestSegmentFromString(s string) (*TestSegment, error) {
	parts := strings.Split(s, " +")
	if len(parts) != 2 {
		return nil, fmt.Errorf("%w: missing inter-arrival time: %s", errBadTestSegment, s)
	}

	head := strings.Split(parts[0], " ")
	if len(head) != 2 {
		return nil, fmt.Errorf("%w: invalid format for number-kind: %s", errBadTestSegment, parts[0])
	}

	n, err := strconv.ParseUint(strings.Trim(head[0], "[]"), 10, 32)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse number: %v", errBadTestSegment, err)
	}

	var kind model.Kind
	switch head[1] {
	case "DATA":
		kind = model.KindData
	case "ACK":
		kind = model.KindAck
	default:
		return nil, fmt.Errorf("%w: unknown kind: %s", errBadTestSegment, head[1])
	}

	iat, err := time.ParseDuration(parts[1])
	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse duration: %v", errBadTestSegment, err)
	}

	return &TestSegment{Kind: kind, Number: seqnum.Value(n), IAT: iat}, nil
}
