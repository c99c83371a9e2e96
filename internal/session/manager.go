// Package session implements the connection record: the per-connection
// state shared by the handshake and the reliable transport.
package session

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/peerlink/arq/internal/bytesx"
	"github.com/peerlink/arq/internal/model"
	"github.com/peerlink/arq/internal/optional"
	"github.com/peerlink/arq/internal/seqnum"
)

// randomFn mocks the function to generate random initial sequence numbers.
var randomFn = bytesx.GenRandomUint32

// ErrBadMSS means the peer proposed an MSS we cannot use.
var ErrBadMSS = errors.New("bad mss")

// ResolveRole returns the role to use with the given peers. A statically
// configured role wins. Otherwise the peer with the greater identifier is
// passive and the other one is active.
func ResolveRole(configured model.Role, local, remote model.PeerID) (model.Role, error) {
	switch configured {
	case model.RoleActive, model.RolePassive:
		return configured, nil
	}
	switch {
	case local > remote:
		return model.RolePassive, nil
	case local < remote:
		return model.RoleActive, nil
	default:
		return model.RoleAuto, fmt.Errorf("%w: both peers are %q", model.ErrRoleConflict, local)
	}
}

// Manager is the connection record. The zero value is invalid. Please,
// construct using [NewManager]. This struct is concurrency safe.
type Manager struct {
	id            uuid.UUID
	iss           seqnum.Value
	irs           optional.Value[seqnum.Value]
	localID       model.PeerID
	localMSS      uint16
	localPort     uint16
	logger        model.Logger
	mu            sync.Mutex
	negotiatedMSS optional.Value[uint16]
	remoteID      model.PeerID
	remotePort    uint16
	role          model.Role
	state         model.ConnectionState
	tracer        model.ConnectionTracer
}

// Params identifies the two ends of a connection.
type Params struct {
	// LocalID and RemoteID are the stable peer identifiers.
	LocalID  model.PeerID
	RemoteID model.PeerID

	// LocalPort and RemotePort are the logical ports.
	LocalPort  uint16
	RemotePort uint16
}

// NewManager returns a [Manager] in the S_CLOSED state, with its role
// resolved and its initial sequence number chosen.
func NewManager(logger model.Logger, tracer model.ConnectionTracer, opts *model.Options, p Params) (*Manager, error) {
	role, err := ResolveRole(opts.Role, p.LocalID, p.RemoteID)
	if err != nil {
		return nil, err
	}
	iss, err := initialSequenceNumber(opts)
	if err != nil {
		return nil, err
	}
	return &Manager{
		id:            uuid.New(),
		iss:           iss,
		irs:           optional.None[seqnum.Value](),
		localID:       p.LocalID,
		localMSS:      uint16(opts.MSS()),
		localPort:     p.LocalPort,
		logger:        logger,
		mu:            sync.Mutex{},
		negotiatedMSS: optional.None[uint16](),
		remoteID:      p.RemoteID,
		remotePort:    p.RemotePort,
		role:          role,
		state:         model.S_CLOSED,
		tracer:        tracer,
	}, nil
}

func initialSequenceNumber(opts *model.Options) (seqnum.Value, error) {
	if iss, ok := opts.ISS.Get(); ok {
		return opts.Space().Normalize(seqnum.Value(iss)), nil
	}
	r, err := randomFn()
	if err != nil {
		return 0, fmt.Errorf("cannot generate initial sequence number: %w", err)
	}
	return opts.Space().Normalize(seqnum.Value(r)), nil
}

// ID returns the connection identifier used in logs and traces.
func (m *Manager) ID() uuid.UUID {
	return m.id
}

// Role returns the resolved role.
func (m *Manager) Role() model.Role {
	return m.role
}

// LocalID returns the local peer identifier.
func (m *Manager) LocalID() model.PeerID {
	return m.localID
}

// RemoteID returns the remote peer identifier.
func (m *Manager) RemoteID() model.PeerID {
	return m.remoteID
}

// LocalPort returns the local logical port.
func (m *Manager) LocalPort() uint16 {
	return m.localPort
}

// RemotePort returns the remote logical port.
func (m *Manager) RemotePort() uint16 {
	return m.remotePort
}

// ISS returns our initial sequence number.
func (m *Manager) ISS() seqnum.Value {
	return m.iss
}

// LocalMSS returns the MSS we propose.
func (m *Manager) LocalMSS() uint16 {
	return m.localMSS
}

// IRS returns the peer's initial sequence number, once known.
func (m *Manager) IRS() optional.Value[seqnum.Value] {
	defer m.mu.Unlock()
	m.mu.Lock()
	return m.irs
}

// SetIRS records the peer's initial sequence number.
func (m *Manager) SetIRS(irs seqnum.Value) {
	defer m.mu.Unlock()
	m.mu.Lock()
	m.irs = optional.Some(irs)
}

// NegotiateMSS records the smaller of our MSS and the one the peer proposed.
func (m *Manager) NegotiateMSS(remote uint16) (uint16, error) {
	if remote < model.MinMSS {
		return 0, fmt.Errorf("%w: peer proposed %d", ErrBadMSS, remote)
	}
	mss := min(m.localMSS, remote)
	defer m.mu.Unlock()
	m.mu.Lock()
	m.negotiatedMSS = optional.Some(mss)
	return mss, nil
}

// MSS returns the negotiated MSS, once known.
func (m *Manager) MSS() optional.Value[uint16] {
	defer m.mu.Unlock()
	m.mu.Lock()
	return m.negotiatedMSS
}

// State returns the lifecycle state.
func (m *Manager) State() model.ConnectionState {
	defer m.mu.Unlock()
	m.mu.Lock()
	return m.state
}

// SetState sets the lifecycle state.
func (m *Manager) SetState(st model.ConnectionState) {
	defer m.mu.Unlock()
	m.mu.Lock()
	if st == m.state {
		return
	}
	m.logger.Infof("[@] %s -> %s", m.state, st)
	m.state = st
	m.tracer.OnStateChange(st)
}
