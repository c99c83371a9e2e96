package model

import "errors"

var (
	// ErrConnectionClosed is returned to writes that could not complete
	// because the connection was closed.
	ErrConnectionClosed = errors.New("arq: connection closed")

	// ErrHandshakeTimeout means the handshake did not complete in time.
	ErrHandshakeTimeout = errors.New("arq: handshake timeout")

	// ErrMalformedHandshake means the peer sent an invalid handshake segment.
	ErrMalformedHandshake = errors.New("arq: malformed handshake")

	// ErrRoleConflict means both peers claimed the same role.
	ErrRoleConflict = errors.New("arq: role conflict")

	// ErrConnectionRefused means the peer answered our SYN with a RST.
	ErrConnectionRefused = errors.New("arq: connection refused")

	// ErrConnectionReset means the peer aborted an established connection.
	ErrConnectionReset = errors.New("arq: connection reset")

	// ErrProtocolViolation means the peer kept sending undecodable segments.
	ErrProtocolViolation = errors.New("arq: protocol violation")

	// ErrMessageTooLarge means a message does not fit into a single segment.
	ErrMessageTooLarge = errors.New("arq: message too large")

	// ErrCloseNotConfirmed means the peer did not confirm our FIN in time.
	ErrCloseNotConfirmed = errors.New("arq: close not confirmed by peer")

	// ErrWriteCancelled is the result of a write cancelled before transmission.
	ErrWriteCancelled = errors.New("arq: write cancelled")

	// ErrInvalidOptions means the protocol options are inconsistent.
	ErrInvalidOptions = errors.New("arq: invalid options")
)
