package domain

import "errors"

// Per-connection failures are strictly local: none of these ever affects the
// instance or another connection. There is no retry at this layer.
var (
	// ErrBadCredentials fails instance start-up; no connections are accepted.
	ErrBadCredentials = errors.New("invalid encryption method or password")
	// ErrHandshake covers cipher-pair or header-encrypt failures during connect.
	ErrHandshake = errors.New("relay handshake failed")
	// ErrConnect is a transport-level connect failure to the relay.
	ErrConnect = errors.New("relay connect failed")
	// ErrPayloadMismatch means the transport flushed an optimistic-payload
	// length different from what was requested; a partial send the layer
	// cannot safely recover from.
	ErrPayloadMismatch = errors.New("unexpected length of optimistic payload sent")
	// ErrAnomalousState is an event observed outside the expected state.
	ErrAnomalousState = errors.New("event outside expected connection state")
)
