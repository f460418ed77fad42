package errors

import "errors"

var (
	ErrTimeout          = errors.New("timeout")
	ErrConnectionClosed = errors.New("connection closed")

	// ErrLockDenied reports that another owner holds a live write lease.
	// Manager.Acquire returns false instead; the sentinel is for callers that
	// need to surface the denial as an error.
	ErrLockDenied = errors.New("tether: lock denied")
	// ErrLockTimeout is returned when waiting for a lease exceeded the caller's bound.
	ErrLockTimeout = errors.New("tether: lock wait timed out")
	// ErrChannelUnavailable is the terminal status of the push channel once
	// reconnection attempts are exhausted.
	ErrChannelUnavailable = errors.New("tether: sync channel unavailable")
	// ErrNotConnected is returned by operations that need a live push channel.
	ErrNotConnected = errors.New("tether: sync channel not connected")
	// ErrStoreUnavailable wraps failures of the local durable store.
	ErrStoreUnavailable = errors.New("tether: local store unavailable")
	// ErrMalformedMessage marks inbound push messages that were dropped.
	ErrMalformedMessage = errors.New("tether: malformed message")
)
