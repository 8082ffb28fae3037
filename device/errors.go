package device

import (
	"errors"
	"fmt"

	"devlink/trust"
)

var (
	// ErrUnknownDevice indicates no device with the given id is registered.
	ErrUnknownDevice = errors.New("device: unknown device")
	// ErrNotPaired indicates an operation that requires a paired device.
	ErrNotPaired = errors.New("device: not paired")
	// ErrNotConnected indicates the device has no live channel.
	ErrNotConnected = errors.New("device: not connected")
	// ErrAlreadyPaired indicates a pairing request for a device that is already trusted.
	ErrAlreadyPaired = errors.New("device: already paired")
	// ErrNoPendingRequest indicates an accept or reject without an incoming request.
	ErrNoPendingRequest = errors.New("device: no pending pairing request")
	// ErrPairingSuperseded indicates the channel a pairing request was made on
	// has been replaced, so the request can no longer complete.
	ErrPairingSuperseded = errors.New("device: pairing request superseded by a new channel")
	// ErrSelfConnection indicates a channel whose peer is the host itself.
	ErrSelfConnection = errors.New("device: refusing channel to self")
	// ErrManagerClosed indicates the manager has shut down.
	ErrManagerClosed = errors.New("device: manager closed")

	errEvicted = errors.New("device: evicted")
)

// TrustViolationError reports a channel whose certificate differs from the pinned one.
type TrustViolationError struct {
	DeviceID  string
	Pinned    string
	Presented string
}

func (e *TrustViolationError) Error() string {
	return fmt.Sprintf("device: %s presented certificate %s, pinned %s", e.DeviceID, e.Presented, e.Pinned)
}

func (e *TrustViolationError) Unwrap() error {
	return trust.ErrFingerprintMismatch
}
