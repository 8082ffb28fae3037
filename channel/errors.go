package channel

import (
	"errors"
	"fmt"
)

var (
	// ErrChannelClosed is returned by Send and Receive once a channel has terminated.
	ErrChannelClosed = errors.New("channel: closed")
	// ErrIdentityMismatch indicates the identity packet does not match the TLS certificate.
	ErrIdentityMismatch = errors.New("channel: identity does not match certificate")
	// ErrBadCertificate indicates the peer did not present exactly one usable certificate.
	ErrBadCertificate = errors.New("channel: unusable peer certificate")
	// ErrPayloadUnsupported indicates the transport cannot carry out-of-band payloads.
	ErrPayloadUnsupported = errors.New("channel: payload transfer unsupported on this transport")
	// ErrPayloadPeerMismatch indicates a payload connection came from an unexpected certificate.
	ErrPayloadPeerMismatch = errors.New("channel: payload peer certificate mismatch")
)

// ConnectError reports a failed dial, accept, or handshake.
type ConnectError struct {
	Kind    Kind
	Address string
	Op      string
	Err     error
}

func (e *ConnectError) Error() string {
	if e.Address == "" {
		return fmt.Sprintf("channel: %s %s: %v", e.Kind, e.Op, e.Err)
	}
	return fmt.Sprintf("channel: %s %s %s: %v", e.Kind, e.Op, e.Address, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}
