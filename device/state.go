package device

import (
	"fmt"
	"time"
)

// State is the combined pairing and connection state of a device.
type State int

const (
	StateUnpaired State = iota
	StatePairingRequestedIncoming
	StatePairingRequestedOutgoing
	StatePairedDisconnected
	StatePairedConnected
)

func (s State) String() string {
	switch s {
	case StateUnpaired:
		return "unpaired"
	case StatePairingRequestedIncoming:
		return "pairing-requested-incoming"
	case StatePairingRequestedOutgoing:
		return "pairing-requested-outgoing"
	case StatePairedDisconnected:
		return "paired-disconnected"
	case StatePairedConnected:
		return "paired-connected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText renders the state name in JSON and logs.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Paired reports whether the state carries a pinned certificate.
func (s State) Paired() bool {
	return s == StatePairedConnected || s == StatePairedDisconnected
}

// EventType classifies manager events.
type EventType string

const (
	EventStateChanged     EventType = "state_changed"
	EventPairingRequested EventType = "pairing_requested"
	EventTrustViolation   EventType = "trust_violation"
	EventPeerUnreachable  EventType = "peer_unreachable"
)

// Event is published on Manager.Events.
type Event struct {
	Type            EventType `json:"type"`
	DeviceID        string    `json:"deviceId"`
	DeviceName      string    `json:"deviceName,omitempty"`
	State           State     `json:"state"`
	VerificationKey string    `json:"verificationKey,omitempty"`
	Error           string    `json:"error,omitempty"`
	Time            time.Time `json:"time"`
}

// PairingRequest describes an incoming pairing request awaiting a decision.
type PairingRequest struct {
	DeviceID        string
	DeviceName      string
	DeviceType      string
	Fingerprint     string
	VerificationKey string
}

// Info is a point-in-time view of a device.
type Info struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Type           string    `json:"type"`
	State          State     `json:"state"`
	Connected      bool      `json:"connected"`
	Transport      string    `json:"transport,omitempty"`
	Address        string    `json:"address,omitempty"`
	Fingerprint    string    `json:"fingerprint,omitempty"`
	ActiveIncoming []string  `json:"activeIncoming"`
	ActiveOutgoing []string  `json:"activeOutgoing"`
	LastSeen       time.Time `json:"lastSeen,omitempty"`
	PairedAt       time.Time `json:"pairedAt,omitempty"`
}
