package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
	// ErrUnknownSecurityEvent indicates an event type outside the pairing lifecycle.
	ErrUnknownSecurityEvent = errors.New("storage: unknown security event type")
)

const (
	// TransportTCP marks an endpoint reached over TLS-over-TCP.
	TransportTCP = "tcp"
	// TransportBluetooth marks an endpoint reached over Bluetooth RFCOMM.
	TransportBluetooth = "bluetooth"
)

const (
	// SecuritySeverityInfo indicates informational security event context.
	SecuritySeverityInfo = "info"
	// SecuritySeverityWarning indicates potentially suspicious behavior.
	SecuritySeverityWarning = "warning"
	// SecuritySeverityCritical indicates serious security failures.
	SecuritySeverityCritical = "critical"
)

// Security event types written by the device layer.
const (
	SecurityEventTrustViolation  = "trust_violation"
	SecurityEventPairingAccepted = "pairing_accepted"
	SecurityEventPairingRejected = "pairing_rejected"
	SecurityEventPairingTimeout  = "pairing_timeout"
	SecurityEventUnpaired        = "unpaired"
)

// Pairing is the SQLite representation of a pinned peer certificate.
type Pairing struct {
	DeviceID          string
	DeviceName        string
	DeviceType        string
	CertFingerprint   string
	CertificatePEM    string
	TrustedTimestamp  int64
	LastSeenTimestamp *int64
	LastAddress       *string
	LastTransport     *string
}

// SecurityEvent stores structured security-relevant runtime events.
type SecurityEvent struct {
	ID           int64
	EventType    string
	PeerDeviceID *string
	Details      string
	Severity     string
	Timestamp    int64
}

// SecurityEventFilter narrows GetSecurityEvents query results.
type SecurityEventFilter struct {
	EventType     string
	PeerDeviceID  string
	Severity      string
	FromTimestamp *int64
	ToTimestamp   *int64
	Limit         int
	Offset        int
}

type scanner interface {
	Scan(dest ...any) error
}

func validateTransport(transport string) error {
	switch transport {
	case TransportTCP, TransportBluetooth:
		return nil
	default:
		return fmt.Errorf("invalid transport %q", transport)
	}
}

// securityEventSeverity maps each event type to the severity used when the
// caller leaves it empty.
var securityEventSeverity = map[string]string{
	SecurityEventTrustViolation:  SecuritySeverityCritical,
	SecurityEventPairingAccepted: SecuritySeverityInfo,
	SecurityEventPairingRejected: SecuritySeverityInfo,
	SecurityEventPairingTimeout:  SecuritySeverityInfo,
	SecurityEventUnpaired:        SecuritySeverityInfo,
}

func validateSecurityEventType(eventType string) error {
	if _, ok := securityEventSeverity[eventType]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownSecurityEvent, eventType)
	}
	return nil
}

func validateSecuritySeverity(severity string) error {
	switch severity {
	case SecuritySeverityInfo, SecuritySeverityWarning, SecuritySeverityCritical:
		return nil
	default:
		return fmt.Errorf("invalid security event severity %q", severity)
	}
}

func nullString(ptr *string) sql.NullString {
	if ptr == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *ptr, Valid: true}
}

func nullInt64(ptr *int64) sql.NullInt64 {
	if ptr == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *ptr, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func int64Ptr(ni sql.NullInt64) *int64 {
	if !ni.Valid {
		return nil
	}
	v := ni.Int64
	return &v
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
