package trust

import (
	"crypto/x509"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var (
	// ErrFingerprintMismatch indicates a device presented a certificate other than the pinned one.
	ErrFingerprintMismatch = errors.New("trust: certificate fingerprint mismatch")
)

// Record pins one peer certificate to its device id.
type Record struct {
	DeviceID    string
	DeviceName  string
	DeviceType  string
	Fingerprint string
	Certificate *x509.Certificate
	TrustedAt   time.Time
}

// Store persists pairing records.
type Store interface {
	// IsPaired reports whether deviceID is pinned to exactly this fingerprint.
	IsPaired(deviceID, fingerprint string) (bool, error)
	// Lookup returns the pinned record for deviceID, if any.
	Lookup(deviceID string) (Record, bool, error)
	// RecordPairing creates or replaces the record for rec.DeviceID.
	RecordPairing(rec Record) error
	// RevokePairing removes the record. Revoking an unknown device is not an error.
	RevokePairing(deviceID string) error
	// Records lists every pinned record.
	Records() ([]Record, error)
}

// Verdict is the outcome of checking a presented certificate against the store.
type Verdict int

const (
	// VerdictUnknown means no record exists for the device id.
	VerdictUnknown Verdict = iota
	// VerdictTrusted means the presented fingerprint matches the pinned record.
	VerdictTrusted
	// VerdictMismatch means a record exists with a different fingerprint.
	VerdictMismatch
)

func (v Verdict) String() string {
	switch v {
	case VerdictTrusted:
		return "trusted"
	case VerdictMismatch:
		return "mismatch"
	default:
		return "unknown"
	}
}

// Evaluate checks a presented fingerprint for deviceID.
func Evaluate(store Store, deviceID, fingerprint string) (Verdict, Record, error) {
	if store == nil {
		return VerdictUnknown, Record{}, nil
	}
	rec, ok, err := store.Lookup(deviceID)
	if err != nil {
		return VerdictUnknown, Record{}, fmt.Errorf("lookup pairing for %q: %w", deviceID, err)
	}
	if !ok {
		return VerdictUnknown, Record{}, nil
	}
	if rec.Fingerprint != fingerprint {
		return VerdictMismatch, rec, nil
	}
	return VerdictTrusted, rec, nil
}

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

// IsPaired implements Store.
func (s *MemoryStore) IsPaired(deviceID, fingerprint string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[deviceID]
	return ok && rec.Fingerprint == fingerprint, nil
}

// Lookup implements Store.
func (s *MemoryStore) Lookup(deviceID string) (Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[deviceID]
	return rec, ok, nil
}

// RecordPairing implements Store.
func (s *MemoryStore) RecordPairing(rec Record) error {
	if err := validateRecord(rec); err != nil {
		return err
	}
	if rec.TrustedAt.IsZero() {
		rec.TrustedAt = time.Now()
	}

	s.mu.Lock()
	s.records[rec.DeviceID] = rec
	s.mu.Unlock()
	return nil
}

// RevokePairing implements Store.
func (s *MemoryStore) RevokePairing(deviceID string) error {
	s.mu.Lock()
	delete(s.records, deviceID)
	s.mu.Unlock()
	return nil
}

// Records implements Store.
func (s *MemoryStore) Records() ([]Record, error) {
	s.mu.RLock()
	out := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out, nil
}

func validateRecord(rec Record) error {
	if rec.DeviceID == "" {
		return errors.New("trust: record device id is required")
	}
	if rec.Fingerprint == "" {
		return errors.New("trust: record fingerprint is required")
	}
	if rec.Certificate == nil {
		return errors.New("trust: record certificate is required")
	}
	return nil
}
