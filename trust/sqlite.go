package trust

import (
	"errors"
	"fmt"
	"time"

	"devlink/crypto"
	"devlink/storage"
)

// SQLiteStore persists pairing records in the storage database.
type SQLiteStore struct {
	db *storage.Store
}

// NewSQLiteStore wraps an open storage.Store.
func NewSQLiteStore(db *storage.Store) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// IsPaired implements Store.
func (s *SQLiteStore) IsPaired(deviceID, fingerprint string) (bool, error) {
	rec, ok, err := s.Lookup(deviceID)
	if err != nil || !ok {
		return false, err
	}
	return rec.Fingerprint == fingerprint, nil
}

// Lookup implements Store.
func (s *SQLiteStore) Lookup(deviceID string) (Record, bool, error) {
	row, err := s.db.GetPairing(deviceID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Record{}, false, nil
		}
		return Record{}, false, err
	}
	rec, err := recordFromRow(*row)
	if err != nil {
		return Record{}, false, err
	}
	return rec, true, nil
}

// RecordPairing implements Store.
func (s *SQLiteStore) RecordPairing(rec Record) error {
	if err := validateRecord(rec); err != nil {
		return err
	}
	if rec.TrustedAt.IsZero() {
		rec.TrustedAt = time.Now()
	}
	name := rec.DeviceName
	if name == "" {
		name = rec.DeviceID
	}

	return s.db.SavePairing(storage.Pairing{
		DeviceID:         rec.DeviceID,
		DeviceName:       name,
		DeviceType:       rec.DeviceType,
		CertFingerprint:  rec.Fingerprint,
		CertificatePEM:   string(crypto.EncodeCertificatePEM(rec.Certificate)),
		TrustedTimestamp: rec.TrustedAt.UnixMilli(),
	})
}

// RevokePairing implements Store.
func (s *SQLiteStore) RevokePairing(deviceID string) error {
	if err := s.db.DeletePairing(deviceID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	return nil
}

// Records implements Store.
func (s *SQLiteStore) Records() ([]Record, error) {
	rows, err := s.db.ListPairings()
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(rows))
	for _, row := range rows {
		rec, err := recordFromRow(row)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// RecordEndpoint remembers where a paired device was last reached.
func (s *SQLiteStore) RecordEndpoint(deviceID, address, transport string) error {
	err := s.db.UpdatePairingEndpoint(deviceID, address, transport, 0)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	return err
}

func recordFromRow(row storage.Pairing) (Record, error) {
	cert, err := crypto.ParseCertificatePEM([]byte(row.CertificatePEM))
	if err != nil {
		return Record{}, fmt.Errorf("parse pinned certificate for %q: %w", row.DeviceID, err)
	}
	return Record{
		DeviceID:    row.DeviceID,
		DeviceName:  row.DeviceName,
		DeviceType:  row.DeviceType,
		Fingerprint: row.CertFingerprint,
		Certificate: cert,
		TrustedAt:   time.UnixMilli(row.TrustedTimestamp),
	}, nil
}
