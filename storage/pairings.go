package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

const pairingColumns = `
	device_id,
	device_name,
	device_type,
	cert_fingerprint,
	certificate_pem,
	trusted_timestamp,
	last_seen_timestamp,
	last_address,
	last_transport`

// SavePairing inserts or replaces the pairing record for a device.
//
// Replacing keeps last-seen endpoint data only when the fingerprint is unchanged.
func (s *Store) SavePairing(p Pairing) error {
	if strings.TrimSpace(p.DeviceID) == "" {
		return errors.New("device_id is required")
	}
	if strings.TrimSpace(p.DeviceName) == "" {
		return errors.New("device_name is required")
	}
	if p.CertFingerprint == "" {
		return errors.New("cert_fingerprint is required")
	}
	if p.CertificatePEM == "" {
		return errors.New("certificate_pem is required")
	}
	if p.DeviceType == "" {
		p.DeviceType = "desktop"
	}
	if p.LastTransport != nil {
		if err := validateTransport(*p.LastTransport); err != nil {
			return err
		}
	}
	if p.TrustedTimestamp == 0 {
		p.TrustedTimestamp = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO pairings (`+pairingColumns+`
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			device_name = excluded.device_name,
			device_type = excluded.device_type,
			last_seen_timestamp = CASE
				WHEN pairings.cert_fingerprint = excluded.cert_fingerprint
				THEN COALESCE(excluded.last_seen_timestamp, pairings.last_seen_timestamp)
				ELSE excluded.last_seen_timestamp
			END,
			last_address = CASE
				WHEN pairings.cert_fingerprint = excluded.cert_fingerprint
				THEN COALESCE(excluded.last_address, pairings.last_address)
				ELSE excluded.last_address
			END,
			last_transport = CASE
				WHEN pairings.cert_fingerprint = excluded.cert_fingerprint
				THEN COALESCE(excluded.last_transport, pairings.last_transport)
				ELSE excluded.last_transport
			END,
			cert_fingerprint = excluded.cert_fingerprint,
			certificate_pem = excluded.certificate_pem,
			trusted_timestamp = excluded.trusted_timestamp`,
		p.DeviceID,
		p.DeviceName,
		p.DeviceType,
		p.CertFingerprint,
		p.CertificatePEM,
		p.TrustedTimestamp,
		nullInt64(p.LastSeenTimestamp),
		nullString(p.LastAddress),
		nullString(p.LastTransport),
	)
	if err != nil {
		return fmt.Errorf("save pairing %q: %w", p.DeviceID, err)
	}
	return nil
}

// GetPairing fetches the pairing record for a device.
func (s *Store) GetPairing(deviceID string) (*Pairing, error) {
	row := s.db.QueryRow(
		`SELECT`+pairingColumns+`
		FROM pairings
		WHERE device_id = ?`,
		deviceID,
	)

	p, err := scanPairing(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get pairing %q: %w", deviceID, err)
	}
	return p, nil
}

// ListPairings returns all pairing records sorted by device name.
func (s *Store) ListPairings() ([]Pairing, error) {
	rows, err := s.db.Query(
		`SELECT` + pairingColumns + `
		FROM pairings
		ORDER BY device_name, device_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("list pairings: %w", err)
	}
	defer rows.Close()

	pairings := make([]Pairing, 0)
	for rows.Next() {
		p, err := scanPairing(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pairing row: %w", err)
		}
		pairings = append(pairings, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pairing rows: %w", err)
	}
	return pairings, nil
}

// DeletePairing removes the pairing record for a device.
func (s *Store) DeletePairing(deviceID string) error {
	if deviceID == "" {
		return errors.New("device_id is required")
	}

	res, err := s.db.Exec(`DELETE FROM pairings WHERE device_id = ?`, deviceID)
	if err != nil {
		return fmt.Errorf("delete pairing %q: %w", deviceID, err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for delete pairing %q: %w", deviceID, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdatePairingEndpoint records where a paired device was last reached.
func (s *Store) UpdatePairingEndpoint(deviceID, address, transport string, lastSeenTimestamp int64) error {
	if deviceID == "" {
		return errors.New("device_id is required")
	}
	if strings.TrimSpace(address) == "" {
		return errors.New("address is required")
	}
	if err := validateTransport(transport); err != nil {
		return err
	}
	if lastSeenTimestamp <= 0 {
		lastSeenTimestamp = nowUnixMilli()
	}

	res, err := s.db.Exec(
		`UPDATE pairings
		SET last_address = ?,
		    last_transport = ?,
		    last_seen_timestamp = ?
		WHERE device_id = ?`,
		address,
		transport,
		lastSeenTimestamp,
		deviceID,
	)
	if err != nil {
		return fmt.Errorf("update pairing endpoint %q: %w", deviceID, err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for pairing endpoint %q: %w", deviceID, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func scanPairing(row scanner) (*Pairing, error) {
	var (
		p             Pairing
		lastSeen      sql.NullInt64
		lastAddress   sql.NullString
		lastTransport sql.NullString
	)
	if err := row.Scan(
		&p.DeviceID,
		&p.DeviceName,
		&p.DeviceType,
		&p.CertFingerprint,
		&p.CertificatePEM,
		&p.TrustedTimestamp,
		&lastSeen,
		&lastAddress,
		&lastTransport,
	); err != nil {
		return nil, err
	}

	p.LastSeenTimestamp = int64Ptr(lastSeen)
	p.LastAddress = stringPtr(lastAddress)
	p.LastTransport = stringPtr(lastTransport)
	return &p, nil
}
