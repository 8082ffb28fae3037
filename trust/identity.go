package trust

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"strings"
	"sync"

	"devlink/crypto"
	"devlink/protocol"
)

// Identity is the host's long-lived device identity.
type Identity struct {
	DeviceID    string
	DeviceName  string
	DeviceType  string
	Certificate tls.Certificate
	Leaf        *x509.Certificate
	Fingerprint string
}

// IdentityManager lazily loads or generates the host identity and caches it.
type IdentityManager struct {
	certPath   string
	keyPath    string
	deviceID   string
	deviceName string
	deviceType string

	mu       sync.Mutex
	identity *Identity
}

// NewIdentityManager returns a manager for the identity stored at certPath/keyPath.
func NewIdentityManager(certPath, keyPath, deviceID, deviceName, deviceType string) *IdentityManager {
	if deviceType == "" {
		deviceType = protocol.DeviceTypeDesktop
	}
	return &IdentityManager{
		certPath:   certPath,
		keyPath:    keyPath,
		deviceID:   deviceID,
		deviceName: deviceName,
		deviceType: deviceType,
	}
}

// CurrentIdentity returns the host identity, generating and persisting it on first use.
func (m *IdentityManager) CurrentIdentity() (Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.identity != nil {
		return *m.identity, nil
	}
	if !protocol.ValidDeviceID(m.deviceID) {
		return Identity{}, fmt.Errorf("trust: invalid device id %q", m.deviceID)
	}
	name := protocol.SanitizeDeviceName(m.deviceName)
	if name == "" {
		return Identity{}, errors.New("trust: device name is required")
	}

	cert, err := crypto.EnsureCertificate(m.certPath, m.keyPath, m.deviceID)
	if err != nil {
		return Identity{}, fmt.Errorf("load host certificate: %w", err)
	}
	identity, err := identityFromCertificate(cert, name, m.deviceType)
	if err != nil {
		return Identity{}, err
	}
	m.identity = &identity
	return identity, nil
}

// NewEphemeralIdentity builds an in-memory identity, used by tests and one-off tools.
func NewEphemeralIdentity(deviceID, deviceName, deviceType string) (Identity, error) {
	cert, err := crypto.GenerateCertificate(deviceID)
	if err != nil {
		return Identity{}, err
	}
	if deviceType == "" {
		deviceType = protocol.DeviceTypeDesktop
	}
	return identityFromCertificate(cert, deviceName, deviceType)
}

func identityFromCertificate(cert tls.Certificate, name, deviceType string) (Identity, error) {
	leaf := cert.Leaf
	if leaf == nil {
		parsed, err := x509.ParseCertificate(cert.Certificate[0])
		if err != nil {
			return Identity{}, fmt.Errorf("parse host certificate: %w", err)
		}
		leaf = parsed
		cert.Leaf = parsed
	}
	cn, err := crypto.CommonName(leaf)
	if err != nil {
		return Identity{}, err
	}
	return Identity{
		DeviceID:    strings.TrimSpace(cn),
		DeviceName:  name,
		DeviceType:  deviceType,
		Certificate: cert,
		Leaf:        leaf,
		Fingerprint: crypto.Fingerprint(leaf),
	}, nil
}
