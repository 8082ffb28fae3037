package crypto

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"math/big"
	"os"
	"strings"
	"time"
)

const (
	certificatePEMType = "CERTIFICATE"
	privateKeyPEMType  = "EC PRIVATE KEY"

	certificateOrganization = "devlink"
	certificateValidity     = 10 * 365 * 24 * time.Hour
)

var (
	// ErrIdentityMismatch indicates a stored certificate does not belong to the configured device id.
	ErrIdentityMismatch = errors.New("crypto: certificate common name does not match device id")
	// ErrNoCommonName indicates a certificate without a subject common name.
	ErrNoCommonName = errors.New("crypto: certificate has no common name")
)

// EnsureCertificate loads the host certificate and key from disk, generating both on first run.
func EnsureCertificate(certPath, keyPath, deviceID string) (tls.Certificate, error) {
	cert, err := LoadCertificate(certPath, keyPath)
	if err == nil {
		leaf, parseErr := x509.ParseCertificate(cert.Certificate[0])
		if parseErr != nil {
			return tls.Certificate{}, fmt.Errorf("parse stored certificate: %w", parseErr)
		}
		if leaf.Subject.CommonName != deviceID {
			return tls.Certificate{}, fmt.Errorf("%w: have %q want %q", ErrIdentityMismatch, leaf.Subject.CommonName, deviceID)
		}
		cert.Leaf = leaf
		return cert, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return tls.Certificate{}, err
	}

	cert, err = GenerateCertificate(deviceID)
	if err != nil {
		return tls.Certificate{}, err
	}
	if err := SaveCertificate(certPath, keyPath, cert); err != nil {
		return tls.Certificate{}, err
	}
	return cert, nil
}

// GenerateCertificate creates a self-signed ECDSA P-256 certificate whose common name is deviceID.
func GenerateCertificate(deviceID string) (tls.Certificate, error) {
	if strings.TrimSpace(deviceID) == "" {
		return tls.Certificate{}, errors.New("device id is required")
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("generate ECDSA key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 127))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("generate serial number: %w", err)
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:         deviceID,
			Organization:       []string{certificateOrganization},
			OrganizationalUnit: []string{certificateOrganization},
		},
		NotBefore:             now.Add(-365 * 24 * time.Hour),
		NotAfter:              now.Add(certificateValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("create certificate: %w", err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("parse generated certificate: %w", err)
	}

	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  key,
		Leaf:        leaf,
	}, nil
}

// LoadCertificate reads a PEM certificate and PEM private key.
func LoadCertificate(certPath, keyPath string) (tls.Certificate, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("read certificate: %w", err)
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("read private key: %w", err)
	}

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("decode certificate pair: %w", err)
	}
	return cert, nil
}

// SaveCertificate writes the certificate PEM (0644) and private key PEM (0600).
func SaveCertificate(certPath, keyPath string, cert tls.Certificate) error {
	if len(cert.Certificate) == 0 {
		return errors.New("save certificate: empty chain")
	}
	key, ok := cert.PrivateKey.(*ecdsa.PrivateKey)
	if !ok {
		return fmt.Errorf("save certificate: unsupported key type %T", cert.PrivateKey)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return fmt.Errorf("marshal private key: %w", err)
	}

	keyBlock := &pem.Block{Type: privateKeyPEMType, Bytes: keyDER}
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(keyBlock), 0o600); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}
	certBlock := &pem.Block{Type: certificatePEMType, Bytes: cert.Certificate[0]}
	if err := os.WriteFile(certPath, pem.EncodeToMemory(certBlock), 0o644); err != nil {
		return fmt.Errorf("write certificate: %w", err)
	}
	return nil
}

// ParseCertificatePEM decodes a single PEM certificate.
func ParseCertificatePEM(raw []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, errors.New("decode certificate PEM: no PEM block")
	}
	if block.Type != certificatePEMType {
		return nil, fmt.Errorf("decode certificate PEM: unexpected type %q", block.Type)
	}
	return x509.ParseCertificate(block.Bytes)
}

// EncodeCertificatePEM encodes a certificate as PEM.
func EncodeCertificatePEM(cert *x509.Certificate) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: certificatePEMType, Bytes: cert.Raw})
}

// CommonName returns the certificate's subject common name.
func CommonName(cert *x509.Certificate) (string, error) {
	if cert == nil {
		return "", errors.New("crypto: nil certificate")
	}
	cn := strings.TrimSpace(cert.Subject.CommonName)
	if cn == "" {
		return "", ErrNoCommonName
	}
	return cn, nil
}

// Fingerprint returns the lowercase hex SHA-256 digest of the certificate DER.
func Fingerprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return hex.EncodeToString(sum[:])
}

// FormatFingerprint returns fingerprint text grouped in chunks of 4 uppercase chars.
func FormatFingerprint(fingerprint string) string {
	clean := strings.ToUpper(strings.ReplaceAll(fingerprint, " ", ""))
	if clean == "" {
		return ""
	}

	var b strings.Builder
	for i := 0; i < len(clean); i += 4 {
		if i > 0 {
			b.WriteByte(' ')
		}
		end := min(i+4, len(clean))
		b.WriteString(clean[i:end])
	}
	return b.String()
}
