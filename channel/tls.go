package channel

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"strings"
)

// Peer certificates are only checked for shape here. Whether a certificate is
// trusted is decided per device against the pinned pairing record.
func verifyPeerShape(rawCerts [][]byte, _ [][]*x509.Certificate) error {
	if len(rawCerts) != 1 {
		return fmt.Errorf("%w: got %d certificates", ErrBadCertificate, len(rawCerts))
	}
	cert, err := x509.ParseCertificate(rawCerts[0])
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadCertificate, err)
	}
	if strings.TrimSpace(cert.Subject.CommonName) == "" {
		return fmt.Errorf("%w: empty common name", ErrBadCertificate)
	}
	return nil
}

func clientTLSConfig(cert tls.Certificate) *tls.Config {
	return &tls.Config{
		MinVersion:            tls.VersionTLS12,
		Certificates:          []tls.Certificate{cert},
		InsecureSkipVerify:    true,
		VerifyPeerCertificate: verifyPeerShape,
	}
}

func serverTLSConfig(cert tls.Certificate) *tls.Config {
	return &tls.Config{
		MinVersion:            tls.VersionTLS12,
		Certificates:          []tls.Certificate{cert},
		ClientAuth:            tls.RequireAnyClientCert,
		VerifyPeerCertificate: verifyPeerShape,
	}
}

func peerCertificate(conn *tls.Conn) (*x509.Certificate, error) {
	state := conn.ConnectionState()
	if len(state.PeerCertificates) != 1 {
		return nil, fmt.Errorf("%w: got %d certificates", ErrBadCertificate, len(state.PeerCertificates))
	}
	return state.PeerCertificates[0], nil
}
