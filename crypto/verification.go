package crypto

import (
	"bytes"
	"crypto/sha256"
	"crypto/x509"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

const (
	verificationInfo   = "devlink pairing verification"
	verificationKeyLen = 4
)

// VerificationKey derives a short code both sides can compare out of band
// before accepting a pairing. The result is independent of argument order.
func VerificationKey(a, b *x509.Certificate, timestamp int64) (string, error) {
	if a == nil || b == nil {
		return "", errors.New("crypto: verification key needs both certificates")
	}

	first, second := a.RawSubjectPublicKeyInfo, b.RawSubjectPublicKeyInfo
	if bytes.Compare(first, second) > 0 {
		first, second = second, first
	}
	secret := make([]byte, 0, len(first)+len(second))
	secret = append(secret, first...)
	secret = append(secret, second...)

	salt := make([]byte, 8)
	binary.BigEndian.PutUint64(salt, uint64(timestamp))

	reader := hkdf.New(sha256.New, secret, salt, []byte(verificationInfo))
	out := make([]byte, verificationKeyLen)
	if _, err := io.ReadFull(reader, out); err != nil {
		return "", fmt.Errorf("derive verification key: %w", err)
	}
	return strings.ToUpper(hex.EncodeToString(out)), nil
}
