package meshcrypto

import (
	"crypto/ecdh"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"strings"
)

const keyLen = 32

// DecodeKey normalizes curve key material to its raw 32-byte form. Accepted
// encodings: raw 32 bytes, base64, hex, and PEM-wrapped PKCS#8 X25519 private
// keys.
func DecodeKey(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("%w: empty", ErrKeyFormat)
	}

	if strings.Contains(s, "-----BEGIN") {
		return decodePEMKey(s)
	}

	if len(s) == keyLen {
		return []byte(s), nil
	}

	if len(s) == 2*keyLen {
		if b, err := hex.DecodeString(s); err == nil {
			return b, nil
		}
	}

	if b, err := base64.StdEncoding.DecodeString(s); err == nil && len(b) == keyLen {
		return b, nil
	}

	return nil, fmt.Errorf("%w: %d chars", ErrKeyFormat, len(s))
}

func decodePEMKey(s string) ([]byte, error) {
	block, _ := pem.Decode([]byte(s))
	if block == nil {
		return nil, fmt.Errorf("%w: bad PEM", ErrKeyFormat)
	}

	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrKeyFormat, err)
	}

	priv, ok := parsed.(*ecdh.PrivateKey)
	if !ok || priv.Curve() != ecdh.X25519() {
		return nil, fmt.Errorf("%w: not an X25519 key", ErrKeyFormat)
	}

	return priv.Bytes(), nil
}
