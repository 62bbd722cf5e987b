package webauthn

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"passkey_relay/internal/cryptographic/signature"
)

const pemType = "EC PRIVATE KEY"

// LoadOrCreateKey reads a PEM P-256 key from path, generating and writing
// one when the file does not exist.
func LoadOrCreateKey(path string) (key *ecdsa.PrivateKey, created bool, err error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		key, err = signature.NewP256Keypair()
		if err != nil {
			return nil, false, err
		}
		der, err := x509.MarshalECPrivateKey(key)
		if err != nil {
			return nil, false, err
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, false, err
		}
		out := pem.EncodeToMemory(&pem.Block{Type: pemType, Bytes: der})
		if err := os.WriteFile(path, out, 0o600); err != nil {
			return nil, false, err
		}
		return key, true, nil
	}
	if err != nil {
		return nil, false, err
	}

	block, _ := pem.Decode(data)
	if block == nil || block.Type != pemType {
		return nil, false, fmt.Errorf("%s: no %s block", path, pemType)
	}
	key, err = x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		return nil, false, fmt.Errorf("%s: %w", path, err)
	}
	if key.Curve != elliptic.P256() {
		return nil, false, fmt.Errorf("%s: not a P-256 key", path)
	}
	return key, false, nil
}

// CredentialIDFor derives a stable credential id from the public key.
func CredentialIDFor(key *ecdsa.PrivateKey) []byte {
	pub, err := key.PublicKey.ECDH()
	if err != nil {
		return nil
	}
	sum := sha256.Sum256(pub.Bytes())
	return sum[:16]
}
