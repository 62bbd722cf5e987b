package dh

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

var ErrInvalidPublicKey = errors.New("invalid P-256 public key")

// Generate a new P-256 ECDH key pair
func NewP256KeyPair() (*ecdh.PrivateKey, error) {
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate private key: %w", err)
	}
	return priv, nil
}

// P256SharedSecret returns the raw ECDH x-coordinate, which is also what
// WebCrypto's deriveKey hands to AES-GCM for a 256-bit key.
func P256SharedSecret(priv *ecdh.PrivateKey, pub *ecdh.PublicKey) ([]byte, error) {
	if priv == nil || pub == nil {
		return nil, errors.New("ecdh: missing key")
	}
	return priv.ECDH(pub)
}

func ConvertToECDHFormat(privKey []byte) (*ecdh.PrivateKey, error) {
	return ecdh.P256().NewPrivateKey(privKey)
}

// ExportPublicKeyHex encodes pub as hex of its SPKI DER form.
func ExportPublicKeyHex(pub *ecdh.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("marshal spki: %w", err)
	}
	return hex.EncodeToString(der), nil
}

// ImportPublicKeyHex accepts SPKI DER hex or a raw uncompressed point in hex.
func ImportPublicKeyHex(s string) (*ecdh.PublicKey, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) == 0 {
		return nil, fmt.Errorf("%w: not hex", ErrInvalidPublicKey)
	}

	if len(raw) == 65 && raw[0] == 0x04 {
		pub, err := ecdh.P256().NewPublicKey(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
		}
		return pub, nil
	}

	parsed, err := x509.ParsePKIXPublicKey(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	switch key := parsed.(type) {
	case *ecdh.PublicKey:
		if key.Curve() != ecdh.P256() {
			return nil, fmt.Errorf("%w: wrong curve", ErrInvalidPublicKey)
		}
		return key, nil
	case *ecdsa.PublicKey:
		pub, err := key.ECDH()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
		}
		if pub.Curve() != ecdh.P256() {
			return nil, fmt.Errorf("%w: wrong curve", ErrInvalidPublicKey)
		}
		return pub, nil
	default:
		return nil, fmt.Errorf("%w: unsupported key type %T", ErrInvalidPublicKey, parsed)
	}
}
