package cipher

import (
	"errors"
	"fmt"

	"passkey_relay/internal/codec"
	"passkey_relay/internal/cryptographic/encryption"
	"passkey_relay/internal/model"
)

var ErrDecryptFailure = errors.New("decrypt failure")

// EncryptContent serializes payload canonically and seals it under secret
// with a fresh IV.
func EncryptContent(payload any, secret []byte) (*model.EncryptedContent, error) {
	plain, err := codec.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encrypt content: %w", err)
	}
	iv, ct, err := encryption.AEADSeal(secret, plain, nil)
	if err != nil {
		return nil, fmt.Errorf("encrypt content: %w", err)
	}
	return &model.EncryptedContent{IV: iv, CipherText: ct}, nil
}

// DecryptContent opens sealed and restores the payload. Any failure,
// including a plaintext that does not decode, is ErrDecryptFailure.
func DecryptContent(sealed *model.EncryptedContent, secret []byte) (any, error) {
	if sealed == nil {
		return nil, fmt.Errorf("%w: nothing to decrypt", ErrDecryptFailure)
	}
	plain, err := encryption.AEADOpen(secret, sealed.IV, sealed.CipherText, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptFailure, err)
	}
	payload, err := codec.Unmarshal(plain)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptFailure, err)
	}
	return payload, nil
}
