package webauthn

import (
	"context"
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"

	"passkey_relay/internal/cryptographic/signature"
)

// flagUserPresent | flagUserVerified
const assertionFlags = 0x01 | 0x04

// Authenticator is the passkey signing boundary.
type Authenticator interface {
	GetAssertion(ctx context.Context, challenge []byte) (Assertion, error)
}

// SoftAuthenticator is a P-256 passkey held in process memory. It produces
// assertions with the same byte layout a platform authenticator does.
type SoftAuthenticator struct {
	key          *ecdsa.PrivateKey
	credentialID []byte
	rpIDHash     [32]byte
	origin       string

	mu      sync.Mutex
	counter uint32
}

func NewSoftAuthenticator(key *ecdsa.PrivateKey, credentialID []byte, rpID, origin string) *SoftAuthenticator {
	return &SoftAuthenticator{
		key:          key,
		credentialID: append([]byte(nil), credentialID...),
		rpIDHash:     sha256.Sum256([]byte(rpID)),
		origin:       origin,
	}
}

func (a *SoftAuthenticator) CredentialID() []byte {
	return append([]byte(nil), a.credentialID...)
}

// PublicKey returns the uncompressed point, as enrollment would report it.
func (a *SoftAuthenticator) PublicKey() ([]byte, error) {
	pub, err := a.key.PublicKey.ECDH()
	if err != nil {
		return nil, err
	}
	return pub.Bytes(), nil
}

func (a *SoftAuthenticator) GetAssertion(ctx context.Context, challenge []byte) (Assertion, error) {
	if err := ctx.Err(); err != nil {
		return Assertion{}, err
	}

	a.mu.Lock()
	a.counter++
	counter := a.counter
	a.mu.Unlock()

	authData := make([]byte, 37)
	copy(authData, a.rpIDHash[:])
	authData[32] = assertionFlags
	binary.BigEndian.PutUint32(authData[33:], counter)

	clientDataJSON, err := json.Marshal(clientData{
		Type:      TypeGet,
		Challenge: base64.RawURLEncoding.EncodeToString(challenge),
		Origin:    a.origin,
	})
	if err != nil {
		return Assertion{}, err
	}

	assertion := Assertion{
		CredentialID:      a.CredentialID(),
		AuthenticatorData: authData,
		ClientDataJSON:    clientDataJSON,
	}
	digest := MessageHash(assertion)
	r, s, err := signature.P256Sign(a.key, digest[:])
	if err != nil {
		return Assertion{}, fmt.Errorf("passkey sign: %w", err)
	}
	der, err := signature.MarshalDER(r, s)
	if err != nil {
		return Assertion{}, err
	}
	assertion.Signature = der
	return assertion, nil
}
