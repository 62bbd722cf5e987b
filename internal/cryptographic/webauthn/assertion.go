package webauthn

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"passkey_relay/internal/cryptographic/signature"
	"passkey_relay/internal/model"
)

const TypeGet = "webauthn.get"

var ErrChallengeMismatch = errors.New("webauthn: clientDataJSON does not carry the requested challenge")

type (
	// Assertion is what a platform authenticator returns for navigator.credentials.get.
	Assertion struct {
		CredentialID      []byte
		AuthenticatorData []byte
		ClientDataJSON    []byte
		Signature         []byte // DER or raw r||s
	}

	clientData struct {
		Type        string `json:"type"`
		Challenge   string `json:"challenge"`
		Origin      string `json:"origin"`
		CrossOrigin bool   `json:"crossOrigin"`
	}
)

// MessageHash is the digest the authenticator actually signed:
// sha256(authenticatorData || sha256(clientDataJSON)).
func MessageHash(a Assertion) [32]byte {
	clientHash := sha256.Sum256(a.ClientDataJSON)
	h := sha256.New()
	h.Write(a.AuthenticatorData)
	h.Write(clientHash[:])

	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// VerifyChallenge checks that the assertion was produced for challenge.
func VerifyChallenge(a Assertion, challenge []byte) error {
	var cd clientData
	if err := json.Unmarshal(a.ClientDataJSON, &cd); err != nil {
		return fmt.Errorf("webauthn: parse clientDataJSON: %w", err)
	}
	if cd.Type != TypeGet {
		return fmt.Errorf("webauthn: unexpected client data type %q", cd.Type)
	}
	got, err := base64.RawURLEncoding.DecodeString(cd.Challenge)
	if err != nil {
		return fmt.Errorf("webauthn: decode challenge: %w", err)
	}
	if !bytes.Equal(got, challenge) {
		return ErrChallengeMismatch
	}
	return nil
}

// SignedChallenge checks the assertion against challenge and turns it into
// the (digest, r, s) triple the recovery engine consumes.
func (a Assertion) SignedChallenge(challenge []byte) (model.SignedChallenge, error) {
	if err := VerifyChallenge(a, challenge); err != nil {
		return model.SignedChallenge{}, err
	}
	r, s, err := signature.Parse(a.Signature)
	if err != nil {
		return model.SignedChallenge{}, err
	}
	return model.SignedChallenge{MessageHash: MessageHash(a), R: r, S: s}, nil
}
