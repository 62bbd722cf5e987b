package webauthn

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/sha256"
	"errors"
	"math/big"
	"testing"

	"passkey_relay/internal/cryptographic/signature"
)

func newSoft(t *testing.T) *SoftAuthenticator {
	t.Helper()
	key, err := signature.NewP256Keypair()
	if err != nil {
		t.Fatalf("NewP256Keypair: %v", err)
	}
	return NewSoftAuthenticator(key, []byte("cred-1"), "wallet.example", "https://wallet.example")
}

func TestSoftAssertionVerifies(t *testing.T) {
	auth := newSoft(t)
	challenge := sha256.Sum256([]byte("challenge"))

	a, err := auth.GetAssertion(context.Background(), challenge[:])
	if err != nil {
		t.Fatalf("GetAssertion: %v", err)
	}
	sc, err := a.SignedChallenge(challenge[:])
	if err != nil {
		t.Fatalf("SignedChallenge: %v", err)
	}

	raw, err := auth.PublicKey()
	if err != nil {
		t.Fatalf("PublicKey: %v", err)
	}
	pub := &ecdsa.PublicKey{
		Curve: elliptic.P256(),
		X:     new(big.Int).SetBytes(raw[1:33]),
		Y:     new(big.Int).SetBytes(raw[33:]),
	}
	if !ecdsa.Verify(pub, sc.MessageHash[:], sc.R, sc.S) {
		t.Fatalf("assertion signature does not verify over the message hash")
	}
}

func TestCounterAdvances(t *testing.T) {
	auth := newSoft(t)
	a1, _ := auth.GetAssertion(context.Background(), []byte{1})
	a2, _ := auth.GetAssertion(context.Background(), []byte{1})
	if MessageHash(a1) == MessageHash(a2) {
		t.Fatalf("two assertions produced the same message hash")
	}
}

func TestChallengeMismatch(t *testing.T) {
	auth := newSoft(t)
	a, err := auth.GetAssertion(context.Background(), []byte("expected"))
	if err != nil {
		t.Fatalf("GetAssertion: %v", err)
	}
	if _, err := a.SignedChallenge([]byte("other")); !errors.Is(err, ErrChallengeMismatch) {
		t.Fatalf("expected ErrChallengeMismatch, got %v", err)
	}
}

func TestCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := newSoft(t).GetAssertion(ctx, []byte{1}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
