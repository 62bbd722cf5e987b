package keyagreement

import (
	"bytes"
	"errors"
	"testing"

	"passkey_relay/internal/cryptographic/dh"
)

func mustKey(t *testing.T) *Manager {
	t.Helper()
	priv, err := dh.NewP256KeyPair()
	if err != nil {
		t.Fatalf("NewP256KeyPair: %v", err)
	}
	return NewManagerWithKey(priv)
}

func TestSharedSecretRequiresPeer(t *testing.T) {
	m := NewManager()
	if _, err := m.SharedSecret(); !errors.Is(err, ErrNoPeerKey) {
		t.Fatalf("expected ErrNoPeerKey, got %v", err)
	}
}

func TestSharedSecretMatchesPeerAndIsMemoized(t *testing.T) {
	wallet, dapp := mustKey(t), mustKey(t)

	dappPub, err := dapp.OwnPublicKey()
	if err != nil {
		t.Fatalf("OwnPublicKey: %v", err)
	}
	walletPub, err := wallet.OwnPublicKey()
	if err != nil {
		t.Fatalf("OwnPublicKey: %v", err)
	}
	if err := wallet.SetPeerPublicKey(dappPub); err != nil {
		t.Fatalf("SetPeerPublicKey: %v", err)
	}
	if err := dapp.SetPeerPublicKey(walletPub); err != nil {
		t.Fatalf("SetPeerPublicKey: %v", err)
	}

	s1, err := wallet.SharedSecret()
	if err != nil {
		t.Fatalf("SharedSecret: %v", err)
	}
	s2, err := wallet.SharedSecret()
	if err != nil {
		t.Fatalf("SharedSecret: %v", err)
	}
	peer, err := dapp.SharedSecret()
	if err != nil {
		t.Fatalf("peer SharedSecret: %v", err)
	}
	if !bytes.Equal(s1, s2) || !bytes.Equal(s1, peer) {
		t.Fatalf("secrets disagree: %x %x %x", s1, s2, peer)
	}

	s1[0] ^= 0xff
	s3, _ := wallet.SharedSecret()
	if !bytes.Equal(s3, s2) {
		t.Fatalf("caller mutated the memoized secret")
	}
}

func TestOwnKeyStableAcrossCalls(t *testing.T) {
	m := NewManager()
	a, err := m.OwnPublicKeyHex()
	if err != nil {
		t.Fatalf("OwnPublicKeyHex: %v", err)
	}
	b, err := m.OwnPublicKeyHex()
	if err != nil {
		t.Fatalf("OwnPublicKeyHex: %v", err)
	}
	if a != b {
		t.Fatalf("own key changed between calls")
	}
}

func TestPeerKeyRules(t *testing.T) {
	m := mustKey(t)
	p1, _ := mustKey(t).OwnPublicKey()
	p2, _ := mustKey(t).OwnPublicKey()

	if err := m.SetPeerPublicKey(p1); err != nil {
		t.Fatalf("first set: %v", err)
	}
	if err := m.SetPeerPublicKey(p2); err != nil {
		t.Fatalf("replacing before derivation should be allowed: %v", err)
	}
	if _, err := m.SharedSecret(); err != nil {
		t.Fatalf("SharedSecret: %v", err)
	}
	if err := m.SetPeerPublicKey(p2); err != nil {
		t.Fatalf("same key after derivation should be a no-op: %v", err)
	}
	if err := m.SetPeerPublicKey(p1); !errors.Is(err, ErrPeerKeyConflict) {
		t.Fatalf("expected ErrPeerKeyConflict, got %v", err)
	}
	if !m.PeerPublicKey().Equal(p2) {
		t.Fatalf("conflicting set replaced the peer")
	}
}

func TestReset(t *testing.T) {
	m := mustKey(t)
	p, _ := mustKey(t).OwnPublicKey()
	if err := m.SetPeerPublicKey(p); err != nil {
		t.Fatalf("SetPeerPublicKey: %v", err)
	}
	if _, err := m.SharedSecret(); err != nil {
		t.Fatalf("SharedSecret: %v", err)
	}

	m.Reset()
	if _, err := m.SharedSecret(); !errors.Is(err, ErrNoPeerKey) {
		t.Fatalf("expected ErrNoPeerKey after reset, got %v", err)
	}
	if err := m.SetPeerPublicKey(p); err != nil {
		t.Fatalf("SetPeerPublicKey after reset: %v", err)
	}
}
