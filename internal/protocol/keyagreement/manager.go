// Package keyagreement owns one session's ephemeral P-256 key pair and the
// secret shared with the peer that handshook with it.
package keyagreement

import (
	"crypto/ecdh"
	"errors"
	"fmt"
	"sync"

	"passkey_relay/internal/cryptographic/dh"
)

var (
	ErrNoPeerKey       = errors.New("key agreement: peer public key not set")
	ErrPeerKeyConflict = errors.New("key agreement: peer public key already bound to a derived secret")
)

type Manager struct {
	mu       sync.Mutex
	generate func() (*ecdh.PrivateKey, error)
	own      *ecdh.PrivateKey
	peer     *ecdh.PublicKey
	secret   []byte
}

// NewManager generates its key pair lazily on first use.
func NewManager() *Manager {
	return &Manager{generate: dh.NewP256KeyPair}
}

// NewManagerWithKey uses a fixed key pair.
func NewManagerWithKey(priv *ecdh.PrivateKey) *Manager {
	return &Manager{
		own:      priv,
		generate: func() (*ecdh.PrivateKey, error) { return priv, nil },
	}
}

func (m *Manager) ownKeyLocked() (*ecdh.PrivateKey, error) {
	if m.own != nil {
		return m.own, nil
	}
	priv, err := m.generate()
	if err != nil {
		return nil, fmt.Errorf("key agreement: generate key pair: %w", err)
	}
	m.own = priv
	return priv, nil
}

func (m *Manager) OwnPublicKey() (*ecdh.PublicKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	own, err := m.ownKeyLocked()
	if err != nil {
		return nil, err
	}
	return own.PublicKey(), nil
}

// OwnPublicKeyHex is the SPKI hex form sent as an envelope's sender.
func (m *Manager) OwnPublicKeyHex() (string, error) {
	pub, err := m.OwnPublicKey()
	if err != nil {
		return "", err
	}
	return dh.ExportPublicKeyHex(pub)
}

// SetPeerPublicKey binds the peer. Re-setting the same key is a no-op; a
// different key is accepted only until the secret has been derived.
func (m *Manager) SetPeerPublicKey(peer *ecdh.PublicKey) error {
	if peer == nil {
		return fmt.Errorf("%w: nil key", dh.ErrInvalidPublicKey)
	}
	if peer.Curve() != ecdh.P256() {
		return fmt.Errorf("%w: wrong curve", dh.ErrInvalidPublicKey)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.peer != nil && m.peer.Equal(peer) {
		return nil
	}
	if m.secret != nil {
		return ErrPeerKeyConflict
	}
	m.peer = peer
	return nil
}

func (m *Manager) PeerPublicKey() *ecdh.PublicKey {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peer
}

// SharedSecret derives the secret on first call and returns a copy of the
// memoized value afterwards.
func (m *Manager) SharedSecret() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.peer == nil {
		return nil, ErrNoPeerKey
	}
	if m.secret == nil {
		own, err := m.ownKeyLocked()
		if err != nil {
			return nil, err
		}
		secret, err := dh.P256SharedSecret(own, m.peer)
		if err != nil {
			return nil, fmt.Errorf("key agreement: derive: %w", err)
		}
		m.secret = secret
	}
	return append([]byte(nil), m.secret...), nil
}

// Reset drops the peer and the derived secret, keeping the own key pair.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.secret {
		m.secret[i] = 0
	}
	m.secret = nil
	m.peer = nil
}
