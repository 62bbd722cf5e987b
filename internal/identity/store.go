// Package identity holds the passkey identity of the running wallet session:
// enrollment, recovery of a returning user from two passkey signatures, and
// the persisted returning-user snapshot.
package identity

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"passkey_relay/internal/cryptographic/recovery"
	"passkey_relay/internal/cryptographic/webauthn"
	"passkey_relay/internal/model"
	"passkey_relay/internal/utils/log"
)

var (
	ErrNotFound          = errors.New("identity: user not found")
	ErrNoAuthenticator   = errors.New("identity: no passkey authenticator attached")
	ErrSnapshotVersion   = errors.New("identity: unsupported snapshot version")
	ErrInvalidCredential = errors.New("identity: credential id is required")
)

// Repository is the identity persistence boundary.
type Repository interface {
	// GetByPublicKey returns (nil, nil) when no user owns publicKey.
	GetByPublicKey(ctx context.Context, publicKey []byte) (*model.Identity, error)
	Create(ctx context.Context, identity *model.Identity) error
}

type Store struct {
	repo      Repository
	snapshots SnapshotStore
	auth      webauthn.Authenticator
	derive    AccountDeriver

	// authMu keeps concurrent resolvers from prompting the passkey twice.
	authMu sync.Mutex

	mu        sync.RWMutex
	current   *model.Identity
	returning bool
}

func NewStore(repo Repository, snapshots SnapshotStore, auth webauthn.Authenticator) *Store {
	if snapshots == nil {
		snapshots = NewMemorySnapshotStore()
	}
	return &Store{
		repo:      repo,
		snapshots: snapshots,
		auth:      auth,
		derive:    DeriveAccount,
	}
}

// WithAccountDeriver swaps the address derivation, e.g. for a factory-computed account.
func (s *Store) WithAccountDeriver(derive AccountDeriver) *Store {
	s.derive = derive
	return s
}

// Load restores the persisted snapshot. A snapshot of another version is
// discarded rather than half-trusted.
func (s *Store) Load(ctx context.Context) error {
	snap, err := s.snapshots.Load(ctx)
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	if snap == nil {
		return nil
	}
	if snap.Version != model.SnapshotVersion {
		log.Warn("discarding identity snapshot", zap.Int("version", snap.Version))
		if err := s.snapshots.Clear(ctx); err != nil {
			return fmt.Errorf("clear snapshot: %w", err)
		}
		return ErrSnapshotVersion
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = cloneIdentity(snap.Identity)
	s.returning = snap.Returning && snap.Identity != nil
	return nil
}

func (s *Store) Current() *model.Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneIdentity(s.current)
}

func (s *Store) Returning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.returning
}

// Enroll registers a freshly created credential whose public key is known.
func (s *Store) Enroll(ctx context.Context, credentialID, publicKey []byte) (*model.Identity, error) {
	if len(credentialID) == 0 {
		return nil, ErrInvalidCredential
	}
	account, err := s.derive(publicKey)
	if err != nil {
		return nil, err
	}

	identity := &model.Identity{
		CredentialID: append([]byte(nil), credentialID...),
		PublicKey:    append([]byte(nil), publicKey...),
		Account:      account,
	}
	if err := s.repo.Create(ctx, identity); err != nil {
		return nil, fmt.Errorf("save user: %w", err)
	}
	if err := s.commit(ctx, identity); err != nil {
		return nil, err
	}

	log.Info("passkey enrolled", zap.String("account", account.Hex()))
	return cloneIdentity(identity), nil
}

// Recover resolves a returning user from two signed challenges. Any failure
// clears the returning marker and the cached identity.
func (s *Store) Recover(ctx context.Context, challenges [2]model.SignedChallenge) (*model.Identity, error) {
	identity, err := s.recover(ctx, challenges)
	if err != nil {
		s.forget(ctx)
		return nil, err
	}
	return identity, nil
}

func (s *Store) recover(ctx context.Context, challenges [2]model.SignedChallenge) (*model.Identity, error) {
	publicKey, err := recovery.Recover(challenges)
	if err != nil {
		return nil, err
	}

	identity, err := s.repo.GetByPublicKey(ctx, publicKey)
	if err != nil {
		return nil, fmt.Errorf("lookup user: %w", err)
	}
	if identity == nil || identity.Account == (common.Address{}) {
		return nil, ErrNotFound
	}

	if err := s.commit(ctx, identity); err != nil {
		return nil, err
	}
	log.Info("passkey recovered", zap.String("account", identity.Account.Hex()))
	return cloneIdentity(identity), nil
}

// Authenticate asks the passkey to sign the two recovery challenges and recovers from them.
func (s *Store) Authenticate(ctx context.Context) (*model.Identity, error) {
	if s.auth == nil {
		return nil, ErrNoAuthenticator
	}

	s.authMu.Lock()
	defer s.authMu.Unlock()

	var challenges [2]model.SignedChallenge
	for i, digest := range RecoveryChallenges() {
		assertion, err := s.auth.GetAssertion(ctx, digest[:])
		if err != nil {
			s.forget(ctx)
			return nil, fmt.Errorf("passkey assertion %d: %w", i+1, err)
		}
		sc, err := assertion.SignedChallenge(digest[:])
		if err != nil {
			s.forget(ctx)
			return nil, fmt.Errorf("passkey assertion %d: %w", i+1, err)
		}
		challenges[i] = sc
	}
	return s.Recover(ctx, challenges)
}

// Resolve returns the cached identity, authenticating when there is none.
func (s *Store) Resolve(ctx context.Context) (*model.Identity, error) {
	if identity := s.Current(); identity != nil {
		return identity, nil
	}
	return s.Authenticate(ctx)
}

func (s *Store) SignOut(ctx context.Context) error {
	s.mu.Lock()
	s.current = nil
	s.returning = false
	s.mu.Unlock()

	return s.snapshots.Clear(ctx)
}

func (s *Store) commit(ctx context.Context, identity *model.Identity) error {
	if err := s.snapshots.Save(ctx, model.NewSnapshot(identity)); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = cloneIdentity(identity)
	s.returning = true
	return nil
}

func (s *Store) forget(ctx context.Context) {
	if err := s.SignOut(ctx); err != nil {
		log.Error("clear identity snapshot failed", zap.Error(err))
	}
}

func cloneIdentity(id *model.Identity) *model.Identity {
	if id == nil {
		return nil
	}
	return &model.Identity{
		CredentialID: append([]byte(nil), id.CredentialID...),
		PublicKey:    append([]byte(nil), id.PublicKey...),
		Account:      id.Account,
	}
}
