package model

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

const SnapshotVersion = 1

type (
	// Identity is the passkey-backed user of this wallet. PublicKey is the
	// uncompressed P-256 point (0x04 || X || Y).
	Identity struct {
		CredentialID hexutil.Bytes  `json:"keyId"`
		PublicKey    hexutil.Bytes  `json:"pubKey"`
		Account      common.Address `json:"account"`
	}

	// SignedChallenge is one passkey signature over MessageHash.
	SignedChallenge struct {
		MessageHash [32]byte
		R           *big.Int
		S           *big.Int
	}

	// Snapshot is the persisted "returning user" state.
	Snapshot struct {
		Version   int       `json:"version"`
		Returning bool      `json:"returning"`
		Identity  *Identity `json:"identity,omitempty"`
		UpdatedAt time.Time `json:"updatedAt"`
	}
)

func NewSnapshot(identity *Identity) *Snapshot {
	return &Snapshot{
		Version:   SnapshotVersion,
		Returning: identity != nil,
		Identity:  identity,
		UpdatedAt: time.Now().UTC(),
	}
}
