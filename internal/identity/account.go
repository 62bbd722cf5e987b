package identity

import (
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"
)

var ErrInvalidPublicKey = errors.New("identity: public key must be an uncompressed P-256 point")

// AccountDeriver maps a passkey public key to its account address.
type AccountDeriver func(publicKey []byte) (common.Address, error)

// DeriveAccount takes the last 20 bytes of keccak256(X || Y).
func DeriveAccount(publicKey []byte) (common.Address, error) {
	if len(publicKey) != 65 || publicKey[0] != 0x04 {
		return common.Address{}, ErrInvalidPublicKey
	}
	h := sha3.NewLegacyKeccak256()
	h.Write(publicKey[1:])
	return common.BytesToAddress(h.Sum(nil)[12:]), nil
}
