package identity

import (
	"strconv"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"golang.org/x/crypto/sha3"
)

var recoveryMessages = [2]string{"random-challenge1", "random-challenge2"}

// HashMessage is the EIP-191 personal message hash.
func HashMessage(message []byte) [32]byte {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte("\x19Ethereum Signed Message:\n" + strconv.Itoa(len(message))))
	h.Write(message)

	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// RecoveryChallenges are the two fixed digests a returning user signs. Each
// is the EIP-191 hash of the hex text of a fixed string.
func RecoveryChallenges() [2][32]byte {
	var out [2][32]byte
	for i, msg := range recoveryMessages {
		out[i] = HashMessage([]byte(hexutil.Encode([]byte(msg))))
	}
	return out
}
