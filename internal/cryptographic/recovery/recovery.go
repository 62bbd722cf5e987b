// Package recovery re-derives a P-256 signer's public key from two
// signatures it produced.
//
// P-256 signatures carry no recovery id, so every signature admits several
// candidate keys: one per curve point R whose x-coordinate reduces to r.
// The signer's key is the only candidate common to both signatures.
package recovery

import (
	"bytes"
	"crypto/elliptic"
	"errors"
	"fmt"
	"math/big"
	"sort"

	"filippo.io/nistec"

	"passkey_relay/internal/model"
)

var (
	ErrRecoveryFailure  = errors.New("public key recovery failed")
	ErrIdenticalDigests = fmt.Errorf("%w: challenges must sign distinct digests", ErrRecoveryFailure)

	curveN = elliptic.P256().Params().N
	curveP = elliptic.P256().Params().P
)

// Candidates returns every uncompressed public key that verifies c, in a
// stable order. An out-of-range r or s yields ErrRecoveryFailure.
func Candidates(c model.SignedChallenge) ([][]byte, error) {
	r, s := c.R, c.S
	if !inScalarRange(r) || !inScalarRange(s) {
		return nil, fmt.Errorf("%w: signature scalar out of range", ErrRecoveryFailure)
	}

	e := new(big.Int).SetBytes(c.MessageHash[:])
	e.Mod(e, curveN)

	// Q = r^-1 (s*R - e*G) = u1*G + u2*R
	rInv := new(big.Int).ModInverse(r, curveN)
	u1 := new(big.Int).Mul(e, rInv)
	u1.Neg(u1).Mod(u1, curveN)
	u2 := new(big.Int).Mul(s, rInv)
	u2.Mod(u2, curveN)

	u1G, err := nistec.NewP256Point().ScalarBaseMult(scalarBytes(u1))
	if err != nil {
		return nil, fmt.Errorf("scalar base mult: %w", err)
	}

	var out [][]byte
	for x := new(big.Int).Set(r); x.Cmp(curveP) < 0; x.Add(x, curveN) {
		for _, prefix := range []byte{0x02, 0x03} {
			compressed := append([]byte{prefix}, scalarBytes(x)...)
			R, err := nistec.NewP256Point().SetBytes(compressed)
			if err != nil {
				// x is not the abscissa of a curve point
				continue
			}
			q, err := nistec.NewP256Point().ScalarMult(R, scalarBytes(u2))
			if err != nil {
				return nil, fmt.Errorf("scalar mult: %w", err)
			}
			q.Add(q, u1G)

			enc := q.Bytes()
			if len(enc) != 65 {
				continue
			}
			out = append(out, enc)
		}
	}

	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i], out[j]) < 0 })
	return out, nil
}

// Recover returns the single public key consistent with both challenges.
// No common candidate, or more than one, is ErrRecoveryFailure.
func Recover(challenges [2]model.SignedChallenge) ([]byte, error) {
	if challenges[0].MessageHash == challenges[1].MessageHash {
		return nil, ErrIdenticalDigests
	}

	first, err := Candidates(challenges[0])
	if err != nil {
		return nil, fmt.Errorf("first challenge: %w", err)
	}
	if len(first) == 0 {
		return nil, fmt.Errorf("%w: first challenge has no candidates", ErrRecoveryFailure)
	}
	second, err := Candidates(challenges[1])
	if err != nil {
		return nil, fmt.Errorf("second challenge: %w", err)
	}
	if len(second) == 0 {
		return nil, fmt.Errorf("%w: second challenge has no candidates", ErrRecoveryFailure)
	}

	seen := make(map[string]struct{}, len(first))
	for _, k := range first {
		seen[string(k)] = struct{}{}
	}

	var common [][]byte
	for _, k := range second {
		if _, ok := seen[string(k)]; ok {
			common = append(common, k)
			delete(seen, string(k))
		}
	}

	if len(common) != 1 {
		return nil, fmt.Errorf("%w: %d common candidates", ErrRecoveryFailure, len(common))
	}
	return common[0], nil
}

func inScalarRange(v *big.Int) bool {
	return v != nil && v.Sign() > 0 && v.Cmp(curveN) < 0
}

func scalarBytes(v *big.Int) []byte {
	return v.FillBytes(make([]byte, 32))
}
