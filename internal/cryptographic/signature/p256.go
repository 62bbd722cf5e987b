package signature

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"

	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/cryptobyte/asn1"
)

var (
	ErrMalformedSignature = errors.New("malformed ECDSA signature")

	curveN     = elliptic.P256().Params().N
	curveHalfN = new(big.Int).Rsh(curveN, 1)
)

func NewP256Keypair() (*ecdsa.PrivateKey, error) {
	return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
}

func P256Sign(priv *ecdsa.PrivateKey, digest []byte) (r, s *big.Int, err error) {
	return ecdsa.Sign(rand.Reader, priv, digest)
}

func P256Verify(pub *ecdsa.PublicKey, digest []byte, r, s *big.Int) bool {
	return ecdsa.Verify(pub, digest, r, s)
}

// NormalizeLowS maps s into the lower half of the group order.
func NormalizeLowS(s *big.Int) *big.Int {
	if s.Cmp(curveHalfN) > 0 {
		return new(big.Int).Sub(curveN, s)
	}
	return new(big.Int).Set(s)
}

func MarshalDER(r, s *big.Int) ([]byte, error) {
	var b cryptobyte.Builder
	b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1BigInt(r)
		b.AddASN1BigInt(s)
	})
	return b.Bytes()
}

func ParseDER(sig []byte) (r, s *big.Int, err error) {
	var (
		input = cryptobyte.String(sig)
		inner cryptobyte.String
	)
	r, s = new(big.Int), new(big.Int)
	if !input.ReadASN1(&inner, asn1.SEQUENCE) ||
		!input.Empty() ||
		!inner.ReadASN1Integer(r) ||
		!inner.ReadASN1Integer(s) ||
		!inner.Empty() {
		return nil, nil, fmt.Errorf("%w: invalid DER", ErrMalformedSignature)
	}
	return r, s, nil
}

// MarshalRaw encodes r || s as two 32-byte big-endian halves.
func MarshalRaw(r, s *big.Int) []byte {
	out := make([]byte, 64)
	r.FillBytes(out[:32])
	s.FillBytes(out[32:])
	return out
}

func ParseRaw(sig []byte) (r, s *big.Int, err error) {
	if len(sig) != 64 {
		return nil, nil, fmt.Errorf("%w: raw signature must be 64 bytes, got %d", ErrMalformedSignature, len(sig))
	}
	return new(big.Int).SetBytes(sig[:32]), new(big.Int).SetBytes(sig[32:]), nil
}

// Parse accepts either a raw 64-byte r||s signature or ASN.1 DER.
func Parse(sig []byte) (r, s *big.Int, err error) {
	if len(sig) == 64 {
		return ParseRaw(sig)
	}
	return ParseDER(sig)
}
