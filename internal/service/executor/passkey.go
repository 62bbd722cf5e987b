package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"passkey_relay/internal/cryptographic/signature"
	"passkey_relay/internal/cryptographic/webauthn"
	"passkey_relay/internal/identity"
	"passkey_relay/internal/model"
)

var ErrBadParams = errors.New("invalid method params")

// PasskeySigner answers personal_sign and eth_sign with a passkey assertion
// over the EIP-191 hash of the message.
func PasskeySigner(auth webauthn.Authenticator) Handler {
	return func(ctx context.Context, req model.ActionRequest) (any, error) {
		msg, err := signedMessage(req)
		if err != nil {
			return nil, err
		}

		digest := identity.HashMessage(msg)
		assertion, err := auth.GetAssertion(ctx, digest[:])
		if err != nil {
			return nil, fmt.Errorf("passkey assertion: %w", err)
		}
		r, s, err := signature.Parse(assertion.Signature)
		if err != nil {
			return nil, err
		}

		return map[string]any{
			"authenticatorData": hexutil.Encode(assertion.AuthenticatorData),
			"clientDataJSON":    string(assertion.ClientDataJSON),
			"signature":         hexutil.Encode(signature.MarshalRaw(r, signature.NormalizeLowS(s))),
		}, nil
	}
}

// RegisterPasskeySigner installs PasskeySigner for the signing methods.
func (r *Registry) RegisterPasskeySigner(auth webauthn.Authenticator) {
	h := PasskeySigner(auth)
	r.Register("personal_sign", h)
	r.Register("eth_sign", h)
}

// personal_sign is [message, address]; eth_sign is [address, message].
func signedMessage(req model.ActionRequest) ([]byte, error) {
	if len(req.Params) < 2 {
		return nil, fmt.Errorf("%w: %s expects 2 params", ErrBadParams, req.Method)
	}
	raw := req.Params[0]
	if req.Method == "eth_sign" {
		raw = req.Params[1]
	}

	switch v := raw.(type) {
	case []byte:
		return v, nil
	case string:
		if strings.HasPrefix(v, "0x") {
			if b, err := hexutil.Decode(v); err == nil {
				return b, nil
			}
		}
		return []byte(v), nil
	default:
		return nil, fmt.Errorf("%w: message is %T", ErrBadParams, raw)
	}
}
