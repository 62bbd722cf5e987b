package app

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"passkey_relay/internal/cryptographic/dh"
	"passkey_relay/internal/model"
	"passkey_relay/internal/protocol/cipher"
	"passkey_relay/internal/protocol/keyagreement"
)

const SDKVersion = "1.0.0"

var ErrNoSession = errors.New("handshake not completed")

// Session is the dapp side of a relay session: it builds request envelopes
// and opens the wallet's replies.
type Session struct {
	keys   *keyagreement.Manager
	origin string

	mu      sync.Mutex
	account string
	chains  map[string]string
}

func NewSession(keys *keyagreement.Manager, origin string) *Session {
	return &Session{
		keys:   keys,
		origin: origin,
	}
}

func (s *Session) Sender() (string, error) {
	return s.keys.OwnPublicKeyHex()
}

func (s *Session) HandshakeEnvelope() (*model.Envelope, error) {
	return s.envelope(&model.HandshakeContent{Method: "eth_requestAccounts"})
}

func (s *Session) ActionEnvelope(method string, params []any) (*model.Envelope, error) {
	secret, err := s.keys.SharedSecret()
	if errors.Is(err, keyagreement.ErrNoPeerKey) {
		return nil, ErrNoSession
	}
	if err != nil {
		return nil, err
	}

	req := &model.RPCRequest{Action: model.Action{Method: method, Params: params}}
	content, err := cipher.EncryptContent(req.Value(), secret)
	if err != nil {
		return nil, err
	}
	return s.envelope(content)
}

func (s *Session) envelope(content model.Content) (*model.Envelope, error) {
	sender, err := s.Sender()
	if err != nil {
		return nil, err
	}
	return &model.Envelope{
		ID:         uuid.NewString(),
		Sender:     sender,
		SDKVersion: SDKVersion,
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		Origin:     s.origin,
		Content:    content,
	}, nil
}

// OpenReply binds the wallet key carried by reply and decrypts it. A
// handshake reply also records the account and chains it announces.
func (s *Session) OpenReply(reply *model.Envelope) (*model.RPCResponse, error) {
	sealed, ok := reply.Content.(*model.EncryptedContent)
	if !ok {
		return nil, fmt.Errorf("reply carries %s content", reply.ContentKind())
	}

	peer, err := dh.ImportPublicKeyHex(reply.Sender)
	if err != nil {
		return nil, err
	}
	if err := s.keys.SetPeerPublicKey(peer); err != nil {
		return nil, err
	}
	secret, err := s.keys.SharedSecret()
	if err != nil {
		return nil, err
	}

	payload, err := cipher.DecryptContent(sealed, secret)
	if err != nil {
		return nil, err
	}
	resp, err := model.ResponseFromValue(payload)
	if err != nil {
		return nil, err
	}

	if data, ok := payload.(map[string]any)["data"].(map[string]any); ok {
		s.rememberHandshake(resp, data)
	}
	return resp, nil
}

func (s *Session) rememberHandshake(resp *model.RPCResponse, data map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if resp.Result != nil {
		if accounts, ok := resp.Result.Value.([]any); ok && len(accounts) > 0 {
			s.account, _ = accounts[0].(string)
		}
	}
	s.chains = make(map[string]string)
	if chains, ok := data["chains"].(map[string]any); ok {
		for id, url := range chains {
			if u, ok := url.(string); ok {
				s.chains[id] = u
			}
		}
	}
}

func (s *Session) Account() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.account
}

func (s *Session) Chains() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]string, len(s.chains))
	for k, v := range s.chains {
		out[k] = v
	}
	return out
}
