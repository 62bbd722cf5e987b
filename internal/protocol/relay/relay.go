// Package relay implements the wallet side of the encrypted request/response
// session: handshake, encrypted actions and the exactly-once envelope guard.
package relay

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"passkey_relay/internal/cryptographic/dh"
	"passkey_relay/internal/model"
	"passkey_relay/internal/protocol/cipher"
	"passkey_relay/internal/protocol/keyagreement"
	"passkey_relay/internal/service/metrics"
	"passkey_relay/internal/utils/log"
)

const (
	EventSelectSignerType = "selectSignerType"
	DefaultSignerType     = "scw"
)

var (
	ErrUnsupportedMessage = errors.New("unsupported message")
	ErrSessionFailed      = errors.New("relay session failed")
	ErrDuplicateEnvelope  = errors.New("envelope already processed")
)

// handshakeMethods are the plaintext methods that open a session.
var handshakeMethods = map[string]struct{}{
	"eth_requestAccounts": {},
}

type State int

const (
	AwaitingHandshake State = iota
	Established
	Failed
)

func (s State) String() string {
	switch s {
	case AwaitingHandshake:
		return "awaiting_handshake"
	case Established:
		return "established"
	case Failed:
		return "failed"
	default:
		return "state(" + strconv.Itoa(int(s)) + ")"
	}
}

type (
	IdentityResolver interface {
		Resolve(ctx context.Context) (*model.Identity, error)
	}

	Executor interface {
		Execute(ctx context.Context, req model.ActionRequest) (any, error)
	}

	Options struct {
		// Chains maps chain id to rpc url, echoed in the handshake response.
		Chains     map[uint64]string
		SignerType string
		Metrics    *metrics.Relay
	}

	// Relay owns one wallet session. Envelopes are handled one at a time.
	Relay struct {
		keys       *keyagreement.Manager
		identities IdentityResolver
		executor   Executor
		guard      Guard
		opts       Options

		mu    sync.Mutex
		state State
	}
)

func New(keys *keyagreement.Manager, identities IdentityResolver, executor Executor, guard Guard, opts Options) *Relay {
	if guard == nil {
		guard = NewMemoryGuard(0)
	}
	if opts.SignerType == "" {
		opts.SignerType = DefaultSignerType
	}
	return &Relay{
		keys:       keys,
		identities: identities,
		executor:   executor,
		guard:      guard,
		opts:       opts,
	}
}

func (r *Relay) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Reset drops the peer key and shared secret and waits for a new handshake.
func (r *Relay) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys.Reset()
	r.state = AwaitingHandshake
	r.opts.Metrics.SessionEstablished(false)
}

// Handle processes one inbound envelope and returns the reply to emit.
// A nil reply is never returned without an error.
func (r *Relay) Handle(ctx context.Context, env *model.Envelope) (reply *model.Reply, err error) {
	kind := env.ContentKind()
	defer func() {
		r.opts.Metrics.Envelope(kind.String(), outcome(err))
	}()

	if env == nil || env.ID == "" {
		return nil, fmt.Errorf("%w: missing id", ErrUnsupportedMessage)
	}

	var handle func(context.Context, *model.Envelope) (*model.Reply, error)
	switch {
	case env.Event == EventSelectSignerType:
		handle = r.handleSignerType
	case kind == model.ContentHandshake:
		handle = r.handleHandshake
	case kind == model.ContentEncrypted:
		handle = r.handleAction
	default:
		return nil, fmt.Errorf("%w: %s content", ErrUnsupportedMessage, kind)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	claimed, err := r.guard.Claim(ctx, env.ID)
	if err != nil {
		return nil, fmt.Errorf("claim envelope: %w", err)
	}
	if !claimed {
		log.Debug("dropping replayed envelope", zap.String("id", env.ID))
		return nil, ErrDuplicateEnvelope
	}

	return handle(ctx, env)
}

func (r *Relay) handleSignerType(_ context.Context, env *model.Envelope) (*model.Reply, error) {
	return &model.Reply{SignerType: &model.SignerTypeReply{
		RequestID: env.ID,
		Data:      r.opts.SignerType,
	}}, nil
}

func (r *Relay) handleHandshake(ctx context.Context, env *model.Envelope) (*model.Reply, error) {
	hs := env.Content.(*model.HandshakeContent)
	if _, ok := handshakeMethods[hs.Method]; !ok {
		return nil, fmt.Errorf("%w: handshake method %q", ErrUnsupportedMessage, hs.Method)
	}
	if r.state == Failed {
		return nil, ErrSessionFailed
	}

	peer, err := dh.ImportPublicKeyHex(env.Sender)
	if err != nil {
		return nil, fmt.Errorf("%w: sender: %w", ErrUnsupportedMessage, err)
	}
	identity, err := r.identities.Resolve(ctx)
	r.opts.Metrics.Resolution(err)
	if err != nil {
		return nil, fmt.Errorf("resolve identity: %w", err)
	}

	if err := r.keys.SetPeerPublicKey(peer); err != nil {
		if errors.Is(err, keyagreement.ErrPeerKeyConflict) {
			r.fail("peer key conflict", err)
		}
		return nil, err
	}

	chains := make(map[string]any, len(r.opts.Chains))
	for id, url := range r.opts.Chains {
		chains[strconv.FormatUint(id, 10)] = url
	}
	message := map[string]any{
		"result": map[string]any{"value": []any{identity.Account.Hex()}},
		"data":   map[string]any{"chains": chains},
	}

	reply, err := r.seal(ctx, env, message)
	if err != nil {
		// A peer is only bound once the handshake reply has gone out.
		if r.state != Established {
			r.keys.Reset()
		}
		return nil, err
	}

	if r.state != Established {
		log.Debug("relay session established", zap.String("id", env.ID))
	}
	r.state = Established
	r.opts.Metrics.SessionEstablished(true)
	return reply, nil
}

func (r *Relay) handleAction(ctx context.Context, env *model.Envelope) (*model.Reply, error) {
	if r.state == Failed {
		return nil, ErrSessionFailed
	}
	if r.state != Established {
		return nil, fmt.Errorf("%w: %w", ErrUnsupportedMessage, keyagreement.ErrNoPeerKey)
	}

	secret, err := r.keys.SharedSecret()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnsupportedMessage, err)
	}

	payload, err := cipher.DecryptContent(env.Content.(*model.EncryptedContent), secret)
	if err != nil {
		r.fail("decrypt failed", err)
		return nil, err
	}

	req, err := model.RequestFromValue(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnsupportedMessage, err)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	action := model.ActionRequest{
		Method: req.Action.Method,
		Origin: env.Origin,
		Params: req.Action.Params,
	}
	started := time.Now()
	value, err := r.executor.Execute(ctx, action)
	r.opts.Metrics.Execution(action.Method, time.Since(started), err)

	resp := &model.RPCResponse{Result: &model.RPCResult{Value: value}}
	if err != nil {
		log.Warn("action failed", zap.String("method", action.Method), zap.Error(err))
		resp = &model.RPCResponse{ErrorMessage: err.Error()}
	}

	return r.seal(ctx, env, resp.Value())
}

// seal encrypts message as the reply to env. A cancelled ctx emits nothing.
func (r *Relay) seal(ctx context.Context, env *model.Envelope, message any) (*model.Reply, error) {
	secret, err := r.keys.SharedSecret()
	if err != nil {
		return nil, err
	}
	content, err := cipher.EncryptContent(message, secret)
	if err != nil {
		return nil, err
	}
	sender, err := r.keys.OwnPublicKeyHex()
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return &model.Reply{Envelope: &model.Envelope{
		ID:        env.ID,
		RequestID: env.ID,
		Sender:    sender,
		Timestamp: env.Timestamp,
		Content:   content,
	}}, nil
}

func (r *Relay) fail(msg string, err error) {
	log.Error(msg, zap.Error(err))
	r.state = Failed
	r.opts.Metrics.SessionEstablished(false)
}

func outcome(err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeOK
	case errors.Is(err, ErrDuplicateEnvelope):
		return metrics.OutcomeDuplicate
	case errors.Is(err, ErrUnsupportedMessage):
		return metrics.OutcomeUnsupported
	default:
		return metrics.OutcomeFailed
	}
}
