package executor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"go.uber.org/zap"

	"passkey_relay/internal/model"
	"passkey_relay/internal/utils/log"
)

var (
	ErrUnsupportedMethod = errors.New("unsupported method")
	ErrNoChain           = errors.New("no chain configured")
)

type (
	// Handler executes one wallet RPC method. Its result is treated as opaque.
	Handler func(ctx context.Context, req model.ActionRequest) (any, error)

	AccountResolver interface {
		Resolve(ctx context.Context) (*model.Identity, error)
	}

	Registry struct {
		accounts AccountResolver
		chainID  uint64

		mu       sync.RWMutex
		handlers map[string]Handler
	}
)

// NewRegistry returns a registry answering eth_accounts, eth_requestAccounts
// and eth_chainId. chainID 0 leaves eth_chainId failing with ErrNoChain.
func NewRegistry(accounts AccountResolver, chainID uint64) *Registry {
	r := &Registry{
		accounts: accounts,
		chainID:  chainID,
		handlers: make(map[string]Handler),
	}
	r.Register("eth_accounts", r.ethAccounts)
	r.Register("eth_requestAccounts", r.ethAccounts)
	r.Register("eth_chainId", r.ethChainID)
	return r
}

// Register installs h for method, replacing any previous handler.
func (r *Registry) Register(method string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[method] = h
}

func (r *Registry) Methods() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	methods := make([]string, 0, len(r.handlers))
	for m := range r.handlers {
		methods = append(methods, m)
	}
	sort.Strings(methods)
	return methods
}

func (r *Registry) Execute(ctx context.Context, req model.ActionRequest) (any, error) {
	r.mu.RLock()
	h, ok := r.handlers[req.Method]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedMethod, req.Method)
	}

	log.Debug("executing action", zap.String("method", req.Method), zap.String("origin", req.Origin))
	return h(ctx, req)
}

func (r *Registry) ethAccounts(ctx context.Context, _ model.ActionRequest) (any, error) {
	if r.accounts == nil {
		return []any{}, nil
	}
	identity, err := r.accounts.Resolve(ctx)
	if err != nil {
		return nil, err
	}
	return []any{identity.Account.Hex()}, nil
}

func (r *Registry) ethChainID(context.Context, model.ActionRequest) (any, error) {
	if r.chainID == 0 {
		return nil, ErrNoChain
	}
	return hexutil.EncodeUint64(r.chainID), nil
}
