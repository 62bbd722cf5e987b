package app

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"passkey_relay/internal/model"
	"passkey_relay/internal/protocol/keyagreement"
	"passkey_relay/internal/protocol/relay"
	"passkey_relay/internal/service/executor"
	"passkey_relay/internal/service/server"
)

var walletAccount = common.HexToAddress("0x00000000000000000000000000000000000000cc")

type wallet struct{}

func (wallet) Resolve(context.Context) (*model.Identity, error) {
	return &model.Identity{Account: walletAccount}, nil
}

func newRelay() *relay.Relay {
	return relay.New(keyagreement.NewManager(), wallet{}, executor.NewRegistry(wallet{}, 1), nil, relay.Options{
		Chains: map[uint64]string{1: "https://eth.example"},
	})
}

func TestParseCommand(t *testing.T) {
	method, params, err := ParseCommand(`eth_sign 0xabc {"a":1} 7 "quoted"`)
	if err != nil {
		t.Fatalf("ParseCommand: %v", err)
	}
	if method != "eth_sign" || len(params) != 4 {
		t.Fatalf("got %q %v", method, params)
	}
	if params[0] != "0xabc" || params[2] != float64(7) || params[3] != "quoted" {
		t.Fatalf("params = %#v", params)
	}
	if _, ok := params[1].(map[string]any); !ok {
		t.Fatalf("object param decoded as %T", params[1])
	}

	if _, _, err := ParseCommand("   "); !errors.Is(err, ErrEmptyCommand) {
		t.Fatalf("expected ErrEmptyCommand, got %v", err)
	}
}

func TestSessionAgainstRelay(t *testing.T) {
	ctx := context.Background()
	r := newRelay()
	s := NewSession(keyagreement.NewManager(), "https://dapp.example")

	if _, err := s.ActionEnvelope("eth_chainId", nil); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}

	hs, err := s.HandshakeEnvelope()
	if err != nil {
		t.Fatalf("HandshakeEnvelope: %v", err)
	}
	reply, err := r.Handle(ctx, hs)
	if err != nil {
		t.Fatalf("handshake: %v", err)
	}
	if _, err := s.OpenReply(reply.Envelope); err != nil {
		t.Fatalf("OpenReply: %v", err)
	}
	if s.Account() != walletAccount.Hex() || s.Chains()["1"] != "https://eth.example" {
		t.Fatalf("account %q chains %v", s.Account(), s.Chains())
	}

	env, err := s.ActionEnvelope("eth_chainId", nil)
	if err != nil {
		t.Fatalf("ActionEnvelope: %v", err)
	}
	if env.Origin != "https://dapp.example" {
		t.Fatalf("origin = %q", env.Origin)
	}
	reply, err = r.Handle(ctx, env)
	if err != nil {
		t.Fatalf("action: %v", err)
	}
	resp, err := s.OpenReply(reply.Envelope)
	if err != nil {
		t.Fatalf("OpenReply: %v", err)
	}
	if Describe(resp) != `"0x1"` {
		t.Fatalf("response = %s", Describe(resp))
	}

	env, _ = s.ActionEnvelope("eth_sendTransaction", []any{map[string]any{"to": "0x1"}})
	reply, err = r.Handle(ctx, env)
	if err != nil {
		t.Fatalf("action: %v", err)
	}
	resp, _ = s.OpenReply(reply.Envelope)
	if !strings.HasPrefix(Describe(resp), "error: unsupported method") {
		t.Fatalf("response = %s", Describe(resp))
	}
}

func TestClientOverWebsocket(t *testing.T) {
	srv := server.NewHttpServer(newRelay(), nil, server.Options{})
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s := NewSession(keyagreement.NewManager(), "https://dapp.example")
	sender, _ := s.Sender()
	client, err := Dial(ctx, strings.TrimPrefix(ts.URL, "http://"), sender)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	hs, _ := s.HandshakeEnvelope()
	if err := client.Send(hs); err != nil {
		t.Fatalf("Send: %v", err)
	}
	reply, err := client.Receive()
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if _, err := s.OpenReply(reply); err != nil {
		t.Fatalf("OpenReply: %v", err)
	}

	// a replayed handshake comes back as a relay error frame
	if err := client.Send(hs); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if _, err := client.Receive(); !IsRelayError(err) {
		t.Fatalf("expected relay error, got %v", err)
	}
}
