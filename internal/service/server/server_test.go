package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"

	"passkey_relay/internal/cryptographic/dh"
	"passkey_relay/internal/model"
	"passkey_relay/internal/protocol/cipher"
	"passkey_relay/internal/protocol/keyagreement"
	"passkey_relay/internal/protocol/relay"
	"passkey_relay/internal/service/executor"
	"passkey_relay/internal/service/metrics"
	"passkey_relay/internal/service/redis"
	"passkey_relay/internal/utils/ratelimit"
)

var account = common.HexToAddress("0x00000000000000000000000000000000000000bb")

type staticIdentity struct{}

func (staticIdentity) Resolve(context.Context) (*model.Identity, error) {
	return &model.Identity{Account: account}, nil
}

const testAdminToken = "operator-secret"

func newTestServer(t *testing.T, pending *PendingCache, limiter *ratelimit.MapLimiter) *httptest.Server {
	t.Helper()
	reg := prometheus.NewRegistry()
	r := relay.New(
		keyagreement.NewManager(),
		staticIdentity{},
		executor.NewRegistry(staticIdentity{}, 8453),
		relay.NewMemoryGuard(time.Minute),
		relay.Options{Metrics: metrics.NewRelay(reg)},
	)
	srv := NewHttpServer(r, pending, Options{Limiter: limiter, Gatherer: reg, AdminToken: testAdminToken})
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts
}

func handshake(t *testing.T, keys *keyagreement.Manager) *model.Envelope {
	t.Helper()
	sender, err := keys.OwnPublicKeyHex()
	if err != nil {
		t.Fatalf("OwnPublicKeyHex: %v", err)
	}
	return &model.Envelope{
		ID:         uuid.NewString(),
		Sender:     sender,
		SDKVersion: "1.0.0",
		Timestamp:  "2024-01-01T00:00:00Z",
		Content:    &model.HandshakeContent{Method: "eth_requestAccounts"},
	}
}

func openReply(t *testing.T, keys *keyagreement.Manager, env *model.Envelope) map[string]any {
	t.Helper()
	peer, err := dh.ImportPublicKeyHex(env.Sender)
	if err != nil {
		t.Fatalf("ImportPublicKeyHex: %v", err)
	}
	if err := keys.SetPeerPublicKey(peer); err != nil {
		t.Fatalf("SetPeerPublicKey: %v", err)
	}
	secret, err := keys.SharedSecret()
	if err != nil {
		t.Fatalf("SharedSecret: %v", err)
	}
	payload, err := cipher.DecryptContent(env.Content.(*model.EncryptedContent), secret)
	if err != nil {
		t.Fatalf("DecryptContent: %v", err)
	}
	return payload.(map[string]any)
}

func noRedirect() *http.Client {
	return &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}}
}

func callbackURL(t *testing.T, base string, env *model.Envelope) string {
	t.Helper()
	q, err := env.EncodeQuery()
	if err != nil {
		t.Fatalf("EncodeQuery: %v", err)
	}
	return base + "/callback?" + q.Encode()
}

func TestCallbackRedirect(t *testing.T) {
	ts := newTestServer(t, nil, nil)
	keys := keyagreement.NewManager()

	env := handshake(t, keys)
	env.CallbackURL = "https://dapp.example/return?keep=1"

	resp, err := noRedirect().Get(callbackURL(t, ts.URL, env))
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	loc, err := url.Parse(resp.Header.Get("Location"))
	if err != nil {
		t.Fatalf("parse location: %v", err)
	}
	if loc.Host != "dapp.example" || loc.Query().Get("keep") != "1" {
		t.Fatalf("redirected to %s", loc)
	}
	reply, err := model.DecodeQuery(loc.Query())
	if err != nil {
		t.Fatalf("DecodeQuery: %v", err)
	}
	if reply.RequestID != env.ID {
		t.Fatalf("requestId = %q, want %q", reply.RequestID, env.ID)
	}

	msg := openReply(t, keys, reply)
	if v := msg["result"].(map[string]any)["value"].([]any); v[0] != account.Hex() {
		t.Fatalf("accounts = %v", v)
	}

	// the carrier can be replayed by the browser
	resp, err = noRedirect().Get(callbackURL(t, ts.URL, env))
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("replay status = %d, want 409", resp.StatusCode)
	}
}

func TestCallbackWithoutRedirectReturnsJSON(t *testing.T) {
	ts := newTestServer(t, nil, nil)
	keys := keyagreement.NewManager()

	resp, err := http.Get(callbackURL(t, ts.URL, handshake(t, keys)))
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var reply model.Envelope
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		t.Fatalf("decode: %v", err)
	}
	openReply(t, keys, &reply)
}

func TestCallbackRejects(t *testing.T) {
	ts := newTestServer(t, nil, nil)

	cases := map[string]string{
		"unquoted id":  "/callback?id=abc",
		"bad callback": "/callback?id=%22a%22&callbackUrl=%22javascript:alert(1)%22",
		"no content":   "/callback?id=%22b%22",
	}
	for name, path := range cases {
		t.Run(name, func(t *testing.T) {
			resp, err := noRedirect().Get(ts.URL + path)
			if err != nil {
				t.Fatalf("GET: %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", resp.StatusCode)
			}
		})
	}
}

func TestSignerTypeQueryRedirect(t *testing.T) {
	ts := newTestServer(t, nil, nil)
	q := url.Values{}
	q.Set("id", `"query-1"`)
	q.Set("event", `"selectSignerType"`)
	q.Set("callbackUrl", `"https://dapp.example/cb"`)

	resp, err := noRedirect().Get(ts.URL + "/callback?" + q.Encode())
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()

	loc, _ := url.Parse(resp.Header.Get("Location"))
	if loc.Query().Get("data") != `"scw"` || loc.Query().Get("requestId") != `"query-1"` {
		t.Fatalf("redirected to %s", loc)
	}
}

func dialWS(t *testing.T, ts *httptest.Server, sender string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?sender=" + url.QueryEscape(sender)
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestWebsocketCarrier(t *testing.T) {
	ts := newTestServer(t, nil, nil)
	keys := keyagreement.NewManager()
	env := handshake(t, keys)

	conn := dialWS(t, ts, env.Sender)
	if err := conn.WriteJSON(env); err != nil {
		t.Fatalf("write: %v", err)
	}

	var reply model.Envelope
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if err := conn.ReadJSON(&reply); err != nil {
		t.Fatalf("read: %v", err)
	}
	openReply(t, keys, &reply)

	secret, _ := keys.SharedSecret()
	req := &model.RPCRequest{Action: model.Action{Method: "eth_chainId", Params: []any{}}}
	content, err := cipher.EncryptContent(req.Value(), secret)
	if err != nil {
		t.Fatalf("EncryptContent: %v", err)
	}
	if err := conn.WriteJSON(&model.Envelope{ID: uuid.NewString(), Sender: env.Sender, Content: content}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := conn.ReadJSON(&reply); err != nil {
		t.Fatalf("read: %v", err)
	}
	msg := openReply(t, keys, &reply)
	if v := msg["result"].(map[string]any)["value"]; v != "0x2105" {
		t.Fatalf("chain id = %v", v)
	}
}

func TestWebsocketForwardsPending(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	pending := NewPendingCache(redis.NewRedis(rdb), time.Minute)
	queued := &model.Reply{SignerType: &model.SignerTypeReply{RequestID: "old", Data: "scw"}}
	if err := pending.Put(context.Background(), "dapp-1", queued); err != nil {
		t.Fatalf("Put: %v", err)
	}

	ts := newTestServer(t, pending, nil)
	conn := dialWS(t, ts, "dapp-1")

	var got model.SignerTypeReply
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.RequestID != "old" {
		t.Fatalf("forwarded %+v", got)
	}

	left, err := pending.Take(context.Background(), "dapp-1")
	if err != nil || len(left) != 0 {
		t.Fatalf("pending not drained: %v, %v", left, err)
	}
}

func TestRateLimit(t *testing.T) {
	ts := newTestServer(t, nil, ratelimit.New(0.001, 1, time.Minute))

	first, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	first.Body.Close()
	second, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	second.Body.Close()

	if first.StatusCode != http.StatusOK || second.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("statuses = %d, %d", first.StatusCode, second.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, nil, nil)
	if _, err := http.Get(callbackURL(t, ts.URL, handshake(t, keyagreement.NewManager()))); err != nil {
		t.Fatalf("GET: %v", err)
	}

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestResetSessionAllowsNewPeer(t *testing.T) {
	ts := newTestServer(t, nil, nil)

	resp, err := http.Get(callbackURL(t, ts.URL, handshake(t, keyagreement.NewManager())))
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()

	// a second dapp key conflicts with the derived secret
	resp, err = http.Get(callbackURL(t, ts.URL, handshake(t, keyagreement.NewManager())))
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("conflicting handshake status = %d", resp.StatusCode)
	}

	if status := resetSession(t, ts.URL, testAdminToken); status != http.StatusNoContent {
		t.Fatalf("reset status = %d", status)
	}

	resp, err = http.Get(callbackURL(t, ts.URL, handshake(t, keyagreement.NewManager())))
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("handshake after reset status = %d", resp.StatusCode)
	}
}

func resetSession(t *testing.T, base, token string) int {
	t.Helper()
	req, err := http.NewRequest(http.MethodDelete, base+"/session", nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	resp.Body.Close()
	return resp.StatusCode
}

func TestResetSessionRequiresAdminToken(t *testing.T) {
	ts := newTestServer(t, nil, nil)

	resp, err := http.Get(callbackURL(t, ts.URL, handshake(t, keyagreement.NewManager())))
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()

	for _, token := range []string{"", "wrong", testAdminToken + "x"} {
		if status := resetSession(t, ts.URL, token); status != http.StatusUnauthorized {
			t.Fatalf("reset with token %q status = %d", token, status)
		}
	}

	// the bound peer survives, so another dapp still conflicts
	resp, err = http.Get(callbackURL(t, ts.URL, handshake(t, keyagreement.NewManager())))
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("takeover handshake status = %d", resp.StatusCode)
	}
}

func TestResetSessionNotServedWithoutToken(t *testing.T) {
	r := relay.New(keyagreement.NewManager(), staticIdentity{}, executor.NewRegistry(staticIdentity{}, 8453), nil, relay.Options{})
	ts := httptest.NewServer(NewHttpServer(r, nil, Options{}).Router())
	t.Cleanup(ts.Close)

	if status := resetSession(t, ts.URL, ""); status == http.StatusNoContent {
		t.Fatalf("reset served without an admin token")
	}
}

func TestWebsocketRejectsDuplicateSender(t *testing.T) {
	ts := newTestServer(t, nil, nil)
	sender := handshake(t, keyagreement.NewManager()).Sender

	dialWS(t, ts, sender)

	u := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?sender=" + url.QueryEscape(sender)
	conn, resp, err := websocket.DefaultDialer.Dial(u, nil)
	if err == nil {
		conn.Close()
		t.Fatalf("second connection for the same sender accepted")
	}
	if resp == nil || resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate sender response = %+v, err = %v", resp, err)
	}
}

func TestWebsocketFailedUpgradeReleasesSender(t *testing.T) {
	ts := newTestServer(t, nil, nil)
	sender := handshake(t, keyagreement.NewManager()).Sender

	// a plain GET cannot be upgraded
	resp, err := http.Get(ts.URL + "/ws?sender=" + url.QueryEscape(sender))
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("plain GET status = %d", resp.StatusCode)
	}

	dialWS(t, ts, sender)
}
