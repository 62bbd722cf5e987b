package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"passkey_relay/internal/model"
	"passkey_relay/internal/protocol/keyagreement"
	"passkey_relay/internal/protocol/relay"
	"passkey_relay/internal/utils/log"
	"passkey_relay/internal/utils/ratelimit"
)

type (
	// Relay is the session the carriers feed envelopes into.
	Relay interface {
		Handle(ctx context.Context, env *model.Envelope) (*model.Reply, error)
	}

	resetter interface {
		Reset()
	}

	Options struct {
		Addr     string
		Limiter  *ratelimit.MapLimiter
		Gatherer prometheus.Gatherer

		// AdminToken guards DELETE /session. The route is not served without one.
		AdminToken string
	}

	HttpServer struct {
		relay   Relay
		pending *PendingCache
		opts    Options

		mu     sync.Mutex
		// A nil conn marks a sender whose upgrade is in flight.
		mapper map[string]*websocket.Conn
	}

	wsError struct {
		ID    string `json:"id,omitempty"`
		Error string `json:"error"`
	}
)

func NewHttpServer(r Relay, pending *PendingCache, opts Options) *HttpServer {
	return &HttpServer{
		relay:   r,
		pending: pending,
		opts:    opts,
		mapper:  make(map[string]*websocket.Conn),
	}
}

func (s *HttpServer) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.rateLimit)

	r.HandleFunc("/callback", s.HandleCallback()).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.HandleInitWS()).Methods(http.MethodGet)
	if s.opts.AdminToken != "" {
		r.HandleFunc("/session", s.HandleResetSession()).Methods(http.MethodDelete)
	}
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	if s.opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

// Run serves until ctx is cancelled.
func (s *HttpServer) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("relay listening", zap.String("addr", s.opts.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.closeConns()
		return srv.Shutdown(shutdownCtx)
	}
}

// HandleCallback is the redirect carrier: every envelope field arrives as a
// JSON-encoded query parameter and the reply goes back the same way on callbackUrl.
func (s *HttpServer) HandleCallback() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		env, err := model.DecodeQuery(r.URL.Query())
		if err != nil {
			log.Warn("decode callback failed", zap.Error(err))
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		var callback *url.URL
		if env.CallbackURL != "" {
			callback, err = url.Parse(env.CallbackURL)
			if err != nil || (callback.Scheme != "http" && callback.Scheme != "https") || callback.Host == "" {
				http.Error(w, "invalid callbackUrl", http.StatusBadRequest)
				return
			}
		}

		reply, err := s.relay.Handle(r.Context(), env)
		if err != nil {
			log.Error("handle envelope failed", zap.String("id", env.ID), zap.Error(err))
			http.Error(w, err.Error(), statusFor(err))
			return
		}

		if callback == nil {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(reply)
			return
		}

		params, err := reply.EncodeQuery()
		if err != nil {
			log.Error("encode reply failed", zap.Error(err))
			http.Error(w, "encode reply failed", http.StatusInternalServerError)
			return
		}
		q := callback.Query()
		for k, v := range params {
			q[k] = v
		}
		callback.RawQuery = q.Encode()
		http.Redirect(w, r, callback.String(), http.StatusFound)
	}
}

// HandleResetSession drops the session's peer key so a new dapp can handshake.
// Only the operator holding the admin token may do this.
func (s *HttpServer) HandleResetSession() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authorized(r) {
			log.Warn("unauthorized session reset", zap.String("remote", r.RemoteAddr))
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		rs, ok := s.relay.(resetter)
		if !ok {
			http.Error(w, "reset not supported", http.StatusNotImplemented)
			return
		}
		rs.Reset()
		log.Info("relay session reset")
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *HttpServer) authorized(r *http.Request) bool {
	if s.opts.AdminToken == "" {
		return false
	}
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.opts.AdminToken)) == 1
}

// HandleInitWS is the popup carrier: envelopes and replies travel as JSON
// text frames. Replies that cannot be written are queued for the sender.
func (s *HttpServer) HandleInitWS() http.HandlerFunc {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true // dapps live on arbitrary origins
		},
	}

	return func(w http.ResponseWriter, r *http.Request) {
		sender := r.URL.Query().Get("sender")
		if sender == "" {
			http.Error(w, "sender cannot be empty", http.StatusBadRequest)
			return
		}

		s.mu.Lock()
		_, dup := s.mapper[sender]
		if !dup {
			s.mapper[sender] = nil
		}
		s.mu.Unlock()
		if dup {
			http.Error(w, "duplicated sender", http.StatusConflict)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Error("upgrade failed", zap.Error(err))
			s.mu.Lock()
			delete(s.mapper, sender)
			s.mu.Unlock()
			return
		}

		s.mu.Lock()
		s.mapper[sender] = conn
		s.mu.Unlock()

		if err := s.ForwardPending(context.Background(), sender, conn); err != nil {
			log.Error("forward pending replies failed", zap.Error(err))
		}
		go s.processWSMessage(sender, conn)
	}
}

func (s *HttpServer) processWSMessage(sender string, conn *websocket.Conn) {
	defer func() {
		s.mu.Lock()
		delete(s.mapper, sender)
		s.mu.Unlock()
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			log.Debug("web socket closed", zap.Error(err))
			return
		}

		var env model.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Warn("unmarshal envelope failed", zap.Error(err))
			conn.WriteJSON(wsError{Error: err.Error()})
			continue
		}

		reply, err := s.relay.Handle(context.Background(), &env)
		if err != nil {
			log.Error("handle envelope failed", zap.String("id", env.ID), zap.Error(err))
			conn.WriteJSON(wsError{ID: env.ID, Error: err.Error()})
			continue
		}

		if err := conn.WriteJSON(reply); err != nil {
			log.Warn("write reply failed, queueing", zap.Error(err))
			if err := s.pending.Put(context.Background(), sender, reply); err != nil {
				log.Error("queue reply failed", zap.Error(err))
			}
			return
		}
	}
}

func (s *HttpServer) ForwardPending(ctx context.Context, sender string, conn *websocket.Conn) error {
	replies, err := s.pending.Take(ctx, sender)
	if err != nil {
		return err
	}

	for _, reply := range replies {
		if err := conn.WriteMessage(websocket.TextMessage, reply); err != nil {
			return err
		}
	}
	return nil
}

func (s *HttpServer) closeConns() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sender, conn := range s.mapper {
		if conn != nil {
			conn.Close()
		}
		delete(s.mapper, sender)
	}
}

func (s *HttpServer) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		if !s.opts.Limiter.Allow(host, time.Now()) {
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, relay.ErrDuplicateEnvelope),
		errors.Is(err, keyagreement.ErrPeerKeyConflict):
		return http.StatusConflict
	case errors.Is(err, relay.ErrSessionFailed):
		return http.StatusGone
	case errors.Is(err, relay.ErrUnsupportedMessage),
		errors.Is(err, model.ErrMalformedContent),
		errors.Is(err, model.ErrMalformedCarrier):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
