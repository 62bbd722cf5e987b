package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"passkey_relay/internal/config"
	"passkey_relay/internal/cryptographic/webauthn"
	"passkey_relay/internal/identity"
	"passkey_relay/internal/protocol/keyagreement"
	"passkey_relay/internal/protocol/relay"
	"passkey_relay/internal/repository/user"
	"passkey_relay/internal/service/executor"
	"passkey_relay/internal/service/metrics"
	redisSvc "passkey_relay/internal/service/redis"
	"passkey_relay/internal/service/server"
	"passkey_relay/internal/utils/log"
	"passkey_relay/internal/utils/ratelimit"
)

var configPath string

type deps struct {
	cfg      config.Config
	mongo    *mongo.Client
	redis    *redisSvc.RedisService
	userRepo *user.UserRepo
	auth     *webauthn.SoftAuthenticator
	store    *identity.Store
}

func main() {
	root := &cobra.Command{
		Use:           "relay-server",
		Short:         "Wallet-side passkey relay",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "config file (default configs/config.yaml)")
	root.AddCommand(serveCmd(), enrollCmd(), whoamiCmd(), signOutCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the redirect and websocket carriers",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			d, err := setup(ctx)
			if err != nil {
				return err
			}
			defer d.close()

			reg := prometheus.NewRegistry()
			reg.MustRegister(
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			)

			registry := executor.NewRegistry(d.store, firstChain(d.cfg.Relay.Chains))
			registry.RegisterPasskeySigner(d.auth)

			r := relay.New(
				keyagreement.NewManager(),
				d.store,
				registry,
				relay.NewRedisGuard(d.redis, d.cfg.Relay.ReplayTTL),
				relay.Options{
					Chains:     d.cfg.Relay.Chains,
					SignerType: d.cfg.Relay.SignerType,
					Metrics:    metrics.NewRelay(reg),
				},
			)

			srv := server.NewHttpServer(r, server.NewPendingCache(d.redis, d.cfg.HTTP.PendingTTL), server.Options{
				Addr:       d.cfg.HTTP.Addr,
				Limiter:    ratelimit.New(d.cfg.HTTP.RateLimit, d.cfg.HTTP.RateBurst, 0),
				Gatherer:   reg,
				AdminToken: d.cfg.HTTP.AdminToken,
			})
			log.Info("serving", zap.Strings("methods", registry.Methods()))
			return srv.Run(ctx)
		},
	}
}

func enrollCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "enroll",
		Short: "Register the passkey and derive its account",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer d.close()

			if err := d.userRepo.EnsureIndexes(cmd.Context()); err != nil {
				return fmt.Errorf("ensure indexes: %w", err)
			}
			pub, err := d.auth.PublicKey()
			if err != nil {
				return err
			}
			id, err := d.store.Enroll(cmd.Context(), d.auth.CredentialID(), pub)
			if errors.Is(err, user.ErrDuplicateUser) {
				return fmt.Errorf("passkey already enrolled, use whoami")
			}
			if err != nil {
				return err
			}
			fmt.Println(id.Account.Hex())
			return nil
		},
	}
}

func whoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Recover the account from two passkey signatures",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer d.close()

			id, err := d.store.Authenticate(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Println(id.Account.Hex())
			return nil
		},
	}
}

func signOutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "signout",
		Short: "Forget the cached identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer d.close()
			return d.store.SignOut(cmd.Context())
		},
	}
}

func setup(ctx context.Context) (*deps, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := log.Init(cfg.LogLevel); err != nil {
		return nil, err
	}

	mongoDBClient, err := initMongo(ctx, cfg.Mongo.URI)
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	db := mongoDBClient.Database(cfg.Mongo.Database)

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	rds := redisSvc.NewRedis(rdb)
	if err := rds.Ping(ctx); err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}

	key, created, err := webauthn.LoadOrCreateKey(cfg.Passkey.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("passkey: %w", err)
	}
	if created {
		log.Info("generated passkey", zap.String("file", cfg.Passkey.KeyFile))
	}
	auth := webauthn.NewSoftAuthenticator(key, webauthn.CredentialIDFor(key), cfg.Passkey.RPID, cfg.Passkey.Origin)

	userRepo := user.NewUserRepo(db)
	store := identity.NewStore(userRepo, identity.NewRedisSnapshotStore(rds, cfg.Relay.SnapshotKey), auth)
	if err := store.Load(ctx); err != nil && !errors.Is(err, identity.ErrSnapshotVersion) {
		return nil, err
	}

	return &deps{
		cfg:      cfg,
		mongo:    mongoDBClient,
		redis:    rds,
		userRepo: userRepo,
		auth:     auth,
		store:    store,
	}, nil
}

func (d *deps) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.mongo.Disconnect(ctx); err != nil {
		log.Warn("mongo disconnect failed", zap.Error(err))
	}
	log.Sync()
}

func initMongo(ctx context.Context, uri string) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	return client, client.Ping(ctx, nil)
}

// firstChain picks the lowest configured chain id for eth_chainId.
func firstChain(chains map[uint64]string) uint64 {
	ids := make([]uint64, 0, len(chains))
	for id := range chains {
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return 0
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids[0]
}
