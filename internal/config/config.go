package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type (
	Config struct {
		LogLevel string        `yaml:"logLevel"`
		HTTP     HTTPConfig    `yaml:"http"`
		Mongo    MongoConfig   `yaml:"mongo"`
		Redis    RedisConfig   `yaml:"redis"`
		Relay    RelayConfig   `yaml:"relay"`
		Passkey  PasskeyConfig `yaml:"passkey"`
	}

	HTTPConfig struct {
		Addr       string        `yaml:"addr"`
		RateLimit  float64       `yaml:"rateLimit"`
		RateBurst  int           `yaml:"rateBurst"`
		PendingTTL time.Duration `yaml:"pendingTTL"`
		// AdminToken enables DELETE /session for callers presenting it as a bearer token.
		AdminToken string        `yaml:"adminToken"`
	}

	MongoConfig struct {
		URI      string `yaml:"uri"`
		Database string `yaml:"database"`
	}

	RedisConfig struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	}

	RelayConfig struct {
		// ReplayTTL bounds how long envelope ids are remembered; zero keeps them forever.
		ReplayTTL   time.Duration     `yaml:"replayTTL"`
		SnapshotKey string            `yaml:"snapshotKey"`
		SignerType  string            `yaml:"signerType"`
		Chains      map[uint64]string `yaml:"chains"`
	}

	// PasskeyConfig configures the software authenticator used when no
	// platform passkey is attached to the daemon.
	PasskeyConfig struct {
		KeyFile string `yaml:"keyFile"`
		RPID    string `yaml:"rpID"`
		Origin  string `yaml:"origin"`
	}
)

func Default() Config {
	return Config{
		LogLevel: "info",
		HTTP: HTTPConfig{
			Addr:       "localhost:9090",
			RateLimit:  20,
			RateBurst:  40,
			PendingTTL: 10 * time.Minute,
		},
		Mongo: MongoConfig{
			URI:      "mongodb://localhost:27017",
			Database: "mydb",
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Relay: RelayConfig{
			ReplayTTL:   0,
			SnapshotKey: "passkey_relay:snapshot",
			SignerType:  "scw",
			Chains:      map[uint64]string{},
		},
		Passkey: PasskeyConfig{
			KeyFile: "passkey.key",
			RPID:    "localhost",
			Origin:  "http://localhost:9090",
		},
	}
}

// Load reads the first readable candidate over the defaults and applies env overrides.
// An explicit path that cannot be read or parsed is an error.
func Load(path string) (Config, error) {
	cfg := Default()

	candidates := []string{"configs/config.yaml", "config.yaml"}
	if path != "" {
		candidates = []string{path}
	}

	for _, candidate := range candidates {
		data, err := os.ReadFile(candidate)
		if err != nil {
			if path != "" {
				return cfg, fmt.Errorf("read config %s: %w", candidate, err)
			}
			continue
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", candidate, err)
		}
		break
	}

	ApplyEnvOverrides(&cfg)
	return cfg, cfg.Validate()
}

func ApplyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("RELAY_HTTP_ADDR")); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := strings.TrimSpace(os.Getenv("RELAY_ADMIN_TOKEN")); v != "" {
		cfg.HTTP.AdminToken = v
	}
	if v := strings.TrimSpace(os.Getenv("RELAY_MONGO_URI")); v != "" {
		cfg.Mongo.URI = v
	}
	if v := strings.TrimSpace(os.Getenv("RELAY_REDIS_ADDR")); v != "" {
		cfg.Redis.Addr = v
	}
	if v := strings.TrimSpace(os.Getenv("RELAY_REDIS_DB")); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.Redis.DB = db
		}
	}
	if v := strings.TrimSpace(os.Getenv("RELAY_LOG_LEVEL")); v != "" {
		cfg.LogLevel = v
	}
	if v := strings.TrimSpace(os.Getenv("RELAY_PASSKEY_KEY_FILE")); v != "" {
		cfg.Passkey.KeyFile = v
	}
}

func (c Config) Validate() error {
	if c.HTTP.Addr == "" {
		return fmt.Errorf("config: http.addr is required")
	}
	if c.Relay.ReplayTTL < 0 {
		return fmt.Errorf("config: relay.replayTTL must not be negative")
	}
	if c.Relay.SignerType == "" {
		return fmt.Errorf("config: relay.signerType is required")
	}
	return nil
}
