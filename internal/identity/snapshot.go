package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"passkey_relay/internal/model"
	redisSvc "passkey_relay/internal/service/redis"
)

type SnapshotStore interface {
	// Load returns (nil, nil) when nothing was saved.
	Load(ctx context.Context) (*model.Snapshot, error)
	Save(ctx context.Context, snap *model.Snapshot) error
	Clear(ctx context.Context) error
}

type (
	FileSnapshotStore struct {
		path string
	}

	RedisSnapshotStore struct {
		redis *redisSvc.RedisService
		key   string
	}

	// MemorySnapshotStore keeps the snapshot for the process lifetime only.
	MemorySnapshotStore struct {
		mu   sync.Mutex
		data []byte
	}
)

func NewFileSnapshotStore(path string) *FileSnapshotStore {
	return &FileSnapshotStore{path: path}
}

func (s *FileSnapshotStore) Load(_ context.Context) (*model.Snapshot, error) {
	b, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeSnapshot(b)
}

// Save writes via a temp file then rename.
func (s *FileSnapshotStore) Save(_ context.Context, snap *model.Snapshot) error {
	b, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func (s *FileSnapshotStore) Clear(_ context.Context) error {
	err := os.Remove(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func NewRedisSnapshotStore(redis *redisSvc.RedisService, key string) *RedisSnapshotStore {
	return &RedisSnapshotStore{redis: redis, key: key}
}

func (s *RedisSnapshotStore) Load(ctx context.Context) (*model.Snapshot, error) {
	v, err := s.redis.Get(ctx, s.key)
	if redisSvc.IsNil(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeSnapshot([]byte(v))
}

func (s *RedisSnapshotStore) Save(ctx context.Context, snap *model.Snapshot) error {
	b, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return s.redis.Set(ctx, s.key, b, 0)
}

func (s *RedisSnapshotStore) Clear(ctx context.Context) error {
	return s.redis.Del(ctx, s.key)
}

func NewMemorySnapshotStore() *MemorySnapshotStore {
	return &MemorySnapshotStore{}
}

func (s *MemorySnapshotStore) Load(_ context.Context) (*model.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data == nil {
		return nil, nil
	}
	return decodeSnapshot(s.data)
}

func (s *MemorySnapshotStore) Save(_ context.Context, snap *model.Snapshot) error {
	b, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.data = b
	s.mu.Unlock()
	return nil
}

func (s *MemorySnapshotStore) Clear(_ context.Context) error {
	s.mu.Lock()
	s.data = nil
	s.mu.Unlock()
	return nil
}

func decodeSnapshot(b []byte) (*model.Snapshot, error) {
	var snap model.Snapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &snap, nil
}
