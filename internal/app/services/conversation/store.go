// Package conversation tracks short-lived per-account dialog state, such as
// a command waiting for one more piece of input.
package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// State is what a command left pending for an account. Data carries any
// arguments collected so far.
type State struct {
	Command string            `json:"command"`
	Prompt  string            `json:"prompt"`
	Data    map[string]string `json:"data,omitempty"`
}

// Store holds pending dialog state with a TTL. Expired state reads as
// absent.
type Store interface {
	Set(ctx context.Context, accountID string, st State, ttl time.Duration) error
	Get(ctx context.Context, accountID string) (State, bool, error)
	Clear(ctx context.Context, accountID string) error
}

type memoryEntry struct {
	state     State
	expiresAt time.Time
}

// MemoryStore keeps dialog state in process memory. Entries expire lazily
// on read.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

func (s *MemoryStore) Set(_ context.Context, accountID string, st State, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("ttl must be positive")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[accountID] = memoryEntry{state: st, expiresAt: s.now().Add(ttl)}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, accountID string) (State, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[accountID]
	if !ok {
		return State{}, false, nil
	}
	if s.now().After(entry.expiresAt) {
		delete(s.entries, accountID)
		return State{}, false, nil
	}
	return entry.state, true, nil
}

func (s *MemoryStore) Clear(_ context.Context, accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, accountID)
	return nil
}

// RedisStore keeps dialog state in Redis so it survives restarts and is
// shared between instances. Keys expire server-side.
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, prefix: "phoenix:dialog:"}
}

func (s *RedisStore) key(accountID string) string { return s.prefix + accountID }

func (s *RedisStore) Set(ctx context.Context, accountID string, st State, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("ttl must be positive")
	}
	payload, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal dialog state: %w", err)
	}
	return s.client.Set(ctx, s.key(accountID), payload, ttl).Err()
}

func (s *RedisStore) Get(ctx context.Context, accountID string) (State, bool, error) {
	payload, err := s.client.Get(ctx, s.key(accountID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return State{}, false, nil
	}
	if err != nil {
		return State{}, false, fmt.Errorf("read dialog state: %w", err)
	}
	var st State
	if err := json.Unmarshal(payload, &st); err != nil {
		return State{}, false, fmt.Errorf("decode dialog state: %w", err)
	}
	return st, true, nil
}

func (s *RedisStore) Clear(ctx context.Context, accountID string) error {
	return s.client.Del(ctx, s.key(accountID)).Err()
}
