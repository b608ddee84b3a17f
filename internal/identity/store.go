package identity

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// CodeStore keeps verification code hashes and verified markers with expiry.
type CodeStore interface {
	PutCode(ctx context.Context, key, hash string, ttl time.Duration) error
	GetCode(ctx context.Context, key string) (string, bool, error)
	// Promote deletes the code and writes the verified marker as one step.
	Promote(ctx context.Context, codeKey, verifiedKey string, verifiedTTL time.Duration) error
	MarkVerified(ctx context.Context, verifiedKey string, ttl time.Duration) error
	IsVerified(ctx context.Context, verifiedKey string) (bool, error)
}

const keyPrefix = "reservo:kiosk"

func codeKey(accountID int64, normalized string) string {
	return fmt.Sprintf("%s:verification:%d:%s", keyPrefix, accountID, PhoneHash(normalized))
}

func verifiedKey(accountID int64, normalized string) string {
	return fmt.Sprintf("%s:verified:%d:%s", keyPrefix, accountID, PhoneHash(normalized))
}

func lockKey(accountID int64, normalized string) string {
	return fmt.Sprintf("%s:lock:%d:%s", keyPrefix, accountID, PhoneHash(normalized))
}

// RedisStore is the production CodeStore.
type RedisStore struct {
	client redis.UniversalClient
}

func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) PutCode(ctx context.Context, key, hash string, ttl time.Duration) error {
	return s.client.Set(ctx, key, hash, ttl).Err()
}

func (s *RedisStore) GetCode(ctx context.Context, key string) (string, bool, error) {
	v, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *RedisStore) Promote(ctx context.Context, codeKey, verifiedKey string, verifiedTTL time.Duration) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, codeKey)
		pipe.Set(ctx, verifiedKey, "1", verifiedTTL)
		return nil
	})
	return err
}

func (s *RedisStore) MarkVerified(ctx context.Context, key string, ttl time.Duration) error {
	return s.client.Set(ctx, key, "1", ttl).Err()
}

func (s *RedisStore) IsVerified(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// MemoryStore is a single-process CodeStore for local runs without Redis.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memoryEntry), now: time.Now}
}

func (s *MemoryStore) get(key string) (string, bool) {
	e, ok := s.entries[key]
	if !ok {
		return "", false
	}
	if !s.now().Before(e.expiresAt) {
		delete(s.entries, key)
		return "", false
	}
	return e.value, true
}

func (s *MemoryStore) PutCode(_ context.Context, key, hash string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = memoryEntry{value: hash, expiresAt: s.now().Add(ttl)}
	return nil
}

func (s *MemoryStore) GetCode(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.get(key)
	return v, ok, nil
}

func (s *MemoryStore) Promote(_ context.Context, codeKey, verifiedKey string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, codeKey)
	s.entries[verifiedKey] = memoryEntry{value: "1", expiresAt: s.now().Add(ttl)}
	return nil
}

func (s *MemoryStore) MarkVerified(_ context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = memoryEntry{value: "1", expiresAt: s.now().Add(ttl)}
	return nil
}

func (s *MemoryStore) IsVerified(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.get(key)
	return ok, nil
}
