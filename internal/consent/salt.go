package consent

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// SaltStore is the external KV collaborator holding per-tenant IP-hash salts.
type SaltStore interface {
	// Get returns the stored salt and whether one exists.
	Get(ctx context.Context, key string) (string, bool, error)
	// Put stores a salt unconditionally.
	Put(ctx context.Context, key, value string) error
}

// AtomicSaltStore is an optional upgrade: stores that support put-if-absent
// close the first-hash provisioning race between concurrent requests.
// PutIfAbsent returns the value that won, whether ours or a concurrent writer's.
type AtomicSaltStore interface {
	PutIfAbsent(ctx context.Context, key, value string) (string, error)
}

func saltKey(tenantID string) string {
	return "consent:ipsalt:" + tenantID
}

// TenantSalt returns the tenant's IP-hash salt, lazily provisioning one on
// first use. When the store is nil or unavailable it falls back to the tenant
// id itself so evidence hashing keeps working in degraded mode.
func TenantSalt(ctx context.Context, store SaltStore, tenantID string) string {
	if store == nil {
		return tenantID
	}
	key := saltKey(tenantID)

	salt, found, err := store.Get(ctx, key)
	if err != nil {
		return tenantID
	}
	if found {
		return salt
	}

	fresh, err := newSalt()
	if err != nil {
		return tenantID
	}
	if atomic, ok := store.(AtomicSaltStore); ok {
		won, err := atomic.PutIfAbsent(ctx, key, fresh)
		if err != nil {
			return tenantID
		}
		return won
	}
	// Plain KV: read-then-write. Concurrent first-time hashes for the same
	// tenant can race and provision divergent salts.
	if err := store.Put(ctx, key, fresh); err != nil {
		return tenantID
	}
	return fresh
}

// HashIPForTenant is the evidence entry point: salt lookup plus HashIP.
func HashIPForTenant(ctx context.Context, store SaltStore, tenantID, ip string) string {
	return HashIP(TenantSalt(ctx, store, tenantID), ip)
}

func newSalt() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// RedisSaltStore backs SaltStore with Redis. SetNX gives it the atomic
// put-if-absent path.
type RedisSaltStore struct {
	client *redis.Client
}

func NewRedisSaltStore(client *redis.Client) *RedisSaltStore {
	return &RedisSaltStore{client: client}
}

func (s *RedisSaltStore) Get(ctx context.Context, key string) (string, bool, error) {
	value, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("salt get: %w", err)
	}
	return value, true, nil
}

func (s *RedisSaltStore) Put(ctx context.Context, key, value string) error {
	if err := s.client.Set(ctx, key, value, 0).Err(); err != nil {
		return fmt.Errorf("salt put: %w", err)
	}
	return nil
}

// PutIfAbsent stores the salt only when no salt exists yet and returns the
// winning value, re-reading on a lost race.
func (s *RedisSaltStore) PutIfAbsent(ctx context.Context, key, value string) (string, error) {
	set, err := s.client.SetNX(ctx, key, value, 0).Result()
	if err != nil {
		return "", fmt.Errorf("salt setnx: %w", err)
	}
	if set {
		return value, nil
	}
	existing, err := s.client.Get(ctx, key).Result()
	if err != nil {
		return "", fmt.Errorf("salt reread: %w", err)
	}
	return existing, nil
}
