// Package session shares decryption session credentials through Redis so
// restarted processes do not prompt the wallet again while a session is valid.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"zuzalu/api/internal/threshold"
)

const keyPrefix = "litsession:"

var _ threshold.CredentialCache = (*RedisStore)(nil)

// RedisStore implements threshold.CredentialCache using Redis
type RedisStore struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// NewRedisStore creates a new Redis-backed credential cache
func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(client), nil
}

// NewRedisStoreWithClient creates a store from an existing Redis client
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: keyPrefix,
		now:    time.Now,
	}
}

func (s *RedisStore) key(chain, address string) string {
	return s.prefix + strings.ToLower(chain) + ":" + strings.ToLower(address)
}

// SaveCredential stores a credential until it expires. Expired credentials are not stored.
func (s *RedisStore) SaveCredential(ctx context.Context, cred threshold.Credential) error {
	ttl := cred.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return nil
	}
	data, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("marshal credential: %w", err)
	}
	if err := s.client.Set(ctx, s.key(cred.Chain, cred.Address), data, ttl).Err(); err != nil {
		return fmt.Errorf("save credential: %w", err)
	}
	return nil
}

// LoadCredential returns the stored credential for chain and address, if any.
func (s *RedisStore) LoadCredential(ctx context.Context, chain, address string) (threshold.Credential, bool, error) {
	data, err := s.client.Get(ctx, s.key(chain, address)).Bytes()
	if errors.Is(err, redis.Nil) {
		return threshold.Credential{}, false, nil
	}
	if err != nil {
		return threshold.Credential{}, false, fmt.Errorf("load credential: %w", err)
	}

	var cred threshold.Credential
	if err := json.Unmarshal(data, &cred); err != nil {
		return threshold.Credential{}, false, fmt.Errorf("unmarshal credential: %w", err)
	}
	if !cred.Valid(s.now()) {
		return threshold.Credential{}, false, nil
	}
	return cred, true, nil
}

// RevokeCredential deletes the stored credential for chain and address
func (s *RedisStore) RevokeCredential(ctx context.Context, chain, address string) error {
	if err := s.client.Del(ctx, s.key(chain, address)).Err(); err != nil {
		return fmt.Errorf("revoke credential: %w", err)
	}
	return nil
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
