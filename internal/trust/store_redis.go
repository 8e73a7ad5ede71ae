package trust

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps profiles as key-prefixed JSON values so that multiple
// control-plane pods share the same profile state.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisStore creates a Redis-backed profile store. An empty prefix
// defaults to "vaultik:trust:".
func NewRedisStore(client *redis.Client, keyPrefix string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "vaultik:trust:"
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix}
}

func (s *RedisStore) key(userID string) string {
	return s.keyPrefix + "profile:" + userID
}

func (s *RedisStore) Load(ctx context.Context, userID string) (*UserTrustProfile, error) {
	raw, err := s.client.Get(ctx, s.key(userID)).Bytes()
	if err == redis.Nil {
		return nil, ErrProfileNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("trust: redis get: %w", err)
	}
	var profile UserTrustProfile
	if err := json.Unmarshal(raw, &profile); err != nil {
		return nil, fmt.Errorf("trust: decode profile: %w", err)
	}
	return &profile, nil
}

func (s *RedisStore) Save(ctx context.Context, profile *UserTrustProfile) error {
	raw, err := json.Marshal(profile)
	if err != nil {
		return fmt.Errorf("trust: encode profile: %w", err)
	}
	// Profiles have no TTL: they are the durable baseline state.
	if err := s.client.Set(ctx, s.key(profile.UserID), raw, 0).Err(); err != nil {
		return fmt.Errorf("trust: redis set: %w", err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, userID string) error {
	return s.client.Del(ctx, s.key(userID)).Err()
}
