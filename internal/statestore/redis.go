package statestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vipul43/connsync/internal/models"
)

const defaultKeyPrefix = "oauth:state:"

// RedisStore implements Store on Redis so every API instance sees the same
// in-flight states. Redemption uses GETDEL (Redis >= 6.2).
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
}

func NewRedisStore(client redis.UniversalClient, keyPrefix string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = defaultKeyPrefix
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix}
}

func (s *RedisStore) Save(ctx context.Context, state *models.AuthorizationState, ttl time.Duration) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode authorization state: %w", err)
	}

	ok, err := s.client.SetNX(ctx, s.keyPrefix+state.State, payload, ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to save authorization state: %w", err)
	}
	if !ok {
		return ErrStateExists
	}
	return nil
}

func (s *RedisStore) Peek(ctx context.Context, token string) (*models.AuthorizationState, error) {
	payload, err := s.client.Get(ctx, s.keyPrefix+token).Bytes()
	return s.decode(payload, err)
}

func (s *RedisStore) Take(ctx context.Context, token string) (*models.AuthorizationState, error) {
	payload, err := s.client.GetDel(ctx, s.keyPrefix+token).Bytes()
	return s.decode(payload, err)
}

func (s *RedisStore) Delete(ctx context.Context, token string) error {
	if err := s.client.Del(ctx, s.keyPrefix+token).Err(); err != nil {
		return fmt.Errorf("failed to delete authorization state: %w", err)
	}
	return nil
}

func (s *RedisStore) decode(payload []byte, err error) (*models.AuthorizationState, error) {
	if errors.Is(err, redis.Nil) {
		return nil, ErrStateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read authorization state: %w", err)
	}

	var state models.AuthorizationState
	if err := json.Unmarshal(payload, &state); err != nil {
		return nil, fmt.Errorf("failed to decode authorization state: %w", err)
	}
	return &state, nil
}

var _ Store = (*RedisStore)(nil)
