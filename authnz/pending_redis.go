package authnz

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisPendingPrefix = "authnz:pending:"

// RedisPendingStore shares pending logins between instances. Entries expire
// in redis after ttl and are removed atomically with GETDEL on use.
type RedisPendingStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisPendingStore wraps an already connected client.
func NewRedisPendingStore(client *redis.Client, ttl time.Duration) *RedisPendingStore {
	return &RedisPendingStore{client: client, ttl: ttl}
}

// Save stores p until the state it belongs to expires.
func (s *RedisPendingStore) Save(ctx context.Context, p PendingLogin) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode pending login: %w", err)
	}
	if err := s.client.Set(ctx, redisPendingPrefix+p.ID, raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("save pending login: %w", err)
	}
	return nil
}

// Consume returns and deletes the pending login in one round trip.
func (s *RedisPendingStore) Consume(ctx context.Context, id string) (PendingLogin, error) {
	raw, err := s.client.GetDel(ctx, redisPendingPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return PendingLogin{}, ErrPendingNotFound
	}
	if err != nil {
		return PendingLogin{}, fmt.Errorf("consume pending login: %w", err)
	}
	var p PendingLogin
	if err := json.Unmarshal(raw, &p); err != nil {
		return PendingLogin{}, fmt.Errorf("decode pending login: %w", err)
	}
	return p, nil
}
