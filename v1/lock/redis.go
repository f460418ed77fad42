package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	redis "github.com/redis/go-redis/v9"

	tethererrors "github.com/mirkobrombin/go-tether/v1/errors"
)

const (
	redisKeyPrefix = "tether:leases:"
	maxTxRetries   = 16
)

// RedisStore keeps each key's leases as a JSON list in Redis. Updates run
// inside WATCH/MULTI and are retried when another writer touches the key.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore returns a RedisStore using the provided client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Update implements Store.Update.
func (s *RedisStore) Update(ctx context.Context, key string, fn func([]Lease) ([]Lease, error)) error {
	rk := redisKeyPrefix + key
	txf := func(tx *redis.Tx) error {
		var current []Lease
		raw, err := tx.Get(ctx, rk).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			if err := json.Unmarshal(raw, &current); err != nil {
				return fmt.Errorf("decode leases for %q: %w", key, err)
			}
		}

		next, err := fn(current)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if len(next) == 0 {
				pipe.Del(ctx, rk)
				return nil
			}
			payload, err := json.Marshal(next)
			if err != nil {
				return err
			}
			pipe.Set(ctx, rk, payload, 0)
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, txf, rk)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return tethererrors.ErrTimeout
		}
		return err
	}
	return fmt.Errorf("update leases for %q: %w", key, redis.TxFailedErr)
}
