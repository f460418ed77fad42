package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"

	tethererrors "github.com/mirkobrombin/go-tether/v1/errors"
	"github.com/mirkobrombin/go-tether/v1/merge"
	"github.com/mirkobrombin/go-tether/v1/task"
)

const (
	defaultRedisPrefix = "tether:docs:"
	redisTxRetries     = 8
)

// RedisStore implements Store on Redis: a hash of encoded bodies, a sorted
// set of update times and one set per category. Replace rewrites all of
// them inside a single MULTI/EXEC.
type RedisStore struct {
	client *redis.Client
	prefix string
	codec  Codec
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithRedisPrefix sets the key prefix. Stores with different prefixes are
// independent.
func WithRedisPrefix(prefix string) RedisOption {
	return func(s *RedisStore) { s.prefix = prefix }
}

// WithRedisCodec sets the codec used for record bodies.
func WithRedisCodec(c Codec) RedisOption {
	return func(s *RedisStore) { s.codec = c }
}

// NewRedisStore returns a RedisStore using the provided client.
func NewRedisStore(client *redis.Client, opts ...RedisOption) *RedisStore {
	s := &RedisStore{client: client, prefix: defaultRedisPrefix, codec: JSONCodec{}}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) bodyKey() string               { return s.prefix + "body" }
func (s *RedisStore) timeKey() string               { return s.prefix + "updated" }
func (s *RedisStore) categoriesKey() string         { return s.prefix + "categories" }
func (s *RedisStore) categoryKey(cat string) string { return s.prefix + "category:" + cat }

func score(t time.Time) float64 { return float64(t.UnixMicro()) }

func mapRedisErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return tethererrors.ErrTimeout
	}
	if errors.Is(err, redis.ErrClosed) {
		return tethererrors.ErrConnectionClosed
	}
	return err
}

// Replace implements Store.Replace.
func (s *RedisStore) Replace(ctx context.Context, docs []task.Record) error {
	ctx, span := tracer.Start(ctx, "cache.RedisStore.Replace")
	defer span.End()
	if err := validate(docs); err != nil {
		return err
	}

	bodies := make([]any, 0, len(docs)*2)
	members := make([]redis.Z, 0, len(docs))
	byCategory := make(map[string][]any)
	for _, d := range docs {
		body, err := s.codec.Encode(d)
		if err != nil {
			return fmt.Errorf("encode %q: %w", d.ID, err)
		}
		bodies = append(bodies, d.ID, body)
		members = append(members, redis.Z{Score: score(d.UpdatedAt), Member: d.ID})
		byCategory[d.Category] = append(byCategory[d.Category], d.ID)
	}

	txf := func(tx *redis.Tx) error {
		old, err := tx.SMembers(ctx, s.categoriesKey()).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			stale := []string{s.bodyKey(), s.timeKey(), s.categoriesKey()}
			for _, cat := range old {
				stale = append(stale, s.categoryKey(cat))
			}
			pipe.Del(ctx, stale...)
			if len(docs) == 0 {
				return nil
			}
			pipe.HSet(ctx, s.bodyKey(), bodies...)
			pipe.ZAdd(ctx, s.timeKey(), members...)
			for cat, ids := range byCategory {
				pipe.SAdd(ctx, s.categoryKey(cat), ids...)
				pipe.SAdd(ctx, s.categoriesKey(), cat)
			}
			return nil
		})
		return err
	}

	for i := 0; i < redisTxRetries; i++ {
		err := s.client.Watch(ctx, txf, s.categoriesKey())
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			span.RecordError(err)
			return mapRedisErr(err)
		}
		return nil
	}
	return fmt.Errorf("replace documents: %w", redis.TxFailedErr)
}

// All implements Store.All.
func (s *RedisStore) All(ctx context.Context) ([]task.Record, error) {
	raw, err := s.client.HGetAll(ctx, s.bodyKey()).Result()
	if err != nil {
		return nil, mapRedisErr(err)
	}
	out := make([]task.Record, 0, len(raw))
	for id, body := range raw {
		r, err := s.decode(id, body)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	merge.SortByID(out)
	return out, nil
}

// Get implements Store.Get.
func (s *RedisStore) Get(ctx context.Context, id string) (task.Record, bool, error) {
	body, err := s.client.HGet(ctx, s.bodyKey(), id).Result()
	if errors.Is(err, redis.Nil) {
		return task.Record{}, false, nil
	}
	if err != nil {
		return task.Record{}, false, mapRedisErr(err)
	}
	r, err := s.decode(id, body)
	if err != nil {
		return task.Record{}, false, err
	}
	return r, true, nil
}

// ByCategory implements Store.ByCategory.
func (s *RedisStore) ByCategory(ctx context.Context, category string) ([]task.Record, error) {
	ids, err := s.client.SMembers(ctx, s.categoryKey(category)).Result()
	if err != nil {
		return nil, mapRedisErr(err)
	}
	return s.load(ctx, ids, func(task.Record) bool { return true })
}

// Since implements Store.Since.
func (s *RedisStore) Since(ctx context.Context, t time.Time) ([]task.Record, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.timeKey(), &redis.ZRangeBy{
		Min: strconv.FormatFloat(score(t), 'f', -1, 64),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, mapRedisErr(err)
	}
	return s.load(ctx, ids, func(r task.Record) bool { return !r.UpdatedAt.Before(t) })
}

func (s *RedisStore) load(ctx context.Context, ids []string, keep func(task.Record) bool) ([]task.Record, error) {
	if len(ids) == 0 {
		return []task.Record{}, nil
	}
	vals, err := s.client.HMGet(ctx, s.bodyKey(), ids...).Result()
	if err != nil {
		return nil, mapRedisErr(err)
	}
	out := make([]task.Record, 0, len(vals))
	for i, v := range vals {
		body, ok := v.(string)
		if !ok {
			continue
		}
		r, err := s.decode(ids[i], body)
		if err != nil {
			return nil, err
		}
		if keep(r) {
			out = append(out, r)
		}
	}
	merge.SortByID(out)
	return out, nil
}

func (s *RedisStore) decode(id, body string) (task.Record, error) {
	r, err := s.codec.Decode([]byte(body))
	if err != nil {
		return task.Record{}, fmt.Errorf("decode %q: %w", id, err)
	}
	return r, nil
}
