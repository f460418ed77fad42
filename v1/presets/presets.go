// Package presets wires the shared components of a tether process from a
// configuration: the broadcast bus, the lease table, the durable cache and
// the watch bus.
package presets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	nats "github.com/nats-io/nats.go"
	redis "github.com/redis/go-redis/v9"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/mirkobrombin/go-tether/v1/cache"
	"github.com/mirkobrombin/go-tether/v1/config"
	"github.com/mirkobrombin/go-tether/v1/lock"
	"github.com/mirkobrombin/go-tether/v1/syncbus"
	buskafka "github.com/mirkobrombin/go-tether/v1/syncbus/kafka"
	busmesh "github.com/mirkobrombin/go-tether/v1/syncbus/mesh"
	busnats "github.com/mirkobrombin/go-tether/v1/syncbus/nats"
	busredis "github.com/mirkobrombin/go-tether/v1/syncbus/redis"
	"github.com/mirkobrombin/go-tether/v1/watchbus"
)

const (
	breakerThreshold = 5
	breakerTimeout   = 30 * time.Second
)

// Stack holds the components shared by every context of a process.
type Stack struct {
	Bus    syncbus.Bus
	Leases lock.Store
	Cache  cache.Store
	Watch  watchbus.WatchBus

	closers []func() error
}

// Manager returns a lock manager over the stack's lease table and bus.
func (s *Stack) Manager(opts ...lock.Option) *lock.Manager {
	return lock.NewManager(s.Leases, s.Bus, opts...)
}

// Close releases the connections opened for the stack, last opened first.
func (s *Stack) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

func (s *Stack) onClose(fn func() error) {
	s.closers = append(s.closers, fn)
}

// NewInMemoryStandalone returns a stack that runs entirely in-memory with
// no external dependencies. Useful for local development and tests.
func NewInMemoryStandalone() *Stack {
	return &Stack{
		Bus:    syncbus.NewInMemoryBus(),
		Leases: lock.NewInMemoryStore(),
		Cache:  cache.NewInMemory(),
		Watch:  watchbus.NewInMemory(),
	}
}

// NewRedis returns a stack that keeps every shared component in Redis.
// The caller owns client.
func NewRedis(client *redis.Client) *Stack {
	bus := busredis.NewRedisBus(busredis.RedisBusOptions{Client: client})
	s := &Stack{
		Bus:    syncbus.NewCircuitBreaker(bus, breakerThreshold, breakerTimeout),
		Leases: lock.NewRedisStore(client),
		Cache:  cache.NewResilient(cache.NewRedisStore(client)),
		Watch:  watchbus.NewRedisWatchBus(client),
	}
	s.onClose(bus.Close)
	return s
}

// Open builds the stack selected by cfg.Backend. On error every connection
// opened so far is closed.
func Open(ctx context.Context, cfg *config.Config) (_ *Stack, err error) {
	s := &Stack{}
	defer func() {
		if err != nil {
			_ = s.Close()
		}
	}()

	var rc *redis.Client
	redisClient := func() (*redis.Client, error) {
		if rc != nil {
			return rc, nil
		}
		c := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		s.onClose(c.Close)
		if err := c.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("presets: redis %s: %w", cfg.Redis.Addr, err)
		}
		rc = c
		return rc, nil
	}

	if s.Bus, err = openBus(cfg, s, redisClient); err != nil {
		return nil, err
	}

	switch cfg.Backend.Leases {
	case "redis":
		c, err := redisClient()
		if err != nil {
			return nil, err
		}
		s.Leases = lock.NewRedisStore(c)
	default:
		s.Leases = lock.NewInMemoryStore()
	}

	if s.Cache, err = openCache(cfg, s, redisClient); err != nil {
		return nil, err
	}

	if rc != nil {
		s.Watch = watchbus.NewRedisWatchBus(rc)
	} else {
		s.Watch = watchbus.NewInMemory()
	}

	slog.Info("tether: backends ready",
		"bus", cfg.Backend.Bus, "leases", cfg.Backend.Leases, "cache", cfg.Backend.Cache)
	return s, nil
}

func openBus(cfg *config.Config, s *Stack, redisClient func() (*redis.Client, error)) (syncbus.Bus, error) {
	var bus syncbus.Bus
	switch cfg.Backend.Bus {
	case "none":
		return syncbus.NoopBus{}, nil
	case "redis":
		c, err := redisClient()
		if err != nil {
			return nil, err
		}
		rb := busredis.NewRedisBus(busredis.RedisBusOptions{Client: c})
		s.onClose(rb.Close)
		bus = rb
	case "nats":
		conn, err := nats.Connect(cfg.NATS.URL)
		if err != nil {
			return nil, fmt.Errorf("presets: nats %s: %w", cfg.NATS.URL, err)
		}
		s.onClose(func() error { conn.Close(); return nil })
		bus = busnats.NewNATSBus(conn)
	case "kafka":
		kb, err := buskafka.NewKafkaBus(cfg.Kafka.Brokers, nil)
		if err != nil {
			return nil, fmt.Errorf("presets: kafka: %w", err)
		}
		s.onClose(kb.Close)
		bus = kb
	case "mesh":
		mb, err := busmesh.NewMeshBus(busmesh.MeshOptions{
			Port:          cfg.Mesh.Port,
			Group:         cfg.Mesh.Group,
			Interface:     cfg.Mesh.Interface,
			Peers:         cfg.Mesh.Peers,
			AdvertiseAddr: cfg.Mesh.AdvertiseAddr,
		})
		if err != nil {
			return nil, fmt.Errorf("presets: %w", err)
		}
		s.onClose(mb.Close)
		bus = mb
	default:
		return syncbus.NewInMemoryBus(), nil
	}
	return syncbus.NewCircuitBreaker(bus, breakerThreshold, breakerTimeout), nil
}

func openCache(cfg *config.Config, s *Stack, redisClient func() (*redis.Client, error)) (cache.Store, error) {
	var inner cache.Store
	switch cfg.Backend.Cache {
	case "redis":
		c, err := redisClient()
		if err != nil {
			return nil, err
		}
		inner = cache.NewRedisStore(c)
	case "sqlite":
		db, err := gorm.Open(sqlite.Open(cfg.SQLite.Path), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, fmt.Errorf("presets: sqlite %s: %w", cfg.SQLite.Path, err)
		}
		if sqlDB, err := db.DB(); err == nil {
			s.onClose(sqlDB.Close)
		}
		gs, err := cache.NewGormStore(db)
		if err != nil {
			return nil, err
		}
		inner = gs
	default:
		return cache.NewInMemory(), nil
	}

	front, err := cache.NewRistretto(inner)
	if err != nil {
		return nil, err
	}
	s.onClose(func() error { front.Close(); return nil })
	return cache.NewResilient(front), nil
}
