// Package cache stores definitive scan verdicts keyed by content digest, so
// identical bytes are not rescanned within the TTL.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/fx"

	"upload-gate/internal/config"
	"upload-gate/internal/model"
)

// VerdictCache looks up and records verdicts by SHA-256 digest.
type VerdictCache interface {
	Get(ctx context.Context, digest string) (model.Verdict, bool, error)
	Put(ctx context.Context, digest string, v model.Verdict) error
}

// Nop is a VerdictCache that never hits.
type Nop struct{}

func (Nop) Get(context.Context, string) (model.Verdict, bool, error) {
	return model.VerdictError, false, nil
}

func (Nop) Put(context.Context, string, model.Verdict) error { return nil }

// Store is the subset of the Redis client used by Redis.
type Store interface {
	Get(ctx context.Context, key string) *goredis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *goredis.StatusCmd
}

// Redis keeps verdicts in Redis under "<prefix>:<digest>".
type Redis struct {
	store  Store
	prefix string
	ttl    time.Duration
}

// NewRedis wraps an existing client.
func NewRedis(store Store, prefix string, ttl time.Duration) *Redis {
	return &Redis{store: store, prefix: prefix, ttl: ttl}
}

func (r *Redis) key(digest string) string {
	return fmt.Sprintf("%s:%s", r.prefix, digest)
}

// Get returns the cached verdict for digest, if any.
func (r *Redis) Get(ctx context.Context, digest string) (model.Verdict, bool, error) {
	if digest == "" {
		return model.VerdictError, false, nil
	}
	s, err := r.store.Get(ctx, r.key(digest)).Result()
	if errors.Is(err, goredis.Nil) {
		return model.VerdictError, false, nil
	}
	if err != nil {
		return model.VerdictError, false, fmt.Errorf("redis get: %w", err)
	}

	v, err := model.ParseVerdict(s)
	if err != nil || !v.Definitive() {
		// Stale or foreign value; treat as a miss and let the scan overwrite it.
		return model.VerdictError, false, nil
	}
	return v, true, nil
}

// Put records a definitive verdict. Scan failures are never cached.
func (r *Redis) Put(ctx context.Context, digest string, v model.Verdict) error {
	if digest == "" || !v.Definitive() {
		return nil
	}
	if err := r.store.Set(ctx, r.key(digest), v.String(), r.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// New returns a Redis-backed cache when enabled in cfg, or Nop otherwise.
// The Redis connection is closed when the application stops.
func New(lc fx.Lifecycle, cfg *config.Config, logger *slog.Logger) (VerdictCache, error) {
	if !cfg.Cache.Enabled {
		return Nop{}, nil
	}

	rdb, err := Connect(context.Background(), cfg.Cache)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error { return rdb.Close() },
	})

	logger.Info("verdict cache enabled",
		"component", "verdict_cache",
		"redis_addr", cfg.Cache.RedisAddr,
		"ttl_seconds", cfg.Cache.TTLSeconds,
	)
	return NewRedis(rdb, cfg.Cache.KeyPrefix, time.Duration(cfg.Cache.TTLSeconds)*time.Second), nil
}

// Connect opens a Redis client and checks that the server answers.
func Connect(ctx context.Context, cfg config.CacheConfig) (*goredis.Client, error) {
	if cfg.RedisAddr == "" {
		return nil, errors.New("redis addr required")
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return rdb, nil
}
