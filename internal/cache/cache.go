package cache

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/opensource-finance/tariff/internal/domain"
)

// New creates the cache described by cfg.
//
//	memory           LRUCache
//	redis            RedisCache
//	redis + two-phase TwoPhaseCache (LRU in front of Redis)
//	none             a cache that never holds anything
func New(cfg domain.CacheConfig) (domain.Cache, error) {
	switch cfg.Type {
	case "memory", "":
		return NewLRUCache(cfg.LocalMaxSize), nil

	case "redis":
		if cfg.EnableTwoPhase {
			return NewTwoPhaseCache(cfg)
		}
		return NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)

	case "none":
		return Nop{}, nil

	default:
		return nil, fmt.Errorf("unsupported cache type: %s", cfg.Type)
	}
}

// TwoPhaseCache reads through a local LRU to a shared second level.
// Local entries live at most localTTL so that invalidations made on
// other nodes are picked up within that bound.
type TwoPhaseCache struct {
	local    *LRUCache
	remote   domain.Cache
	localTTL time.Duration
}

// NewTwoPhaseCache connects to Redis and fronts it with an LRU.
func NewTwoPhaseCache(cfg domain.CacheConfig) (*TwoPhaseCache, error) {
	remote, err := NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return nil, err
	}
	return NewTwoPhaseCacheWith(NewLRUCache(cfg.LocalMaxSize), remote, cfg.LocalTTL), nil
}

// NewTwoPhaseCacheWith layers local over remote.
func NewTwoPhaseCacheWith(local *LRUCache, remote domain.Cache, localTTL time.Duration) *TwoPhaseCache {
	if localTTL <= 0 {
		localTTL = 30 * time.Second
	}
	return &TwoPhaseCache{
		local:    local,
		remote:   remote,
		localTTL: localTTL,
	}
}

// Get checks the local level, then the remote one, copying remote hits down.
func (c *TwoPhaseCache) Get(ctx context.Context, tenantID string, key string) ([]byte, error) {
	val, err := c.local.Get(ctx, tenantID, key)
	if err != nil || val != nil {
		return val, err
	}

	val, err = c.remote.Get(ctx, tenantID, key)
	if err != nil || val == nil {
		return nil, err
	}

	if err := c.local.Set(ctx, tenantID, key, val, c.localTTL); err != nil {
		slog.Debug("local cache fill failed", "tenant_id", tenantID, "key", key, "error", err)
	}
	return val, nil
}

// Set writes both levels. The local copy never outlives ttl.
func (c *TwoPhaseCache) Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error {
	if err := c.local.Set(ctx, tenantID, key, value, min(ttl, c.localTTL)); err != nil {
		return err
	}
	return c.remote.Set(ctx, tenantID, key, value, ttl)
}

// Delete removes key from both levels.
func (c *TwoPhaseCache) Delete(ctx context.Context, tenantID string, key string) error {
	if err := c.local.Delete(ctx, tenantID, key); err != nil {
		return err
	}
	return c.remote.Delete(ctx, tenantID, key)
}

// Ping checks both levels.
func (c *TwoPhaseCache) Ping(ctx context.Context) error {
	if err := c.local.Ping(ctx); err != nil {
		return fmt.Errorf("local cache: %w", err)
	}
	if err := c.remote.Ping(ctx); err != nil {
		return fmt.Errorf("remote cache: %w", err)
	}
	return nil
}

// Close closes both levels.
func (c *TwoPhaseCache) Close() error {
	_ = c.local.Close()
	return c.remote.Close()
}

// Stats reports on the local level.
func (c *TwoPhaseCache) Stats() Stats {
	return c.local.Stats()
}

// Nop is a cache that stores nothing. Every read is a miss.
type Nop struct{}

func (Nop) Get(ctx context.Context, tenantID string, key string) ([]byte, error) { return nil, nil }

func (Nop) Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error {
	return nil
}

func (Nop) Delete(ctx context.Context, tenantID string, key string) error { return nil }

func (Nop) Ping(ctx context.Context) error { return nil }

func (Nop) Close() error { return nil }
