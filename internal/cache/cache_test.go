package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/opensource-finance/tariff/internal/domain"
)

type fakeClock struct{ t time.Time }

func (f *fakeClock) now() time.Time          { return f.t }
func (f *fakeClock) advance(d time.Duration) { f.t = f.t.Add(d) }

func TestLRUCache(t *testing.T) {
	cache := NewLRUCache(100)
	ctx := context.Background()
	tenantID := "tenant-001"

	t.Run("SetAndGet", func(t *testing.T) {
		if err := cache.Set(ctx, tenantID, "rulepool", []byte(`[]`), time.Minute); err != nil {
			t.Fatalf("Set failed: %v", err)
		}

		val, err := cache.Get(ctx, tenantID, "rulepool")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if string(val) != "[]" {
			t.Errorf("expected '[]', got '%s'", string(val))
		}
	})

	t.Run("GetMiss", func(t *testing.T) {
		val, err := cache.Get(ctx, tenantID, "nonexistent")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if val != nil {
			t.Errorf("expected nil for cache miss, got: %v", val)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		_ = cache.Set(ctx, tenantID, "key2", []byte("value2"), time.Minute)

		if err := cache.Delete(ctx, tenantID, "key2"); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		if val, _ := cache.Get(ctx, tenantID, "key2"); val != nil {
			t.Error("expected nil after delete")
		}
		if err := cache.Delete(ctx, tenantID, "never-set"); err != nil {
			t.Errorf("deleting absent key failed: %v", err)
		}
	})

	t.Run("TTLExpiration", func(t *testing.T) {
		clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
		c := NewLRUCache(10)
		c.now = clock.now

		_ = c.Set(ctx, tenantID, "expiring", []byte("temp"), time.Minute)

		clock.advance(59 * time.Second)
		if val, _ := c.Get(ctx, tenantID, "expiring"); val == nil {
			t.Error("expected value before expiration")
		}

		clock.advance(time.Second)
		if val, _ := c.Get(ctx, tenantID, "expiring"); val != nil {
			t.Error("expected nil at expiration")
		}
		if c.Stats().Size != 0 {
			t.Error("expected expired entry to be removed")
		}
	})

	t.Run("LRUEviction", func(t *testing.T) {
		small := NewLRUCache(3)

		_ = small.Set(ctx, tenantID, "a", []byte("1"), time.Minute)
		_ = small.Set(ctx, tenantID, "b", []byte("2"), time.Minute)
		_ = small.Set(ctx, tenantID, "c", []byte("3"), time.Minute)

		// Touch 'a' so 'b' becomes the oldest.
		_, _ = small.Get(ctx, tenantID, "a")
		_ = small.Set(ctx, tenantID, "d", []byte("4"), time.Minute)

		if val, _ := small.Get(ctx, tenantID, "b"); val != nil {
			t.Error("expected 'b' to be evicted")
		}
		if val, _ := small.Get(ctx, tenantID, "a"); val == nil {
			t.Error("expected 'a' to still exist")
		}
	})

	t.Run("TenantIsolation", func(t *testing.T) {
		_ = cache.Set(ctx, "tenant-001", "rulepool", []byte("one"), time.Minute)
		_ = cache.Set(ctx, "tenant-002", "rulepool", []byte("two"), time.Minute)

		val1, _ := cache.Get(ctx, "tenant-001", "rulepool")
		val2, _ := cache.Get(ctx, "tenant-002", "rulepool")

		if string(val1) != "one" {
			t.Errorf("expected 'one', got '%s'", string(val1))
		}
		if string(val2) != "two" {
			t.Errorf("expected 'two', got '%s'", string(val2))
		}
	})

	t.Run("RequiresTenantID", func(t *testing.T) {
		if err := cache.Set(ctx, "", "key", []byte("value"), time.Minute); err == nil {
			t.Error("expected error for empty tenantID on Set")
		}
		if _, err := cache.Get(ctx, "", "key"); err == nil {
			t.Error("expected error for empty tenantID on Get")
		}
		if err := cache.Delete(ctx, "", "key"); err == nil {
			t.Error("expected error for empty tenantID on Delete")
		}
	})

	t.Run("Stats", func(t *testing.T) {
		c := NewLRUCache(50)
		_ = c.Set(ctx, tenantID, "k1", []byte("v1"), time.Minute)
		_ = c.Set(ctx, tenantID, "k2", []byte("v2"), time.Minute)
		_, _ = c.Get(ctx, tenantID, "k1")
		_, _ = c.Get(ctx, tenantID, "missing")

		stats := c.Stats()
		if stats.Size != 2 || stats.Capacity != 50 {
			t.Errorf("expected size 2 capacity 50, got %+v", stats)
		}
		if stats.Hits != 1 || stats.Misses != 1 {
			t.Errorf("expected 1 hit 1 miss, got %+v", stats)
		}
	})

	t.Run("Close", func(t *testing.T) {
		c := NewLRUCache(10)
		_ = c.Set(ctx, tenantID, "k", []byte("v"), time.Minute)

		if err := c.Close(); err != nil {
			t.Errorf("Close failed: %v", err)
		}
		if val, _ := c.Get(ctx, tenantID, "k"); val != nil {
			t.Error("expected cache to be cleared after close")
		}
	})
}

// failingCache errors on every call.
type failingCache struct{ Nop }

var errRemoteDown = errors.New("remote down")

func (failingCache) Get(ctx context.Context, tenantID string, key string) ([]byte, error) {
	return nil, errRemoteDown
}

func (failingCache) Ping(ctx context.Context) error { return errRemoteDown }

func TestTwoPhaseCache(t *testing.T) {
	ctx := context.Background()
	tenantID := "tenant-001"

	t.Run("RemoteHitFillsLocal", func(t *testing.T) {
		local := NewLRUCache(10)
		remote := NewLRUCache(10)
		c := NewTwoPhaseCacheWith(local, remote, time.Minute)

		_ = remote.Set(ctx, tenantID, "rulepool", []byte("from-remote"), time.Hour)

		val, err := c.Get(ctx, tenantID, "rulepool")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if string(val) != "from-remote" {
			t.Errorf("expected remote value, got %q", val)
		}
		if v, _ := local.Get(ctx, tenantID, "rulepool"); string(v) != "from-remote" {
			t.Error("expected local level to be filled")
		}
	})

	t.Run("SetAndDeleteBothLevels", func(t *testing.T) {
		local := NewLRUCache(10)
		remote := NewLRUCache(10)
		c := NewTwoPhaseCacheWith(local, remote, time.Minute)

		_ = c.Set(ctx, tenantID, "k", []byte("v"), time.Hour)
		if v, _ := remote.Get(ctx, tenantID, "k"); v == nil {
			t.Error("expected remote write")
		}

		_ = c.Delete(ctx, tenantID, "k")
		if v, _ := local.Get(ctx, tenantID, "k"); v != nil {
			t.Error("expected local delete")
		}
		if v, _ := remote.Get(ctx, tenantID, "k"); v != nil {
			t.Error("expected remote delete")
		}
	})

	t.Run("RemoteFailure", func(t *testing.T) {
		c := NewTwoPhaseCacheWith(NewLRUCache(10), failingCache{}, time.Minute)

		if _, err := c.Get(ctx, tenantID, "k"); !errors.Is(err, errRemoteDown) {
			t.Errorf("expected remote error, got %v", err)
		}
		if err := c.Ping(ctx); !errors.Is(err, errRemoteDown) {
			t.Errorf("expected ping to surface remote error, got %v", err)
		}
	})
}

func TestNewCache(t *testing.T) {
	t.Run("MemoryType", func(t *testing.T) {
		cache, err := New(domain.CacheConfig{Type: "memory", LocalMaxSize: 100})
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		defer cache.Close()

		if _, ok := cache.(*LRUCache); !ok {
			t.Error("expected LRUCache for memory type")
		}
	})

	t.Run("NoneType", func(t *testing.T) {
		cache, err := New(domain.CacheConfig{Type: "none"})
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		_ = cache.Set(context.Background(), "t", "k", []byte("v"), time.Minute)
		if v, _ := cache.Get(context.Background(), "t", "k"); v != nil {
			t.Error("expected nop cache to hold nothing")
		}
	})

	t.Run("UnsupportedType", func(t *testing.T) {
		if _, err := New(domain.CacheConfig{Type: "memcached"}); err == nil {
			t.Error("expected error for unsupported type")
		}
	})
}
