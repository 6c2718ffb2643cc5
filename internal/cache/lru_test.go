package cache

import (
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func newTestCache[V any](t *testing.T, size int, ttl time.Duration) (*LRUWithTTL[string, V], *fakeClock) {
	t.Helper()
	c, err := NewLRUWithTTL[string, V](size, ttl)
	if err != nil {
		t.Fatalf("failed to create cache: %v", err)
	}
	clk := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	c.now = clk.Now
	return c, clk
}

func TestLRUWithTTL_BasicOperations(t *testing.T) {
	c, _ := newTestCache[int](t, 3, 0)

	c.Set("v1", 42)
	if val, ok := c.Get("v1"); !ok || val != 42 {
		t.Errorf("Get(v1) = (%v, %v), want (42, true)", val, ok)
	}
	if _, ok := c.Get("missing"); ok {
		t.Error("Get(missing) should return false")
	}

	c.Set("v2", 100)
	c.Set("v3", 200)
	c.Set("v4", 300) // evicts v1

	if _, ok := c.Get("v1"); ok {
		t.Error("v1 should have been evicted")
	}
	if c.Stats().Evicted != 1 {
		t.Errorf("Stats.Evicted = %d, want 1", c.Stats().Evicted)
	}
}

func TestLRUWithTTL_Expiration(t *testing.T) {
	c, clk := newTestCache[string](t, 10, time.Minute)

	c.Set("v1", "model")
	if _, ok := c.Get("v1"); !ok {
		t.Fatal("v1 should be present before expiration")
	}

	clk.Advance(2 * time.Minute)
	if _, ok := c.Get("v1"); ok {
		t.Error("v1 should have expired")
	}
	if c.Len() != 0 {
		t.Errorf("expired entry should be dropped on read, Len() = %d", c.Len())
	}
}

func TestLRUWithTTL_Stats(t *testing.T) {
	c, _ := newTestCache[int](t, 5, 0)

	c.Set("v1", 1)
	c.Set("v2", 2)
	c.Get("v1")
	c.Get("v1")
	c.Get("missing")

	stats := c.Stats()
	if stats.Hits != 2 || stats.Misses != 1 || stats.Size != 2 {
		t.Errorf("Stats = %+v, want hits=2 misses=1 size=2", stats)
	}
	if want := 2.0 / 3.0; stats.HitRate < want-0.01 || stats.HitRate > want+0.01 {
		t.Errorf("Stats.HitRate = %f, want ~%f", stats.HitRate, want)
	}
}

func TestLRUWithTTL_GetOrLoad(t *testing.T) {
	c, _ := newTestCache[int](t, 4, 0)

	var mu sync.Mutex
	calls := 0
	load := func() (int, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		return 7, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if v, err := c.GetOrLoad("v1", load); err != nil || v != 7 {
				t.Errorf("GetOrLoad = (%d, %v), want (7, nil)", v, err)
			}
		}()
	}
	wg.Wait()

	if calls != 1 {
		t.Errorf("loader called %d times, want 1", calls)
	}

	boom := errors.New("decode failed")
	if _, err := c.GetOrLoad("v2", func() (int, error) { return 0, boom }); !errors.Is(err, boom) {
		t.Errorf("GetOrLoad error = %v, want %v", err, boom)
	}
	if _, ok := c.Get("v2"); ok {
		t.Error("failed loads must not be cached")
	}
}

func TestLRUWithTTL_DeleteAndClear(t *testing.T) {
	c, _ := newTestCache[int](t, 5, 0)

	c.Set("v1", 1)
	c.Delete("v1")
	if _, ok := c.Get("v1"); ok {
		t.Error("v1 should have been deleted")
	}

	c.Set("v2", 2)
	c.Set("v3", 3)
	c.Clear()
	if c.Len() != 0 {
		t.Errorf("Len() = %d after Clear(), want 0", c.Len())
	}
}

func TestLRUWithTTL_CleanupExpired(t *testing.T) {
	c, clk := newTestCache[int](t, 10, time.Second)

	c.Set("v1", 1)
	c.Set("v2", 2)
	clk.Advance(2 * time.Second)
	c.Set("v3", 3)

	if removed := c.CleanupExpired(); removed != 2 {
		t.Errorf("CleanupExpired() = %d, want 2", removed)
	}
	if c.Len() != 1 {
		t.Errorf("Len() = %d after cleanup, want 1", c.Len())
	}
}
