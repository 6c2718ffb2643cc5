package artifact

import (
	"context"
	"time"

	"github.com/fractal-lba/profitcast/internal/cache"
)

// Reader resolves the current version and serves decoded artifacts from a
// version-keyed LRU. Versions are immutable, so a cached entry never goes
// stale; a new training run simply moves the pointer to a new key.
type Reader struct {
	store Store
	cache *cache.LRUWithTTL[string, *Loaded]
}

// NewReader wraps store with a cache of size decoded artifacts.
func NewReader(store Store, size int, ttl time.Duration) (*Reader, error) {
	if size < 1 {
		size = 1
	}
	c, err := cache.NewLRUWithTTL[string, *Loaded](size, ttl)
	if err != nil {
		return nil, err
	}
	return &Reader{store: store, cache: c}, nil
}

// Current returns the decoded current artifact or api.ErrModelNotTrained.
func (r *Reader) Current(ctx context.Context) (*Loaded, error) {
	version, err := r.store.Current(ctx)
	if err != nil {
		return nil, err
	}
	return r.cache.GetOrLoad(version, func() (*Loaded, error) {
		a, err := r.store.Get(ctx, version)
		if err != nil {
			return nil, err
		}
		return a.Decode()
	})
}

// Stats exposes cache counters.
func (r *Reader) Stats() cache.Stats {
	return r.cache.Stats()
}
