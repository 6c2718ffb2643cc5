package artifact

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/fractal-lba/profitcast/internal/api"
)

// MemoryStore keeps bundles in process memory. The pointer swap is a
// single atomic store, so readers see either the previous or the new
// version.
type MemoryStore struct {
	mu       sync.RWMutex
	versions map[string]map[string][]byte
	current  atomic.Pointer[string]
	lock     sync.Mutex
	locked   bool
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{versions: make(map[string]map[string][]byte)}
}

func (m *MemoryStore) Save(ctx context.Context, a *Artifact) error {
	blobs, err := encode(a)
	if err != nil {
		return err
	}
	version := a.Metadata.Version

	m.mu.Lock()
	m.versions[version] = blobs
	m.mu.Unlock()

	m.current.Store(&version)
	return nil
}

func (m *MemoryStore) Current(ctx context.Context) (string, error) {
	v := m.current.Load()
	if v == nil {
		return "", api.ErrModelNotTrained
	}
	return *v, nil
}

func (m *MemoryStore) Get(ctx context.Context, version string) (*Artifact, error) {
	m.mu.RLock()
	blobs, ok := m.versions[version]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown version %s", ErrIntegrity, version)
	}
	return decode(version, blobs)
}

// Lock is a non-blocking in-process lock.
func (m *MemoryStore) Lock(ctx context.Context) (func(), error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.locked {
		return nil, api.ErrTrainingInProgress
	}
	m.locked = true
	return func() {
		m.lock.Lock()
		m.locked = false
		m.lock.Unlock()
	}, nil
}

func (m *MemoryStore) Close() error { return nil }
