package artifact

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fractal-lba/profitcast/internal/api"
	"github.com/fractal-lba/profitcast/internal/model"
)

var testColumns = []string{"revenue", "profit_lag_1"}

// fitted returns a small artifact whose model predicts roughly x0.
func fitted(t *testing.T, version string) *Artifact {
	t.Helper()
	X := [][]float64{{1, 0}, {2, 0}, {3, 0}, {4, 0}, {5, 0}, {6, 0}}
	y := []float64{1, 2, 3, 4, 5, 6}

	reg, err := model.New(api.AlgorithmBagged, model.Params{Trees: 3, MaxDepth: 3, Seed: 1})
	require.NoError(t, err)
	require.NoError(t, reg.Fit(context.Background(), X, y))
	m, err := model.Encode(reg)
	require.NoError(t, err)

	sc, err := model.FitScaler(X)
	require.NoError(t, err)
	s, err := sc.Marshal()
	require.NoError(t, err)

	return &Artifact{
		Metadata: api.ModelMetadata{
			Version:      version,
			TrainedAt:    time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC),
			Algorithm:    api.AlgorithmBagged,
			HorizonDays:  30,
			TrainSamples: 5,
			TestSamples:  1,
			MAE:          api.Finite(0.5),
			FeatureCount: len(testColumns),
		},
		Columns: testColumns,
		Model:   m,
		Scaler:  s,
	}
}

func TestNewVersion_SortableAndUnique(t *testing.T) {
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	a, b := NewVersion(now), NewVersion(now)
	assert.NotEqual(t, a, b)
	assert.True(t, strings.HasPrefix(a, "20250615T120000Z-"))
	assert.Less(t, NewVersion(now), NewVersion(now.Add(time.Second)))
}

func TestFileStore_EmptyIsUntrained(t *testing.T) {
	store, err := NewFileStore(t.TempDir(), "", 0)
	require.NoError(t, err)

	_, err = store.Current(context.Background())
	assert.ErrorIs(t, err, api.ErrModelNotTrained)

	_, err = Load(context.Background(), store)
	assert.ErrorIs(t, err, api.ErrModelNotTrained)
}

func TestFileStore_SaveAndLoad(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileStore(t.TempDir(), "", 0)
	require.NoError(t, err)

	want := fitted(t, "v1")
	require.NoError(t, store.Save(ctx, want))

	got, err := Load(ctx, store)
	require.NoError(t, err)
	assert.Equal(t, want.Metadata.Version, got.Metadata.Version)
	assert.Equal(t, want.Columns, got.Columns)
	assert.Equal(t, want.Model, got.Model)
	assert.Equal(t, want.Scaler, got.Scaler)
	require.NotNil(t, got.Metadata.MAE)
	assert.InDelta(t, 0.5, *got.Metadata.MAE, 1e-12)
	assert.Nil(t, got.Metadata.R2)

	loaded, err := got.Decode()
	require.NoError(t, err)
	assert.Equal(t, api.AlgorithmBagged, loaded.Regressor.Algorithm())
	assert.Len(t, loaded.Scaler.Mean, len(testColumns))
}

func TestFileStore_PointerMovesToNewest(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileStore(t.TempDir(), "", 0)
	require.NoError(t, err)

	require.NoError(t, store.Save(ctx, fitted(t, "v1")))
	require.NoError(t, store.Save(ctx, fitted(t, "v2")))

	current, err := store.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, "v2", current)

	// the old bundle stays readable
	old, err := store.Get(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, "v1", old.Metadata.Version)
}

func TestFileStore_Prune(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileStore(t.TempDir(), "", 2)
	require.NoError(t, err)

	for _, v := range []string{"v1", "v2", "v3"} {
		require.NoError(t, store.Save(ctx, fitted(t, v)))
	}
	versions, err := store.Versions()
	require.NoError(t, err)
	assert.Equal(t, []string{"v2", "v3"}, versions)
}

func TestFileStore_RejectsBadVersion(t *testing.T) {
	store, err := NewFileStore(t.TempDir(), "", 0)
	require.NoError(t, err)

	for _, v := range []string{"", "../escape", ".hidden"} {
		err := store.Save(context.Background(), fitted(t, v))
		assert.ErrorIs(t, err, api.ErrInvalidInput, v)
	}
	_, err = store.Current(context.Background())
	assert.ErrorIs(t, err, api.ErrModelNotTrained)
}

func TestFileStore_TamperedBlobFailsIntegrity(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store, err := NewFileStore(dir, "", 0)
	require.NoError(t, err)
	require.NoError(t, store.Save(ctx, fitted(t, "v1")))

	path := filepath.Join(dir, DefaultSlot, "versions", "v1", "scaler.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"mean":[0,0],"scale":[1,1]}`), 0644))

	_, err = Load(ctx, store)
	assert.ErrorIs(t, err, ErrIntegrity)
}

func TestFileStore_MissingBlobFailsIntegrity(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store, err := NewFileStore(dir, "", 0)
	require.NoError(t, err)
	require.NoError(t, store.Save(ctx, fitted(t, "v1")))

	require.NoError(t, os.Remove(filepath.Join(dir, DefaultSlot, "versions", "v1", "model.json")))

	_, err = store.Get(ctx, "v1")
	assert.ErrorIs(t, err, ErrIntegrity)
}

func TestFileStore_Lock(t *testing.T) {
	store, err := NewFileStore(t.TempDir(), "", 0)
	require.NoError(t, err)

	unlock, err := store.Lock(context.Background())
	require.NoError(t, err)

	_, err = store.Lock(context.Background())
	assert.ErrorIs(t, err, api.ErrTrainingInProgress)

	unlock()
	unlock2, err := store.Lock(context.Background())
	require.NoError(t, err)
	unlock2()
}

func TestFileStore_StaleLockIsReclaimed(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir, "", 0)
	require.NoError(t, err)

	path := filepath.Join(dir, DefaultSlot, "LOCK")
	require.NoError(t, os.WriteFile(path, []byte("1 old\n"), 0644))
	old := time.Now().Add(-7 * time.Hour)
	require.NoError(t, os.Chtimes(path, old, old))

	unlock, err := store.Lock(context.Background())
	require.NoError(t, err)
	unlock()
}

func TestMemoryStore_Lifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	_, err := store.Current(ctx)
	assert.ErrorIs(t, err, api.ErrModelNotTrained)

	require.NoError(t, store.Save(ctx, fitted(t, "v1")))
	require.NoError(t, store.Save(ctx, fitted(t, "v2")))

	a, err := Load(ctx, store)
	require.NoError(t, err)
	assert.Equal(t, "v2", a.Metadata.Version)

	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrIntegrity)
}

func TestMemoryStore_LockIsExclusive(t *testing.T) {
	store := NewMemoryStore()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		acquired int
		busy     int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Lock(context.Background())
			mu.Lock()
			defer mu.Unlock()
			if errors.Is(err, api.ErrTrainingInProgress) {
				busy++
			} else if err == nil {
				acquired++
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, acquired)
	assert.Equal(t, 7, busy)
}

func TestDecode_ScalerWidthMismatch(t *testing.T) {
	a := fitted(t, "v1")
	a.Columns = []string{"revenue"}

	_, err := a.Decode()
	assert.ErrorIs(t, err, ErrIntegrity)
}

// countingStore counts Get calls.
type countingStore struct {
	*MemoryStore
	mu   sync.Mutex
	gets int
}

func (c *countingStore) Get(ctx context.Context, version string) (*Artifact, error) {
	c.mu.Lock()
	c.gets++
	c.mu.Unlock()
	return c.MemoryStore.Get(ctx, version)
}

func TestReader_CachesByVersion(t *testing.T) {
	ctx := context.Background()
	store := &countingStore{MemoryStore: NewMemoryStore()}
	reader, err := NewReader(store, 4, time.Hour)
	require.NoError(t, err)

	_, err = reader.Current(ctx)
	assert.ErrorIs(t, err, api.ErrModelNotTrained)

	require.NoError(t, store.Save(ctx, fitted(t, "v1")))
	for i := 0; i < 3; i++ {
		l, err := reader.Current(ctx)
		require.NoError(t, err)
		assert.Equal(t, "v1", l.Metadata.Version)
	}
	assert.Equal(t, 1, store.gets)

	require.NoError(t, store.Save(ctx, fitted(t, "v2")))
	l, err := reader.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, "v2", l.Metadata.Version)
	assert.Equal(t, 2, store.gets)

	stats := reader.Stats()
	assert.Equal(t, uint64(2), stats.Hits)
}
