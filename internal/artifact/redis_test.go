package artifact

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/fractal-lba/profitcast/internal/api"
)

func newTestRedisStore(t *testing.T, opts RedisOptions) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := newRedisStore(client, opts)
	t.Cleanup(func() { store.Close() })
	return store, mr
}

func TestRedisStore_EmptyIsUntrained(t *testing.T) {
	store, _ := newTestRedisStore(t, RedisOptions{})

	_, err := store.Current(context.Background())
	assert.ErrorIs(t, err, api.ErrModelNotTrained)
}

func TestRedisStore_SaveAndLoad(t *testing.T) {
	ctx := context.Background()
	store, mr := newTestRedisStore(t, RedisOptions{Prefix: "pc", Slot: "daily"})

	want := fitted(t, "v1")
	require.NoError(t, store.Save(ctx, want))

	for _, name := range blobNames {
		assert.True(t, mr.Exists("pc:daily:v:v1:"+name), "blob %s", name)
	}
	pointer, err := mr.Get("pc:daily:current")
	require.NoError(t, err)
	assert.Equal(t, "v1", pointer)

	version, err := store.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, "v1", version)

	got, err := store.Get(ctx, version)
	require.NoError(t, err)
	assert.Equal(t, want.Metadata.Version, got.Metadata.Version)
	assert.Equal(t, want.Columns, got.Columns)
	assert.Equal(t, want.Model, got.Model)
	assert.Equal(t, want.Scaler, got.Scaler)

	loaded, err := Load(ctx, store)
	require.NoError(t, err)
	assert.Equal(t, "v1", loaded.Metadata.Version)
}

func TestRedisStore_PreviousVersionGetsGraceTTL(t *testing.T) {
	ctx := context.Background()
	grace := 10 * time.Minute
	store, mr := newTestRedisStore(t, RedisOptions{Grace: grace})

	require.NoError(t, store.Save(ctx, fitted(t, "v1")))
	for _, name := range blobNames {
		assert.Zero(t, mr.TTL(store.blobKey("v1", name)), "live blob %s has no TTL", name)
	}

	require.NoError(t, store.Save(ctx, fitted(t, "v2")))

	version, err := store.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, "v2", version)
	for _, name := range blobNames {
		assert.Equal(t, grace, mr.TTL(store.blobKey("v1", name)), "old blob %s", name)
		assert.Zero(t, mr.TTL(store.blobKey("v2", name)), "new blob %s", name)
	}

	// readers that resolved v1 before the swap can still fetch it
	_, err = store.Get(ctx, "v1")
	require.NoError(t, err)

	mr.FastForward(grace + time.Second)
	_, err = store.Get(ctx, "v1")
	assert.ErrorIs(t, err, ErrIntegrity)
	_, err = store.Get(ctx, "v2")
	assert.NoError(t, err)
}

func TestRedisStore_ResaveSameVersionKeepsBlobs(t *testing.T) {
	ctx := context.Background()
	store, mr := newTestRedisStore(t, RedisOptions{})

	require.NoError(t, store.Save(ctx, fitted(t, "v1")))
	require.NoError(t, store.Save(ctx, fitted(t, "v1")))

	assert.Zero(t, mr.TTL(store.blobKey("v1", BlobModel)))
}

// refuseExpire fails every pipeline that carries an EXPIRE.
type refuseExpire struct{}

func (refuseExpire) BeforeProcess(ctx context.Context, cmd redis.Cmder) (context.Context, error) {
	return ctx, nil
}

func (refuseExpire) AfterProcess(ctx context.Context, cmd redis.Cmder) error { return nil }

func (refuseExpire) BeforeProcessPipeline(ctx context.Context, cmds []redis.Cmder) (context.Context, error) {
	for _, cmd := range cmds {
		if cmd.Name() == "expire" {
			return ctx, errors.New("expire refused")
		}
	}
	return ctx, nil
}

func (refuseExpire) AfterProcessPipeline(ctx context.Context, cmds []redis.Cmder) error { return nil }

func TestRedisStore_FailedGraceTTLDoesNotFailSave(t *testing.T) {
	ctx := context.Background()
	core, logs := observer.New(zapcore.WarnLevel)
	store, mr := newTestRedisStore(t, RedisOptions{Logger: zap.New(core)})
	store.client.AddHook(refuseExpire{})

	require.NoError(t, store.Save(ctx, fitted(t, "v1")))
	require.NoError(t, store.Save(ctx, fitted(t, "v2")))

	version, err := store.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, "v2", version)
	assert.Zero(t, mr.TTL(store.blobKey("v1", BlobModel)))
	assert.Equal(t, 1, logs.FilterMessage("failed to set grace TTL on previous version").Len())
}

func TestRedisStore_UpstreamFailure(t *testing.T) {
	ctx := context.Background()
	store, mr := newTestRedisStore(t, RedisOptions{})
	mr.SetError("LOADING dataset in memory")

	_, err := store.Current(ctx)
	assert.ErrorIs(t, err, api.ErrUpstream)

	err = store.Save(ctx, fitted(t, "v1"))
	assert.ErrorIs(t, err, api.ErrUpstream)
}

func TestRedisStore_Lock(t *testing.T) {
	ctx := context.Background()
	lockTTL := 5 * time.Minute
	store, mr := newTestRedisStore(t, RedisOptions{LockTTL: lockTTL})

	unlock, err := store.Lock(ctx)
	require.NoError(t, err)
	assert.Equal(t, lockTTL, mr.TTL(store.lockKey()))

	_, err = store.Lock(ctx)
	assert.ErrorIs(t, err, api.ErrTrainingInProgress)

	unlock()
	assert.False(t, mr.Exists(store.lockKey()))

	unlock, err = store.Lock(ctx)
	require.NoError(t, err)
	unlock()
}

func TestRedisStore_UnlockLeavesForeignLock(t *testing.T) {
	ctx := context.Background()
	store, mr := newTestRedisStore(t, RedisOptions{})

	unlock, err := store.Lock(ctx)
	require.NoError(t, err)

	// the TTL expired and another process took the lock
	require.NoError(t, mr.Set(store.lockKey(), "other-holder"))
	unlock()

	holder, err := mr.Get(store.lockKey())
	require.NoError(t, err)
	assert.Equal(t, "other-holder", holder)
}
