package artifact

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fractal-lba/profitcast/internal/api"
)

// RedisStore keeps bundles in Redis.
//
// Keys:
//
//	<prefix>:<slot>:v:<version>:<blob>   bundle blobs, written in one MULTI/EXEC
//	<prefix>:<slot>:current              version pointer, SET after the bundle
//	<prefix>:<slot>:lock                 training lock, SETNX with TTL
//
// Blobs of a replaced version get a grace TTL so in-flight readers that
// resolved the old pointer can still fetch them.
type RedisStore struct {
	client  *redis.Client
	prefix  string
	grace   time.Duration
	lockTTL time.Duration
	logger  *zap.Logger
}

// RedisOptions configures a RedisStore.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	Slot     string
	Grace    time.Duration
	LockTTL  time.Duration
	Logger   *zap.Logger
}

// NewRedisStore connects and pings Redis.
func NewRedisStore(opts RedisOptions) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return newRedisStore(client, opts), nil
}

func newRedisStore(client *redis.Client, opts RedisOptions) *RedisStore {
	if opts.Prefix == "" {
		opts.Prefix = "profitcast"
	}
	if opts.Slot == "" {
		opts.Slot = DefaultSlot
	}
	if opts.Grace <= 0 {
		opts.Grace = time.Hour
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 30 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &RedisStore{
		client:  client,
		prefix:  opts.Prefix + ":" + opts.Slot,
		grace:   opts.Grace,
		lockTTL: opts.LockTTL,
		logger:  opts.Logger.Named("artifact.redis"),
	}
}

func (r *RedisStore) blobKey(version, blob string) string {
	return fmt.Sprintf("%s:v:%s:%s", r.prefix, version, blob)
}

func (r *RedisStore) currentKey() string { return r.prefix + ":current" }
func (r *RedisStore) lockKey() string    { return r.prefix + ":lock" }

func (r *RedisStore) Save(ctx context.Context, a *Artifact) error {
	blobs, err := encode(a)
	if err != nil {
		return err
	}
	version := a.Metadata.Version

	previous, err := r.client.Get(ctx, r.currentKey()).Result()
	if err != nil && err != redis.Nil {
		return api.Upstream("redis GET current", err)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, name := range blobNames {
			pipe.Set(ctx, r.blobKey(version, name), blobs[name], 0)
		}
		return nil
	})
	if err != nil {
		return api.Upstream("redis MULTI bundle", err)
	}

	if err := r.client.Set(ctx, r.currentKey(), version, 0).Err(); err != nil {
		return api.Upstream("redis SET current", err)
	}

	// The new version is live from here on; a failed EXPIRE only leaves
	// the old bundle without a grace TTL.
	if previous != "" && previous != version {
		_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, name := range blobNames {
				pipe.Expire(ctx, r.blobKey(previous, name), r.grace)
			}
			return nil
		})
		if err != nil {
			r.logger.Warn("failed to set grace TTL on previous version",
				zap.String("previous", previous),
				zap.String("current", version),
				zap.Error(err))
		}
	}
	return nil
}

func (r *RedisStore) Current(ctx context.Context) (string, error) {
	version, err := r.client.Get(ctx, r.currentKey()).Result()
	if err == redis.Nil {
		return "", api.ErrModelNotTrained
	}
	if err != nil {
		return "", api.Upstream("redis GET current", err)
	}
	return version, nil
}

func (r *RedisStore) Get(ctx context.Context, version string) (*Artifact, error) {
	keys := make([]string, len(blobNames))
	for i, name := range blobNames {
		keys[i] = r.blobKey(version, name)
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, api.Upstream("redis MGET bundle", err)
	}

	blobs := make(map[string][]byte, len(blobNames))
	for i, name := range blobNames {
		s, ok := values[i].(string)
		if !ok {
			return nil, fmt.Errorf("%w: version %s missing %s", ErrIntegrity, version, name)
		}
		blobs[name] = []byte(s)
	}
	return decode(version, blobs)
}

// unlockScript deletes the lock only if this holder still owns it.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Lock acquires the slot lock with SETNX. The TTL releases the lock if
// the holder dies mid-run.
func (r *RedisStore) Lock(ctx context.Context) (func(), error) {
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, r.lockKey(), token, r.lockTTL).Result()
	if err != nil {
		return nil, api.Upstream("redis SETNX lock", err)
	}
	if !ok {
		return nil, api.ErrTrainingInProgress
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// the TTL reclaims the lock if this fails
		_ = unlockScript.Run(ctx, r.client, []string{r.lockKey()}, token).Err()
	}, nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
