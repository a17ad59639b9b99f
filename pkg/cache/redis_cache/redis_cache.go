package redis_cache

import (
	"context"
	"errors"
	"io"
	"math/rand"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/golang/snappy"
	"go.uber.org/zap"

	"github.com/nestalert/edgecache/pkg/cache"
)

var nopLogger = zap.NewNop()

const defaultKeyPrefix = "edgecache:"

// Key layout: <prefix><generation>|<url>. '|' cannot appear in a
// generation name.
const genSep = "|"

type RedisCacheOpts struct {
	// Client cannot be nil.
	Client redis.Cmdable

	// ClientCloser closes Client when RedisCache.Close is called.
	// Optional.
	ClientCloser io.Closer

	// ClientTimeout specifies the timeout for read and write operations.
	// Default is 1s.
	ClientTimeout time.Duration

	// KeyPrefix namespaces all keys. Default is "edgecache:".
	KeyPrefix string

	// Logger is the *zap.Logger for this RedisCache.
	// A nil Logger will disable logging.
	Logger *zap.Logger
}

func (opts *RedisCacheOpts) Init() error {
	if opts.Client == nil {
		return errors.New("nil client")
	}
	if opts.ClientTimeout <= 0 {
		opts.ClientTimeout = time.Second
	}
	if len(opts.KeyPrefix) == 0 {
		opts.KeyPrefix = defaultKeyPrefix
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	return nil
}

var _ cache.Backend = (*RedisCache)(nil)

// RedisCache is a cache.Backend over redis. Values are
// snappy-compressed packed entries. On a client error the backend
// disables itself and probes the server with increasing backoff until
// it answers again; while disabled every operation is a no-op, so a
// redis outage degrades to cache misses instead of failing requests.
type RedisCache struct {
	opts           RedisCacheOpts
	clientDisabled uint32
}

func NewRedisCache(opts RedisCacheOpts) (*RedisCache, error) {
	if err := opts.Init(); err != nil {
		return nil, err
	}
	return &RedisCache{opts: opts}, nil
}

func (r *RedisCache) disabled() bool {
	return atomic.LoadUint32(&r.clientDisabled) != 0
}

func (r *RedisCache) disableClient() {
	if atomic.CompareAndSwapUint32(&r.clientDisabled, 0, 1) {
		r.opts.Logger.Warn("redis temporarily disabled")
		go func() {
			const maxBackoff = time.Second * 30
			backoff := time.Millisecond * 100
			for {
				time.Sleep(backoff)
				ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond*500)
				err := r.opts.Client.Ping(ctx).Err()
				cancel()
				if err != nil {
					if backoff >= maxBackoff {
						backoff = maxBackoff
					} else {
						backoff += time.Duration(rand.Intn(1000))*time.Millisecond + time.Second
					}
					r.opts.Logger.Warn("redis ping failed", zap.Error(err), zap.Duration("next_ping", backoff))
					continue
				}
				atomic.StoreUint32(&r.clientDisabled, 0)
				return
			}
		}()
	}
}

func (r *RedisCache) redisKey(key cache.Key) string {
	return r.opts.KeyPrefix + key.Generation + genSep + key.URL
}

func (r *RedisCache) Get(key cache.Key) (*cache.Entry, bool) {
	if r.disabled() {
		return nil, false
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.opts.ClientTimeout)
	defer cancel()
	b, err := r.opts.Client.Get(ctx, r.redisKey(key)).Bytes()
	if err != nil {
		if err != redis.Nil {
			r.opts.Logger.Warn("redis get", zap.Error(err))
			r.disableClient()
		}
		return nil, false
	}

	decoded, err := snappy.Decode(nil, b)
	if err != nil {
		r.opts.Logger.Warn("snappy decode error", zap.Error(err))
		return nil, false
	}
	e, err := cache.Unpack(decoded)
	if err != nil {
		r.opts.Logger.Warn("redis data unpack error", zap.Error(err))
		return nil, false
	}
	return e, true
}

func (r *RedisCache) Store(key cache.Key, e *cache.Entry) {
	if r.disabled() {
		return
	}

	data := snappy.Encode(nil, e.Pack())
	ctx, cancel := context.WithTimeout(context.Background(), r.opts.ClientTimeout)
	defer cancel()
	if err := r.opts.Client.Set(ctx, r.redisKey(key), data, 0).Err(); err != nil {
		r.opts.Logger.Warn("redis set", zap.Error(err))
		r.disableClient()
	}
}

func (r *RedisCache) Delete(key cache.Key) {
	if r.disabled() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.opts.ClientTimeout)
	defer cancel()
	if err := r.opts.Client.Del(ctx, r.redisKey(key)).Err(); err != nil {
		r.opts.Logger.Warn("redis del", zap.Error(err))
		r.disableClient()
	}
}

func (r *RedisCache) Generations() []string {
	if r.disabled() {
		return nil
	}

	seen := make(map[string]struct{})
	var gens []string
	err := r.scan(r.opts.KeyPrefix+"*", func(redisKey string) {
		rest := strings.TrimPrefix(redisKey, r.opts.KeyPrefix)
		gen, _, ok := strings.Cut(rest, genSep)
		if !ok {
			return
		}
		if _, dup := seen[gen]; !dup {
			seen[gen] = struct{}{}
			gens = append(gens, gen)
		}
	})
	if err != nil {
		r.opts.Logger.Warn("redis scan", zap.Error(err))
		r.disableClient()
		return nil
	}
	return gens
}

func (r *RedisCache) DeleteGeneration(generation string) int {
	if r.disabled() {
		return 0
	}

	var keys []string
	err := r.scan(r.opts.KeyPrefix+generation+genSep+"*", func(redisKey string) {
		keys = append(keys, redisKey)
	})
	if err == nil && len(keys) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), r.opts.ClientTimeout)
		defer cancel()
		err = r.opts.Client.Del(ctx, keys...).Err()
	}
	if err != nil {
		r.opts.Logger.Warn("redis delete generation", zap.Error(err))
		r.disableClient()
		return 0
	}
	return len(keys)
}

func (r *RedisCache) Len() int {
	if r.disabled() {
		return 0
	}

	n := 0
	if err := r.scan(r.opts.KeyPrefix+"*", func(string) { n++ }); err != nil {
		r.opts.Logger.Warn("redis scan", zap.Error(err))
		r.disableClient()
		return 0
	}
	return n
}

// Close closes the redis client.
func (r *RedisCache) Close() error {
	if f := r.opts.ClientCloser; f != nil {
		return f.Close()
	}
	return nil
}

func (r *RedisCache) scan(match string, f func(redisKey string)) error {
	ctx, cancel := context.WithTimeout(context.Background(), r.opts.ClientTimeout)
	defer cancel()

	var cursor uint64
	for {
		keys, next, err := r.opts.Client.Scan(ctx, cursor, match, 256).Result()
		if err != nil {
			return err
		}
		for _, k := range keys {
			f(k)
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}
