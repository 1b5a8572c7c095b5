package proxy

import (
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"net"
	"strings"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
	"github.com/gomodule/redigo/redis"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/twitter/pelikan-sub003/rpc/common"
)

var Logger = logger.GetLogger("proxy")

// Item is a value held by the upstream
type Item struct {
	Key   string
	Value []byte
	Flags uint32
}

// Backend is an upstream cache
type Backend interface {
	// Get returns the items found, missing keys are absent from the map
	Get(ctx context.Context, keys []string) (map[string]Item, error)
	// Set stores item, a zero ttl never expires
	Set(ctx context.Context, item Item, ttl time.Duration) error
	// Delete removes key and reports whether it existed
	Delete(ctx context.Context, key string) (bool, error)
	Close() error
}

// NewBackend creates the backend selected by cfg
func NewBackend(cfg common.ProxyConfig) (Backend, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("%w: proxy needs at least one endpoint", common.ErrConfig)
	}
	switch strings.ToLower(cfg.Backend) {
	case "memcache":
		return NewMemcacheBackend(cfg.Endpoints, cfg.Timeout, cfg.PoolSize), nil
	case "redis":
		return NewRedisBackend(cfg.Endpoints, cfg.Timeout, cfg.PoolSize), nil
	}
	return nil, fmt.Errorf("%w: unknown proxy backend %q", common.ErrConfig, cfg.Backend)
}

// IsTimeout reports whether err is an upstream timeout
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var cte *memcache.ConnectTimeoutError
	if errors.As(err, &cte) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// --------------------------------------------------------------------------
// memcache
// --------------------------------------------------------------------------

type memcacheBackend struct {
	client *memcache.Client
}

// NewMemcacheBackend spreads keys over servers the way gomemcache does
func NewMemcacheBackend(servers []string, timeout time.Duration, idle int) Backend {
	client := memcache.New(servers...)
	client.Timeout = timeout
	client.MaxIdleConns = idle
	return &memcacheBackend{client: client}
}

func (b *memcacheBackend) Get(ctx context.Context, keys []string) (map[string]Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	found, err := b.client.GetMulti(keys)
	if err != nil {
		return nil, err
	}
	out := make(map[string]Item, len(found))
	for k, it := range found {
		out[k] = Item{Key: k, Value: it.Value, Flags: it.Flags}
	}
	return out, nil
}

func (b *memcacheBackend) Set(ctx context.Context, item Item, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.client.Set(&memcache.Item{
		Key:        item.Key,
		Value:      item.Value,
		Flags:      item.Flags,
		Expiration: int32(ttl / time.Second),
	})
}

func (b *memcacheBackend) Delete(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	err := b.client.Delete(key)
	if errors.Is(err, memcache.ErrCacheMiss) {
		return false, nil
	}
	return err == nil, err
}

func (b *memcacheBackend) Close() error { return nil }

// --------------------------------------------------------------------------
// redis
// --------------------------------------------------------------------------

// redisBackend shards keys over one pool per endpoint. Flags are not
// kept, redis strings have no room for them.
type redisBackend struct {
	pools   []*redis.Pool
	timeout time.Duration
}

// NewRedisBackend creates a pool of at most poolSize idle connections per endpoint
func NewRedisBackend(endpoints []string, timeout time.Duration, poolSize int) Backend {
	b := &redisBackend{timeout: timeout}
	for _, endpoint := range endpoints {
		endpoint := endpoint
		b.pools = append(b.pools, &redis.Pool{
			MaxIdle:     poolSize,
			IdleTimeout: time.Minute,
			DialContext: func(ctx context.Context) (redis.Conn, error) {
				return redis.DialContext(ctx, "tcp", endpoint,
					redis.DialConnectTimeout(timeout),
					redis.DialReadTimeout(timeout),
					redis.DialWriteTimeout(timeout))
			},
		})
	}
	return b
}

func (b *redisBackend) shard(key string) int {
	if len(b.pools) == 1 {
		return 0
	}
	return int(crc32.ChecksumIEEE([]byte(key)) % uint32(len(b.pools)))
}

func (b *redisBackend) Get(ctx context.Context, keys []string) (map[string]Item, error) {
	byShard := make(map[int][]string)
	for _, k := range keys {
		i := b.shard(k)
		byShard[i] = append(byShard[i], k)
	}

	out := make(map[string]Item, len(keys))
	for i, shardKeys := range byShard {
		if err := b.mget(ctx, b.pools[i], shardKeys, out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (b *redisBackend) mget(ctx context.Context, pool *redis.Pool, keys []string, out map[string]Item) error {
	conn, err := pool.GetContext(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	args := make([]interface{}, len(keys))
	for i, k := range keys {
		args[i] = k
	}
	values, err := redis.ByteSlices(redis.DoWithTimeout(conn, b.timeout, "MGET", args...))
	if err != nil {
		return err
	}
	for i, v := range values {
		if v != nil {
			out[keys[i]] = Item{Key: keys[i], Value: v}
		}
	}
	return nil
}

func (b *redisBackend) Set(ctx context.Context, item Item, ttl time.Duration) error {
	conn, err := b.pools[b.shard(item.Key)].GetContext(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	args := []interface{}{item.Key, item.Value}
	if ttl > 0 {
		args = append(args, "PX", ttl.Milliseconds())
	}
	_, err = redis.String(redis.DoWithTimeout(conn, b.timeout, "SET", args...))
	return err
}

func (b *redisBackend) Delete(ctx context.Context, key string) (bool, error) {
	conn, err := b.pools[b.shard(key)].GetContext(ctx)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	n, err := redis.Int(redis.DoWithTimeout(conn, b.timeout, "DEL", key))
	return n > 0, err
}

func (b *redisBackend) Close() error {
	var errs []error
	for _, p := range b.pools {
		errs = append(errs, p.Close())
	}
	return errors.Join(errs...)
}
