package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	incrementScript = redis.NewScript(`
local v = redis.call('INCRBY', KEYS[1], ARGV[1])
local ttl = tonumber(ARGV[2])
if ttl > 0 and redis.call('PTTL', KEYS[1]) < 0 then
  redis.call('PEXPIRE', KEYS[1], ttl)
end
return v`)

	appendScript = redis.NewScript(`
local n = redis.call('RPUSH', KEYS[1], ARGV[1])
local ttl = tonumber(ARGV[2])
if ttl > 0 and redis.call('PTTL', KEYS[1]) < 0 then
  redis.call('PEXPIRE', KEYS[1], ttl)
end
return n`)

	releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0`)
)

// RedisOptions parameterise the distributed backend.
type RedisOptions struct {
	Addr        string
	Username    string
	Password    string
	DB          int
	KeyPrefix   string
	DialTimeout time.Duration
	// LockLease is how long a lock survives without release, so a crashed
	// holder cannot block other instances forever.
	LockLease time.Duration
}

// Redis is a multi-instance consistent Backend over a redis server.
type Redis struct {
	client *redis.Client
	prefix string
	lease  time.Duration
}

// NewRedis dials redis and verifies connectivity.
func NewRedis(ctx context.Context, opts RedisOptions) (*Redis, error) {
	if opts.Addr == "" {
		return nil, fmt.Errorf("storage.redis.addr is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:        opts.Addr,
		Username:    opts.Username,
		Password:    opts.Password,
		DB:          opts.DB,
		DialTimeout: opts.DialTimeout,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisWithClient(client, opts.KeyPrefix, opts.LockLease), nil
}

// NewRedisWithClient wraps an existing client.
func NewRedisWithClient(client *redis.Client, prefix string, lease time.Duration) *Redis {
	if lease <= 0 {
		lease = 30 * time.Second
	}
	return &Redis{client: client, prefix: prefix, lease: lease}
}

func (r *Redis) key(k string) string {
	return r.prefix + k
}

func (r *Redis) getClient() (*redis.Client, error) {
	if r == nil || r.client == nil {
		return nil, ErrNotConfigured
	}
	return r.client, nil
}

// Get implements Backend.
func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	client, err := r.getClient()
	if err != nil {
		return nil, err
	}
	data, err := client.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	return data, nil
}

// Set implements Backend.
func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	client, err := r.getClient()
	if err != nil {
		return err
	}
	if ttl < 0 {
		ttl = 0
	}
	if err := client.Set(ctx, r.key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// Delete implements Backend.
func (r *Redis) Delete(ctx context.Context, key string) error {
	client, err := r.getClient()
	if err != nil {
		return err
	}
	if err := client.Del(ctx, r.key(key)).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}

// Counter implements Backend.
func (r *Redis) Counter(ctx context.Context, key string) (int64, error) {
	client, err := r.getClient()
	if err != nil {
		return 0, err
	}
	raw, err := client.Get(ctx, r.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis get counter %s: %w", key, err)
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse counter %s: %w", key, err)
	}
	return value, nil
}

// Increment implements Backend.
func (r *Redis) Increment(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	client, err := r.getClient()
	if err != nil {
		return 0, err
	}
	value, err := incrementScript.Run(ctx, client, []string{r.key(key)}, delta, ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("redis increment %s: %w", key, err)
	}
	return value, nil
}

// Append implements Backend.
func (r *Redis) Append(ctx context.Context, key string, value []byte, ttl time.Duration) (int64, error) {
	client, err := r.getClient()
	if err != nil {
		return 0, err
	}
	n, err := appendScript.Run(ctx, client, []string{r.key(key)}, value, ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("redis append %s: %w", key, err)
	}
	return n, nil
}

// Range implements Backend.
func (r *Redis) Range(ctx context.Context, key string, offset, count int64) ([][]byte, error) {
	client, err := r.getClient()
	if err != nil {
		return nil, err
	}
	if offset < 0 {
		offset = 0
	}
	if count <= 0 {
		return nil, nil
	}
	raw, err := client.LRange(ctx, r.key(key), offset, offset+count-1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lrange %s: %w", key, err)
	}
	out := make([][]byte, 0, len(raw))
	for _, item := range raw {
		out = append(out, []byte(item))
	}
	return out, nil
}

// Len implements Backend.
func (r *Redis) Len(ctx context.Context, key string) (int64, error) {
	client, err := r.getClient()
	if err != nil {
		return 0, err
	}
	n, err := client.LLen(ctx, r.key(key)).Result()
	if err != nil {
		return 0, fmt.Errorf("redis llen %s: %w", key, err)
	}
	return n, nil
}

// AcquireLock implements Backend with a SET NX PX lease and a unique token.
func (r *Redis) AcquireLock(ctx context.Context, key string, timeout time.Duration) (Lock, error) {
	client, err := r.getClient()
	if err != nil {
		return nil, err
	}

	token := uuid.NewString()
	full := r.key(key)
	deadline := time.Now().Add(timeout)
	for {
		ok, err := client.SetNX(ctx, full, token, r.lease).Result()
		if err != nil {
			return nil, fmt.Errorf("redis lock %s: %w", key, err)
		}
		if ok {
			return &redisLock{client: client, key: key, full: full, token: token}, nil
		}
		retry, err := waitRetry(ctx, deadline)
		if err != nil {
			return nil, err
		}
		if !retry {
			return nil, ErrLockTimeout
		}
	}
}

// Close implements Backend.
func (r *Redis) Close() error {
	if r == nil || r.client == nil {
		return nil
	}
	return r.client.Close()
}

type redisLock struct {
	client *redis.Client
	key    string
	full   string
	token  string
}

func (l *redisLock) Key() string { return l.key }

// Release deletes the lock only if this holder still owns it. It still runs
// when ctx is already cancelled; otherwise the key would sit until its lease ends.
func (l *redisLock) Release(ctx context.Context) error {
	ctxUnlock, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := releaseScript.Run(ctxUnlock, l.client, []string{l.full}, l.token).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis unlock %s: %w", l.key, err)
	}
	return nil
}

var _ Backend = (*Redis)(nil)
