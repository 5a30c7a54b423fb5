package lock

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/oilcast/featurepipe/pkg/core"
)

// releaseScript deletes the key only while it still holds our token, so a
// lock that expired and was taken over is left alone.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`

// extendScript pushes the expiry out only while the key holds our token.
const extendScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`

type redisClient interface {
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *goredis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...any) *goredis.Cmd
}

// RedisOptions configures a Redis-backed lock.
type RedisOptions struct {
	Addr     string `koanf:"addr"`
	Username string `koanf:"username"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
	Key      string `koanf:"key"`
}

// RedisLock is a lock shared by every runner that can reach the same Redis.
type RedisLock struct {
	holder

	rdb   redisClient
	key   string
	owner string
	ttl   time.Duration
}

// DialRedis connects to Redis and checks the connection.
func DialRedis(ctx context.Context, opts RedisOptions) (*goredis.Client, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        opts.Addr,
		Username:    opts.Username,
		Password:    opts.Password,
		DB:          opts.DB,
		DialTimeout: 5 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("%w: redis ping %s: %w", core.ErrTransient, opts.Addr, err)
	}
	return rdb, nil
}

// NewRedisLock returns a lock on key held for at most ttl.
func NewRedisLock(rdb redisClient, key string, ttl time.Duration) *RedisLock {
	return &RedisLock{rdb: rdb, key: key, owner: NewOwner(), ttl: ttl}
}

// Acquire implements Locker.
func (l *RedisLock) Acquire(ctx context.Context) error {
	ok, err := l.rdb.SetNX(ctx, l.key, l.owner, l.ttl).Result()
	if err != nil {
		return fmt.Errorf("%w: acquire redis lock %s: %w", core.ErrTransient, l.key, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", core.ErrLockHeld, l.key)
	}
	l.hold(l.ttl, l.renew)
	return nil
}

func (l *RedisLock) renew(ctx context.Context) (bool, error) {
	n, err := l.rdb.Eval(ctx, extendScript, []string{l.key}, l.owner, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("%w: extend redis lock %s: %w", core.ErrTransient, l.key, err)
	}
	return n == 1, nil
}

// Release implements Locker.
func (l *RedisLock) Release(ctx context.Context) error {
	l.drop()
	if err := l.rdb.Eval(ctx, releaseScript, []string{l.key}, l.owner).Err(); err != nil {
		return fmt.Errorf("release redis lock %s: %w", l.key, err)
	}
	return nil
}

// Owner implements Locker.
func (l *RedisLock) Owner() string { return l.owner }
