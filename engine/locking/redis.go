package locking

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Lua compare scripts keep the read and the mutation in one command, so a
// lock that expired and was re-acquired by someone else is never touched.
const (
	releaseScript = `
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		else
			return 0
		end
	`
	extendScript = `
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("pexpire", KEYS[1], tonumber(ARGV[2]))
		else
			return 0
		end
	`
)

// RedisLocker implements Locker over a single Redis instance using
// SET NX EX for acquisition and Lua compare-and-delete for release.
type RedisLocker struct {
	client *redis.Client
	log    *logrus.Entry
}

func NewRedisLocker(client *redis.Client, log *logrus.Logger) *RedisLocker {
	return &RedisLocker{client: client, log: log.WithField("component", "lock")}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	token := uuid.New().String()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return "", false, err
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

func (l *RedisLocker) Release(ctx context.Context, key, token string) (bool, error) {
	res, err := l.client.Eval(ctx, releaseScript, []string{key}, token).Result()
	if err != nil {
		return false, err
	}
	n, _ := res.(int64)
	if n == 0 {
		l.log.WithField("key", key).Warn("release skipped: lock not owned (expired or stolen)")
	}
	return n == 1, nil
}

func (l *RedisLocker) Extend(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	res, err := l.client.Eval(ctx, extendScript, []string{key}, token, int64(ttl/time.Millisecond)).Result()
	if err != nil {
		return false, err
	}
	n, _ := res.(int64)
	return n == 1, nil
}
