// Package batchlock provides the optional claim step around batch sends.
// Two overlapping batch invocations against the same registry would both
// select the same pending records; holding the lock for the duration of a
// run prevents the duplicate send.
package batchlock

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Lock is a cross-process mutual exclusion primitive. A Lock value is used
// from a single goroutine; concurrent runs each get their own value.
type Lock interface {
	// TryAcquire attempts to take the lock without blocking. Returns true
	// on success.
	TryAcquire(ctx context.Context) (bool, error)
	// Release releases the lock if this holder still owns it.
	Release(ctx context.Context) error
}

// ForRegistry creates a batch lock for the given registry slug using the
// best available backend: Redis when a client is supplied, otherwise a
// PostgreSQL advisory lock on the store connection.
func ForRegistry(redisClient *redis.Client, db *sql.DB, slug string, ttl time.Duration) Lock {
	key := "sendbatch:" + slug
	if redisClient != nil {
		return NewRedisLock(redisClient, key, ttl)
	}
	return NewAdvisoryLock(db, key)
}

// RedisLock implements Lock via SET NX with a TTL. A random ownership token
// and a Lua release script prevent releasing a lock another run has since
// acquired after TTL expiry.
type RedisLock struct {
	client *redis.Client
	key    string
	token  string
	ttl    time.Duration
}

// NewRedisLock creates a Redis-backed lock for the given key.
func NewRedisLock(client *redis.Client, key string, ttl time.Duration) *RedisLock {
	b := make([]byte, 16)
	rand.Read(b)
	return &RedisLock{
		client: client,
		key:    "lock:" + key,
		token:  hex.EncodeToString(b),
		ttl:    ttl,
	}
}

// TryAcquire attempts to take the lock. Returns true on success.
func (l *RedisLock) TryAcquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.token, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", l.key, err)
	}
	return ok, nil
}

// Release releases the lock only if this holder still owns it.
func (l *RedisLock) Release(ctx context.Context) error {
	script := redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		else
			return 0
		end
	`)
	_, err := script.Run(ctx, l.client, []string{l.key}, l.token).Result()
	return err
}

// AdvisoryLock implements Lock with pg_try_advisory_lock. Session scoped, so
// a crashed run's lock is released when its connection drops.
type AdvisoryLock struct {
	db     *sql.DB
	lockID int64
}

// NewAdvisoryLock creates an advisory lock with a deterministic id derived
// from the key.
func NewAdvisoryLock(db *sql.DB, key string) *AdvisoryLock {
	h := fnv.New64a()
	h.Write([]byte(key))
	return &AdvisoryLock{db: db, lockID: int64(h.Sum64())}
}

// TryAcquire attempts to take the advisory lock without blocking.
func (l *AdvisoryLock) TryAcquire(ctx context.Context) (bool, error) {
	var acquired bool
	err := l.db.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", l.lockID).Scan(&acquired)
	return acquired, err
}

// Release releases the advisory lock.
func (l *AdvisoryLock) Release(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", l.lockID)
	return err
}
