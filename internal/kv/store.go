// Package kv is the capability surface over the Redis store. Every
// record written through it carries a lease; a mutator that accepts a
// TTL refreshes the key's lease after the mutation succeeds. Reads
// leave leases untouched.
package kv

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/dragondrop/internal/apierr"
)

// DefaultLease is the lease applied when a mutator is called with ttl 0.
const DefaultLease = 300 * time.Second

const dbErrorMsg = "error connecting to database"

// Store wraps a shared Redis client. It is cheap to copy; the client's
// pooling handles concurrent callers.
type Store struct {
	rdb    *redis.Client
	logger *logrus.Logger
}

// Options configures the Redis connection.
type Options struct {
	Addr     string
	Password string
}

// NewStore creates a Store and verifies the store is reachable.
func NewStore(ctx context.Context, opts Options, logger *logrus.Logger) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &Store{rdb: rdb, logger: logger}, nil
}

// NewStoreWithClient wraps an existing client. Used by tests to point
// the store at miniredis.
func NewStoreWithClient(rdb *redis.Client, logger *logrus.Logger) *Store {
	return &Store{rdb: rdb, logger: logger}
}

// Close releases the underlying client.
func (s *Store) Close() error {
	return s.rdb.Close()
}

func (s *Store) fail(op string, err error) error {
	s.logger.WithError(err).Error(op)
	return apierr.Internal(dbErrorMsg)
}

func lease(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return DefaultLease
	}
	return ttl
}

// Expire refreshes the lease on key.
func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := s.rdb.Expire(ctx, key, lease(ttl)).Err(); err != nil {
		return s.fail("expire", err)
	}
	return nil
}

// Exists reports whether key is present.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, s.fail("exists", err)
	}
	return n > 0, nil
}

// Get returns the string value of key, or "" when the key is absent.
// Absence is a valid state, not an error.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	v, err := s.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", s.fail("get", err)
	}
	return v, nil
}

// Set writes key with a lease.
func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.rdb.Set(ctx, key, value, lease(ttl)).Err(); err != nil {
		return s.fail("set", err)
	}
	return nil
}

// Incr increments the counter at key by one and refreshes its lease.
func (s *Store) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	n, err := s.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, s.fail("incr", err)
	}
	if err := s.Expire(ctx, key, ttl); err != nil {
		return 0, err
	}
	return n, nil
}

// Del removes key.
func (s *Store) Del(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, key).Err(); err != nil {
		return s.fail("del", err)
	}
	return nil
}

// SAdd adds value to the set at key and refreshes the lease.
func (s *Store) SAdd(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.rdb.SAdd(ctx, key, value).Err(); err != nil {
		return s.fail("sadd", err)
	}
	return s.Expire(ctx, key, ttl)
}

// SRem removes value from the set at key.
func (s *Store) SRem(ctx context.Context, key, value string) error {
	if err := s.rdb.SRem(ctx, key, value).Err(); err != nil {
		return s.fail("srem", err)
	}
	return nil
}

// SIsMember reports whether value is in the set at key.
func (s *Store) SIsMember(ctx context.Context, key, value string) (bool, error) {
	ok, err := s.rdb.SIsMember(ctx, key, value).Result()
	if err != nil {
		return false, s.fail("sismember", err)
	}
	return ok, nil
}

// SMembers returns all members of the set at key. A missing key yields
// an empty slice.
func (s *Store) SMembers(ctx context.Context, key string) ([]string, error) {
	members, err := s.rdb.SMembers(ctx, key).Result()
	if err != nil {
		return nil, s.fail("smembers", err)
	}
	return members, nil
}

// HSetMulti writes the given field pairs into the hash at key and
// refreshes the lease. Fields is interleaved [f1, v1, f2, v2, ...].
func (s *Store) HSetMulti(ctx context.Context, key string, fields []string, ttl time.Duration) error {
	args := make([]interface{}, len(fields))
	for i, f := range fields {
		args[i] = f
	}
	if err := s.rdb.HSet(ctx, key, args...).Err(); err != nil {
		return s.fail("hset", err)
	}
	return s.Expire(ctx, key, ttl)
}

// HGet returns one field of the hash at key, or "" when absent.
func (s *Store) HGet(ctx context.Context, key, field string) (string, error) {
	v, err := s.rdb.HGet(ctx, key, field).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", s.fail("hget", err)
	}
	return v, nil
}

// HGetAll returns the hash at key as an interleaved
// [field1, value1, field2, value2, ...] slice. Field order is not
// guaranteed; look fields up with HashField.
func (s *Store) HGetAll(ctx context.Context, key string) ([]string, error) {
	m, err := s.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, s.fail("hgetall", err)
	}
	flat := make([]string, 0, len(m)*2)
	for f, v := range m {
		flat = append(flat, f, v)
	}
	return flat, nil
}

// LPush prepends value to the list at key and refreshes the lease.
func (s *Store) LPush(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.rdb.LPush(ctx, key, value).Err(); err != nil {
		return s.fail("lpush", err)
	}
	return s.Expire(ctx, key, ttl)
}

// LPop removes and returns the head of the list at key, or "" when the
// list is empty.
func (s *Store) LPop(ctx context.Context, key string) (string, error) {
	v, err := s.rdb.LPop(ctx, key).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", s.fail("lpop", err)
	}
	return v, nil
}

// RPop removes and returns the tail of the list at key, or "" when the
// list is empty.
func (s *Store) RPop(ctx context.Context, key string) (string, error) {
	v, err := s.rdb.RPop(ctx, key).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", s.fail("rpop", err)
	}
	return v, nil
}

// LLen returns the length of the list at key.
func (s *Store) LLen(ctx context.Context, key string) (int64, error) {
	n, err := s.rdb.LLen(ctx, key).Result()
	if err != nil {
		return 0, s.fail("llen", err)
	}
	return n, nil
}

// LRange returns the list elements between start and stop inclusive.
func (s *Store) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	vs, err := s.rdb.LRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, s.fail("lrange", err)
	}
	return vs, nil
}

// HashField looks up a field in an interleaved hash slice as returned
// by HGetAll. The second return is false when the field is missing.
func HashField(flat []string, field string) (string, bool) {
	for i := 0; i+1 < len(flat); i += 2 {
		if flat[i] == field {
			return flat[i+1], true
		}
	}
	return "", false
}
