package statestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/meridianfleet/controlplane/pkg/errs"
	"github.com/meridianfleet/controlplane/pkg/log"
	"github.com/meridianfleet/controlplane/pkg/metrics"
)

// ErrNotFound is returned by Get/HGet/etc. when the key (or field) is absent.
var ErrNotFound = errors.New("statestore: not found")

// Config holds connection configuration for the state store.
type Config struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

// Store is the key/value façade the control plane builds on: scalar,
// hash, list, and set operations with TTL, plus lease primitives used
// by the workflow engine for single-writer discipline.
type Store struct {
	client *redis.Client
}

// New connects to Redis using cfg. The connection is lazy; callers should
// follow up with Ping to fail fast on misconfiguration.
func New(cfg Config) *Store {
	opts := &redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	return &Store{client: redis.NewClient(opts)}
}

// NewFromClient wraps an already-constructed redis client, used by tests
// to point the store at a miniredis instance.
func NewFromClient(client *redis.Client) *Store {
	return &Store{client: client}
}

// Ping verifies connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return errs.Wrap(errs.TransportUnavailable, err, "state store ping")
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.client.Close()
}

func observe(op string, start time.Time, err error) {
	outcome := "ok"
	if err != nil && !errors.Is(err, ErrNotFound) {
		outcome = "error"
	}
	metrics.StateStoreOpsTotal.WithLabelValues(op, outcome).Inc()
	metrics.StateStoreOpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func wrapErr(op string, key string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	return errs.Wrap(errs.TransportUnavailable, err, "statestore %s %s", op, key)
}

// Set stores value under key, marshaled as JSON, with an optional TTL
// (zero means no expiry).
func Set[T any](ctx context.Context, s *Store, key string, value T, ttl time.Duration) error {
	start := time.Now()
	data, err := json.Marshal(value)
	if err != nil {
		observe("set", start, err)
		return errs.Wrap(errs.Internal, err, "marshal value for %s", key)
	}
	err = s.client.Set(ctx, key, data, ttl).Err()
	observe("set", start, err)
	return wrapErr("set", key, err)
}

// Get retrieves and unmarshals the value stored under key.
func Get[T any](ctx context.Context, s *Store, key string) (T, error) {
	var out T
	start := time.Now()
	data, err := s.client.Get(ctx, key).Bytes()
	observe("get", start, err)
	if err != nil {
		return out, wrapErr("get", key, err)
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, errs.Wrap(errs.Internal, err, "unmarshal value for %s", key)
	}
	return out, nil
}

// Exists reports whether key is present.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	start := time.Now()
	n, err := s.client.Exists(ctx, key).Result()
	observe("exists", start, err)
	if err != nil {
		return false, wrapErr("exists", key, err)
	}
	return n > 0, nil
}

// Delete removes key. Deleting an absent key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	start := time.Now()
	err := s.client.Del(ctx, key).Err()
	observe("delete", start, err)
	return wrapErr("delete", key, err)
}

// DeleteByPattern removes every key matching a glob pattern, scanning in
// batches so it never blocks the server with a single KEYS call, and
// returns the number of keys removed.
func (s *Store) DeleteByPattern(ctx context.Context, pattern string) (int, error) {
	start := time.Now()
	var cursor uint64
	var removed int
	for {
		keys, next, err := s.client.Scan(ctx, cursor, pattern, 256).Result()
		if err != nil {
			observe("delete_pattern", start, err)
			return removed, wrapErr("delete_by_pattern", pattern, err)
		}
		if len(keys) > 0 {
			if err := s.client.Unlink(ctx, keys...).Err(); err != nil {
				observe("delete_pattern", start, err)
				return removed, wrapErr("delete_by_pattern", pattern, err)
			}
			removed += len(keys)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	observe("delete_pattern", start, nil)
	return removed, nil
}

// Keys returns every key matching a glob pattern, scanning in batches
// rather than a single blocking KEYS call. Used by crash-resume scans
// that must enumerate workflow state without deleting it.
func (s *Store) Keys(ctx context.Context, pattern string) ([]string, error) {
	start := time.Now()
	var cursor uint64
	var out []string
	for {
		keys, next, err := s.client.Scan(ctx, cursor, pattern, 256).Result()
		if err != nil {
			observe("keys", start, err)
			return nil, wrapErr("keys", pattern, err)
		}
		out = append(out, keys...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	observe("keys", start, nil)
	return out, nil
}

// SetMany stores every entry in values under its key, each with the same TTL.
func SetMany[T any](ctx context.Context, s *Store, values map[string]T, ttl time.Duration) error {
	start := time.Now()
	pipe := s.client.Pipeline()
	for key, value := range values {
		data, err := json.Marshal(value)
		if err != nil {
			observe("set_many", start, err)
			return errs.Wrap(errs.Internal, err, "marshal value for %s", key)
		}
		pipe.Set(ctx, key, data, ttl)
	}
	_, err := pipe.Exec(ctx)
	observe("set_many", start, err)
	return wrapErr("set_many", fmt.Sprintf("%d keys", len(values)), err)
}

// GetMany fetches every key in keys, returning a map containing only the
// keys that were present.
func GetMany[T any](ctx context.Context, s *Store, keys []string) (map[string]T, error) {
	start := time.Now()
	out := make(map[string]T, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	pipe := s.client.Pipeline()
	cmds := make(map[string]*redis.StringCmd, len(keys))
	for _, key := range keys {
		cmds[key] = pipe.Get(ctx, key)
	}
	_, err := pipe.Exec(ctx)
	if err != nil && !errors.Is(err, redis.Nil) {
		observe("get_many", start, err)
		return nil, wrapErr("get_many", fmt.Sprintf("%d keys", len(keys)), err)
	}
	for key, cmd := range cmds {
		data, err := cmd.Bytes()
		if err != nil {
			continue // absent key, skip per contract
		}
		var v T
		if err := json.Unmarshal(data, &v); err != nil {
			observe("get_many", start, err)
			return nil, errs.Wrap(errs.Internal, err, "unmarshal value for %s", key)
		}
		out[key] = v
	}
	observe("get_many", start, nil)
	return out, nil
}

// HSet sets a single field in the hash stored at key.
func (s *Store) HSet(ctx context.Context, key, field string, value any) error {
	start := time.Now()
	data, err := json.Marshal(value)
	if err != nil {
		observe("hset", start, err)
		return errs.Wrap(errs.Internal, err, "marshal field %s/%s", key, field)
	}
	err = s.client.HSet(ctx, key, field, data).Err()
	observe("hset", start, err)
	return wrapErr("hset", key, err)
}

// HGet retrieves and unmarshals a single hash field into out.
func (s *Store) HGet(ctx context.Context, key, field string, out any) error {
	start := time.Now()
	data, err := s.client.HGet(ctx, key, field).Bytes()
	observe("hget", start, err)
	if err != nil {
		return wrapErr("hget", key+"/"+field, err)
	}
	return json.Unmarshal(data, out)
}

// HGetAll retrieves every field of the hash stored at key. Values remain
// JSON-encoded; callers unmarshal per field via HGet when a typed result
// is needed, or inspect the raw map directly.
func (s *Store) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	start := time.Now()
	m, err := s.client.HGetAll(ctx, key).Result()
	observe("hgetall", start, err)
	if err != nil {
		return nil, wrapErr("hgetall", key, err)
	}
	return m, nil
}

// HDelete removes one or more fields from the hash stored at key.
func (s *Store) HDelete(ctx context.Context, key string, fields ...string) error {
	start := time.Now()
	err := s.client.HDel(ctx, key, fields...).Err()
	observe("hdel", start, err)
	return wrapErr("hdel", key, err)
}

// LPush prepends value (JSON-encoded) to the list stored at key.
func (s *Store) LPush(ctx context.Context, key string, value any) error {
	start := time.Now()
	data, err := json.Marshal(value)
	if err != nil {
		observe("lpush", start, err)
		return errs.Wrap(errs.Internal, err, "marshal list value for %s", key)
	}
	err = s.client.LPush(ctx, key, data).Err()
	observe("lpush", start, err)
	return wrapErr("lpush", key, err)
}

// RPush appends value (JSON-encoded) to the list stored at key.
func (s *Store) RPush(ctx context.Context, key string, value any) error {
	start := time.Now()
	data, err := json.Marshal(value)
	if err != nil {
		observe("rpush", start, err)
		return errs.Wrap(errs.Internal, err, "marshal list value for %s", key)
	}
	err = s.client.RPush(ctx, key, data).Err()
	observe("rpush", start, err)
	return wrapErr("rpush", key, err)
}

// LPop removes and unmarshals the first element of the list at key.
func (s *Store) LPop(ctx context.Context, key string, out any) error {
	start := time.Now()
	data, err := s.client.LPop(ctx, key).Bytes()
	observe("lpop", start, err)
	if err != nil {
		return wrapErr("lpop", key, err)
	}
	return json.Unmarshal(data, out)
}

// RPop removes and unmarshals the last element of the list at key.
func (s *Store) RPop(ctx context.Context, key string, out any) error {
	start := time.Now()
	data, err := s.client.RPop(ctx, key).Bytes()
	observe("rpop", start, err)
	if err != nil {
		return wrapErr("rpop", key, err)
	}
	return json.Unmarshal(data, out)
}

// LLen returns the length of the list stored at key.
func (s *Store) LLen(ctx context.Context, key string) (int64, error) {
	start := time.Now()
	n, err := s.client.LLen(ctx, key).Result()
	observe("llen", start, err)
	if err != nil {
		return 0, wrapErr("llen", key, err)
	}
	return n, nil
}

// SAdd adds member to the set stored at key.
func (s *Store) SAdd(ctx context.Context, key, member string) error {
	start := time.Now()
	err := s.client.SAdd(ctx, key, member).Err()
	observe("sadd", start, err)
	return wrapErr("sadd", key, err)
}

// SRem removes member from the set stored at key.
func (s *Store) SRem(ctx context.Context, key, member string) error {
	start := time.Now()
	err := s.client.SRem(ctx, key, member).Err()
	observe("srem", start, err)
	return wrapErr("srem", key, err)
}

// SContains reports whether member is present in the set stored at key.
func (s *Store) SContains(ctx context.Context, key, member string) (bool, error) {
	start := time.Now()
	ok, err := s.client.SIsMember(ctx, key, member).Result()
	observe("scontains", start, err)
	if err != nil {
		return false, wrapErr("scontains", key, err)
	}
	return ok, nil
}

const releaseLeaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`

const renewLeaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
	return 0
end
`

// AcquireLease grants resource to owner for ttl using a conditional SET
// (SET NX PX), the idiomatic Redis mutual-exclusion primitive. It
// returns false without error if another owner already holds the lease.
func (s *Store) AcquireLease(ctx context.Context, resource, owner string, ttl time.Duration) (bool, error) {
	start := time.Now()
	ok, err := s.client.SetNX(ctx, leaseKey(resource), owner, ttl).Result()
	observe("acquire_lease", start, err)
	if err != nil {
		return false, wrapErr("acquire_lease", resource, err)
	}
	if ok {
		metrics.LeasesHeld.Inc()
	}
	return ok, nil
}

// RenewLease extends an owned lease's TTL, failing without error if owner
// no longer holds it (e.g. it already expired and was claimed elsewhere).
func (s *Store) RenewLease(ctx context.Context, resource, owner string, ttl time.Duration) (bool, error) {
	start := time.Now()
	res, err := s.client.Eval(ctx, renewLeaseScript, []string{leaseKey(resource)}, owner, ttl.Milliseconds()).Result()
	observe("renew_lease", start, err)
	if err != nil {
		return false, wrapErr("renew_lease", resource, err)
	}
	n, _ := res.(int64)
	return n == 1, nil
}

// ReleaseLease releases a lease this owner holds. Releasing a lease
// already held by someone else (or already expired) is a no-op.
func (s *Store) ReleaseLease(ctx context.Context, resource, owner string) error {
	start := time.Now()
	res, err := s.client.Eval(ctx, releaseLeaseScript, []string{leaseKey(resource)}, owner).Result()
	observe("release_lease", start, err)
	if err != nil {
		return wrapErr("release_lease", resource, err)
	}
	if n, _ := res.(int64); n == 1 {
		metrics.LeasesHeld.Dec()
		log.WithComponent("statestore").Debug().Str("resource", resource).Str("owner", owner).Msg("lease released")
	}
	return nil
}

func leaseKey(resource string) string {
	return "lease:" + resource
}
