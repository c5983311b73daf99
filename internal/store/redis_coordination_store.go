package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sort"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Script results below zero are errors.
const (
	scriptNotFound   = -1
	scriptBadVersion = -2
	scriptExists     = -3
)

// KEYS: record, parent children set. ARGV: data, child name.
var createScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return -3
end
redis.call('HSET', KEYS[1], 'data', ARGV[1], 'version', 0)
redis.call('SADD', KEYS[2], ARGV[2])
return 0
`)

// KEYS: record. ARGV: data, expected version.
var setScript = redis.NewScript(`
local v = redis.call('HGET', KEYS[1], 'version')
if not v then
  return -1
end
local expected = tonumber(ARGV[2])
if expected >= 0 and tonumber(v) ~= expected then
  return -2
end
local nv = tonumber(v) + 1
redis.call('HSET', KEYS[1], 'data', ARGV[1], 'version', nv)
return nv
`)

// KEYS: record, parent children set. ARGV: expected version, child name.
var deleteScript = redis.NewScript(`
local v = redis.call('HGET', KEYS[1], 'version')
if not v then
  return -1
end
local expected = tonumber(ARGV[1])
if expected >= 0 and tonumber(v) ~= expected then
  return -2
end
redis.call('DEL', KEYS[1])
redis.call('SREM', KEYS[2], ARGV[2])
return tonumber(v)
`)

const watchBuffer = 64

// RedisCoordinationStore implements CoordinationStore on Redis. Each path is a hash
// {data, version}; each parent keeps a set of child names; watches are pub/sub
// channels named after the path.
type RedisCoordinationStore struct {
	client redis.UniversalClient
	prefix string
	closed atomic.Bool
	logger *zap.Logger
}

// RedisOptions configures the Redis connection
type RedisOptions struct {
	Addr        string
	Password    string
	DB          int
	PoolSize    int
	MaxRetries  int
	DialTimeout time.Duration
}

// NewRedisCoordinationStore connects to Redis and verifies the connection
func NewRedisCoordinationStore(opts RedisOptions, logger *zap.Logger) (*RedisCoordinationStore, error) {
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:       []string{opts.Addr},
		Password:    opts.Password,
		DB:          opts.DB,
		PoolSize:    opts.PoolSize,
		MaxRetries:  opts.MaxRetries,
		DialTimeout: opts.DialTimeout,
	})

	timeout := opts.DialTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewRedisCoordinationStoreWithClient(client, logger), nil
}

// NewRedisCoordinationStoreWithClient wraps an existing client
func NewRedisCoordinationStoreWithClient(client redis.UniversalClient, logger *zap.Logger) *RedisCoordinationStore {
	return &RedisCoordinationStore{
		client: client,
		prefix: "kvring",
		logger: logger,
	}
}

func (s *RedisCoordinationStore) recordKey(p string) string   { return s.prefix + ":node:" + p }
func (s *RedisCoordinationStore) childrenKey(p string) string { return s.prefix + ":children:" + p }
func (s *RedisCoordinationStore) channel(p string) string     { return s.prefix + ":watch:" + p }

// Create writes a new path
func (s *RedisCoordinationStore) Create(ctx context.Context, p string, data []byte) error {
	if s.closed.Load() {
		return ErrClosed
	}
	p = path.Clean(p)
	parent, name := parentOf(p)

	res, err := createScript.Run(ctx, s.client, []string{s.recordKey(p), s.childrenKey(parent)}, data, name).Int64()
	if err != nil {
		return fmt.Errorf("create %s: %w", p, err)
	}
	if res == scriptExists {
		return ErrNodeExists
	}
	s.publish(ctx, Event{Path: p, Type: EventCreated, Data: data})
	return nil
}

// Set overwrites an existing path
func (s *RedisCoordinationStore) Set(ctx context.Context, p string, data []byte, version int64) (int64, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	p = path.Clean(p)

	res, err := setScript.Run(ctx, s.client, []string{s.recordKey(p)}, data, version).Int64()
	if err != nil {
		return 0, fmt.Errorf("set %s: %w", p, err)
	}
	switch res {
	case scriptNotFound:
		return 0, ErrNotFound
	case scriptBadVersion:
		return 0, ErrBadVersion
	}
	s.publish(ctx, Event{Path: p, Type: EventChanged, Data: data, Version: res})
	return res, nil
}

// Get reads a path
func (s *RedisCoordinationStore) Get(ctx context.Context, p string) ([]byte, int64, error) {
	if s.closed.Load() {
		return nil, 0, ErrClosed
	}
	p = path.Clean(p)

	vals, err := s.client.HMGet(ctx, s.recordKey(p), "data", "version").Result()
	if err != nil {
		return nil, 0, fmt.Errorf("get %s: %w", p, err)
	}
	if vals[1] == nil {
		return nil, 0, ErrNotFound
	}

	var data []byte
	if str, ok := vals[0].(string); ok {
		data = []byte(str)
	}
	versionStr, _ := vals[1].(string)
	version, err := strconv.ParseInt(versionStr, 10, 64)
	if err != nil {
		return nil, 0, fmt.Errorf("get %s: corrupt version %q", p, versionStr)
	}
	return data, version, nil
}

// Exists reports whether a path is present
func (s *RedisCoordinationStore) Exists(ctx context.Context, p string) (bool, error) {
	if s.closed.Load() {
		return false, ErrClosed
	}
	n, err := s.client.Exists(ctx, s.recordKey(path.Clean(p))).Result()
	if err != nil {
		return false, fmt.Errorf("exists %s: %w", p, err)
	}
	return n == 1, nil
}

// Delete removes a path
func (s *RedisCoordinationStore) Delete(ctx context.Context, p string, version int64) error {
	if s.closed.Load() {
		return ErrClosed
	}
	p = path.Clean(p)
	parent, name := parentOf(p)

	res, err := deleteScript.Run(ctx, s.client, []string{s.recordKey(p), s.childrenKey(parent)}, version, name).Int64()
	if err != nil {
		return fmt.Errorf("delete %s: %w", p, err)
	}
	switch res {
	case scriptNotFound:
		return ErrNotFound
	case scriptBadVersion:
		return ErrBadVersion
	}
	s.publish(ctx, Event{Path: p, Type: EventDeleted, Version: res})
	return nil
}

// Children lists direct children of a path
func (s *RedisCoordinationStore) Children(ctx context.Context, p string) ([]string, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	children, err := s.client.SMembers(ctx, s.childrenKey(path.Clean(p))).Result()
	if err != nil {
		return nil, fmt.Errorf("children %s: %w", p, err)
	}
	sort.Strings(children)
	return children, nil
}

// Watch subscribes to a path. The subscription is confirmed before returning, so a
// write issued after Watch returns is always observed.
func (s *RedisCoordinationStore) Watch(ctx context.Context, p string) (<-chan Event, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	p = path.Clean(p)

	sub := s.client.Subscribe(ctx, s.channel(p))
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("watch %s: %w", p, err)
	}

	out := make(chan Event, watchBuffer)
	go func() {
		defer close(out)
		defer sub.Close()

		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					s.logger.Warn("Ignoring malformed watch event",
						zap.String("path", p),
						zap.Error(err))
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

// Ping checks the Redis connection
func (s *RedisCoordinationStore) Ping(ctx context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis client and every subscription
func (s *RedisCoordinationStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	err := s.client.Close()
	if errors.Is(err, redis.ErrClosed) {
		return nil
	}
	return err
}

func (s *RedisCoordinationStore) publish(ctx context.Context, ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		s.logger.Error("Failed to encode watch event", zap.String("path", ev.Path), zap.Error(err))
		return
	}
	if err := s.client.Publish(ctx, s.channel(ev.Path), payload).Err(); err != nil {
		s.logger.Warn("Failed to publish watch event",
			zap.String("path", ev.Path),
			zap.Error(err))
	}
}
