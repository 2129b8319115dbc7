package session

import (
	"context"
	"errors"
	"time"
)

// RedisClient is the slice of a Redis client this store needs. The
// method set matches github.com/redis/go-redis/v9, so a *redis.Client
// satisfies it through a thin adapter without making this module depend
// on the driver.
type RedisClient interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) RedisStatusCmd
	Get(ctx context.Context, key string) RedisStringCmd
	Del(ctx context.Context, keys ...string) RedisIntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) RedisBoolCmd
	Pipeline() RedisPipeliner
	Close() error
}

// RedisStatusCmd is the result of a status reply.
type RedisStatusCmd interface {
	Err() error
}

// RedisStringCmd is the result of a string reply.
type RedisStringCmd interface {
	Bytes() ([]byte, error)
	Err() error
}

// RedisIntCmd is the result of an integer reply.
type RedisIntCmd interface {
	Err() error
}

// RedisBoolCmd is the result of a boolean reply.
type RedisBoolCmd interface {
	Err() error
}

// RedisPipeliner batches commands into one round trip.
type RedisPipeliner interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) RedisStatusCmd
	Exec(ctx context.Context) ([]interface{}, error)
}

// ErrRedisNil mirrors redis.Nil from go-redis: the key does not exist.
var ErrRedisNil = errors.New("redis: nil")

// RedisStore keeps session records in Redis, one key per record with a
// native TTL. Suitable for multi-server deployments where every engine
// instance must see the same sessions.
type RedisStore struct {
	client RedisClient
	prefix string
	closed bool
}

// RedisStoreOption configures RedisStore behavior.
type RedisStoreOption func(*redisStoreConfig)

type redisStoreConfig struct {
	prefix string
}

// WithRedisPrefix sets the key prefix for session records.
// Default: "wirecall:session:".
func WithRedisPrefix(prefix string) RedisStoreOption {
	return func(c *redisStoreConfig) {
		c.prefix = prefix
	}
}

// NewRedisStore creates a Redis-backed session store.
func NewRedisStore(client RedisClient, opts ...RedisStoreOption) *RedisStore {
	cfg := &redisStoreConfig{
		prefix: "wirecall:session:",
	}
	for _, opt := range opts {
		opt(cfg)
	}

	return &RedisStore{
		client: client,
		prefix: cfg.prefix,
	}
}

func (r *RedisStore) key(sessionID string) string {
	return r.prefix + sessionID
}

func isRedisNil(err error) bool {
	// go-redis's redis.Nil is a distinct type; match by message since the
	// driver is behind the interface.
	return errors.Is(err, ErrRedisNil) || err.Error() == ErrRedisNil.Error()
}

// Save stores a record under its TTL. A record that is already expired
// is deleted instead.
func (r *RedisStore) Save(ctx context.Context, sessionID string, data []byte, expiresAt time.Time) error {
	if r.closed {
		return ErrStoreClosed{}
	}

	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return r.Delete(ctx, sessionID)
	}
	return r.client.Set(ctx, r.key(sessionID), data, ttl).Err()
}

// Load retrieves a record, (nil, nil) when the key is gone.
func (r *RedisStore) Load(ctx context.Context, sessionID string) ([]byte, error) {
	if r.closed {
		return nil, ErrStoreClosed{}
	}

	data, err := r.client.Get(ctx, r.key(sessionID)).Bytes()
	if err != nil {
		if isRedisNil(err) {
			return nil, nil
		}
		return nil, err
	}
	return data, nil
}

// Delete removes a record.
func (r *RedisStore) Delete(ctx context.Context, sessionID string) error {
	if r.closed {
		return ErrStoreClosed{}
	}
	return r.client.Del(ctx, r.key(sessionID)).Err()
}

// Touch extends the TTL of a record.
func (r *RedisStore) Touch(ctx context.Context, sessionID string, expiresAt time.Time) error {
	if r.closed {
		return ErrStoreClosed{}
	}

	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return r.Delete(ctx, sessionID)
	}
	return r.client.Expire(ctx, r.key(sessionID), ttl).Err()
}

// SaveAll writes multiple records in one pipeline round trip.
func (r *RedisStore) SaveAll(ctx context.Context, sessions map[string]SessionData) error {
	if r.closed {
		return ErrStoreClosed{}
	}
	if len(sessions) == 0 {
		return nil
	}

	pipe := r.client.Pipeline()
	for id, sd := range sessions {
		if ttl := time.Until(sd.ExpiresAt); ttl > 0 {
			pipe.Set(ctx, r.key(id), sd.Data, ttl)
		}
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Close marks the store closed. The Redis client itself stays open, it
// may be shared with other components.
func (r *RedisStore) Close() error {
	r.closed = true
	return nil
}

// Prefix returns the configured key prefix, for tests and debugging.
func (r *RedisStore) Prefix() string {
	return r.prefix
}
