package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"quizadmin/pkg/domain"
)

const defaultSessionCachePrefix = "quizadmin:session"

// setUnlessRevoked caches a session only while no revocation marker exists,
// so a lookup that raced a logout cannot put the session back.
var setUnlessRevoked = redis.NewScript(`
if redis.call("EXISTS", KEYS[2]) == 1 then
  return 0
end
redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
return 1
`)

// revokeSession drops the cached entry and leaves a marker for one TTL.
var revokeSession = redis.NewScript(`
redis.call("SET", KEYS[2], "1", "PX", ARGV[1])
redis.call("DEL", KEYS[1])
return 1
`)

// RedisSessionCache keeps recently resolved sessions in Redis with a short TTL.
type RedisSessionCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisSessionCache builds a Redis-backed session cache.
func NewRedisSessionCache(addr, password string, ttl time.Duration) (*RedisSessionCache, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, errors.New("session cache redis addr is required")
	}
	if ttl <= 0 {
		return nil, errors.New("session cache ttl must be positive")
	}
	return &RedisSessionCache{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
		}),
		prefix: defaultSessionCachePrefix,
		ttl:    ttl,
	}, nil
}

// Get returns a cached session for token.
func (c *RedisSessionCache) Get(ctx context.Context, token string) (domain.Session, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	raw, err := c.client.Get(ctx, c.key(token)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.Session{}, false, nil
	}
	if err != nil {
		return domain.Session{}, false, err
	}
	var sess domain.Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return domain.Session{}, false, fmt.Errorf("decode cached session: %w", err)
	}
	sess.Token = token
	return sess, true, nil
}

// Set caches s under its token unless the token was revoked within the
// last TTL.
func (c *RedisSessionCache) Set(ctx context.Context, s domain.Session) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	keys := []string{c.key(s.Token), c.revokedKey(s.Token)}
	return setUnlessRevoked.Run(ctx, c.client, keys, raw, c.ttl.Milliseconds()).Err()
}

// Revoke drops a cached token and refuses to cache it again for one TTL.
func (c *RedisSessionCache) Revoke(ctx context.Context, token string) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	keys := []string{c.key(token), c.revokedKey(token)}
	return revokeSession.Run(ctx, c.client, keys, c.ttl.Milliseconds()).Err()
}

// Close releases the Redis client.
func (c *RedisSessionCache) Close() error {
	return c.client.Close()
}

func (c *RedisSessionCache) key(token string) string {
	return c.prefix + ":" + token
}

func (c *RedisSessionCache) revokedKey(token string) string {
	return c.prefix + ":revoked:" + token
}
