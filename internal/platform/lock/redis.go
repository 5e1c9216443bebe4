package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultTTL           = 30 * time.Second
	DefaultRetryInterval = 50 * time.Millisecond
)

// releaseScript deletes the key only while it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker takes locks with SET NX PX so that replicas sharing a Redis
// serialize on the same keys. A lock left behind by a crashed holder
// expires after TTL.
type RedisLocker struct {
	client    redis.Cmdable
	keyPrefix string
	ttl       time.Duration
	retry     time.Duration
}

// RedisOption configures a RedisLocker.
type RedisOption func(*RedisLocker)

func WithTTL(ttl time.Duration) RedisOption {
	return func(l *RedisLocker) {
		if ttl > 0 {
			l.ttl = ttl
		}
	}
}

func WithRetryInterval(d time.Duration) RedisOption {
	return func(l *RedisLocker) {
		if d > 0 {
			l.retry = d
		}
	}
}

func WithKeyPrefix(prefix string) RedisOption {
	return func(l *RedisLocker) { l.keyPrefix = prefix }
}

func NewRedisLocker(client redis.Cmdable, opts ...RedisOption) *RedisLocker {
	l := &RedisLocker{
		client:    client,
		keyPrefix: "swasthya:lock",
		ttl:       DefaultTTL,
		retry:     DefaultRetryInterval,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// NewRedisClient parses a redis:// URL and pings the server.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return client, nil
}

func (l *RedisLocker) key(k string) string {
	if l.keyPrefix == "" {
		return k
	}
	return l.keyPrefix + ":" + k
}

func (l *RedisLocker) Acquire(ctx context.Context, key string) (Release, error) {
	full := l.key(key)
	token := uuid.NewString()

	ticker := time.NewTicker(l.retry)
	defer ticker.Stop()
	for {
		ok, err := l.client.SetNX(ctx, full, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire %s: %w", full, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}

	return func(ctx context.Context) error {
		n, err := releaseScript.Run(ctx, l.client, []string{full}, token).Int()
		if err != nil {
			return fmt.Errorf("release %s: %w", full, err)
		}
		if n == 0 {
			return fmt.Errorf("release %s: %w", full, ErrNotHeld)
		}
		return nil
	}, nil
}
