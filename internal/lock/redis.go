package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisConfig tunes the distributed locker.
type RedisConfig struct {
	Prefix string
	// TTL bounds how long a crashed holder can block others.
	TTL time.Duration
	// Wait bounds how long Lock polls before giving up.
	Wait         time.Duration
	PollInterval time.Duration
}

// RedisLocker serializes writers across processes with SET NX and a random
// token; release only deletes the key while it still carries our token.
type RedisLocker struct {
	client *redis.Client
	cfg    RedisConfig
	logger zerolog.Logger
}

func NewRedisLocker(client *redis.Client, cfg RedisConfig, logger zerolog.Logger) *RedisLocker {
	if cfg.Prefix == "" {
		cfg.Prefix = "bookingd:lock"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Second
	}
	if cfg.Wait <= 0 {
		cfg.Wait = 10 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 25 * time.Millisecond
	}
	return &RedisLocker{
		client: client,
		cfg:    cfg,
		logger: logger.With().Str("component", "lock").Logger(),
	}
}

func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	name := l.cfg.Prefix + ":" + key
	token := uuid.NewString()

	waitCtx, cancel := context.WithTimeout(ctx, l.cfg.Wait)
	defer cancel()

	ticker := time.NewTicker(l.cfg.PollInterval)
	defer ticker.Stop()

	for {
		ok, err := l.client.SetNX(waitCtx, name, token, l.cfg.TTL).Result()
		if err != nil && waitCtx.Err() == nil {
			return nil, fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if ok {
			return func() { l.release(name, token) }, nil
		}

		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("%w: %s", ErrTimeout, key)
		case <-ticker.C:
		}
	}
}

func (l *RedisLocker) release(name, token string) {
	// The caller's context may already be cancelled; release regardless.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := releaseScript.Run(ctx, l.client, []string{name}, token).Err(); err != nil {
		l.logger.Warn().Err(err).Str("key", name).Msg("failed to release lock")
	}
}
