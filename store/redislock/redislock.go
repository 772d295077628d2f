/*
Package redislock implements ledger.Locker on Redis so several server
processes can serialize writes to the same account.

PROTOCOL:
  Acquire:  SET lock:<key> <token> NX PX <ttl>, polled until it succeeds
            or the context ends
  Release:  Lua check-and-delete, so only the holder's token frees the key

  The TTL bounds how long a crashed holder can block an account. It must be
  longer than the slowest ledger transaction; the journal's unique
  idempotency keys still reject a double credit if a lock expires mid-write.
*/
package redislock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/warp/aporte-ledger/ledger"
	"go.uber.org/zap"
)

const (
	DefaultTTL          = 30 * time.Second
	DefaultPollInterval = 25 * time.Millisecond
	keyPrefix           = "lock:"
)

var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

// Locker is a ledger.Locker backed by Redis.
type Locker struct {
	client redis.Cmdable
	ttl    time.Duration
	poll   time.Duration
	logger *zap.Logger
}

var _ ledger.Locker = (*Locker)(nil)

type Option func(*Locker)

func WithTTL(ttl time.Duration) Option        { return func(l *Locker) { l.ttl = ttl } }
func WithPollInterval(d time.Duration) Option { return func(l *Locker) { l.poll = d } }
func WithLogger(logger *zap.Logger) Option    { return func(l *Locker) { l.logger = logger } }

func New(client redis.Cmdable, opts ...Option) *Locker {
	l := &Locker{
		client: client,
		ttl:    DefaultTTL,
		poll:   DefaultPollInterval,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// NewClient parses a redis:// URL and pings the server.
func NewClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

// Acquire blocks until key is held or ctx ends.
func (l *Locker) Acquire(ctx context.Context, key string) (func(), error) {
	redisKey := keyPrefix + key
	token := uuid.NewString()

	ticker := time.NewTicker(l.poll)
	defer ticker.Stop()
	for {
		ok, err := l.client.SetNX(ctx, redisKey, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if ok {
			l.logger.Debug("lock acquired", zap.String("key", key), zap.Duration("ttl", l.ttl))
			return l.releaser(redisKey, token), nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (l *Locker) releaser(redisKey, token string) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			// The caller's context may already be cancelled; release regardless.
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			n, err := releaseScript.Run(ctx, l.client, []string{redisKey}, token).Int()
			switch {
			case err != nil && !errors.Is(err, redis.Nil):
				l.logger.Warn("lock release failed", zap.String("key", redisKey), zap.Error(err))
			case n == 0:
				l.logger.Warn("lock expired before release", zap.String("key", redisKey), zap.Duration("ttl", l.ttl))
			}
		})
	}
}
