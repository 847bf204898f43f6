// Package ratelimit ограничивает частоту запросов счётчиком в Redis,
// общим для всех экземпляров сервиса.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const keyPrefix = "ratelimit:"

// counter подмножество команд Redis, используемых ограничителем.
type counter interface {
	Incr(ctx context.Context, key string) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
}

// Limiter ограничивает число запросов по ключу в фиксированном окне.
type Limiter struct {
	client counter
	closer func() error
	limit  int64
	window time.Duration
	log    *zap.Logger
}

// NewRedisLimiter подключается к Redis и проверяет соединение.
func NewRedisLimiter(addr, password string, limit int, window time.Duration, log *zap.Logger) (*Limiter, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	log.Info("redis connected", zap.String("addr", addr))

	l := newLimiter(rdb, limit, window, log)
	l.closer = rdb.Close
	return l, nil
}

func newLimiter(c counter, limit int, window time.Duration, log *zap.Logger) *Limiter {
	if log == nil {
		log = zap.NewNop()
	}
	return &Limiter{
		client: c,
		limit:  int64(limit),
		window: window,
		log:    log,
	}
}

// Allow учитывает запрос и сообщает, укладывается ли он в лимит.
func (l *Limiter) Allow(ctx context.Context, key string) (bool, error) {
	if l.limit <= 0 {
		return true, nil
	}

	key = keyPrefix + key
	n, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("incr %s: %w", key, err)
	}
	if n == 1 {
		if err := l.client.Expire(ctx, key, l.window).Err(); err != nil {
			return false, fmt.Errorf("expire %s: %w", key, err)
		}
	}

	if n > l.limit {
		l.log.Debug("rate limit exceeded", zap.String("key", key), zap.Int64("count", n))
		return false, nil
	}
	return true, nil
}

// Close закрывает соединение с Redis.
func (l *Limiter) Close() error {
	if l.closer != nil {
		return l.closer()
	}
	return nil
}
