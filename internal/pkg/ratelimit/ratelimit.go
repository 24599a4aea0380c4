// Package ratelimit 提供基于 Redis 的全局令牌桶，用于约束多个爬虫进程对目标站点的总请求速率。
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/AliAkbar852/ScentSymphony/internal/config"
	"github.com/AliAkbar852/ScentSymphony/internal/pkg/metrics"

	"github.com/redis/go-redis/v9"
)

// ErrRateLimitTimeout 在等待令牌期间 context 结束时返回。
var ErrRateLimitTimeout = errors.New("rate limit wait timeout")

const (
	defaultKey        = "scentsymphony:ratelimit:fetch"
	evalTimeout       = 5 * time.Second
	minRetryWait      = 50 * time.Millisecond
	jitterMax         = 10 * time.Millisecond
	degradedLogPeriod = time.Minute
)

const tokenBucketLua = `
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local requested = tonumber(ARGV[4])

if rate <= 0 or burst <= 0 then
  return {1, 0, burst}
end

local data = redis.call("HMGET", key, "tokens", "ts")
local tokens = tonumber(data[1]) or burst
local ts = tonumber(data[2]) or now

local delta = math.max(0, now - ts)
tokens = math.min(burst, tokens + (delta * rate) / 1000.0)

local allowed = tokens >= requested
local wait_ms = 0
if allowed then
  tokens = tokens - requested
else
  wait_ms = math.ceil((requested - tokens) * 1000.0 / rate)
end

redis.call("HMSET", key, "tokens", tokens, "ts", now)
redis.call("PEXPIRE", key, math.ceil((burst / rate) * 1000.0 * 2))

return {allowed and 1 or 0, wait_ms, tokens}
`

// RateLimiter 共享令牌桶。nil 接收者表示不限流。
type RateLimiter struct {
	rdb    *redis.Client
	key    string
	rate   float64
	burst  float64
	logger *slog.Logger
	script *redis.Script

	lastDegraded atomic.Int64 // unix nano
}

// NewRedisRateLimiter 创建令牌桶限流器。
//
// 参数:
//
//	rdb: Redis 客户端
//	logger: 日志记录器，可为 nil
//	key: 令牌桶 key，为空时使用默认值
//	rate: 每秒补充的令牌数
//	burst: 桶容量
func NewRedisRateLimiter(rdb *redis.Client, logger *slog.Logger, key string, rate float64, burst float64) *RateLimiter {
	if key == "" {
		key = defaultKey
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &RateLimiter{
		rdb:    rdb,
		key:    key,
		rate:   rate,
		burst:  burst,
		logger: logger,
		script: redis.NewScript(tokenBucketLua),
	}
}

// NewFromConfig 按配置连接 Redis 并创建限流器。
// 未配置地址或速率时三个返回值均为 nil，nil 限流器的 Acquire 直接放行。
func NewFromConfig(ctx context.Context, cfg config.RedisConfig, logger *slog.Logger) (*RateLimiter, *redis.Client, error) {
	if cfg.Addr == "" || cfg.RateLimit <= 0 || cfg.RateBurst <= 0 {
		return nil, nil, nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, evalTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, nil, fmt.Errorf("connect redis: %w", err)
	}
	logger.Info("rate limiter enabled",
		slog.String("addr", cfg.Addr),
		slog.Float64("rate", cfg.RateLimit),
		slog.Float64("burst", cfg.RateBurst))
	return NewRedisRateLimiter(rdb, logger, cfg.RateKey, cfg.RateLimit, cfg.RateBurst), rdb, nil
}

// Acquire 阻塞直到拿到一个令牌或 ctx 结束。
//
// Redis 不可用时降级为放行，避免整个爬取因限流组件故障而停摆。
func (r *RateLimiter) Acquire(ctx context.Context) error {
	if r == nil || r.rate <= 0 || r.burst <= 0 {
		return nil
	}

	start := time.Now()
	for {
		allowed, waitMs, err := r.tryAcquire(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return r.timedOut(start)
			}
			r.degraded(err)
			metrics.RateLimitWaitDuration.Observe(time.Since(start).Seconds())
			return nil
		}
		if allowed {
			metrics.RateLimitWaitDuration.Observe(time.Since(start).Seconds())
			return nil
		}

		wait := time.Duration(waitMs) * time.Millisecond
		if wait <= 0 {
			wait = minRetryWait
		}
		wait += time.Duration(rand.Int63n(int64(jitterMax)))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			if !timer.Stop() {
				<-timer.C
			}
			return r.timedOut(start)
		case <-timer.C:
		}
	}
}

func (r *RateLimiter) timedOut(start time.Time) error {
	metrics.RateLimitWaitDuration.Observe(time.Since(start).Seconds())
	metrics.RateLimitTimeoutTotal.Inc()
	return ErrRateLimitTimeout
}

// degraded 限频输出降级日志，Redis 长时间不可用时不刷屏。
func (r *RateLimiter) degraded(err error) {
	now := time.Now().UnixNano()
	last := r.lastDegraded.Load()
	if now-last < int64(degradedLogPeriod) || !r.lastDegraded.CompareAndSwap(last, now) {
		return
	}
	r.logger.Warn("rate limit check failed, allowing request",
		slog.String("key", r.key),
		slog.String("error", err.Error()))
}

func (r *RateLimiter) tryAcquire(ctx context.Context) (bool, int64, error) {
	evalCtx, cancel := context.WithTimeout(ctx, evalTimeout)
	defer cancel()

	now := time.Now().UnixMilli()
	res, err := r.script.Run(evalCtx, r.rdb, []string{r.key}, r.rate, r.burst, now, 1).Result()
	if err != nil {
		return false, 0, fmt.Errorf("ratelimit eval: %w", err)
	}

	values, ok := res.([]interface{})
	if !ok || len(values) < 2 {
		return false, 0, fmt.Errorf("ratelimit invalid result")
	}
	return toInt64(values[0]) == 1, toInt64(values[1]), nil
}

func toInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	case string:
		if parsed, err := strconv.ParseInt(t, 10, 64); err == nil {
			return parsed
		}
	}
	return 0
}
