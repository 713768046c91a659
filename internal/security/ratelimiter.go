// 文件路径: internal/security/ratelimiter.go
// 模块说明: 固定窗口限流，用于登录与订阅拉取。
package security

import (
	"context"
	"fmt"
	"time"

	"github.com/creamcroissant/nodeboard/internal/cache"
)

// RateLimiter 控制重复行为（登录尝试、订阅拉取）。
type RateLimiter struct {
	store cache.Store
	now   func() time.Time
}

// RateResult 描述 Allow 调用的结果。
type RateResult struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// NewRateLimiter 使用缓存存储构建限流器。
func NewRateLimiter(store cache.Store) (*RateLimiter, error) {
	if store == nil {
		return nil, fmt.Errorf("rate limiter requires cache store / 限流器需要缓存存储")
	}
	return &RateLimiter{store: store.Namespace("rate"), now: time.Now}, nil
}

// Allow counts one hit for key inside a fixed window and reports whether it is within limit.
func (l *RateLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (RateResult, error) {
	if l == nil {
		return RateResult{}, fmt.Errorf("rate limiter not initialized / 限流器未初始化")
	}
	if limit <= 0 {
		return RateResult{}, fmt.Errorf("limit must be positive / limit 必须为正数")
	}
	if window <= 0 {
		window = time.Minute
	}

	current, err := l.store.Increment(ctx, key, 1, window)
	if err != nil {
		return RateResult{}, fmt.Errorf("increment rate counter: %w / 限流计数自增失败", err)
	}
	ttl, ok := l.store.TTL(ctx, key)
	if !ok {
		ttl = window
	}

	remaining := limit - int(current)
	if remaining < 0 {
		remaining = 0
	}
	return RateResult{
		Allowed:   current <= int64(limit),
		Remaining: remaining,
		ResetAt:   l.now().UTC().Add(ttl),
	}, nil
}

// Reset 清除指定 key 的计数。
func (l *RateLimiter) Reset(ctx context.Context, key string) {
	if l == nil {
		return
	}
	l.store.Delete(ctx, key)
}
