// 文件路径: internal/api/middleware/security.go
// 模块说明: 安全中间件：按客户端 IP 限流（go-cache 计数）与请求体大小限制。
package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/creamcroissant/nodeboard/internal/security"
)

// RateLimitConfig Rate Limit 配置
type RateLimitConfig struct {
	Limiter   *security.RateLimiter
	Limit     int                        // 每个窗口的请求数
	Window    time.Duration              // 时间窗口
	KeyFunc   func(*http.Request) string // 获取限流 key 的函数
	SkipPaths []string                   // 跳过限流的路径
	Logger    *slog.Logger
}

// RateLimit Rate Limiting 中间件
func RateLimit(config RateLimitConfig) func(http.Handler) http.Handler {
	if config.Limit <= 0 {
		config.Limit = 120
	}
	if config.Window <= 0 {
		config.Window = time.Minute
	}
	if config.KeyFunc == nil {
		config.KeyFunc = ClientIP
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	skipPaths := make(map[string]bool)
	for _, p := range config.SkipPaths {
		skipPaths[p] = true
	}

	return func(next http.Handler) http.Handler {
		if config.Limiter == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if skipPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}
			res, err := config.Limiter.Allow(r.Context(), "http:"+config.KeyFunc(r), config.Limit, config.Window)
			if err != nil {
				config.Logger.Warn("rate limiter unavailable", "error", err)
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(config.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))

			if !res.Allowed {
				retry := max(int(time.Until(res.ResetAt).Seconds()), 1)
				w.Header().Set("Retry-After", strconv.Itoa(retry))
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// BodyLimit 请求体大小限制中间件
func BodyLimit(maxBytes int64) func(http.Handler) http.Handler {
	if maxBytes <= 0 {
		maxBytes = 1 << 20
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}

// ClientIP 获取客户端 IP。chi 的 RealIP 中间件已处理代理头，这里只解析 RemoteAddr。
func ClientIP(r *http.Request) string {
	trimmed := strings.TrimSpace(r.RemoteAddr)
	if host, _, err := net.SplitHostPort(trimmed); err == nil {
		return host
	}
	return trimmed
}
