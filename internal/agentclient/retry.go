package agentclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	defaultAttempts = 3
	defaultInterval = 500 * time.Millisecond
)

// StatusError 表示节点控制面返回了非 2xx 状态码。
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("agent responded %d", e.Code)
	}
	return fmt.Sprintf("agent responded %d: %s", e.Code, e.Body)
}

// RejectedError 表示响应 envelope 中 success=false。
type RejectedError struct {
	Message string
}

func (e *RejectedError) Error() string {
	if e.Message == "" {
		return "agent rejected request / 节点拒绝请求"
	}
	return "agent rejected request: " + e.Message
}

// retryPolicy 固定间隔重试，总尝试次数为 attempts。
type retryPolicy struct {
	attempts int
	interval time.Duration
}

func newRetryPolicy(attempts int, interval time.Duration) retryPolicy {
	if attempts <= 0 {
		attempts = defaultAttempts
	}
	if interval <= 0 {
		interval = defaultInterval
	}
	return retryPolicy{attempts: attempts, interval: interval}
}

func (p retryPolicy) do(ctx context.Context, fn func() error) error {
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(p.interval), uint64(p.attempts-1)),
		ctx,
	)
	return backoff.Retry(func() error {
		err := fn()
		if err == nil || isRetryable(err) {
			return err
		}
		return backoff.Permanent(err)
	}, b)
}

// isRetryable 仅对网络错误、5xx、408 和 429 重试。
func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var rejected *RejectedError
	if errors.As(err, &rejected) {
		return false
	}
	var status *StatusError
	if errors.As(err, &status) {
		return status.Code >= http.StatusInternalServerError ||
			status.Code == http.StatusTooManyRequests ||
			status.Code == http.StatusRequestTimeout
	}
	return true
}
