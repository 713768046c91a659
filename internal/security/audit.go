// 文件路径: internal/security/audit.go
// 模块说明: 安全审计事件（登录、管理员操作）写入 slog。
package security

import (
	"context"
	"log/slog"
	"time"
)

// Event 表示安全相关的行为。
type Event struct {
	Kind     string
	ActorID  int64
	IP       string
	Metadata map[string]any
	Occurred time.Time
}

// Recorder 记录安全事件。
type Recorder interface {
	Record(ctx context.Context, event Event)
}

// LoggerRecorder 将审计事件写入 slog.Logger。
type LoggerRecorder struct {
	logger *slog.Logger
}

func NewLoggerRecorder(logger *slog.Logger) *LoggerRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggerRecorder{logger: logger.With("component", "audit")}
}

func (r *LoggerRecorder) Record(ctx context.Context, event Event) {
	if r == nil || r.logger == nil {
		return
	}
	if event.Occurred.IsZero() {
		event.Occurred = time.Now().UTC()
	}
	r.logger.InfoContext(ctx, "audit event",
		"kind", event.Kind,
		"actor_id", event.ActorID,
		"ip", event.IP,
		"metadata", event.Metadata,
		"occurred", event.Occurred.Format(time.RFC3339),
	)
}
