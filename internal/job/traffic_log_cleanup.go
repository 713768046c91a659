package job

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/creamcroissant/nodeboard/internal/service"
)

// TrafficLogCleanupJob removes traffic samples past the retention window.
type TrafficLogCleanupJob struct {
	Traffic   service.TrafficService
	Retention time.Duration
	Logger    *slog.Logger
}

// NewTrafficLogCleanupJob creates a new TrafficLogCleanupJob.
func NewTrafficLogCleanupJob(traffic service.TrafficService, retention time.Duration, logger *slog.Logger) *TrafficLogCleanupJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &TrafficLogCleanupJob{
		Traffic:   traffic,
		Retention: retention,
		Logger:    logger,
	}
}

// Name implements Runnable interface.
func (j *TrafficLogCleanupJob) Name() string {
	return "traffic_log.cleanup"
}

// Run implements Runnable interface.
func (j *TrafficLogCleanupJob) Run(ctx context.Context) error {
	if j == nil || j.Traffic == nil {
		return fmt.Errorf("traffic log cleanup job dependencies not configured / 流量日志清理任务依赖未配置")
	}
	if j.Retention <= 0 {
		return nil
	}

	deleted, err := j.Traffic.PruneLogs(ctx, j.Retention)
	if err != nil {
		return fmt.Errorf("traffic log cleanup job: %w", err)
	}
	if deleted > 0 {
		j.Logger.Info("cleaned up old traffic logs", "deleted_rows", deleted, "retention", j.Retention)
	}
	return nil
}
