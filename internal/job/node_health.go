package job

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/creamcroissant/nodeboard/internal/service"
)

// NodeHealthJob 探测节点控制端口并记录最近一次结果。
type NodeHealthJob struct {
	health service.NodeHealthService
	logger *slog.Logger
}

// NewNodeHealthJob 构造健康检查任务。
func NewNodeHealthJob(health service.NodeHealthService, logger *slog.Logger) *NodeHealthJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &NodeHealthJob{health: health, logger: logger}
}

// Name 返回任务标识。
func (j *NodeHealthJob) Name() string {
	return "node.health"
}

// Run 逐个检查启用节点。
func (j *NodeHealthJob) Run(ctx context.Context) error {
	if j == nil || j.health == nil {
		return fmt.Errorf("node health job dependencies not configured / 节点健康检查任务依赖未配置")
	}
	ids, err := j.health.Targets(ctx)
	if err != nil {
		return err
	}
	offline := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		view, err := j.health.CheckNode(ctx, id)
		if err != nil {
			j.logger.Error("node health check failed", "job", j.Name(), "node_id", id, "error", err)
			continue
		}
		if !view.Online {
			offline++
		}
	}
	j.logger.Debug("node health checked", "job", j.Name(), "nodes", len(ids), "offline", offline)
	return nil
}
