// 文件路径: internal/job/traffic_reconcile.go
// 模块说明: 定时流量对账，按节点并发、节点内顺序处理订阅。
package job

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/creamcroissant/nodeboard/internal/service"
)

const defaultReconcileConcurrency = 4

// TrafficReconcileJob 对每个启用节点执行一次对账。
type TrafficReconcileJob struct {
	Traffic     service.TrafficService
	Concurrency int
	Logger      *slog.Logger
}

// NewTrafficReconcileJob 组装对账任务。concurrency<=0 时使用默认并发。
func NewTrafficReconcileJob(traffic service.TrafficService, concurrency int, logger *slog.Logger) *TrafficReconcileJob {
	if logger == nil {
		logger = slog.Default()
	}
	if concurrency <= 0 {
		concurrency = defaultReconcileConcurrency
	}
	return &TrafficReconcileJob{Traffic: traffic, Concurrency: concurrency, Logger: logger}
}

// Name 返回任务标识。
func (j *TrafficReconcileJob) Name() string { return "traffic.reconcile" }

// Run fans out one unit per node. A failing node is logged and does not
// stop the others.
func (j *TrafficReconcileJob) Run(ctx context.Context) error {
	if j == nil || j.Traffic == nil {
		return fmt.Errorf("traffic reconcile job dependencies not configured / 流量对账任务依赖未配置")
	}
	start := time.Now()
	nodeIDs, err := j.Traffic.ReconcileTargets(ctx)
	if err != nil {
		return err
	}

	var (
		mu     sync.Mutex
		total  service.ReconcileSummary
		failed int
		g      errgroup.Group
	)
	g.SetLimit(j.Concurrency)
	for _, nodeID := range nodeIDs {
		g.Go(func() error {
			summary, err := j.Traffic.ReconcileNode(ctx, nodeID)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed++
				j.Logger.Error("reconcile node failed", "job", j.Name(), "node_id", nodeID, "error", err)
				return nil
			}
			total.Checked += summary.Checked
			total.Recorded += summary.Recorded
			total.Expired += summary.Expired
			total.OverLimit += summary.OverLimit
			total.Failed += summary.Failed
			total.ResetFailures += summary.ResetFailures
			return nil
		})
	}
	_ = g.Wait()

	j.Logger.Info("traffic reconciled",
		"job", j.Name(),
		"nodes", len(nodeIDs),
		"failed_nodes", failed,
		"checked", total.Checked,
		"recorded", total.Recorded,
		"expired", total.Expired,
		"over_limit", total.OverLimit,
		"failed", total.Failed,
		"elapsed", time.Since(start),
	)
	return ctx.Err()
}
