// 文件路径: internal/job/subscription_expiry.go
// 模块说明: 定时扫描到期订阅并撤销节点账号。
package job

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/creamcroissant/nodeboard/internal/service"
)

// SubscriptionExpiryJob expires active subscriptions whose end_at has passed
// and retries revokes that an earlier expiry could not finish.
type SubscriptionExpiryJob struct {
	Subscriptions service.SubscriptionService
	Logger        *slog.Logger
}

func NewSubscriptionExpiryJob(subs service.SubscriptionService, logger *slog.Logger) *SubscriptionExpiryJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &SubscriptionExpiryJob{Subscriptions: subs, Logger: logger}
}

// Name 返回任务标识。
func (j *SubscriptionExpiryJob) Name() string { return "subscription.expiry" }

// Run 调用 ExpireDue；单条失败已在服务内隔离。
func (j *SubscriptionExpiryJob) Run(ctx context.Context) error {
	if j == nil || j.Subscriptions == nil {
		return fmt.Errorf("subscription expiry job dependencies not configured / 订阅到期任务依赖未配置")
	}
	summary, err := j.Subscriptions.ExpireDue(ctx)
	if err != nil {
		return err
	}
	if summary.Checked > 0 || summary.Revoked > 0 || summary.Failed > 0 {
		j.Logger.Info("subscriptions expired",
			"job", j.Name(),
			"checked", summary.Checked,
			"expired", summary.Expired,
			"revoked", summary.Revoked,
			"failed", summary.Failed,
		)
	}
	return nil
}
