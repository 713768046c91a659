// 文件路径: internal/service/traffic.go
// 模块说明: 流量对账：逐节点拉取增量、记账、超额到期、设备数统计；以及流量报表查询。
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/creamcroissant/nodeboard/internal/agentclient"
	"github.com/creamcroissant/nodeboard/internal/protocol"
	"github.com/creamcroissant/nodeboard/internal/repository"
)

var errStatsUnavailable = errors.New("traffic stats unavailable / 无法获取流量统计")

// Expirer claims and revokes an active subscription.
type Expirer interface {
	Expire(ctx context.Context, id int64) (bool, error)
}

// TrafficService reconciles node counters into subscriptions and serves
// traffic reports.
type TrafficService interface {
	// ReconcileTargets lists the node ids a reconciliation pass should visit.
	ReconcileTargets(ctx context.Context) ([]int64, error)
	ReconcileNode(ctx context.Context, nodeID int64) (ReconcileSummary, error)
	Overview(ctx context.Context, since int64) (*TrafficOverview, error)
	Logs(ctx context.Context, input TrafficLogQuery) (*TrafficLogPage, error)
	UserLogs(ctx context.Context, userID int64, input TrafficLogQuery) (*TrafficLogPage, error)
	// PruneLogs deletes samples older than the retention window.
	PruneLogs(ctx context.Context, retention time.Duration) (int64, error)
}

// ReconcileSummary counts what one node pass did.
type ReconcileSummary struct {
	NodeID        int64 `json:"node_id"`
	Checked       int   `json:"checked"`
	Recorded      int   `json:"recorded"`
	Expired       int   `json:"expired"`
	OverLimit     int   `json:"over_limit"`
	Failed        int   `json:"failed"`
	ResetFailures int   `json:"reset_failures"`
}

// TrafficLogQuery filters log pages.
type TrafficLogQuery struct {
	SubscriptionID *int64
	NodeID         *int64
	Since          int64
	Until          int64
	Page           int
	PageSize       int
}

// TrafficLogView is one persisted sample.
type TrafficLogView struct {
	ID             int64 `json:"id"`
	SubscriptionID int64 `json:"subscription_id"`
	NodeID         int64 `json:"node_id"`
	Uplink         int64 `json:"uplink"`
	Downlink       int64 `json:"downlink"`
	RecordedAt     int64 `json:"recorded_at"`
}

// TrafficLogPage 分页返回流量日志。
type TrafficLogPage struct {
	Items []TrafficLogView `json:"items"`
	Total int64            `json:"total"`
}

// TrafficTotalView aggregates samples for one node or subscription.
type TrafficTotalView struct {
	ID       int64  `json:"id"`
	Name     string `json:"name,omitempty"`
	Uplink   int64  `json:"uplink"`
	Downlink int64  `json:"downlink"`
	Total    int64  `json:"total"`
	Samples  int64  `json:"samples"`
}

// TrafficOverview 管理端流量概览。
type TrafficOverview struct {
	Since         int64              `json:"since"`
	Uplink        int64              `json:"uplink"`
	Downlink      int64              `json:"downlink"`
	Nodes         []TrafficTotalView `json:"nodes"`
	Subscriptions []TrafficTotalView `json:"subscriptions"`
}

// DeviceLimitHandler is invoked when a subscription has more connected
// addresses than its plan allows.
type DeviceLimitHandler func(ctx context.Context, sub *repository.Subscription, node protocol.Node, ips []string, limit int)

// defaultResetTimeout bounds ResetTraffic once usage has been persisted.
const defaultResetTimeout = 30 * time.Second

// TrafficOption customises the traffic service.
type TrafficOption func(*trafficService)

// WithResetTimeout bounds the agent reset issued after a sample is persisted.
// The reset runs detached from the caller's cancellation.
func WithResetTimeout(d time.Duration) TrafficOption {
	return func(s *trafficService) {
		if d > 0 {
			s.resetTimeout = d
		}
	}
}

type trafficService struct {
	nodes         repository.NodeRepository
	plans         repository.PlanRepository
	subs          repository.SubscriptionRepository
	logs          repository.TrafficLogRepository
	agent         NodeAgent
	expirer       Expirer
	onDeviceLimit DeviceLimitHandler
	resetTimeout  time.Duration
	logger        *slog.Logger
	now           func() time.Time
}

// NewTrafficService wires reconciliation. expirer is normally the SubscriptionService.
func NewTrafficService(store repository.Store, agent NodeAgent, expirer Expirer, logger *slog.Logger, opts ...TrafficOption) TrafficService {
	if logger == nil {
		logger = slog.Default()
	}
	svc := &trafficService{agent: agent, expirer: expirer, resetTimeout: defaultResetTimeout, logger: logger, now: time.Now}
	svc.onDeviceLimit = svc.warnDeviceLimit
	for _, opt := range opts {
		opt(svc)
	}
	if store != nil {
		svc.nodes = store.Nodes()
		svc.plans = store.Plans()
		svc.subs = store.Subscriptions()
		svc.logs = store.TrafficLogs()
	}
	return svc
}

func (s *trafficService) ReconcileTargets(ctx context.Context) ([]int64, error) {
	if s == nil || s.nodes == nil {
		return nil, fmt.Errorf("traffic service not configured / 流量服务未配置")
	}
	active := true
	rows, err := s.nodes.List(ctx, repository.NodeFilter{Active: &active})
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	ids := make([]int64, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.ID)
	}
	return ids, nil
}

// ReconcileNode runs one pass for a single node. Subscriptions are handled
// sequentially; a failure on one is logged and the pass moves on.
func (s *trafficService) ReconcileNode(ctx context.Context, nodeID int64) (ReconcileSummary, error) {
	summary := ReconcileSummary{NodeID: nodeID}
	if s == nil || s.nodes == nil || s.subs == nil || s.plans == nil || s.agent == nil || s.expirer == nil {
		return summary, fmt.Errorf("traffic service not configured / 流量服务未配置")
	}
	row, err := s.nodes.FindByID(ctx, nodeID)
	if err != nil {
		return summary, notFound(err, "node")
	}
	if !row.Active {
		return summary, nil
	}
	node, err := toProtocolNode(row)
	if err != nil {
		return summary, fmt.Errorf("decode node %d: %w", nodeID, err)
	}

	now := s.now().Unix()
	subs, err := s.subs.ListActiveAt(ctx, now)
	if err != nil {
		return summary, fmt.Errorf("list active subscriptions: %w", err)
	}

	plans := make(map[int64]*repository.Plan)
	for _, sub := range subs {
		if ctx.Err() != nil {
			return summary, ctx.Err()
		}
		plan, ok := plans[sub.PlanID]
		if !ok {
			plan, err = s.plans.FindByID(ctx, sub.PlanID)
			if err != nil {
				summary.Failed++
				s.logger.Warn("load plan failed", "subscription_id", sub.ID, "plan_id", sub.PlanID, "error", err)
				continue
			}
			plans[sub.PlanID] = plan
		}
		if !NodeQualifies(plan.Criteria, row) {
			continue
		}
		summary.Checked++
		if err := s.reconcileSubscription(ctx, node, sub, plan, now, &summary); err != nil {
			summary.Failed++
			s.logger.Warn("reconcile subscription failed",
				"node_id", nodeID,
				"subscription_id", sub.ID,
				"user_id", sub.UserID,
				"error", err,
			)
		}
	}
	return summary, nil
}

func (s *trafficService) reconcileSubscription(ctx context.Context, node protocol.Node, sub *repository.Subscription, plan *repository.Plan, now int64, summary *ReconcileSummary) error {
	acct := agentclient.Account{UserID: sub.UserID, SubscriptionID: sub.ID, DeviceLimit: plan.DeviceLimit}

	traffic, ok := s.agent.TrafficStats(ctx, node, acct)
	if !ok {
		return errStatsUnavailable
	}
	if total := traffic.Total(); total > 0 {
		updated, err := s.subs.RecordUsage(ctx, &repository.TrafficLog{
			SubscriptionID: sub.ID,
			NodeID:         node.ID,
			Uplink:         traffic.Uplink,
			Downlink:       traffic.Downlink,
			RecordedAt:     now,
		}, bytesToGB(total))
		if err != nil {
			return fmt.Errorf("record usage: %w", err)
		}
		sub = updated
		summary.Recorded++
		// Usage is committed: reset even if the run has been cancelled.
		resetCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.resetTimeout)
		reset := s.agent.ResetTraffic(resetCtx, node, acct)
		cancel()
		if !reset {
			summary.ResetFailures++
			s.logger.Warn("reset traffic failed after recording usage", "node_id", node.ID, "subscription_id", sub.ID)
		}
	}

	if sub.TotalTrafficGB > 0 && sub.UsedTrafficGB >= sub.TotalTrafficGB {
		expired, err := s.expirer.Expire(ctx, sub.ID)
		if expired {
			summary.Expired++
		}
		return err
	}

	ips, ok := s.agent.ConnectedIPs(ctx, node, acct)
	if !ok {
		return fmt.Errorf("connected ips unavailable / 无法获取在线设备")
	}
	if plan.DeviceLimit > 0 && len(ips) > plan.DeviceLimit {
		summary.OverLimit++
		s.onDeviceLimit(ctx, sub, node, ips, plan.DeviceLimit)
	}
	if err := s.subs.SetDeviceCount(ctx, sub.ID, len(ips)); err != nil {
		return fmt.Errorf("set device count: %w", err)
	}
	return nil
}

func (s *trafficService) warnDeviceLimit(_ context.Context, sub *repository.Subscription, node protocol.Node, ips []string, limit int) {
	s.logger.Warn("device limit exceeded",
		"subscription_id", sub.ID,
		"user_id", sub.UserID,
		"node_id", node.ID,
		"connected", len(ips),
		"limit", limit,
	)
}

func (s *trafficService) Overview(ctx context.Context, since int64) (*TrafficOverview, error) {
	if s == nil || s.logs == nil || s.nodes == nil {
		return nil, fmt.Errorf("traffic service not configured / 流量服务未配置")
	}
	byNode, err := s.logs.SumByNode(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("sum by node: %w", err)
	}
	bySub, err := s.logs.SumBySubscription(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("sum by subscription: %w", err)
	}
	nodes, err := s.nodes.List(ctx, repository.NodeFilter{})
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	names := make(map[int64]string, len(nodes))
	for _, node := range nodes {
		names[node.ID] = node.Name
	}

	overview := &TrafficOverview{
		Since:         since,
		Nodes:         make([]TrafficTotalView, 0, len(byNode)),
		Subscriptions: make([]TrafficTotalView, 0, len(bySub)),
	}
	for _, t := range byNode {
		overview.Uplink += t.Uplink
		overview.Downlink += t.Downlink
		overview.Nodes = append(overview.Nodes, newTrafficTotalView(t, names[t.Key]))
	}
	for _, t := range bySub {
		overview.Subscriptions = append(overview.Subscriptions, newTrafficTotalView(t, ""))
	}
	return overview, nil
}

func (s *trafficService) Logs(ctx context.Context, input TrafficLogQuery) (*TrafficLogPage, error) {
	if s == nil || s.logs == nil {
		return nil, fmt.Errorf("traffic service not configured / 流量服务未配置")
	}
	limit, offset := paginate(input.Page, input.PageSize)
	filter := repository.TrafficLogFilter{
		SubscriptionID: input.SubscriptionID,
		NodeID:         input.NodeID,
		Since:          input.Since,
		Until:          input.Until,
		Limit:          limit,
		Offset:         offset,
	}
	rows, err := s.logs.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list traffic logs: %w", err)
	}
	total, err := s.logs.Count(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("count traffic logs: %w", err)
	}
	items := make([]TrafficLogView, 0, len(rows))
	for _, row := range rows {
		items = append(items, TrafficLogView{
			ID:             row.ID,
			SubscriptionID: row.SubscriptionID,
			NodeID:         row.NodeID,
			Uplink:         row.Uplink,
			Downlink:       row.Downlink,
			RecordedAt:     row.RecordedAt,
		})
	}
	return &TrafficLogPage{Items: items, Total: total}, nil
}

func (s *trafficService) PruneLogs(ctx context.Context, retention time.Duration) (int64, error) {
	if s == nil || s.logs == nil {
		return 0, fmt.Errorf("traffic service not configured / 流量服务未配置")
	}
	if retention <= 0 {
		return 0, &ValidationError{Fields: map[string]string{"retention": "must be positive"}}
	}
	cutoff := s.now().Add(-retention).Unix()
	deleted, err := s.logs.DeleteBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune traffic logs: %w", err)
	}
	return deleted, nil
}

// UserLogs restricts Logs to a subscription owned by userID.
func (s *trafficService) UserLogs(ctx context.Context, userID int64, input TrafficLogQuery) (*TrafficLogPage, error) {
	if s == nil || s.subs == nil {
		return nil, fmt.Errorf("traffic service not configured / 流量服务未配置")
	}
	if input.SubscriptionID == nil {
		return nil, &ValidationError{Fields: map[string]string{"subscription_id": "required"}}
	}
	sub, err := s.subs.FindByID(ctx, *input.SubscriptionID)
	if err != nil {
		return nil, notFound(err, "subscription")
	}
	if sub.UserID != userID {
		return nil, fmt.Errorf("subscription: %w", ErrNotFound)
	}
	input.NodeID = nil
	return s.Logs(ctx, input)
}

func newTrafficTotalView(t repository.TrafficTotal, name string) TrafficTotalView {
	return TrafficTotalView{
		ID:       t.Key,
		Name:     name,
		Uplink:   t.Uplink,
		Downlink: t.Downlink,
		Total:    t.Uplink + t.Downlink,
		Samples:  t.Samples,
	}
}
