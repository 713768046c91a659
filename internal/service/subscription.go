// 文件路径: internal/service/subscription.go
// 模块说明: 订阅生命周期：申请、审批开通、拒绝/取消、到期回收。
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/creamcroissant/nodeboard/internal/agentclient"
	"github.com/creamcroissant/nodeboard/internal/protocol"
	"github.com/creamcroissant/nodeboard/internal/repository"
)

const secondsPerDay = int64(24 * time.Hour / time.Second)

// revokeRetryGrace keeps ExpireDue away from rows a concurrent Expire has
// just claimed and is still revoking.
const revokeRetryGrace = time.Minute

// SubscriptionService drives the subscription state machine:
// pending_approval -> active -> expired, pending_approval -> cancelled.
type SubscriptionService interface {
	Request(ctx context.Context, userID, planID int64) (*SubscriptionView, error)
	Approve(ctx context.Context, id int64) (*SubscriptionView, error)
	Reject(ctx context.Context, id int64) (*SubscriptionView, error)
	Cancel(ctx context.Context, userID, id int64) (*SubscriptionView, error)
	// Expire claims an active subscription and revokes it from every
	// qualifying node. It reports false when another caller already did so.
	Expire(ctx context.Context, id int64) (bool, error)
	ExpireDue(ctx context.Context) (ExpirySummary, error)
	SyncNode(ctx context.Context, node, previous *repository.Node) (ProvisionSummary, error)
	Get(ctx context.Context, id int64) (*SubscriptionView, error)
	List(ctx context.Context, input SubscriptionListInput) (*SubscriptionPage, error)
	ListForUser(ctx context.Context, userID int64) ([]SubscriptionView, error)
}

// SubscriptionListInput filters admin listings.
type SubscriptionListInput struct {
	UserID   *int64
	PlanID   *int64
	Status   string
	Page     int
	PageSize int
}

// SubscriptionView 是订阅的对外表示。
type SubscriptionView struct {
	ID             int64   `json:"id"`
	UserID         int64   `json:"user_id"`
	PlanID         int64   `json:"plan_id"`
	Status         string  `json:"status"`
	Token          string  `json:"token"`
	StartAt        *int64  `json:"start_at"`
	EndAt          *int64  `json:"end_at"`
	UsedTrafficGB  float64 `json:"used_traffic_gb"`
	TotalTrafficGB float64 `json:"total_traffic_gb"`
	DeviceCount    int     `json:"device_count"`
	RevokedAt      *int64  `json:"revoked_at"`
	CreatedAt      int64   `json:"created_at"`
	UpdatedAt      int64   `json:"updated_at"`
}

// SubscriptionPage 分页结果。
type SubscriptionPage struct {
	Items []SubscriptionView `json:"items"`
	Total int64              `json:"total"`
}

// ExpirySummary reports one ExpireDue pass. Revoked counts retried revokes
// that completed.
type ExpirySummary struct {
	Checked int `json:"checked"`
	Expired int `json:"expired"`
	Revoked int `json:"revoked"`
	Failed  int `json:"failed"`
}

// ProvisionSummary reports one SyncNode call.
type ProvisionSummary struct {
	Added  int `json:"added"`
	Failed int `json:"failed"`
}

type subscriptionService struct {
	users  repository.UserRepository
	plans  repository.PlanRepository
	nodes  repository.NodeRepository
	subs   repository.SubscriptionRepository
	agent  NodeAgent
	logger *slog.Logger
	now    func() time.Time
}

// NewSubscriptionService wires the lifecycle service. agent may be nil, in
// which case node provisioning is skipped.
func NewSubscriptionService(store repository.Store, agent NodeAgent, logger *slog.Logger) SubscriptionService {
	if logger == nil {
		logger = slog.Default()
	}
	svc := &subscriptionService{agent: agent, logger: logger, now: time.Now}
	if store != nil {
		svc.users = store.Users()
		svc.plans = store.Plans()
		svc.nodes = store.Nodes()
		svc.subs = store.Subscriptions()
	}
	return svc
}

func (s *subscriptionService) configured() error {
	if s == nil || s.subs == nil || s.plans == nil || s.users == nil || s.nodes == nil {
		return fmt.Errorf("subscription service not configured / 订阅服务未配置")
	}
	return nil
}

func (s *subscriptionService) Request(ctx context.Context, userID, planID int64) (*SubscriptionView, error) {
	if err := s.configured(); err != nil {
		return nil, err
	}
	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return nil, notFound(err, "user")
	}
	if user.Banned {
		return nil, ErrAccountDisabled
	}
	plan, err := s.plans.FindByID(ctx, planID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrPlanUnavailable
		}
		return nil, err
	}
	if !plan.Active {
		return nil, ErrPlanUnavailable
	}

	sub := &repository.Subscription{
		UserID: userID,
		PlanID: planID,
		Status: repository.SubscriptionPending,
		Token:  newSubscriptionToken(),
	}
	if err := s.subs.Create(ctx, sub); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, ErrDuplicateSubscription
		}
		return nil, fmt.Errorf("create subscription: %w", err)
	}
	s.logger.Info("subscription requested", "subscription_id", sub.ID, "user_id", userID, "plan_id", planID)
	return newSubscriptionView(sub), nil
}

// Approve activates a pending subscription: the window starts now, the
// allowance is copied from the plan and the client is added to every
// qualifying node.
func (s *subscriptionService) Approve(ctx context.Context, id int64) (*SubscriptionView, error) {
	if err := s.configured(); err != nil {
		return nil, err
	}
	sub, err := s.subs.FindByID(ctx, id)
	if err != nil {
		return nil, notFound(err, "subscription")
	}
	if sub.Status != repository.SubscriptionPending {
		return nil, fmt.Errorf("%w: subscription is %s", ErrStateConflict, sub.Status)
	}
	plan, err := s.plans.FindByID(ctx, sub.PlanID)
	if err != nil {
		return nil, notFound(err, "plan")
	}

	start := s.now().Unix()
	end := start + int64(plan.DurationDays)*secondsPerDay
	ok, err := s.subs.Activate(ctx, id, start, end, plan.TrafficGB)
	if err != nil {
		return nil, notFound(err, "subscription")
	}
	if !ok {
		return nil, fmt.Errorf("%w: subscription is no longer pending", ErrStateConflict)
	}
	if sub, err = s.subs.FindByID(ctx, id); err != nil {
		return nil, notFound(err, "subscription")
	}

	if plan.TargetGroupID != nil {
		if err := s.users.SetGroup(ctx, sub.UserID, plan.TargetGroupID); err != nil {
			s.logger.Warn("assign target group failed", "user_id", sub.UserID, "group_id", *plan.TargetGroupID, "error", err)
		}
	}
	s.provision(ctx, sub, plan)
	s.logger.Info("subscription approved", "subscription_id", id, "user_id", sub.UserID, "end_at", end)
	return newSubscriptionView(sub), nil
}

func (s *subscriptionService) provision(ctx context.Context, sub *repository.Subscription, plan *repository.Plan) {
	if s.agent == nil {
		return
	}
	user, err := s.users.FindByID(ctx, sub.UserID)
	if err != nil {
		s.logger.Warn("provision skipped: user lookup failed", "subscription_id", sub.ID, "user_id", sub.UserID, "error", err)
		return
	}
	nodes, err := qualifyingNodes(ctx, s.nodes, plan.Criteria, s.logger)
	if err != nil {
		s.logger.Warn("provision skipped: node lookup failed", "subscription_id", sub.ID, "error", err)
		return
	}
	acct := accountFor(sub, plan, user)
	failed := 0
	for _, node := range nodes {
		if !s.agent.AddUser(ctx, node, acct) {
			failed++
		}
	}
	if failed > 0 {
		s.logger.Warn("subscription partially provisioned", "subscription_id", sub.ID, "nodes", len(nodes), "failed", failed)
	}
}

func (s *subscriptionService) Reject(ctx context.Context, id int64) (*SubscriptionView, error) {
	if err := s.configured(); err != nil {
		return nil, err
	}
	return s.cancelPending(ctx, id, nil)
}

// Cancel lets a user withdraw their own pending request.
func (s *subscriptionService) Cancel(ctx context.Context, userID, id int64) (*SubscriptionView, error) {
	if err := s.configured(); err != nil {
		return nil, err
	}
	return s.cancelPending(ctx, id, &userID)
}

func (s *subscriptionService) cancelPending(ctx context.Context, id int64, owner *int64) (*SubscriptionView, error) {
	sub, err := s.subs.FindByID(ctx, id)
	if err != nil {
		return nil, notFound(err, "subscription")
	}
	if owner != nil && sub.UserID != *owner {
		return nil, fmt.Errorf("subscription: %w", ErrNotFound)
	}
	ok, err := s.subs.Transition(ctx, id, repository.SubscriptionPending, repository.SubscriptionCancelled)
	if err != nil {
		return nil, notFound(err, "subscription")
	}
	if !ok {
		return nil, fmt.Errorf("%w: only pending subscriptions can be cancelled", ErrStateConflict)
	}
	sub.Status = repository.SubscriptionCancelled
	s.logger.Info("subscription cancelled", "subscription_id", id, "user_id", sub.UserID)
	return newSubscriptionView(sub), nil
}

// Expire claims the row with a compare-and-set and, when this caller wins,
// removes the client from every qualifying node. A failed removal leaves
// revoked_at unset and returns ErrRevokeIncomplete; ExpireDue retries it.
func (s *subscriptionService) Expire(ctx context.Context, id int64) (bool, error) {
	if err := s.configured(); err != nil {
		return false, err
	}
	claimed, err := s.subs.Transition(ctx, id, repository.SubscriptionActive, repository.SubscriptionExpired)
	if err != nil {
		return false, notFound(err, "subscription")
	}
	if !claimed {
		return false, nil
	}

	sub, err := s.subs.FindByID(ctx, id)
	if err != nil {
		return true, fmt.Errorf("%w: reload expired subscription: %v", ErrRevokeIncomplete, err)
	}
	nodes, err := s.revoke(ctx, sub)
	s.logger.Info("subscription expired",
		"subscription_id", sub.ID,
		"user_id", sub.UserID,
		"used_traffic_gb", sub.UsedTrafficGB,
		"total_traffic_gb", sub.TotalTrafficGB,
		"nodes", nodes,
		"revoked", err == nil,
	)
	return true, err
}

// revoke removes the client from every node the plan currently selects and
// records revoked_at once all removals succeeded.
func (s *subscriptionService) revoke(ctx context.Context, sub *repository.Subscription) (int, error) {
	plan, err := s.plans.FindByID(ctx, sub.PlanID)
	if err != nil {
		return 0, fmt.Errorf("%w: load plan: %v", ErrRevokeIncomplete, err)
	}
	nodes, err := qualifyingNodes(ctx, s.nodes, plan.Criteria, s.logger)
	if err != nil {
		return 0, fmt.Errorf("%w: load nodes: %v", ErrRevokeIncomplete, err)
	}

	acct := agentclient.Account{UserID: sub.UserID, SubscriptionID: sub.ID}
	failed := 0
	if s.agent != nil {
		for _, node := range nodes {
			if !s.agent.RemoveUser(ctx, node, acct) {
				failed++
			}
		}
	}
	if failed > 0 {
		return len(nodes), fmt.Errorf("%w: %d of %d nodes failed", ErrRevokeIncomplete, failed, len(nodes))
	}
	if err := s.subs.MarkRevoked(ctx, sub.ID, s.now().Unix()); err != nil {
		return len(nodes), fmt.Errorf("%w: mark revoked: %v", ErrRevokeIncomplete, err)
	}
	return len(nodes), nil
}

// ExpireDue first retries revokes left unfinished by earlier passes, then
// expires every active subscription whose window has closed. Failures are
// isolated per subscription.
func (s *subscriptionService) ExpireDue(ctx context.Context) (ExpirySummary, error) {
	var summary ExpirySummary
	if err := s.configured(); err != nil {
		return summary, err
	}
	now := s.now()

	pending, err := s.subs.ListUnrevoked(ctx, now.Add(-revokeRetryGrace).Unix())
	if err != nil {
		return summary, fmt.Errorf("list unrevoked subscriptions: %w", err)
	}
	for _, sub := range pending {
		if ctx.Err() != nil {
			return summary, ctx.Err()
		}
		if _, err := s.revoke(ctx, sub); err != nil {
			summary.Failed++
			s.logger.Warn("revoke retry failed", "subscription_id", sub.ID, "user_id", sub.UserID, "error", err)
			continue
		}
		summary.Revoked++
		s.logger.Info("revoke retry succeeded", "subscription_id", sub.ID, "user_id", sub.UserID)
	}

	due, err := s.subs.ListExpiredAt(ctx, now.Unix())
	if err != nil {
		return summary, fmt.Errorf("list due subscriptions: %w", err)
	}
	for _, sub := range due {
		if ctx.Err() != nil {
			return summary, ctx.Err()
		}
		summary.Checked++
		expired, err := s.Expire(ctx, sub.ID)
		if err != nil {
			summary.Failed++
			s.logger.Warn("expire subscription failed", "subscription_id", sub.ID, "error", err)
		}
		if expired {
			summary.Expired++
		}
	}
	return summary, nil
}

// SyncNode adds the client of every active subscription that qualifies for
// node but did not qualify for previous. previous is nil for a new node.
func (s *subscriptionService) SyncNode(ctx context.Context, node, previous *repository.Node) (ProvisionSummary, error) {
	var summary ProvisionSummary
	if err := s.configured(); err != nil {
		return summary, err
	}
	if s.agent == nil || node == nil || !node.Active {
		return summary, nil
	}
	target, err := toProtocolNode(node)
	if err != nil {
		return summary, fmt.Errorf("decode node %d: %w", node.ID, err)
	}
	subs, err := s.subs.ListActiveAt(ctx, s.now().Unix())
	if err != nil {
		return summary, fmt.Errorf("list active subscriptions: %w", err)
	}

	plans := make(map[int64]*repository.Plan)
	for _, sub := range subs {
		plan, ok := plans[sub.PlanID]
		if !ok {
			if plan, err = s.plans.FindByID(ctx, sub.PlanID); err != nil {
				summary.Failed++
				s.logger.Warn("sync node: load plan failed", "node_id", node.ID, "subscription_id", sub.ID, "error", err)
				continue
			}
			plans[sub.PlanID] = plan
		}
		if !NodeQualifies(plan.Criteria, node) || (previous != nil && NodeQualifies(plan.Criteria, previous)) {
			continue
		}
		user, err := s.users.FindByID(ctx, sub.UserID)
		if err != nil {
			summary.Failed++
			s.logger.Warn("sync node: user lookup failed", "node_id", node.ID, "subscription_id", sub.ID, "error", err)
			continue
		}
		if !s.agent.AddUser(ctx, target, accountFor(sub, plan, user)) {
			summary.Failed++
			continue
		}
		summary.Added++
	}
	if summary.Added > 0 || summary.Failed > 0 {
		s.logger.Info("node synced", "node_id", node.ID, "added", summary.Added, "failed", summary.Failed)
	}
	return summary, nil
}

func (s *subscriptionService) Get(ctx context.Context, id int64) (*SubscriptionView, error) {
	if err := s.configured(); err != nil {
		return nil, err
	}
	sub, err := s.subs.FindByID(ctx, id)
	if err != nil {
		return nil, notFound(err, "subscription")
	}
	return newSubscriptionView(sub), nil
}

func (s *subscriptionService) List(ctx context.Context, input SubscriptionListInput) (*SubscriptionPage, error) {
	if err := s.configured(); err != nil {
		return nil, err
	}
	limit, offset := paginate(input.Page, input.PageSize)
	filter := repository.SubscriptionFilter{
		UserID: input.UserID,
		PlanID: input.PlanID,
		Status: strings.TrimSpace(input.Status),
		Limit:  limit,
		Offset: offset,
	}
	rows, err := s.subs.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	total, err := s.subs.Count(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("count subscriptions: %w", err)
	}
	items := make([]SubscriptionView, 0, len(rows))
	for _, row := range rows {
		items = append(items, *newSubscriptionView(row))
	}
	return &SubscriptionPage{Items: items, Total: total}, nil
}

func (s *subscriptionService) ListForUser(ctx context.Context, userID int64) ([]SubscriptionView, error) {
	page, err := s.List(ctx, SubscriptionListInput{UserID: &userID, PageSize: maxPageSize})
	if err != nil {
		return nil, err
	}
	return page.Items, nil
}

func accountFor(sub *repository.Subscription, plan *repository.Plan, user *repository.User) agentclient.Account {
	acct := agentclient.Account{
		UserID:         sub.UserID,
		SubscriptionID: sub.ID,
		Token:          sub.Token,
		DeviceLimit:    plan.DeviceLimit,
		TotalBytes:     gbToBytes(sub.TotalTrafficGB),
	}
	if user != nil {
		acct.Secret = user.UUID
	}
	if sub.EndAt != nil {
		acct.ExpiresAt = *sub.EndAt
	}
	return acct
}

// clientNode 为订阅用户替换节点凭据中的密钥。
func clientNode(node protocol.Node, user *repository.User) protocol.Node {
	if user == nil {
		return node
	}
	return protocol.WithClientSecret(node, user.UUID)
}

func newSubscriptionToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func newSubscriptionView(sub *repository.Subscription) *SubscriptionView {
	return &SubscriptionView{
		ID:             sub.ID,
		UserID:         sub.UserID,
		PlanID:         sub.PlanID,
		Status:         sub.Status,
		Token:          sub.Token,
		StartAt:        sub.StartAt,
		EndAt:          sub.EndAt,
		UsedTrafficGB:  sub.UsedTrafficGB,
		TotalTrafficGB: sub.TotalTrafficGB,
		DeviceCount:    sub.DeviceCount,
		RevokedAt:      sub.RevokedAt,
		CreatedAt:      sub.CreatedAt,
		UpdatedAt:      sub.UpdatedAt,
	}
}
