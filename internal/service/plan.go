// 文件路径: internal/service/plan.go
// 模块说明: 套餐管理：字段校验、描述净化、节点筛选条件与受限删除。
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/microcosm-cc/bluemonday"

	"github.com/creamcroissant/nodeboard/internal/repository"
)

// PlanService 提供套餐增删改查。
type PlanService interface {
	Create(ctx context.Context, input PlanInput) (*PlanView, error)
	Update(ctx context.Context, id int64, input PlanInput) (*PlanView, error)
	Delete(ctx context.Context, id int64) error
	Get(ctx context.Context, id int64) (*PlanView, error)
	List(ctx context.Context, activeOnly bool) ([]PlanView, error)
}

// PlanInput is the admin payload for create and full update.
type PlanInput struct {
	Name          string   `json:"name"`
	Description   string   `json:"description"`
	DurationDays  int      `json:"duration_days"`
	TrafficGB     float64  `json:"traffic_gb"`
	DeviceLimit   int      `json:"device_limit"`
	PriceCents    *int64   `json:"price_cents"`
	Tags          []string `json:"tags"`
	NodeIDs       []int64  `json:"node_ids"`
	TargetGroupID *int64   `json:"target_group_id"`
	Active        *bool    `json:"active"`
}

// PlanView 返回给管理端与用户端的套餐信息。
type PlanView struct {
	ID            int64    `json:"id"`
	Name          string   `json:"name"`
	Description   string   `json:"description"`
	DurationDays  int      `json:"duration_days"`
	TrafficGB     float64  `json:"traffic_gb"`
	DeviceLimit   int      `json:"device_limit"`
	PriceCents    *int64   `json:"price_cents"`
	Tags          []string `json:"tags"`
	NodeIDs       []int64  `json:"node_ids"`
	TargetGroupID *int64   `json:"target_group_id"`
	Active        bool     `json:"active"`
	CreatedAt     int64    `json:"created_at"`
	UpdatedAt     int64    `json:"updated_at"`
}

type planService struct {
	plans     repository.PlanRepository
	subs      repository.SubscriptionRepository
	nodes     repository.NodeRepository
	groups    repository.UserGroupRepository
	sanitizer *bluemonday.Policy
	logger    *slog.Logger
}

// NewPlanService wires plan management on top of the store.
func NewPlanService(store repository.Store, logger *slog.Logger) PlanService {
	if logger == nil {
		logger = slog.Default()
	}
	if store == nil {
		return &planService{logger: logger}
	}
	return &planService{
		plans:     store.Plans(),
		subs:      store.Subscriptions(),
		nodes:     store.Nodes(),
		groups:    store.UserGroups(),
		sanitizer: bluemonday.UGCPolicy(),
		logger:    logger,
	}
}

func (s *planService) Create(ctx context.Context, input PlanInput) (*PlanView, error) {
	if s == nil || s.plans == nil {
		return nil, fmt.Errorf("plan service not configured / 套餐服务未配置")
	}
	plan := &repository.Plan{Active: true}
	if err := s.apply(ctx, plan, input); err != nil {
		return nil, err
	}
	if err := s.plans.Create(ctx, plan); err != nil {
		return nil, fmt.Errorf("create plan: %w", err)
	}
	s.logger.Info("plan created", "plan_id", plan.ID, "name", plan.Name)
	return newPlanView(plan), nil
}

func (s *planService) Update(ctx context.Context, id int64, input PlanInput) (*PlanView, error) {
	if s == nil || s.plans == nil {
		return nil, fmt.Errorf("plan service not configured / 套餐服务未配置")
	}
	plan, err := s.plans.FindByID(ctx, id)
	if err != nil {
		return nil, notFound(err, "plan")
	}
	if err := s.apply(ctx, plan, input); err != nil {
		return nil, err
	}
	if err := s.plans.Update(ctx, plan); err != nil {
		return nil, notFound(err, "plan")
	}
	return newPlanView(plan), nil
}

// apply 校验输入并写入 plan。
func (s *planService) apply(ctx context.Context, plan *repository.Plan, input PlanInput) error {
	var v validator
	name := strings.TrimSpace(input.Name)
	v.check(name != "", "name", "required")
	v.check(input.DurationDays > 0, "duration_days", "must be positive")
	v.check(input.TrafficGB >= 0, "traffic_gb", "must not be negative")
	v.check(input.DeviceLimit >= 0, "device_limit", "must not be negative")
	v.check(input.PriceCents == nil || *input.PriceCents >= 0, "price_cents", "must not be negative")

	for _, id := range input.NodeIDs {
		if _, err := s.nodes.FindByID(ctx, id); err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				v.add("node_ids", fmt.Sprintf("node %d does not exist", id))
				continue
			}
			return fmt.Errorf("check node %d: %w", id, err)
		}
	}
	if input.TargetGroupID != nil {
		if _, err := s.groups.FindByID(ctx, *input.TargetGroupID); err != nil {
			if !errors.Is(err, repository.ErrNotFound) {
				return fmt.Errorf("check group: %w", err)
			}
			v.add("target_group_id", "group does not exist")
		}
	}
	if err := v.err(); err != nil {
		return err
	}

	plan.Name = name
	plan.Description = strings.TrimSpace(s.sanitizer.Sanitize(input.Description))
	plan.DurationDays = input.DurationDays
	plan.TrafficGB = input.TrafficGB
	plan.DeviceLimit = input.DeviceLimit
	plan.PriceCents = input.PriceCents
	plan.Criteria = repository.NodeCriteria{Tags: normalizeTags(input.Tags), NodeIDs: uniqueIDs(input.NodeIDs)}
	plan.TargetGroupID = input.TargetGroupID
	if input.Active != nil {
		plan.Active = *input.Active
	}
	return nil
}

// Delete is refused while any subscription still references the plan.
func (s *planService) Delete(ctx context.Context, id int64) error {
	if s == nil || s.plans == nil {
		return fmt.Errorf("plan service not configured / 套餐服务未配置")
	}
	if _, err := s.plans.FindByID(ctx, id); err != nil {
		return notFound(err, "plan")
	}
	count, err := s.subs.CountByPlan(ctx, id)
	if err != nil {
		return fmt.Errorf("count subscriptions: %w", err)
	}
	if count > 0 {
		return ErrPlanInUse
	}
	if err := s.plans.Delete(ctx, id); err != nil {
		if errors.Is(err, repository.ErrInUse) {
			return ErrPlanInUse
		}
		return notFound(err, "plan")
	}
	s.logger.Info("plan deleted", "plan_id", id)
	return nil
}

func (s *planService) Get(ctx context.Context, id int64) (*PlanView, error) {
	if s == nil || s.plans == nil {
		return nil, fmt.Errorf("plan service not configured / 套餐服务未配置")
	}
	plan, err := s.plans.FindByID(ctx, id)
	if err != nil {
		return nil, notFound(err, "plan")
	}
	return newPlanView(plan), nil
}

func (s *planService) List(ctx context.Context, activeOnly bool) ([]PlanView, error) {
	if s == nil || s.plans == nil {
		return nil, fmt.Errorf("plan service not configured / 套餐服务未配置")
	}
	plans, err := s.plans.List(ctx, activeOnly)
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	views := make([]PlanView, 0, len(plans))
	for _, plan := range plans {
		views = append(views, *newPlanView(plan))
	}
	return views, nil
}

func newPlanView(plan *repository.Plan) *PlanView {
	tags := plan.Criteria.Tags
	if tags == nil {
		tags = []string{}
	}
	ids := plan.Criteria.NodeIDs
	if ids == nil {
		ids = []int64{}
	}
	return &PlanView{
		ID:            plan.ID,
		Name:          plan.Name,
		Description:   plan.Description,
		DurationDays:  plan.DurationDays,
		TrafficGB:     plan.TrafficGB,
		DeviceLimit:   plan.DeviceLimit,
		PriceCents:    plan.PriceCents,
		Tags:          tags,
		NodeIDs:       ids,
		TargetGroupID: plan.TargetGroupID,
		Active:        plan.Active,
		CreatedAt:     plan.CreatedAt,
		UpdatedAt:     plan.UpdatedAt,
	}
}

func uniqueIDs(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
