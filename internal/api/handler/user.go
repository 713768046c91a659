// 文件路径: internal/api/handler/user.go
// 模块说明: 普通用户接口：个人信息、可选套餐、订阅申请/取消与流量明细。
package handler

import (
	"log/slog"
	"net/http"

	"github.com/creamcroissant/nodeboard/internal/api/requestctx"
	"github.com/creamcroissant/nodeboard/internal/service"
)

// UserHandler serves endpoints scoped to the authenticated user.
type UserHandler struct {
	users   service.AdminUserService
	plans   service.PlanService
	subs    service.SubscriptionService
	traffic service.TrafficService
	logger  *slog.Logger
}

type UserHandlerDeps struct {
	Users         service.AdminUserService
	Plans         service.PlanService
	Subscriptions service.SubscriptionService
	Traffic       service.TrafficService
	Logger        *slog.Logger
}

func NewUserHandler(deps UserHandlerDeps) *UserHandler {
	return &UserHandler{
		users:   deps.Users,
		plans:   deps.Plans,
		subs:    deps.Subscriptions,
		traffic: deps.Traffic,
		logger:  deps.Logger,
	}
}

type subscriptionRequest struct {
	PlanID int64 `json:"plan_id"`
}

// Me handles GET /user/me
func (h *UserHandler) Me(w http.ResponseWriter, r *http.Request) {
	claims := requestctx.UserFromContext(r.Context())
	user, err := h.users.GetByID(r.Context(), claims.ID)
	if err != nil {
		respondServiceError(w, h.logger, "user.me", err)
		return
	}
	respondData(w, http.StatusOK, user)
}

// Plans handles GET /user/plans and only lists active plans.
func (h *UserHandler) Plans(w http.ResponseWriter, r *http.Request) {
	plans, err := h.plans.List(r.Context(), true)
	if err != nil {
		respondServiceError(w, h.logger, "user.plan.list", err)
		return
	}
	respondData(w, http.StatusOK, plans)
}

// Subscriptions handles GET /user/subscriptions
func (h *UserHandler) Subscriptions(w http.ResponseWriter, r *http.Request) {
	claims := requestctx.UserFromContext(r.Context())
	subs, err := h.subs.ListForUser(r.Context(), claims.ID)
	if err != nil {
		respondServiceError(w, h.logger, "user.subscription.list", err)
		return
	}
	respondData(w, http.StatusOK, subs)
}

// RequestSubscription handles POST /user/subscriptions with {"plan_id": 1}
func (h *UserHandler) RequestSubscription(w http.ResponseWriter, r *http.Request) {
	var payload subscriptionRequest
	if !decodeOrRespond(w, r, "user.subscription.request", &payload) {
		return
	}
	claims := requestctx.UserFromContext(r.Context())
	sub, err := h.subs.Request(r.Context(), claims.ID, payload.PlanID)
	if err != nil {
		respondServiceError(w, h.logger, "user.subscription.request", err)
		return
	}
	respondData(w, http.StatusCreated, sub)
}

// CancelSubscription handles POST /user/subscriptions/{id}/cancel
func (h *UserHandler) CancelSubscription(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(w, r, "user.subscription.cancel")
	if !ok {
		return
	}
	claims := requestctx.UserFromContext(r.Context())
	sub, err := h.subs.Cancel(r.Context(), claims.ID, id)
	if err != nil {
		respondServiceError(w, h.logger, "user.subscription.cancel", err)
		return
	}
	respondData(w, http.StatusOK, sub)
}

// Traffic handles GET /user/traffic?subscription_id=
func (h *UserHandler) Traffic(w http.ResponseWriter, r *http.Request) {
	query, ok := trafficQuery(w, r, "user.traffic")
	if !ok {
		return
	}
	claims := requestctx.UserFromContext(r.Context())
	page, err := h.traffic.UserLogs(r.Context(), claims.ID, query)
	if err != nil {
		respondServiceError(w, h.logger, "user.traffic", err)
		return
	}
	respondData(w, http.StatusOK, page)
}
