// 文件路径: internal/api/handler/admin_subscription.go
// 模块说明: 管理端订阅审批：列表、审批、拒绝与手动过期。
package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/creamcroissant/nodeboard/internal/service"
)

type AdminSubscriptionHandler struct {
	subs   service.SubscriptionService
	logger *slog.Logger
}

func NewAdminSubscriptionHandler(subs service.SubscriptionService, logger *slog.Logger) *AdminSubscriptionHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AdminSubscriptionHandler{subs: subs, logger: logger}
}

// List handles GET /subscriptions?user_id=&plan_id=&status=&page=&page_size=
func (h *AdminSubscriptionHandler) List(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	userID, err := optionalInt64(query.Get("user_id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "admin.subscription.list", "invalid user_id")
		return
	}
	planID, err := optionalInt64(query.Get("plan_id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "admin.subscription.list", "invalid plan_id")
		return
	}
	page, size := pageParams(r)
	result, err := h.subs.List(r.Context(), service.SubscriptionListInput{
		UserID:   userID,
		PlanID:   planID,
		Status:   strings.TrimSpace(query.Get("status")),
		Page:     page,
		PageSize: size,
	})
	if err != nil {
		respondServiceError(w, h.logger, "admin.subscription.list", err)
		return
	}
	respondData(w, http.StatusOK, result)
}

func (h *AdminSubscriptionHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(w, r, "admin.subscription.get")
	if !ok {
		return
	}
	sub, err := h.subs.Get(r.Context(), id)
	if err != nil {
		respondServiceError(w, h.logger, "admin.subscription.get", err)
		return
	}
	respondData(w, http.StatusOK, sub)
}

// Approve handles POST /subscriptions/{id}/approve
func (h *AdminSubscriptionHandler) Approve(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "admin.subscription.approve", h.subs.Approve)
}

// Reject handles POST /subscriptions/{id}/reject
func (h *AdminSubscriptionHandler) Reject(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "admin.subscription.reject", h.subs.Reject)
}

// Expire handles POST /subscriptions/{id}/expire
func (h *AdminSubscriptionHandler) Expire(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(w, r, "admin.subscription.expire")
	if !ok {
		return
	}
	expired, err := h.subs.Expire(r.Context(), id)
	status := http.StatusOK
	if err != nil {
		if !expired || !errors.Is(err, service.ErrRevokeIncomplete) {
			respondServiceError(w, h.logger, "admin.subscription.expire", err)
			return
		}
		// Expired, but at least one node still holds the client; the expiry job retries.
		h.logger.Warn("subscription expired with pending revoke", "subscription_id", id, "error", err)
		status = http.StatusAccepted
	}
	sub, err := h.subs.Get(r.Context(), id)
	if err != nil {
		respondServiceError(w, h.logger, "admin.subscription.expire", err)
		return
	}
	if !expired {
		respondError(w, http.StatusConflict, "admin.subscription.expire", "subscription is not active")
		return
	}
	respondData(w, status, sub)
}

func (h *AdminSubscriptionHandler) transition(w http.ResponseWriter, r *http.Request, action string, fn func(ctx context.Context, id int64) (*service.SubscriptionView, error)) {
	id, ok := urlID(w, r, action)
	if !ok {
		return
	}
	sub, err := fn(r.Context(), id)
	if err != nil {
		respondServiceError(w, h.logger, action, err)
		return
	}
	respondData(w, http.StatusOK, sub)
}
