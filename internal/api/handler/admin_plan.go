// 文件路径: internal/api/handler/admin_plan.go
// 模块说明: 管理端套餐 CRUD。
package handler

import (
	"log/slog"
	"net/http"

	"github.com/creamcroissant/nodeboard/internal/service"
)

// AdminPlanHandler exposes admin plan management endpoints.
type AdminPlanHandler struct {
	plans  service.PlanService
	logger *slog.Logger
}

// NewAdminPlanHandler wires plan service into an admin handler.
func NewAdminPlanHandler(plans service.PlanService, logger *slog.Logger) *AdminPlanHandler {
	return &AdminPlanHandler{plans: plans, logger: logger}
}

// List handles GET /plans
func (h *AdminPlanHandler) List(w http.ResponseWriter, r *http.Request) {
	plans, err := h.plans.List(r.Context(), false)
	if err != nil {
		respondServiceError(w, h.logger, "admin.plan.list", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"data": plans, "total": len(plans)})
}

// Get handles GET /plans/{id}
func (h *AdminPlanHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(w, r, "admin.plan.get")
	if !ok {
		return
	}
	plan, err := h.plans.Get(r.Context(), id)
	if err != nil {
		respondServiceError(w, h.logger, "admin.plan.get", err)
		return
	}
	respondData(w, http.StatusOK, plan)
}

// Create handles POST /plans
func (h *AdminPlanHandler) Create(w http.ResponseWriter, r *http.Request) {
	var payload service.PlanInput
	if !decodeOrRespond(w, r, "admin.plan.create", &payload) {
		return
	}
	plan, err := h.plans.Create(r.Context(), payload)
	if err != nil {
		respondServiceError(w, h.logger, "admin.plan.create", err)
		return
	}
	respondData(w, http.StatusCreated, plan)
}

// Update handles PUT /plans/{id}
func (h *AdminPlanHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(w, r, "admin.plan.update")
	if !ok {
		return
	}
	var payload service.PlanInput
	if !decodeOrRespond(w, r, "admin.plan.update", &payload) {
		return
	}
	plan, err := h.plans.Update(r.Context(), id, payload)
	if err != nil {
		respondServiceError(w, h.logger, "admin.plan.update", err)
		return
	}
	respondData(w, http.StatusOK, plan)
}

// Delete handles DELETE /plans/{id}
func (h *AdminPlanHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(w, r, "admin.plan.delete")
	if !ok {
		return
	}
	if err := h.plans.Delete(r.Context(), id); err != nil {
		respondServiceError(w, h.logger, "admin.plan.delete", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
