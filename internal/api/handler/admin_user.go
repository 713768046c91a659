// 文件路径: internal/api/handler/admin_user.go
// 模块说明: 管理端用户与用户组接口。
package handler

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/creamcroissant/nodeboard/internal/api/requestctx"
	"github.com/creamcroissant/nodeboard/internal/service"
)

// AdminUserHandler exposes admin user and group endpoints.
type AdminUserHandler struct {
	users  service.AdminUserService
	logger *slog.Logger
}

// NewAdminUserHandler wires admin user service into HTTP surface.
func NewAdminUserHandler(users service.AdminUserService, logger *slog.Logger) *AdminUserHandler {
	return &AdminUserHandler{users: users, logger: logger}
}

// List handles GET /users?keyword=&group_id=&page=&page_size=
func (h *AdminUserHandler) List(w http.ResponseWriter, r *http.Request) {
	groupID, err := optionalInt64(r.URL.Query().Get("group_id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "admin.user.list", "invalid group_id")
		return
	}
	page, size := pageParams(r)
	result, err := h.users.Fetch(r.Context(), service.AdminUserFetchInput{
		Keyword:  strings.TrimSpace(r.URL.Query().Get("keyword")),
		GroupID:  groupID,
		Page:     page,
		PageSize: size,
	})
	if err != nil {
		respondServiceError(w, h.logger, "admin.user.list", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"data":      result.Items,
		"total":     result.Total,
		"page":      page,
		"page_size": size,
	})
}

func (h *AdminUserHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(w, r, "admin.user.get")
	if !ok {
		return
	}
	user, err := h.users.GetByID(r.Context(), id)
	if err != nil {
		respondServiceError(w, h.logger, "admin.user.get", err)
		return
	}
	respondData(w, http.StatusOK, user)
}

func (h *AdminUserHandler) Create(w http.ResponseWriter, r *http.Request) {
	var payload service.AdminUserCreateInput
	if !decodeOrRespond(w, r, "admin.user.create", &payload) {
		return
	}
	user, err := h.users.Create(r.Context(), payload)
	if err != nil {
		respondServiceError(w, h.logger, "admin.user.create", err)
		return
	}
	respondData(w, http.StatusCreated, user)
}

func (h *AdminUserHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(w, r, "admin.user.update")
	if !ok {
		return
	}
	var payload service.AdminUserUpdateInput
	if !decodeOrRespond(w, r, "admin.user.update", &payload) {
		return
	}
	user, err := h.users.Update(r.Context(), id, payload)
	if err != nil {
		respondServiceError(w, h.logger, "admin.user.update", err)
		return
	}
	respondData(w, http.StatusOK, user)
}

func (h *AdminUserHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(w, r, "admin.user.delete")
	if !ok {
		return
	}
	actor := requestctx.AdminFromContext(r.Context())
	if err := h.users.Delete(r.Context(), actor.ID, id); err != nil {
		respondServiceError(w, h.logger, "admin.user.delete", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListGroups handles GET /groups
func (h *AdminUserHandler) ListGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := h.users.Groups(r.Context())
	if err != nil {
		respondServiceError(w, h.logger, "admin.group.list", err)
		return
	}
	respondData(w, http.StatusOK, groups)
}

func (h *AdminUserHandler) CreateGroup(w http.ResponseWriter, r *http.Request) {
	var payload service.UserGroupInput
	if !decodeOrRespond(w, r, "admin.group.create", &payload) {
		return
	}
	group, err := h.users.CreateGroup(r.Context(), payload)
	if err != nil {
		respondServiceError(w, h.logger, "admin.group.create", err)
		return
	}
	respondData(w, http.StatusCreated, group)
}

func (h *AdminUserHandler) UpdateGroup(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(w, r, "admin.group.update")
	if !ok {
		return
	}
	var payload service.UserGroupInput
	if !decodeOrRespond(w, r, "admin.group.update", &payload) {
		return
	}
	group, err := h.users.UpdateGroup(r.Context(), id, payload)
	if err != nil {
		respondServiceError(w, h.logger, "admin.group.update", err)
		return
	}
	respondData(w, http.StatusOK, group)
}

func (h *AdminUserHandler) DeleteGroup(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(w, r, "admin.group.delete")
	if !ok {
		return
	}
	if err := h.users.DeleteGroup(r.Context(), id); err != nil {
		respondServiceError(w, h.logger, "admin.group.delete", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
