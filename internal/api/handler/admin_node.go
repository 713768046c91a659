// 文件路径: internal/api/handler/admin_node.go
// 模块说明: 管理端节点接口：链接导入、显式创建、编辑、删除与健康检查。
package handler

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/creamcroissant/nodeboard/internal/service"
)

// AdminNodeHandler exposes node registry endpoints.
type AdminNodeHandler struct {
	nodes  service.NodeService
	health service.NodeHealthService
	logger *slog.Logger
}

func NewAdminNodeHandler(nodes service.NodeService, health service.NodeHealthService, logger *slog.Logger) *AdminNodeHandler {
	return &AdminNodeHandler{nodes: nodes, health: health, logger: logger}
}

// List handles GET /nodes?active=&tag=
func (h *AdminNodeHandler) List(w http.ResponseWriter, r *http.Request) {
	active, err := optionalBool(r.URL.Query().Get("active"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "admin.node.list", "invalid active filter")
		return
	}
	nodes, err := h.nodes.List(r.Context(), service.NodeListInput{
		Active: active,
		Tag:    strings.TrimSpace(r.URL.Query().Get("tag")),
	})
	if err != nil {
		respondServiceError(w, h.logger, "admin.node.list", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"data": nodes, "total": len(nodes)})
}

// Get handles GET /nodes/{id}
func (h *AdminNodeHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(w, r, "admin.node.get")
	if !ok {
		return
	}
	node, err := h.nodes.Get(r.Context(), id)
	if err != nil {
		respondServiceError(w, h.logger, "admin.node.get", err)
		return
	}
	respondData(w, http.StatusOK, node)
}

// Import handles POST /nodes/import with {"uri": "vless://..."}
func (h *AdminNodeHandler) Import(w http.ResponseWriter, r *http.Request) {
	var payload service.NodeImportInput
	if !decodeOrRespond(w, r, "admin.node.import", &payload) {
		return
	}
	node, err := h.nodes.Import(r.Context(), payload)
	if err != nil {
		respondServiceError(w, h.logger, "admin.node.import", err)
		return
	}
	respondData(w, http.StatusCreated, node)
}

// Create handles POST /nodes
func (h *AdminNodeHandler) Create(w http.ResponseWriter, r *http.Request) {
	var payload service.NodeCreateInput
	if !decodeOrRespond(w, r, "admin.node.create", &payload) {
		return
	}
	node, err := h.nodes.Create(r.Context(), payload)
	if err != nil {
		respondServiceError(w, h.logger, "admin.node.create", err)
		return
	}
	respondData(w, http.StatusCreated, node)
}

// Update handles PUT /nodes/{id}
func (h *AdminNodeHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(w, r, "admin.node.update")
	if !ok {
		return
	}
	var payload service.NodeUpdateInput
	if !decodeOrRespond(w, r, "admin.node.update", &payload) {
		return
	}
	node, err := h.nodes.Update(r.Context(), id, payload)
	if err != nil {
		respondServiceError(w, h.logger, "admin.node.update", err)
		return
	}
	respondData(w, http.StatusOK, node)
}

// Delete handles DELETE /nodes/{id}
func (h *AdminNodeHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(w, r, "admin.node.delete")
	if !ok {
		return
	}
	if err := h.nodes.Delete(r.Context(), id); err != nil {
		respondServiceError(w, h.logger, "admin.node.delete", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Check handles POST /nodes/{id}/check and checks the agent immediately.
func (h *AdminNodeHandler) Check(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(w, r, "admin.node.check")
	if !ok {
		return
	}
	if h.health == nil {
		respondError(w, http.StatusServiceUnavailable, "admin.node.check", "health service unavailable")
		return
	}
	view, err := h.health.CheckNode(r.Context(), id)
	if err != nil {
		respondServiceError(w, h.logger, "admin.node.check", err)
		return
	}
	respondData(w, http.StatusOK, view)
}
