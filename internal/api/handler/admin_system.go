// 文件路径: internal/api/handler/admin_system.go
// 模块说明: 系统状态、后台任务概况与手动触发任务。
package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/creamcroissant/nodeboard/internal/job"
	"github.com/creamcroissant/nodeboard/internal/service"
)

// JobRunner triggers a registered background job by name.
type JobRunner interface {
	RunNow(ctx context.Context, name string) error
}

// AdminSystemHandler 提供系统仪表盘接口。
type AdminSystemHandler struct {
	system service.AdminSystemService
	jobs   service.JobStatusProvider
	runner JobRunner
	logger *slog.Logger
}

// NewAdminSystemHandler 绑定 service 实例，jobs/runner 可为 nil。
func NewAdminSystemHandler(system service.AdminSystemService, jobs service.JobStatusProvider, runner JobRunner, logger *slog.Logger) *AdminSystemHandler {
	return &AdminSystemHandler{system: system, jobs: jobs, runner: runner, logger: logger}
}

// Status handles GET /system/status
func (h *AdminSystemHandler) Status(w http.ResponseWriter, r *http.Request) {
	status, err := h.system.SystemStatus(r.Context())
	if err != nil {
		respondServiceError(w, h.logger, "admin.system.status", err)
		return
	}
	respondData(w, http.StatusOK, status)
}

// Jobs handles GET /system/jobs
func (h *AdminSystemHandler) Jobs(w http.ResponseWriter, r *http.Request) {
	if h.jobs == nil {
		respondData(w, http.StatusOK, []service.JobStatus{})
		return
	}
	respondData(w, http.StatusOK, h.jobs.JobStatuses())
}

// RunJob handles POST /system/jobs/{name}/run
func (h *AdminSystemHandler) RunJob(w http.ResponseWriter, r *http.Request) {
	if h.runner == nil {
		respondError(w, http.StatusServiceUnavailable, "admin.system.job", "scheduler unavailable")
		return
	}
	name := strings.TrimSpace(chi.URLParam(r, "name"))
	err := h.runner.RunNow(r.Context(), name)
	switch {
	case err == nil:
		respondData(w, http.StatusOK, map[string]string{"job": name, "status": "completed"})
	case errors.Is(err, job.ErrUnknownJob):
		respondError(w, http.StatusNotFound, "admin.system.job", "unknown job")
	case errors.Is(err, job.ErrJobRunning):
		respondError(w, http.StatusConflict, "admin.system.job", "job already running")
	default:
		h.logger.Error("manual job run failed", "job", name, "error", err)
		respondError(w, http.StatusInternalServerError, "admin.system.job", err.Error())
	}
}
