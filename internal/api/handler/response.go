// 文件路径: internal/api/handler/response.go
// 模块说明: 统一 JSON 响应与服务层错误到 HTTP 状态码的映射。
package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/creamcroissant/nodeboard/internal/protocol"
	"github.com/creamcroissant/nodeboard/internal/service"
)

// Helper to respond with JSON
func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Warn("failed to encode response JSON", "error", err)
	}
}

func respondData(w http.ResponseWriter, status int, data any) {
	respondJSON(w, status, map[string]any{"data": data})
}

func respondError(w http.ResponseWriter, status int, action string, message string) {
	resp := map[string]any{"error": message}
	if action != "" {
		resp["action"] = action
	}
	respondJSON(w, status, resp)
}

// respondServiceError maps service and parser errors onto status codes.
func respondServiceError(w http.ResponseWriter, logger *slog.Logger, action string, err error) {
	var (
		verr  *service.ValidationError
		perr  *protocol.ParseError
		maxed *http.MaxBytesError
	)
	switch {
	case errors.As(err, &verr):
		respondJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":  "validation failed",
			"action": action,
			"fields": verr.Fields,
		})
	case errors.As(err, &perr):
		respondJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":  perr.Error(),
			"action": action,
			"fields": map[string]string{perr.Field: perr.Reason},
		})
	case errors.As(err, &maxed):
		respondError(w, http.StatusRequestEntityTooLarge, action, "request body too large")
	case errors.Is(err, service.ErrNotFound):
		respondError(w, http.StatusNotFound, action, "not found")
	case errors.Is(err, service.ErrStateConflict):
		respondError(w, http.StatusConflict, action, err.Error())
	case errors.Is(err, service.ErrPlanUnavailable):
		respondError(w, http.StatusConflict, action, err.Error())
	case errors.Is(err, service.ErrRateLimited):
		respondError(w, http.StatusTooManyRequests, action, "too many requests")
	case errors.Is(err, service.ErrInvalidCredentials), errors.Is(err, service.ErrUnauthorized):
		respondError(w, http.StatusUnauthorized, action, "unauthorized")
	case errors.Is(err, service.ErrAccountDisabled), errors.Is(err, service.ErrForbidden):
		respondError(w, http.StatusForbidden, action, "forbidden")
	default:
		if logger == nil {
			logger = slog.Default()
		}
		logger.Error("request failed", "action", action, "error", err)
		respondError(w, http.StatusInternalServerError, action, "internal server error")
	}
}
