// 文件路径: internal/api/handler/client.go
// 模块说明: 客户端订阅拉取，按 token 返回节点链接或 Clash 配置。
package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/creamcroissant/nodeboard/internal/api/middleware"
	"github.com/creamcroissant/nodeboard/internal/service"
)

// ClientHandler covers client-facing endpoints such as subscription export.
type ClientHandler struct {
	content service.ContentService
	logger  *slog.Logger
}

func NewClientHandler(content service.ContentService, logger *slog.Logger) *ClientHandler {
	return &ClientHandler{content: content, logger: logger}
}

// Subscribe handles GET /client/subscribe/{token}.
func (h *ClientHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	if h.content == nil {
		respondError(w, http.StatusServiceUnavailable, "client.subscribe", "service unavailable")
		return
	}
	token := strings.TrimSpace(chi.URLParam(r, "token"))
	if token == "" {
		respondError(w, http.StatusNotFound, "client.subscribe", "not found")
		return
	}
	result, err := h.content.Subscribe(r.Context(), token, service.ContentParams{
		Flag:      r.URL.Query().Get("flag"),
		UserAgent: r.UserAgent(),
		IP:        middleware.ClientIP(r),
	})
	if err != nil {
		switch {
		// Unknown and inactive tokens look the same to clients.
		case errors.Is(err, service.ErrNotFound), errors.Is(err, service.ErrSubscriptionInactive):
			respondError(w, http.StatusNotFound, "client.subscribe", "not found")
		default:
			respondServiceError(w, h.logger, "client.subscribe", err)
		}
		return
	}

	header := w.Header()
	header.Set("Content-Type", result.ContentType)
	for key, value := range result.Headers {
		if key == "" || strings.EqualFold(key, "content-type") {
			continue
		}
		header.Set(key, value)
	}
	header.Set("Cache-Control", "no-store, no-cache, must-revalidate")
	header.Set("Pragma", "no-cache")
	header.Set("Expires", "0")

	etag := formatETag(result.ETag)
	if etag != "" {
		header.Set("ETag", etag)
	}
	if etagMatches(r.Header.Get("If-None-Match"), etag) {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result.Payload)
}
