package handler

import (
	"log/slog"
	"net/http"

	"github.com/creamcroissant/nodeboard/internal/api/middleware"
	"github.com/creamcroissant/nodeboard/internal/service"
)

// AuthHandler exposes panel login.
type AuthHandler struct {
	auth   service.AuthService
	logger *slog.Logger
}

func NewAuthHandler(auth service.AuthService, logger *slog.Logger) *AuthHandler {
	return &AuthHandler{auth: auth, logger: logger}
}

// Login handles POST /auth/login.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var payload service.LoginInput
	if !decodeOrRespond(w, r, "auth.login", &payload) {
		return
	}
	payload.IP = middleware.ClientIP(r)
	payload.UserAgent = r.UserAgent()
	result, err := h.auth.Login(r.Context(), payload)
	if err != nil {
		respondServiceError(w, h.logger, "auth.login", err)
		return
	}
	respondData(w, http.StatusOK, result)
}
