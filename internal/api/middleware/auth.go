// 文件路径: internal/api/middleware/auth.go
// 模块说明: Bearer JWT 认证守卫：用户接口与管理接口。
package middleware

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/creamcroissant/nodeboard/internal/api/requestctx"
	"github.com/creamcroissant/nodeboard/internal/service"
)

// AdminGuard ensures requests originate from authenticated admins.
func AdminGuard(auth service.AuthService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := authenticate(w, r, auth)
			if !ok {
				return
			}
			if !claims.IsAdmin {
				writeError(w, http.StatusForbidden, "admin privileges required")
				return
			}
			identity := requestctx.UserClaims{ID: claims.UserID, Email: claims.Email, IsAdmin: true}
			ctx := requestctx.WithAdminClaims(r.Context(), identity)
			ctx = requestctx.WithUserClaims(ctx, identity)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// UserGuard ensures requests are authenticated end users.
func UserGuard(auth service.AuthService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := authenticate(w, r, auth)
			if !ok {
				return
			}
			ctx := requestctx.WithUserClaims(r.Context(), requestctx.UserClaims{ID: claims.UserID, Email: claims.Email, IsAdmin: claims.IsAdmin})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func authenticate(w http.ResponseWriter, r *http.Request, auth service.AuthService) (*service.Claims, bool) {
	if auth == nil {
		writeError(w, http.StatusUnauthorized, "auth service unavailable")
		return nil, false
	}
	token := extractBearer(r.Header.Get("Authorization"))
	if token == "" {
		writeError(w, http.StatusUnauthorized, "missing authorization header")
		return nil, false
	}
	claims, err := auth.Verify(r.Context(), token)
	if err != nil {
		if errors.Is(err, service.ErrAccountDisabled) {
			writeError(w, http.StatusForbidden, "account disabled")
			return nil, false
		}
		writeError(w, http.StatusUnauthorized, "invalid or expired token")
		return nil, false
	}
	return claims, true
}

func extractBearer(header string) string {
	trimmed := strings.TrimSpace(header)
	if trimmed == "" {
		return ""
	}
	parts := strings.SplitN(trimmed, " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return strings.TrimSpace(parts[1])
	}
	return trimmed
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error": message,
	})
}
