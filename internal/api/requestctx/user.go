// 文件路径: internal/api/requestctx/user.go
// 模块说明: 在请求上下文中传递认证后的身份信息。
package requestctx

import "context"

// UserClaims stores the identity resolved by the user or admin guard.
type UserClaims struct {
	ID      int64
	Email   string
	IsAdmin bool
}

type contextKey string

const (
	userContextKey  contextKey = "nodeboard-user"
	adminContextKey contextKey = "nodeboard-admin"
)

// WithUserClaims attaches user data to the context for downstream handlers.
func WithUserClaims(ctx context.Context, claims UserClaims) context.Context {
	return context.WithValue(ctx, userContextKey, claims)
}

// UserFromContext fetches user claims, returning zero value if missing.
func UserFromContext(ctx context.Context) UserClaims {
	if ctx == nil {
		return UserClaims{}
	}
	claims, _ := ctx.Value(userContextKey).(UserClaims)
	return claims
}

// WithAdminClaims attaches admin data to context.
func WithAdminClaims(ctx context.Context, claims UserClaims) context.Context {
	return context.WithValue(ctx, adminContextKey, claims)
}

// AdminFromContext fetches admin claims or zero value.
func AdminFromContext(ctx context.Context) UserClaims {
	if ctx == nil {
		return UserClaims{}
	}
	claims, _ := ctx.Value(adminContextKey).(UserClaims)
	return claims
}
