// 文件路径: internal/service/auth.go
// 模块说明: 面板登录与令牌校验，包含登录限流、失败计数与审计。
package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/creamcroissant/nodeboard/internal/auth/token"
	"github.com/creamcroissant/nodeboard/internal/cache"
	"github.com/creamcroissant/nodeboard/internal/repository"
	"github.com/creamcroissant/nodeboard/internal/security"
	"github.com/creamcroissant/nodeboard/internal/support/hash"
)

// AuthService coordinates login and token verification.
type AuthService interface {
	Login(ctx context.Context, input LoginInput) (*LoginResult, error)
	Verify(ctx context.Context, rawToken string) (*Claims, error)
}

// LoginInput represents the payload required for user login.
type LoginInput struct {
	Email     string `json:"email"`
	Password  string `json:"password"`
	IP        string `json:"-"`
	UserAgent string `json:"-"`
}

// LoginResult returns issued token information and user snapshot.
type LoginResult struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	UserID    int64     `json:"user_id"`
	Email     string    `json:"email"`
	IsAdmin   bool      `json:"is_admin"`
}

// Claims describe authenticated user payload extracted from tokens.
type Claims struct {
	UserID  int64  `json:"user_id"`
	Email   string `json:"email"`
	IsAdmin bool   `json:"is_admin"`
}

type authService struct {
	users         repository.UserRepository
	hasher        hash.Hasher
	tokenMgr      *token.Manager
	rate          *security.RateLimiter
	audit         security.Recorder
	loginFailures cache.Store
	now           func() time.Time
}

const (
	loginLimit          = 100
	loginWindow         = time.Minute
	maxLoginFailures    = 5
	loginFailureWindow  = time.Hour
	loginFailureKeyBase = "PASSWORD_ERROR_LIMIT_"
)

// NewAuthService wires repository + infrastructure helpers.
func NewAuthService(users repository.UserRepository, hasher hash.Hasher, tokenMgr *token.Manager, rate *security.RateLimiter, audit security.Recorder, cacheStore cache.Store) AuthService {
	var loginFailures cache.Store
	if cacheStore != nil {
		loginFailures = cacheStore.Namespace("auth").Namespace("password_fail")
	}
	return &authService{
		users:         users,
		hasher:        hasher,
		tokenMgr:      tokenMgr,
		rate:          rate,
		audit:         audit,
		loginFailures: loginFailures,
		now:           time.Now,
	}
}

func (s *authService) Login(ctx context.Context, input LoginInput) (*LoginResult, error) {
	if s == nil || s.users == nil || s.tokenMgr == nil || s.hasher == nil {
		return nil, fmt.Errorf("auth service not fully configured / 认证服务未完整配置")
	}
	email := normalizeEmail(input.Email)
	password := strings.TrimSpace(input.Password)
	if email == "" || password == "" {
		return nil, &ValidationError{Fields: map[string]string{"email": "email and password required"}}
	}
	if s.loginFailureCount(ctx, email) >= maxLoginFailures {
		s.recordAudit(ctx, "auth.login.password_limit", 0, input, map[string]any{"email": email})
		return nil, fmt.Errorf("%w: too many failed attempts / 密码错误次数过多", ErrRateLimited)
	}
	if s.rate != nil {
		res, err := s.rate.Allow(ctx, "login:"+email, loginLimit, loginWindow)
		if err != nil {
			return nil, err
		}
		if !res.Allowed {
			s.recordAudit(ctx, "auth.login.rate_limited", 0, input, map[string]any{"limit": loginLimit})
			return nil, ErrRateLimited
		}
	}

	user, err := s.users.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			s.recordAudit(ctx, "auth.login.failure", 0, input, map[string]any{"reason": "not_found"})
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if err := s.hasher.Compare(user.Password, password); err != nil {
		if errors.Is(err, hash.ErrPasswordMismatch) {
			s.bumpLoginFailure(ctx, email)
			s.recordAudit(ctx, "auth.login.failure", user.ID, input, map[string]any{"reason": "password"})
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if user.Banned {
		s.recordAudit(ctx, "auth.login.failure", user.ID, input, map[string]any{"reason": "banned"})
		return nil, ErrAccountDisabled
	}

	signed, claims, err := s.tokenMgr.Issue(strconv.FormatInt(user.ID, 10), user.IsAdmin)
	if err != nil {
		return nil, fmt.Errorf("issue token: %w", err)
	}
	if err := s.users.TouchLogin(ctx, user.ID, s.now().Unix()); err != nil {
		return nil, fmt.Errorf("touch login: %w", err)
	}
	s.clearLoginFailure(ctx, email)
	s.recordAudit(ctx, "auth.login.success", user.ID, input, nil)
	return &LoginResult{
		Token:     signed,
		ExpiresAt: claims.ExpiresAt.Time,
		UserID:    user.ID,
		Email:     user.Email,
		IsAdmin:   user.IsAdmin,
	}, nil
}

// Verify parses the bearer token and reloads the user so bans and admin
// changes apply immediately.
func (s *authService) Verify(ctx context.Context, rawToken string) (*Claims, error) {
	if s == nil || s.users == nil || s.tokenMgr == nil {
		return nil, fmt.Errorf("auth service not fully configured / 认证服务未完整配置")
	}
	tokenStr := strings.TrimSpace(rawToken)
	if tokenStr == "" {
		return nil, ErrUnauthorized
	}
	parsed, err := s.tokenMgr.Parse(tokenStr)
	if err != nil {
		return nil, ErrUnauthorized
	}
	userID, err := strconv.ParseInt(parsed.Subject, 10, 64)
	if err != nil {
		return nil, ErrUnauthorized
	}
	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return nil, ErrUnauthorized
	}
	if user.Banned {
		return nil, ErrAccountDisabled
	}
	return &Claims{UserID: user.ID, Email: user.Email, IsAdmin: user.IsAdmin}, nil
}

func (s *authService) loginFailureCount(ctx context.Context, email string) int {
	if s.loginFailures == nil {
		return 0
	}
	raw, ok := s.loginFailures.Get(ctx, loginFailureKeyBase+email)
	if !ok {
		return 0
	}
	switch v := raw.(type) {
	case int:
		return v
	case int64:
		return int(v)
	}
	return 0
}

func (s *authService) bumpLoginFailure(ctx context.Context, email string) {
	if s.loginFailures == nil {
		return
	}
	_, _ = s.loginFailures.Increment(ctx, loginFailureKeyBase+email, 1, loginFailureWindow)
}

func (s *authService) clearLoginFailure(ctx context.Context, email string) {
	if s.loginFailures == nil {
		return
	}
	s.loginFailures.Delete(ctx, loginFailureKeyBase+email)
}

func (s *authService) recordAudit(ctx context.Context, kind string, actorID int64, input LoginInput, meta map[string]any) {
	if s.audit == nil {
		return
	}
	if meta == nil {
		meta = map[string]any{}
	}
	if input.UserAgent != "" {
		meta["user_agent"] = input.UserAgent
	}
	s.audit.Record(ctx, security.Event{
		Kind:     kind,
		ActorID:  actorID,
		IP:       input.IP,
		Metadata: meta,
		Occurred: s.now(),
	})
}

func normalizeEmail(raw string) string {
	email := strings.ToLower(strings.TrimSpace(raw))
	if !strings.Contains(email, "@") {
		return ""
	}
	return email
}
