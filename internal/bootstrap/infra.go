// 文件路径: internal/bootstrap/infra.go
// 模块说明: 组装鉴权与限流等共享基础设施。
package bootstrap

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/creamcroissant/nodeboard/internal/auth/token"
	"github.com/creamcroissant/nodeboard/internal/cache"
	"github.com/creamcroissant/nodeboard/internal/config"
	"github.com/creamcroissant/nodeboard/internal/security"
	"github.com/creamcroissant/nodeboard/internal/support/hash"
)

// Infrastructure bundles shared helpers required by auth and the public endpoints.
type Infrastructure struct {
	Cache       cache.Store
	Token       *token.Manager
	Hasher      hash.Hasher
	RateLimiter *security.RateLimiter
	Audit       security.Recorder
}

// BuildInfrastructure wires default implementations; signingKey must already be resolved.
func BuildInfrastructure(cfg config.AuthConfig, signingKey string, logger *slog.Logger) (*Infrastructure, error) {
	cacheStore := cache.NewStore(cache.Options{
		Prefix:          "nodeboard",
		DefaultTTL:      5 * time.Minute,
		CleanupInterval: time.Minute,
	})

	tokenManager, err := token.NewManager(token.Options{
		SigningKey: []byte(signingKey),
		Issuer:     cfg.Issuer,
		Audience:   cfg.Audience,
		TTL:        cfg.TokenTTL,
		Leeway:     cfg.Leeway,
	})
	if err != nil {
		return nil, fmt.Errorf("token manager: %w", err)
	}

	hasher, err := hash.NewBcryptHasher(cfg.BcryptCost)
	if err != nil {
		return nil, fmt.Errorf("bcrypt hasher: %w", err)
	}

	rateLimiter, err := security.NewRateLimiter(cacheStore)
	if err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	return &Infrastructure{
		Cache:       cacheStore,
		Token:       tokenManager,
		Hasher:      hasher,
		RateLimiter: rateLimiter,
		Audit:       security.NewLoggerRecorder(logger),
	}, nil
}
