// 文件路径: internal/service/subscription_content.go
// 模块说明: 根据订阅令牌生成客户端订阅内容（base64 通用格式或 Clash YAML）。
package service

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/creamcroissant/nodeboard/internal/config"
	"github.com/creamcroissant/nodeboard/internal/protocol"
	"github.com/creamcroissant/nodeboard/internal/repository"
	"github.com/creamcroissant/nodeboard/internal/security"
)

const subscribeWindow = time.Minute

// ContentService renders the proxy list behind a subscription token.
type ContentService interface {
	Subscribe(ctx context.Context, token string, params ContentParams) (*ContentResult, error)
}

// ContentParams 承接客户端传入的格式参数。
type ContentParams struct {
	Flag      string
	UserAgent string
	IP        string
}

// ContentResult 包含订阅内容与响应头。
type ContentResult struct {
	Payload     []byte
	ContentType string
	ETag        string
	Headers     map[string]string
}

type contentService struct {
	users     repository.UserRepository
	plans     repository.PlanRepository
	nodes     repository.NodeRepository
	subs      repository.SubscriptionRepository
	protocols *protocol.Manager
	rate      *security.RateLimiter
	opts      config.SubscriptionConfig
	logger    *slog.Logger
	now       func() time.Time
}

// NewContentService wires content rendering. rate may be nil to disable limiting.
func NewContentService(store repository.Store, manager *protocol.Manager, rate *security.RateLimiter, opts config.SubscriptionConfig, logger *slog.Logger) ContentService {
	if logger == nil {
		logger = slog.Default()
	}
	if manager == nil {
		manager = protocol.NewDefaultManager()
	}
	svc := &contentService{protocols: manager, rate: rate, opts: opts, logger: logger, now: time.Now}
	if store != nil {
		svc.users = store.Users()
		svc.plans = store.Plans()
		svc.nodes = store.Nodes()
		svc.subs = store.Subscriptions()
	}
	return svc
}

func (s *contentService) Subscribe(ctx context.Context, token string, params ContentParams) (*ContentResult, error) {
	if s == nil || s.subs == nil || s.protocols == nil {
		return nil, fmt.Errorf("content service not configured / 订阅内容服务未配置")
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrNotFound
	}
	if s.rate != nil && s.opts.RateLimit > 0 {
		res, err := s.rate.Allow(ctx, "subscribe:"+token, s.opts.RateLimit, subscribeWindow)
		if err != nil {
			return nil, err
		}
		if !res.Allowed {
			return nil, ErrRateLimited
		}
	}

	sub, err := s.subs.FindByToken(ctx, token)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	now := s.now().Unix()
	if !servable(sub, now) {
		return nil, ErrSubscriptionInactive
	}
	user, err := s.users.FindByID(ctx, sub.UserID)
	if err != nil {
		return nil, notFound(err, "user")
	}
	if user.Banned {
		return nil, ErrSubscriptionInactive
	}
	plan, err := s.plans.FindByID(ctx, sub.PlanID)
	if err != nil {
		return nil, notFound(err, "plan")
	}
	nodes, err := qualifyingNodes(ctx, s.nodes, plan.Criteria, s.logger)
	if err != nil {
		return nil, err
	}
	for i := range nodes {
		nodes[i] = clientNode(nodes[i], user)
	}

	expire := int64(0)
	if sub.EndAt != nil {
		expire = *sub.EndAt
	}
	result, err := s.protocols.Build(protocol.BuildRequest{
		Context:             ctx,
		Nodes:               nodes,
		Flag:                params.Flag,
		UserAgent:           params.UserAgent,
		ProfileTitle:        s.opts.ProfileTitle,
		UpdateIntervalHours: s.opts.UpdateIntervalHours,
		Traffic: &protocol.UserTrafficInfo{
			Download:  gbToBytes(sub.UsedTrafficGB),
			Total:     gbToBytes(sub.TotalTrafficGB),
			ExpiredAt: expire,
		},
	})
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, fmt.Errorf("protocol build result is empty / 协议构建结果为空")
	}

	s.logger.Debug("subscription fetched", "subscription_id", sub.ID, "user_id", sub.UserID, "nodes", len(nodes), "ip", params.IP)
	return &ContentResult{
		Payload:     result.Payload,
		ContentType: result.ContentType,
		ETag:        computeSubscriptionETag(result.Payload),
		Headers:     result.Headers,
	}, nil
}

// servable 判断订阅当前是否处于有效窗口内。
func servable(sub *repository.Subscription, now int64) bool {
	if sub.Status != repository.SubscriptionActive {
		return false
	}
	if sub.StartAt != nil && *sub.StartAt > now {
		return false
	}
	if sub.EndAt != nil && *sub.EndAt < now {
		return false
	}
	return true
}

func computeSubscriptionETag(payload []byte) string {
	sum := sha1.Sum(payload)
	return hex.EncodeToString(sum[:])
}
