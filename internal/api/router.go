// 文件路径: internal/api/router.go
// 模块说明: HTTP 路由装配：健康检查、指标、订阅拉取、管理端与用户端接口。
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/creamcroissant/nodeboard/internal/api/handler"
	"github.com/creamcroissant/nodeboard/internal/api/middleware"
	"github.com/creamcroissant/nodeboard/internal/config"
	"github.com/creamcroissant/nodeboard/internal/security"
	"github.com/creamcroissant/nodeboard/internal/service"
)

const defaultBodyLimit = 1 << 20

// Services 汇总路由依赖的服务。
type Services struct {
	Auth          service.AuthService
	Nodes         service.NodeService
	NodeHealth    service.NodeHealthService
	Plans         service.PlanService
	Subscriptions service.SubscriptionService
	Content       service.ContentService
	Traffic       service.TrafficService
	AdminUser     service.AdminUserService
	AdminSystem   service.AdminSystemService
	Jobs          service.JobStatusProvider
	JobRunner     handler.JobRunner
}

type routerOptions struct {
	limiter       *security.RateLimiter
	rateLimit     int
	rateWindow    time.Duration
	bodyLimit     int64
	slowThreshold time.Duration
	registry      *prometheus.Registry
}

// RouterOption 自定义路由行为。
type RouterOption func(*routerOptions)

// WithRateLimiter enables the per-IP request limit.
func WithRateLimiter(limiter *security.RateLimiter, limit int, window time.Duration) RouterOption {
	return func(o *routerOptions) {
		o.limiter = limiter
		o.rateLimit = limit
		o.rateWindow = window
	}
}

// WithBodyLimit caps request bodies at maxBytes.
func WithBodyLimit(maxBytes int64) RouterOption {
	return func(o *routerOptions) { o.bodyLimit = maxBytes }
}

// WithSlowThreshold sets when requests are logged as slow.
func WithSlowThreshold(d time.Duration) RouterOption {
	return func(o *routerOptions) { o.slowThreshold = d }
}

// WithMetricsRegistry registers HTTP collectors on reg and serves /metrics from it.
func WithMetricsRegistry(reg *prometheus.Registry) RouterOption {
	return func(o *routerOptions) { o.registry = reg }
}

// NewRouter 构建完整的 HTTP 路由。
func NewRouter(logger *slog.Logger, services Services, metricsCfg config.MetricsConfig, opts ...RouterOption) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	options := routerOptions{bodyLimit: defaultBodyLimit, slowThreshold: 500 * time.Millisecond}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	requireServices(services)

	r := chi.NewRouter()
	r.Use(
		chiMiddleware.RequestID,
		chiMiddleware.RealIP,
	)

	if metricsCfg.Enabled {
		mCfg := middleware.DefaultMetricsConfig()
		if metricsCfg.Namespace != "" {
			mCfg.Namespace = metricsCfg.Namespace
		}
		if metricsCfg.Subsystem != "" {
			mCfg.Subsystem = metricsCfg.Subsystem
		}
		if len(metricsCfg.Buckets) > 0 {
			mCfg.Buckets = metricsCfg.Buckets
		}
		if options.registry != nil {
			mCfg.Registerer = options.registry
		}
		r.Use(middleware.NewMetrics(mCfg).Middleware)
	}

	skip := []string{"/healthz", "/metrics"}
	r.Use(
		middleware.StructuredLogger(middleware.LoggingConfig{
			Logger:        logger,
			SlowThreshold: options.slowThreshold,
			SkipPaths:     skip,
		}),
		chiMiddleware.Recoverer,
		middleware.BodyLimit(options.bodyLimit),
		middleware.RateLimit(middleware.RateLimitConfig{
			Limiter:   options.limiter,
			Limit:     options.rateLimit,
			Window:    options.rateWindow,
			SkipPaths: skip,
			Logger:    logger,
		}),
	)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		respondJSON(w, http.StatusOK, map[string]any{
			"status": "ok",
			"ts":     time.Now().UTC().Format(time.RFC3339Nano),
		})
	})

	if metricsCfg.Enabled {
		var metricsHandler http.Handler = promhttp.Handler()
		if options.registry != nil {
			metricsHandler = promhttp.HandlerFor(options.registry, promhttp.HandlerOpts{})
		}
		if metricsCfg.Token != "" {
			r.With(middleware.MetricsGuard(metricsCfg.Token)).Handle("/metrics", metricsHandler)
		} else {
			r.Handle("/metrics", metricsHandler)
		}
	}

	r.Route("/api/v1", func(api chi.Router) {
		registerAPIRoutes(api, logger, services)
	})
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		respondJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
	})
	return r
}

func requireServices(services Services) {
	switch {
	case services.Auth == nil:
		panic("router requires AuthService")
	case services.Nodes == nil:
		panic("router requires NodeService")
	case services.Plans == nil:
		panic("router requires PlanService")
	case services.Subscriptions == nil:
		panic("router requires SubscriptionService")
	case services.Content == nil:
		panic("router requires ContentService")
	case services.Traffic == nil:
		panic("router requires TrafficService")
	case services.AdminUser == nil:
		panic("router requires AdminUserService")
	case services.AdminSystem == nil:
		panic("router requires AdminSystemService")
	}
}

func registerAPIRoutes(r chi.Router, logger *slog.Logger, services Services) {
	authHandler := handler.NewAuthHandler(services.Auth, logger)
	clientHandler := handler.NewClientHandler(services.Content, logger)
	nodeHandler := handler.NewAdminNodeHandler(services.Nodes, services.NodeHealth, logger)
	planHandler := handler.NewAdminPlanHandler(services.Plans, logger)
	subHandler := handler.NewAdminSubscriptionHandler(services.Subscriptions, logger)
	userAdmin := handler.NewAdminUserHandler(services.AdminUser, logger)
	trafficHandler := handler.NewAdminTrafficHandler(services.Traffic, logger)
	systemHandler := handler.NewAdminSystemHandler(services.AdminSystem, services.Jobs, services.JobRunner, logger)
	userHandler := handler.NewUserHandler(handler.UserHandlerDeps{
		Users:         services.AdminUser,
		Plans:         services.Plans,
		Subscriptions: services.Subscriptions,
		Traffic:       services.Traffic,
		Logger:        logger,
	})

	r.Post("/auth/login", authHandler.Login)
	r.Get("/client/subscribe/{token}", clientHandler.Subscribe)

	r.Route("/user", func(user chi.Router) {
		user.Use(middleware.UserGuard(services.Auth))
		user.Get("/me", userHandler.Me)
		user.Get("/plans", userHandler.Plans)
		user.Get("/subscriptions", userHandler.Subscriptions)
		user.Post("/subscriptions", userHandler.RequestSubscription)
		user.Post("/subscriptions/{id}/cancel", userHandler.CancelSubscription)
		user.Get("/traffic", userHandler.Traffic)
	})

	r.Route("/admin", func(admin chi.Router) {
		admin.Use(middleware.AdminGuard(services.Auth))

		admin.Get("/nodes", nodeHandler.List)
		admin.Post("/nodes", nodeHandler.Create)
		admin.Post("/nodes/import", nodeHandler.Import)
		admin.Get("/nodes/{id}", nodeHandler.Get)
		admin.Put("/nodes/{id}", nodeHandler.Update)
		admin.Delete("/nodes/{id}", nodeHandler.Delete)
		admin.Post("/nodes/{id}/check", nodeHandler.Check)

		admin.Get("/plans", planHandler.List)
		admin.Post("/plans", planHandler.Create)
		admin.Get("/plans/{id}", planHandler.Get)
		admin.Put("/plans/{id}", planHandler.Update)
		admin.Delete("/plans/{id}", planHandler.Delete)

		admin.Get("/subscriptions", subHandler.List)
		admin.Get("/subscriptions/{id}", subHandler.Get)
		admin.Post("/subscriptions/{id}/approve", subHandler.Approve)
		admin.Post("/subscriptions/{id}/reject", subHandler.Reject)
		admin.Post("/subscriptions/{id}/expire", subHandler.Expire)

		admin.Get("/users", userAdmin.List)
		admin.Post("/users", userAdmin.Create)
		admin.Get("/users/{id}", userAdmin.Get)
		admin.Put("/users/{id}", userAdmin.Update)
		admin.Delete("/users/{id}", userAdmin.Delete)
		admin.Get("/groups", userAdmin.ListGroups)
		admin.Post("/groups", userAdmin.CreateGroup)
		admin.Put("/groups/{id}", userAdmin.UpdateGroup)
		admin.Delete("/groups/{id}", userAdmin.DeleteGroup)

		admin.Get("/traffic/overview", trafficHandler.Overview)
		admin.Get("/traffic/logs", trafficHandler.Logs)

		admin.Get("/system/status", systemHandler.Status)
		admin.Get("/system/jobs", systemHandler.Jobs)
		admin.Post("/system/jobs/{name}/run", systemHandler.RunJob)
	})
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
