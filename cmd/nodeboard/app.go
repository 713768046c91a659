// 文件路径: cmd/nodeboard/app.go
// 模块说明: 组装数据库、基础设施、服务与后台任务，供 serve 与各子命令复用。
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/creamcroissant/nodeboard/internal/agentclient"
	"github.com/creamcroissant/nodeboard/internal/api"
	"github.com/creamcroissant/nodeboard/internal/bootstrap"
	"github.com/creamcroissant/nodeboard/internal/config"
	"github.com/creamcroissant/nodeboard/internal/job"
	"github.com/creamcroissant/nodeboard/internal/migrations"
	"github.com/creamcroissant/nodeboard/internal/protocol"
	"github.com/creamcroissant/nodeboard/internal/repository/sqlite"
	"github.com/creamcroissant/nodeboard/internal/service"
	"github.com/creamcroissant/nodeboard/internal/support/logging"
)

type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	db        *sql.DB
	store     *sqlite.Store
	infra     *bootstrap.Infrastructure
	services  api.Services
	scheduler *job.Scheduler
}

func newLogger(cfg *config.Config) *slog.Logger {
	return logging.New(logging.Options{
		Level:     cfg.Log.SlogLevel(),
		Format:    cfg.Log.Format,
		AddSource: cfg.Log.AddSource,
	})
}

// openStore opens the database and applies pending migrations.
func openStore(cfg *config.Config) (*sql.DB, *sqlite.Store, error) {
	db, err := bootstrap.OpenSQLite(cfg.DB.Path)
	if err != nil {
		return nil, nil, err
	}
	if err := migrations.Up(db); err != nil {
		db.Close()
		return nil, nil, err
	}
	return db, sqlite.NewStore(db), nil
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, startedAt time.Time) (*app, error) {
	db, store, err := openStore(cfg)
	if err != nil {
		return nil, err
	}

	signingKey, source, err := bootstrap.ResolveJWTSigningKey(ctx, db, cfg.Auth.SigningKey, time.Now)
	if err != nil {
		db.Close()
		return nil, err
	}
	logger.Info("jwt signing key loaded", "source", string(source))

	infra, err := bootstrap.BuildInfrastructure(cfg.Auth, signingKey, logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	agent := agentclient.NewClient(cfg.Agent, logger)
	subs := service.NewSubscriptionService(store, agent, logger)
	traffic := service.NewTrafficService(store, agent, subs, logger, service.WithResetTimeout(cfg.Agent.CallBudget()))
	health := service.NewNodeHealthService(store.Nodes(), agent, logger)

	scheduler := job.NewScheduler(logger, cfg.Jobs.Timeout)
	jobs := []struct {
		spec     string
		runnable job.Runnable
	}{
		{cfg.Jobs.Reconcile, job.NewTrafficReconcileJob(traffic, cfg.Jobs.ReconcileConcurrency, logger)},
		{cfg.Jobs.Expiry, job.NewSubscriptionExpiryJob(subs, logger)},
		{cfg.Jobs.Health, job.NewNodeHealthJob(health, logger)},
		{cfg.Jobs.Cleanup, job.NewTrafficLogCleanupJob(traffic, time.Duration(cfg.Jobs.TrafficRetentionDays)*24*time.Hour, logger)},
	}
	for _, j := range jobs {
		if _, err := scheduler.Register(j.spec, j.runnable); err != nil {
			db.Close()
			return nil, err
		}
	}

	services := api.Services{
		Auth:          service.NewAuthService(store.Users(), infra.Hasher, infra.Token, infra.RateLimiter, infra.Audit, infra.Cache),
		Nodes:         service.NewNodeService(store.Nodes(), logger, service.WithNodeSyncer(subs)),
		NodeHealth:    health,
		Plans:         service.NewPlanService(store, logger),
		Subscriptions: subs,
		Content:       service.NewContentService(store, protocol.NewDefaultManager(), infra.RateLimiter, cfg.Subscription, logger),
		Traffic:       traffic,
		AdminUser:     service.NewAdminUserService(store.Users(), store.UserGroups(), infra.Hasher, logger),
		AdminSystem: service.NewAdminSystemService(service.AdminSystemOptions{
			Version:     Version,
			Environment: cfg.Log.Environment,
			StartedAt:   startedAt,
			DataPath:    cfg.DB.Path,
			Store:       store,
			Jobs:        scheduler,
		}),
		Jobs:      scheduler,
		JobRunner: scheduler,
	}

	return &app{
		cfg:       cfg,
		logger:    logger,
		db:        db,
		store:     store,
		infra:     infra,
		services:  services,
		scheduler: scheduler,
	}, nil
}

func (a *app) Close() error {
	if a == nil || a.db == nil {
		return nil
	}
	if err := a.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}
