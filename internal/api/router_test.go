package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/creamcroissant/nodeboard/internal/agentclient"
	"github.com/creamcroissant/nodeboard/internal/bootstrap"
	"github.com/creamcroissant/nodeboard/internal/config"
	"github.com/creamcroissant/nodeboard/internal/job"
	"github.com/creamcroissant/nodeboard/internal/migrations"
	"github.com/creamcroissant/nodeboard/internal/protocol"
	"github.com/creamcroissant/nodeboard/internal/repository/sqlite"
	"github.com/creamcroissant/nodeboard/internal/service"
	"github.com/creamcroissant/nodeboard/internal/support/logging"
)

// fakeNodeAgent answers the node control API and records request paths.
type fakeNodeAgent struct {
	mu          sync.Mutex
	calls       []string
	failDeletes int
}

func (a *fakeNodeAgent) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	a.calls = append(a.calls, r.Method+" "+r.URL.Path)
	fail := r.Method == http.MethodDelete && a.failDeletes > 0
	if fail {
		a.failDeletes--
	}
	a.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	if fail {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"success":false,"msg":"xray api unavailable"}`))
		return
	}
	if r.URL.Path == "/api/server/status" {
		_, _ = w.Write([]byte(`{"success":true,"data":{"version":"1.8.0","uptime":42}}`))
		return
	}
	_, _ = w.Write([]byte(`{"success":true,"data":{}}`))
}

func (a *fakeNodeAgent) count(prefix string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, call := range a.calls {
		if strings.HasPrefix(call, prefix) {
			n++
		}
	}
	return n
}

type testServer struct {
	t       *testing.T
	handler http.Handler
	agent   *fakeNodeAgent
	users   service.AdminUserService
	sched   *job.Scheduler
}

func newTestServer(t *testing.T, metricsCfg config.MetricsConfig, opts ...RouterOption) *testServer {
	t.Helper()
	logger := logging.Discard()

	db, err := bootstrap.OpenSQLite(filepath.Join(t.TempDir(), "nodeboard.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, migrations.Up(db))
	store := sqlite.NewStore(db)

	infra, err := bootstrap.BuildInfrastructure(config.AuthConfig{BcryptCost: 4}, "router-test-key", logger)
	require.NoError(t, err)

	agent := &fakeNodeAgent{}
	agentSrv := httptest.NewServer(agent)
	t.Cleanup(agentSrv.Close)
	u, err := url.Parse(agentSrv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	client := agentclient.NewClient(config.AgentConfig{ControlPort: port, Timeout: 2 * time.Second, RetryAttempts: 1}, logger)

	subs := service.NewSubscriptionService(store, client, logger)
	traffic := service.NewTrafficService(store, client, subs, logger)
	health := service.NewNodeHealthService(store.Nodes(), client, logger)
	users := service.NewAdminUserService(store.Users(), store.UserGroups(), infra.Hasher, logger)

	sched := job.NewScheduler(logger, time.Minute)
	_, err = sched.Register("", job.NewSubscriptionExpiryJob(subs, logger))
	require.NoError(t, err)

	handler := NewRouter(logger, Services{
		Auth:          service.NewAuthService(store.Users(), infra.Hasher, infra.Token, infra.RateLimiter, infra.Audit, infra.Cache),
		Nodes:         service.NewNodeService(store.Nodes(), logger, service.WithNodeSyncer(subs)),
		NodeHealth:    health,
		Plans:         service.NewPlanService(store, logger),
		Subscriptions: subs,
		Content:       service.NewContentService(store, protocol.NewDefaultManager(), infra.RateLimiter, config.SubscriptionConfig{ProfileTitle: "Board", UpdateIntervalHours: 24}, logger),
		Traffic:       traffic,
		AdminUser:     users,
		AdminSystem:   service.NewAdminSystemService(service.AdminSystemOptions{Version: "test", Store: store, Jobs: sched}),
		Jobs:          sched,
		JobRunner:     sched,
	}, metricsCfg, opts...)

	return &testServer{t: t, handler: handler, agent: agent, users: users, sched: sched}
}

func (s *testServer) do(method, path, token string, body any) *httptest.ResponseRecorder {
	s.t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(s.t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) createUser(email string, admin bool) {
	s.t.Helper()
	_, err := s.users.Create(context.Background(), service.AdminUserCreateInput{Email: email, Password: "password1", IsAdmin: admin})
	require.NoError(s.t, err)
}

func (s *testServer) login(email string) string {
	s.t.Helper()
	rec := s.do(http.MethodPost, "/api/v1/auth/login", "", map[string]string{"email": email, "password": "password1"})
	require.Equal(s.t, http.StatusOK, rec.Code, rec.Body.String())
	var resp struct {
		Data service.LoginResult `json:"data"`
	}
	decode(s.t, rec, &resp)
	require.NotEmpty(s.t, resp.Data.Token)
	return resp.Data.Token
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func TestRouterEndToEnd(t *testing.T) {
	s := newTestServer(t, config.MetricsConfig{})
	s.createUser("admin@example.com", true)
	s.createUser("alice@example.com", false)
	admin := s.login("admin@example.com")
	alice := s.login("alice@example.com")

	rec := s.do(http.MethodPost, "/api/v1/admin/nodes/import", admin, map[string]any{
		"uri":  "vless://0b9c5b2e-4f65-4d8a-9a53-1a5f0b7c2d11@127.0.0.1:443?security=tls&type=tcp#edge",
		"tags": []string{"vip"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var node struct {
		Data service.NodeView `json:"data"`
	}
	decode(t, rec, &node)
	assert.Equal(t, "edge", node.Data.Name)

	rec = s.do(http.MethodPost, "/api/v1/admin/nodes/import", admin, map[string]any{"uri": "vmess://not-base64!!"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = s.do(http.MethodGet, "/api/v1/admin/nodes", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var nodes struct {
		Total int `json:"total"`
	}
	decode(t, rec, &nodes)
	assert.Equal(t, 1, nodes.Total)

	rec = s.do(http.MethodPost, "/api/v1/admin/plans", admin, map[string]any{
		"name": "vip", "duration_days": 30, "traffic_gb": 10, "tags": []string{"vip"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var plan struct {
		Data service.PlanView `json:"data"`
	}
	decode(t, rec, &plan)

	rec = s.do(http.MethodPost, "/api/v1/user/subscriptions", alice, map[string]any{"plan_id": plan.Data.ID})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var sub struct {
		Data service.SubscriptionView `json:"data"`
	}
	decode(t, rec, &sub)
	assert.Equal(t, "pending", sub.Data.Status)

	rec = s.do(http.MethodPost, "/api/v1/user/subscriptions", alice, map[string]any{"plan_id": plan.Data.ID})
	assert.Equal(t, http.StatusConflict, rec.Code)

	subscribePath := "/api/v1/client/subscribe/" + sub.Data.Token
	assert.Equal(t, http.StatusNotFound, s.do(http.MethodGet, subscribePath, "", nil).Code)

	rec = s.do(http.MethodPost, "/api/v1/admin/subscriptions/"+strconv.FormatInt(sub.Data.ID, 10)+"/approve", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 1, s.agent.count("POST /api/inbounds/addClient"))

	rec = s.do(http.MethodGet, subscribePath, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "no-store, no-cache, must-revalidate", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "Board", rec.Header().Get("profile-title"))
	decoded, err := base64.StdEncoding.DecodeString(rec.Body.String())
	require.NoError(t, err)
	assert.Contains(t, string(decoded), "@127.0.0.1:443")

	etag := rec.Header().Get("ETag")
	require.NotEmpty(t, etag)
	req := httptest.NewRequest(http.MethodGet, subscribePath, nil)
	req.Header.Set("If-None-Match", etag)
	cached := httptest.NewRecorder()
	s.handler.ServeHTTP(cached, req)
	assert.Equal(t, http.StatusNotModified, cached.Code)

	rec = s.do(http.MethodPost, "/api/v1/admin/subscriptions/"+strconv.FormatInt(sub.Data.ID, 10)+"/expire", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 1, s.agent.count("DELETE /api/inbounds/client/"))
	rec = s.do(http.MethodPost, "/api/v1/admin/subscriptions/"+strconv.FormatInt(sub.Data.ID, 10)+"/expire", admin, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, 1, s.agent.count("DELETE /api/inbounds/client/"))

	assert.Equal(t, http.StatusNotFound, s.do(http.MethodGet, subscribePath, "", nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(http.MethodGet, "/api/v1/client/subscribe/unknown", "", nil).Code)
}

func TestRouterExpireWithPendingRevoke(t *testing.T) {
	s := newTestServer(t, config.MetricsConfig{})
	s.createUser("admin@example.com", true)
	s.createUser("alice@example.com", false)
	admin := s.login("admin@example.com")
	alice := s.login("alice@example.com")

	rec := s.do(http.MethodPost, "/api/v1/admin/nodes/import", admin, map[string]any{
		"uri": "vless://0b9c5b2e-4f65-4d8a-9a53-1a5f0b7c2d11@127.0.0.1:443?security=tls#edge",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rec = s.do(http.MethodPost, "/api/v1/admin/plans", admin, map[string]any{"name": "all", "duration_days": 30})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var plan struct {
		Data service.PlanView `json:"data"`
	}
	decode(t, rec, &plan)
	rec = s.do(http.MethodPost, "/api/v1/user/subscriptions", alice, map[string]any{"plan_id": plan.Data.ID})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var sub struct {
		Data service.SubscriptionView `json:"data"`
	}
	decode(t, rec, &sub)
	subPath := "/api/v1/admin/subscriptions/" + strconv.FormatInt(sub.Data.ID, 10)
	require.Equal(t, http.StatusOK, s.do(http.MethodPost, subPath+"/approve", admin, nil).Code)

	s.agent.mu.Lock()
	s.agent.failDeletes = 1
	s.agent.mu.Unlock()

	rec = s.do(http.MethodPost, subPath+"/expire", admin, nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var expired struct {
		Data service.SubscriptionView `json:"data"`
	}
	decode(t, rec, &expired)
	assert.Equal(t, "expired", expired.Data.Status)
	assert.Nil(t, expired.Data.RevokedAt)

	assert.Equal(t, http.StatusConflict, s.do(http.MethodPost, subPath+"/expire", admin, nil).Code)
	assert.Equal(t, 1, s.agent.count("DELETE /api/inbounds/client/"))
	assert.Equal(t, http.StatusNotFound, s.do(http.MethodGet, "/api/v1/client/subscribe/"+sub.Data.Token, "", nil).Code)
}

func TestRouterGuards(t *testing.T) {
	s := newTestServer(t, config.MetricsConfig{})
	s.createUser("admin@example.com", true)
	s.createUser("alice@example.com", false)
	alice := s.login("alice@example.com")

	assert.Equal(t, http.StatusUnauthorized, s.do(http.MethodGet, "/api/v1/admin/nodes", "", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, s.do(http.MethodGet, "/api/v1/user/me", "garbage", nil).Code)
	assert.Equal(t, http.StatusForbidden, s.do(http.MethodGet, "/api/v1/admin/nodes", alice, nil).Code)

	rec := s.do(http.MethodGet, "/api/v1/user/me", alice, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var me struct {
		Data service.AdminUserView `json:"data"`
	}
	decode(t, rec, &me)
	assert.Equal(t, "alice@example.com", me.Data.Email)

	rec = s.do(http.MethodPost, "/api/v1/auth/login", "", map[string]string{"email": "alice@example.com", "password": "wrong-pass"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	assert.Equal(t, http.StatusOK, s.do(http.MethodGet, "/healthz", "", nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(http.MethodGet, "/nope", "", nil).Code)
}

func TestRouterAdminValidationAndSelfDelete(t *testing.T) {
	s := newTestServer(t, config.MetricsConfig{})
	s.createUser("admin@example.com", true)
	admin := s.login("admin@example.com")

	rec := s.do(http.MethodPost, "/api/v1/admin/users", admin, map[string]any{"email": "bad", "password": "x"})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	var verr struct {
		Fields map[string]string `json:"fields"`
	}
	decode(t, rec, &verr)
	assert.Contains(t, verr.Fields, "email")

	rec = s.do(http.MethodGet, "/api/v1/user/me", admin, nil)
	var me struct {
		Data service.AdminUserView `json:"data"`
	}
	decode(t, rec, &me)
	rec = s.do(http.MethodDelete, "/api/v1/admin/users/"+strconv.FormatInt(me.Data.ID, 10), admin, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	assert.Equal(t, http.StatusBadRequest, s.do(http.MethodGet, "/api/v1/admin/plans/abc", admin, nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(http.MethodGet, "/api/v1/admin/plans/99", admin, nil).Code)
}

func TestRouterNodeCheckAndJobs(t *testing.T) {
	s := newTestServer(t, config.MetricsConfig{})
	s.createUser("admin@example.com", true)
	admin := s.login("admin@example.com")

	rec := s.do(http.MethodPost, "/api/v1/admin/nodes/import", admin, map[string]any{
		"uri": "vless://0b9c5b2e-4f65-4d8a-9a53-1a5f0b7c2d11@127.0.0.1:443?security=tls#edge",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var node struct {
		Data service.NodeView `json:"data"`
	}
	decode(t, rec, &node)

	rec = s.do(http.MethodPost, "/api/v1/admin/nodes/"+strconv.FormatInt(node.Data.ID, 10)+"/check", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var health struct {
		Data service.NodeHealthView `json:"data"`
	}
	decode(t, rec, &health)
	assert.True(t, health.Data.Online)
	assert.Equal(t, "1.8.0", health.Data.Version)

	rec = s.do(http.MethodPost, "/api/v1/admin/system/jobs/subscription.expiry/run", admin, nil)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = s.do(http.MethodPost, "/api/v1/admin/system/jobs/missing/run", admin, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(http.MethodGet, "/api/v1/admin/system/jobs", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var jobs struct {
		Data []service.JobStatus `json:"data"`
	}
	decode(t, rec, &jobs)
	require.Len(t, jobs.Data, 1)
	assert.Equal(t, int64(1), jobs.Data[0].RunCount)

	rec = s.do(http.MethodGet, "/api/v1/admin/system/status", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var status struct {
		Data service.AdminSystemStatus `json:"data"`
	}
	decode(t, rec, &status)
	assert.Equal(t, 1, status.Data.NodeCount)
	assert.Equal(t, int64(1), status.Data.UserCount)
}

func TestRouterMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	s := newTestServer(t, config.MetricsConfig{Enabled: true, Token: "scrape"}, WithMetricsRegistry(reg))

	assert.Equal(t, http.StatusOK, s.do(http.MethodGet, "/healthz", "", nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(http.MethodGet, "/api/v1/client/subscribe/abc", "", nil).Code)

	assert.Equal(t, http.StatusUnauthorized, s.do(http.MethodGet, "/metrics", "", nil).Code)
	rec := s.do(http.MethodGet, "/metrics", "scrape", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `nodeboard_http_requests_total{method="GET",route="/api/v1/client/subscribe/{token}",status="404"} 1`)
	assert.NotContains(t, body, "subscribe/abc")
}

func TestRouterRateLimit(t *testing.T) {
	logger := logging.Discard()
	infra, err := bootstrap.BuildInfrastructure(config.AuthConfig{BcryptCost: 4}, "k", logger)
	require.NoError(t, err)
	s := newTestServer(t, config.MetricsConfig{}, WithRateLimiter(infra.RateLimiter, 2, time.Minute))

	assert.Equal(t, http.StatusNotFound, s.do(http.MethodGet, "/api/v1/client/subscribe/x", "", nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(http.MethodGet, "/api/v1/client/subscribe/x", "", nil).Code)
	rec := s.do(http.MethodGet, "/api/v1/client/subscribe/x", "", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Equal(t, http.StatusOK, s.do(http.MethodGet, "/healthz", "", nil).Code)
}
