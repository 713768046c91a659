package service

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/creamcroissant/nodeboard/internal/agentclient"
	"github.com/creamcroissant/nodeboard/internal/bootstrap"
	"github.com/creamcroissant/nodeboard/internal/migrations"
	"github.com/creamcroissant/nodeboard/internal/protocol"
	"github.com/creamcroissant/nodeboard/internal/repository"
	"github.com/creamcroissant/nodeboard/internal/repository/sqlite"
	"github.com/creamcroissant/nodeboard/internal/support/logging"
)

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	db, err := bootstrap.OpenSQLite(filepath.Join(t.TempDir(), "nodeboard.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, migrations.Up(db))
	return sqlite.NewStore(db)
}

type agentCall struct {
	NodeID         int64
	SubscriptionID int64
}

// fakeAgent records calls and replays queued traffic samples per (node, subscription).
type fakeAgent struct {
	mu        sync.Mutex
	traffic   map[agentCall][]agentclient.Traffic
	ips       map[agentCall][]string
	failStats map[int64]bool
	added     []agentCall
	removed   []agentCall
	resets    []agentCall
	health    agentclient.Health
	secrets   []string

	// failRemove holds how many RemoveUser calls fail per node before succeeding.
	failRemove map[int64]int
}

func newFakeAgent() *fakeAgent {
	return &fakeAgent{
		traffic:    make(map[agentCall][]agentclient.Traffic),
		ips:        make(map[agentCall][]string),
		failStats:  make(map[int64]bool),
		failRemove: make(map[int64]int),
		health:     agentclient.Health{Online: true, ResponseTimeMs: 5, Version: "test"},
	}
}

func (f *fakeAgent) queue(nodeID, subID int64, samples ...agentclient.Traffic) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := agentCall{nodeID, subID}
	f.traffic[key] = append(f.traffic[key], samples...)
}

func (f *fakeAgent) AddUser(_ context.Context, node protocol.Node, acct agentclient.Account) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.added = append(f.added, agentCall{node.ID, acct.SubscriptionID})
	f.secrets = append(f.secrets, acct.Secret)
	return true
}

func (f *fakeAgent) RemoveUser(_ context.Context, node protocol.Node, acct agentclient.Account) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failRemove[node.ID] > 0 {
		f.failRemove[node.ID]--
		return false
	}
	f.removed = append(f.removed, agentCall{node.ID, acct.SubscriptionID})
	return true
}

func (f *fakeAgent) TrafficStats(_ context.Context, node protocol.Node, acct agentclient.Account) (agentclient.Traffic, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failStats[acct.SubscriptionID] {
		return agentclient.Traffic{}, false
	}
	key := agentCall{node.ID, acct.SubscriptionID}
	queued := f.traffic[key]
	if len(queued) == 0 {
		return agentclient.Traffic{}, true
	}
	f.traffic[key] = queued[1:]
	return queued[0], true
}

func (f *fakeAgent) ConnectedIPs(_ context.Context, node protocol.Node, acct agentclient.Account) ([]string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ips[agentCall{node.ID, acct.SubscriptionID}], true
}

func (f *fakeAgent) ResetTraffic(ctx context.Context, node protocol.Node, acct agentclient.Account) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ctx.Err() != nil {
		return false
	}
	f.resets = append(f.resets, agentCall{node.ID, acct.SubscriptionID})
	return true
}

func (f *fakeAgent) CheckHealth(context.Context, protocol.Node) agentclient.Health {
	return f.health
}

func (f *fakeAgent) removedFor(subID int64) []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	var nodes []int64
	for _, call := range f.removed {
		if call.SubscriptionID == subID {
			nodes = append(nodes, call.NodeID)
		}
	}
	return nodes
}

// fixture bundles the services most tests need.
type fixture struct {
	store   *sqlite.Store
	agent   *fakeAgent
	nodes   NodeService
	plans   PlanService
	subs    SubscriptionService
	traffic TrafficService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := newTestStore(t)
	agent := newFakeAgent()
	logger := logging.Discard()
	subs := NewSubscriptionService(store, agent, logger)
	return &fixture{
		store:   store,
		agent:   agent,
		nodes:   NewNodeService(store.Nodes(), logger, WithNodeSyncer(subs)),
		plans:   NewPlanService(store, logger),
		subs:    subs,
		traffic: NewTrafficService(store, agent, subs, logger),
	}
}

func (f *fixture) node(t *testing.T, address string, tags ...string) *NodeView {
	t.Helper()
	view, err := f.nodes.Import(context.Background(), NodeImportInput{
		URI:  fmt.Sprintf("vless://node-secret@%s:443?security=tls#%s", address, address),
		Tags: tags,
	})
	require.NoError(t, err)
	return view
}

func (f *fixture) user(t *testing.T, email string) *repository.User {
	t.Helper()
	user := &repository.User{UUID: uuid.NewString(), Email: email, Password: "x"}
	require.NoError(t, f.store.Users().Create(context.Background(), user))
	return user
}

func (f *fixture) plan(t *testing.T, input PlanInput) *PlanView {
	t.Helper()
	if input.Name == "" {
		input.Name = "basic"
	}
	if input.DurationDays == 0 {
		input.DurationDays = 30
	}
	view, err := f.plans.Create(context.Background(), input)
	require.NoError(t, err)
	return view
}

// activeSubscription requests and approves a subscription.
func (f *fixture) activeSubscription(t *testing.T, userID, planID int64) *SubscriptionView {
	t.Helper()
	ctx := context.Background()
	pending, err := f.subs.Request(ctx, userID, planID)
	require.NoError(t, err)
	active, err := f.subs.Approve(ctx, pending.ID)
	require.NoError(t, err)
	return active
}

func gb(n float64) agentclient.Traffic {
	half := int64(n*bytesPerGB) / 2
	return agentclient.Traffic{Uplink: half, Downlink: int64(n*bytesPerGB) - half}
}
