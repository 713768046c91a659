package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/creamcroissant/nodeboard/internal/protocol"
	"github.com/creamcroissant/nodeboard/internal/repository"
)

func TestReconcileAccumulatesAndExpiresOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := f.node(t, "1.1.1.1", "vip")
	b := f.node(t, "2.2.2.2", "vip")
	f.node(t, "3.3.3.3", "other")
	plan := f.plan(t, PlanInput{TrafficGB: 10, Tags: []string{"vip"}})
	sub := f.activeSubscription(t, f.user(t, "a@example.com").ID, plan.ID)

	f.agent.queue(a.ID, sub.ID, gb(4), gb(4), gb(4))

	for pass := 1; pass <= 2; pass++ {
		summary, err := f.traffic.ReconcileNode(ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, summary.Recorded, "pass %d", pass)
		assert.Zero(t, summary.Expired, "pass %d", pass)
	}
	got, err := f.subs.Get(ctx, sub.ID)
	require.NoError(t, err)
	assert.InDelta(t, 8.0, got.UsedTrafficGB, 1e-9)
	assert.Equal(t, repository.SubscriptionActive, got.Status)
	assert.Empty(t, f.agent.removedFor(sub.ID))

	summary, err := f.traffic.ReconcileNode(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Expired)

	got, err = f.subs.Get(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.SubscriptionExpired, got.Status)
	assert.InDelta(t, 12.0, got.UsedTrafficGB, 1e-9)
	assert.ElementsMatch(t, []int64{a.ID, b.ID}, f.agent.removedFor(sub.ID))

	logs, err := f.traffic.Logs(ctx, TrafficLogQuery{SubscriptionID: &sub.ID})
	require.NoError(t, err)
	assert.Equal(t, int64(3), logs.Total)
	assert.Len(t, f.agent.resets, 3)

	// Expired subscriptions drop out of later passes.
	summary, err = f.traffic.ReconcileNode(ctx, a.ID)
	require.NoError(t, err)
	assert.Zero(t, summary.Checked)
	assert.ElementsMatch(t, []int64{a.ID, b.ID}, f.agent.removedFor(sub.ID))
}

func TestReconcileSkipsZeroTrafficAndUnlimitedPlans(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	node := f.node(t, "1.1.1.1")
	unlimited := f.plan(t, PlanInput{TrafficGB: 0})
	sub := f.activeSubscription(t, f.user(t, "a@example.com").ID, unlimited.ID)

	summary, err := f.traffic.ReconcileNode(ctx, node.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Checked)
	assert.Zero(t, summary.Recorded)
	assert.Empty(t, f.agent.resets)

	f.agent.queue(node.ID, sub.ID, gb(500))
	summary, err = f.traffic.ReconcileNode(ctx, node.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Recorded)
	assert.Zero(t, summary.Expired)

	got, err := f.subs.Get(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.SubscriptionActive, got.Status)
}

func TestReconcileDeviceCount(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	node := f.node(t, "1.1.1.1")
	limited := f.plan(t, PlanInput{Name: "limited", DeviceLimit: 2})
	unlimited := f.plan(t, PlanInput{Name: "unlimited", DeviceLimit: 0})
	user := f.user(t, "a@example.com")
	over := f.activeSubscription(t, user.ID, limited.ID)
	free := f.activeSubscription(t, user.ID, unlimited.ID)

	f.agent.ips[agentCall{node.ID, over.ID}] = []string{"1.1.1.1", "2.2.2.2", "3.3.3.3"}
	f.agent.ips[agentCall{node.ID, free.ID}] = []string{"1.1.1.1", "2.2.2.2", "3.3.3.3", "4.4.4.4"}

	var flagged []int64
	svc := f.traffic.(*trafficService)
	svc.onDeviceLimit = func(_ context.Context, sub *repository.Subscription, _ protocol.Node, ips []string, limit int) {
		flagged = append(flagged, sub.ID)
		assert.Len(t, ips, 3)
		assert.Equal(t, 2, limit)
	}

	summary, err := f.traffic.ReconcileNode(ctx, node.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.OverLimit)
	assert.Equal(t, []int64{over.ID}, flagged)

	got, err := f.subs.Get(ctx, over.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.DeviceCount)
	got, err = f.subs.Get(ctx, free.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, got.DeviceCount)

	// Device count is overwritten each pass.
	f.agent.ips[agentCall{node.ID, over.ID}] = nil
	_, err = f.traffic.ReconcileNode(ctx, node.ID)
	require.NoError(t, err)
	got, err = f.subs.Get(ctx, over.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.DeviceCount)
}

func TestReconcileIsolatesFailures(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	node := f.node(t, "1.1.1.1")
	plan := f.plan(t, PlanInput{})
	broken := f.activeSubscription(t, f.user(t, "a@example.com").ID, plan.ID)
	healthy := f.activeSubscription(t, f.user(t, "b@example.com").ID, plan.ID)

	f.agent.failStats[broken.ID] = true
	f.agent.queue(node.ID, healthy.ID, gb(1))

	summary, err := f.traffic.ReconcileNode(ctx, node.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Checked)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 1, summary.Recorded)

	got, err := f.subs.Get(ctx, healthy.ID)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, got.UsedTrafficGB, 1e-9)
}

func TestReconcileTargetsAndInactiveNode(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := f.node(t, "1.1.1.1")
	b := f.node(t, "2.2.2.2")
	inactive := false
	_, err := f.nodes.Update(ctx, b.ID, NodeUpdateInput{Active: &inactive})
	require.NoError(t, err)

	ids, err := f.traffic.ReconcileTargets(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{a.ID}, ids)

	summary, err := f.traffic.ReconcileNode(ctx, b.ID)
	require.NoError(t, err)
	assert.Zero(t, summary.Checked)

	_, err = f.traffic.ReconcileNode(ctx, 999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTrafficOverviewAndUserLogs(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := f.node(t, "1.1.1.1")
	b := f.node(t, "2.2.2.2")
	plan := f.plan(t, PlanInput{})
	owner := f.user(t, "a@example.com")
	other := f.user(t, "b@example.com")
	sub := f.activeSubscription(t, owner.ID, plan.ID)

	f.agent.queue(a.ID, sub.ID, gb(1))
	f.agent.queue(b.ID, sub.ID, gb(2))
	for _, id := range []int64{a.ID, b.ID} {
		_, err := f.traffic.ReconcileNode(ctx, id)
		require.NoError(t, err)
	}

	overview, err := f.traffic.Overview(ctx, 0)
	require.NoError(t, err)
	require.Len(t, overview.Nodes, 2)
	require.Len(t, overview.Subscriptions, 1)
	assert.Equal(t, int64(3<<30), overview.Uplink+overview.Downlink)
	assert.Equal(t, int64(3<<30), overview.Subscriptions[0].Total)
	names := []string{overview.Nodes[0].Name, overview.Nodes[1].Name}
	assert.ElementsMatch(t, []string{"1.1.1.1", "2.2.2.2"}, names)

	page, err := f.traffic.UserLogs(ctx, owner.ID, TrafficLogQuery{SubscriptionID: &sub.ID})
	require.NoError(t, err)
	assert.Equal(t, int64(2), page.Total)

	_, err = f.traffic.UserLogs(ctx, other.ID, TrafficLogQuery{SubscriptionID: &sub.ID})
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = f.traffic.UserLogs(ctx, owner.ID, TrafficLogQuery{})
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestPruneLogsHonoursRetention(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	node := f.node(t, "1.1.1.1")
	sub := f.activeSubscription(t, f.user(t, "a@example.com").ID, f.plan(t, PlanInput{}).ID)
	f.agent.queue(node.ID, sub.ID, gb(1))
	_, err := f.traffic.ReconcileNode(ctx, node.ID)
	require.NoError(t, err)

	svc := f.traffic.(*trafficService)
	later := time.Now().Add(100 * 24 * time.Hour)
	svc.now = func() time.Time { return later }

	deleted, err := svc.PruneLogs(ctx, 200*24*time.Hour)
	require.NoError(t, err)
	assert.Zero(t, deleted)

	deleted, err = svc.PruneLogs(ctx, 90*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	_, err = svc.PruneLogs(ctx, 0)
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)
}

// cancelAfterRecord cancels the run right after usage has been committed.
type cancelAfterRecord struct {
	repository.SubscriptionRepository
	cancel context.CancelFunc
}

func (c cancelAfterRecord) RecordUsage(ctx context.Context, log *repository.TrafficLog, deltaGB float64) (*repository.Subscription, error) {
	sub, err := c.SubscriptionRepository.RecordUsage(ctx, log, deltaGB)
	c.cancel()
	return sub, err
}

func TestReconcileResetsAfterCancelledRun(t *testing.T) {
	f := newFixture(t)
	node := f.node(t, "1.1.1.1")
	sub := f.activeSubscription(t, f.user(t, "a@example.com").ID, f.plan(t, PlanInput{TrafficGB: 10}).ID)
	f.agent.queue(node.ID, sub.ID, gb(1))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc := f.traffic.(*trafficService)
	svc.subs = cancelAfterRecord{SubscriptionRepository: svc.subs, cancel: cancel}

	summary, err := svc.ReconcileNode(ctx, node.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Recorded)
	assert.Zero(t, summary.ResetFailures)
	assert.Equal(t, []agentCall{{NodeID: node.ID, SubscriptionID: sub.ID}}, f.agent.resets)
	require.Error(t, ctx.Err())

	got, err := f.subs.Get(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, got.UsedTrafficGB, 1e-9)
}

func TestWithResetTimeout(t *testing.T) {
	svc := NewTrafficService(nil, nil, nil, nil, WithResetTimeout(5*time.Second)).(*trafficService)
	assert.Equal(t, 5*time.Second, svc.resetTimeout)

	svc = NewTrafficService(nil, nil, nil, nil, WithResetTimeout(0)).(*trafficService)
	assert.Equal(t, defaultResetTimeout, svc.resetTimeout)
}
