package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/creamcroissant/nodeboard/internal/repository"
)

func TestSubscriptionApproveProvisionsQualifyingNodes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	vip := f.node(t, "1.1.1.1", "vip")
	f.node(t, "2.2.2.2", "basic")
	target := &repository.UserGroup{Name: "vip"}
	require.NoError(t, f.store.UserGroups().Create(ctx, target))

	plan := f.plan(t, PlanInput{TrafficGB: 50, DeviceLimit: 2, Tags: []string{"vip"}, TargetGroupID: &target.ID})
	user := f.user(t, "a@example.com")

	pending, err := f.subs.Request(ctx, user.ID, plan.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.SubscriptionPending, pending.Status)
	assert.Nil(t, pending.StartAt)
	assert.Len(t, pending.Token, 32)

	_, err = f.subs.Request(ctx, user.ID, plan.ID)
	assert.ErrorIs(t, err, ErrDuplicateSubscription)

	before := time.Now().Unix()
	active, err := f.subs.Approve(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.SubscriptionActive, active.Status)
	require.NotNil(t, active.StartAt)
	require.NotNil(t, active.EndAt)
	assert.GreaterOrEqual(t, *active.StartAt, before)
	assert.Equal(t, *active.StartAt+30*secondsPerDay, *active.EndAt)
	assert.Equal(t, 50.0, active.TotalTrafficGB)

	assert.Equal(t, []agentCall{{NodeID: vip.ID, SubscriptionID: active.ID}}, f.agent.added)
	assert.Equal(t, []string{user.UUID}, f.agent.secrets)

	reloaded, err := f.store.Users().FindByID(ctx, user.ID)
	require.NoError(t, err)
	require.NotNil(t, reloaded.GroupID)
	assert.Equal(t, target.ID, *reloaded.GroupID)

	_, err = f.subs.Approve(ctx, pending.ID)
	assert.ErrorIs(t, err, ErrStateConflict)

	mine, err := f.subs.ListForUser(ctx, user.ID)
	require.NoError(t, err)
	assert.Len(t, mine, 1)
}

func TestSubscriptionRequestRules(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	user := f.user(t, "a@example.com")
	inactive := false
	closed := f.plan(t, PlanInput{Name: "closed", Active: &inactive})

	_, err := f.subs.Request(ctx, user.ID, closed.ID)
	assert.ErrorIs(t, err, ErrPlanUnavailable)
	_, err = f.subs.Request(ctx, user.ID, 999)
	assert.ErrorIs(t, err, ErrPlanUnavailable)
	_, err = f.subs.Request(ctx, 999, closed.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	banned := f.user(t, "b@example.com")
	banned.Banned = true
	require.NoError(t, f.store.Users().Update(ctx, banned))
	open := f.plan(t, PlanInput{Name: "open"})
	_, err = f.subs.Request(ctx, banned.ID, open.ID)
	assert.ErrorIs(t, err, ErrAccountDisabled)
}

func TestSubscriptionRejectAndCancel(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	plan := f.plan(t, PlanInput{})
	alice := f.user(t, "a@example.com")
	bob := f.user(t, "b@example.com")

	first, err := f.subs.Request(ctx, alice.ID, plan.ID)
	require.NoError(t, err)
	rejected, err := f.subs.Reject(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.SubscriptionCancelled, rejected.Status)

	_, err = f.subs.Reject(ctx, first.ID)
	assert.ErrorIs(t, err, ErrStateConflict)

	second, err := f.subs.Request(ctx, alice.ID, plan.ID)
	require.NoError(t, err)

	_, err = f.subs.Cancel(ctx, bob.ID, second.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	cancelled, err := f.subs.Cancel(ctx, alice.ID, second.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.SubscriptionCancelled, cancelled.Status)

	active := f.activeSubscription(t, bob.ID, plan.ID)
	_, err = f.subs.Cancel(ctx, bob.ID, active.ID)
	assert.ErrorIs(t, err, ErrStateConflict)

	page, err := f.subs.List(ctx, SubscriptionListInput{Status: repository.SubscriptionCancelled})
	require.NoError(t, err)
	assert.Equal(t, int64(2), page.Total)
}

func TestExpireIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := f.node(t, "1.1.1.1")
	b := f.node(t, "2.2.2.2")
	plan := f.plan(t, PlanInput{})
	sub := f.activeSubscription(t, f.user(t, "a@example.com").ID, plan.ID)

	expired, err := f.subs.Expire(ctx, sub.ID)
	require.NoError(t, err)
	assert.True(t, expired)

	expired, err = f.subs.Expire(ctx, sub.ID)
	require.NoError(t, err)
	assert.False(t, expired)

	assert.ElementsMatch(t, []int64{a.ID, b.ID}, f.agent.removedFor(sub.ID))

	got, err := f.subs.Get(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.SubscriptionExpired, got.Status)
	assert.NotNil(t, got.RevokedAt)

	_, err = f.subs.Expire(ctx, 999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestExpireConcurrentCallersRevokeOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	node := f.node(t, "1.1.1.1")
	sub := f.activeSubscription(t, f.user(t, "a@example.com").ID, f.plan(t, PlanInput{}).ID)

	var wg sync.WaitGroup
	results := make([]bool, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := f.subs.Expire(ctx, sub.ID)
			assert.NoError(t, err)
			results[i] = ok
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, ok := range results {
		if ok {
			winners++
		}
	}
	assert.Equal(t, 1, winners)
	assert.Equal(t, []int64{node.ID}, f.agent.removedFor(sub.ID))
}

func TestExpireDue(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.node(t, "1.1.1.1")
	short := f.plan(t, PlanInput{Name: "short", DurationDays: 1})
	long := f.plan(t, PlanInput{Name: "long", DurationDays: 60})
	user := f.user(t, "a@example.com")
	due := f.activeSubscription(t, user.ID, short.ID)
	current := f.activeSubscription(t, user.ID, long.ID)

	svc := f.subs.(*subscriptionService)
	svc.now = func() time.Time { return time.Now().Add(48 * time.Hour) }

	summary, err := svc.ExpireDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, ExpirySummary{Checked: 1, Expired: 1}, summary)

	got, err := f.subs.Get(ctx, due.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.SubscriptionExpired, got.Status)
	got, err = f.subs.Get(ctx, current.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.SubscriptionActive, got.Status)

	summary, err = svc.ExpireDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, ExpirySummary{}, summary)
}

func TestExpireRetriesFailedRevoke(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := f.node(t, "1.1.1.1")
	b := f.node(t, "2.2.2.2")
	sub := f.activeSubscription(t, f.user(t, "a@example.com").ID, f.plan(t, PlanInput{}).ID)
	f.agent.failRemove[b.ID] = 2

	expired, err := f.subs.Expire(ctx, sub.ID)
	assert.True(t, expired)
	assert.ErrorIs(t, err, ErrRevokeIncomplete)
	assert.Equal(t, []int64{a.ID}, f.agent.removedFor(sub.ID))

	got, err := f.subs.Get(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.SubscriptionExpired, got.Status)
	assert.Nil(t, got.RevokedAt)

	// A second manual expire loses the claim and leaves the retry to the job.
	expired, err = f.subs.Expire(ctx, sub.ID)
	require.NoError(t, err)
	assert.False(t, expired)

	svc := f.subs.(*subscriptionService)
	summary, err := svc.ExpireDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, ExpirySummary{}, summary, "rows inside the grace window are left alone")

	svc.now = func() time.Time { return time.Now().Add(2 * revokeRetryGrace) }
	summary, err = svc.ExpireDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, ExpirySummary{Failed: 1}, summary)

	summary, err = svc.ExpireDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, ExpirySummary{Revoked: 1}, summary)
	assert.ElementsMatch(t, []int64{a.ID, a.ID, a.ID, b.ID}, f.agent.removedFor(sub.ID))

	got, err = f.subs.Get(ctx, sub.ID)
	require.NoError(t, err)
	require.NotNil(t, got.RevokedAt)

	summary, err = svc.ExpireDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, ExpirySummary{}, summary)
	assert.Len(t, f.agent.removedFor(sub.ID), 4)
}

func TestExpireDueCountsIncompleteRevoke(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	node := f.node(t, "1.1.1.1")
	sub := f.activeSubscription(t, f.user(t, "a@example.com").ID, f.plan(t, PlanInput{DurationDays: 1}).ID)
	f.agent.failRemove[node.ID] = 1

	svc := f.subs.(*subscriptionService)
	svc.now = func() time.Time { return time.Now().Add(48 * time.Hour) }

	summary, err := svc.ExpireDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, ExpirySummary{Checked: 1, Expired: 1, Failed: 1}, summary)
	assert.Empty(t, f.agent.removedFor(sub.ID))

	summary, err = svc.ExpireDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, ExpirySummary{Revoked: 1}, summary)
	assert.Equal(t, []int64{node.ID}, f.agent.removedFor(sub.ID))
}

func TestSyncNodeProvisionsNewlyQualifyingNodes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.node(t, "1.1.1.1", "vip")
	vipPlan := f.plan(t, PlanInput{Name: "vip", Tags: []string{"vip"}})
	allPlan := f.plan(t, PlanInput{Name: "all"})
	user := f.user(t, "a@example.com")
	vipSub := f.activeSubscription(t, user.ID, vipPlan.ID)
	allSub := f.activeSubscription(t, user.ID, allPlan.ID)
	f.agent.added = nil

	inactive := false
	late, err := f.nodes.Import(ctx, NodeImportInput{URI: "vless://node-secret@2.2.2.2:443#late", Tags: []string{"basic"}, Active: &inactive})
	require.NoError(t, err)
	assert.Empty(t, f.agent.added)

	active := true
	_, err = f.nodes.Update(ctx, late.ID, NodeUpdateInput{Active: &active})
	require.NoError(t, err)
	assert.Equal(t, []agentCall{{NodeID: late.ID, SubscriptionID: allSub.ID}}, f.agent.added)

	tags := []string{"basic", "vip"}
	_, err = f.nodes.Update(ctx, late.ID, NodeUpdateInput{Tags: &tags})
	require.NoError(t, err)
	assert.Equal(t, []agentCall{
		{NodeID: late.ID, SubscriptionID: allSub.ID},
		{NodeID: late.ID, SubscriptionID: vipSub.ID},
	}, f.agent.added)

	name := "renamed"
	_, err = f.nodes.Update(ctx, late.ID, NodeUpdateInput{Name: &name})
	require.NoError(t, err)
	assert.Len(t, f.agent.added, 2)

	fresh := f.node(t, "3.3.3.3", "vip")
	assert.ElementsMatch(t, []agentCall{
		{NodeID: late.ID, SubscriptionID: allSub.ID},
		{NodeID: late.ID, SubscriptionID: vipSub.ID},
		{NodeID: fresh.ID, SubscriptionID: allSub.ID},
		{NodeID: fresh.ID, SubscriptionID: vipSub.ID},
	}, f.agent.added)
}
