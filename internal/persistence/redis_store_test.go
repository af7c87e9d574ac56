package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/suite"

	"github.com/petrijr/correl/internal/testutil"
	"github.com/petrijr/correl/pkg/api"
)

const redisTestPrefix = "correl:test:"

type RedisStoreTestSuite struct {
	suite.Suite
	client *redis.Client
	store  *RedisStore
	ctx    context.Context
}

func TestRedisStoreTestSuite(t *testing.T) {
	ts := new(RedisStoreTestSuite)
	ts.client = redis.NewClient(&redis.Options{Addr: testutil.GetRedisAddress(t)})
	t.Cleanup(func() { _ = ts.client.Close() })
	ts.store = NewRedisStore(ts.client, redisTestPrefix)
	ts.ctx = context.Background()
	suite.Run(t, ts)
}

func (r *RedisStoreTestSuite) SetupTest() {
	// Clean up all keys with this prefix.
	iter := r.client.Scan(r.ctx, 0, redisTestPrefix+"*", 0).Iterator()
	for iter.Next(r.ctx) {
		r.NoError(r.client.Del(r.ctx, iter.Val()).Err(), "redis DEL failed")
	}
	r.NoError(iter.Err(), "redis SCAN failed")
}

func (r *RedisStoreTestSuite) TestSubscriptionRoundTrip() {
	sub := &api.EventSubscription{
		ID:                        "rd-sub-1",
		EventType:                 "order.created",
		CorrelationKey:            "orderId=A-1",
		ScopeKind:                 api.ScopeProcessDefinition,
		TenantID:                  "acme",
		CreatedTime:               time.Now().UTC(),
		CorrelationParameterNames: []string{"orderId"},
		AutoUpdate:                true,
	}
	r.NoError(r.store.CreateSubscription(r.ctx, sub))

	got, err := r.store.GetSubscription(r.ctx, "rd-sub-1")
	r.NoError(err)
	r.Equal("order.created", got.EventType)
	r.Equal("orderId=A-1", got.CorrelationKey)
	r.Equal([]string{"orderId"}, got.CorrelationParameterNames)
	r.Empty(got.LockOwner)

	found, err := r.store.FindSubscriptions(r.ctx, api.SubscriptionQuery{EventType: "order.created"})
	r.NoError(err)
	r.Len(found, 1)

	r.NoError(r.store.DeleteSubscription(r.ctx, "rd-sub-1"))
	_, err = r.store.GetSubscription(r.ctx, "rd-sub-1")
	r.ErrorIs(err, ErrSubscriptionNotFound)
}

func (r *RedisStoreTestSuite) TestDispatchLock() {
	sub := &api.EventSubscription{ID: "rd-lock-1", EventType: "order.created", CreatedTime: time.Now()}
	r.NoError(r.store.CreateSubscription(r.ctx, sub))

	ok, err := r.store.TryLockSubscription(r.ctx, "rd-lock-1", "owner-1", time.Minute)
	r.NoError(err)
	r.True(ok, "first lock should acquire")

	ok, err = r.store.TryLockSubscription(r.ctx, "rd-lock-1", "owner-2", time.Minute)
	r.NoError(err)
	r.False(ok, "live lock must not be stolen")

	// Locked subscriptions are hidden from ExcludeLocked queries.
	found, err := r.store.FindSubscriptions(r.ctx, api.SubscriptionQuery{EventType: "order.created", ExcludeLocked: true})
	r.NoError(err)
	r.Empty(found)

	r.NoError(r.store.UnlockSubscription(r.ctx, "rd-lock-1", "owner-1"))
	ok, err = r.store.TryLockSubscription(r.ctx, "rd-lock-1", "owner-2", time.Minute)
	r.NoError(err)
	r.True(ok, "released lock is acquirable")
}

func (r *RedisStoreTestSuite) TestLockExpiresByTTL() {
	sub := &api.EventSubscription{ID: "rd-ttl-1", EventType: "order.created", CreatedTime: time.Now()}
	r.NoError(r.store.CreateSubscription(r.ctx, sub))

	ok, err := r.store.TryLockSubscription(r.ctx, "rd-ttl-1", "crashed-owner", 50*time.Millisecond)
	r.NoError(err)
	r.True(ok)

	time.Sleep(100 * time.Millisecond)

	ok, err = r.store.TryLockSubscription(r.ctx, "rd-ttl-1", "owner-2", time.Minute)
	r.NoError(err)
	r.True(ok, "expired lock should be acquirable")
}

func (r *RedisStoreTestSuite) TestDefinitionsAndMarker() {
	v1 := api.Definition{ID: "rd-d1", Kind: api.KindEvent, Key: "order.created", Version: 1, DeployedAt: time.Now().UTC()}
	v2 := api.Definition{ID: "rd-d2", Kind: api.KindEvent, Key: "order.created", Version: 2, DeployedAt: time.Now().UTC()}
	r.NoError(r.store.SaveDefinition(r.ctx, v1))
	r.NoError(r.store.SaveDefinition(r.ctx, v2))
	r.ErrorIs(r.store.SaveDefinition(r.ctx, api.Definition{ID: "rd-d3", Kind: api.KindEvent, Key: "order.created", Version: 2}), ErrDuplicateDefinition)

	latest, err := r.store.LatestDefinition(r.ctx, api.KindEvent, "order.created", "")
	r.NoError(err)
	r.Equal("rd-d2", latest.ID)

	marker, err := r.store.ChangeMarker(r.ctx)
	r.NoError(err)
	r.EqualValues(0, marker)

	r.NoError(r.store.BumpChangeMarker(r.ctx))
	marker, err = r.store.ChangeMarker(r.ctx)
	r.NoError(err)
	r.EqualValues(1, marker)
}
