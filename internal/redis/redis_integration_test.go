//go:build integration

package redis_test

import (
	"context"
	"log"
	"os"
	"strings"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcRedis "github.com/testcontainers/testcontainers-go/modules/redis"

	"github.com/ramiqadoumi/tbwo/internal/domain"
	redisstore "github.com/ramiqadoumi/tbwo/internal/redis"
	"github.com/ramiqadoumi/tbwo/internal/router"
)

var testRedisAddr string

func TestMain(m *testing.M) {
	os.Exit(run(m))
}

func run(m *testing.M) int {
	ctx := context.Background()
	ctr, err := tcRedis.Run(ctx, "redis:7-alpine")
	if err != nil {
		log.Fatalf("start redis container: %v", err)
	}
	defer ctr.Terminate(ctx) //nolint:errcheck

	conn, err := ctr.ConnectionString(ctx)
	if err != nil {
		log.Fatalf("redis connection string: %v", err)
	}
	testRedisAddr = strings.TrimPrefix(conn, "redis://")
	return m.Run()
}

func newRedisClient(t *testing.T) *goredis.Client {
	t.Helper()
	client := redisstore.NewClient(testRedisAddr)
	t.Cleanup(func() {
		client.FlushDB(context.Background()) //nolint:errcheck
		client.Close()                       //nolint:errcheck
	})
	return client
}

// ── tests ─────────────────────────────────────────────────────────────────────

func TestStatusStore_RoundTripAndActiveSet(t *testing.T) {
	ctx := context.Background()
	store := redisstore.NewStatusStore(newRedisClient(t))

	require.NoError(t, store.SetStatus(ctx, domain.LiveStatus{
		WorkOrderID: "wo-1", Status: domain.StatusExecuting, Progress: 0.5, TokensUsed: 900,
	}))
	require.NoError(t, store.SetStatus(ctx, domain.LiveStatus{WorkOrderID: "wo-2", Status: domain.StatusPaused}))

	got, err := store.GetStatus(ctx, "wo-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusExecuting, got.Status)
	assert.InDelta(t, 0.5, got.Progress, 1e-9)
	assert.EqualValues(t, 900, got.TokensUsed)
	assert.False(t, got.UpdatedAt.IsZero())

	ids, err := store.ActiveIDs(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"wo-1", "wo-2"}, ids)

	require.NoError(t, store.SetStatus(ctx, domain.LiveStatus{WorkOrderID: "wo-1", Status: domain.StatusCompleted}))
	ids, err = store.ActiveIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"wo-2"}, ids)
}

func TestStatusStore_NotFound(t *testing.T) {
	_, err := redisstore.NewStatusStore(newRedisClient(t)).GetStatus(context.Background(), "nope")
	var nf *domain.WorkOrderNotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "nope", nf.WorkOrderID)
}

func TestModelLimiter_SlidingWindowPerModel(t *testing.T) {
	ctx := context.Background()
	limiter := redisstore.NewModelLimiter(newRedisClient(t), redisstore.ModelLimits{
		Default: 3,
		ByKey:   map[string]int{"openai/gpt-4.1": 1, "local": 0},
	}, 200*time.Millisecond)

	for i := 0; i < 3; i++ {
		ok, err := limiter.Allow(ctx, "openai", "gpt-4o-mini")
		require.NoError(t, err)
		assert.True(t, ok, "call %d should pass", i+1)
	}
	ok, err := limiter.Allow(ctx, "openai", "gpt-4o-mini")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = limiter.Allow(ctx, "openai", "gpt-4.1")
	require.NoError(t, err)
	assert.True(t, ok, "models are limited independently")
	ok, err = limiter.Allow(ctx, "openai", "gpt-4.1")
	require.NoError(t, err)
	assert.False(t, ok, "the model override applies")

	for i := 0; i < 10; i++ {
		ok, err = limiter.Allow(ctx, "local", "llama")
		require.NoError(t, err)
		require.True(t, ok, "a zero limit is unlimited")
	}

	time.Sleep(250 * time.Millisecond)
	ok, err = limiter.Allow(ctx, "openai", "gpt-4o-mini")
	require.NoError(t, err)
	assert.True(t, ok, "window slid past the earlier calls")
}

func TestModelLimiter_RejectedCallsDoNotExtendTheWindow(t *testing.T) {
	ctx := context.Background()
	limiter := redisstore.NewModelLimiter(newRedisClient(t), redisstore.ModelLimits{Default: 1}, 200*time.Millisecond)

	ok, err := limiter.Allow(ctx, "openai", "m")
	require.NoError(t, err)
	require.True(t, ok)
	for i := 0; i < 5; i++ {
		time.Sleep(30 * time.Millisecond)
		ok, err = limiter.Allow(ctx, "openai", "m")
		require.NoError(t, err)
		require.False(t, ok)
	}
	time.Sleep(100 * time.Millisecond)
	ok, err = limiter.Allow(ctx, "openai", "m")
	require.NoError(t, err)
	assert.True(t, ok, "only the admitted call occupies the window")
}

func TestRouterStats_KeepsWindow(t *testing.T) {
	ctx := context.Background()
	stats := redisstore.NewRouterStats(newRedisClient(t), 4)

	for _, ok := range []bool{false, false, true, true, true, false} {
		require.NoError(t, stats.Record(ctx, "cheap-fast", ok))
	}
	got, err := stats.Stats(ctx, "cheap-fast")
	require.NoError(t, err)
	assert.Equal(t, router.Stats{Calls: 4, Successes: 3}, got)

	empty, err := stats.Stats(ctx, "unused")
	require.NoError(t, err)
	assert.Equal(t, 0, empty.Calls)
}

func TestRouterStats_DrivesAdaptiveRouting(t *testing.T) {
	ctx := context.Background()
	stats := redisstore.NewRouterStats(newRedisClient(t), 100)
	base, err := router.New(router.Config{
		Default: router.Target{Provider: "p", Model: "cheap"},
		Models: []router.ModelSpec{
			{Name: "cheap", Provider: "p", Tier: router.TierCheap},
			{Name: "better", Provider: "p", Tier: router.TierMid},
		},
	})
	require.NoError(t, err)
	ad := router.NewAdaptive(base, stats)

	for i := 0; i < 12; i++ {
		ad.Observe(ctx, "cheap", i%3 == 0)
	}
	d := ad.Resolve(ctx, domain.RoleQA, "review")
	assert.Equal(t, "better", d.Model)
	assert.Contains(t, d.Reason, "33%")
}

func TestLeader_SingleHolder(t *testing.T) {
	ctx := context.Background()
	client := newRedisClient(t)
	a := redisstore.NewLeader(client, "watchdog:leader", "a", time.Second)
	b := redisstore.NewLeader(client, "watchdog:leader", "b", time.Second)

	ok, err := a.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = a.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok, "holder renews")

	require.NoError(t, b.Release(ctx), "non-holder release is a no-op")
	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, a.Release(ctx))
	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}
