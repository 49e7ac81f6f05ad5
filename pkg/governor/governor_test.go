package governor

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/genesishq/genesis/pkg/config"
	"github.com/genesishq/genesis/pkg/types"
)

func testGovernor(t *testing.T, gcfg config.GovernorConfig, qc config.QueueConfig) (*Governor, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb, gcfg, map[string]config.QueueConfig{qc.Name: qc}), mr
}

func defaultQueue() config.QueueConfig {
	return config.QueueConfig{
		Name:        "ignition",
		Concurrency: 3,
		RateMax:     100,
		RateWindow:  time.Second,
	}
}

func TestAcquireRelease(t *testing.T) {
	g, _ := testGovernor(t, config.GovernorConfig{
		GlobalMaxConcurrent:     10,
		PerAccountMaxConcurrent: 2,
		CircuitBreakerThreshold: 5,
		CircuitBreakerReset:     time.Second,
	}, defaultQueue())

	ctx := context.Background()

	slot, err := g.Acquire(ctx, "ignition", "job-1", "acct-1")
	require.NoError(t, err)
	require.NotNil(t, slot)

	global, perQueue, err := g.InFlight(ctx, "ignition")
	require.NoError(t, err)
	assert.Equal(t, int64(1), global)
	assert.Equal(t, int64(1), perQueue)

	slot.Release()
	slot.Release() // idempotent

	global, perQueue, err = g.InFlight(ctx, "ignition")
	require.NoError(t, err)
	assert.Equal(t, int64(0), global)
	assert.Equal(t, int64(0), perQueue)
}

func TestQueueConcurrencyBound(t *testing.T) {
	g, _ := testGovernor(t, config.GovernorConfig{
		GlobalMaxConcurrent:     10,
		PerAccountMaxConcurrent: 10,
		CircuitBreakerThreshold: 5,
		CircuitBreakerReset:     time.Second,
	}, defaultQueue())

	ctx := context.Background()
	var slots []*Slot
	for i := 0; i < 3; i++ {
		s, err := g.Acquire(ctx, "ignition", "job", "")
		require.NoError(t, err)
		slots = append(slots, s)
	}

	_, err := g.Acquire(ctx, "ignition", "job-4", "")
	require.Error(t, err)
	assert.Equal(t, types.KindGovernorDenied, types.KindOf(err))
	assert.Positive(t, types.RetryAfterOf(err))

	slots[0].Release()
	s, err := g.Acquire(ctx, "ignition", "job-5", "")
	require.NoError(t, err)
	s.Release()
	for _, s := range slots[1:] {
		s.Release()
	}
}

func TestPerAccountBound(t *testing.T) {
	g, _ := testGovernor(t, config.GovernorConfig{
		GlobalMaxConcurrent:     100,
		PerAccountMaxConcurrent: 1,
		CircuitBreakerThreshold: 5,
		CircuitBreakerReset:     time.Second,
	}, config.QueueConfig{Name: "ignition", Concurrency: 50, RateMax: 100, RateWindow: time.Second})

	ctx := context.Background()
	s1, err := g.Acquire(ctx, "ignition", "job-1", "acct-1")
	require.NoError(t, err)

	_, err = g.Acquire(ctx, "ignition", "job-2", "acct-1")
	require.Error(t, err)
	assert.Equal(t, types.KindGovernorDenied, types.KindOf(err))

	// different account is unaffected
	s2, err := g.Acquire(ctx, "ignition", "job-3", "acct-2")
	require.NoError(t, err)

	s1.Release()
	s2.Release()
}

func TestSlidingWindowRateLimit(t *testing.T) {
	g, _ := testGovernor(t, config.GovernorConfig{
		GlobalMaxConcurrent:     1000,
		PerAccountMaxConcurrent: 1000,
		CircuitBreakerThreshold: 50,
		CircuitBreakerReset:     time.Second,
	}, config.QueueConfig{Name: "ignition", Concurrency: 1000, RateMax: 2, RateWindow: time.Second})

	ctx := context.Background()
	s1, err := g.Acquire(ctx, "ignition", "job-1", "")
	require.NoError(t, err)
	s2, err := g.Acquire(ctx, "ignition", "job-2", "")
	require.NoError(t, err)
	s1.Release()
	s2.Release()

	// releases do not refill the window; the third grant within the
	// window must be denied with a positive retry hint
	_, err = g.Acquire(ctx, "ignition", "job-3", "")
	require.Error(t, err)
	assert.Equal(t, types.KindGovernorDenied, types.KindOf(err))
	retryAfter := types.RetryAfterOf(err)
	assert.Positive(t, retryAfter)
	assert.LessOrEqual(t, retryAfter, time.Second)
}

func TestCircuitBreaker(t *testing.T) {
	g, _ := testGovernor(t, config.GovernorConfig{
		GlobalMaxConcurrent:     100,
		PerAccountMaxConcurrent: 100,
		CircuitBreakerThreshold: 3,
		CircuitBreakerReset:     50 * time.Millisecond,
	}, defaultQueue())

	ctx := context.Background()

	for i := 0; i < 3; i++ {
		g.RecordFailure("ignition")
	}
	assert.Equal(t, "open", g.CircuitState("ignition"))

	_, err := g.Acquire(ctx, "ignition", "job-1", "")
	require.Error(t, err)
	assert.Equal(t, types.KindGovernorDenied, types.KindOf(err))

	// after the reset period a probe is allowed and success closes it
	time.Sleep(60 * time.Millisecond)
	s, err := g.Acquire(ctx, "ignition", "probe", "")
	require.NoError(t, err)
	s.Release()
	g.RecordSuccess("ignition")
	assert.Equal(t, "closed", g.CircuitState("ignition"))
}
