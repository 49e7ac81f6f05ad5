package manager

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/genesishq/genesis/pkg/cloud"
	"github.com/genesishq/genesis/pkg/config"
	"github.com/genesishq/genesis/pkg/store/storetest"
)

func testConfig() *config.Config {
	queues := config.DefaultQueues()
	// single worker per queue keeps the test quiet
	for name, q := range queues {
		q.Concurrency = 1
		queues[name] = q
	}
	return &config.Config{
		Port:     0,
		Version:  "test",
		DryRun:   true,
		Queues:   queues,
		Governor: config.GovernorConfig{GlobalMaxConcurrent: 10, PerAccountMaxConcurrent: 2, CircuitBreakerThreshold: 5, CircuitBreakerReset: time.Second},

		WatchdogInterval:        time.Hour,
		HeartbeatTimeout:        5 * time.Minute,
		ScaleAlertsInterval:     time.Hour,
		HeartbeatFlushInterval:  10 * time.Second,
		GracefulShutdownTimeout: 2 * time.Second,
		DLQRetention:            30 * 24 * time.Hour,
		DLQAlertThreshold:       100,
		IdempotencyWindow:       5 * time.Minute,
		SidecarTimeout:          time.Second,
		CloudAPITimeout:         time.Second,
		HibernateInactivityDays: 7,
		HibernateLoginDays:      14,
		WakeGap:                 time.Second,
		PreWarmMinutes:          10,
		AutoHibernateAfterHours: 4,
	}
}

func TestManagerLifecycle(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	ctx := context.Background()
	m, err := New(ctx, testConfig(), Options{
		Store: storetest.New(),
		Redis: rdb,
		Cloud: cloud.NewDryRun(),
	})
	require.NoError(t, err)
	require.NoError(t, m.Start(ctx))

	stats := m.Workers().Stats()
	for _, queue := range []string{
		config.QueueIgnition,
		config.QueueTeardown,
		config.QueueWorkflowUpdate,
		config.QueueSidecarUpdate,
		config.QueueCredentialInject,
		config.QueueHardReboot,
		config.QueueWakeDroplet,
	} {
		require.Contains(t, stats, queue)
		assert.Equal(t, 1, stats[queue].Workers)
	}

	require.NoError(t, m.Shutdown(ctx))
}

func TestManagerShutdownCompletesWithinDrainBudget(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	ctx := context.Background()
	m, err := New(ctx, testConfig(), Options{
		Store: storetest.New(),
		Redis: rdb,
		Cloud: cloud.NewDryRun(),
	})
	require.NoError(t, err)
	require.NoError(t, m.Start(ctx))

	done := make(chan error, 1)
	go func() { done <- m.Shutdown(ctx) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("shutdown did not complete")
	}
}
