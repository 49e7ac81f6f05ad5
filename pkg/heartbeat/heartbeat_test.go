package heartbeat

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/genesishq/genesis/pkg/config"
	"github.com/genesishq/genesis/pkg/store/storetest"
	"github.com/genesishq/genesis/pkg/types"
)

func testProcessor(t *testing.T) (*Processor, *storetest.Memory, redis.UniversalClient) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	mem := storetest.New()
	// long interval keeps the background flusher quiet; tests flush by hand
	cfg := &config.Config{HeartbeatFlushInterval: 10 * time.Second}
	p := New(rdb, mem, cfg)
	return p, mem, rdb
}

func publish(t *testing.T, rdb redis.UniversalClient, hb types.Heartbeat) {
	t.Helper()
	data, err := json.Marshal(hb)
	require.NoError(t, err)
	require.NoError(t, rdb.Publish(context.Background(), "heartbeat:"+hb.TenantID, data).Err())
}

func seedDroplet(mem *storetest.Memory, tenant string, id int64) {
	mem.AddTenant(types.Tenant{ID: tenant, Slug: tenant})
	mem.AddDroplet(types.Droplet{TenantID: tenant, ProviderID: id, State: types.StateActiveHealthy})
}

func TestLastWriterWinsWithinWindow(t *testing.T) {
	p, mem, rdb := testProcessor(t)
	ctx := context.Background()
	seedDroplet(mem, "t-1", 100)

	require.NoError(t, p.Start(ctx))
	defer p.Stop()

	older := time.Now().Add(-10 * time.Second).UTC().Truncate(time.Second)
	newer := time.Now().UTC().Truncate(time.Second)
	publish(t, rdb, types.Heartbeat{TenantID: "t-1", DropletID: 100, Timestamp: older, CPUPercent: 10})
	publish(t, rdb, types.Heartbeat{TenantID: "t-1", DropletID: 100, Timestamp: newer, CPUPercent: 55})

	require.Eventually(t, func() bool { return p.Buffered() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, p.Flush(ctx))

	d, err := mem.GetDroplet(ctx, "t-1")
	require.NoError(t, err)
	assert.True(t, d.LastHeartbeat.Equal(newer))
	assert.Equal(t, 55.0, d.CPUPercent)
}

func TestFlushCoalescesAcrossTenants(t *testing.T) {
	p, mem, rdb := testProcessor(t)
	ctx := context.Background()
	seedDroplet(mem, "t-1", 100)
	seedDroplet(mem, "t-2", 101)

	require.NoError(t, p.Start(ctx))
	defer p.Stop()

	publish(t, rdb, types.Heartbeat{TenantID: "t-1", DropletID: 100, CPUPercent: 20})
	publish(t, rdb, types.Heartbeat{TenantID: "t-2", DropletID: 101, CPUPercent: 30})

	require.Eventually(t, func() bool { return p.Buffered() == 2 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, p.Flush(ctx))
	assert.Zero(t, p.Buffered())

	d1, _ := mem.GetDroplet(ctx, "t-1")
	d2, _ := mem.GetDroplet(ctx, "t-2")
	assert.Equal(t, 20.0, d1.CPUPercent)
	assert.Equal(t, 30.0, d2.CPUPercent)
}

func TestFailedFlushRebuffersUnlessOverwritten(t *testing.T) {
	p, mem, rdb := testProcessor(t)
	ctx := context.Background()
	seedDroplet(mem, "t-1", 100)
	seedDroplet(mem, "t-2", 101)

	require.NoError(t, p.Start(ctx))
	defer p.Stop()

	stale := time.Now().Add(-5 * time.Second).UTC().Truncate(time.Second)
	publish(t, rdb, types.Heartbeat{TenantID: "t-1", DropletID: 100, Timestamp: stale, CPUPercent: 11})
	publish(t, rdb, types.Heartbeat{TenantID: "t-2", DropletID: 101, Timestamp: stale, CPUPercent: 12})
	require.Eventually(t, func() bool { return p.Buffered() == 2 }, 2*time.Second, 5*time.Millisecond)

	mem.UpsertErr = errors.New("store down")
	require.Error(t, p.Flush(ctx))
	assert.Equal(t, 2, p.Buffered(), "failed batch returns to the buffer")
	assert.Equal(t, 1, p.Status().ErrorCount)

	// a fresh reading for t-1 lands while the failed batch is in flight
	// on the next attempt; the newer reading must win
	fresh := time.Now().UTC().Truncate(time.Second)
	publish(t, rdb, types.Heartbeat{TenantID: "t-1", DropletID: 100, Timestamp: fresh, CPUPercent: 77})
	require.Eventually(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.buffer["t-1"].CPUPercent == 77
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, p.Flush(ctx))
	d1, _ := mem.GetDroplet(ctx, "t-1")
	d2, _ := mem.GetDroplet(ctx, "t-2")
	assert.True(t, d1.LastHeartbeat.Equal(fresh))
	assert.Equal(t, 77.0, d1.CPUPercent)
	assert.Equal(t, 12.0, d2.CPUPercent)
}

func TestStatusDegradesWithoutFlush(t *testing.T) {
	p, _, _ := testProcessor(t)
	ctx := context.Background()
	require.NoError(t, p.Start(ctx))
	defer p.Stop()

	st := p.Status()
	assert.True(t, st.Running)
	assert.False(t, st.Degraded)

	p.mu.Lock()
	p.lastFlush = time.Now().Add(-31 * time.Second)
	p.mu.Unlock()

	st = p.Status()
	assert.True(t, st.Degraded, "flush older than three windows")
	assert.NotEmpty(t, st.Reason)
}

func TestStopRunsFinalFlush(t *testing.T) {
	p, mem, rdb := testProcessor(t)
	ctx := context.Background()
	seedDroplet(mem, "t-1", 100)

	require.NoError(t, p.Start(ctx))
	publish(t, rdb, types.Heartbeat{TenantID: "t-1", DropletID: 100, CPUPercent: 42})
	require.Eventually(t, func() bool { return p.Buffered() >= 1 || mustCPU(mem) == 42 }, 2*time.Second, 5*time.Millisecond)

	p.Stop()

	d, err := mem.GetDroplet(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, 42.0, d.CPUPercent)
}

func mustCPU(mem *storetest.Memory) float64 {
	d, err := mem.GetDroplet(context.Background(), "t-1")
	if err != nil {
		return 0
	}
	return d.CPUPercent
}
