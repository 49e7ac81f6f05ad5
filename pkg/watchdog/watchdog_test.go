package watchdog

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/genesishq/genesis/pkg/bus"
	"github.com/genesishq/genesis/pkg/cloud"
	"github.com/genesishq/genesis/pkg/config"
	"github.com/genesishq/genesis/pkg/store/storetest"
	"github.com/genesishq/genesis/pkg/types"
)

type recordingAlerter struct {
	mu     sync.Mutex
	alerts []string
}

func (r *recordingAlerter) Alert(ctx context.Context, severity, message string, fields map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, severity+": "+message)
}

func (r *recordingAlerter) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string{}, r.alerts...)
}

func testWatchdog(t *testing.T) (*Watchdog, *storetest.Memory, *bus.Bus, *recordingAlerter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := &config.Config{
		Queues:            config.DefaultQueues(),
		IdempotencyWindow: 5 * time.Minute,
		DLQRetention:      30 * 24 * time.Hour,
		DLQAlertThreshold: 100,
		WatchdogInterval:  time.Minute,
		HeartbeatTimeout:  5 * time.Minute,
	}
	b := bus.New(rdb, cfg)
	t.Cleanup(b.Close)

	mem := storetest.New()
	al := &recordingAlerter{}
	return New(mem, b, cfg, al), mem, b, al, mr
}

func addDroplet(mem *storetest.Memory, tenant string, id int64, state types.DropletState, lastHB time.Time) {
	mem.AddTenant(types.Tenant{ID: tenant, Slug: tenant, Tier: types.TierStandard})
	mem.AddDroplet(types.Droplet{
		TenantID:      tenant,
		ProviderID:    id,
		AccountID:     "acct-1",
		State:         state,
		LastHeartbeat: lastHB,
	})
}

func TestZombieDetectionQueuesReboot(t *testing.T) {
	w, mem, b, _, _ := testWatchdog(t)
	ctx := context.Background()

	addDroplet(mem, "t-1", 100, types.StateActiveHealthy, time.Now().Add(-6*time.Minute))
	addDroplet(mem, "t-2", 101, types.StateActiveHealthy, time.Now().Add(-30*time.Second))

	w.RunCycle(ctx)

	d, err := mem.GetDroplet(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, types.StateZombie, d.State)
	assert.Len(t, mem.EventsTo(types.StateZombie), 1)

	fresh, err := mem.GetDroplet(ctx, "t-2")
	require.NoError(t, err)
	assert.Equal(t, types.StateActiveHealthy, fresh.State)

	job, err := b.Reserve(ctx, config.QueueHardReboot)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, 3, job.MaxAttempts)
	assert.Equal(t, config.BackoffExponential, job.Backoff)
	assert.Equal(t, 10*time.Second, job.BackoffBase)

	var p types.HardRebootPayload
	require.NoError(t, job.Payload.Decode(&p))
	assert.Equal(t, int64(100), p.DropletID)
	assert.Equal(t, types.RebootHeartbeatTimeout, p.Reason)

	// exactly one reboot job
	next, err := b.Reserve(ctx, config.QueueHardReboot)
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestZombieNotRequeuedNextCycle(t *testing.T) {
	w, mem, b, _, _ := testWatchdog(t)
	ctx := context.Background()

	addDroplet(mem, "t-1", 100, types.StateActiveHealthy, time.Now().Add(-10*time.Minute))

	w.RunCycle(ctx)
	w.RunCycle(ctx)

	// the droplet is ZOMBIE after cycle one; cycle two must not
	// double-transition or enqueue a second reboot
	assert.Len(t, mem.EventsTo(types.StateZombie), 1)
	n, err := b.PendingCount(ctx, config.QueueHardReboot)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestResourceAlerts(t *testing.T) {
	w, mem, _, al, _ := testWatchdog(t)
	ctx := context.Background()

	addDroplet(mem, "t-1", 100, types.StateActiveHealthy, time.Now())
	mem.Droplets["t-1"].CPUPercent = 95
	mem.Droplets["t-1"].MemoryPercent = 87
	addDroplet(mem, "t-2", 101, types.StateActiveHealthy, time.Now())
	mem.Droplets["t-2"].DiskPercent = 92

	w.RunCycle(ctx)

	alerts := al.all()
	assert.Contains(t, alerts, "warning: droplet cpu above threshold")
	assert.Contains(t, alerts, "warning: droplet memory above threshold")
	assert.Contains(t, alerts, "warning: droplet disk above threshold")
	assert.Len(t, alerts, 3)
}

func TestFailOpenWhenQueueUnavailable(t *testing.T) {
	w, mem, _, al, mr := testWatchdog(t)
	ctx := context.Background()

	addDroplet(mem, "t-1", 100, types.StateActiveHealthy, time.Now().Add(-10*time.Minute))

	// queue backend goes away; the sweep must still journal the zombie
	// but never pretend the reboot was queued
	mr.Close()
	w.RunCycle(ctx)

	d, err := mem.GetDroplet(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, types.StateZombie, d.State)

	st := w.Status()
	assert.True(t, st.Degraded)
	assert.NotEmpty(t, st.Reason)
	assert.Greater(t, st.ErrorCount, 0)

	assert.Contains(t, al.all(), "critical: zombie droplet without queued reboot")
}

func TestHardRebootHandler(t *testing.T) {
	_, mem, _, _, _ := testWatchdog(t)
	ctx := context.Background()

	dry := cloud.NewDryRun()
	vm, err := dry.CreateVM(ctx, cloud.CreateRequest{Name: "seed"})
	require.NoError(t, err)
	addDroplet(mem, "t-1", vm.ID, types.StateZombie, time.Now().Add(-10*time.Minute))

	h := NewRebootHandler(mem, dry)
	payload, err := types.NewPayload(types.PayloadHardReboot, types.HardRebootPayload{
		DropletID: vm.ID, TenantID: "t-1", Reason: types.RebootHeartbeatTimeout,
	})
	require.NoError(t, err)

	err = h.HandleHardReboot(ctx, &bus.Job{ID: "j1", Queue: config.QueueHardReboot, Payload: payload})
	require.NoError(t, err)

	d, err := mem.GetDroplet(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, types.StateRebooting, d.State)

	got, err := dry.GetVM(ctx, vm.ID)
	require.NoError(t, err)
	assert.Equal(t, "active", got.Status)
}

func TestScaleAlerts(t *testing.T) {
	_, mem, b, al, _ := testWatchdog(t)
	cfg := &config.Config{
		Queues:              config.DefaultQueues(),
		ScaleAlertsInterval: 15 * time.Minute,
		DLQAlertThreshold:   100,
	}
	sa := NewScaleAlerts(mem, b, cfg, al)
	ctx := context.Background()

	mem.AddAccount(types.Account{ID: "acct-1", Region: "nyc3", MaxDroplets: 100, CurrentDroplets: 96})
	sa.RunCycle(ctx)

	assert.Contains(t, al.all(), "warning: cloud accounts near capacity")
	st := sa.Status()
	assert.False(t, st.LastRun.IsZero())
	assert.Zero(t, st.ErrorCount)
}

func TestScaleAlertsReactsToDLQThresholdEvent(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := &config.Config{
		Queues:              config.DefaultQueues(),
		IdempotencyWindow:   5 * time.Minute,
		DLQRetention:        30 * 24 * time.Hour,
		DLQAlertThreshold:   1,
		ScaleAlertsInterval: time.Hour,
	}
	b := bus.New(rdb, cfg)
	t.Cleanup(b.Close)

	al := &recordingAlerter{}
	sa := NewScaleAlerts(storetest.New(), b, cfg, al)
	sa.Start()
	t.Cleanup(sa.Stop)

	// dead-letter one job; the bus publishes the threshold crossing and
	// the alert fires without waiting for the next sample pass
	ctx := context.Background()
	payload, err := types.NewPayload(types.PayloadHardReboot, types.HardRebootPayload{
		DropletID: 42, TenantID: "t-1", Reason: types.RebootHeartbeatTimeout,
	})
	require.NoError(t, err)
	_, err = b.Add(ctx, config.QueueHardReboot, payload, bus.AddOptions{Attempts: 1})
	require.NoError(t, err)

	job, err := b.Reserve(ctx, config.QueueHardReboot)
	require.NoError(t, err)
	require.NotNil(t, job)
	require.NoError(t, b.Fail(ctx, job,
		types.Errorf(types.KindValidationFailed, "watchdog.reboot", "droplet unknown").AsTerminal()))

	require.Eventually(t, func() bool {
		for _, a := range al.all() {
			if a == "warning: dead-letter queue crossed its alert threshold" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}
