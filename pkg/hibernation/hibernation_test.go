package hibernation

import (
	"context"
	"errors"
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
	"github.com/genesishq/genesis/pkg/store"
	"github.com/genesishq/genesis/pkg/store/storetest"
	"github.com/genesishq/genesis/pkg/types"
)

type fakeSidecar struct {
	mu         sync.Mutex
	calls      []string
	notifyErr  error
	stopErr    error
	healthyErr error
}

func (f *fakeSidecar) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeSidecar) NotifyHibernation(ctx context.Context, host string) error {
	f.record("notify")
	return f.notifyErr
}

func (f *fakeSidecar) StopEngine(ctx context.Context, host string) error {
	f.record("stop")
	return f.stopErr
}

func (f *fakeSidecar) WaitHealthy(ctx context.Context, host string, budget, interval time.Duration) error {
	f.record("health")
	return f.healthyErr
}

func testConfig() *config.Config {
	return &config.Config{
		Queues:                  config.DefaultQueues(),
		IdempotencyWindow:       5 * time.Minute,
		DLQRetention:            30 * 24 * time.Hour,
		DLQAlertThreshold:       100,
		HibernateInactivityDays: 7,
		HibernateLoginDays:      14,
		WakeGap:                 time.Second,
		PreWarmMinutes:          10,
		AutoHibernateAfterHours: 4,
	}
}

func testController(t *testing.T) (*Controller, *storetest.Memory, *cloud.DryRun, *fakeSidecar, *bus.Bus) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	b := bus.New(rdb, testConfig())
	t.Cleanup(b.Close)

	mem := storetest.New()
	dry := cloud.NewDryRun()
	sc := &fakeSidecar{}
	c := New(mem, dry, sc, b, testConfig())
	c.activePollInterval = time.Millisecond
	c.activePollBudget = 50 * time.Millisecond
	c.healthPollInterval = time.Millisecond
	c.healthPollBudget = 50 * time.Millisecond
	return c, mem, dry, sc, b
}

func seedDroplet(t *testing.T, mem *storetest.Memory, dry *cloud.DryRun, tenantID string, tier types.Tier, state types.DropletState) int64 {
	t.Helper()
	vm, err := dry.CreateVM(context.Background(), cloud.CreateRequest{Name: tenantID})
	require.NoError(t, err)
	mem.AddTenant(types.Tenant{ID: tenantID, Slug: tenantID, Tier: tier})
	mem.AddAccount(types.Account{ID: "acct-1", Region: "nyc3", MaxDroplets: 100, CurrentDroplets: 10})
	mem.AddDroplet(types.Droplet{
		TenantID:      tenantID,
		ProviderID:    vm.ID,
		AccountID:     "acct-1",
		State:         state,
		PublicDNS:     "10-0-0-1.droplets.genesis.dev",
		LastHeartbeat: time.Now().Add(-time.Minute),
		CPUPercent:    40,
		MemoryPercent: 55,
		DiskPercent:   30,
	})
	return vm.ID
}

func idle(days int) *store.TenantActivity {
	at := time.Now().Add(-time.Duration(days) * 24 * time.Hour)
	return &store.TenantActivity{LastCampaignAt: at, LastExecutionAt: at, LastLoginAt: at}
}

func TestEligibilityEnterpriseNeverHibernates(t *testing.T) {
	c, mem, dry, _, _ := testController(t)
	ctx := context.Background()
	seedDroplet(t, mem, dry, "t-ent", types.TierEnterprise, types.StateActiveHealthy)
	mem.Activity["t-ent"] = idle(60)

	verdict, err := c.CheckEligibility(ctx, "t-ent")
	require.NoError(t, err)
	assert.False(t, verdict.Eligible)
	assert.Equal(t, "Enterprise tier - never hibernates", verdict.Reason)
	assert.Empty(t, mem.Events, "eligibility is read-only")
}

func TestEligibilityVerdicts(t *testing.T) {
	recent := time.Now().Add(-24 * time.Hour)
	old := time.Now().Add(-30 * 24 * time.Hour)

	tests := []struct {
		name     string
		state    types.DropletState
		activity store.TenantActivity
		eligible bool
	}{
		{"fully idle tenant", types.StateActiveHealthy,
			store.TenantActivity{LastCampaignAt: old, LastExecutionAt: old, LastLoginAt: old}, true},
		{"no recorded activity at all", types.StateActiveHealthy, store.TenantActivity{}, true},
		{"recent campaign", types.StateActiveHealthy,
			store.TenantActivity{LastCampaignAt: recent, LastLoginAt: old}, false},
		{"recent workflow execution", types.StateActiveHealthy,
			store.TenantActivity{LastExecutionAt: recent, LastLoginAt: old}, false},
		{"login within fourteen days", types.StateActiveHealthy,
			store.TenantActivity{LastCampaignAt: old, LastLoginAt: time.Now().Add(-10 * 24 * time.Hour)}, false},
		{"manual hold", types.StateActiveHealthy,
			store.TenantActivity{LastCampaignAt: old, ManualHold: true}, false},
		{"already hibernated", types.StateHibernated,
			store.TenantActivity{LastCampaignAt: old, LastLoginAt: old}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, mem, dry, _, _ := testController(t)
			seedDroplet(t, mem, dry, "t-1", types.TierStandard, tt.state)
			act := tt.activity
			act.TenantID = "t-1"
			mem.Activity["t-1"] = &act

			verdict, err := c.CheckEligibility(context.Background(), "t-1")
			require.NoError(t, err)
			assert.Equal(t, tt.eligible, verdict.Eligible)
			if !tt.eligible {
				assert.NotEmpty(t, verdict.Reason)
			}
		})
	}
}

func TestHibernateRunsOrderedJournalledSequence(t *testing.T) {
	c, mem, dry, sc, _ := testController(t)
	ctx := context.Background()
	id := seedDroplet(t, mem, dry, "t-1", types.TierStandard, types.StateActiveHealthy)

	require.NoError(t, c.Hibernate(ctx, "t-1", "inactivity sweep", "operator"))

	d, err := mem.GetDroplet(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, types.StateHibernated, d.State)

	vm, err := dry.GetVM(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "off", vm.Status)

	assert.Equal(t, []string{"notify", "stop"}, sc.calls)

	var reasons []string
	for _, e := range mem.Events {
		reasons = append(reasons, e.Reason)
	}
	assert.Equal(t, []string{
		"inactivity sweep",
		"hibernate: tenant notified",
		"hibernate: metrics snapshotted",
		"hibernate: engine stopped",
		"hibernate: vm powered off",
		"inactivity sweep",
	}, reasons)

	// the final transition carries the gauge snapshot
	final := mem.Events[len(mem.Events)-1]
	assert.Equal(t, types.StateHibernated, final.ToState)
	assert.Equal(t, "40.0", final.Metadata["cpu_percent"])

	require.Len(t, mem.Costs, 1)
	assert.Equal(t, "hibernate", mem.Costs[0].Kind)
	assert.Equal(t, "t-1", mem.Costs[0].TenantID)
}

func TestHibernateHaltsAtFirstFailure(t *testing.T) {
	c, mem, dry, sc, _ := testController(t)
	ctx := context.Background()
	id := seedDroplet(t, mem, dry, "t-1", types.TierStandard, types.StateActiveHealthy)
	sc.stopErr = errors.New("engine busy")

	err := c.Hibernate(ctx, "t-1", "inactivity sweep", "operator")
	require.Error(t, err)

	// power-off never ran and the droplet is parked mid-sequence for the
	// operator to inspect
	vm, verr := dry.GetVM(ctx, id)
	require.NoError(t, verr)
	assert.Equal(t, "active", vm.Status)

	d, derr := mem.GetDroplet(ctx, "t-1")
	require.NoError(t, derr)
	assert.Equal(t, types.StateHibernating, d.State)

	last := mem.Events[len(mem.Events)-1]
	assert.Equal(t, "hibernate: metrics snapshotted", last.Reason)
	assert.Empty(t, mem.Costs)
}

func TestWakeHappyPath(t *testing.T) {
	c, mem, dry, sc, _ := testController(t)
	ctx := context.Background()
	id := seedDroplet(t, mem, dry, "t-1", types.TierStandard, types.StateHibernated)
	require.NoError(t, dry.PowerOff(ctx, id))

	require.NoError(t, c.Wake(ctx, "t-1", types.WakeUserLogin, "operator"))

	d, err := mem.GetDroplet(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, types.StateActiveHealthy, d.State)

	vm, err := dry.GetVM(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "active", vm.Status)

	assert.Contains(t, sc.calls, "health")
	require.Len(t, mem.Costs, 1)
	assert.Equal(t, "wake", mem.Costs[0].Kind)
	assert.Equal(t, string(types.WakeUserLogin), mem.Costs[0].Note)

	var reasons []string
	for _, e := range mem.Events {
		reasons = append(reasons, e.Reason)
	}
	assert.Contains(t, reasons, "wake: vm active")
}

func TestWakeSidecarUnhealthyParksAsZombie(t *testing.T) {
	c, mem, dry, sc, _ := testController(t)
	ctx := context.Background()
	id := seedDroplet(t, mem, dry, "t-1", types.TierStandard, types.StateHibernated)
	require.NoError(t, dry.PowerOff(ctx, id))
	sc.healthyErr = errors.New("sidecar down")

	err := c.Wake(ctx, "t-1", types.WakeAdminRequest, "operator")
	require.Error(t, err)

	d, derr := mem.GetDroplet(ctx, "t-1")
	require.NoError(t, derr)
	assert.Equal(t, types.StateZombie, d.State)
	assert.Empty(t, mem.Costs)
}

func TestWakeFailureQueuesHardReboot(t *testing.T) {
	c, mem, dry, sc, b := testController(t)
	ctx := context.Background()
	id := seedDroplet(t, mem, dry, "t-1", types.TierStandard, types.StateHibernated)
	require.NoError(t, dry.PowerOff(ctx, id))
	sc.healthyErr = errors.New("sidecar down")

	require.Error(t, c.Wake(ctx, "t-1", types.WakeAdminRequest, "operator"))

	// the zombie is handed straight to the reboot queue
	job, err := b.Reserve(ctx, config.QueueHardReboot)
	require.NoError(t, err)
	require.NotNil(t, job)

	var p types.HardRebootPayload
	require.NoError(t, job.Payload.Decode(&p))
	assert.Equal(t, id, p.DropletID)
	assert.Equal(t, "t-1", p.TenantID)
	assert.Equal(t, types.RebootWakeFailed, p.Reason)

	// re-queueing the same droplet dedupes on the reboot key
	c.queueHardReboot(ctx, "t-1", id)
	again, err := b.Reserve(ctx, config.QueueHardReboot)
	require.NoError(t, err)
	assert.Nil(t, again)
}

func TestWakeIsNoOpWhenAlreadyRunning(t *testing.T) {
	c, mem, dry, _, _ := testController(t)
	ctx := context.Background()
	seedDroplet(t, mem, dry, "t-1", types.TierStandard, types.StateActiveHealthy)

	require.NoError(t, c.Wake(ctx, "t-1", types.WakeUserLogin, "operator"))
	assert.Empty(t, mem.Events)
}

func TestHandleWakeDroplet(t *testing.T) {
	c, mem, dry, _, _ := testController(t)
	ctx := context.Background()
	id := seedDroplet(t, mem, dry, "t-1", types.TierStandard, types.StateHibernated)
	require.NoError(t, dry.PowerOff(ctx, id))

	payload, err := types.NewPayload(types.PayloadWakeDroplet, types.WakeDropletPayload{
		TenantID: "t-1", DropletID: id, Reason: types.WakeScheduledCampaign,
	})
	require.NoError(t, err)

	err = c.HandleWakeDroplet(ctx, &bus.Job{ID: "j1", Queue: config.QueueWakeDroplet, Payload: payload})
	require.NoError(t, err)

	d, err := mem.GetDroplet(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, types.StateActiveHealthy, d.State)
}

func TestSweepHibernatesOnlyEligibleTenants(t *testing.T) {
	c, mem, dry, _, _ := testController(t)
	ctx := context.Background()
	seedDroplet(t, mem, dry, "t-idle", types.TierStandard, types.StateActiveHealthy)
	seedDroplet(t, mem, dry, "t-ent", types.TierEnterprise, types.StateActiveHealthy)
	mem.Activity["t-idle"] = idle(30)
	mem.Activity["t-ent"] = idle(60)

	n, err := c.SweepEligible(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	dIdle, _ := mem.GetDroplet(ctx, "t-idle")
	assert.Equal(t, types.StateHibernated, dIdle.State)
	dEnt, _ := mem.GetDroplet(ctx, "t-ent")
	assert.Equal(t, types.StateActiveHealthy, dEnt.State)
}
