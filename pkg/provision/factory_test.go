package provision

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/genesishq/genesis/pkg/cloud"
	"github.com/genesishq/genesis/pkg/store/storetest"
	"github.com/genesishq/genesis/pkg/types"
)

func testFactory(t *testing.T) (*Factory, *storetest.Memory, *cloud.DryRun) {
	t.Helper()
	mem := storetest.New()
	mem.AddTenant(types.Tenant{ID: "t-1", Slug: "acme", Region: "nyc3", Tier: types.TierStandard})
	mem.AddAccount(types.Account{ID: "acct-1", Region: "nyc3", MaxDroplets: 100, CurrentDroplets: 10})
	dry := cloud.NewDryRun()
	return NewFactory(mem, dry), mem, dry
}

func TestProvisionCreatesDroplet(t *testing.T) {
	f, mem, _ := testFactory(t)

	d, err := f.Provision(context.Background(), types.IgnitionPayload{
		TenantID: "t-1", Slug: "acme", Region: "nyc3", Size: "s-2vcpu-4gb",
	})
	require.NoError(t, err)
	assert.Equal(t, types.StateInitializing, d.State)
	assert.Equal(t, "acct-1", d.AccountID)
	assert.NotEmpty(t, d.PublicIP)
	assert.Equal(t, strings.ReplaceAll(d.PublicIP, ".", "-")+".droplets.genesis.dev", d.PublicDNS)

	acct, err := mem.GetAccount(context.Background(), "acct-1")
	require.NoError(t, err)
	assert.Equal(t, 11, acct.CurrentDroplets)

	// journal walks the full boot chain, one entry per hop
	assert.Len(t, mem.EventsTo(types.StateProvisioning), 1)
	assert.Len(t, mem.EventsTo(types.StateBooting), 1)
	assert.Len(t, mem.EventsTo(types.StateInitializing), 1)
	require.NotNil(t, mem.Secrets["t-1"])
	assert.NotEmpty(t, mem.Secrets["t-1"].ProvisioningToken)
}

func TestProvisionResubmissionIsNoOp(t *testing.T) {
	f, mem, dry := testFactory(t)
	req := types.IgnitionPayload{TenantID: "t-1", Slug: "acme", Region: "nyc3", Size: "s-2vcpu-4gb"}

	first, err := f.Provision(context.Background(), req)
	require.NoError(t, err)

	second, err := f.Provision(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, first.ProviderID, second.ProviderID)

	acct, err := mem.GetAccount(context.Background(), "acct-1")
	require.NoError(t, err)
	assert.Equal(t, 11, acct.CurrentDroplets, "slot claimed exactly once")
	assert.Len(t, mem.EventsTo(types.StateInitializing), 1)
	assert.Empty(t, dry.Deleted)
}

func TestProvisionNoCapacity(t *testing.T) {
	f, mem, _ := testFactory(t)
	mem.Accounts["acct-1"].CurrentDroplets = 100

	_, err := f.Provision(context.Background(), types.IgnitionPayload{
		TenantID: "t-1", Slug: "acme", Region: "nyc3",
	})
	require.Error(t, err)
	assert.Equal(t, types.KindNoCapacity, types.KindOf(err))
	assert.Empty(t, mem.Events)
}

func TestProvisionRollbackAfterVMMinted(t *testing.T) {
	f, mem, dry := testFactory(t)
	mem.FailTransitionTo = types.StateProvisioning

	_, err := f.Provision(context.Background(), types.IgnitionPayload{
		TenantID: "t-1", Slug: "acme", Region: "nyc3", Size: "s-2vcpu-4gb",
	})
	require.Error(t, err)
	assert.Equal(t, types.KindDegradedDependency, types.KindOf(err), "original error surfaced, not a cleanup error")

	require.Len(t, dry.Deleted, 1, "exactly one cloud delete")
	assert.Equal(t, []string{"acct-1"}, mem.Releases, "exactly one slot release")

	acct, err := mem.GetAccount(context.Background(), "acct-1")
	require.NoError(t, err)
	assert.Equal(t, 10, acct.CurrentDroplets)

	d, err := mem.GetDroplet(context.Background(), "t-1")
	require.NoError(t, err)
	assert.Equal(t, types.StateOrphan, d.State)
}

func TestProvisionRollbackBeforeVMMinted(t *testing.T) {
	f, mem, dry := testFactory(t)
	dry.CreateErr = errors.New("boom")

	_, err := f.Provision(context.Background(), types.IgnitionPayload{
		TenantID: "t-1", Slug: "acme", Region: "nyc3",
	})
	require.Error(t, err)
	assert.Equal(t, types.KindProvisioningFailed, types.KindOf(err))

	assert.Empty(t, dry.Deleted, "no vm to delete")
	assert.Equal(t, []string{"acct-1"}, mem.Releases)
	acct, _ := mem.GetAccount(context.Background(), "acct-1")
	assert.Equal(t, 10, acct.CurrentDroplets)
}

func TestProvisionReprovisionsOrphanedTenant(t *testing.T) {
	f, mem, _ := testFactory(t)
	mem.AddDroplet(types.Droplet{TenantID: "t-1", ProviderID: 77, AccountID: "acct-1", State: types.StateOrphan})

	d, err := f.Provision(context.Background(), types.IgnitionPayload{
		TenantID: "t-1", Slug: "acme", Region: "nyc3",
	})
	require.NoError(t, err)
	assert.NotEqual(t, int64(77), d.ProviderID)
	assert.Equal(t, types.StateInitializing, d.State)
}

func TestHandleTeardown(t *testing.T) {
	f, mem, dry := testFactory(t)
	req := types.IgnitionPayload{TenantID: "t-1", Slug: "acme", Region: "nyc3"}
	d, err := f.Provision(context.Background(), req)
	require.NoError(t, err)

	// INITIALIZING cannot go straight to TERMINATED
	job := teardownJob(t, types.TeardownPayload{TenantID: "t-1", Reason: "offboarding"})
	err = f.HandleTeardown(context.Background(), job)
	require.Error(t, err)
	assert.Equal(t, types.KindStateTransitionInvalid, types.KindOf(err))
	assert.Empty(t, dry.Deleted)

	// forced teardown proceeds past the illegal transition
	job = teardownJob(t, types.TeardownPayload{TenantID: "t-1", Reason: "offboarding", Force: true})
	require.NoError(t, f.HandleTeardown(context.Background(), job))
	assert.Equal(t, []int64{d.ProviderID}, dry.Deleted)

	acct, _ := mem.GetAccount(context.Background(), "acct-1")
	assert.Equal(t, 10, acct.CurrentDroplets)
}

func TestHandleTeardownRedeliveryAfterCloudFailure(t *testing.T) {
	f, mem, dry := testFactory(t)
	mem.AddDroplet(types.Droplet{TenantID: "t-1", ProviderID: 500, AccountID: "acct-1", State: types.StateActiveHealthy})
	dry.DeleteErr = errors.New("transient provider outage")

	job := teardownJob(t, types.TeardownPayload{TenantID: "t-1", Reason: "offboarding"})
	err := f.HandleTeardown(context.Background(), job)
	require.Error(t, err)

	// the first attempt journalled TERMINATED but deleted nothing
	d, derr := mem.GetDroplet(context.Background(), "t-1")
	require.NoError(t, derr)
	assert.Equal(t, types.StateTerminated, d.State)
	assert.Empty(t, dry.Deleted)
	assert.Empty(t, mem.Releases)

	// redelivery lands on the already-TERMINATED droplet and finishes
	// the delete and the slot release instead of dead-lettering
	require.NoError(t, f.HandleTeardown(context.Background(), job))
	assert.Equal(t, []int64{500}, dry.Deleted)
	assert.Equal(t, []string{"acct-1"}, mem.Releases)
	assert.Len(t, mem.EventsTo(types.StateTerminated), 1, "terminal transition journalled once")
}

func TestHandleTeardownWrongDroplet(t *testing.T) {
	f, mem, _ := testFactory(t)
	mem.AddDroplet(types.Droplet{TenantID: "t-1", ProviderID: 500, AccountID: "acct-1", State: types.StateActiveHealthy})

	job := teardownJob(t, types.TeardownPayload{TenantID: "t-1", DropletID: 999, Reason: "mistake"})
	err := f.HandleTeardown(context.Background(), job)
	require.Error(t, err)
	assert.Equal(t, types.KindValidationFailed, types.KindOf(err))
}

func TestHandleIgnitionValidation(t *testing.T) {
	f, _, _ := testFactory(t)

	job := ignitionJob(t, types.IgnitionPayload{TenantID: "t-1"})
	err := f.HandleIgnition(context.Background(), job)
	require.Error(t, err)
	assert.Equal(t, types.KindValidationFailed, types.KindOf(err))
}
