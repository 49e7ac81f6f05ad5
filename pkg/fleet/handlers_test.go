package fleet

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/genesishq/genesis/pkg/bus"
	"github.com/genesishq/genesis/pkg/store/storetest"
	"github.com/genesishq/genesis/pkg/types"
)

// fakeSidecar records calls in order and injects failures
type fakeSidecar struct {
	calls []string

	deployErr    error
	prepareErr   error
	pullErr      error
	healthyErr   error
	injectErr    error
	verifyResult map[string]bool
	verifyErr    error
}

func newFakeSidecar() *fakeSidecar {
	return &fakeSidecar{verifyResult: map[string]bool{}}
}

func (f *fakeSidecar) DeployWorkflow(ctx context.Context, host, name string, workflowJSON json.RawMessage, version string) error {
	f.calls = append(f.calls, "deploy:"+name+"@"+version)
	return f.deployErr
}

func (f *fakeSidecar) PrepareUpdate(ctx context.Context, host string) error {
	f.calls = append(f.calls, "prepare")
	return f.prepareErr
}

func (f *fakeSidecar) Checkpoint(ctx context.Context, host string) error {
	f.calls = append(f.calls, "checkpoint")
	return nil
}

func (f *fakeSidecar) PullImage(ctx context.Context, host, version string) error {
	f.calls = append(f.calls, "pull:"+version)
	return f.pullErr
}

func (f *fakeSidecar) SwapContainer(ctx context.Context, host, version string) error {
	f.calls = append(f.calls, "swap:"+version)
	return nil
}

func (f *fakeSidecar) WaitHealthy(ctx context.Context, host string, budget, interval time.Duration) error {
	f.calls = append(f.calls, "health")
	return f.healthyErr
}

func (f *fakeSidecar) InjectCredential(ctx context.Context, host, credType, encryptedPayload string) error {
	f.calls = append(f.calls, "inject:"+credType)
	return f.injectErr
}

func (f *fakeSidecar) VerifyCredential(ctx context.Context, host, credType string) (bool, error) {
	f.calls = append(f.calls, "verify:"+credType)
	if f.verifyErr != nil {
		return false, f.verifyErr
	}
	verified, ok := f.verifyResult[credType]
	return ok && verified, nil
}

func testHandlers(t *testing.T) (*Handlers, *storetest.Memory, *fakeSidecar) {
	t.Helper()
	mem := storetest.New()
	mem.AddTenant(types.Tenant{ID: "t-1", Slug: "acme", Tier: types.TierStandard})
	mem.AddDroplet(types.Droplet{
		TenantID:   "t-1",
		ProviderID: 500,
		AccountID:  "acct-1",
		State:      types.StateActiveHealthy,
		PublicDNS:  "10-0-0-1.droplets.genesis.dev",
	})
	sc := newFakeSidecar()
	h := NewHandlers(mem, sc)
	h.healthBudget = 20 * time.Millisecond
	h.healthInterval = 5 * time.Millisecond
	return h, mem, sc
}

func jobWith(t *testing.T, kind types.PayloadKind, v any) *bus.Job {
	t.Helper()
	p, err := types.NewPayload(kind, v)
	require.NoError(t, err)
	return &bus.Job{ID: "job-1", Queue: string(kind), Payload: p}
}

func TestWorkflowUpdateDeploysAndRecordsLedger(t *testing.T) {
	h, mem, sc := testHandlers(t)
	ctx := context.Background()

	require.NoError(t, mem.AppendVersion(ctx, &types.VersionEntry{
		TenantID: "t-1", Component: "workflow:welcome", Version: "v1",
	}))

	job := jobWith(t, types.PayloadWorkflowUpdate, types.WorkflowUpdatePayload{
		TenantID:     "t-1",
		WorkflowName: "welcome",
		WorkflowJSON: json.RawMessage(`{"nodes":[]}`),
		Version:      "v2",
		RolloutID:    "ro-1",
	})
	require.NoError(t, h.HandleWorkflowUpdate(ctx, job))

	assert.Equal(t, []string{"deploy:welcome@v2"}, sc.calls)
	cur, err := mem.CurrentVersion(ctx, "t-1", "workflow:welcome")
	require.NoError(t, err)
	require.NotNil(t, cur)
	assert.Equal(t, "v2", cur.Version)
	assert.Equal(t, "v1", cur.PreviousVersion)
	assert.Equal(t, "ro-1", cur.RolloutID)
}

func TestWorkflowUpdateFailsOnSidecarError(t *testing.T) {
	h, mem, sc := testHandlers(t)
	sc.deployErr = types.Errorf(types.KindSidecarUnreachable, "sidecar", "connection refused")

	job := jobWith(t, types.PayloadWorkflowUpdate, types.WorkflowUpdatePayload{
		TenantID: "t-1", WorkflowName: "welcome", Version: "v2",
	})
	err := h.HandleWorkflowUpdate(context.Background(), job)
	require.Error(t, err)
	assert.False(t, types.IsTerminal(err), "transport errors stay retryable")

	cur, err := mem.CurrentVersion(context.Background(), "t-1", "workflow:welcome")
	require.NoError(t, err)
	assert.Nil(t, cur, "no ledger row on failure")
}

func TestSidecarUpdateBlueGreen(t *testing.T) {
	h, mem, sc := testHandlers(t)
	ctx := context.Background()

	job := jobWith(t, types.PayloadSidecarUpdate, types.SidecarUpdatePayload{
		TenantID: "t-1", DropletID: 500, FromVersion: "1.4.0", ToVersion: "1.5.0", RolloutID: "ro-9",
	})
	require.NoError(t, h.HandleSidecarUpdate(ctx, job))

	assert.Equal(t, []string{"prepare", "pull:1.5.0", "checkpoint", "swap:1.5.0", "health"}, sc.calls)

	d, err := mem.GetDroplet(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, "1.5.0", d.SidecarVersion)

	cur, err := mem.CurrentVersion(ctx, "t-1", ComponentSidecar)
	require.NoError(t, err)
	require.NotNil(t, cur)
	assert.Equal(t, "1.5.0", cur.Version)
	assert.Equal(t, "1.4.0", cur.PreviousVersion)
}

func TestSidecarUpdateUnhealthySwapsBack(t *testing.T) {
	h, mem, sc := testHandlers(t)
	sc.healthyErr = errors.New("health probe timed out")
	ctx := context.Background()

	job := jobWith(t, types.PayloadSidecarUpdate, types.SidecarUpdatePayload{
		TenantID: "t-1", DropletID: 500, FromVersion: "1.4.0", ToVersion: "1.5.0",
	})
	err := h.HandleSidecarUpdate(ctx, job)
	require.Error(t, err)
	assert.True(t, types.IsTerminal(err), "counts against the wave immediately")
	assert.Contains(t, err.Error(), "reverted to 1.4.0")

	assert.Equal(t, []string{"prepare", "pull:1.5.0", "checkpoint", "swap:1.5.0", "health", "swap:1.4.0"}, sc.calls)

	d, err := mem.GetDroplet(ctx, "t-1")
	require.NoError(t, err)
	assert.Empty(t, d.SidecarVersion, "version untouched after revert")

	cur, err := mem.CurrentVersion(ctx, "t-1", ComponentSidecar)
	require.NoError(t, err)
	assert.Nil(t, cur)
}

func TestCredentialInjectRecordsImmutableRows(t *testing.T) {
	h, mem, sc := testHandlers(t)
	sc.verifyResult["smtp"] = true
	sc.verifyResult["api_key"] = true
	ctx := context.Background()

	job := jobWith(t, types.PayloadCredentialInject, types.CredentialInjectPayload{
		TenantID:  "t-1",
		DropletID: 500,
		Credentials: []types.CredentialBlob{
			{Type: "smtp", EncryptedBlob: "AAAA"},
			{Type: "api_key", EncryptedBlob: "BBBB"},
		},
	})
	require.NoError(t, h.HandleCredentialInject(ctx, job))

	assert.Equal(t, []string{"inject:smtp", "verify:smtp", "inject:api_key", "verify:api_key"}, sc.calls)
	require.Len(t, mem.CredUpdates, 2)
	assert.True(t, mem.CredUpdates[0].Verified)
	assert.Equal(t, "smtp", mem.CredUpdates[0].CredentialType)
	assert.Equal(t, int64(500), mem.CredUpdates[0].DropletID)
}

func TestCredentialInjectFailsVerification(t *testing.T) {
	h, mem, sc := testHandlers(t)
	sc.verifyResult["smtp"] = false

	job := jobWith(t, types.PayloadCredentialInject, types.CredentialInjectPayload{
		TenantID:    "t-1",
		DropletID:   500,
		Credentials: []types.CredentialBlob{{Type: "smtp", EncryptedBlob: "AAAA"}},
	})
	err := h.HandleCredentialInject(context.Background(), job)
	require.Error(t, err)
	assert.Equal(t, types.KindValidationFailed, types.KindOf(err))

	// the failed attempt is still on record
	require.Len(t, mem.CredUpdates, 1)
	assert.False(t, mem.CredUpdates[0].Verified)
}
