package provision

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"github.com/genesishq/genesis/pkg/cloud"
	"github.com/genesishq/genesis/pkg/log"
	"github.com/genesishq/genesis/pkg/metrics"
	"github.com/genesishq/genesis/pkg/store"
	"github.com/genesishq/genesis/pkg/types"
)

// Factory creates droplets with compensating-transaction semantics:
// any failure after the account slot is claimed unwinds the VM, the
// slot, and marks the droplet ORPHAN in the ledger, without masking the
// original error.
type Factory struct {
	store  store.Store
	cloud  cloud.API
	logger zerolog.Logger
}

// NewFactory wires the provisioning factory
func NewFactory(st store.Store, api cloud.API) *Factory {
	return &Factory{store: st, cloud: api, logger: log.WithComponent("provision")}
}

// Provision creates a droplet for a tenant. Idempotent against resubmission:
// a tenant that already owns a non-terminal droplet is a no-op.
func (f *Factory) Provision(ctx context.Context, req types.IgnitionPayload) (*types.Droplet, error) {
	logger := f.logger.With().Str("tenant_id", req.TenantID).Logger()

	if existing, err := f.store.GetDroplet(ctx, req.TenantID); err == nil {
		if !existing.State.Terminal() && existing.State != types.StateOrphan {
			logger.Info().Str("state", string(existing.State)).Msg("tenant already has a droplet, skipping")
			return existing, nil
		}
	}

	tenant := &types.Tenant{ID: req.TenantID, Slug: req.Slug, Region: req.Region}
	if t, err := f.store.GetTenant(ctx, req.TenantID); err == nil {
		tenant = t
	}

	account, err := f.store.SelectAccountForProvision(ctx, req.Region)
	if err != nil {
		metrics.ProvisionsTotal.WithLabelValues("no_capacity").Inc()
		return nil, err
	}
	logger.Info().Str("account_id", account.ID).Msg("account slot claimed")

	droplet, err := f.build(ctx, tenant, account, req)
	if err != nil {
		metrics.ProvisionsTotal.WithLabelValues("failed").Inc()
		return nil, err
	}
	metrics.ProvisionsTotal.WithLabelValues("succeeded").Inc()
	return droplet, nil
}

// build runs steps 2-5; on failure it unwinds everything claimed so far
func (f *Factory) build(ctx context.Context, tenant *types.Tenant, account *types.Account, req types.IgnitionPayload) (*types.Droplet, error) {
	var (
		vmID        int64
		rowInserted bool
	)
	fail := func(cause error) error {
		f.rollback(ctx, tenant.ID, account.ID, vmID, rowInserted, cause)
		if _, ok := cause.(*types.Error); ok {
			return cause
		}
		return types.E(types.KindProvisioningFailed, "provision", cause).WithTenant(tenant.ID)
	}

	secrets, err := mintSecrets()
	if err != nil {
		return nil, fail(err)
	}

	userData, err := renderCloudInit(tenant, secrets)
	if err != nil {
		return nil, fail(err)
	}

	vm, err := f.cloud.CreateVM(ctx, cloud.CreateRequest{
		Name:     "genesis-" + tenant.Slug,
		Region:   req.Region,
		Size:     req.Size,
		UserData: userData,
		Tags:     []string{"genesis", "tenant:" + tenant.ID},
	})
	if err != nil {
		return nil, fail(err)
	}
	vmID = vm.ID

	if vm.PublicIPv4 == "" {
		return nil, fail(types.Errorf(types.KindProvisioningFailed, "provision",
			"vm %d has no public IPv4", vm.ID).WithTenant(tenant.ID))
	}

	droplet := &types.Droplet{
		TenantID:   tenant.ID,
		ProviderID: vm.ID,
		AccountID:  account.ID,
		Region:     req.Region,
		Size:       req.Size,
		PublicIP:   vm.PublicIPv4,
		PublicDNS:  publicDNSFor(vm.PublicIPv4),
		State:      types.StatePending,
	}
	if err := f.store.InsertDroplet(ctx, droplet, secrets); err != nil {
		return nil, fail(err)
	}
	rowInserted = true

	if err := f.store.TransitionDroplet(ctx, vm.ID, types.StateProvisioning, "vm minted", "provision", nil); err != nil {
		return nil, fail(err)
	}
	if err := f.store.TransitionDroplet(ctx, vm.ID, types.StateBooting, "vm active", "provision", nil); err != nil {
		return nil, fail(err)
	}
	if err := f.store.TransitionDroplet(ctx, vm.ID, types.StateInitializing, "cloud-init running", "provision",
		map[string]string{"public_ip": vm.PublicIPv4}); err != nil {
		return nil, fail(err)
	}
	droplet.State = types.StateInitializing

	f.logger.Info().Str("tenant_id", tenant.ID).Int64("droplet_id", vm.ID).
		Str("public_ip", vm.PublicIPv4).Msg("droplet provisioned")
	return droplet, nil
}

// rollback unwinds a failed provision. Cleanup errors are aggregated
// and logged; the original error is what the caller sees.
func (f *Factory) rollback(ctx context.Context, tenantID, accountID string, vmID int64, rowInserted bool, cause error) {
	var cleanupErr error

	if vmID != 0 {
		if err := f.cloud.DeleteVM(ctx, vmID); err != nil {
			cleanupErr = multierr.Append(cleanupErr, fmt.Errorf("delete vm %d: %w", vmID, err))
		}
	}

	if err := f.store.ReleaseAccountSlot(ctx, accountID); err != nil {
		cleanupErr = multierr.Append(cleanupErr, fmt.Errorf("release account %s: %w", accountID, err))
	}

	if rowInserted {
		if err := f.store.TransitionDroplet(ctx, vmID, types.StateOrphan, "provision rollback", "provision", nil); err != nil {
			cleanupErr = multierr.Append(cleanupErr, fmt.Errorf("orphan droplet %d: %w", vmID, err))
		}
	}

	logger := f.logger.With().Str("tenant_id", tenantID).Int64("droplet_id", vmID).Logger()
	if cleanupErr != nil {
		logger.Error().Err(cleanupErr).Msg("provision rollback incomplete")
	} else {
		logger.Warn().Err(cause).Msg("provision rolled back")
	}
}
