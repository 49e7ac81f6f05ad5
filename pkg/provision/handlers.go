package provision

import (
	"context"

	"github.com/genesishq/genesis/pkg/bus"
	"github.com/genesishq/genesis/pkg/types"
)

// HandleIgnition is the ignition queue handler
func (f *Factory) HandleIgnition(ctx context.Context, job *bus.Job) error {
	var req types.IgnitionPayload
	if err := job.Payload.Decode(&req); err != nil {
		return err
	}
	if req.TenantID == "" || req.Region == "" {
		return types.Errorf(types.KindValidationFailed, "provision.ignition", "tenant_id and region are required")
	}
	_, err := f.Provision(ctx, req)
	return err
}

// HandleTeardown is the teardown queue handler: journalled TERMINATED
// transition, cloud delete, account slot release. Force proceeds with
// the delete even when the transition is illegal for the current state.
// A redelivered job whose earlier attempt already journalled TERMINATED
// picks up at the cloud delete instead of failing the transition.
func (f *Factory) HandleTeardown(ctx context.Context, job *bus.Job) error {
	var req types.TeardownPayload
	if err := job.Payload.Decode(&req); err != nil {
		return err
	}

	droplet, err := f.store.GetDroplet(ctx, req.TenantID)
	if err != nil {
		return err
	}
	if req.DropletID != 0 && req.DropletID != droplet.ProviderID {
		return types.Errorf(types.KindValidationFailed, "provision.teardown",
			"droplet %d does not belong to tenant", req.DropletID).WithTenant(req.TenantID)
	}

	if droplet.State != types.StateTerminated {
		err = f.store.TransitionDroplet(ctx, droplet.ProviderID, types.StateTerminated, req.Reason, "teardown", nil)
		if err != nil {
			if !req.Force || types.KindOf(err) != types.KindStateTransitionInvalid {
				return err
			}
			f.logger.Warn().Str("tenant_id", req.TenantID).Int64("droplet_id", droplet.ProviderID).
				Str("state", string(droplet.State)).Msg("forced teardown past illegal transition")
		}
	}

	if err := f.cloud.DeleteVM(ctx, droplet.ProviderID); err != nil {
		return err
	}
	if err := f.store.ReleaseAccountSlot(ctx, droplet.AccountID); err != nil {
		return err
	}

	f.logger.Info().Str("tenant_id", req.TenantID).Int64("droplet_id", droplet.ProviderID).
		Str("reason", req.Reason).Msg("droplet torn down")
	return nil
}
