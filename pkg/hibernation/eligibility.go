package hibernation

import (
	"context"
	"fmt"

	"github.com/genesishq/genesis/pkg/types"
)

// ReasonEnterpriseNever is the fixed verdict for enterprise tenants
const ReasonEnterpriseNever = "Enterprise tier - never hibernates"

// Eligibility is the hibernation verdict for one tenant
type Eligibility struct {
	Eligible bool   `json:"eligible"`
	Reason   string `json:"reason,omitempty"`
}

// CheckEligibility evaluates whether a tenant's droplet may be
// hibernated. It is read-only; no lifecycle transition happens here.
func (c *Controller) CheckEligibility(ctx context.Context, tenantID string) (Eligibility, error) {
	tenant, err := c.store.GetTenant(ctx, tenantID)
	if err != nil {
		return Eligibility{}, err
	}
	if tenant.Tier == types.TierEnterprise {
		return Eligibility{Reason: ReasonEnterpriseNever}, nil
	}

	d, err := c.store.GetDroplet(ctx, tenantID)
	if err != nil {
		return Eligibility{}, err
	}
	if !types.CanTransition(d.State, types.StateHibernating) {
		return Eligibility{Reason: fmt.Sprintf("droplet in %s cannot hibernate", d.State)}, nil
	}

	acct, err := c.store.GetAccount(ctx, d.AccountID)
	if err != nil {
		return Eligibility{}, err
	}
	if acct.Status != types.AccountActive && acct.Status != types.AccountFull {
		return Eligibility{Reason: "cloud account not active"}, nil
	}

	act, err := c.store.TenantActivity(ctx, tenantID)
	if err != nil {
		return Eligibility{}, err
	}
	if act.ManualHold {
		return Eligibility{Reason: "manual hibernation hold"}, nil
	}
	now := c.now()
	if !act.LastCampaignAt.IsZero() && now.Sub(act.LastCampaignAt) < c.inactivityIdle {
		return Eligibility{Reason: fmt.Sprintf("campaign activity within %dd", c.inactivityDays)}, nil
	}
	if !act.LastExecutionAt.IsZero() && now.Sub(act.LastExecutionAt) < c.inactivityIdle {
		return Eligibility{Reason: fmt.Sprintf("workflow executions within %dd", c.inactivityDays)}, nil
	}
	if !act.LastLoginAt.IsZero() && now.Sub(act.LastLoginAt) < c.loginIdle {
		return Eligibility{Reason: fmt.Sprintf("dashboard login within %dd", c.loginDays)}, nil
	}

	return Eligibility{Eligible: true}, nil
}

// SweepEligible checks every hibernatable droplet and hibernates the
// eligible ones. Returns the number of droplets hibernated; per-tenant
// failures are logged and do not stop the sweep.
func (c *Controller) SweepEligible(ctx context.Context) (int, error) {
	droplets, err := c.store.ListDropletsByState(ctx, types.StateActiveHealthy, types.StateActiveDegraded)
	if err != nil {
		return 0, err
	}
	hibernated := 0
	for _, d := range droplets {
		verdict, err := c.CheckEligibility(ctx, d.TenantID)
		if err != nil {
			c.logger.Error().Err(err).Str("tenant_id", d.TenantID).Msg("eligibility check failed")
			continue
		}
		if !verdict.Eligible {
			continue
		}
		if err := c.Hibernate(ctx, d.TenantID, "inactivity sweep", "hibernation-sweep"); err != nil {
			c.logger.Error().Err(err).Str("tenant_id", d.TenantID).Msg("hibernate failed")
			continue
		}
		hibernated++
	}
	return hibernated, nil
}
