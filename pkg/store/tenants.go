package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/genesishq/genesis/pkg/types"
)

type tenantRow struct {
	ID        string       `db:"id"`
	Slug      string       `db:"slug"`
	Region    string       `db:"region"`
	Tier      string       `db:"tier"`
	CreatedAt sql.NullTime `db:"created_at"`
}

func (r tenantRow) toTenant() types.Tenant {
	t := types.Tenant{ID: r.ID, Slug: r.Slug, Region: r.Region, Tier: types.Tier(r.Tier)}
	if r.CreatedAt.Valid {
		t.CreatedAt = r.CreatedAt.Time
	}
	return t
}

// GetTenant loads one tenant by ID
func (p *Postgres) GetTenant(ctx context.Context, id string) (*types.Tenant, error) {
	var row tenantRow
	err := p.db.GetContext(ctx, &row,
		`SELECT id, slug, region, tier, created_at FROM genesis.tenants WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.Errorf(types.KindValidationFailed, "store.tenant", "no tenant").WithTenant(id)
	}
	if err != nil {
		return nil, fmt.Errorf("load tenant %s: %w", id, err)
	}
	t := row.toTenant()
	return &t, nil
}

// ListEligibleTenants returns tenants whose droplets can receive fleet
// updates: not hibernated or hibernating, not in a terminal state.
func (p *Postgres) ListEligibleTenants(ctx context.Context) ([]types.Tenant, error) {
	var rows []tenantRow
	err := p.db.SelectContext(ctx, &rows, `
		SELECT t.id, t.slug, t.region, t.tier, t.created_at
		FROM genesis.tenants t
		JOIN genesis.droplet_health dh ON dh.tenant_id = t.id
		WHERE dh.state NOT IN ('HIBERNATING', 'HIBERNATED', 'TERMINATED', 'ORPHAN')
		ORDER BY t.id`)
	if err != nil {
		return nil, fmt.Errorf("list eligible tenants: %w", err)
	}
	out := make([]types.Tenant, len(rows))
	for i, r := range rows {
		out[i] = r.toTenant()
	}
	return out, nil
}

// TenantActivity loads the recency row for hibernation eligibility. A
// tenant with no activity row is treated as never active.
func (p *Postgres) TenantActivity(ctx context.Context, tenantID string) (*TenantActivity, error) {
	var row struct {
		TenantID        string       `db:"tenant_id"`
		LastCampaignAt  sql.NullTime `db:"last_campaign_at"`
		LastExecutionAt sql.NullTime `db:"last_execution_at"`
		LastLoginAt     sql.NullTime `db:"last_login_at"`
		ManualHold      bool         `db:"manual_hold"`
	}
	err := p.db.GetContext(ctx, &row,
		`SELECT tenant_id, last_campaign_at, last_execution_at, last_login_at, manual_hold
		 FROM genesis.tenant_activity WHERE tenant_id = $1`, tenantID)
	if errors.Is(err, sql.ErrNoRows) {
		return &TenantActivity{TenantID: tenantID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load tenant activity %s: %w", tenantID, err)
	}
	act := &TenantActivity{TenantID: row.TenantID, ManualHold: row.ManualHold}
	if row.LastCampaignAt.Valid {
		act.LastCampaignAt = row.LastCampaignAt.Time
	}
	if row.LastExecutionAt.Valid {
		act.LastExecutionAt = row.LastExecutionAt.Time
	}
	if row.LastLoginAt.Valid {
		act.LastLoginAt = row.LastLoginAt.Time
	}
	return act, nil
}
