package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/genesishq/genesis/pkg/types"
)

// AppendVersion writes one immutable version ledger row
func (p *Postgres) AppendVersion(ctx context.Context, e *types.VersionEntry) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO genesis.tenant_versions (tenant_id, component, version, previous_version, rollout_id)
		 VALUES ($1, $2, $3, $4, $5)`,
		e.TenantID, e.Component, e.Version, e.PreviousVersion, e.RolloutID)
	if err != nil {
		return fmt.Errorf("append version for %s/%s: %w", e.TenantID, e.Component, err)
	}
	return nil
}

// CurrentVersion derives the current (tenant, component) version from
// the last ledger row. Nil when the tenant has no entry yet.
func (p *Postgres) CurrentVersion(ctx context.Context, tenantID, component string) (*types.VersionEntry, error) {
	var row struct {
		ID              int64        `db:"id"`
		TenantID        string       `db:"tenant_id"`
		Component       string       `db:"component"`
		Version         string       `db:"version"`
		PreviousVersion string       `db:"previous_version"`
		RolloutID       string       `db:"rollout_id"`
		RecordedAt      sql.NullTime `db:"recorded_at"`
	}
	err := p.db.GetContext(ctx, &row,
		`SELECT id, tenant_id, component, version, previous_version, rollout_id, recorded_at
		 FROM genesis.tenant_versions
		 WHERE tenant_id = $1 AND component = $2
		 ORDER BY id DESC LIMIT 1`, tenantID, component)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("current version %s/%s: %w", tenantID, component, err)
	}
	e := &types.VersionEntry{
		ID:              row.ID,
		TenantID:        row.TenantID,
		Component:       row.Component,
		Version:         row.Version,
		PreviousVersion: row.PreviousVersion,
		RolloutID:       row.RolloutID,
	}
	if row.RecordedAt.Valid {
		e.RecordedAt = row.RecordedAt.Time
	}
	return e, nil
}

// TenantsOnVersion lists tenants whose current ledger row for a
// component matches the given version, used for affected-only rollback.
func (p *Postgres) TenantsOnVersion(ctx context.Context, component, version string) ([]string, error) {
	var ids []string
	err := p.db.SelectContext(ctx, &ids, `
		SELECT tenant_id FROM (
			SELECT DISTINCT ON (tenant_id) tenant_id, version
			FROM genesis.tenant_versions
			WHERE component = $1
			ORDER BY tenant_id, id DESC
		) cur
		WHERE cur.version = $2
		ORDER BY tenant_id`, component, version)
	if err != nil {
		return nil, fmt.Errorf("tenants on %s@%s: %w", component, version, err)
	}
	return ids, nil
}

// InsertCredentialUpdate writes one immutable credential injection record
func (p *Postgres) InsertCredentialUpdate(ctx context.Context, c *types.CredentialUpdate) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO genesis.credential_updates (tenant_id, droplet_id, credential_type, verified)
		 VALUES ($1, $2, $3, $4)`,
		c.TenantID, c.DropletID, c.CredentialType, c.Verified)
	if err != nil {
		return fmt.Errorf("insert credential update for %s: %w", c.TenantID, err)
	}
	return nil
}

// InsertCostEntry writes one billing-relevant ledger row
func (p *Postgres) InsertCostEntry(ctx context.Context, c *types.CostEntry) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO genesis.cost_entries (tenant_id, droplet_id, kind, amount_usd, note)
		 VALUES ($1, $2, $3, $4, $5)`,
		c.TenantID, c.DropletID, c.Kind, c.AmountUSD, c.Note)
	if err != nil {
		return fmt.Errorf("insert cost entry for %s: %w", c.TenantID, err)
	}
	return nil
}
