package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/genesishq/genesis/pkg/types"
)

type dropletRow struct {
	TenantID       string         `db:"tenant_id"`
	ProviderID     int64          `db:"provider_id"`
	AccountID      string         `db:"account_id"`
	Region         string         `db:"region"`
	Size           string         `db:"size"`
	PublicIP       string         `db:"public_ip"`
	PublicDNS      string         `db:"public_dns"`
	State          string         `db:"state"`
	LastHeartbeat  sql.NullTime   `db:"last_heartbeat"`
	CPUPercent     float64        `db:"cpu_percent"`
	MemoryPercent  float64        `db:"memory_percent"`
	DiskPercent    float64        `db:"disk_percent"`
	SidecarVersion sql.NullString `db:"sidecar_version"`
	CreatedAt      sql.NullTime   `db:"created_at"`
	UpdatedAt      sql.NullTime   `db:"updated_at"`
}

func (r dropletRow) toDroplet() types.Droplet {
	d := types.Droplet{
		TenantID:      r.TenantID,
		ProviderID:    r.ProviderID,
		AccountID:     r.AccountID,
		Region:        r.Region,
		Size:          r.Size,
		PublicIP:      r.PublicIP,
		PublicDNS:     r.PublicDNS,
		State:         types.DropletState(r.State),
		CPUPercent:    r.CPUPercent,
		MemoryPercent: r.MemoryPercent,
		DiskPercent:   r.DiskPercent,
	}
	if r.LastHeartbeat.Valid {
		d.LastHeartbeat = r.LastHeartbeat.Time
	}
	if r.SidecarVersion.Valid {
		d.SidecarVersion = r.SidecarVersion.String
	}
	if r.CreatedAt.Valid {
		d.CreatedAt = r.CreatedAt.Time
	}
	if r.UpdatedAt.Valid {
		d.UpdatedAt = r.UpdatedAt.Time
	}
	return d
}

const dropletColumns = `tenant_id, provider_id, account_id, region, size, public_ip, public_dns,
	state, last_heartbeat, cpu_percent, memory_percent, disk_percent, sidecar_version, created_at, updated_at`

// TransitionDroplet applies a state transition inside one transaction:
// the droplet row is locked, the transition is validated against the
// state machine, the lifecycle journal row is appended, and only then
// is the new state applied. Per-droplet ordering follows from the row
// lock.
func (p *Postgres) TransitionDroplet(ctx context.Context, dropletID int64, to types.DropletState, reason, actor string, metadata map[string]string) error {
	return p.inTx(ctx, func(tx *sqlx.Tx) error {
		var cur struct {
			TenantID string `db:"tenant_id"`
			State    string `db:"state"`
		}
		err := tx.GetContext(ctx, &cur,
			`SELECT tenant_id, state FROM genesis.droplet_health WHERE provider_id = $1 FOR UPDATE`,
			dropletID)
		if errors.Is(err, sql.ErrNoRows) {
			return types.Errorf(types.KindValidationFailed, "store.transition", "no droplet %d", dropletID).
				WithDroplet(dropletID)
		}
		if err != nil {
			return fmt.Errorf("lock droplet %d: %w", dropletID, err)
		}

		from := types.DropletState(cur.State)
		if !types.CanTransition(from, to) {
			return types.Errorf(types.KindStateTransitionInvalid, "store.transition",
				"%s -> %s is not a legal transition", from, to).
				WithTenant(cur.TenantID).WithDroplet(dropletID)
		}

		meta := []byte("{}")
		if len(metadata) > 0 {
			meta, err = json.Marshal(metadata)
			if err != nil {
				return fmt.Errorf("encode metadata: %w", err)
			}
		}

		// journal before effect
		_, err = tx.ExecContext(ctx,
			`INSERT INTO genesis.lifecycle_log (tenant_id, droplet_id, from_state, to_state, reason, actor, metadata)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			cur.TenantID, dropletID, string(from), string(to), reason, actor, meta)
		if err != nil {
			return fmt.Errorf("append lifecycle log: %w", err)
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE genesis.droplet_health SET state = $1, updated_at = now() WHERE provider_id = $2`,
			string(to), dropletID)
		if err != nil {
			return fmt.Errorf("apply state: %w", err)
		}
		return nil
	})
}

// AppendLifecycleNote journals a same-state step record for a droplet.
// Multi-step sequences (hibernate, wake) journal each completed step
// before the next side effect begins.
func (p *Postgres) AppendLifecycleNote(ctx context.Context, dropletID int64, note, actor string, metadata map[string]string) error {
	var cur struct {
		TenantID string `db:"tenant_id"`
		State    string `db:"state"`
	}
	err := p.db.GetContext(ctx, &cur,
		`SELECT tenant_id, state FROM genesis.droplet_health WHERE provider_id = $1`, dropletID)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Errorf(types.KindValidationFailed, "store.note", "no droplet %d", dropletID).
			WithDroplet(dropletID)
	}
	if err != nil {
		return fmt.Errorf("load droplet %d: %w", dropletID, err)
	}
	meta := []byte("{}")
	if len(metadata) > 0 {
		meta, err = json.Marshal(metadata)
		if err != nil {
			return fmt.Errorf("encode metadata: %w", err)
		}
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO genesis.lifecycle_log (tenant_id, droplet_id, from_state, to_state, reason, actor, metadata)
		 VALUES ($1, $2, $3, $3, $4, $5, $6)`,
		cur.TenantID, dropletID, cur.State, note, actor, meta)
	if err != nil {
		return fmt.Errorf("append lifecycle note: %w", err)
	}
	return nil
}

// InsertDroplet creates the droplet-health row with its minted secrets
func (p *Postgres) InsertDroplet(ctx context.Context, d *types.Droplet, secrets *types.Secrets) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO genesis.droplet_health
		 (tenant_id, provider_id, account_id, region, size, public_ip, public_dns, state,
		  provisioning_token, db_password, engine_key)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		d.TenantID, d.ProviderID, d.AccountID, d.Region, d.Size, d.PublicIP, d.PublicDNS,
		string(d.State), secrets.ProvisioningToken, secrets.DBPassword, secrets.EngineKey)
	if err != nil {
		return fmt.Errorf("insert droplet for %s: %w", d.TenantID, err)
	}
	return nil
}

// GetDroplet loads the droplet owned by a tenant
func (p *Postgres) GetDroplet(ctx context.Context, tenantID string) (*types.Droplet, error) {
	var row dropletRow
	err := p.db.GetContext(ctx, &row,
		`SELECT `+dropletColumns+` FROM genesis.droplet_health WHERE tenant_id = $1`, tenantID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.Errorf(types.KindValidationFailed, "store.droplet", "no droplet for tenant").
			WithTenant(tenantID)
	}
	if err != nil {
		return nil, fmt.Errorf("load droplet for %s: %w", tenantID, err)
	}
	d := row.toDroplet()
	return &d, nil
}

// GetDropletByID loads a droplet by provider ID
func (p *Postgres) GetDropletByID(ctx context.Context, dropletID int64) (*types.Droplet, error) {
	var row dropletRow
	err := p.db.GetContext(ctx, &row,
		`SELECT `+dropletColumns+` FROM genesis.droplet_health WHERE provider_id = $1`, dropletID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.Errorf(types.KindValidationFailed, "store.droplet", "no droplet %d", dropletID).
			WithDroplet(dropletID)
	}
	if err != nil {
		return nil, fmt.Errorf("load droplet %d: %w", dropletID, err)
	}
	d := row.toDroplet()
	return &d, nil
}

// DeleteDroplet removes a tenant's droplet-health row
func (p *Postgres) DeleteDroplet(ctx context.Context, tenantID string) error {
	_, err := p.db.ExecContext(ctx,
		`DELETE FROM genesis.droplet_health WHERE tenant_id = $1`, tenantID)
	if err != nil {
		return fmt.Errorf("delete droplet for %s: %w", tenantID, err)
	}
	return nil
}

// ListDropletHealth returns all droplets the watchdog should examine,
// excluding hibernated and terminal states.
func (p *Postgres) ListDropletHealth(ctx context.Context) ([]types.Droplet, error) {
	var rows []dropletRow
	err := p.db.SelectContext(ctx, &rows,
		`SELECT `+dropletColumns+` FROM genesis.droplet_health
		 WHERE state NOT IN ('HIBERNATING', 'HIBERNATED', 'TERMINATED', 'ORPHAN')`)
	if err != nil {
		return nil, fmt.Errorf("list droplet health: %w", err)
	}
	out := make([]types.Droplet, len(rows))
	for i, r := range rows {
		out[i] = r.toDroplet()
	}
	return out, nil
}

// ListDropletsByState returns droplets currently in any of the given states
func (p *Postgres) ListDropletsByState(ctx context.Context, states ...types.DropletState) ([]types.Droplet, error) {
	if len(states) == 0 {
		return nil, nil
	}
	args := make([]any, len(states))
	ph := make([]string, len(states))
	for i, s := range states {
		args[i] = string(s)
		ph[i] = fmt.Sprintf("$%d", i+1)
	}
	var rows []dropletRow
	err := p.db.SelectContext(ctx, &rows,
		`SELECT `+dropletColumns+` FROM genesis.droplet_health WHERE state IN (`+strings.Join(ph, ", ")+`)`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("list droplets by state: %w", err)
	}
	out := make([]types.Droplet, len(rows))
	for i, r := range rows {
		out[i] = r.toDroplet()
	}
	return out, nil
}

// UpdateSidecarVersion records the running sidecar version on the health row
func (p *Postgres) UpdateSidecarVersion(ctx context.Context, tenantID, version string) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE genesis.droplet_health SET sidecar_version = $1, updated_at = now() WHERE tenant_id = $2`,
		version, tenantID)
	if err != nil {
		return fmt.Errorf("update sidecar version for %s: %w", tenantID, err)
	}
	return nil
}

// UpsertHeartbeats merges a flush batch into the droplet gauges. The
// buffer already coalesced per tenant, so one statement per entry in a
// single transaction is the whole merge.
func (p *Postgres) UpsertHeartbeats(ctx context.Context, hbs []types.Heartbeat) error {
	if len(hbs) == 0 {
		return nil
	}
	return p.inTx(ctx, func(tx *sqlx.Tx) error {
		stmt, err := tx.PreparexContext(ctx,
			`UPDATE genesis.droplet_health
			 SET last_heartbeat = $1, cpu_percent = $2, memory_percent = $3, disk_percent = $4, updated_at = now()
			 WHERE tenant_id = $5`)
		if err != nil {
			return fmt.Errorf("prepare heartbeat upsert: %w", err)
		}
		defer stmt.Close()
		for _, hb := range hbs {
			if _, err := stmt.ExecContext(ctx, hb.Timestamp, hb.CPUPercent, hb.MemoryPercent, hb.DiskPercent, hb.TenantID); err != nil {
				return fmt.Errorf("upsert heartbeat for %s: %w", hb.TenantID, err)
			}
		}
		return nil
	})
}
