package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/genesishq/genesis/pkg/types"
)

type rolloutRow struct {
	ID           string       `db:"id"`
	Component    string       `db:"component"`
	FromVersion  string       `db:"from_version"`
	ToVersion    string       `db:"to_version"`
	Strategy     string       `db:"strategy"`
	Status       string       `db:"status"`
	TotalTenants int          `db:"total_tenants"`
	Completed    int          `db:"completed"`
	Failed       int          `db:"failed"`
	CurrentWave  int          `db:"current_wave"`
	Priority     int          `db:"priority"`
	CreatedBy    string       `db:"created_by"`
	Reason       string       `db:"reason"`
	WorkflowName string       `db:"workflow_name"`
	WorkflowJSON []byte       `db:"workflow_json"`
	CreatedAt    sql.NullTime `db:"created_at"`
	UpdatedAt    sql.NullTime `db:"updated_at"`
}

func (r rolloutRow) toRollout() types.Rollout {
	ro := types.Rollout{
		ID:           r.ID,
		Component:    r.Component,
		FromVersion:  r.FromVersion,
		ToVersion:    r.ToVersion,
		Strategy:     types.RolloutStrategy(r.Strategy),
		Status:       types.RolloutStatus(r.Status),
		TotalTenants: r.TotalTenants,
		Completed:    r.Completed,
		Failed:       r.Failed,
		CurrentWave:  r.CurrentWave,
		Priority:     r.Priority,
		CreatedBy:    r.CreatedBy,
		Reason:       r.Reason,
		WorkflowName: r.WorkflowName,
		WorkflowJSON: r.WorkflowJSON,
	}
	if r.CreatedAt.Valid {
		ro.CreatedAt = r.CreatedAt.Time
	}
	if r.UpdatedAt.Valid {
		ro.UpdatedAt = r.UpdatedAt.Time
	}
	return ro
}

const rolloutColumns = `id, component, from_version, to_version, strategy, status, total_tenants,
	completed, failed, current_wave, priority, created_by, reason, workflow_name, workflow_json,
	created_at, updated_at`

// InsertRollout persists a new rollout plan
func (p *Postgres) InsertRollout(ctx context.Context, r *types.Rollout) error {
	var workflowJSON any
	if len(r.WorkflowJSON) > 0 {
		workflowJSON = []byte(r.WorkflowJSON)
	}
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO genesis.rollouts
		 (id, component, from_version, to_version, strategy, status, total_tenants, priority, created_by, reason, workflow_name, workflow_json)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		r.ID, r.Component, r.FromVersion, r.ToVersion, string(r.Strategy), string(r.Status),
		r.TotalTenants, r.Priority, r.CreatedBy, r.Reason, r.WorkflowName, workflowJSON)
	if err != nil {
		return fmt.Errorf("insert rollout %s: %w", r.ID, err)
	}
	return nil
}

// ListRolloutsByStatus returns rollouts in any of the given statuses,
// oldest first. Startup recovery uses it to find rollouts whose driver
// died with the previous process.
func (p *Postgres) ListRolloutsByStatus(ctx context.Context, statuses ...types.RolloutStatus) ([]types.Rollout, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	args := make([]any, len(statuses))
	marks := make([]string, len(statuses))
	for i, s := range statuses {
		args[i] = string(s)
		marks[i] = fmt.Sprintf("$%d", i+1)
	}
	var rows []rolloutRow
	err := p.db.SelectContext(ctx, &rows,
		`SELECT `+rolloutColumns+` FROM genesis.rollouts
		 WHERE status IN (`+strings.Join(marks, ", ")+`)
		 ORDER BY created_at`, args...)
	if err != nil {
		return nil, fmt.Errorf("list rollouts by status: %w", err)
	}
	out := make([]types.Rollout, len(rows))
	for i, r := range rows {
		out[i] = r.toRollout()
	}
	return out, nil
}

// GetRollout loads one rollout by ID
func (p *Postgres) GetRollout(ctx context.Context, id string) (*types.Rollout, error) {
	var row rolloutRow
	err := p.db.GetContext(ctx, &row,
		`SELECT `+rolloutColumns+` FROM genesis.rollouts WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.Errorf(types.KindValidationFailed, "store.rollout", "no rollout %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("load rollout %s: %w", id, err)
	}
	ro := row.toRollout()
	return &ro, nil
}

// UpdateRolloutStatus moves a rollout to a new lifecycle status. A
// non-empty reason replaces the stored one (pause cause, abort cause,
// "skip").
func (p *Postgres) UpdateRolloutStatus(ctx context.Context, id string, status types.RolloutStatus, reason string) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE genesis.rollouts
		 SET status = $1, reason = COALESCE(NULLIF($2, ''), reason), updated_at = now()
		 WHERE id = $3`,
		string(status), reason, id)
	if err != nil {
		return fmt.Errorf("update rollout %s status: %w", id, err)
	}
	return nil
}

// UpdateRolloutProgress records per-state counters and the active wave
func (p *Postgres) UpdateRolloutProgress(ctx context.Context, id string, completed, failed, currentWave int) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE genesis.rollouts
		 SET completed = $1, failed = $2, current_wave = $3, updated_at = now()
		 WHERE id = $4`,
		completed, failed, currentWave, id)
	if err != nil {
		return fmt.Errorf("update rollout %s progress: %w", id, err)
	}
	return nil
}

// ActiveRolloutForComponent finds a running or paused rollout for a
// component, nil when none exists.
func (p *Postgres) ActiveRolloutForComponent(ctx context.Context, component string) (*types.Rollout, error) {
	var row rolloutRow
	err := p.db.GetContext(ctx, &row,
		`SELECT `+rolloutColumns+` FROM genesis.rollouts
		 WHERE component = $1 AND status IN ('pending', 'running', 'paused')
		 ORDER BY created_at DESC LIMIT 1`, component)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find active rollout for %s: %w", component, err)
	}
	ro := row.toRollout()
	return &ro, nil
}

// InsertWave persists a wave membership snapshot
func (p *Postgres) InsertWave(ctx context.Context, w *types.Wave) error {
	members, err := json.Marshal(w.TenantIDs)
	if err != nil {
		return fmt.Errorf("encode wave members: %w", err)
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO genesis.waves (rollout_id, number, percent, tenant_ids, status, total)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		w.RolloutID, w.Number, w.Percent, members, string(w.Status), w.Total)
	if err != nil {
		return fmt.Errorf("insert wave %s/%d: %w", w.RolloutID, w.Number, err)
	}
	return nil
}

// UpdateWave records a wave's counters and status. Membership and total
// are rewritten as well so a skip-to-100 merge persists.
func (p *Postgres) UpdateWave(ctx context.Context, w *types.Wave) error {
	members, err := json.Marshal(w.TenantIDs)
	if err != nil {
		return fmt.Errorf("encode wave members: %w", err)
	}
	_, err = p.db.ExecContext(ctx,
		`UPDATE genesis.waves
		 SET status = $1, tenant_ids = $2, total = $3, completed = $4, failed = $5, error_rate = $6,
		     started_at = COALESCE(started_at, $7), ended_at = $8
		 WHERE rollout_id = $9 AND number = $10`,
		string(w.Status), members, w.Total, w.Completed, w.Failed, w.ErrorRate,
		nullTime(w.StartedAt), nullTime(w.EndedAt), w.RolloutID, w.Number)
	if err != nil {
		return fmt.Errorf("update wave %s/%d: %w", w.RolloutID, w.Number, err)
	}
	return nil
}

// ListWaves returns a rollout's waves in order
func (p *Postgres) ListWaves(ctx context.Context, rolloutID string) ([]types.Wave, error) {
	var rows []struct {
		RolloutID string       `db:"rollout_id"`
		Number    int          `db:"number"`
		Percent   int          `db:"percent"`
		TenantIDs []byte       `db:"tenant_ids"`
		Status    string       `db:"status"`
		Total     int          `db:"total"`
		Completed int          `db:"completed"`
		Failed    int          `db:"failed"`
		ErrorRate float64      `db:"error_rate"`
		StartedAt sql.NullTime `db:"started_at"`
		EndedAt   sql.NullTime `db:"ended_at"`
	}
	err := p.db.SelectContext(ctx, &rows,
		`SELECT rollout_id, number, percent, tenant_ids, status, total, completed, failed, error_rate, started_at, ended_at
		 FROM genesis.waves WHERE rollout_id = $1 ORDER BY number`, rolloutID)
	if err != nil {
		return nil, fmt.Errorf("list waves for %s: %w", rolloutID, err)
	}
	out := make([]types.Wave, len(rows))
	for i, r := range rows {
		w := types.Wave{
			RolloutID: r.RolloutID,
			Number:    r.Number,
			Percent:   r.Percent,
			Status:    types.WaveStatus(r.Status),
			Total:     r.Total,
			Completed: r.Completed,
			Failed:    r.Failed,
			ErrorRate: r.ErrorRate,
		}
		if len(r.TenantIDs) > 0 {
			if err := json.Unmarshal(r.TenantIDs, &w.TenantIDs); err != nil {
				return nil, fmt.Errorf("decode wave members %s/%d: %w", r.RolloutID, r.Number, err)
			}
		}
		if r.StartedAt.Valid {
			w.StartedAt = r.StartedAt.Time
		}
		if r.EndedAt.Valid {
			w.EndedAt = r.EndedAt.Time
		}
		out[i] = w
	}
	return out, nil
}
