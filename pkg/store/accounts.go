package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/genesishq/genesis/pkg/types"
)

type accountRow struct {
	ID              string       `db:"id"`
	Region          string       `db:"region"`
	MaxDroplets     int          `db:"max_droplets"`
	CurrentDroplets int          `db:"current_droplets"`
	Status          string       `db:"status"`
	CreatedAt       sql.NullTime `db:"created_at"`
}

func (r accountRow) toAccount() types.Account {
	a := types.Account{
		ID:              r.ID,
		Region:          r.Region,
		MaxDroplets:     r.MaxDroplets,
		CurrentDroplets: r.CurrentDroplets,
		Status:          types.AccountStatus(r.Status),
	}
	if r.CreatedAt.Valid {
		a.CreatedAt = r.CreatedAt.Time
	}
	return a
}

// SelectAccountForProvision atomically claims a slot on the active
// account with the most headroom in the region, oldest first on ties.
// The increment and the full-status flip happen in the same statement,
// so current never exceeds cap even under concurrent provisions.
func (p *Postgres) SelectAccountForProvision(ctx context.Context, region string) (*types.Account, error) {
	var row accountRow
	err := p.db.GetContext(ctx, &row, `
		WITH candidate AS (
			SELECT id FROM genesis.accounts
			WHERE region = $1 AND status = 'active' AND current_droplets < max_droplets
			ORDER BY (max_droplets - current_droplets) DESC, created_at ASC
			LIMIT 1
			FOR UPDATE
		)
		UPDATE genesis.accounts a
		SET current_droplets = a.current_droplets + 1,
		    status = CASE
		        WHEN (a.current_droplets + 1)::float >= $2 * a.max_droplets THEN 'full'
		        ELSE a.status
		    END
		FROM candidate c
		WHERE a.id = c.id
		RETURNING a.id, a.region, a.max_droplets, a.current_droplets, a.status, a.created_at`,
		region, types.FullThreshold)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.Errorf(types.KindNoCapacity, "store.account", "no active account with headroom in %s", region)
	}
	if err != nil {
		return nil, fmt.Errorf("select account in %s: %w", region, err)
	}
	a := row.toAccount()
	return &a, nil
}

// ReleaseAccountSlot returns a claimed slot, bounded at zero. The
// full-to-active flip happens in the same statement as the decrement.
func (p *Postgres) ReleaseAccountSlot(ctx context.Context, accountID string) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE genesis.accounts
		SET current_droplets = GREATEST(current_droplets - 1, 0),
		    status = CASE
		        WHEN status = 'full' AND GREATEST(current_droplets - 1, 0)::float < $2 * max_droplets THEN 'active'
		        ELSE status
		    END
		WHERE id = $1`,
		accountID, types.FullThreshold)
	if err != nil {
		return fmt.Errorf("release account slot %s: %w", accountID, err)
	}
	return nil
}

// GetAccount loads one account by ID
func (p *Postgres) GetAccount(ctx context.Context, id string) (*types.Account, error) {
	var row accountRow
	err := p.db.GetContext(ctx, &row,
		`SELECT id, region, max_droplets, current_droplets, status, created_at
		 FROM genesis.accounts WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.Errorf(types.KindValidationFailed, "store.account", "no account %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("load account %s: %w", id, err)
	}
	a := row.toAccount()
	return &a, nil
}
