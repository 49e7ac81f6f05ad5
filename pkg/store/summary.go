package store

import (
	"context"
	"fmt"
	"time"

	"github.com/genesishq/genesis/pkg/types"
)

// FleetSummary reads the fleet-wide aggregate view
func (p *Postgres) FleetSummary(ctx context.Context) (*types.FleetSummary, error) {
	var row struct {
		TotalDroplets   int     `db:"total_droplets"`
		ActiveHealthy   int     `db:"active_healthy"`
		ActiveDegraded  int     `db:"active_degraded"`
		Hibernated      int     `db:"hibernated"`
		Zombies         int     `db:"zombies"`
		AvgCPUPercent   float64 `db:"avg_cpu_percent"`
		AvgMemPercent   float64 `db:"avg_mem_percent"`
		AvgDiskPercent  float64 `db:"avg_disk_percent"`
		StaleHeartbeats int     `db:"stale_heartbeats"`
	}
	err := p.db.GetContext(ctx, &row,
		`SELECT total_droplets, active_healthy, active_degraded, hibernated, zombies,
		        avg_cpu_percent, avg_mem_percent, avg_disk_percent, stale_heartbeats
		 FROM genesis.fleet_summary`)
	if err != nil {
		return nil, fmt.Errorf("fleet summary: %w", err)
	}
	return &types.FleetSummary{
		TotalDroplets:   row.TotalDroplets,
		ActiveHealthy:   row.ActiveHealthy,
		ActiveDegraded:  row.ActiveDegraded,
		Hibernated:      row.Hibernated,
		Zombies:         row.Zombies,
		AvgCPUPercent:   row.AvgCPUPercent,
		AvgMemPercent:   row.AvgMemPercent,
		AvgDiskPercent:  row.AvgDiskPercent,
		StaleHeartbeats: row.StaleHeartbeats,
	}, nil
}

// ScaleMetrics samples store-level figures for the scale-alerts service
func (p *Postgres) ScaleMetrics(ctx context.Context) (*types.ScaleMetrics, error) {
	var row struct {
		TenantCount      int `db:"tenant_count"`
		DropletCount     int `db:"droplet_count"`
		AccountsNearFull int `db:"accounts_near_full"`
	}
	err := p.db.GetContext(ctx, &row, `
		SELECT
			(SELECT count(*) FROM genesis.tenants) AS tenant_count,
			(SELECT count(*) FROM genesis.droplet_health WHERE state NOT IN ('TERMINATED', 'ORPHAN')) AS droplet_count,
			(SELECT count(*) FROM genesis.accounts WHERE status = 'full'
			    OR current_droplets::float >= $1 * max_droplets) AS accounts_near_full`,
		types.FullThreshold)
	if err != nil {
		return nil, fmt.Errorf("scale metrics: %w", err)
	}
	return &types.ScaleMetrics{
		TenantCount:      row.TenantCount,
		DropletCount:     row.DropletCount,
		AccountsNearFull: row.AccountsNearFull,
		SampledAt:        time.Now(),
	}, nil
}
