package store

import (
	"context"
	"time"

	"github.com/genesishq/genesis/pkg/types"
)

// TenantActivity is the recency data hibernation eligibility is judged on
type TenantActivity struct {
	TenantID        string
	LastCampaignAt  time.Time
	LastExecutionAt time.Time
	LastLoginAt     time.Time
	ManualHold      bool
}

// Store is the persistent state layer. All mutating droplet transitions
// funnel through TransitionDroplet so the lifecycle journal is written
// before the state takes effect and per-droplet ordering is serialized.
type Store interface {
	// droplets
	TransitionDroplet(ctx context.Context, dropletID int64, to types.DropletState, reason, actor string, metadata map[string]string) error
	InsertDroplet(ctx context.Context, d *types.Droplet, secrets *types.Secrets) error
	GetDroplet(ctx context.Context, tenantID string) (*types.Droplet, error)
	GetDropletByID(ctx context.Context, dropletID int64) (*types.Droplet, error)
	DeleteDroplet(ctx context.Context, tenantID string) error
	ListDropletHealth(ctx context.Context) ([]types.Droplet, error)
	ListDropletsByState(ctx context.Context, states ...types.DropletState) ([]types.Droplet, error)
	UpdateSidecarVersion(ctx context.Context, tenantID, version string) error
	AppendLifecycleNote(ctx context.Context, dropletID int64, note, actor string, metadata map[string]string) error

	// accounts
	SelectAccountForProvision(ctx context.Context, region string) (*types.Account, error)
	ReleaseAccountSlot(ctx context.Context, accountID string) error
	GetAccount(ctx context.Context, id string) (*types.Account, error)

	// tenants
	GetTenant(ctx context.Context, id string) (*types.Tenant, error)
	ListEligibleTenants(ctx context.Context) ([]types.Tenant, error)
	TenantActivity(ctx context.Context, tenantID string) (*TenantActivity, error)

	// version ledger (append-only)
	AppendVersion(ctx context.Context, e *types.VersionEntry) error
	CurrentVersion(ctx context.Context, tenantID, component string) (*types.VersionEntry, error)
	TenantsOnVersion(ctx context.Context, component, version string) ([]string, error)

	// rollouts and waves
	InsertRollout(ctx context.Context, r *types.Rollout) error
	GetRollout(ctx context.Context, id string) (*types.Rollout, error)
	ListRolloutsByStatus(ctx context.Context, statuses ...types.RolloutStatus) ([]types.Rollout, error)
	UpdateRolloutStatus(ctx context.Context, id string, status types.RolloutStatus, reason string) error
	UpdateRolloutProgress(ctx context.Context, id string, completed, failed, currentWave int) error
	ActiveRolloutForComponent(ctx context.Context, component string) (*types.Rollout, error)
	InsertWave(ctx context.Context, w *types.Wave) error
	UpdateWave(ctx context.Context, w *types.Wave) error
	ListWaves(ctx context.Context, rolloutID string) ([]types.Wave, error)

	// heartbeats
	UpsertHeartbeats(ctx context.Context, hbs []types.Heartbeat) error

	// append-only ledgers
	InsertCredentialUpdate(ctx context.Context, c *types.CredentialUpdate) error
	InsertCostEntry(ctx context.Context, c *types.CostEntry) error

	// aggregates
	FleetSummary(ctx context.Context) (*types.FleetSummary, error)
	ScaleMetrics(ctx context.Context) (*types.ScaleMetrics, error)

	Close() error
}
