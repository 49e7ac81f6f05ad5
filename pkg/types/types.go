package types

import (
	"encoding/json"
	"time"
)

// Tier classifies a tenant for hibernation and pre-warm policy
type Tier string

const (
	TierEnterprise   Tier = "enterprise"
	TierHighPriority Tier = "high-priority"
	TierStandard     Tier = "standard"
)

// Weight returns the scheduling priority of a tier (higher wakes first)
func (t Tier) Weight() int {
	switch t {
	case TierEnterprise:
		return 3
	case TierHighPriority:
		return 2
	default:
		return 1
	}
}

// Tenant is a customer workspace owning at most one droplet
type Tenant struct {
	ID        string
	Slug      string
	Region    string
	Tier      Tier
	CreatedAt time.Time
}

// DropletState represents the current state of a droplet in its lifecycle
type DropletState string

const (
	StatePending          DropletState = "PENDING"
	StateProvisioning     DropletState = "PROVISIONING"
	StateBooting          DropletState = "BOOTING"
	StateInitializing     DropletState = "INITIALIZING"
	StateHandshakePending DropletState = "HANDSHAKE_PENDING"
	StateActiveHealthy    DropletState = "ACTIVE_HEALTHY"
	StateActiveDegraded   DropletState = "ACTIVE_DEGRADED"
	StateHibernating      DropletState = "HIBERNATING"
	StateHibernated       DropletState = "HIBERNATED"
	StateWaking           DropletState = "WAKING"
	StateZombie           DropletState = "ZOMBIE"
	StateRebooting        DropletState = "REBOOTING"
	StateTerminated       DropletState = "TERMINATED"
	StateOrphan           DropletState = "ORPHAN"
)

// legalSuccessors defines the droplet state machine. Any transition not
// listed here is illegal and must fail with STATE_TRANSITION_INVALID.
var legalSuccessors = map[DropletState][]DropletState{
	StatePending:          {StateProvisioning, StateOrphan},
	StateProvisioning:     {StateBooting, StateOrphan},
	StateBooting:          {StateInitializing, StateOrphan},
	StateInitializing:     {StateHandshakePending, StateOrphan},
	StateHandshakePending: {StateActiveHealthy, StateZombie, StateOrphan},
	StateActiveHealthy:    {StateActiveDegraded, StateHibernating, StateZombie, StateTerminated},
	StateActiveDegraded:   {StateActiveHealthy, StateZombie, StateHibernating, StateTerminated},
	StateHibernating:      {StateHibernated, StateActiveHealthy},
	StateHibernated:       {StateWaking, StateTerminated},
	StateWaking:           {StateActiveHealthy, StateZombie},
	StateZombie:           {StateRebooting, StateTerminated},
	StateRebooting:        {StateActiveHealthy, StateZombie, StateTerminated},
	StateTerminated:       {},
	StateOrphan:           {StateTerminated},
}

// CanTransition reports whether from -> to is a legal droplet transition
func CanTransition(from, to DropletState) bool {
	for _, s := range legalSuccessors[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether a state has no legal successors
func (s DropletState) Terminal() bool {
	return len(legalSuccessors[s]) == 0
}

// Droplet is a VM bound 1:1 to a tenant
type Droplet struct {
	TenantID       string
	ProviderID     int64
	AccountID      string
	Region         string
	Size           string
	PublicIP       string
	PublicDNS      string
	State          DropletState
	LastHeartbeat  time.Time
	CPUPercent     float64
	MemoryPercent  float64
	DiskPercent    float64
	SidecarVersion string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// AccountStatus represents the capacity status of a cloud sub-account
type AccountStatus string

const (
	AccountActive   AccountStatus = "active"
	AccountFull     AccountStatus = "full"
	AccountDisabled AccountStatus = "disabled"
)

// FullThreshold is the fraction of an account's cap at which its status
// flips to full (and back to active when it drops below).
const FullThreshold = 0.95

// Account is a cloud-provider sub-account in the pool
type Account struct {
	ID              string
	Region          string
	MaxDroplets     int
	CurrentDroplets int
	Status          AccountStatus
	CreatedAt       time.Time
}

// Secrets are the per-droplet credentials minted at provision time.
// They are persisted with the droplet row and must never appear in
// logs, error text or job payloads.
type Secrets struct {
	ProvisioningToken string
	DBPassword        string
	EngineKey         string
}

// Heartbeat is one reading from a droplet's sidecar
type Heartbeat struct {
	TenantID      string    `json:"tenant_id"`
	DropletID     int64     `json:"droplet_id"`
	Timestamp     time.Time `json:"timestamp"`
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryPercent float64   `json:"memory_percent"`
	DiskPercent   float64   `json:"disk_percent"`
	EngineHealthy bool      `json:"engine_healthy"`
}

// LifecycleEvent is an immutable journal row recording a droplet state transition
type LifecycleEvent struct {
	ID        int64
	TenantID  string
	DropletID int64
	FromState DropletState
	ToState   DropletState
	Reason    string
	Actor     string
	Timestamp time.Time
	Metadata  map[string]string
}

// RolloutStrategy selects how a rollout partitions its tenants
type RolloutStrategy string

const (
	// StrategyCanaryStaged promotes through the 1/10/25/50/100 wave ladder
	StrategyCanaryStaged RolloutStrategy = "canary-staged"
	// StrategyFleetSync emits all tenants as a single wave
	StrategyFleetSync RolloutStrategy = "fleet-sync"
)

// RolloutStatus is the lifecycle status of a rollout
type RolloutStatus string

const (
	RolloutPending   RolloutStatus = "pending"
	RolloutRunning   RolloutStatus = "running"
	RolloutPaused    RolloutStatus = "paused"
	RolloutCompleted RolloutStatus = "completed"
	RolloutAborted   RolloutStatus = "aborted"
	RolloutFailed    RolloutStatus = "failed"
)

// WavePercents is the canonical cumulative wave ladder for canary-staged rollouts
var WavePercents = []int{1, 10, 25, 50, 100}

// Rollout is a plan to move a component from one version to another
// across tenants. The workflow fields are the emission material for
// workflow rollouts; they live on the row so a restarted process can
// rebuild per-tenant jobs without the creating process's memory.
type Rollout struct {
	ID           string
	Component    string
	FromVersion  string
	ToVersion    string
	Strategy     RolloutStrategy
	Status       RolloutStatus
	TotalTenants int
	Completed    int
	Failed       int
	CurrentWave  int
	Priority     int
	CreatedBy    string
	Reason       string
	WorkflowName string
	WorkflowJSON json.RawMessage
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// WaveStatus is the lifecycle status of a single wave
type WaveStatus string

const (
	WavePending   WaveStatus = "pending"
	WaveActive    WaveStatus = "active"
	WaveCompleted WaveStatus = "completed"
	WaveFailed    WaveStatus = "failed"
)

// Wave is one promotion slice of a rollout
type Wave struct {
	RolloutID string
	Number    int
	Percent   int
	TenantIDs []string
	Status    WaveStatus
	Total     int
	Completed int
	Failed    int
	ErrorRate float64
	StartedAt time.Time
	EndedAt   time.Time
}

// VersionEntry is one append-only version ledger row per (tenant, component)
type VersionEntry struct {
	ID              int64
	TenantID        string
	Component       string
	Version         string
	PreviousVersion string
	RolloutID       string
	RecordedAt      time.Time
}

// CredentialUpdate is one append-only record of a credential injection
type CredentialUpdate struct {
	ID             int64
	TenantID       string
	DropletID      int64
	CredentialType string
	Verified       bool
	RecordedAt     time.Time
}

// CostEntry records a billing-relevant lifecycle action (hibernate/wake/provision)
type CostEntry struct {
	ID        int64
	TenantID  string
	DropletID int64
	Kind      string
	AmountUSD float64
	Note      string
	CreatedAt time.Time
}

// FleetSummary is the store-side aggregate over droplet health
type FleetSummary struct {
	TotalDroplets   int
	ActiveHealthy   int
	ActiveDegraded  int
	Hibernated      int
	Zombies         int
	AvgCPUPercent   float64
	AvgMemPercent   float64
	AvgDiskPercent  float64
	StaleHeartbeats int
}

// ServiceStatus is one background service's health snapshot
type ServiceStatus struct {
	Name       string    `json:"name"`
	Running    bool      `json:"running"`
	LastRun    time.Time `json:"last_run,omitzero"`
	ErrorCount int       `json:"error_count"`
	Degraded   bool      `json:"degraded,omitempty"`
	Reason     string    `json:"reason,omitempty"`
}

// ScaleMetrics samples DB-level figures for the scale-alerts service
type ScaleMetrics struct {
	TenantCount      int
	DropletCount     int
	AccountsNearFull int
	DLQTotal         int
	SampledAt        time.Time
}
