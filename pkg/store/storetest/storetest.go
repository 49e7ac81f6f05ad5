// Package storetest provides an in-memory Store for tests. It enforces
// the same transition legality and account bounds as the Postgres
// implementation so scenario tests exercise real invariants.
package storetest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/genesishq/genesis/pkg/store"
	"github.com/genesishq/genesis/pkg/types"
)

// Memory is an in-memory Store
type Memory struct {
	mu sync.Mutex

	Tenants  map[string]*types.Tenant
	Droplets map[string]*types.Droplet // keyed by tenant ID
	Secrets  map[string]*types.Secrets // keyed by tenant ID
	Accounts map[string]*types.Account
	Activity map[string]*store.TenantActivity

	Events      []types.LifecycleEvent
	Versions    []types.VersionEntry
	CredUpdates []types.CredentialUpdate
	Costs       []types.CostEntry

	Rollouts map[string]*types.Rollout
	Waves    map[string][]*types.Wave

	// UpsertErr fails the next UpsertHeartbeats call when set
	UpsertErr error
	// FailTransitionTo fails the next TransitionDroplet into that state when set
	FailTransitionTo types.DropletState
	// NoteErr fails the next AppendLifecycleNote call when set
	NoteErr error
	// Releases records the account IDs passed to ReleaseAccountSlot in order
	Releases []string

	byProvider map[int64]string
}

var _ store.Store = (*Memory)(nil)

// New returns an empty in-memory store
func New() *Memory {
	return &Memory{
		Tenants:    make(map[string]*types.Tenant),
		Droplets:   make(map[string]*types.Droplet),
		Secrets:    make(map[string]*types.Secrets),
		Accounts:   make(map[string]*types.Account),
		Activity:   make(map[string]*store.TenantActivity),
		Rollouts:   make(map[string]*types.Rollout),
		Waves:      make(map[string][]*types.Wave),
		byProvider: make(map[int64]string),
	}
}

// AddTenant seeds a tenant
func (m *Memory) AddTenant(t types.Tenant) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := t
	m.Tenants[t.ID] = &cp
}

// AddAccount seeds an account
func (m *Memory) AddAccount(a types.Account) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := a
	if cp.Status == "" {
		cp.Status = types.AccountActive
	}
	m.Accounts[a.ID] = &cp
}

// AddDroplet seeds a droplet
func (m *Memory) AddDroplet(d types.Droplet) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := d
	m.Droplets[d.TenantID] = &cp
	m.byProvider[d.ProviderID] = d.TenantID
}

// EventsTo returns the journalled transitions into a given state
func (m *Memory) EventsTo(state types.DropletState) []types.LifecycleEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.LifecycleEvent
	for _, e := range m.Events {
		if e.ToState == state {
			out = append(out, e)
		}
	}
	return out
}

func (m *Memory) TransitionDroplet(ctx context.Context, dropletID int64, to types.DropletState, reason, actor string, metadata map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tenantID, ok := m.byProvider[dropletID]
	if !ok {
		return types.Errorf(types.KindValidationFailed, "store.transition", "no droplet %d", dropletID).
			WithDroplet(dropletID)
	}
	if m.FailTransitionTo != "" && m.FailTransitionTo == to {
		m.FailTransitionTo = ""
		return types.Errorf(types.KindDegradedDependency, "store.transition", "journal write failed").
			WithDroplet(dropletID)
	}
	d := m.Droplets[tenantID]
	if !types.CanTransition(d.State, to) {
		return types.Errorf(types.KindStateTransitionInvalid, "store.transition",
			"%s -> %s is not a legal transition", d.State, to).
			WithTenant(tenantID).WithDroplet(dropletID)
	}
	m.Events = append(m.Events, types.LifecycleEvent{
		TenantID:  tenantID,
		DropletID: dropletID,
		FromState: d.State,
		ToState:   to,
		Reason:    reason,
		Actor:     actor,
		Timestamp: time.Now(),
		Metadata:  metadata,
	})
	d.State = to
	d.UpdatedAt = time.Now()
	return nil
}

func (m *Memory) AppendLifecycleNote(ctx context.Context, dropletID int64, note, actor string, metadata map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tenantID, ok := m.byProvider[dropletID]
	if !ok {
		return types.Errorf(types.KindValidationFailed, "store.note", "no droplet %d", dropletID).
			WithDroplet(dropletID)
	}
	if m.NoteErr != nil {
		err := m.NoteErr
		m.NoteErr = nil
		return err
	}
	d := m.Droplets[tenantID]
	m.Events = append(m.Events, types.LifecycleEvent{
		TenantID:  tenantID,
		DropletID: dropletID,
		FromState: d.State,
		ToState:   d.State,
		Reason:    note,
		Actor:     actor,
		Timestamp: time.Now(),
		Metadata:  metadata,
	})
	return nil
}

func (m *Memory) InsertDroplet(ctx context.Context, d *types.Droplet, secrets *types.Secrets) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.Droplets[d.TenantID]; ok {
		if !existing.State.Terminal() && existing.State != types.StateOrphan {
			return types.Errorf(types.KindValidationFailed, "store.droplet", "tenant already owns droplet %d", existing.ProviderID).
				WithTenant(d.TenantID)
		}
		delete(m.byProvider, existing.ProviderID)
	}
	cp := *d
	cp.CreatedAt = time.Now()
	m.Droplets[d.TenantID] = &cp
	m.byProvider[d.ProviderID] = d.TenantID
	if secrets != nil {
		sc := *secrets
		m.Secrets[d.TenantID] = &sc
	}
	return nil
}

func (m *Memory) GetDroplet(ctx context.Context, tenantID string) (*types.Droplet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.Droplets[tenantID]
	if !ok {
		return nil, types.Errorf(types.KindValidationFailed, "store.droplet", "no droplet for tenant").
			WithTenant(tenantID)
	}
	cp := *d
	return &cp, nil
}

func (m *Memory) GetDropletByID(ctx context.Context, dropletID int64) (*types.Droplet, error) {
	m.mu.Lock()
	tenantID, ok := m.byProvider[dropletID]
	m.mu.Unlock()
	if !ok {
		return nil, types.Errorf(types.KindValidationFailed, "store.droplet", "no droplet %d", dropletID).
			WithDroplet(dropletID)
	}
	return m.GetDroplet(ctx, tenantID)
}

func (m *Memory) DeleteDroplet(ctx context.Context, tenantID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.Droplets[tenantID]; ok {
		delete(m.byProvider, d.ProviderID)
		delete(m.Droplets, tenantID)
	}
	return nil
}

func (m *Memory) ListDropletHealth(ctx context.Context) ([]types.Droplet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.Droplet
	for _, d := range m.Droplets {
		switch d.State {
		case types.StateHibernating, types.StateHibernated, types.StateTerminated, types.StateOrphan:
			continue
		}
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TenantID < out[j].TenantID })
	return out, nil
}

func (m *Memory) ListDropletsByState(ctx context.Context, states ...types.DropletState) ([]types.Droplet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.Droplet
	for _, d := range m.Droplets {
		for _, s := range states {
			if d.State == s {
				out = append(out, *d)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TenantID < out[j].TenantID })
	return out, nil
}

func (m *Memory) UpdateSidecarVersion(ctx context.Context, tenantID, version string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.Droplets[tenantID]; ok {
		d.SidecarVersion = version
	}
	return nil
}

func (m *Memory) SelectAccountForProvision(ctx context.Context, region string) (*types.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *types.Account
	for _, a := range m.Accounts {
		if a.Region != region || a.Status != types.AccountActive || a.CurrentDroplets >= a.MaxDroplets {
			continue
		}
		if best == nil {
			best = a
			continue
		}
		bh, ah := best.MaxDroplets-best.CurrentDroplets, a.MaxDroplets-a.CurrentDroplets
		if ah > bh || (ah == bh && a.CreatedAt.Before(best.CreatedAt)) {
			best = a
		}
	}
	if best == nil {
		return nil, types.Errorf(types.KindNoCapacity, "store.account", "no active account with headroom in %s", region)
	}
	best.CurrentDroplets++
	if float64(best.CurrentDroplets) >= types.FullThreshold*float64(best.MaxDroplets) {
		best.Status = types.AccountFull
	}
	cp := *best
	return &cp, nil
}

func (m *Memory) ReleaseAccountSlot(ctx context.Context, accountID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Releases = append(m.Releases, accountID)
	a, ok := m.Accounts[accountID]
	if !ok {
		return nil
	}
	if a.CurrentDroplets > 0 {
		a.CurrentDroplets--
	}
	if a.Status == types.AccountFull && float64(a.CurrentDroplets) < types.FullThreshold*float64(a.MaxDroplets) {
		a.Status = types.AccountActive
	}
	return nil
}

func (m *Memory) GetAccount(ctx context.Context, id string) (*types.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.Accounts[id]
	if !ok {
		return nil, types.Errorf(types.KindValidationFailed, "store.account", "no account %s", id)
	}
	cp := *a
	return &cp, nil
}

func (m *Memory) GetTenant(ctx context.Context, id string) (*types.Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.Tenants[id]
	if !ok {
		return nil, types.Errorf(types.KindValidationFailed, "store.tenant", "no tenant").WithTenant(id)
	}
	cp := *t
	return &cp, nil
}

func (m *Memory) ListEligibleTenants(ctx context.Context) ([]types.Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.Tenant
	for id, t := range m.Tenants {
		d, ok := m.Droplets[id]
		if !ok {
			continue
		}
		switch d.State {
		case types.StateHibernating, types.StateHibernated, types.StateTerminated, types.StateOrphan:
			continue
		}
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) TenantActivity(ctx context.Context, tenantID string) (*store.TenantActivity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.Activity[tenantID]
	if !ok {
		return &store.TenantActivity{TenantID: tenantID}, nil
	}
	cp := *a
	return &cp, nil
}

func (m *Memory) AppendVersion(ctx context.Context, e *types.VersionEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	cp.ID = int64(len(m.Versions) + 1)
	cp.RecordedAt = time.Now()
	m.Versions = append(m.Versions, cp)
	return nil
}

func (m *Memory) CurrentVersion(ctx context.Context, tenantID, component string) (*types.VersionEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.Versions) - 1; i >= 0; i-- {
		if m.Versions[i].TenantID == tenantID && m.Versions[i].Component == component {
			cp := m.Versions[i]
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *Memory) TenantsOnVersion(ctx context.Context, component, version string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current := make(map[string]string)
	for _, v := range m.Versions {
		if v.Component == component {
			current[v.TenantID] = v.Version
		}
	}
	var out []string
	for tenant, v := range current {
		if v == version {
			out = append(out, tenant)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) InsertRollout(ctx context.Context, r *types.Rollout) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	cp.CreatedAt = time.Now()
	m.Rollouts[r.ID] = &cp
	return nil
}

func (m *Memory) GetRollout(ctx context.Context, id string) (*types.Rollout, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.Rollouts[id]
	if !ok {
		return nil, types.Errorf(types.KindValidationFailed, "store.rollout", "no rollout %s", id)
	}
	cp := *r
	return &cp, nil
}

func (m *Memory) ListRolloutsByStatus(ctx context.Context, statuses ...types.RolloutStatus) ([]types.Rollout, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.Rollout
	for _, r := range m.Rollouts {
		for _, s := range statuses {
			if r.Status == s {
				out = append(out, *r)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) UpdateRolloutStatus(ctx context.Context, id string, status types.RolloutStatus, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.Rollouts[id]; ok {
		r.Status = status
		if reason != "" {
			r.Reason = reason
		}
		r.UpdatedAt = time.Now()
	}
	return nil
}

func (m *Memory) UpdateRolloutProgress(ctx context.Context, id string, completed, failed, currentWave int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.Rollouts[id]; ok {
		r.Completed = completed
		r.Failed = failed
		r.CurrentWave = currentWave
		r.UpdatedAt = time.Now()
	}
	return nil
}

func (m *Memory) ActiveRolloutForComponent(ctx context.Context, component string) (*types.Rollout, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var newest *types.Rollout
	for _, r := range m.Rollouts {
		if r.Component != component {
			continue
		}
		switch r.Status {
		case types.RolloutPending, types.RolloutRunning, types.RolloutPaused:
			if newest == nil || r.CreatedAt.After(newest.CreatedAt) {
				newest = r
			}
		}
	}
	if newest == nil {
		return nil, nil
	}
	cp := *newest
	return &cp, nil
}

func (m *Memory) InsertWave(ctx context.Context, w *types.Wave) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *w
	m.Waves[w.RolloutID] = append(m.Waves[w.RolloutID], &cp)
	return nil
}

func (m *Memory) UpdateWave(ctx context.Context, w *types.Wave) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.Waves[w.RolloutID] {
		if existing.Number == w.Number {
			existing.Status = w.Status
			existing.TenantIDs = w.TenantIDs
			existing.Total = w.Total
			existing.Completed = w.Completed
			existing.Failed = w.Failed
			existing.ErrorRate = w.ErrorRate
			if existing.StartedAt.IsZero() {
				existing.StartedAt = w.StartedAt
			}
			existing.EndedAt = w.EndedAt
			return nil
		}
	}
	return types.Errorf(types.KindValidationFailed, "store.wave", "no wave %s/%d", w.RolloutID, w.Number)
}

func (m *Memory) ListWaves(ctx context.Context, rolloutID string) ([]types.Wave, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ws := m.Waves[rolloutID]
	out := make([]types.Wave, len(ws))
	for i, w := range ws {
		out[i] = *w
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

func (m *Memory) UpsertHeartbeats(ctx context.Context, hbs []types.Heartbeat) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.UpsertErr != nil {
		err := m.UpsertErr
		m.UpsertErr = nil
		return err
	}
	for _, hb := range hbs {
		d, ok := m.Droplets[hb.TenantID]
		if !ok {
			continue
		}
		d.LastHeartbeat = hb.Timestamp
		d.CPUPercent = hb.CPUPercent
		d.MemoryPercent = hb.MemoryPercent
		d.DiskPercent = hb.DiskPercent
	}
	return nil
}

func (m *Memory) InsertCredentialUpdate(ctx context.Context, c *types.CredentialUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	cp.ID = int64(len(m.CredUpdates) + 1)
	cp.RecordedAt = time.Now()
	m.CredUpdates = append(m.CredUpdates, cp)
	return nil
}

func (m *Memory) InsertCostEntry(ctx context.Context, c *types.CostEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	cp.ID = int64(len(m.Costs) + 1)
	cp.CreatedAt = time.Now()
	m.Costs = append(m.Costs, cp)
	return nil
}

func (m *Memory) FleetSummary(ctx context.Context) (*types.FleetSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sum := &types.FleetSummary{}
	var cpu, mem, disk float64
	n := 0
	for _, d := range m.Droplets {
		if d.State == types.StateTerminated || d.State == types.StateOrphan {
			continue
		}
		sum.TotalDroplets++
		n++
		cpu += d.CPUPercent
		mem += d.MemoryPercent
		disk += d.DiskPercent
		switch d.State {
		case types.StateActiveHealthy:
			sum.ActiveHealthy++
		case types.StateActiveDegraded:
			sum.ActiveDegraded++
		case types.StateHibernated:
			sum.Hibernated++
		case types.StateZombie:
			sum.Zombies++
		}
		if !d.LastHeartbeat.IsZero() && time.Since(d.LastHeartbeat) > 5*time.Minute {
			sum.StaleHeartbeats++
		}
	}
	if n > 0 {
		sum.AvgCPUPercent = cpu / float64(n)
		sum.AvgMemPercent = mem / float64(n)
		sum.AvgDiskPercent = disk / float64(n)
	}
	return sum, nil
}

func (m *Memory) ScaleMetrics(ctx context.Context) (*types.ScaleMetrics, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sm := &types.ScaleMetrics{TenantCount: len(m.Tenants), SampledAt: time.Now()}
	for _, d := range m.Droplets {
		if d.State != types.StateTerminated && d.State != types.StateOrphan {
			sm.DropletCount++
		}
	}
	for _, a := range m.Accounts {
		if a.Status == types.AccountFull ||
			float64(a.CurrentDroplets) >= types.FullThreshold*float64(a.MaxDroplets) {
			sm.AccountsNearFull++
		}
	}
	return sm, nil
}

func (m *Memory) Close() error { return nil }
