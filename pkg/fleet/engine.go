package fleet

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/genesishq/genesis/pkg/bus"
	"github.com/genesishq/genesis/pkg/config"
	"github.com/genesishq/genesis/pkg/log"
	"github.com/genesishq/genesis/pkg/metrics"
	"github.com/genesishq/genesis/pkg/store"
	"github.com/genesishq/genesis/pkg/types"
)

// ComponentSidecar is the component tag for sidecar image rollouts.
// Workflow rollouts use "workflow:<name>".
const ComponentSidecar = "sidecar"

// Promotion gate: the wave itself must stay under 0.5% failures and the
// control plane under 1%.
const (
	waveErrorRateMax    = 0.005
	controlErrorRateMax = 0.01
)

// healthGateReason is recorded on the rollout when a wave fails the gate
const healthGateReason = "HEALTH_GATE_FAILED"

// Plan is the operator's rollout request
type Plan struct {
	Component    string
	ToVersion    string
	Strategy     types.RolloutStrategy
	TenantIDs    []string // optional explicit set; empty means all eligible
	WorkflowName string
	WorkflowJSON json.RawMessage
	Priority     int
	CreatedBy    string
	Reason       string
}

// RollbackScope selects which tenants a rollback targets
type RollbackScope string

const (
	ScopeAll          RollbackScope = "all"
	ScopeAffectedOnly RollbackScope = "affected_only"
	ScopeSingleTenant RollbackScope = "single_tenant"
)

// RollbackRequest reverses a component to an earlier version
type RollbackRequest struct {
	Component    string
	ToVersion    string
	Scope        RollbackScope
	TenantID     string // required for single_tenant
	WorkflowName string
	WorkflowJSON json.RawMessage
	CreatedBy    string
	Reason       string
}

// Engine drives rollouts wave by wave. One driver goroutine per running
// rollout. Everything a driver needs lives in the store: the rollout row
// carries the emission material and the waves carry membership, so
// Recover can relaunch drivers for rollouts whose process died.
type Engine struct {
	store  store.Store
	bus    *bus.Bus
	logger zerolog.Logger

	pollInterval time.Duration
	// controlErrorRate samples the control plane's own error rate for
	// the promotion gate
	controlErrorRate func() float64

	wg       sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewEngine wires the update engine
func NewEngine(st store.Store, b *bus.Bus) *Engine {
	return &Engine{
		store:            st,
		bus:              b,
		logger:           log.WithComponent("fleet"),
		pollInterval:     5 * time.Second,
		controlErrorRate: func() float64 { return 0 },
		stopCh:           make(chan struct{}),
	}
}

// Create snapshots the eligible tenant set, partitions it into waves
// and persists the plan. The rollout starts pending; call Start.
func (e *Engine) Create(ctx context.Context, plan Plan) (*types.Rollout, error) {
	if plan.Component == "" || plan.ToVersion == "" {
		return nil, types.Errorf(types.KindValidationFailed, "fleet.create", "component and to_version are required")
	}
	if plan.Strategy == "" {
		plan.Strategy = types.StrategyCanaryStaged
	}

	if active, err := e.store.ActiveRolloutForComponent(ctx, plan.Component); err != nil {
		return nil, err
	} else if active != nil {
		return nil, types.Errorf(types.KindValidationFailed, "fleet.create",
			"rollout %s is already active for %s", active.ID, plan.Component)
	}

	tenants, err := e.snapshotTenants(ctx, plan.TenantIDs)
	if err != nil {
		return nil, err
	}
	if len(tenants) == 0 {
		return nil, types.Errorf(types.KindValidationFailed, "fleet.create", "no eligible tenants")
	}

	slices := partitionWaves(tenants, plan.Strategy)
	rollout := &types.Rollout{
		ID:           uuid.New().String(),
		Component:    plan.Component,
		ToVersion:    plan.ToVersion,
		Strategy:     plan.Strategy,
		Status:       types.RolloutPending,
		TotalTenants: len(tenants),
		Priority:     plan.Priority,
		CreatedBy:    plan.CreatedBy,
		Reason:       plan.Reason,
		WorkflowName: plan.WorkflowName,
		WorkflowJSON: plan.WorkflowJSON,
	}
	if err := e.store.InsertRollout(ctx, rollout); err != nil {
		return nil, err
	}
	for i, s := range slices {
		w := &types.Wave{
			RolloutID: rollout.ID,
			Number:    i,
			Percent:   s.Percent,
			TenantIDs: s.TenantIDs,
			Status:    types.WavePending,
			Total:     len(s.TenantIDs),
		}
		if err := e.store.InsertWave(ctx, w); err != nil {
			return nil, err
		}
	}

	e.logger.Info().Str("rollout_id", rollout.ID).Str("component", plan.Component).
		Str("to_version", plan.ToVersion).Int("tenants", len(tenants)).
		Int("waves", len(slices)).Msg("rollout created")
	return rollout, nil
}

func (e *Engine) snapshotTenants(ctx context.Context, explicit []string) ([]types.Tenant, error) {
	if len(explicit) == 0 {
		return e.store.ListEligibleTenants(ctx)
	}
	out := make([]types.Tenant, 0, len(explicit))
	for _, id := range explicit {
		t, err := e.store.GetTenant(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, nil
}

// Start moves a pending rollout to running and launches its driver
func (e *Engine) Start(ctx context.Context, rolloutID string) error {
	ro, err := e.store.GetRollout(ctx, rolloutID)
	if err != nil {
		return err
	}
	if ro.Status != types.RolloutPending {
		return types.Errorf(types.KindValidationFailed, "fleet.start",
			"rollout %s is %s, not pending", rolloutID, ro.Status)
	}
	if err := e.store.UpdateRolloutStatus(ctx, rolloutID, types.RolloutRunning, ""); err != nil {
		return err
	}
	e.launch(rolloutID)
	return nil
}

// Recover relaunches drivers for rollouts left running by a previous
// process. An interrupted wave is re-emitted in full; the per-tenant
// idempotency keys and the idempotent update handlers make that safe.
// Returns the number of rollouts resumed.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	running, err := e.store.ListRolloutsByStatus(ctx, types.RolloutRunning)
	if err != nil {
		return 0, err
	}
	for _, ro := range running {
		e.logger.Info().Str("rollout_id", ro.ID).Str("component", ro.Component).
			Int("current_wave", ro.CurrentWave).Msg("resuming rollout from previous process")
		e.launch(ro.ID)
	}
	return len(running), nil
}

func (e *Engine) launch(rolloutID string) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.run(rolloutID)
	}()
}

// run promotes waves until the rollout leaves running or every wave is
// terminal.
func (e *Engine) run(rolloutID string) {
	ctx := context.Background()
	logger := e.logger.With().Str("rollout_id", rolloutID).Logger()

	for {
		select {
		case <-e.stopCh:
			return
		default:
		}

		ro, err := e.store.GetRollout(ctx, rolloutID)
		if err != nil {
			logger.Error().Err(err).Msg("driver cannot load rollout")
			return
		}
		if ro.Status != types.RolloutRunning {
			return
		}

		waves, err := e.store.ListWaves(ctx, rolloutID)
		if err != nil {
			logger.Error().Err(err).Msg("driver cannot list waves")
			return
		}
		next := nextOpenWave(waves)
		if next == nil {
			completed, failed := tallyWaves(waves)
			e.store.UpdateRolloutProgress(ctx, rolloutID, completed, failed, len(waves))
			e.store.UpdateRolloutStatus(ctx, rolloutID, types.RolloutCompleted, "")
			logger.Info().Int("completed", completed).Int("failed", failed).Msg("rollout completed")
			return
		}

		if !e.runWave(ctx, ro, next, logger) {
			return
		}
	}
}

// runWave emits one wave, waits for it to drain and applies the
// promotion gate. Returns false when the driver should stop.
func (e *Engine) runWave(ctx context.Context, ro *types.Rollout, wave *types.Wave, logger zerolog.Logger) bool {
	wave.Status = types.WaveActive
	wave.StartedAt = time.Now()
	if err := e.store.UpdateWave(ctx, wave); err != nil {
		logger.Error().Err(err).Int("wave", wave.Number).Msg("cannot open wave")
		return false
	}
	e.store.UpdateRolloutProgress(ctx, ro.ID, ro.Completed, ro.Failed, wave.Number)

	emitted, emitFailed := e.emitWave(ctx, ro, wave, logger)
	logger.Info().Int("wave", wave.Number).Int("percent", wave.Percent).
		Int("emitted", emitted).Int("emit_failed", emitFailed).Msg("wave emitted")

	aborted := false
	for {
		_, completed, failed, err := e.bus.WaveCounts(ctx, ro.ID, wave.Number)
		if err != nil {
			logger.Error().Err(err).Int("wave", wave.Number).Msg("cannot read wave counts")
		} else if completed+failed >= emitted {
			wave.Completed = completed
			wave.Failed = failed + emitFailed
			break
		}

		if cur, err := e.store.GetRollout(ctx, ro.ID); err == nil && cur.Status == types.RolloutAborted {
			aborted = true
			break
		}
		select {
		case <-time.After(e.pollInterval):
		case <-e.stopCh:
			return false
		}
	}
	if aborted {
		logger.Info().Int("wave", wave.Number).Msg("rollout aborted mid-wave, in-flight jobs drain on their own")
		return false
	}

	wave.EndedAt = time.Now()
	if wave.Total > 0 {
		wave.ErrorRate = float64(wave.Failed) / float64(wave.Total)
	}

	gatePassed := wave.ErrorRate < waveErrorRateMax && e.controlErrorRate() < controlErrorRateMax
	if gatePassed {
		wave.Status = types.WaveCompleted
		metrics.RolloutWavesTotal.WithLabelValues("completed").Inc()
	} else {
		wave.Status = types.WaveFailed
		metrics.RolloutWavesTotal.WithLabelValues("failed").Inc()
	}
	if err := e.store.UpdateWave(ctx, wave); err != nil {
		logger.Error().Err(err).Int("wave", wave.Number).Msg("cannot close wave")
		return false
	}

	waves, err := e.store.ListWaves(ctx, ro.ID)
	if err == nil {
		completed, failed := tallyWaves(waves)
		e.store.UpdateRolloutProgress(ctx, ro.ID, completed, failed, wave.Number)
	}

	if !gatePassed {
		e.store.UpdateRolloutStatus(ctx, ro.ID, types.RolloutPaused, healthGateReason)
		logger.Warn().Int("wave", wave.Number).Float64("error_rate", wave.ErrorRate).
			Msg("wave failed the health gate, rollout paused")
		return false
	}
	return true
}

// emitWave submits one tagged job per member tenant. Returns how many
// made it onto the queue and how many failed at emission. Re-emitting
// an already-open wave dedupes on the idempotency key per tenant.
func (e *Engine) emitWave(ctx context.Context, ro *types.Rollout, wave *types.Wave, logger zerolog.Logger) (emitted, emitFailed int) {
	for _, tenantID := range wave.TenantIDs {
		queue, payload, err := e.buildUpdateJob(ctx, ro, tenantID)
		if err != nil {
			logger.Warn().Err(err).Str("tenant_id", tenantID).Int("wave", wave.Number).
				Msg("tenant skipped at emission")
			emitFailed++
			continue
		}
		_, err = e.bus.Add(ctx, queue, payload, bus.AddOptions{
			Priority:       ro.Priority,
			RolloutID:      ro.ID,
			WaveNumber:     wave.Number,
			IdempotencyKey: fmt.Sprintf("%s:%d:%s", ro.ID, wave.Number, tenantID),
		})
		if err != nil {
			logger.Error().Err(err).Str("tenant_id", tenantID).Msg("emission failed")
			emitFailed++
			continue
		}
		emitted++
	}
	return emitted, emitFailed
}

// buildUpdateJob resolves the per-tenant payload from the persisted
// rollout row. The from-version is the tenant's own current ledger row,
// never the plan's, so reverse rollouts target what each tenant
// actually runs.
func (e *Engine) buildUpdateJob(ctx context.Context, ro *types.Rollout, tenantID string) (string, types.Payload, error) {
	fromVersion := ""
	if cur, err := e.store.CurrentVersion(ctx, tenantID, ro.Component); err == nil && cur != nil {
		fromVersion = cur.Version
	}

	if ro.Component == ComponentSidecar {
		droplet, err := e.store.GetDroplet(ctx, tenantID)
		if err != nil {
			return "", types.Payload{}, err
		}
		if fromVersion == "" {
			fromVersion = droplet.SidecarVersion
		}
		payload, err := types.NewPayload(types.PayloadSidecarUpdate, types.SidecarUpdatePayload{
			TenantID:    tenantID,
			DropletID:   droplet.ProviderID,
			FromVersion: fromVersion,
			ToVersion:   ro.ToVersion,
			RolloutID:   ro.ID,
		})
		return config.QueueSidecarUpdate, payload, err
	}

	payload, err := types.NewPayload(types.PayloadWorkflowUpdate, types.WorkflowUpdatePayload{
		TenantID:     tenantID,
		WorkflowName: ro.WorkflowName,
		WorkflowJSON: ro.WorkflowJSON,
		Version:      ro.ToVersion,
		RolloutID:    ro.ID,
	})
	return config.QueueWorkflowUpdate, payload, err
}

// Pause stops emission of future waves; in-flight jobs continue
func (e *Engine) Pause(ctx context.Context, rolloutID, reason string) error {
	ro, err := e.store.GetRollout(ctx, rolloutID)
	if err != nil {
		return err
	}
	if ro.Status != types.RolloutRunning {
		return types.Errorf(types.KindValidationFailed, "fleet.pause",
			"rollout %s is %s, not running", rolloutID, ro.Status)
	}
	return e.store.UpdateRolloutStatus(ctx, rolloutID, types.RolloutPaused, reason)
}

// Resume reopens emission at the next pending wave
func (e *Engine) Resume(ctx context.Context, rolloutID string) error {
	ro, err := e.store.GetRollout(ctx, rolloutID)
	if err != nil {
		return err
	}
	if ro.Status != types.RolloutPaused {
		return types.Errorf(types.KindValidationFailed, "fleet.resume",
			"rollout %s is %s, not paused", rolloutID, ro.Status)
	}
	if err := e.store.UpdateRolloutStatus(ctx, rolloutID, types.RolloutRunning, ""); err != nil {
		return err
	}
	e.launch(rolloutID)
	return nil
}

// SkipTo100 merges every remaining pending wave into the final one.
// The rollout keeps its status; resume a paused rollout to emit the
// merged wave.
func (e *Engine) SkipTo100(ctx context.Context, rolloutID string) error {
	ro, err := e.store.GetRollout(ctx, rolloutID)
	if err != nil {
		return err
	}
	waves, err := e.store.ListWaves(ctx, rolloutID)
	if err != nil {
		return err
	}
	var pending []*types.Wave
	for i := range waves {
		if waves[i].Status == types.WavePending {
			pending = append(pending, &waves[i])
		}
	}
	if len(pending) <= 1 {
		return nil
	}

	final := pending[len(pending)-1]
	var merged []string
	for _, w := range pending {
		merged = append(merged, w.TenantIDs...)
	}
	for _, w := range pending[:len(pending)-1] {
		w.Status = types.WaveCompleted
		w.TenantIDs = nil
		w.Total = 0
		if err := e.store.UpdateWave(ctx, w); err != nil {
			return err
		}
	}
	final.TenantIDs = merged
	final.Total = len(merged)
	final.Percent = 100
	if err := e.store.UpdateWave(ctx, final); err != nil {
		return err
	}
	return e.store.UpdateRolloutStatus(ctx, rolloutID, ro.Status, "skip")
}

// Abort cancels pending waves. Non-preemptive: in-flight jobs finish.
func (e *Engine) Abort(ctx context.Context, rolloutID, reason string) error {
	ro, err := e.store.GetRollout(ctx, rolloutID)
	if err != nil {
		return err
	}
	switch ro.Status {
	case types.RolloutCompleted, types.RolloutAborted:
		return types.Errorf(types.KindValidationFailed, "fleet.abort",
			"rollout %s is already %s", rolloutID, ro.Status)
	}
	e.logger.Warn().Str("rollout_id", rolloutID).Str("reason", reason).Msg("rollout aborted")
	return e.store.UpdateRolloutStatus(ctx, rolloutID, types.RolloutAborted, reason)
}

// Rollback aborts any active rollout for the component and creates a
// raised-priority reverse rollout as a single fleet-sync wave.
func (e *Engine) Rollback(ctx context.Context, req RollbackRequest) (*types.Rollout, error) {
	if req.Component == "" || req.ToVersion == "" {
		return nil, types.Errorf(types.KindValidationFailed, "fleet.rollback", "component and to_version are required")
	}

	active, err := e.store.ActiveRolloutForComponent(ctx, req.Component)
	if err != nil {
		return nil, err
	}
	if active != nil {
		if err := e.Abort(ctx, active.ID, "superseded by rollback"); err != nil {
			return nil, err
		}
	}

	tenantIDs, err := e.rollbackTargets(ctx, req, active)
	if err != nil {
		return nil, err
	}
	if len(tenantIDs) == 0 {
		return nil, types.Errorf(types.KindValidationFailed, "fleet.rollback", "no tenants in scope")
	}

	rollout, err := e.Create(ctx, Plan{
		Component:    req.Component,
		ToVersion:    req.ToVersion,
		Strategy:     types.StrategyFleetSync,
		TenantIDs:    tenantIDs,
		WorkflowName: req.WorkflowName,
		WorkflowJSON: req.WorkflowJSON,
		Priority:     1,
		CreatedBy:    req.CreatedBy,
		Reason:       req.Reason,
	})
	if err != nil {
		return nil, err
	}
	if err := e.Start(ctx, rollout.ID); err != nil {
		return nil, err
	}
	return rollout, nil
}

func (e *Engine) rollbackTargets(ctx context.Context, req RollbackRequest, aborted *types.Rollout) ([]string, error) {
	switch req.Scope {
	case ScopeSingleTenant:
		if req.TenantID == "" {
			return nil, types.Errorf(types.KindValidationFailed, "fleet.rollback", "tenant_id is required for single_tenant scope")
		}
		return []string{req.TenantID}, nil
	case ScopeAffectedOnly:
		if aborted == nil {
			return nil, types.Errorf(types.KindValidationFailed, "fleet.rollback",
				"affected_only needs an active rollout to derive the affected set")
		}
		return e.store.TenantsOnVersion(ctx, req.Component, aborted.ToVersion)
	case ScopeAll, "":
		tenants, err := e.store.ListEligibleTenants(ctx)
		if err != nil {
			return nil, err
		}
		var out []string
		for _, t := range tenants {
			cur, err := e.store.CurrentVersion(ctx, t.ID, req.Component)
			if err != nil {
				return nil, err
			}
			if cur != nil && cur.Version != req.ToVersion {
				out = append(out, t.ID)
			}
		}
		return out, nil
	default:
		return nil, types.Errorf(types.KindValidationFailed, "fleet.rollback", "unknown scope %q", req.Scope)
	}
}

// Close stops every driver goroutine and waits for them
func (e *Engine) Close() {
	e.stopOnce.Do(func() { close(e.stopCh) })
	e.wg.Wait()
}

// nextOpenWave finds the wave the driver should work: an ACTIVE wave
// interrupted by a process death takes precedence over the first
// PENDING one.
func nextOpenWave(waves []types.Wave) *types.Wave {
	for i := range waves {
		switch waves[i].Status {
		case types.WaveActive, types.WavePending:
			return &waves[i]
		}
	}
	return nil
}

func tallyWaves(waves []types.Wave) (completed, failed int) {
	for _, w := range waves {
		completed += w.Completed
		failed += w.Failed
	}
	return completed, failed
}
