package hibernation

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/genesishq/genesis/pkg/config"
	"github.com/genesishq/genesis/pkg/log"
	"github.com/genesishq/genesis/pkg/store"
	"github.com/genesishq/genesis/pkg/types"
)

// ActivityOracle predicts when a tenant will next need its droplet,
// from scheduled campaign timestamps and historical login patterns.
// Implementations live upstream; the zero prediction (ok=false) means
// no activity is expected inside the window.
type ActivityOracle interface {
	NextActivity(ctx context.Context, tenantID string, within time.Duration) (time.Time, bool, error)
}

const (
	defaultLookAhead       = 12 * time.Hour
	defaultPredictInterval = 5 * time.Minute
)

// Predictor pre-warms high-priority tenants: hibernated droplets are
// woken pre_warm_minutes before predicted activity, and predictively
// woken droplets are re-hibernated once the activity window passes.
type Predictor struct {
	store  store.Store
	ctrl   *Controller
	oracle ActivityOracle
	logger zerolog.Logger
	now    func() time.Time

	lookAhead time.Duration
	preWarm   time.Duration
	idleAfter time.Duration
	interval  time.Duration

	mu        sync.Mutex
	running   bool
	lastRun   time.Time
	errors    int
	scheduled map[string]time.Time // tenant -> predicted activity already queued

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewPredictor wires the predictive pre-warm service
func NewPredictor(st store.Store, ctrl *Controller, oracle ActivityOracle, cfg *config.Config) *Predictor {
	return &Predictor{
		store:     st,
		ctrl:      ctrl,
		oracle:    oracle,
		logger:    log.WithComponent("predictive-wake"),
		now:       time.Now,
		lookAhead: defaultLookAhead,
		preWarm:   time.Duration(cfg.PreWarmMinutes) * time.Minute,
		idleAfter: time.Duration(cfg.AutoHibernateAfterHours) * time.Hour,
		interval:  defaultPredictInterval,
		scheduled: make(map[string]time.Time),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start launches the prediction loop
func (p *Predictor) Start() {
	p.mu.Lock()
	p.running = true
	p.mu.Unlock()

	go func() {
		defer close(p.doneCh)
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.RunCycle(context.Background())
			case <-p.stopCh:
				return
			}
		}
	}()
	p.logger.Info().Dur("interval", p.interval).Dur("pre_warm", p.preWarm).Msg("predictive wake started")
}

// Stop halts the loop
func (p *Predictor) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.mu.Unlock()
	close(p.stopCh)
	<-p.doneCh
	p.logger.Info().Msg("predictive wake stopped")
}

// RunCycle runs one prediction pass: queue pre-warm wakes for
// hibernated high-priority tenants, then re-hibernate the ones whose
// predicted activity window has passed without further activity.
func (p *Predictor) RunCycle(ctx context.Context) {
	errs := 0
	errs += p.queuePreWarms(ctx)
	errs += p.reHibernateIdle(ctx)

	p.mu.Lock()
	p.lastRun = p.now()
	p.errors += errs
	p.mu.Unlock()
}

func (p *Predictor) queuePreWarms(ctx context.Context) int {
	hibernated, err := p.store.ListDropletsByState(ctx, types.StateHibernated)
	if err != nil {
		p.logger.Error().Err(err).Msg("cannot list hibernated droplets")
		return 1
	}
	errs := 0
	for _, d := range hibernated {
		tenant, err := p.store.GetTenant(ctx, d.TenantID)
		if err != nil {
			errs++
			continue
		}
		if tenant.Tier != types.TierHighPriority {
			continue
		}
		predicted, ok, err := p.oracle.NextActivity(ctx, d.TenantID, p.lookAhead)
		if err != nil {
			p.logger.Warn().Err(err).Str("tenant_id", d.TenantID).Msg("activity prediction failed")
			errs++
			continue
		}
		if !ok {
			continue
		}

		p.mu.Lock()
		prev, seen := p.scheduled[d.TenantID]
		p.mu.Unlock()
		if seen && prev.Equal(predicted) {
			continue
		}

		wakeAt := predicted.Add(-p.preWarm)
		_, _, err = p.ctrl.ScheduleStaggeredWakes(ctx, []WakeRequest{{
			TenantID:  d.TenantID,
			DropletID: d.ProviderID,
			Tier:      tenant.Tier,
			Target:    wakeAt,
			Reason:    types.WakeScheduledCampaign,
		}})
		if err != nil {
			p.logger.Error().Err(err).Str("tenant_id", d.TenantID).Msg("cannot queue pre-warm wake")
			errs++
			continue
		}
		p.mu.Lock()
		p.scheduled[d.TenantID] = predicted
		p.mu.Unlock()
		p.logger.Info().Str("tenant_id", d.TenantID).Time("predicted", predicted).
			Time("wake_at", wakeAt).Msg("pre-warm wake queued")
	}
	return errs
}

func (p *Predictor) reHibernateIdle(ctx context.Context) int {
	now := p.now()
	p.mu.Lock()
	candidates := make(map[string]time.Time, len(p.scheduled))
	for tenant, predicted := range p.scheduled {
		candidates[tenant] = predicted
	}
	p.mu.Unlock()

	errs := 0
	for tenantID, predicted := range candidates {
		if now.Before(predicted.Add(p.idleAfter)) {
			continue
		}
		d, err := p.store.GetDroplet(ctx, tenantID)
		if err != nil || d.State != types.StateActiveHealthy {
			continue
		}
		act, err := p.store.TenantActivity(ctx, tenantID)
		if err != nil {
			errs++
			continue
		}
		last := lastActivity(act)
		if last.After(now.Add(-p.idleAfter)) || act.ManualHold {
			continue
		}
		if err := p.ctrl.Hibernate(ctx, tenantID, "auto re-hibernate after pre-warm window", "predictive-wake"); err != nil {
			p.logger.Error().Err(err).Str("tenant_id", tenantID).Msg("auto re-hibernate failed")
			errs++
			continue
		}
		p.mu.Lock()
		delete(p.scheduled, tenantID)
		p.mu.Unlock()
	}
	return errs
}

func lastActivity(act *store.TenantActivity) time.Time {
	last := act.LastCampaignAt
	if act.LastExecutionAt.After(last) {
		last = act.LastExecutionAt
	}
	if act.LastLoginAt.After(last) {
		last = act.LastLoginAt
	}
	return last
}

// Status reports the predictor's health for the operational surface
func (p *Predictor) Status() types.ServiceStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return types.ServiceStatus{
		Name:       "predictive-wake",
		Running:    p.running,
		LastRun:    p.lastRun,
		ErrorCount: p.errors,
	}
}
