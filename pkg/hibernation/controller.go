package hibernation

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/genesishq/genesis/pkg/bus"
	"github.com/genesishq/genesis/pkg/cloud"
	"github.com/genesishq/genesis/pkg/config"
	"github.com/genesishq/genesis/pkg/log"
	"github.com/genesishq/genesis/pkg/store"
	"github.com/genesishq/genesis/pkg/types"
)

// SidecarAPI is the slice of the sidecar client the controller needs
type SidecarAPI interface {
	NotifyHibernation(ctx context.Context, host string) error
	StopEngine(ctx context.Context, host string) error
	WaitHealthy(ctx context.Context, host string, budget, interval time.Duration) error
}

// Controller owns the hibernate and wake sequences. It is constructed
// at the process root and shared by the wake worker, the sweep and the
// HTTP surface.
type Controller struct {
	store   store.Store
	cloud   cloud.API
	sidecar SidecarAPI
	bus     *bus.Bus
	logger  zerolog.Logger
	now     func() time.Time

	inactivityDays int
	loginDays      int
	inactivityIdle time.Duration
	loginIdle      time.Duration
	wakeGap        time.Duration

	activePollInterval time.Duration
	activePollBudget   time.Duration
	healthPollInterval time.Duration
	healthPollBudget   time.Duration
}

// New wires a hibernation controller from configuration
func New(st store.Store, cl cloud.API, sc SidecarAPI, b *bus.Bus, cfg *config.Config) *Controller {
	return &Controller{
		store:   st,
		cloud:   cl,
		sidecar: sc,
		bus:     b,
		logger:  log.WithComponent("hibernation"),
		now:     time.Now,

		inactivityDays: cfg.HibernateInactivityDays,
		loginDays:      cfg.HibernateLoginDays,
		inactivityIdle: time.Duration(cfg.HibernateInactivityDays) * 24 * time.Hour,
		loginIdle:      time.Duration(cfg.HibernateLoginDays) * 24 * time.Hour,
		wakeGap:        cfg.WakeGap,

		activePollInterval: 5 * time.Second,
		activePollBudget:   120 * time.Second,
		healthPollInterval: 3 * time.Second,
		healthPollBudget:   60 * time.Second,
	}
}

// Hibernate runs the ordered shutdown sequence for one tenant:
// notification, metric snapshot, engine stop, power-off, lifecycle to
// HIBERNATED, cost entry. Each completed step is journalled before the
// next side effect begins. Any failure halts the sequence and surfaces
// the error; the operator decides whether to retry or roll forward.
func (c *Controller) Hibernate(ctx context.Context, tenantID, reason, actor string) error {
	d, err := c.store.GetDroplet(ctx, tenantID)
	if err != nil {
		return err
	}

	if err := c.store.TransitionDroplet(ctx, d.ProviderID, types.StateHibernating, reason, actor, nil); err != nil {
		return err
	}

	if err := c.sidecar.NotifyHibernation(ctx, d.PublicDNS); err != nil {
		return c.halt(tenantID, d.ProviderID, "notification", err)
	}
	if err := c.store.AppendLifecycleNote(ctx, d.ProviderID, "hibernate: tenant notified", actor, nil); err != nil {
		return c.halt(tenantID, d.ProviderID, "notification journal", err)
	}

	snapshot := map[string]string{
		"cpu_percent":    fmt.Sprintf("%.1f", d.CPUPercent),
		"memory_percent": fmt.Sprintf("%.1f", d.MemoryPercent),
		"disk_percent":   fmt.Sprintf("%.1f", d.DiskPercent),
		"last_heartbeat": d.LastHeartbeat.UTC().Format(time.RFC3339),
	}
	if err := c.store.AppendLifecycleNote(ctx, d.ProviderID, "hibernate: metrics snapshotted", actor, snapshot); err != nil {
		return c.halt(tenantID, d.ProviderID, "metric snapshot", err)
	}

	if err := c.sidecar.StopEngine(ctx, d.PublicDNS); err != nil {
		return c.halt(tenantID, d.ProviderID, "engine stop", err)
	}
	if err := c.store.AppendLifecycleNote(ctx, d.ProviderID, "hibernate: engine stopped", actor, nil); err != nil {
		return c.halt(tenantID, d.ProviderID, "engine stop journal", err)
	}

	if err := c.cloud.PowerOff(ctx, d.ProviderID); err != nil {
		return c.halt(tenantID, d.ProviderID, "power-off", err)
	}
	if err := c.store.AppendLifecycleNote(ctx, d.ProviderID, "hibernate: vm powered off", actor, nil); err != nil {
		return c.halt(tenantID, d.ProviderID, "power-off journal", err)
	}

	if err := c.store.TransitionDroplet(ctx, d.ProviderID, types.StateHibernated, reason, actor, snapshot); err != nil {
		return c.halt(tenantID, d.ProviderID, "lifecycle", err)
	}

	if err := c.store.InsertCostEntry(ctx, &types.CostEntry{
		TenantID:  tenantID,
		DropletID: d.ProviderID,
		Kind:      "hibernate",
		Note:      reason,
	}); err != nil {
		return c.halt(tenantID, d.ProviderID, "cost entry", err)
	}

	c.logger.Info().Str("tenant_id", tenantID).Int64("droplet_id", d.ProviderID).
		Str("reason", reason).Msg("droplet hibernated")
	return nil
}

func (c *Controller) halt(tenantID string, dropletID int64, step string, err error) error {
	c.logger.Error().Err(err).Str("tenant_id", tenantID).Int64("droplet_id", dropletID).
		Str("step", step).Msg("hibernate sequence halted")
	if ge, ok := err.(*types.Error); ok {
		return ge.WithTenant(tenantID).WithDroplet(dropletID)
	}
	return types.E(types.KindDegradedDependency, "hibernation."+step, err).
		WithTenant(tenantID).WithDroplet(dropletID)
}

// Wake powers a hibernated droplet back on and waits for the VM and
// then the sidecar to come up before marking the droplet healthy.
func (c *Controller) Wake(ctx context.Context, tenantID string, reason types.WakeReason, actor string) error {
	d, err := c.store.GetDroplet(ctx, tenantID)
	if err != nil {
		return err
	}
	// a duplicate wake against an already-running droplet is a no-op
	if d.State == types.StateActiveHealthy || d.State == types.StateWaking {
		return nil
	}

	if err := c.store.TransitionDroplet(ctx, d.ProviderID, types.StateWaking, string(reason), actor, nil); err != nil {
		return err
	}

	if err := c.cloud.PowerOn(ctx, d.ProviderID); err != nil {
		return c.wakeFailed(ctx, tenantID, d.ProviderID, actor, "power-on failed", err)
	}

	if err := c.awaitActive(ctx, d.ProviderID); err != nil {
		return c.wakeFailed(ctx, tenantID, d.ProviderID, actor, "vm never reached active", err)
	}
	if err := c.store.AppendLifecycleNote(ctx, d.ProviderID, "wake: vm active", actor, nil); err != nil {
		return err
	}

	if err := c.sidecar.WaitHealthy(ctx, d.PublicDNS, c.healthPollBudget, c.healthPollInterval); err != nil {
		return c.wakeFailed(ctx, tenantID, d.ProviderID, actor, "sidecar never became healthy", err)
	}

	if err := c.store.TransitionDroplet(ctx, d.ProviderID, types.StateActiveHealthy, string(reason), actor, nil); err != nil {
		return err
	}
	if err := c.store.InsertCostEntry(ctx, &types.CostEntry{
		TenantID:  tenantID,
		DropletID: d.ProviderID,
		Kind:      "wake",
		Note:      string(reason),
	}); err != nil {
		return err
	}

	c.logger.Info().Str("tenant_id", tenantID).Int64("droplet_id", d.ProviderID).
		Str("reason", string(reason)).Msg("droplet awake")
	return nil
}

// awaitActive polls the cloud API until the VM reports active
func (c *Controller) awaitActive(ctx context.Context, dropletID int64) error {
	deadline := c.now().Add(c.activePollBudget)
	for {
		vm, err := c.cloud.GetVM(ctx, dropletID)
		if err == nil && vm.Status == "active" {
			return nil
		}
		if c.now().After(deadline) {
			return types.Errorf(types.KindCloudAPIError, "hibernation.wake",
				"vm %d not active within %s", dropletID, c.activePollBudget).WithDroplet(dropletID)
		}
		select {
		case <-time.After(c.activePollInterval):
		case <-ctx.Done():
			return types.E(types.KindCloudAPIError, "hibernation.wake", ctx.Err())
		}
	}
}

// wakeFailed journals the droplet as ZOMBIE and queues the hard reboot
// itself, then surfaces the original error. The watchdog's zombie gate
// only fires on droplets it can still transition, so a droplet parked
// here would otherwise never reach the reboot queue.
func (c *Controller) wakeFailed(ctx context.Context, tenantID string, dropletID int64, actor, msg string, cause error) error {
	terr := c.store.TransitionDroplet(ctx, dropletID, types.StateZombie, "wake failed: "+msg, actor, nil)
	if terr != nil {
		c.logger.Error().Err(terr).Int64("droplet_id", dropletID).Msg("cannot journal failed wake")
	} else {
		c.queueHardReboot(ctx, tenantID, dropletID)
	}
	if ge, ok := cause.(*types.Error); ok {
		return ge.WithTenant(tenantID).WithDroplet(dropletID)
	}
	return types.E(types.KindCloudAPIError, "hibernation.wake", cause).
		WithTenant(tenantID).WithDroplet(dropletID)
}

func (c *Controller) queueHardReboot(ctx context.Context, tenantID string, dropletID int64) {
	payload, err := types.NewPayload(types.PayloadHardReboot, types.HardRebootPayload{
		DropletID: dropletID,
		TenantID:  tenantID,
		Reason:    types.RebootWakeFailed,
	})
	if err != nil {
		c.logger.Error().Err(err).Int64("droplet_id", dropletID).Msg("cannot build reboot payload")
		return
	}
	_, err = c.bus.Add(ctx, config.QueueHardReboot, payload, bus.AddOptions{
		Attempts:       3,
		Backoff:        config.BackoffExponential,
		BackoffBase:    10 * time.Second,
		IdempotencyKey: fmt.Sprintf("hard-reboot:%d", dropletID),
	})
	if err != nil {
		c.logger.Error().Err(err).Str("tenant_id", tenantID).Int64("droplet_id", dropletID).
			Msg("zombie droplet without queued reboot, manual intervention required")
		return
	}
	c.logger.Warn().Str("tenant_id", tenantID).Int64("droplet_id", dropletID).
		Msg("wake failed, hard reboot queued")
}

// HandleWakeDroplet is the wake-droplet queue handler
func (c *Controller) HandleWakeDroplet(ctx context.Context, job *bus.Job) error {
	var p types.WakeDropletPayload
	if err := job.Payload.Decode(&p); err != nil {
		return err
	}
	if p.TenantID == "" {
		return types.Errorf(types.KindValidationFailed, "hibernation.wake", "missing tenant_id").AsTerminal()
	}
	return c.Wake(ctx, p.TenantID, p.Reason, "wake-worker")
}
