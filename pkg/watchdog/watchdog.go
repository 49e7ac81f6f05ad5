package watchdog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/genesishq/genesis/pkg/bus"
	"github.com/genesishq/genesis/pkg/cloud"
	"github.com/genesishq/genesis/pkg/config"
	"github.com/genesishq/genesis/pkg/log"
	"github.com/genesishq/genesis/pkg/metrics"
	"github.com/genesishq/genesis/pkg/store"
	"github.com/genesishq/genesis/pkg/types"
)

// Resource alert thresholds
const (
	cpuAlertPercent  = 90.0
	memAlertPercent  = 85.0
	diskAlertPercent = 90.0
)

// Alerter delivers operator alerts on an external channel
type Alerter interface {
	Alert(ctx context.Context, severity, message string, fields map[string]string)
}

// LogAlerter writes alerts to the structured log
type LogAlerter struct {
	logger zerolog.Logger
}

// NewLogAlerter builds the default alerter
func NewLogAlerter() *LogAlerter {
	return &LogAlerter{logger: log.WithComponent("alerts")}
}

func (a *LogAlerter) Alert(ctx context.Context, severity, message string, fields map[string]string) {
	ev := a.logger.Warn()
	if severity == "critical" {
		ev = a.logger.Error()
	}
	for k, v := range fields {
		ev = ev.Str(k, v)
	}
	ev.Str("severity", severity).Msg(message)
}

// Watchdog sweeps droplet health on a fixed period. Droplets silent
// past the heartbeat timeout are marked ZOMBIE and handed a hard-reboot
// job; the sweep itself never stops on a failed dependency.
type Watchdog struct {
	store   store.Store
	bus     *bus.Bus
	alerter Alerter
	logger  zerolog.Logger

	interval         time.Duration
	heartbeatTimeout time.Duration

	mu         sync.Mutex
	running    bool
	degraded   bool
	lastRun    time.Time
	errorCount int

	stopCh chan struct{}
	doneCh chan struct{}
}

// New wires the watchdog
func New(st store.Store, b *bus.Bus, cfg *config.Config, alerter Alerter) *Watchdog {
	if alerter == nil {
		alerter = NewLogAlerter()
	}
	return &Watchdog{
		store:            st,
		bus:              b,
		alerter:          alerter,
		logger:           log.WithComponent("watchdog"),
		interval:         cfg.WatchdogInterval,
		heartbeatTimeout: cfg.HeartbeatTimeout,
		stopCh:           make(chan struct{}),
		doneCh:           make(chan struct{}),
	}
}

// Start launches the sweep loop
func (w *Watchdog) Start() {
	w.mu.Lock()
	w.running = true
	w.mu.Unlock()

	go func() {
		defer close(w.doneCh)
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				w.RunCycle(context.Background())
			case <-w.stopCh:
				return
			}
		}
	}()
	w.logger.Info().Dur("interval", w.interval).Msg("watchdog started")
}

// Stop halts the loop and waits for an in-progress cycle
func (w *Watchdog) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()
	close(w.stopCh)
	<-w.doneCh
	w.logger.Info().Msg("watchdog stopped")
}

// RunCycle performs one sweep. Exported so operators (and tests) can
// trigger an immediate pass.
func (w *Watchdog) RunCycle(ctx context.Context) {
	now := time.Now()
	degraded := false
	cycleErrs := 0

	droplets, err := w.store.ListDropletHealth(ctx)
	if err != nil {
		w.logger.Error().Err(err).Msg("sweep cannot list droplet health")
		w.finishCycle(now, 1, true)
		return
	}

	stateCounts := make(map[types.DropletState]int)
	for i := range droplets {
		d := &droplets[i]
		stateCounts[d.State]++

		if w.isZombie(d, now) {
			if ok := w.handleZombie(ctx, d); !ok {
				degraded = true
				cycleErrs++
			}
		}
		w.checkResources(ctx, d)
	}
	for state, n := range stateCounts {
		metrics.DropletsByState.WithLabelValues(string(state)).Set(float64(n))
	}

	w.finishCycle(now, cycleErrs, degraded)
}

func (w *Watchdog) isZombie(d *types.Droplet, now time.Time) bool {
	if !types.CanTransition(d.State, types.StateZombie) {
		return false
	}
	last := d.LastHeartbeat
	if last.IsZero() {
		// never heartbeated; measure from creation
		last = d.CreatedAt
	}
	if last.IsZero() {
		return false
	}
	return now.Sub(last) > w.heartbeatTimeout
}

// handleZombie journals the ZOMBIE transition first, then enqueues the
// reboot. A reboot that cannot be durably queued is never fired
// half-way; it becomes a critical alert for manual intervention.
func (w *Watchdog) handleZombie(ctx context.Context, d *types.Droplet) bool {
	logger := w.logger.With().Str("tenant_id", d.TenantID).Int64("droplet_id", d.ProviderID).Logger()

	err := w.store.TransitionDroplet(ctx, d.ProviderID, types.StateZombie,
		"heartbeat timeout", "watchdog", map[string]string{
			"last_heartbeat": d.LastHeartbeat.UTC().Format(time.RFC3339),
		})
	if err != nil {
		logger.Error().Err(err).Msg("zombie transition failed")
		return false
	}
	metrics.ZombiesDetected.Inc()

	payload, err := types.NewPayload(types.PayloadHardReboot, types.HardRebootPayload{
		DropletID: d.ProviderID,
		TenantID:  d.TenantID,
		Reason:    types.RebootHeartbeatTimeout,
	})
	if err != nil {
		logger.Error().Err(err).Msg("cannot build reboot payload")
		return false
	}
	_, err = w.bus.Add(ctx, config.QueueHardReboot, payload, bus.AddOptions{
		Attempts:       3,
		Backoff:        config.BackoffExponential,
		BackoffBase:    10 * time.Second,
		IdempotencyKey: fmt.Sprintf("hard-reboot:%d", d.ProviderID),
	})
	if err != nil {
		logger.Error().Err(err).Msg("CRITICAL: zombie detected but reboot job cannot be queued, manual intervention required")
		w.alerter.Alert(ctx, "critical", "zombie droplet without queued reboot", map[string]string{
			"tenant_id":  d.TenantID,
			"droplet_id": fmt.Sprint(d.ProviderID),
		})
		return false
	}

	logger.Warn().Msg("zombie droplet, hard reboot queued")
	return true
}

func (w *Watchdog) checkResources(ctx context.Context, d *types.Droplet) {
	fields := map[string]string{
		"tenant_id":  d.TenantID,
		"droplet_id": fmt.Sprint(d.ProviderID),
	}
	if d.CPUPercent > cpuAlertPercent {
		fields["cpu_percent"] = fmt.Sprintf("%.1f", d.CPUPercent)
		w.alerter.Alert(ctx, "warning", "droplet cpu above threshold", fields)
	}
	if d.MemoryPercent > memAlertPercent {
		fields["memory_percent"] = fmt.Sprintf("%.1f", d.MemoryPercent)
		w.alerter.Alert(ctx, "warning", "droplet memory above threshold", fields)
	}
	if d.DiskPercent > diskAlertPercent {
		fields["disk_percent"] = fmt.Sprintf("%.1f", d.DiskPercent)
		w.alerter.Alert(ctx, "warning", "droplet disk above threshold", fields)
	}
}

func (w *Watchdog) finishCycle(startedAt time.Time, errs int, degraded bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastRun = startedAt
	w.errorCount += errs
	w.degraded = degraded
}

// Status reports the watchdog's health for the operational surface
func (w *Watchdog) Status() types.ServiceStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	st := types.ServiceStatus{
		Name:       "watchdog",
		Running:    w.running,
		LastRun:    w.lastRun,
		ErrorCount: w.errorCount,
		Degraded:   w.degraded,
	}
	if w.degraded {
		st.Reason = "dependency unavailable during last sweep"
	}
	return st
}

// RebootHandler power-cycles zombie droplets from the hard-reboot queue
type RebootHandler struct {
	store  store.Store
	cloud  cloud.API
	logger zerolog.Logger
}

// NewRebootHandler wires the hard-reboot job handler
func NewRebootHandler(st store.Store, api cloud.API) *RebootHandler {
	return &RebootHandler{store: st, cloud: api, logger: log.WithComponent("reboot")}
}

// HandleHardReboot journals REBOOTING and power-cycles the VM. The
// droplet returns to ACTIVE_HEALTHY only when its heartbeats resume.
func (h *RebootHandler) HandleHardReboot(ctx context.Context, job *bus.Job) error {
	var req types.HardRebootPayload
	if err := job.Payload.Decode(&req); err != nil {
		return err
	}

	droplet, err := h.store.GetDropletByID(ctx, req.DropletID)
	if err != nil {
		return err
	}
	if droplet.State != types.StateRebooting {
		if err := h.store.TransitionDroplet(ctx, req.DropletID, types.StateRebooting,
			string(req.Reason), "watchdog", nil); err != nil {
			return err
		}
	}

	if err := h.cloud.PowerCycle(ctx, req.DropletID); err != nil {
		return err
	}

	h.logger.Info().Str("tenant_id", req.TenantID).Int64("droplet_id", req.DropletID).
		Str("reason", string(req.Reason)).Msg("droplet power-cycled")
	return nil
}
