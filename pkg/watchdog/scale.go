package watchdog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/genesishq/genesis/pkg/bus"
	"github.com/genesishq/genesis/pkg/config"
	"github.com/genesishq/genesis/pkg/log"
	"github.com/genesishq/genesis/pkg/store"
	"github.com/genesishq/genesis/pkg/types"
)

// dropletAlertCount is 90% of the fleet's design capacity
const dropletAlertCount = 13500

// ScaleAlerts samples fleet-level figures on a slow period and alerts
// when the system approaches its capacity limits. It also subscribes to
// the bus's event stream so dead-letter threshold crossings alert as
// they happen rather than on the next sample.
type ScaleAlerts struct {
	store   store.Store
	bus     *bus.Bus
	queues  []string
	alerter Alerter
	logger  zerolog.Logger

	interval          time.Duration
	dlqAlertThreshold int

	mu         sync.Mutex
	running    bool
	lastRun    time.Time
	errorCount int

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewScaleAlerts wires the scale-alerts service
func NewScaleAlerts(st store.Store, b *bus.Bus, cfg *config.Config, alerter Alerter) *ScaleAlerts {
	if alerter == nil {
		alerter = NewLogAlerter()
	}
	queues := make([]string, 0, len(cfg.Queues))
	for name := range cfg.Queues {
		queues = append(queues, name)
	}
	return &ScaleAlerts{
		store:             st,
		bus:               b,
		queues:            queues,
		alerter:           alerter,
		logger:            log.WithComponent("scale-alerts"),
		interval:          cfg.ScaleAlertsInterval,
		dlqAlertThreshold: cfg.DLQAlertThreshold,
		stopCh:            make(chan struct{}),
		doneCh:            make(chan struct{}),
	}
}

// Start launches the sampling loop
func (s *ScaleAlerts) Start() {
	s.mu.Lock()
	s.running = true
	s.mu.Unlock()

	sub := s.bus.Events().Subscribe()
	go func() {
		defer close(s.doneCh)
		defer s.bus.Events().Unsubscribe(sub)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.RunCycle(context.Background())
			case ev := <-sub:
				s.onBusEvent(context.Background(), ev)
			case <-s.stopCh:
				return
			}
		}
	}()
	s.logger.Info().Dur("interval", s.interval).Msg("scale alerts started")
}

// Stop halts the loop
func (s *ScaleAlerts) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()
	close(s.stopCh)
	<-s.doneCh
	s.logger.Info().Msg("scale alerts stopped")
}

// onBusEvent reacts to job lifecycle events between sample passes. A
// dead-letter queue crossing its threshold alerts immediately instead
// of waiting for the next cycle.
func (s *ScaleAlerts) onBusEvent(ctx context.Context, ev *bus.Event) {
	if ev == nil || ev.Type != bus.EventDLQThreshold {
		return
	}
	s.alerter.Alert(ctx, "warning", "dead-letter queue crossed its alert threshold", map[string]string{
		"queue":  ev.Queue,
		"detail": ev.Message,
	})
}

// RunCycle performs one sample pass
func (s *ScaleAlerts) RunCycle(ctx context.Context) {
	now := time.Now()
	errs := 0

	sm, err := s.store.ScaleMetrics(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("cannot sample scale metrics")
		errs++
	} else {
		if sm.DropletCount >= dropletAlertCount {
			s.alerter.Alert(ctx, "warning", "fleet approaching droplet capacity", map[string]string{
				"droplet_count": fmt.Sprint(sm.DropletCount),
			})
		}
		if sm.AccountsNearFull > 0 {
			s.alerter.Alert(ctx, "warning", "cloud accounts near capacity", map[string]string{
				"accounts_near_full": fmt.Sprint(sm.AccountsNearFull),
			})
		}
	}

	var dlqTotal int64
	for _, q := range s.queues {
		size, err := s.bus.DLQ().Size(ctx, q)
		if err != nil {
			errs++
			continue
		}
		dlqTotal += size
	}
	if s.dlqAlertThreshold > 0 && dlqTotal >= int64(s.dlqAlertThreshold) {
		s.alerter.Alert(ctx, "warning", "dead-letter backlog above threshold", map[string]string{
			"dlq_total": fmt.Sprint(dlqTotal),
		})
	}

	s.mu.Lock()
	s.lastRun = now
	s.errorCount += errs
	s.mu.Unlock()
}

// Status reports the service's health for the operational surface
func (s *ScaleAlerts) Status() types.ServiceStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return types.ServiceStatus{
		Name:       "scale-alerts",
		Running:    s.running,
		LastRun:    s.lastRun,
		ErrorCount: s.errorCount,
	}
}
