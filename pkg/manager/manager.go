package manager

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"github.com/genesishq/genesis/pkg/api"
	"github.com/genesishq/genesis/pkg/bus"
	"github.com/genesishq/genesis/pkg/cloud"
	"github.com/genesishq/genesis/pkg/config"
	"github.com/genesishq/genesis/pkg/fleet"
	"github.com/genesishq/genesis/pkg/governor"
	"github.com/genesishq/genesis/pkg/heartbeat"
	"github.com/genesishq/genesis/pkg/hibernation"
	"github.com/genesishq/genesis/pkg/log"
	"github.com/genesishq/genesis/pkg/provision"
	"github.com/genesishq/genesis/pkg/sidecar"
	"github.com/genesishq/genesis/pkg/store"
	"github.com/genesishq/genesis/pkg/watchdog"
	"github.com/genesishq/genesis/pkg/worker"
)

// Options overrides the components Manager would otherwise build from
// configuration. Zero values mean "build the real one".
type Options struct {
	Store  store.Store
	Redis  redis.UniversalClient
	Cloud  cloud.API
	Oracle hibernation.ActivityOracle
}

// Manager owns the full component graph of a control-plane process
type Manager struct {
	cfg    *config.Config
	logger zerolog.Logger

	rdb   redis.UniversalClient
	store store.Store

	bus      *bus.Bus
	governor *governor.Governor
	workers  *worker.Runtime
	engine   *fleet.Engine

	hibernation *hibernation.Controller
	watchdog    *watchdog.Watchdog
	scale       *watchdog.ScaleAlerts
	heartbeat   *heartbeat.Processor
	predictor   *hibernation.Predictor

	api *api.Server
}

// New builds the component graph without starting anything
func New(ctx context.Context, cfg *config.Config, opts Options) (*Manager, error) {
	m := &Manager{
		cfg:    cfg,
		logger: log.WithComponent("manager"),
	}

	m.rdb = opts.Redis
	if m.rdb == nil {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		m.rdb = redis.NewClient(redisOpts)
	}

	m.store = opts.Store
	if m.store == nil {
		pg, err := store.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		m.store = pg
	}

	cloudAPI := opts.Cloud
	if cloudAPI == nil {
		if cfg.DryRun {
			m.logger.Warn().Msg("dry-run mode, cloud calls are simulated")
			cloudAPI = cloud.NewDryRun()
		} else {
			cloudAPI = cloud.NewClient(cfg.CloudAPIURL, cfg.CloudAPIToken, cfg.CloudAPITimeout)
		}
	}
	sidecarClient := sidecar.NewClient(cfg.SidecarTimeout)

	m.bus = bus.New(m.rdb, cfg)
	m.governor = governor.New(m.rdb, cfg.Governor, cfg.Queues)
	m.engine = fleet.NewEngine(m.store, m.bus)
	m.hibernation = hibernation.New(m.store, cloudAPI, sidecarClient, m.bus, cfg)

	alerter := watchdog.NewLogAlerter()
	m.watchdog = watchdog.New(m.store, m.bus, cfg, alerter)
	m.scale = watchdog.NewScaleAlerts(m.store, m.bus, cfg, alerter)
	m.heartbeat = heartbeat.New(m.rdb, m.store, cfg)

	if opts.Oracle != nil {
		m.predictor = hibernation.NewPredictor(m.store, m.hibernation, opts.Oracle, cfg)
	} else {
		m.logger.Info().Msg("no activity oracle configured, predictive wake disabled")
	}

	factory := provision.NewFactory(m.store, cloudAPI)
	updates := fleet.NewHandlers(m.store, sidecarClient)
	reboots := watchdog.NewRebootHandler(m.store, cloudAPI)

	m.workers = worker.New(m.bus, m.governor, cfg.Queues)
	m.workers.Register(config.QueueIgnition, factory.HandleIgnition)
	m.workers.Register(config.QueueTeardown, factory.HandleTeardown)
	m.workers.Register(config.QueueWorkflowUpdate, updates.HandleWorkflowUpdate)
	m.workers.Register(config.QueueSidecarUpdate, updates.HandleSidecarUpdate)
	m.workers.Register(config.QueueCredentialInject, updates.HandleCredentialInject)
	m.workers.Register(config.QueueHardReboot, reboots.HandleHardReboot)
	m.workers.Register(config.QueueWakeDroplet, m.hibernation.HandleWakeDroplet)

	services := []api.StatusReporter{m.watchdog, m.scale, m.heartbeat}
	if m.predictor != nil {
		services = append(services, m.predictor)
	}
	m.api = api.NewServer(cfg, api.Deps{
		Store:       m.store,
		Bus:         m.bus,
		Engine:      m.engine,
		Workers:     m.workers,
		Hibernation: m.hibernation,
		Services:    services,
	})

	return m, nil
}

// Start brings up workers, background services and the HTTP server,
// and resumes rollouts interrupted by the previous process.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.heartbeat.Start(ctx); err != nil {
		return fmt.Errorf("start heartbeat processor: %w", err)
	}
	m.workers.Start()
	resumed, err := m.engine.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover rollouts: %w", err)
	}
	if resumed > 0 {
		m.logger.Info().Int("rollouts", resumed).Msg("rollouts resumed after restart")
	}
	m.watchdog.Start()
	m.scale.Start()
	if m.predictor != nil {
		m.predictor.Start()
	}
	m.api.Start()
	m.logger.Info().Int("port", m.cfg.Port).Str("version", m.cfg.Version).Msg("control plane started")
	return nil
}

// Shutdown tears the process down in dependency order: stop intake,
// stop timers, flush the heartbeat buffer, drain workers, then close
// the engine and the external connections.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.logger.Info().Msg("shutting down")
	var errs error

	httpCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := m.api.Shutdown(httpCtx); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("http shutdown: %w", err))
	}

	m.watchdog.Stop()
	m.scale.Stop()
	if m.predictor != nil {
		m.predictor.Stop()
	}

	// Stop also flushes buffered heartbeats
	m.heartbeat.Stop()

	if err := m.workers.Close(m.cfg.GracefulShutdownTimeout); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("worker drain: %w", err))
	}
	m.engine.Close()
	m.bus.Close()

	if err := m.rdb.Close(); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("redis close: %w", err))
	}
	if err := m.store.Close(); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("store close: %w", err))
	}

	if errs == nil {
		m.logger.Info().Msg("shutdown complete")
	}
	return errs
}

// Workers exposes the worker runtime for status inspection
func (m *Manager) Workers() *worker.Runtime { return m.workers }

// Hibernation exposes the hibernation controller
func (m *Manager) Hibernation() *hibernation.Controller { return m.hibernation }
