package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/genesishq/genesis/pkg/bus"
	"github.com/genesishq/genesis/pkg/config"
	"github.com/genesishq/genesis/pkg/governor"
	"github.com/genesishq/genesis/pkg/log"
	"github.com/genesishq/genesis/pkg/metrics"
	"github.com/genesishq/genesis/pkg/types"
)

const defaultPollInterval = 250 * time.Millisecond

// Handler processes one claimed job. Returning nil completes the job;
// returning an error feeds the retry and dead-letter machinery.
type Handler func(ctx context.Context, job *bus.Job) error

// AccountFn extracts the cloud account a job will act against, so the
// governor can enforce per-account bounds. Empty string means the job
// is not account-scoped.
type AccountFn func(job *bus.Job) string

type registration struct {
	handler   Handler
	accountOf AccountFn
}

// QueueStats is a point-in-time snapshot of one queue's workers
type QueueStats struct {
	Workers   int   `json:"workers"`
	Active    int64 `json:"active"`
	Processed int64 `json:"processed"`
	Failed    int64 `json:"failed"`
}

type queueCounters struct {
	workers   int
	active    atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64
}

// Runtime runs per-queue worker pools over the job bus. Each worker
// claims a job, passes the governor, runs the registered handler under
// panic recovery and settles the outcome with the bus.
type Runtime struct {
	bus          *bus.Bus
	gov          *governor.Governor
	queues       map[string]config.QueueConfig
	pollInterval time.Duration
	logger       zerolog.Logger

	mu       sync.Mutex
	handlers map[string]registration
	counters map[string]*queueCounters
	started  bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a runtime; queues without a registered handler get no workers
func New(b *bus.Bus, gov *governor.Governor, queues map[string]config.QueueConfig) *Runtime {
	return &Runtime{
		bus:          b,
		gov:          gov,
		queues:       queues,
		pollInterval: defaultPollInterval,
		logger:       log.WithComponent("worker"),
		handlers:     make(map[string]registration),
		counters:     make(map[string]*queueCounters),
		stopCh:       make(chan struct{}),
	}
}

// Register attaches a handler to a queue. Must be called before Start.
func (r *Runtime) Register(queue string, h Handler) {
	r.RegisterWithAccount(queue, h, nil)
}

// RegisterWithAccount attaches a handler whose jobs are scoped to a
// cloud account for governor bookkeeping.
func (r *Runtime) RegisterWithAccount(queue string, h Handler, accountOf AccountFn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		panic("worker: Register after Start")
	}
	r.handlers[queue] = registration{handler: h, accountOf: accountOf}
}

// Start spawns the worker pools, one pool per registered queue sized by
// the queue's configured concurrency.
func (r *Runtime) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.started = true

	for queue, reg := range r.handlers {
		qc, ok := r.queues[queue]
		if !ok {
			r.logger.Warn().Str("queue", queue).Msg("handler registered for unconfigured queue, skipping")
			continue
		}
		n := qc.Concurrency
		if n < 1 {
			n = 1
		}
		c := &queueCounters{workers: n}
		r.counters[queue] = c
		for i := 0; i < n; i++ {
			r.wg.Add(1)
			go r.runWorker(queue, reg, c)
		}
		r.logger.Info().Str("queue", queue).Int("workers", n).Msg("worker pool started")
	}
}

func (r *Runtime) runWorker(queue string, reg registration, c *queueCounters) {
	defer r.wg.Done()
	ctx := context.Background()

	for {
		select {
		case <-r.stopCh:
			return
		default:
		}

		job, err := r.bus.Reserve(ctx, queue)
		if err != nil {
			r.logger.Error().Err(err).Str("queue", queue).Msg("reserve failed")
			r.idle()
			continue
		}
		if job == nil {
			r.idle()
			continue
		}
		r.process(ctx, queue, reg, c, job)
	}
}

func (r *Runtime) idle() {
	select {
	case <-time.After(r.pollInterval):
	case <-r.stopCh:
	}
}

// process settles a claimed job. In-flight jobs run to completion even
// during shutdown; only claiming stops.
func (r *Runtime) process(ctx context.Context, queue string, reg registration, c *queueCounters, job *bus.Job) {
	accountID := ""
	if reg.accountOf != nil {
		accountID = reg.accountOf(job)
	}

	slot, err := r.gov.Acquire(ctx, queue, job.ID, accountID)
	if err != nil {
		delay := types.RetryAfterOf(err)
		if delay <= 0 {
			delay = r.pollInterval
		}
		if rqErr := r.bus.Requeue(ctx, job, delay); rqErr != nil {
			r.logger.Error().Err(rqErr).Str("job_id", job.ID).Msg("requeue after denial failed")
		}
		return
	}
	defer slot.Release()

	c.active.Add(1)
	defer c.active.Add(-1)

	job.Attempts++
	start := time.Now()
	err = r.invoke(ctx, reg.handler, job)
	metrics.JobDuration.WithLabelValues(queue).Observe(time.Since(start).Seconds())

	if err != nil {
		c.failed.Add(1)
		r.recordOutcome(queue, err)
		r.logger.Warn().Err(err).Str("queue", queue).Str("job_id", job.ID).
			Int("attempt", job.Attempts).Int("max_attempts", job.MaxAttempts).
			Msg("job failed")
		if fErr := r.bus.Fail(ctx, job, err); fErr != nil {
			r.logger.Error().Err(fErr).Str("job_id", job.ID).Msg("fail settlement error")
		}
		return
	}

	c.processed.Add(1)
	r.gov.RecordSuccess(queue)
	if cErr := r.bus.Complete(ctx, job); cErr != nil {
		r.logger.Error().Err(cErr).Str("job_id", job.ID).Msg("complete settlement error")
	}
}

func (r *Runtime) invoke(ctx context.Context, h Handler, job *bus.Job) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panic: %v", p)
		}
	}()
	return h(ctx, job)
}

// recordOutcome feeds the circuit breaker. Only dependency failures
// count; a validation failure says nothing about downstream health.
func (r *Runtime) recordOutcome(queue string, err error) {
	switch types.KindOf(err) {
	case types.KindCloudAPIError, types.KindSidecarUnreachable,
		types.KindRateLimitExceeded, types.KindDegradedDependency:
		r.gov.RecordFailure(queue)
	default:
		r.gov.RecordSuccess(queue)
	}
}

// Stats snapshots per-queue worker counters for the health report
func (r *Runtime) Stats() map[string]QueueStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]QueueStats, len(r.counters))
	for queue, c := range r.counters {
		out[queue] = QueueStats{
			Workers:   c.workers,
			Active:    c.active.Load(),
			Processed: c.processed.Load(),
			Failed:    c.failed.Load(),
		}
	}
	return out
}

// Close stops claiming and waits up to timeout for in-flight jobs
func (r *Runtime) Close(timeout time.Duration) error {
	close(r.stopCh)

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info().Msg("all workers drained")
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("worker drain timed out after %s", timeout)
	}
}
