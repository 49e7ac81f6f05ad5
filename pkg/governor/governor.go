package governor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/genesishq/genesis/pkg/config"
	"github.com/genesishq/genesis/pkg/log"
	"github.com/genesishq/genesis/pkg/metrics"
	"github.com/genesishq/genesis/pkg/types"
)

const (
	keyGlobal      = "genesis:governor:inflight:global"
	keyQueuePrefix = "genesis:governor:inflight:queue:"
	keyAcctPrefix  = "genesis:governor:inflight:account:"
	keyRatePrefix  = "genesis:governor:rate:"

	// fallback retry hint when a concurrency bound (not the rate
	// window) caused the denial
	concurrencyRetryHint = 250 * time.Millisecond
)

// Slot is a granted governor reservation. Release is idempotent.
type Slot struct {
	Queue     string
	JobID     string
	AccountID string

	g       *Governor
	release sync.Once
}

// Release frees the slot's counters. Safe to call more than once.
func (s *Slot) Release() {
	s.release.Do(func() {
		s.g.releaseSlot(s)
	})
}

// Governor throttles outbound work by global, per-queue and per-account
// in-flight bounds, a per-queue sliding-window rate limit, and a
// per-queue circuit breaker. All counters live in Redis and are mutated
// only by atomic scripts, so concurrent control plane instances share
// the same bounds.
type Governor struct {
	rdb    redis.UniversalClient
	cfg    config.GovernorConfig
	queues map[string]config.QueueConfig
	logger zerolog.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
	openedAt map[string]time.Time
}

// New creates a governor backed by the shared Redis instance
func New(rdb redis.UniversalClient, cfg config.GovernorConfig, queues map[string]config.QueueConfig) *Governor {
	return &Governor{
		rdb:      rdb,
		cfg:      cfg,
		queues:   queues,
		logger:   log.WithComponent("governor"),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		openedAt: make(map[string]time.Time),
	}
}

func (g *Governor) breaker(queue string) *gobreaker.CircuitBreaker {
	g.mu.Lock()
	defer g.mu.Unlock()
	if cb, ok := g.breakers[queue]; ok {
		return cb
	}
	threshold := uint32(g.cfg.CircuitBreakerThreshold)
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        queue,
		MaxRequests: 1, // single probe in half-open
		Timeout:     g.cfg.CircuitBreakerReset,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			g.mu.Lock()
			if to == gobreaker.StateOpen {
				g.openedAt[name] = time.Now()
				metrics.CircuitOpen.WithLabelValues(name).Set(1)
			} else {
				delete(g.openedAt, name)
				metrics.CircuitOpen.WithLabelValues(name).Set(0)
			}
			g.mu.Unlock()
			g.logger.Warn().Str("queue", name).
				Str("from", from.String()).Str("to", to.String()).
				Msg("circuit state changed")
		},
	})
	g.breakers[queue] = cb
	return cb
}

// Acquire reserves a slot for one job in the given queue, optionally
// bound to a cloud account. Denials return a GOVERNOR_DENIED error with
// a positive RetryAfter hint.
func (g *Governor) Acquire(ctx context.Context, queue, jobID, accountID string) (*Slot, error) {
	qc, ok := g.queues[queue]
	if !ok {
		return nil, types.Errorf(types.KindValidationFailed, "governor.acquire", "unknown queue %q", queue)
	}

	cb := g.breaker(queue)
	switch cb.State() {
	case gobreaker.StateOpen:
		remaining := g.circuitRemaining(queue)
		metrics.GovernorDenials.WithLabelValues(queue, "circuit").Inc()
		return nil, types.Errorf(types.KindGovernorDenied, "governor.acquire", "circuit open for %s", queue).
			WithQueue(queue).WithRetryAfter(remaining)
	case gobreaker.StateHalfOpen:
		// one probe passes; the breaker settles on the recorded outcome
	}

	acctKey := ""
	if accountID != "" {
		acctKey = keyAcctPrefix + accountID
	}

	now := time.Now()
	res, err := acquireScript.Run(ctx, g.rdb,
		[]string{keyGlobal, keyQueuePrefix + queue, keyRatePrefix + queue},
		acctKey,
		g.cfg.GlobalMaxConcurrent,
		qc.Concurrency,
		g.cfg.PerAccountMaxConcurrent,
		qc.RateMax,
		qc.RateWindow.Milliseconds(),
		now.UnixMilli(),
		fmt.Sprintf("%s:%d", jobID, now.UnixNano()),
	).Slice()
	if err != nil {
		return nil, fmt.Errorf("governor acquire script: %w", err)
	}

	granted, _ := res[0].(int64)
	if granted == 1 {
		return &Slot{Queue: queue, JobID: jobID, AccountID: accountID, g: g}, nil
	}

	reason, _ := res[1].(string)
	retryMs, _ := res[2].(int64)
	retryAfter := time.Duration(retryMs) * time.Millisecond
	if retryAfter <= 0 {
		retryAfter = concurrencyRetryHint
	}
	metrics.GovernorDenials.WithLabelValues(queue, reason).Inc()
	return nil, types.Errorf(types.KindGovernorDenied, "governor.acquire", "%s limit reached for %s", reason, queue).
		WithQueue(queue).WithRetryAfter(retryAfter)
}

func (g *Governor) releaseSlot(s *Slot) {
	acctKey := ""
	if s.AccountID != "" {
		acctKey = keyAcctPrefix + s.AccountID
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := releaseScript.Run(ctx, g.rdb,
		[]string{keyGlobal, keyQueuePrefix + s.Queue},
		acctKey,
	).Err(); err != nil && err != redis.Nil {
		g.logger.Error().Err(err).Str("queue", s.Queue).Msg("slot release failed")
	}
}

// RecordSuccess feeds a successful outcome to the queue's circuit breaker
func (g *Governor) RecordSuccess(queue string) {
	_, _ = g.breaker(queue).Execute(func() (any, error) { return nil, nil })
}

// RecordFailure feeds a failed outcome to the queue's circuit breaker
func (g *Governor) RecordFailure(queue string) {
	_, _ = g.breaker(queue).Execute(func() (any, error) {
		return nil, fmt.Errorf("dependency failure in %s", queue)
	})
}

// CircuitState returns the breaker state string for operator surfaces
func (g *Governor) CircuitState(queue string) string {
	return g.breaker(queue).State().String()
}

func (g *Governor) circuitRemaining(queue string) time.Duration {
	g.mu.Lock()
	opened, ok := g.openedAt[queue]
	g.mu.Unlock()
	if !ok {
		return g.cfg.CircuitBreakerReset
	}
	remaining := g.cfg.CircuitBreakerReset - time.Since(opened)
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}

// InFlight reports the shared in-flight counters for the health report
func (g *Governor) InFlight(ctx context.Context, queue string) (global, perQueue int64, err error) {
	pipe := g.rdb.Pipeline()
	gCmd := pipe.Get(ctx, keyGlobal)
	qCmd := pipe.Get(ctx, keyQueuePrefix+queue)
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return 0, 0, err
	}
	global, _ = gCmd.Int64()
	perQueue, _ = qCmd.Int64()
	return global, perQueue, nil
}
