package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/genesishq/genesis/pkg/config"
	"github.com/genesishq/genesis/pkg/log"
	"github.com/genesishq/genesis/pkg/metrics"
	"github.com/genesishq/genesis/pkg/types"
)

const (
	keyJobPrefix     = "genesis:job:"
	keyReadyPrefix   = "genesis:queue:ready:"
	keyDelayedPrefix = "genesis:queue:delayed:"
	keyActivePrefix  = "genesis:queue:active:"
	keyScoresPrefix  = "genesis:queue:scores:"
	keySeq           = "genesis:queue:seq"
	keyWavePrefix    = "genesis:rollout:wave:"
)

// priorityBand spreads priorities far enough apart that the enqueue
// sequence number never crosses into the next band.
const priorityBand = float64(1 << 40)

// Bus is the typed job submission and dispatch layer. Queue state lives
// in Redis; the idempotency cache is process-local by contract
// (downstream handlers dedupe on stable store keys).
type Bus struct {
	rdb    redis.UniversalClient
	queues map[string]config.QueueConfig
	idem   *gocache.Cache
	dlq    *DLQ
	broker *Broker
	logger zerolog.Logger
	now    func() time.Time
}

// New creates a job bus over the shared Redis instance
func New(rdb redis.UniversalClient, cfg *config.Config) *Bus {
	b := &Bus{
		rdb:    rdb,
		queues: cfg.Queues,
		idem:   gocache.New(cfg.IdempotencyWindow, cfg.IdempotencyWindow),
		broker: NewBroker(),
		logger: log.WithComponent("bus"),
		now:    time.Now,
	}
	b.dlq = newDLQ(rdb, b, cfg.DLQRetention, cfg.DLQAlertThreshold)
	b.broker.Start()
	return b
}

// Events returns the internal event broker
func (b *Bus) Events() *Broker { return b.broker }

// DLQ returns the dead-letter queue view
func (b *Bus) DLQ() *DLQ { return b.dlq }

// Add submits a job to a queue. With an idempotency key, a resubmission
// within the cache window returns the original job ID and enqueues
// nothing.
func (b *Bus) Add(ctx context.Context, queue string, payload types.Payload, opts AddOptions) (string, error) {
	qc, ok := b.queues[queue]
	if !ok {
		return "", types.Errorf(types.KindValidationFailed, "bus.add", "unknown queue %q", queue)
	}

	if opts.IdempotencyKey != "" {
		if prev, found := b.idem.Get(opts.IdempotencyKey); found {
			return prev.(string), nil
		}
	}

	job := &Job{
		ID:             uuid.New().String(),
		Queue:          queue,
		Payload:        payload,
		Priority:       qc.Priority,
		MaxAttempts:    qc.MaxRetries,
		Backoff:        qc.Backoff,
		BackoffBase:    qc.BackoffBase,
		IdempotencyKey: opts.IdempotencyKey,
		RolloutID:      opts.RolloutID,
		WaveNumber:     opts.WaveNumber,
		ParentDLQID:    opts.ParentDLQID,
		EnqueuedAt:     b.now(),
	}
	if opts.Priority != 0 {
		job.Priority = opts.Priority
	}
	if opts.Attempts != 0 {
		job.MaxAttempts = opts.Attempts
	}
	if opts.Backoff != "" {
		job.Backoff = opts.Backoff
		job.BackoffBase = opts.BackoffBase
	}

	if err := b.enqueue(ctx, job, opts.Delay); err != nil {
		return "", err
	}

	if opts.IdempotencyKey != "" {
		b.idem.SetDefault(opts.IdempotencyKey, job.ID)
	}
	if job.RolloutID != "" {
		b.rdb.HIncrBy(ctx, waveKey(job.RolloutID, job.WaveNumber), "total", 1)
	}

	b.broker.Publish(&Event{Type: EventJobAdded, Queue: queue, JobID: job.ID})
	return job.ID, nil
}

func (b *Bus) enqueue(ctx context.Context, job *Job, delay time.Duration) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}

	score, err := b.readyScore(ctx, job.Priority)
	if err != nil {
		return err
	}

	delayedUntil := int64(0)
	if delay > 0 {
		delayedUntil = b.now().Add(delay).UnixMilli()
	}

	err = enqueueScript.Run(ctx, b.rdb,
		[]string{keyJobPrefix + job.ID, keyReadyPrefix + job.Queue, keyDelayedPrefix + job.Queue, keyScoresPrefix + job.Queue},
		data, job.ID, score, delayedUntil,
	).Err()
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", job.Queue, err)
	}
	return nil
}

// Reserve claims the highest-priority due job from a queue, or returns
// nil when the queue is empty.
func (b *Bus) Reserve(ctx context.Context, queue string) (*Job, error) {
	res, err := reserveScript.Run(ctx, b.rdb,
		[]string{keyReadyPrefix + queue, keyDelayedPrefix + queue, keyActivePrefix + queue, keyScoresPrefix + queue},
		b.now().UnixMilli(),
	).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reserve %s: %w", queue, err)
	}

	jobID, _ := res.(string)
	if jobID == "" {
		return nil, nil
	}

	data, err := b.rdb.Get(ctx, keyJobPrefix+jobID).Bytes()
	if err == redis.Nil {
		// record expired or was replayed out from under us; drop the claim
		b.rdb.HDel(ctx, keyActivePrefix+queue, jobID)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load job %s: %w", jobID, err)
	}

	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", jobID, err)
	}
	job.StartedAt = b.now()
	b.broker.Publish(&Event{Type: EventJobActive, Queue: queue, JobID: job.ID})
	return &job, nil
}

// Complete marks a job finished and removes it from the active queue
func (b *Bus) Complete(ctx context.Context, job *Job) error {
	err := completeScript.Run(ctx, b.rdb,
		[]string{keyActivePrefix + job.Queue, keyJobPrefix + job.ID},
		job.ID,
	).Err()
	if err != nil {
		return fmt.Errorf("complete %s: %w", job.ID, err)
	}
	if job.RolloutID != "" {
		b.rdb.HIncrBy(ctx, waveKey(job.RolloutID, job.WaveNumber), "completed", 1)
	}
	metrics.JobsTotal.WithLabelValues(job.Queue, "completed").Inc()
	b.broker.Publish(&Event{Type: EventJobCompleted, Queue: job.Queue, JobID: job.ID})
	return nil
}

// Fail records a failed attempt. Retryable failures below the attempt
// ceiling are rescheduled with backoff; terminal or exhausted jobs are
// dead-lettered atomically with removal from the active queue.
func (b *Bus) Fail(ctx context.Context, job *Job, jobErr error) error {
	job.LastError = jobErr.Error()

	if !types.IsTerminal(jobErr) && job.Attempts < job.MaxAttempts {
		delay := job.nextBackoff()
		if hint := types.RetryAfterOf(jobErr); hint > delay {
			delay = hint
		}
		return b.retry(ctx, job, delay)
	}
	return b.deadLetter(ctx, job, jobErr)
}

// Requeue puts a claimed job back without consuming an attempt, used
// when the governor denies a slot.
func (b *Bus) Requeue(ctx context.Context, job *Job, delay time.Duration) error {
	if err := b.reschedule(ctx, job, delay); err != nil {
		return fmt.Errorf("requeue %s: %w", job.ID, err)
	}
	return nil
}

func (b *Bus) reschedule(ctx context.Context, job *Job, delay time.Duration) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	score, err := b.readyScore(ctx, job.Priority)
	if err != nil {
		return err
	}
	return retryScript.Run(ctx, b.rdb,
		[]string{keyJobPrefix + job.ID, keyDelayedPrefix + job.Queue, keyActivePrefix + job.Queue, keyScoresPrefix + job.Queue},
		data, job.ID, b.now().Add(delay).UnixMilli(), score,
	).Err()
}

func (b *Bus) readyScore(ctx context.Context, priority int) (float64, error) {
	seq, err := b.rdb.Incr(ctx, keySeq).Result()
	if err != nil {
		return 0, fmt.Errorf("job sequence: %w", err)
	}
	return float64(priority)*priorityBand + float64(seq), nil
}

func (b *Bus) retry(ctx context.Context, job *Job, delay time.Duration) error {
	if err := b.reschedule(ctx, job, delay); err != nil {
		return fmt.Errorf("retry %s: %w", job.ID, err)
	}
	metrics.JobsTotal.WithLabelValues(job.Queue, "retried").Inc()
	b.broker.Publish(&Event{Type: EventJobFailed, Queue: job.Queue, JobID: job.ID, Message: job.LastError})
	return nil
}

func (b *Bus) deadLetter(ctx context.Context, job *Job, jobErr error) error {
	if err := b.dlq.add(ctx, job, jobErr); err != nil {
		return err
	}
	if job.RolloutID != "" {
		b.rdb.HIncrBy(ctx, waveKey(job.RolloutID, job.WaveNumber), "failed", 1)
	}
	metrics.JobsTotal.WithLabelValues(job.Queue, "dead-lettered").Inc()
	b.broker.Publish(&Event{Type: EventJobDeadLettered, Queue: job.Queue, JobID: job.ID, Message: job.LastError})
	return nil
}

// WaveCounts reports terminal-state progress for one rollout wave
func (b *Bus) WaveCounts(ctx context.Context, rolloutID string, wave int) (total, completed, failed int, err error) {
	vals, err := b.rdb.HGetAll(ctx, waveKey(rolloutID, wave)).Result()
	if err != nil {
		return 0, 0, 0, err
	}
	parse := func(k string) int {
		n := 0
		fmt.Sscanf(vals[k], "%d", &n)
		return n
	}
	return parse("total"), parse("completed"), parse("failed"), nil
}

// PendingCount returns ready+delayed depth of a queue
func (b *Bus) PendingCount(ctx context.Context, queue string) (int64, error) {
	pipe := b.rdb.Pipeline()
	ready := pipe.ZCard(ctx, keyReadyPrefix+queue)
	delayed := pipe.ZCard(ctx, keyDelayedPrefix+queue)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return ready.Val() + delayed.Val(), nil
}

// Close stops the event broker
func (b *Bus) Close() {
	b.broker.Stop()
}

func waveKey(rolloutID string, wave int) string {
	return fmt.Sprintf("%s%s:%d", keyWavePrefix, rolloutID, wave)
}
