package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/genesishq/genesis/pkg/log"
	"github.com/genesishq/genesis/pkg/metrics"
	"github.com/genesishq/genesis/pkg/types"
)

const (
	keyDLQPrefix      = "genesis:dlq:"
	keyDLQEntryPrefix = "genesis:dlq:entry:"
)

// DLQ is the per-queue dead-letter index. Entries are time-ordered,
// retained for a bounded period and replayable; the index is never
// auto-truncated below retention.
type DLQ struct {
	rdb            redis.UniversalClient
	bus            *Bus
	retention      time.Duration
	alertThreshold int
	logger         zerolog.Logger
}

func newDLQ(rdb redis.UniversalClient, b *Bus, retention time.Duration, alertThreshold int) *DLQ {
	return &DLQ{
		rdb:            rdb,
		bus:            b,
		retention:      retention,
		alertThreshold: alertThreshold,
		logger:         log.WithComponent("dlq"),
	}
}

func (d *DLQ) indexKey(queue string) string { return keyDLQPrefix + queue }

func (d *DLQ) entryKey(queue, jobID string) string {
	return keyDLQEntryPrefix + queue + ":" + jobID
}

func (d *DLQ) add(ctx context.Context, job *Job, jobErr error) error {
	entry := DLQEntry{
		Job:            *job,
		FinalError:     jobErr.Error(),
		DeadLetteredAt: d.bus.now(),
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode dlq entry: %w", err)
	}

	err = deadLetterScript.Run(ctx, d.rdb,
		[]string{d.indexKey(job.Queue), d.entryKey(job.Queue, job.ID), keyActivePrefix + job.Queue, keyJobPrefix + job.ID},
		data, job.ID, d.bus.now().UnixMilli(), d.retention.Milliseconds(),
	).Err()
	if err != nil {
		return fmt.Errorf("dead-letter %s: %w", job.ID, err)
	}

	size, err := d.Size(ctx, job.Queue)
	if err == nil {
		metrics.DLQDepth.WithLabelValues(job.Queue).Set(float64(size))
		if d.alertThreshold > 0 && size >= int64(d.alertThreshold) {
			d.logger.Error().Str("queue", job.Queue).Int64("size", size).
				Int("threshold", d.alertThreshold).
				Msg("dead-letter queue above alert threshold")
			d.bus.broker.Publish(&Event{
				Type:    EventDLQThreshold,
				Queue:   job.Queue,
				Message: fmt.Sprintf("dlq size %d >= threshold %d", size, d.alertThreshold),
			})
		}
	}
	return nil
}

// Size returns the number of dead-lettered jobs for a queue
func (d *DLQ) Size(ctx context.Context, queue string) (int64, error) {
	return d.rdb.ZCard(ctx, d.indexKey(queue)).Result()
}

// List returns up to limit entries for a queue, oldest first
func (d *DLQ) List(ctx context.Context, queue string, limit int64) ([]DLQEntry, error) {
	ids, err := d.rdb.ZRange(ctx, d.indexKey(queue), 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("list dlq %s: %w", queue, err)
	}

	entries := make([]DLQEntry, 0, len(ids))
	for _, id := range ids {
		data, err := d.rdb.Get(ctx, d.entryKey(queue, id)).Bytes()
		if err == redis.Nil {
			// record expired past retention; drop the dangling index row
			d.rdb.ZRem(ctx, d.indexKey(queue), id)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load dlq entry %s: %w", id, err)
		}
		var entry DLQEntry
		if err := json.Unmarshal(data, &entry); err != nil {
			return nil, fmt.Errorf("decode dlq entry %s: %w", id, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Get loads one entry by job ID
func (d *DLQ) Get(ctx context.Context, queue, jobID string) (*DLQEntry, error) {
	data, err := d.rdb.Get(ctx, d.entryKey(queue, jobID)).Bytes()
	if err == redis.Nil {
		return nil, types.Errorf(types.KindValidationFailed, "dlq.get", "no dlq entry %s in %s", jobID, queue)
	}
	if err != nil {
		return nil, fmt.Errorf("load dlq entry %s: %w", jobID, err)
	}
	var entry DLQEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("decode dlq entry %s: %w", jobID, err)
	}
	return &entry, nil
}

// Replay re-enqueues a dead-lettered job with a fresh attempt budget,
// preserving the original payload and annotating the new job with a
// pointer to its DLQ origin. The entry is removed only after the
// enqueue succeeded.
func (d *DLQ) Replay(ctx context.Context, queue, jobID string) (string, error) {
	entry, err := d.Get(ctx, queue, jobID)
	if err != nil {
		return "", err
	}

	newID, err := d.bus.Add(ctx, queue, entry.Job.Payload, AddOptions{
		Priority:    entry.Job.Priority,
		RolloutID:   entry.Job.RolloutID,
		WaveNumber:  entry.Job.WaveNumber,
		ParentDLQID: jobID,
	})
	if err != nil {
		return "", fmt.Errorf("replay %s: %w", jobID, err)
	}

	pipe := d.rdb.Pipeline()
	pipe.ZRem(ctx, d.indexKey(queue), jobID)
	pipe.Del(ctx, d.entryKey(queue, jobID))
	if _, err := pipe.Exec(ctx); err != nil {
		d.logger.Error().Err(err).Str("job_id", jobID).Msg("dlq entry removal failed after replay")
	}

	size, err := d.Size(ctx, queue)
	if err == nil {
		metrics.DLQDepth.WithLabelValues(queue).Set(float64(size))
	}
	return newID, nil
}
