package bus

import (
	"time"

	"github.com/genesishq/genesis/pkg/config"
	"github.com/genesishq/genesis/pkg/types"
)

// Job is one unit of work routed to a queue. The full record is stored
// in Redis as JSON under genesis:job:<id> while the job is live.
type Job struct {
	ID             string             `json:"id"`
	Queue          string             `json:"queue"`
	Payload        types.Payload      `json:"payload"`
	Priority       int                `json:"priority"`
	Attempts       int                `json:"attempts"`
	MaxAttempts    int                `json:"max_attempts"`
	Backoff        config.BackoffKind `json:"backoff"`
	BackoffBase    time.Duration      `json:"backoff_base"`
	IdempotencyKey string             `json:"idempotency_key,omitempty"`
	RolloutID      string             `json:"rollout_id,omitempty"`
	WaveNumber     int                `json:"wave_number,omitempty"`
	ParentDLQID    string             `json:"parent_dlq_id,omitempty"`
	EnqueuedAt     time.Time          `json:"enqueued_at"`
	StartedAt      time.Time          `json:"started_at,omitempty"`
	LastError      string             `json:"last_error,omitempty"`
}

// nextBackoff computes the retry delay after the given attempt count
func (j *Job) nextBackoff() time.Duration {
	q := config.QueueConfig{Backoff: j.Backoff, BackoffBase: j.BackoffBase}
	return q.NextBackoff(j.Attempts)
}

// AddOptions tunes a single submission. Zero values fall back to the
// queue's configured defaults.
type AddOptions struct {
	Priority       int           // override; 0 keeps the queue default
	Delay          time.Duration // make the job due in the future
	Attempts       int           // override max attempts
	Backoff        config.BackoffKind
	BackoffBase    time.Duration
	IdempotencyKey string
	RolloutID      string
	WaveNumber     int
	ParentDLQID    string
}

// DLQEntry is a dead-lettered job with its final error, stored per
// queue in a time-ordered index and replayable.
type DLQEntry struct {
	Job           Job       `json:"job"`
	FinalError    string    `json:"final_error"`
	DeadLetteredAt time.Time `json:"dead_lettered_at"`
}
