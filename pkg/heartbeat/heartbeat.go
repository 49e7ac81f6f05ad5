// Package heartbeat ingests the sidecar heartbeat stream: a pub/sub
// subscriber coalesces readings per tenant (last writer wins) and a
// periodic flush bulk-upserts the buffer into the store.
package heartbeat

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/genesishq/genesis/pkg/config"
	"github.com/genesishq/genesis/pkg/log"
	"github.com/genesishq/genesis/pkg/metrics"
	"github.com/genesishq/genesis/pkg/store"
	"github.com/genesishq/genesis/pkg/types"
)

const channelPattern = "heartbeat:*"

// Processor buffers heartbeat readings in memory and flushes them on a
// fixed period. The buffer is local to one instance; cross-instance
// coalescing happens at the store's upsert.
type Processor struct {
	rdb    redis.UniversalClient
	store  store.Store
	logger zerolog.Logger

	flushInterval time.Duration

	mu         sync.Mutex
	buffer     map[string]types.Heartbeat
	running    bool
	lastFlush  time.Time
	errorCount int

	pubsub *redis.PubSub
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New wires the heartbeat processor
func New(rdb redis.UniversalClient, st store.Store, cfg *config.Config) *Processor {
	return &Processor{
		rdb:           rdb,
		store:         st,
		logger:        log.WithComponent("heartbeat"),
		flushInterval: cfg.HeartbeatFlushInterval,
		buffer:        make(map[string]types.Heartbeat),
		stopCh:        make(chan struct{}),
	}
}

// Start subscribes to the heartbeat channels and launches the flusher
func (p *Processor) Start(ctx context.Context) error {
	p.pubsub = p.rdb.PSubscribe(ctx, channelPattern)
	if _, err := p.pubsub.Receive(ctx); err != nil {
		return err
	}

	p.mu.Lock()
	p.running = true
	p.lastFlush = time.Now()
	p.mu.Unlock()

	p.wg.Add(2)
	go p.consume()
	go p.flushLoop()

	p.logger.Info().Dur("flush_interval", p.flushInterval).Msg("heartbeat processor started")
	return nil
}

func (p *Processor) consume() {
	defer p.wg.Done()
	ch := p.pubsub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			p.ingest(msg.Channel, []byte(msg.Payload))
		case <-p.stopCh:
			return
		}
	}
}

func (p *Processor) ingest(channel string, payload []byte) {
	var hb types.Heartbeat
	if err := json.Unmarshal(payload, &hb); err != nil {
		p.logger.Warn().Str("channel", channel).Msg("malformed heartbeat dropped")
		return
	}
	if hb.TenantID == "" {
		hb.TenantID = strings.TrimPrefix(channel, "heartbeat:")
	}
	if hb.Timestamp.IsZero() {
		hb.Timestamp = time.Now()
	}

	p.mu.Lock()
	p.buffer[hb.TenantID] = hb
	p.mu.Unlock()
}

func (p *Processor) flushLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := p.Flush(context.Background()); err != nil {
				p.logger.Error().Err(err).Msg("heartbeat flush failed")
			}
		case <-p.stopCh:
			return
		}
	}
}

// Flush upserts the buffered readings. On failure, entries that have
// not been overwritten by a newer reading are returned to the buffer.
func (p *Processor) Flush(ctx context.Context) error {
	p.mu.Lock()
	if len(p.buffer) == 0 {
		p.lastFlush = time.Now()
		p.mu.Unlock()
		return nil
	}
	batch := make([]types.Heartbeat, 0, len(p.buffer))
	snapshot := p.buffer
	p.buffer = make(map[string]types.Heartbeat)
	for _, hb := range snapshot {
		batch = append(batch, hb)
	}
	p.mu.Unlock()

	if err := p.store.UpsertHeartbeats(ctx, batch); err != nil {
		metrics.HeartbeatFlushErrors.Inc()
		p.mu.Lock()
		p.errorCount++
		for tenant, hb := range snapshot {
			if _, overwritten := p.buffer[tenant]; !overwritten {
				p.buffer[tenant] = hb
			}
		}
		p.mu.Unlock()
		return err
	}

	metrics.HeartbeatsFlushed.Add(float64(len(batch)))
	p.mu.Lock()
	p.lastFlush = time.Now()
	p.mu.Unlock()
	return nil
}

// Stop unsubscribes, drains the goroutines and runs a final flush
func (p *Processor) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.mu.Unlock()

	close(p.stopCh)
	if p.pubsub != nil {
		_ = p.pubsub.Close()
	}
	p.wg.Wait()

	if err := p.Flush(context.Background()); err != nil {
		p.logger.Error().Err(err).Msg("final heartbeat flush failed")
	}
	p.logger.Info().Msg("heartbeat processor stopped")
}

// Buffered returns the number of readings waiting for the next flush
func (p *Processor) Buffered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buffer)
}

// Status reports processor health: healthy only while running with a
// flush inside three flush windows.
func (p *Processor) Status() types.ServiceStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := types.ServiceStatus{
		Name:       "heartbeat-processor",
		Running:    p.running,
		LastRun:    p.lastFlush,
		ErrorCount: p.errorCount,
	}
	if p.running && time.Since(p.lastFlush) > 3*p.flushInterval {
		st.Degraded = true
		st.Reason = "no flush within three intervals"
	}
	return st
}
