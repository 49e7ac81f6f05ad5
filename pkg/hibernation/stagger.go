package hibernation

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/samber/lo"

	"github.com/genesishq/genesis/pkg/bus"
	"github.com/genesishq/genesis/pkg/config"
	"github.com/genesishq/genesis/pkg/metrics"
	"github.com/genesishq/genesis/pkg/types"
)

// wakeLead is the margin between the projected end of a wake and its
// target time, sized to the standard-tier wake budget.
const wakeLead = 60 * time.Second

// WakeRequest asks for one droplet to be awake by a target time
type WakeRequest struct {
	TenantID  string
	DropletID int64
	Tier      types.Tier
	Target    time.Time
	Reason    types.WakeReason
}

// ScheduledWake is one slot in a staggered batch
type ScheduledWake struct {
	Request WakeRequest
	At      time.Time
}

// StaggerSchedule spaces a batch of wake requests by a fixed inter-wake
// gap so the batch stays under the provider's action rate limit.
// Requests are ordered by tier weight descending, then target time
// ascending; the batch starts at latest_target - N*gap - 60s. Returns
// the per-request schedule and the projected batch end.
func StaggerSchedule(reqs []WakeRequest, gap time.Duration) ([]ScheduledWake, time.Time) {
	if len(reqs) == 0 {
		return nil, time.Time{}
	}
	ordered := append([]WakeRequest{}, reqs...)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Tier.Weight() != ordered[j].Tier.Weight() {
			return ordered[i].Tier.Weight() > ordered[j].Tier.Weight()
		}
		return ordered[i].Target.Before(ordered[j].Target)
	})

	latest := lo.MaxBy(ordered, func(a, b WakeRequest) bool { return a.Target.After(b.Target) }).Target
	ramp := time.Duration(len(ordered)) * gap
	start := latest.Add(-ramp - wakeLead)

	out := make([]ScheduledWake, len(ordered))
	for i, r := range ordered {
		out[i] = ScheduledWake{Request: r, At: start.Add(time.Duration(i) * gap)}
	}
	return out, start.Add(ramp)
}

// ScheduleStaggeredWakes computes the stagger for a batch and enqueues
// one delayed wake-droplet job per slot. Slots already in the past are
// enqueued immediately.
func (c *Controller) ScheduleStaggeredWakes(ctx context.Context, reqs []WakeRequest) ([]ScheduledWake, time.Time, error) {
	schedule, end := StaggerSchedule(reqs, c.wakeGap)
	now := c.now()
	for _, s := range schedule {
		dropletID := s.Request.DropletID
		if dropletID == 0 {
			d, err := c.store.GetDroplet(ctx, s.Request.TenantID)
			if err != nil {
				return nil, time.Time{}, err
			}
			dropletID = d.ProviderID
		}
		payload, err := types.NewPayload(types.PayloadWakeDroplet, types.WakeDropletPayload{
			TenantID:  s.Request.TenantID,
			DropletID: dropletID,
			Reason:    s.Request.Reason,
		})
		if err != nil {
			return nil, time.Time{}, err
		}
		delay := s.At.Sub(now)
		if delay < 0 {
			delay = 0
		}
		_, err = c.bus.Add(ctx, config.QueueWakeDroplet, payload, bus.AddOptions{
			Delay:          delay,
			IdempotencyKey: fmt.Sprintf("wake:%s:%d", s.Request.TenantID, s.Request.Target.Unix()),
		})
		if err != nil {
			return nil, time.Time{}, err
		}
		metrics.WakesScheduled.Inc()
	}
	c.logger.Info().Int("requests", len(schedule)).Time("batch_end", end).
		Dur("gap", c.wakeGap).Msg("staggered wake batch scheduled")
	return schedule, end, nil
}
