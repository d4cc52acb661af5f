package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"pipeline_server/adapter/out/messaging"
	"pipeline_server/core/port/out"
	"pipeline_server/pkg/metrics"
)

// Maintainer runs the queue's periodic chores: returning expired leases,
// promoting aged jobs, and refreshing depth gauges.
type Maintainer struct {
	queue out.JobQueue
	hub   *metrics.Hub
	log   zerolog.Logger

	leaseInterval time.Duration
	agingInterval time.Duration
	statsInterval time.Duration
}

// NewMaintainer creates the maintenance scheduler.
func NewMaintainer(queue out.JobQueue, hub *metrics.Hub, log zerolog.Logger) *Maintainer {
	return &Maintainer{
		queue:         queue,
		hub:           hub,
		log:           log.With().Str("component", "queue_maintainer").Logger(),
		leaseInterval: 30 * time.Second,
		agingInterval: time.Minute,
		statsInterval: 15 * time.Second,
	}
}

// Run blocks until ctx is done. Lease recovery fires once immediately,
// before the first tick; it does not wait for, or hold back, workers
// that start leasing at the same time.
func (m *Maintainer) Run(ctx context.Context) {
	if n, err := m.queue.RecoverLeases(ctx); err == nil && n > 0 {
		m.log.Info().Int("recovered", n).Msg("startup lease recovery")
	}

	leaseTicker := time.NewTicker(m.leaseInterval)
	agingTicker := time.NewTicker(m.agingInterval)
	statsTicker := time.NewTicker(m.statsInterval)
	defer leaseTicker.Stop()
	defer agingTicker.Stop()
	defer statsTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-leaseTicker.C:
			if _, err := m.queue.RecoverLeases(ctx); err != nil {
				m.log.Error().Err(err).Msg("lease recovery failed")
			}

		case <-agingTicker.C:
			if n, err := m.queue.PromoteAged(ctx); err != nil {
				m.log.Error().Err(err).Msg("aging promotion failed")
			} else if n > 0 {
				m.log.Info().Int("promoted", n).Msg("aged jobs promoted")
			}

		case <-statsTicker.C:
			if m.hub == nil {
				continue
			}
			for _, stream := range messaging.Streams {
				if stats, err := m.queue.Stats(ctx, stream); err == nil {
					m.hub.SetQueueDepth(stream, stats.Ready+stats.Delayed)
				}
			}
		}
	}
}
