package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"pipeline_server/core/domain"
	"pipeline_server/core/port/out"
	"pipeline_server/pkg/apperr"
	"pipeline_server/pkg/metrics"
)

// =============================================================================
// Per-Phase Worker Pool
// =============================================================================

// idlePoll is how long a worker sleeps on an empty stream.
const idlePoll = 500 * time.Millisecond

// PoolConfig tunes one phase's pool.
type PoolConfig struct {
	Phase       domain.Phase
	Workers     int           // concurrency (defaults: p1=10, p2=5, p3=2)
	Budget      time.Duration // per-job wall-clock budget (p1 5s, p2 60s, p3 180s)
	DrainWindow time.Duration // shutdown grace (default 60s)

	// Downstream backpressure: when the next phase's ready depth exceeds
	// HighWater, workers sleep proportional to the excess.
	Downstream string
	HighWater  int64

	// Tier pauses the pool while its circuit is open. Empty for Phase 1.
	Tier out.ModelTier
}

// DefaultPoolConfig returns the documented defaults for a phase.
func DefaultPoolConfig(phase domain.Phase) *PoolConfig {
	cfg := &PoolConfig{
		Phase:       phase,
		DrainWindow: 60 * time.Second,
		HighWater:   5000,
	}
	switch phase {
	case domain.Phase1:
		cfg.Workers = 10
		cfg.Budget = 5 * time.Second
		cfg.Downstream = domain.Phase2.Stream()
	case domain.Phase2:
		cfg.Workers = 5
		cfg.Budget = 60 * time.Second
		cfg.Downstream = domain.Phase3.Stream()
		cfg.Tier = out.TierMid
	case domain.Phase3:
		cfg.Workers = 2
		cfg.Budget = 180 * time.Second
		cfg.Tier = out.TierHigh
	}
	return cfg
}

// jobProcessor runs one leased job; *Handler is the production
// implementation.
type jobProcessor interface {
	Process(ctx context.Context, leased *out.LeasedJob) error
}

// breakerReader is the slice of the runtime client the pool watches.
type breakerReader interface {
	BreakerState(tier out.ModelTier) int
	CooldownRemaining(tier out.ModelTier) time.Duration
}

// PhasePool runs N workers leasing jobs from one stream.
type PhasePool struct {
	config  *PoolConfig
	queue   out.JobQueue
	handler jobProcessor
	breaker breakerReader // nil for Phase 1
	hub     *metrics.Hub
	log     zerolog.Logger

	active   int32
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopping chan struct{}

	drainCtx    context.Context
	drainCancel context.CancelFunc
}

// NewPhasePool creates one phase's pool.
func NewPhasePool(cfg *PoolConfig, queue out.JobQueue, handler jobProcessor, breaker breakerReader, hub *metrics.Hub, log zerolog.Logger) *PhasePool {
	drainCtx, drainCancel := context.WithCancel(context.Background())
	return &PhasePool{
		config:      cfg,
		queue:       queue,
		handler:     handler,
		breaker:     breaker,
		hub:         hub,
		log:         log.With().Str("component", "phase_pool").Int("phase", int(cfg.Phase)).Logger(),
		stopping:    make(chan struct{}),
		drainCtx:    drainCtx,
		drainCancel: drainCancel,
	}
}

// Start launches the workers. They run until Stop.
func (p *PhasePool) Start() {
	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.workerLoop(i)
	}
	p.log.Info().Int("workers", p.config.Workers).Msg("phase pool started")
}

// Stop drains in-flight jobs within the drain window, then cancels the
// rest; canceled jobs nack and redeliver later.
func (p *PhasePool) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopping)

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			p.log.Info().Msg("phase pool drained")
		case <-time.After(p.config.DrainWindow):
			p.log.Warn().Msg("drain window elapsed, canceling in-flight jobs")
			p.drainCancel()
			<-done
		}
		p.drainCancel()
	})
}

func (p *PhasePool) workerLoop(id int) {
	defer p.wg.Done()

	stream := p.config.Phase.Stream()

	for {
		select {
		case <-p.stopping:
			return
		default:
		}

		// A tier with an open circuit pauses this pool; jobs stay queued.
		if p.breaker != nil && p.config.Tier != "" && p.breaker.BreakerState(p.config.Tier) == 1 {
			p.sleep(p.pauseInterval())
			continue
		}

		// Backpressure: slow down while the downstream stream is deep.
		if delay := p.backpressureDelay(); delay > 0 {
			p.sleep(delay)
			continue
		}

		leased, err := p.queue.Lease(p.drainCtx, stream)
		if err != nil {
			p.log.Error().Err(err).Msg("lease failed")
			p.sleep(time.Second)
			continue
		}
		if leased == nil {
			p.sleep(idlePoll)
			continue
		}

		p.processLeased(leased)
	}
}

func (p *PhasePool) processLeased(leased *out.LeasedJob) {
	atomic.AddInt32(&p.active, 1)
	if p.hub != nil {
		p.hub.SetWorkersActive(int(p.config.Phase), int(atomic.LoadInt32(&p.active)))
	}
	defer func() {
		atomic.AddInt32(&p.active, -1)
		if p.hub != nil {
			p.hub.SetWorkersActive(int(p.config.Phase), int(atomic.LoadInt32(&p.active)))
		}
	}()

	if p.hub != nil && !leased.Job.EnqueuedAt.IsZero() {
		p.hub.ObserveQueueWait(leased.Stream, time.Since(leased.Job.EnqueuedAt).Seconds())
	}

	jobCtx, cancel := context.WithTimeout(p.drainCtx, p.config.Budget)
	defer cancel()

	err := p.handler.Process(jobCtx, leased)

	ackCtx, ackCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer ackCancel()

	switch {
	case err == nil:
		if ackErr := p.queue.Ack(ackCtx, leased); ackErr != nil {
			p.log.Warn().Err(ackErr).Str("job_id", leased.Job.JobID).Msg("ack failed; job may redeliver")
		}

	case apperr.IsCode(err, apperr.CodeCircuitOpen):
		// Delay equals the remaining cooldown so the retry lands after
		// the half-open probe.
		delay := 5 * time.Second
		if p.breaker != nil {
			if remaining := p.breaker.CooldownRemaining(p.config.Tier); remaining > 0 {
				delay = remaining
			}
		}
		if nackErr := p.queue.NackWithDelay(ackCtx, leased, err, delay); nackErr != nil {
			p.log.Warn().Err(nackErr).Str("job_id", leased.Job.JobID).Msg("nack failed")
		}

	default:
		jobErr := err
		if jobCtx.Err() != nil {
			jobErr = apperr.Timeout("phase " + leased.Stream)
		}
		p.log.Error().Err(jobErr).
			Str("job_id", leased.Job.JobID).
			Int("attempts", leased.Job.Attempts).
			Msg("job failed")
		if nackErr := p.queue.Nack(ackCtx, leased, jobErr); nackErr != nil {
			p.log.Warn().Err(nackErr).Str("job_id", leased.Job.JobID).Msg("nack failed")
		}
	}
}

// pauseInterval checks the breaker at short intervals, bounded by the
// remaining cooldown.
func (p *PhasePool) pauseInterval() time.Duration {
	interval := 2 * time.Second
	if p.breaker != nil {
		if remaining := p.breaker.CooldownRemaining(p.config.Tier); remaining > 0 && remaining < interval {
			interval = remaining
		}
	}
	return interval
}

// backpressureDelay returns how long to sleep given downstream depth.
func (p *PhasePool) backpressureDelay() time.Duration {
	if p.config.Downstream == "" || p.config.HighWater <= 0 {
		return 0
	}

	statsCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	stats, err := p.queue.Stats(statsCtx, p.config.Downstream)
	if err != nil || stats.Ready <= p.config.HighWater {
		return 0
	}

	// Sleep proportional to the excess, capped at 10s.
	excess := float64(stats.Ready-p.config.HighWater) / float64(p.config.HighWater)
	delay := time.Duration(excess * float64(time.Second))
	if delay > 10*time.Second {
		delay = 10 * time.Second
	}
	if delay < 100*time.Millisecond {
		delay = 100 * time.Millisecond
	}
	return delay
}

func (p *PhasePool) sleep(d time.Duration) {
	select {
	case <-p.stopping:
	case <-time.After(d):
	}
}

// Active returns the number of workers currently processing a job.
func (p *PhasePool) Active() int {
	return int(atomic.LoadInt32(&p.active))
}
