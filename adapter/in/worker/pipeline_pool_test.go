package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"pipeline_server/core/domain"
	"pipeline_server/core/port/out"
)

// =============================================================================
// Fakes
// =============================================================================

// fakeQueue hands out scripted jobs and records acks/nacks.
type fakeQueue struct {
	mu     sync.Mutex
	jobs   []*domain.Job
	acked  []string
	nacked []string
	leased int
}

func (q *fakeQueue) Enqueue(_ context.Context, job *domain.Job) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, job)
	return true, nil
}

func (q *fakeQueue) Lease(_ context.Context, stream string) (*out.LeasedJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.jobs) == 0 {
		return nil, nil
	}
	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	q.leased++
	return &out.LeasedJob{Job: job, Receipt: "r", Stream: stream}, nil
}

func (q *fakeQueue) Ack(_ context.Context, leased *out.LeasedJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.acked = append(q.acked, leased.Job.JobID)
	return nil
}

func (q *fakeQueue) Nack(_ context.Context, leased *out.LeasedJob, _ error) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nacked = append(q.nacked, leased.Job.JobID)
	return nil
}

func (q *fakeQueue) NackWithDelay(ctx context.Context, leased *out.LeasedJob, err error, _ time.Duration) error {
	return q.Nack(ctx, leased, err)
}

func (q *fakeQueue) RecoverLeases(context.Context) (int, error) { return 0, nil }
func (q *fakeQueue) PromoteAged(context.Context) (int, error)   { return 0, nil }

func (q *fakeQueue) Peek(context.Context, string, int) ([]*domain.Job, error) {
	return nil, nil
}

func (q *fakeQueue) Drain(context.Context, string) (int64, error) { return 0, nil }

func (q *fakeQueue) ListDead(context.Context, int) ([]*out.DeadJob, error) { return nil, nil }

func (q *fakeQueue) RequeueDead(context.Context, string) (bool, error) { return false, nil }

func (q *fakeQueue) Pause(context.Context, string) error  { return nil }
func (q *fakeQueue) Resume(context.Context, string) error { return nil }
func (q *fakeQueue) Stats(context.Context, string) (*out.QueueStats, error) {
	return &out.QueueStats{}, nil
}
func (q *fakeQueue) Ping(context.Context) error { return nil }

func (q *fakeQueue) counts() (acked, nacked int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.acked), len(q.nacked)
}

// fakeBreaker scripts circuit state.
type fakeBreaker struct {
	state int32
}

func (b *fakeBreaker) BreakerState(out.ModelTier) int { return int(atomic.LoadInt32(&b.state)) }
func (b *fakeBreaker) CooldownRemaining(out.ModelTier) time.Duration {
	if atomic.LoadInt32(&b.state) == 1 {
		return 50 * time.Millisecond
	}
	return 0
}

// testHandler scripts the pool's job processing.
type testHandler struct {
	fn func(ctx context.Context, leased *out.LeasedJob) error
}

func (h *testHandler) Process(ctx context.Context, leased *out.LeasedJob) error {
	return h.fn(ctx, leased)
}

// =============================================================================
// Tests
// =============================================================================

func TestPool_ProcessesAndAcks(t *testing.T) {
	queue := &fakeQueue{}
	queue.Enqueue(context.Background(), &domain.Job{JobID: "j1", Phase: domain.Phase1, EmailIDs: []int64{1}})

	var processed int32
	pool := newTestPool(t, queue, func(context.Context, *out.LeasedJob) error {
		atomic.AddInt32(&processed, 1)
		return nil
	}, nil)

	pool.Start()
	waitFor(t, time.Second, func() bool {
		acked, _ := queue.counts()
		return acked == 1
	})
	pool.Stop()

	if atomic.LoadInt32(&processed) != 1 {
		t.Errorf("processed = %d, want 1", processed)
	}
}

func TestPool_NacksOnFailure(t *testing.T) {
	queue := &fakeQueue{}
	queue.Enqueue(context.Background(), &domain.Job{JobID: "j1", Phase: domain.Phase1, EmailIDs: []int64{1}})

	pool := newTestPool(t, queue, func(context.Context, *out.LeasedJob) error {
		return errors.New("boom")
	}, nil)

	pool.Start()
	waitFor(t, time.Second, func() bool {
		_, nacked := queue.counts()
		return nacked == 1
	})
	pool.Stop()

	acked, _ := queue.counts()
	if acked != 0 {
		t.Errorf("acked = %d, want 0", acked)
	}
}

func TestPool_PausesWhileCircuitOpen(t *testing.T) {
	queue := &fakeQueue{}
	queue.Enqueue(context.Background(), &domain.Job{JobID: "j1", Phase: domain.Phase2, EmailIDs: []int64{1}})

	breaker := &fakeBreaker{state: 1}
	pool := newTestPool(t, queue, func(context.Context, *out.LeasedJob) error {
		return nil
	}, breaker)
	pool.config.Phase = domain.Phase2
	pool.config.Tier = out.TierMid

	pool.Start()
	time.Sleep(150 * time.Millisecond)

	queue.mu.Lock()
	leased := queue.leased
	queue.mu.Unlock()
	if leased != 0 {
		t.Fatalf("paused pool leased %d jobs, want 0", leased)
	}

	// Circuit closes; work resumes.
	atomic.StoreInt32(&breaker.state, 0)
	waitFor(t, time.Second, func() bool {
		acked, _ := queue.counts()
		return acked == 1
	})
	pool.Stop()
}

func TestPool_DrainWaitsForInFlight(t *testing.T) {
	queue := &fakeQueue{}
	queue.Enqueue(context.Background(), &domain.Job{JobID: "j1", Phase: domain.Phase1, EmailIDs: []int64{1}})

	release := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once

	pool := newTestPool(t, queue, func(ctx context.Context, _ *out.LeasedJob) error {
		once.Do(func() { close(started) })
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}, nil)

	pool.Start()
	<-started

	stopDone := make(chan struct{})
	go func() {
		pool.Stop()
		close(stopDone)
	}()

	select {
	case <-stopDone:
		t.Fatal("Stop returned while a job was in flight")
	case <-time.After(100 * time.Millisecond):
	}

	close(release)
	select {
	case <-stopDone:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after in-flight job completed")
	}

	acked, nacked := queue.counts()
	if acked+nacked != 1 {
		t.Errorf("job neither acked nor nacked: acked=%d nacked=%d", acked, nacked)
	}
}

func TestPool_CancelsPastDrainWindow(t *testing.T) {
	queue := &fakeQueue{}
	queue.Enqueue(context.Background(), &domain.Job{JobID: "j1", Phase: domain.Phase1, EmailIDs: []int64{1}})

	started := make(chan struct{})
	var once sync.Once

	pool := newTestPool(t, queue, func(ctx context.Context, _ *out.LeasedJob) error {
		once.Do(func() { close(started) })
		<-ctx.Done() // never finishes on its own
		return ctx.Err()
	}, nil)
	pool.config.DrainWindow = 100 * time.Millisecond

	pool.Start()
	<-started
	pool.Stop()

	// Canceled job is nacked, not silently dropped.
	_, nacked := queue.counts()
	if nacked != 1 {
		t.Errorf("nacked = %d, want 1 after forced cancel", nacked)
	}
}

// =============================================================================
// Helpers
// =============================================================================

func newTestPool(t *testing.T, queue *fakeQueue, fn func(context.Context, *out.LeasedJob) error, breaker breakerReader) *PhasePool {
	t.Helper()
	cfg := DefaultPoolConfig(domain.Phase1)
	cfg.Workers = 2
	cfg.Budget = 5 * time.Second
	cfg.DrainWindow = 2 * time.Second
	cfg.Downstream = "" // no backpressure in tests

	return NewPhasePool(cfg, queue, &testHandler{fn: fn}, breaker, nil, zerolog.Nop())
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}
