package messaging

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"pipeline_server/core/domain"
)

func testQueue(t *testing.T, cfg *Config) (*Queue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewQueue(client, cfg, zerolog.Nop()), mr
}

func testJob(phase domain.Phase, priority domain.JobPriority, idemKey string) *domain.Job {
	return &domain.Job{
		Phase:          phase,
		EmailIDs:       []int64{1},
		Priority:       priority,
		IdempotencyKey: idemKey,
	}
}

func TestEnqueueLease_PriorityOrdering(t *testing.T) {
	q, _ := testQueue(t, nil)
	ctx := context.Background()

	low := testJob(domain.Phase1, domain.PriorityLow, "k-low")
	low.EnqueuedAt = time.Now().UTC().Add(-2 * time.Minute)
	critical := testJob(domain.Phase1, domain.PriorityCritical, "k-crit")
	critical.EnqueuedAt = time.Now().UTC()

	for _, job := range []*domain.Job{low, critical} {
		if ok, err := q.Enqueue(ctx, job); err != nil || !ok {
			t.Fatalf("enqueue: ok=%v err=%v", ok, err)
		}
	}

	first, err := q.Lease(ctx, "phase1")
	if err != nil {
		t.Fatal(err)
	}
	if first == nil || first.Job.Priority != domain.PriorityCritical {
		t.Fatalf("first lease = %+v, want the critical job despite later enqueue", first)
	}

	second, err := q.Lease(ctx, "phase1")
	if err != nil {
		t.Fatal(err)
	}
	if second == nil || second.Job.Priority != domain.PriorityLow {
		t.Fatalf("second lease = %+v, want the low job", second)
	}

	third, err := q.Lease(ctx, "phase1")
	if err != nil {
		t.Fatal(err)
	}
	if third != nil {
		t.Fatalf("third lease = %+v, want empty", third)
	}
}

func TestEnqueue_IdempotencyKeyDedupes(t *testing.T) {
	q, _ := testQueue(t, nil)
	ctx := context.Background()

	first, err := q.Enqueue(ctx, testJob(domain.Phase1, domain.PriorityMedium, "same-key"))
	if err != nil || !first {
		t.Fatalf("first enqueue: %v %v", first, err)
	}
	second, err := q.Enqueue(ctx, testJob(domain.Phase1, domain.PriorityMedium, "same-key"))
	if err != nil {
		t.Fatal(err)
	}
	if second {
		t.Error("duplicate idempotency key was enqueued")
	}

	stats, err := q.Stats(ctx, "phase1")
	if err != nil {
		t.Fatal(err)
	}
	if stats.Ready != 1 {
		t.Errorf("ready = %d, want 1", stats.Ready)
	}
}

func TestAck_RemovesJob(t *testing.T) {
	q, _ := testQueue(t, nil)
	ctx := context.Background()

	q.Enqueue(ctx, testJob(domain.Phase2, domain.PriorityMedium, "k1"))
	leased, err := q.Lease(ctx, "phase2")
	if err != nil || leased == nil {
		t.Fatalf("lease: %+v %v", leased, err)
	}

	if err := q.Ack(ctx, leased); err != nil {
		t.Fatal(err)
	}

	stats, _ := q.Stats(ctx, "phase2")
	if stats.Ready != 0 || stats.Leased != 0 {
		t.Errorf("stats after ack = %+v, want empty", stats)
	}

	// Second ack with the same receipt is stale.
	if err := q.Ack(ctx, leased); err == nil {
		t.Error("double ack succeeded, want conflict")
	}
}

func TestNack_RetriesWithBackoffThenDeadLetters(t *testing.T) {
	q, _ := testQueue(t, &Config{
		VisibilityTimeout: time.Minute,
		MaxAttempts:       2,
		AgingThreshold:    time.Hour,
	})
	ctx := context.Background()

	deadCount := 0
	q.OnDeadLetter(func() { deadCount++ })

	q.Enqueue(ctx, testJob(domain.Phase2, domain.PriorityMedium, "k1"))

	// Attempt 1: nack with zero delay so the job is immediately due.
	leased, _ := q.Lease(ctx, "phase2")
	if leased == nil {
		t.Fatal("no lease")
	}
	if err := q.NackWithDelay(ctx, leased, errors.New("llm timeout"), 0); err != nil {
		t.Fatal(err)
	}

	stats, _ := q.Stats(ctx, "phase2")
	if stats.Delayed != 1 {
		t.Fatalf("delayed = %d, want 1 after first nack", stats.Delayed)
	}

	// Redelivery carries the attempt count and error.
	leased, _ = q.Lease(ctx, "phase2")
	if leased == nil {
		t.Fatal("job not redelivered")
	}
	if leased.Job.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", leased.Job.Attempts)
	}
	if leased.Job.LastError != "llm timeout" {
		t.Errorf("last_error = %q", leased.Job.LastError)
	}

	// Attempt 2 exhausts the budget: dead letter.
	if err := q.NackWithDelay(ctx, leased, errors.New("llm timeout again"), 0); err != nil {
		t.Fatal(err)
	}
	if deadCount != 1 {
		t.Errorf("dead letter hook fired %d times, want 1", deadCount)
	}

	if leased, _ = q.Lease(ctx, "phase2"); leased != nil {
		t.Fatalf("dead job was redelivered: %+v", leased)
	}

	dead, err := q.ListDead(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(dead) != 1 || dead[0].LastError != "llm timeout again" {
		t.Fatalf("dead = %+v", dead)
	}
}

func TestNack_DefaultBackoffDelaysRedelivery(t *testing.T) {
	q, _ := testQueue(t, nil)
	ctx := context.Background()

	q.Enqueue(ctx, testJob(domain.Phase1, domain.PriorityMedium, "k1"))
	leased, _ := q.Lease(ctx, "phase1")
	if err := q.Nack(ctx, leased, errors.New("boom")); err != nil {
		t.Fatal(err)
	}

	// Backoff floor is 30s: an immediate lease must come back empty.
	if leased, _ := q.Lease(ctx, "phase1"); leased != nil {
		t.Fatalf("job redelivered before backoff: %+v", leased)
	}
}

func TestRecoverLeases_ReturnsExpired(t *testing.T) {
	q, _ := testQueue(t, &Config{
		VisibilityTimeout: 10 * time.Millisecond,
		MaxAttempts:       5,
		AgingThreshold:    time.Hour,
	})
	ctx := context.Background()

	q.Enqueue(ctx, testJob(domain.Phase1, domain.PriorityMedium, "k1"))
	leased, _ := q.Lease(ctx, "phase1")
	if leased == nil {
		t.Fatal("no lease")
	}

	time.Sleep(20 * time.Millisecond)

	recovered, err := q.RecoverLeases(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if recovered != 1 {
		t.Fatalf("recovered = %d, want 1", recovered)
	}

	// Job is deliverable again; the old receipt is now stale.
	again, _ := q.Lease(ctx, "phase1")
	if again == nil {
		t.Fatal("recovered job not redelivered")
	}
	if err := q.Ack(ctx, leased); err == nil {
		t.Error("stale receipt ack succeeded")
	}
	if err := q.Ack(ctx, again); err != nil {
		t.Errorf("fresh receipt ack failed: %v", err)
	}
}

func TestPromoteAged_LowOvertakesLater(t *testing.T) {
	q, _ := testQueue(t, &Config{
		VisibilityTimeout: time.Minute,
		MaxAttempts:       5,
		AgingThreshold:    50 * time.Millisecond,
	})
	ctx := context.Background()

	aged := testJob(domain.Phase1, domain.PriorityLow, "k-aged")
	aged.EnqueuedAt = time.Now().UTC().Add(-time.Minute)
	q.Enqueue(ctx, aged)

	fresh := testJob(domain.Phase1, domain.PriorityMedium, "k-fresh")
	q.Enqueue(ctx, fresh)

	promoted, err := q.PromoteAged(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if promoted != 1 {
		t.Fatalf("promoted = %d, want 1 (only the aged low job)", promoted)
	}

	// low -> medium, and older enqueue time wins within the level.
	leased, _ := q.Lease(ctx, "phase1")
	if leased == nil || leased.Job.JobID != aged.JobID {
		t.Fatalf("first lease = %+v, want the aged job", leased)
	}
}

func TestPauseResume(t *testing.T) {
	q, _ := testQueue(t, nil)
	ctx := context.Background()

	q.Enqueue(ctx, testJob(domain.Phase3, domain.PriorityHigh, "k1"))

	if err := q.Pause(ctx, "phase3"); err != nil {
		t.Fatal(err)
	}
	if leased, _ := q.Lease(ctx, "phase3"); leased != nil {
		t.Fatal("paused stream delivered a job")
	}

	stats, _ := q.Stats(ctx, "phase3")
	if !stats.Paused || stats.Ready != 1 {
		t.Errorf("stats = %+v, want paused with 1 ready", stats)
	}

	if err := q.Resume(ctx, "phase3"); err != nil {
		t.Fatal(err)
	}
	if leased, _ := q.Lease(ctx, "phase3"); leased == nil {
		t.Fatal("resumed stream did not deliver")
	}
}

func TestRequeueDead(t *testing.T) {
	q, _ := testQueue(t, &Config{
		VisibilityTimeout: time.Minute,
		MaxAttempts:       1,
		AgingThreshold:    time.Hour,
	})
	ctx := context.Background()

	job := testJob(domain.Phase2, domain.PriorityHigh, "k1")
	q.Enqueue(ctx, job)
	leased, _ := q.Lease(ctx, "phase2")
	q.NackWithDelay(ctx, leased, errors.New("fatal"), 0)

	dead, _ := q.ListDead(ctx, 10)
	if len(dead) != 1 {
		t.Fatalf("dead = %d, want 1", len(dead))
	}

	ok, err := q.RequeueDead(ctx, job.JobID)
	if err != nil || !ok {
		t.Fatalf("requeue: ok=%v err=%v", ok, err)
	}

	leased, _ = q.Lease(ctx, "phase2")
	if leased == nil || leased.Job.JobID != job.JobID {
		t.Fatalf("requeued job not delivered: %+v", leased)
	}
	if leased.Job.Attempts != 0 {
		t.Errorf("attempts = %d, want reset to 0", leased.Job.Attempts)
	}

	if ok, _ := q.RequeueDead(ctx, "missing-id"); ok {
		t.Error("requeue of unknown job reported success")
	}
}

func TestDrain(t *testing.T) {
	q, _ := testQueue(t, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		q.Enqueue(ctx, testJob(domain.Phase1, domain.PriorityMedium, ""))
	}

	drained, err := q.Drain(ctx, "phase1")
	if err != nil {
		t.Fatal(err)
	}
	if drained != 3 {
		t.Errorf("drained = %d, want 3", drained)
	}

	stats, _ := q.Stats(ctx, "phase1")
	if stats.Ready != 0 {
		t.Errorf("ready = %d after drain", stats.Ready)
	}
}

func TestPeek_DoesNotLease(t *testing.T) {
	q, _ := testQueue(t, nil)
	ctx := context.Background()

	q.Enqueue(ctx, testJob(domain.Phase1, domain.PriorityMedium, "k1"))

	jobs, err := q.Peek(ctx, "phase1", 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 1 {
		t.Fatalf("peek = %d jobs, want 1", len(jobs))
	}

	stats, _ := q.Stats(ctx, "phase1")
	if stats.Ready != 1 || stats.Leased != 0 {
		t.Errorf("peek mutated queue state: %+v", stats)
	}
}
