// Package messaging implements the job queue on Redis.
package messaging

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"pipeline_server/core/domain"
	"pipeline_server/core/port/out"
	"pipeline_server/pkg/apperr"
)

// =============================================================================
// Redis Job Queue
//
// Layout per stream:
//
//	q:{stream}:ready    ZSET  member=job_id  score=rank*1e13 + enqueued_ms
//	q:{stream}:delayed  ZSET  member=job_id  score=not_before_ms
//	q:{stream}:leased   ZSET  member=job_id  score=lease_deadline_ms
//	q:{stream}:paused   flag key
//	q:job:{job_id}      HASH  data/stream/rank/enqueued_ms/attempts/receipt/…
//	q:idem:{key}        SETNX dedup key, 24h TTL
//	q:dead              ZSET  member=job_id  score=dead_at_ms
//
// The rank*1e13 composite keeps ordering (priority, enqueued_at) inside a
// single float score with millisecond precision intact.
// =============================================================================

const (
	rankScale     = 1e13
	jobKeyPrefix  = "q:job:"
	idemKeyPrefix = "q:idem:"
	deadKey       = "q:dead"
	idemTTL       = 24 * time.Hour
)

// Streams lists the three phase streams.
var Streams = []string{
	domain.Phase1.Stream(),
	domain.Phase2.Stream(),
	domain.Phase3.Stream(),
}

// Config tunes the queue.
type Config struct {
	VisibilityTimeout time.Duration // default 180s
	MaxAttempts       int           // default 5
	AgingThreshold    time.Duration // default 10min
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() *Config {
	return &Config{
		VisibilityTimeout: 180 * time.Second,
		MaxAttempts:       5,
		AgingThreshold:    10 * time.Minute,
	}
}

// popScript promotes due delayed jobs, then atomically pops the best
// ready job into the lease set.
// KEYS: ready, delayed, leased, paused  ARGV: now_ms, deadline_ms, receipt
var popScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[4]) == 1 then return false end
local due = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1], 'LIMIT', 0, 100)
for _, id in ipairs(due) do
	local rank = redis.call('HGET', 'q:job:' .. id, 'rank')
	local enq = redis.call('HGET', 'q:job:' .. id, 'enqueued_ms')
	if rank and enq then
		redis.call('ZADD', KEYS[1], tonumber(rank) * 1e13 + tonumber(enq), id)
	end
	redis.call('ZREM', KEYS[2], id)
end
local popped = redis.call('ZRANGE', KEYS[1], 0, 0)
if #popped == 0 then return false end
local id = popped[1]
redis.call('ZREM', KEYS[1], id)
redis.call('ZADD', KEYS[3], tonumber(ARGV[2]), id)
redis.call('HSET', 'q:job:' .. id, 'receipt', ARGV[3])
return {id, redis.call('HGET', 'q:job:' .. id, 'data'), redis.call('HGET', 'q:job:' .. id, 'attempts'), redis.call('HGET', 'q:job:' .. id, 'last_error'), redis.call('HGET', 'q:job:' .. id, 'enqueued_ms')}
`)

// ackScript completes a lease if the receipt still matches.
// KEYS: leased  ARGV: job_id, receipt
var ackScript = redis.NewScript(`
local key = 'q:job:' .. ARGV[1]
local receipt = redis.call('HGET', key, 'receipt')
if receipt ~= ARGV[2] then return 0 end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('DEL', key)
return 1
`)

// nackScript releases a lease for retry or dead-letters it.
// KEYS: leased, delayed, dead
// ARGV: job_id, receipt, not_before_ms, max_attempts, error, now_ms
// Returns -1 stale receipt, -2 dead-lettered, else new attempt count.
var nackScript = redis.NewScript(`
local key = 'q:job:' .. ARGV[1]
local receipt = redis.call('HGET', key, 'receipt')
if receipt ~= ARGV[2] then return -1 end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HDEL', key, 'receipt')
local attempts = redis.call('HINCRBY', key, 'attempts', 1)
redis.call('HSET', key, 'last_error', ARGV[5])
if attempts >= tonumber(ARGV[4]) then
	redis.call('HSET', key, 'dead_at_ms', ARGV[6])
	redis.call('ZADD', KEYS[3], tonumber(ARGV[6]), ARGV[1])
	return -2
end
redis.call('HSET', key, 'not_before_ms', ARGV[3])
redis.call('ZADD', KEYS[2], tonumber(ARGV[3]), ARGV[1])
return attempts
`)

// Queue implements out.JobQueue on Redis.
type Queue struct {
	client *redis.Client
	config *Config
	log    zerolog.Logger

	onDead func() // metrics hook
}

// NewQueue creates the Redis-backed queue.
func NewQueue(client *redis.Client, cfg *Config, log zerolog.Logger) *Queue {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Queue{
		client: client,
		config: cfg,
		log:    log.With().Str("component", "job_queue").Logger(),
	}
}

// OnDeadLetter registers a hook fired whenever a job dead-letters.
func (q *Queue) OnDeadLetter(fn func()) { q.onDead = fn }

func readyKey(stream string) string   { return "q:" + stream + ":ready" }
func delayedKey(stream string) string { return "q:" + stream + ":delayed" }
func leasedKey(stream string) string  { return "q:" + stream + ":leased" }
func pausedKey(stream string) string  { return "q:" + stream + ":paused" }

func readyScore(priority domain.JobPriority, enqueuedAt time.Time) float64 {
	return float64(priority.Rank())*rankScale + float64(enqueuedAt.UnixMilli())
}

// Enqueue adds a job. Duplicate idempotency keys within 24h are no-ops.
func (q *Queue) Enqueue(ctx context.Context, job *domain.Job) (bool, error) {
	if job.JobID == "" {
		job.JobID = uuid.New().String()
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}
	if job.Priority.Rank() == 0 {
		job.Priority = domain.PriorityMedium
	}
	stream := job.Phase.Stream()

	if job.IdempotencyKey != "" {
		set, err := q.client.SetNX(ctx, idemKeyPrefix+job.IdempotencyKey, job.JobID, idemTTL).Result()
		if err != nil {
			return false, apperr.QueueUnavailable(err)
		}
		if !set {
			return false, nil
		}
	}

	data, err := json.Marshal(job)
	if err != nil {
		return false, apperr.InternalWithError(err)
	}

	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, jobKeyPrefix+job.JobID, map[string]any{
		"data":          string(data),
		"stream":        stream,
		"rank":          job.Priority.Rank(),
		"enqueued_ms":   job.EnqueuedAt.UnixMilli(),
		"not_before_ms": job.NotBefore.UnixMilli(),
		"attempts":      job.Attempts,
	})
	if job.NotBefore.After(time.Now()) {
		pipe.ZAdd(ctx, delayedKey(stream), redis.Z{Score: float64(job.NotBefore.UnixMilli()), Member: job.JobID})
	} else {
		pipe.ZAdd(ctx, readyKey(stream), redis.Z{Score: readyScore(job.Priority, job.EnqueuedAt), Member: job.JobID})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		// Release the dedup key so a retried enqueue is not swallowed.
		if job.IdempotencyKey != "" {
			q.client.Del(ctx, idemKeyPrefix+job.IdempotencyKey)
		}
		return false, apperr.QueueUnavailable(err)
	}

	return true, nil
}

// Lease pops the best ready job under a visibility timeout. Returns
// (nil, nil) on an empty or paused stream.
func (q *Queue) Lease(ctx context.Context, stream string) (*out.LeasedJob, error) {
	now := time.Now()
	receipt := uuid.New().String()
	deadline := now.Add(q.config.VisibilityTimeout)

	res, err := popScript.Run(ctx, q.client,
		[]string{readyKey(stream), delayedKey(stream), leasedKey(stream), pausedKey(stream)},
		now.UnixMilli(), deadline.UnixMilli(), receipt,
	).Result()
	if err == redis.Nil || res == nil {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.QueueUnavailable(err)
	}

	fields, ok := res.([]any)
	if !ok || len(fields) < 2 {
		return nil, nil
	}

	job, err := decodeJob(fields)
	if err != nil {
		q.log.Error().Err(err).Str("stream", stream).Msg("dropping undecodable job payload")
		return nil, nil
	}

	return &out.LeasedJob{Job: job, Receipt: receipt, Stream: stream}, nil
}

func decodeJob(fields []any) (*domain.Job, error) {
	data, _ := fields[1].(string)
	var job domain.Job
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}
	// Attempts and last_error live in the hash; the data blob is the
	// enqueue-time snapshot.
	if len(fields) > 2 {
		if s, ok := fields[2].(string); ok {
			if n, err := strconv.Atoi(s); err == nil {
				job.Attempts = n
			}
		}
	}
	if len(fields) > 3 {
		if s, ok := fields[3].(string); ok {
			job.LastError = s
		}
	}
	return &job, nil
}

// Ack completes a leased job. A stale receipt (lease expired, job
// redelivered) returns a conflict so the worker knows its work may have
// been duplicated elsewhere.
func (q *Queue) Ack(ctx context.Context, leased *out.LeasedJob) error {
	res, err := ackScript.Run(ctx, q.client,
		[]string{leasedKey(leased.Stream)},
		leased.Job.JobID, leased.Receipt,
	).Int()
	if err != nil {
		return apperr.QueueUnavailable(err)
	}
	if res == 0 {
		return apperr.Conflict("lease expired before ack")
	}
	return nil
}

// Nack releases a leased job with the standard exponential backoff.
func (q *Queue) Nack(ctx context.Context, leased *out.LeasedJob, jobErr error) error {
	backoff := domain.RetryBackoff(leased.Job.Attempts + 1)
	jitter := time.Duration(rand.Int63n(int64(backoff) / 4))
	return q.NackWithDelay(ctx, leased, jobErr, backoff+jitter)
}

// NackWithDelay releases a leased job with an explicit delay.
func (q *Queue) NackWithDelay(ctx context.Context, leased *out.LeasedJob, jobErr error, delay time.Duration) error {
	errMsg := ""
	if jobErr != nil {
		errMsg = jobErr.Error()
	}
	now := time.Now()

	res, err := nackScript.Run(ctx, q.client,
		[]string{leasedKey(leased.Stream), delayedKey(leased.Stream), deadKey},
		leased.Job.JobID, leased.Receipt,
		now.Add(delay).UnixMilli(), q.config.MaxAttempts, errMsg, now.UnixMilli(),
	).Int()
	if err != nil {
		return apperr.QueueUnavailable(err)
	}

	switch res {
	case -1:
		return apperr.Conflict("lease expired before nack")
	case -2:
		q.log.Warn().
			Str("job_id", leased.Job.JobID).
			Str("stream", leased.Stream).
			Str("error", errMsg).
			Msg("job dead-lettered after max attempts")
		if q.onDead != nil {
			q.onDead()
		}
	}
	return nil
}

// RecoverLeases returns expired leases to their ready sets. Run at
// startup and periodically; at-least-once delivery depends on it.
func (q *Queue) RecoverLeases(ctx context.Context) (int, error) {
	recovered := 0
	now := time.Now().UnixMilli()

	for _, stream := range Streams {
		expired, err := q.client.ZRangeByScore(ctx, leasedKey(stream), &redis.ZRangeBy{
			Min: "-inf", Max: strconv.FormatInt(now, 10),
		}).Result()
		if err != nil {
			return recovered, apperr.QueueUnavailable(err)
		}

		for _, jobID := range expired {
			rank, enqueued, err := q.jobScoreParts(ctx, jobID)
			if err != nil {
				continue
			}
			pipe := q.client.TxPipeline()
			pipe.ZRem(ctx, leasedKey(stream), jobID)
			pipe.HDel(ctx, jobKeyPrefix+jobID, "receipt")
			pipe.ZAdd(ctx, readyKey(stream), redis.Z{Score: float64(rank)*rankScale + float64(enqueued), Member: jobID})
			if _, err := pipe.Exec(ctx); err == nil {
				recovered++
			}
		}
	}

	if recovered > 0 {
		q.log.Info().Int("recovered", recovered).Msg("expired leases returned to ready")
	}
	return recovered, nil
}

func (q *Queue) jobScoreParts(ctx context.Context, jobID string) (int64, int64, error) {
	vals, err := q.client.HMGet(ctx, jobKeyPrefix+jobID, "rank", "enqueued_ms").Result()
	if err != nil || len(vals) < 2 || vals[0] == nil || vals[1] == nil {
		return 0, 0, fmt.Errorf("job hash incomplete for %s", jobID)
	}
	rank, _ := strconv.ParseInt(vals[0].(string), 10, 64)
	enqueued, _ := strconv.ParseInt(vals[1].(string), 10, 64)
	return rank, enqueued, nil
}

// PromoteAged bumps ready jobs waiting past the aging threshold one
// priority level so low-priority work cannot starve.
func (q *Queue) PromoteAged(ctx context.Context) (int, error) {
	promoted := 0
	cutoff := time.Now().Add(-q.config.AgingThreshold).UnixMilli()

	for _, stream := range Streams {
		entries, err := q.client.ZRangeWithScores(ctx, readyKey(stream), 0, -1).Result()
		if err != nil {
			return promoted, apperr.QueueUnavailable(err)
		}

		for _, entry := range entries {
			jobID, _ := entry.Member.(string)
			rank := int64(entry.Score / rankScale)
			enqueuedMs := int64(entry.Score) - rank*int64(rankScale)
			if rank <= 1 || enqueuedMs > cutoff {
				continue
			}

			newRank := rank - 1
			// XX+CH: only reorder if the job is still ready; a concurrent
			// lease wins the race cleanly.
			changed, err := q.client.ZAddArgs(ctx, readyKey(stream), redis.ZAddArgs{
				XX: true,
				Ch: true,
				Members: []redis.Z{{
					Score:  float64(newRank)*rankScale + float64(enqueuedMs),
					Member: jobID,
				}},
			}).Result()
			if err != nil || changed == 0 {
				continue
			}
			q.client.HSet(ctx, jobKeyPrefix+jobID, "rank", newRank)
			promoted++
		}
	}

	return promoted, nil
}

// =============================================================================
// Admin operations
// =============================================================================

// Peek returns up to limit ready jobs without leasing them.
func (q *Queue) Peek(ctx context.Context, stream string, limit int) ([]*domain.Job, error) {
	if limit <= 0 {
		limit = 10
	}
	ids, err := q.client.ZRange(ctx, readyKey(stream), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, apperr.QueueUnavailable(err)
	}
	return q.loadJobs(ctx, ids)
}

// Drain removes every ready and delayed job from a stream.
func (q *Queue) Drain(ctx context.Context, stream string) (int64, error) {
	var total int64
	for _, key := range []string{readyKey(stream), delayedKey(stream)} {
		ids, err := q.client.ZRange(ctx, key, 0, -1).Result()
		if err != nil {
			return total, apperr.QueueUnavailable(err)
		}
		for _, id := range ids {
			q.client.Del(ctx, jobKeyPrefix+id)
		}
		removed, err := q.client.ZRemRangeByRank(ctx, key, 0, -1).Result()
		if err != nil {
			return total, apperr.QueueUnavailable(err)
		}
		total += removed
	}
	return total, nil
}

// ListDead returns dead-lettered jobs, oldest first.
func (q *Queue) ListDead(ctx context.Context, limit int) ([]*out.DeadJob, error) {
	if limit <= 0 {
		limit = 50
	}
	entries, err := q.client.ZRangeWithScores(ctx, deadKey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, apperr.QueueUnavailable(err)
	}

	var dead []*out.DeadJob
	for _, entry := range entries {
		jobID, _ := entry.Member.(string)
		vals, err := q.client.HMGet(ctx, jobKeyPrefix+jobID, "data", "stream", "last_error", "attempts").Result()
		if err != nil || vals[0] == nil {
			continue
		}
		var job domain.Job
		if err := json.Unmarshal([]byte(vals[0].(string)), &job); err != nil {
			continue
		}
		if vals[3] != nil {
			if n, err := strconv.Atoi(vals[3].(string)); err == nil {
				job.Attempts = n
			}
		}
		stream, _ := vals[1].(string)
		lastErr, _ := vals[2].(string)
		job.LastError = lastErr
		dead = append(dead, &out.DeadJob{
			Job:       &job,
			Stream:    stream,
			LastError: lastErr,
			DeadAt:    time.UnixMilli(int64(entry.Score)).UTC(),
		})
	}
	return dead, nil
}

// RequeueDead moves one dead job back to its ready set with a fresh
// attempt budget.
func (q *Queue) RequeueDead(ctx context.Context, jobID string) (bool, error) {
	removed, err := q.client.ZRem(ctx, deadKey, jobID).Result()
	if err != nil {
		return false, apperr.QueueUnavailable(err)
	}
	if removed == 0 {
		return false, nil
	}

	vals, err := q.client.HMGet(ctx, jobKeyPrefix+jobID, "stream", "rank").Result()
	if err != nil || vals[0] == nil {
		return false, apperr.QueueUnavailable(err)
	}
	stream, _ := vals[0].(string)
	rank := int64(domain.PriorityMedium.Rank())
	if vals[1] != nil {
		if n, err := strconv.ParseInt(vals[1].(string), 10, 64); err == nil {
			rank = n
		}
	}

	now := time.Now().UnixMilli()
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, jobKeyPrefix+jobID, "attempts", 0, "enqueued_ms", now)
	pipe.HDel(ctx, jobKeyPrefix+jobID, "dead_at_ms")
	pipe.ZAdd(ctx, readyKey(stream), redis.Z{Score: float64(rank)*rankScale + float64(now), Member: jobID})
	if _, err := pipe.Exec(ctx); err != nil {
		return false, apperr.QueueUnavailable(err)
	}
	return true, nil
}

// Pause stops delivery on a stream; enqueues still land.
func (q *Queue) Pause(ctx context.Context, stream string) error {
	return q.client.Set(ctx, pausedKey(stream), "1", 0).Err()
}

// Resume re-enables delivery.
func (q *Queue) Resume(ctx context.Context, stream string) error {
	return q.client.Del(ctx, pausedKey(stream)).Err()
}

// Stats snapshots a stream's depths.
func (q *Queue) Stats(ctx context.Context, stream string) (*out.QueueStats, error) {
	pipe := q.client.Pipeline()
	ready := pipe.ZCard(ctx, readyKey(stream))
	delayed := pipe.ZCard(ctx, delayedKey(stream))
	leased := pipe.ZCard(ctx, leasedKey(stream))
	paused := pipe.Exists(ctx, pausedKey(stream))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, apperr.QueueUnavailable(err)
	}

	return &out.QueueStats{
		Ready:   ready.Val(),
		Delayed: delayed.Val(),
		Leased:  leased.Val(),
		Paused:  paused.Val() > 0,
	}, nil
}

// Ping checks the queue backend.
func (q *Queue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

func (q *Queue) loadJobs(ctx context.Context, ids []string) ([]*domain.Job, error) {
	var jobs []*domain.Job
	for _, id := range ids {
		vals, err := q.client.HMGet(ctx, jobKeyPrefix+id, "data", "attempts", "last_error").Result()
		if err != nil || vals[0] == nil {
			continue
		}
		var job domain.Job
		if err := json.Unmarshal([]byte(vals[0].(string)), &job); err != nil {
			continue
		}
		if vals[1] != nil {
			if n, err := strconv.Atoi(vals[1].(string)); err == nil {
				job.Attempts = n
			}
		}
		if vals[2] != nil {
			job.LastError, _ = vals[2].(string)
		}
		jobs = append(jobs, &job)
	}
	return jobs, nil
}
