package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	dequeueBlock = 2 * time.Second
	moveBatch    = 100
	// failedRetention caps the retained terminal-failure list per queue.
	failedRetention = 1000
)

// RedisBroker stores ready jobs in per-queue lists, delayed jobs in
// per-queue sorted sets scored by due time, and terminally failed jobs in
// a capped per-queue list.
type RedisBroker struct {
	rdb *redis.Client
}

// NewRedisBroker wraps an existing client; the caller owns the client's
// lifecycle options, the broker owns key layout.
func NewRedisBroker(rdb *redis.Client) *RedisBroker {
	return &RedisBroker{rdb: rdb}
}

func readyKey(q QueueName) string   { return "jobs:ready:" + string(q) }
func delayedKey(q QueueName) string { return "jobs:delayed:" + string(q) }
func failedKey(q QueueName) string  { return "jobs:failed:" + string(q) }

// Enqueue pushes the job onto the ready list.
func (b *RedisBroker) Enqueue(ctx context.Context, job Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := b.rdb.LPush(ctx, readyKey(job.Queue), data).Err(); err != nil {
		return fmt.Errorf("lpush job: %w", err)
	}
	return nil
}

// EnqueueDelayed parks the job in the delay set until its due time.
func (b *RedisBroker) EnqueueDelayed(ctx context.Context, job Job, delay time.Duration) error {
	if delay <= 0 {
		return b.Enqueue(ctx, job)
	}
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	due := float64(time.Now().Add(delay).UnixMilli())
	if err := b.rdb.ZAdd(ctx, delayedKey(job.Queue), redis.Z{Score: due, Member: data}).Err(); err != nil {
		return fmt.Errorf("zadd delayed job: %w", err)
	}
	return nil
}

// Dequeue blocks on the ready list. The block is bounded so context
// cancellation is observed within dequeueBlock.
func (b *RedisBroker) Dequeue(ctx context.Context, queue QueueName) (Job, error) {
	for {
		res, err := b.rdb.BRPop(ctx, dequeueBlock, readyKey(queue)).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				if ctx.Err() != nil {
					return Job{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
				}
				continue
			}
			return Job{}, fmt.Errorf("brpop %s: %w", queue, err)
		}
		if len(res) != 2 {
			continue
		}
		var job Job
		if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
			return Job{}, fmt.Errorf("unmarshal job: %w", err)
		}
		return job, nil
	}
}

// MoveDue promotes due delayed jobs onto the ready list in one
// transactional pipeline per batch.
func (b *RedisBroker) MoveDue(ctx context.Context, queue QueueName) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	members, err := b.rdb.ZRangeByScore(ctx, delayedKey(queue), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   now,
		Count: moveBatch,
	}).Result()
	if err != nil {
		return fmt.Errorf("zrangebyscore %s: %w", queue, err)
	}
	if len(members) == 0 {
		return nil
	}
	pipe := b.rdb.TxPipeline()
	for _, member := range members {
		pipe.LPush(ctx, readyKey(queue), member)
		pipe.ZRem(ctx, delayedKey(queue), member)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("promote delayed jobs: %w", err)
	}
	return nil
}

// RecordFailed retains a terminal failure, trimming the list so it cannot
// grow without bound.
func (b *RedisBroker) RecordFailed(ctx context.Context, job Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal failed job: %w", err)
	}
	pipe := b.rdb.TxPipeline()
	pipe.LPush(ctx, failedKey(job.Queue), data)
	pipe.LTrim(ctx, failedKey(job.Queue), 0, failedRetention-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record failed job: %w", err)
	}
	return nil
}

// FailedJobs lists retained terminal failures, newest first.
func (b *RedisBroker) FailedJobs(ctx context.Context, queue QueueName) ([]Job, error) {
	raws, err := b.rdb.LRange(ctx, failedKey(queue), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("lrange failed jobs: %w", err)
	}
	out := make([]Job, 0, len(raws))
	for _, raw := range raws {
		var job Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			return nil, fmt.Errorf("unmarshal failed job: %w", err)
		}
		out = append(out, job)
	}
	return out, nil
}

// Ping reports whether the redis backend is reachable.
func (b *RedisBroker) Ping(ctx context.Context) error {
	if err := b.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}

// Close releases the underlying client.
func (b *RedisBroker) Close() error {
	if err := b.rdb.Close(); err != nil {
		return fmt.Errorf("close redis client: %w", err)
	}
	return nil
}
