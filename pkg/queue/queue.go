// Package queue provides a durable, at-least-once job queue and a
// progress-event mirror backed by Redis, per spec.md §6's REDIS_URL
// requirement.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/infrahaus/provisioner/pkg/types"
)

const (
	pendingKey    = "provisiond:jobs:pending"
	inflightKey   = "provisiond:jobs:inflight"
	progressTopic = "provisiond:progress"
)

// Queue is a reliable, Redis-backed job queue for ContainerCreationJob.
// Enqueue pushes onto a list; Dequeue atomically moves an item onto an
// in-flight list so a crashed worker's jobs can be recovered instead of
// silently lost.
type Queue struct {
	rdb *redis.Client
}

// New builds a Queue against the given Redis connection URL.
func New(redisURL string) (*Queue, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	return &Queue{rdb: redis.NewClient(opts)}, nil
}

// Ping verifies connectivity to Redis.
func (q *Queue) Ping(ctx context.Context) error {
	return q.rdb.Ping(ctx).Err()
}

// Close releases the underlying Redis connection pool.
func (q *Queue) Close() error {
	return q.rdb.Close()
}

// Enqueue durably appends job to the pending list.
func (q *Queue) Enqueue(ctx context.Context, job *types.ContainerCreationJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := q.rdb.LPush(ctx, pendingKey, data).Err(); err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}
	return nil
}

// Dequeue blocks up to timeout for a job, atomically moving it onto the
// in-flight list. The caller must call Ack once the job is durably
// recorded as complete or failed.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (*types.ContainerCreationJob, error) {
	raw, err := q.rdb.BRPopLPush(ctx, pendingKey, inflightKey, timeout).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue job: %w", err)
	}

	var job types.ContainerCreationJob
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return nil, fmt.Errorf("unmarshal job: %w", err)
	}
	return &job, nil
}

// Ack removes job from the in-flight list once processing has concluded,
// successfully or not.
func (q *Queue) Ack(ctx context.Context, job *types.ContainerCreationJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := q.rdb.LRem(ctx, inflightKey, 1, data).Err(); err != nil {
		return fmt.Errorf("ack job: %w", err)
	}
	return nil
}

// Depth reports how many jobs are waiting to be picked up.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	return q.rdb.LLen(ctx, pendingKey).Result()
}

// PublishProgress mirrors a progress event onto the Redis Pub/Sub topic
// for cross-process subscribers, in addition to the in-process broker.
func (q *Queue) PublishProgress(ctx context.Context, event *types.ProgressEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal progress event: %w", err)
	}
	return q.rdb.Publish(ctx, progressTopic, data).Err()
}

// SubscribeProgress returns a Redis Pub/Sub subscription to the mirrored
// progress topic. The caller owns calling Close on the returned object.
func (q *Queue) SubscribeProgress(ctx context.Context) *redis.PubSub {
	return q.rdb.Subscribe(ctx, progressTopic)
}
