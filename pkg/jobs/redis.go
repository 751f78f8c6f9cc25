package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

type redisQueue struct {
	client *redis.Client
	prefix string
}

// NewRedisQueue keeps each queue as a pending list and a processing list.
// Dequeue atomically moves a job between them; Ack removes it from processing.
func NewRedisQueue(client *redis.Client, prefix string) Queue {
	return &redisQueue{
		client: client,
		prefix: prefix,
	}
}

func (q *redisQueue) pendingKey(queue string) string {
	return fmt.Sprintf("%sjobs:%s:pending", q.prefix, queue)
}

func (q *redisQueue) processingKey(queue string) string {
	return fmt.Sprintf("%sjobs:%s:processing", q.prefix, queue)
}

func (q *redisQueue) Enqueue(ctx context.Context, job Job) error {
	if !validQueue(job.Queue) {
		return ErrUnknownQueue
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now()
	}

	data, err := json.Marshal(job)
	if err != nil {
		return err
	}

	return q.client.LPush(ctx, q.pendingKey(job.Queue), data).Err()
}

func (q *redisQueue) Dequeue(ctx context.Context, queue string) (Job, error) {
	if !validQueue(queue) {
		return Job{}, ErrUnknownQueue
	}

	raw, err := q.client.LMove(ctx, q.pendingKey(queue), q.processingKey(queue), "RIGHT", "LEFT").Result()
	if errors.Is(err, redis.Nil) {
		return Job{}, ErrQueueEmpty
	}
	if err != nil {
		return Job{}, err
	}

	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		// Undecodable entries are dropped.
		_ = q.client.LRem(ctx, q.processingKey(queue), 1, raw).Err()

		return Job{}, fmt.Errorf("failed to decode job: %w", err)
	}
	job.raw = raw

	return job, nil
}

func (q *redisQueue) Ack(ctx context.Context, job Job) error {
	if job.raw == "" {
		return nil
	}

	return q.client.LRem(ctx, q.processingKey(job.Queue), 1, job.raw).Err()
}

func (q *redisQueue) Len(ctx context.Context, queue string) (int, error) {
	n, err := q.client.LLen(ctx, q.pendingKey(queue)).Result()

	return int(n), err
}

func (q *redisQueue) Recover(ctx context.Context, queue string) (int, error) {
	n := 0
	for {
		err := q.client.LMove(ctx, q.processingKey(queue), q.pendingKey(queue), "RIGHT", "RIGHT").Err()
		if errors.Is(err, redis.Nil) {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		n++
	}
}
