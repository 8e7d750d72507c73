package queue

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"

	"workflow-gateway/internal/config"
)

// RedisQueue carries dispatch hints for pending jobs and the dead-letter list.
// The job store stays authoritative: a hint only says which job to try to claim first.
type RedisQueue struct {
	client   *redis.Client
	readyKey string
	dlqKey   string
}

// NewRedisQueue builds a queue client from config.
func NewRedisQueue(cfg config.Config) *RedisQueue {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return NewRedisQueueWithClient(client, cfg.QueueName, cfg.DLQName)
}

// NewRedisQueueWithClient wraps an existing client.
func NewRedisQueueWithClient(client *redis.Client, readyKey, dlqKey string) *RedisQueue {
	if readyKey == "" {
		readyKey = "queue:workflow:ready"
	}
	if dlqKey == "" {
		dlqKey = "queue:workflow:dlq"
	}
	return &RedisQueue{client: client, readyKey: readyKey, dlqKey: dlqKey}
}

// Client exposes the underlying connection so the rate limiter can share it.
func (q *RedisQueue) Client() *redis.Client {
	return q.client
}

func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}

// Enqueue appends a dispatch hint for jobID.
func (q *RedisQueue) Enqueue(ctx context.Context, jobID string) error {
	return q.client.RPush(ctx, q.readyKey, jobID).Err()
}

// Dequeue pops the oldest hint. It returns "" when the queue is empty.
func (q *RedisQueue) Dequeue(ctx context.Context) (string, error) {
	id, err := q.client.LPop(ctx, q.readyKey).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return id, nil
}

// Remove drops any hints for jobID, e.g. after cancellation.
func (q *RedisQueue) Remove(ctx context.Context, jobID string) error {
	return q.client.LRem(ctx, q.readyKey, 0, jobID).Err()
}

// DLQPush appends to the dead-letter queue for operational inspection.
func (q *RedisQueue) DLQPush(ctx context.Context, jobID string) error {
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, q.readyKey, 0, jobID)
	pipe.RPush(ctx, q.dlqKey, jobID)
	_, err := pipe.Exec(ctx)
	return err
}

// DLQPeek reads the oldest dead-lettered job IDs.
func (q *RedisQueue) DLQPeek(ctx context.Context, count int64) ([]string, error) {
	if count <= 0 {
		count = 100
	}
	return q.client.LRange(ctx, q.dlqKey, 0, count-1).Result()
}

// ReadyDepth returns the number of outstanding hints.
func (q *RedisQueue) ReadyDepth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.readyKey).Result()
}
