// Package queue provides a Redis-backed work queue for dispatching job
// executions across service replicas. The gateway pushes job ids; a bounded
// pool of consumers pops and runs them, which caps concurrent load on the
// compute provider.
package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultBlockTimeout = 5 * time.Second

// Runner executes the pipeline for one job id. The engine satisfies it.
type Runner interface {
	Run(ctx context.Context, jobID string)
}

// RedisQueue dispatches jobs through a Redis list.
type RedisQueue struct {
	client       *redis.Client
	key          string
	logger       *slog.Logger
	blockTimeout time.Duration
	wg           sync.WaitGroup
}

// NewRedisQueue creates a queue on the given Redis list key.
func NewRedisQueue(client *redis.Client, key string, logger *slog.Logger) *RedisQueue {
	return &RedisQueue{
		client:       client,
		key:          key,
		logger:       logger,
		blockTimeout: defaultBlockTimeout,
	}
}

// Dispatch enqueues a job id for some consumer to pick up.
func (q *RedisQueue) Dispatch(ctx context.Context, jobID string) error {
	return q.client.RPush(ctx, q.key, jobID).Err()
}

// Start launches the consumer pool. Each consumer blocks on the list and
// runs one job at a time, so the pool size bounds pipeline concurrency.
func (q *RedisQueue) Start(ctx context.Context, r Runner, consumers int) {
	if consumers <= 0 {
		consumers = 1
	}
	for i := 0; i < consumers; i++ {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			q.consume(ctx, r)
		}()
	}
}

// Wait blocks until all consumers have stopped.
func (q *RedisQueue) Wait() {
	q.wg.Wait()
}

func (q *RedisQueue) consume(ctx context.Context, r Runner) {
	for {
		if ctx.Err() != nil {
			return
		}

		res, err := q.client.BLPop(ctx, q.blockTimeout, q.key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			q.logger.Error("pop job from queue", "error", err)
			time.Sleep(time.Second)
			continue
		}

		// BLPop returns [key, value].
		jobID := res[1]
		r.Run(ctx, jobID)
	}
}
