package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ryabkov82/rndc-batch-server/internal/config"
)

// ErrQueueFull is returned when the in-memory queue has no free slot.
var ErrQueueFull = errors.New("queue is full")

// ErrQueueClosed is returned by a closed queue.
var ErrQueueClosed = errors.New("queue is closed")

// DefaultQueueSize is used when the configured size is not positive.
const DefaultQueueSize = 1000

// MemoryQueue is a bounded channel of batch ids.
type MemoryQueue struct {
	ch        chan string
	done      chan struct{}
	closeOnce sync.Once
}

// NewMemoryQueue creates a queue holding up to size ids.
func NewMemoryQueue(size int) *MemoryQueue {
	if size < 1 {
		size = DefaultQueueSize
	}
	return &MemoryQueue{
		ch:   make(chan string, size),
		done: make(chan struct{}),
	}
}

// Enqueue adds batchID without blocking.
func (q *MemoryQueue) Enqueue(_ context.Context, batchID string) error {
	select {
	case <-q.done:
		return ErrQueueClosed
	default:
	}
	select {
	case q.ch <- batchID:
		return nil
	default:
		return ErrQueueFull
	}
}

// Dequeue blocks until an id is available, ctx is done or the queue is closed.
func (q *MemoryQueue) Dequeue(ctx context.Context) (string, error) {
	select {
	case id := <-q.ch:
		return id, nil
	case <-q.done:
		return "", ErrQueueClosed
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Close wakes blocked consumers. It is safe to call more than once.
func (q *MemoryQueue) Close() error {
	q.closeOnce.Do(func() { close(q.done) })
	return nil
}

// RedisQueue is a list-backed queue shared by several server instances.
type RedisQueue struct {
	client      *redis.Client
	key         string
	pollTimeout time.Duration
}

// DefaultQueueKey is the Redis list used when none is configured.
const DefaultQueueKey = "rndc:batches"

// NewRedisQueue connects to Redis and verifies the connection.
func NewRedisQueue(ctx context.Context, cfg config.RedisConfig) (*RedisQueue, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,

		ContextTimeoutEnabled: true,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	key := cfg.QueueKey
	if key == "" {
		key = DefaultQueueKey
	}
	return &RedisQueue{client: client, key: key, pollTimeout: time.Second}, nil
}

// Enqueue pushes batchID onto the list.
func (q *RedisQueue) Enqueue(ctx context.Context, batchID string) error {
	if err := q.client.LPush(ctx, q.key, batchID).Err(); err != nil {
		return fmt.Errorf("redis lpush: %w", err)
	}
	return nil
}

// Dequeue pops the oldest id, polling so that ctx cancellation is noticed.
func (q *RedisQueue) Dequeue(ctx context.Context) (string, error) {
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		res, err := q.client.BRPop(ctx, q.pollTimeout, q.key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if errors.Is(err, redis.ErrClosed) {
			return "", ErrQueueClosed
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return "", ctxErr
			}
			return "", fmt.Errorf("redis brpop: %w", err)
		}
		// BRPOP answers [key, value].
		if len(res) == 2 {
			return res[1], nil
		}
	}
}

// Len returns the number of queued ids.
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.key).Result()
}

// Close closes the Redis client.
func (q *RedisQueue) Close() error {
	return q.client.Close()
}
