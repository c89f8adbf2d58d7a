package generation

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/motoplan/motoplan/core"
)

// RedisQueue implements Queue on a Redis list. Producers LPUSH
// itinerary ids; workers BRPOP with a timeout so shutdown is never
// blocked indefinitely. Only the id travels through the queue; the
// record itself stays in the store.
type RedisQueue struct {
	client   *redis.Client
	queueKey string
	logger   core.Logger
}

// RedisQueueConfig configures the queue.
type RedisQueueConfig struct {
	// QueueKey is the Redis list key. Default: "motoplan:gen:queue"
	QueueKey string

	// Logger is an optional logger for queue operations.
	Logger core.Logger
}

// NewRedisQueue creates a Redis-backed generation queue.
func NewRedisQueue(client *redis.Client, config *RedisQueueConfig) *RedisQueue {
	key := "motoplan:gen:queue"
	var logger core.Logger
	if config != nil {
		if config.QueueKey != "" {
			key = config.QueueKey
		}
		logger = config.Logger
	}
	return &RedisQueue{
		client:   client,
		queueKey: key,
		logger:   core.ComponentLogger(logger, "generation/queue"),
	}
}

// Enqueue implements Queue.
func (q *RedisQueue) Enqueue(ctx context.Context, itineraryID string) error {
	if itineraryID == "" {
		return fmt.Errorf("itinerary id is required")
	}
	if err := q.client.LPush(ctx, q.queueKey, itineraryID).Err(); err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}
	if q.logger != nil {
		q.logger.Debug("Job enqueued", map[string]interface{}{
			"itinerary_id": itineraryID,
		})
	}
	return nil
}

// Dequeue implements Queue. It blocks up to timeout and returns an
// empty id when nothing arrived.
func (q *RedisQueue) Dequeue(ctx context.Context, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	res, err := q.client.BRPop(ctx, timeout, q.queueKey).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("failed to dequeue job: %w", err)
	}
	// BRPOP returns [key, value].
	if len(res) != 2 {
		return "", fmt.Errorf("unexpected BRPOP reply of length %d", len(res))
	}
	return res[1], nil
}

// Depth reports the number of queued jobs, for health reporting.
func (q *RedisQueue) Depth(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, q.queueKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read queue depth: %w", err)
	}
	return n, nil
}
