package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const activityKeyPrefix = "trustcore:activity:"

// ActivityWindow counts an actor's actions inside a sliding window using a
// Redis sorted set keyed by actor. Each action is a member scored by its
// timestamp; expired members are trimmed on every record.
type ActivityWindow struct {
	client *redis.Client
	window time.Duration
	logger *zap.Logger
}

// NewActivityWindow creates a Redis-backed sliding activity counter.
func NewActivityWindow(client *redis.Client, window time.Duration, logger *zap.Logger) *ActivityWindow {
	return &ActivityWindow{
		client: client,
		window: window,
		logger: logger,
	}
}

// Record registers one action for the actor at the given instant and returns
// the number of actions inside the window, the new one included.
func (w *ActivityWindow) Record(ctx context.Context, actorID string, at time.Time) (int, error) {
	key := activityKeyPrefix + actorID
	windowStart := at.Add(-w.window)

	member := fmt.Sprintf("%d-%d", at.UnixNano(), at.Nanosecond()%1000)

	pipe := w.client.Pipeline()
	pipe.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(windowStart.UnixNano(), 10))
	pipe.ZAdd(ctx, key, redis.Z{
		Score:  float64(at.UnixNano()),
		Member: member,
	})
	countCmd := pipe.ZCard(ctx, key)
	pipe.Expire(ctx, key, w.window+time.Minute)

	if _, err := pipe.Exec(ctx); err != nil {
		w.logger.Error("activity window pipeline failed",
			zap.String("actor_id", actorID),
			zap.Error(err))
		return 0, fmt.Errorf("activity window pipeline failed: %w", err)
	}

	return int(countCmd.Val()), nil
}

// Reset clears the recorded activity for an actor.
func (w *ActivityWindow) Reset(ctx context.Context, actorID string) error {
	if err := w.client.Del(ctx, activityKeyPrefix+actorID).Err(); err != nil {
		return fmt.Errorf("activity window reset failed: %w", err)
	}
	return nil
}
