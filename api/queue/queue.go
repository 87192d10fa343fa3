// Package queue schedules debounced memory-extraction runs through Redis.
// Signals for the same user collapse into one job whose due time keeps
// sliding forward while the user is active; a polling worker claims due
// jobs and runs the extraction pipeline under a per-user lock.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/maidworks/maid/pkg/metrics"
	"github.com/maidworks/maid/shared/backoff"
)

const (
	scheduledKey  = "maid:extract:scheduled"
	lockKeyPrefix = "maid:extract:lock:"
	failedKey     = "maid:extract:failed"

	failedKeep = 100
)

// Runner executes one extraction pass for a user.
type Runner interface {
	Run(ctx context.Context, userID string) error
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, userID string) error

func (f RunnerFunc) Run(ctx context.Context, userID string) error { return f(ctx, userID) }

// redisClient is the slice of *redis.Client the queue uses. Tests supply a
// fake.
type redisClient interface {
	ZAdd(ctx context.Context, key string, members ...redis.Z) *redis.IntCmd
	ZRangeByScore(ctx context.Context, key string, opt *redis.ZRangeBy) *redis.StringSliceCmd
	ZRem(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	LTrim(ctx context.Context, key string, start, stop int64) *redis.StatusCmd
}

type Options struct {
	// Delay is the quiet period after the last signal before a job
	// becomes due.
	Delay time.Duration
	// PollInterval is the worker's due-job scan cadence.
	PollInterval time.Duration
	// LockTTL bounds how long a crashed worker can hold a user's lock.
	LockTTL time.Duration
	// Attempts is the retry budget per claimed job.
	Attempts int
}

func (o *Options) fill() {
	if o.Delay <= 0 {
		o.Delay = 3 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.LockTTL <= 0 {
		o.LockTTL = 2 * time.Minute
	}
	if o.Attempts <= 0 {
		o.Attempts = 3
	}
}

type Queue struct {
	client redisClient
	runner Runner
	opts   Options
}

func New(client redisClient, runner Runner, opts Options) *Queue {
	opts.fill()
	return &Queue{client: client, runner: runner, opts: opts}
}

// Signal schedules an extraction run for userID after the debounce delay.
// ZADD replaces the member's score, so repeated signals push the due time
// forward instead of stacking jobs.
func (q *Queue) Signal(ctx context.Context, userID string) error {
	due := float64(time.Now().Add(q.opts.Delay).UnixMilli())
	return q.client.ZAdd(ctx, scheduledKey, redis.Z{Score: due, Member: userID}).Err()
}

// Start polls for due jobs until ctx is cancelled.
func (q *Queue) Start(ctx context.Context) {
	slog.Info("queue: worker started",
		"delay", q.opts.Delay,
		"poll_interval", q.opts.PollInterval)

	ticker := time.NewTicker(q.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("queue: worker stopped")
			return
		case <-ticker.C:
			q.drain(ctx)
		}
	}
}

// drain claims and processes every job due by now. The ZREM claim makes
// exactly one worker win each job when several poll the same zset.
func (q *Queue) drain(ctx context.Context) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	due, err := q.client.ZRangeByScore(ctx, scheduledKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   now,
		Count: 10,
	}).Result()
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			slog.Error("queue: scan due jobs failed", "error", err)
		}
		return
	}

	for _, userID := range due {
		removed, err := q.client.ZRem(ctx, scheduledKey, userID).Result()
		if err != nil {
			slog.Error("queue: claim failed", "user_id", userID, "error", err)
			continue
		}
		if removed == 0 {
			continue
		}
		q.process(ctx, userID)
	}
}

func (q *Queue) process(ctx context.Context, userID string) {
	lockKey := lockKeyPrefix + userID
	locked, err := q.client.SetNX(ctx, lockKey, "1", q.opts.LockTTL).Result()
	if err != nil {
		slog.Error("queue: lock attempt failed", "user_id", userID, "error", err)
		q.reschedule(ctx, userID)
		return
	}
	if !locked {
		// Another worker is mid-run for this user; try again after the
		// debounce window.
		q.reschedule(ctx, userID)
		return
	}
	defer func() {
		if err := q.client.Del(ctx, lockKey).Err(); err != nil {
			slog.Error("queue: unlock failed", "user_id", userID, "error", err)
		}
	}()

	metrics.ExtractionRuns.Inc()
	start := time.Now()

	err = backoff.Retry(ctx, backoff.Exponential(time.Second, q.opts.Attempts), func(ctx context.Context, attempt int) error {
		if err := q.runner.Run(ctx, userID); err != nil {
			slog.Warn("queue: extraction attempt failed",
				"user_id", userID,
				"attempt", attempt,
				"error", err)
			return err
		}
		return nil
	})
	if err != nil {
		metrics.ExtractionFailures.Inc()
		slog.Error("queue: extraction exhausted retries", "user_id", userID, "error", err)
		q.recordFailure(ctx, userID, err)
		return
	}

	slog.Info("queue: extraction done", "user_id", userID, "duration", time.Since(start))
}

func (q *Queue) reschedule(ctx context.Context, userID string) {
	if err := q.Signal(ctx, userID); err != nil {
		slog.Error("queue: reschedule failed", "user_id", userID, "error", err)
	}
}

// recordFailure keeps a short tail of permanently failed jobs for
// inspection.
func (q *Queue) recordFailure(ctx context.Context, userID string, runErr error) {
	entry, err := json.Marshal(map[string]string{
		"user_id":   userID,
		"error":     runErr.Error(),
		"failed_at": time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return
	}
	if err := q.client.LPush(ctx, failedKey, entry).Err(); err != nil {
		slog.Error("queue: record failure failed", "user_id", userID, "error", err)
		return
	}
	if err := q.client.LTrim(ctx, failedKey, 0, failedKeep-1).Err(); err != nil {
		slog.Error("queue: trim failure log failed", "error", err)
	}
}
