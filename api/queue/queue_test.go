package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRedis backs the queue with in-memory structures.
type fakeRedis struct {
	mu     sync.Mutex
	zset   map[string]float64
	locks  map[string]struct{}
	failed []string
	zadds  int
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{
		zset:  make(map[string]float64),
		locks: make(map[string]struct{}),
	}
}

func (f *fakeRedis) ZAdd(ctx context.Context, key string, members ...redis.Z) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	var added int64
	for _, m := range members {
		if _, ok := f.zset[m.Member.(string)]; !ok {
			added++
		}
		f.zset[m.Member.(string)] = m.Score
		f.zadds++
	}
	return redis.NewIntResult(added, nil)
}

func (f *fakeRedis) ZRangeByScore(ctx context.Context, key string, opt *redis.ZRangeBy) *redis.StringSliceCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := float64(time.Now().UnixMilli())
	var due []string
	for member, score := range f.zset {
		if score <= now {
			due = append(due, member)
		}
	}
	return redis.NewStringSliceResult(due, nil)
}

func (f *fakeRedis) ZRem(ctx context.Context, key string, members ...interface{}) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	var removed int64
	for _, m := range members {
		if _, ok := f.zset[m.(string)]; ok {
			delete(f.zset, m.(string))
			removed++
		}
	}
	return redis.NewIntResult(removed, nil)
}

func (f *fakeRedis) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.locks[key]; ok {
		return redis.NewBoolResult(false, nil)
	}
	f.locks[key] = struct{}{}
	return redis.NewBoolResult(true, nil)
}

func (f *fakeRedis) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, k := range keys {
		if _, ok := f.locks[k]; ok {
			delete(f.locks, k)
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func (f *fakeRedis) LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, v := range values {
		f.failed = append([]string{string(v.([]byte))}, f.failed...)
	}
	return redis.NewIntResult(int64(len(f.failed)), nil)
}

func (f *fakeRedis) LTrim(ctx context.Context, key string, start, stop int64) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if int64(len(f.failed)) > stop+1 {
		f.failed = f.failed[:stop+1]
	}
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) score(member string) (float64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.zset[member]
	return s, ok
}

type countingRunner struct {
	mu    sync.Mutex
	runs  []string
	err   error
}

func (r *countingRunner) Run(ctx context.Context, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, userID)
	return r.err
}

func TestSignalExtendsDueTime(t *testing.T) {
	rdb := newFakeRedis()
	q := New(rdb, &countingRunner{}, Options{Delay: 3 * time.Second})

	require.NoError(t, q.Signal(context.Background(), "u1"))
	first, ok := rdb.score("u1")
	require.True(t, ok)

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, q.Signal(context.Background(), "u1"))
	second, ok := rdb.score("u1")
	require.True(t, ok)

	assert.Greater(t, second, first)

	rdb.mu.Lock()
	n := len(rdb.zset)
	rdb.mu.Unlock()
	assert.Equal(t, 1, n, "repeated signals collapse into one job")
}

func TestDrainRunsDueJobOnce(t *testing.T) {
	rdb := newFakeRedis()
	runner := &countingRunner{}
	q := New(rdb, runner, Options{Attempts: 1})

	// Already due.
	rdb.ZAdd(context.Background(), scheduledKey, redis.Z{
		Score:  float64(time.Now().Add(-time.Second).UnixMilli()),
		Member: "u1",
	})

	q.drain(context.Background())
	q.drain(context.Background())

	assert.Equal(t, []string{"u1"}, runner.runs)
	_, ok := rdb.score("u1")
	assert.False(t, ok, "claimed job leaves the zset")

	rdb.mu.Lock()
	locked := len(rdb.locks)
	rdb.mu.Unlock()
	assert.Zero(t, locked, "lock released after the run")
}

func TestDrainSkipsFutureJobs(t *testing.T) {
	rdb := newFakeRedis()
	runner := &countingRunner{}
	q := New(rdb, runner, Options{Attempts: 1})

	require.NoError(t, q.Signal(context.Background(), "u1"))
	q.drain(context.Background())

	assert.Empty(t, runner.runs)
	_, ok := rdb.score("u1")
	assert.True(t, ok, "job stays scheduled until due")
}

func TestDrainReschedulesWhenLocked(t *testing.T) {
	rdb := newFakeRedis()
	runner := &countingRunner{}
	q := New(rdb, runner, Options{Attempts: 1})

	rdb.locks[lockKeyPrefix+"u1"] = struct{}{}
	rdb.ZAdd(context.Background(), scheduledKey, redis.Z{
		Score:  float64(time.Now().Add(-time.Second).UnixMilli()),
		Member: "u1",
	})

	q.drain(context.Background())

	assert.Empty(t, runner.runs)
	score, ok := rdb.score("u1")
	require.True(t, ok, "job rescheduled while another worker runs")
	assert.Greater(t, score, float64(time.Now().UnixMilli()))
}

func TestDrainRecordsExhaustedFailures(t *testing.T) {
	rdb := newFakeRedis()
	runner := &countingRunner{err: errors.New("model down")}
	q := New(rdb, runner, Options{Attempts: 1})

	rdb.ZAdd(context.Background(), scheduledKey, redis.Z{
		Score:  float64(time.Now().Add(-time.Second).UnixMilli()),
		Member: "u1",
	})

	q.drain(context.Background())

	assert.Equal(t, []string{"u1"}, runner.runs)
	require.Len(t, rdb.failed, 1)
	assert.Contains(t, rdb.failed[0], "model down")
	assert.Contains(t, rdb.failed[0], "u1")
}
