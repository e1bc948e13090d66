// Package store_test tests the Redis-backed job store against an embedded
// server.
package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/book-expert/logger"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voiceforge/voice-service/internal/job"
	"github.com/voiceforge/voice-service/internal/store"
)

func newTestStore(t *testing.T) (*store.Store, *miniredis.Miniredis) {
	t.Helper()

	server := miniredis.RunT(t)

	rdb := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	log, err := logger.New(t.TempDir(), "store-test.log")
	require.NoError(t, err)

	return store.NewWithClient(rdb, log), server
}

func newJob(id string, priority job.Priority) *job.Job {
	return job.New(id, job.KindConversion, priority, job.Params{
		InputPath:  "/tmp/in.wav",
		OutputPath: "/tmp/out.wav",
		SampleRate: job.DefaultSampleRate,
	})
}

func TestSaveAndGetJob(t *testing.T) {
	t.Parallel()

	s, server := newTestStore(t)
	ctx := context.Background()

	j := newJob("j1", job.PriorityNormal)
	require.NoError(t, s.SaveJob(ctx, j))

	got, err := s.GetJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, "j1", got.ID)
	assert.Equal(t, job.StatusQueued, got.Status)

	// Records carry the retention TTL.
	assert.Greater(t, server.TTL("job:j1"), 23*time.Hour)

	_, err = s.GetJob(ctx, "missing")
	require.ErrorIs(t, err, store.ErrJobNotFound)
}

func TestDequeue_PriorityThenFIFO(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)
	ctx := context.Background()

	normal := newJob("normal", job.PriorityNormal)
	require.NoError(t, s.EnqueueJob(ctx, normal))

	high := newJob("high", job.PriorityHigh)
	high.CreatedAt = normal.CreatedAt.Add(time.Second)
	require.NoError(t, s.EnqueueJob(ctx, high))

	later := newJob("later", job.PriorityNormal)
	later.CreatedAt = normal.CreatedAt.Add(2 * time.Second)
	require.NoError(t, s.EnqueueJob(ctx, later))

	first, err := s.DequeueJob(ctx)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, "high", first.ID)
	assert.Equal(t, job.StatusProcessing, first.Status)
	assert.False(t, first.StartedAt.IsZero())

	second, err := s.DequeueJob(ctx)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, "normal", second.ID)

	third, err := s.DequeueJob(ctx)
	require.NoError(t, err)
	require.NotNil(t, third)
	assert.Equal(t, "later", third.ID)

	empty, err := s.DequeueJob(ctx)
	require.NoError(t, err)
	assert.Nil(t, empty)
}

func TestUpdateJob_PublishesEvent(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	j := newJob("j1", job.PriorityNormal)
	require.NoError(t, s.SaveJob(ctx, j))

	events, err := s.SubscribeJobEvents(ctx)
	require.NoError(t, err)

	err = s.UpdateJob(ctx, "j1", func(j *job.Job) {
		j.Status = job.StatusCompleted
		j.Progress = 100
		j.Message = "done"
	})
	require.NoError(t, err)

	select {
	case event := <-events:
		assert.Equal(t, "j1", event.JobID)
		assert.Equal(t, "completed", event.Status)
		assert.InDelta(t, 100.0, event.Progress, 0.001)
	case <-time.After(2 * time.Second):
		t.Fatal("no job event received")
	}

	// Terminal updates stamp the completion timestamp exactly once.
	got, err := s.GetJob(ctx, "j1")
	require.NoError(t, err)
	assert.False(t, got.CompletedAt.IsZero())

	err = s.UpdateJob(ctx, "missing", func(*job.Job) {})
	require.ErrorIs(t, err, store.ErrJobNotFound)
}

func TestCheckRateLimit_FixedWindow(t *testing.T) {
	t.Parallel()

	s, server := newTestStore(t)
	ctx := context.Background()

	assert.True(t, s.CheckRateLimit(ctx, "client-a", 2, time.Minute))
	assert.True(t, s.CheckRateLimit(ctx, "client-a", 2, time.Minute))
	assert.False(t, s.CheckRateLimit(ctx, "client-a", 2, time.Minute))

	// A new window resets the counter.
	server.FastForward(2 * time.Minute)
	assert.True(t, s.CheckRateLimit(ctx, "client-a", 2, time.Minute))

	// Other keys are independent.
	assert.True(t, s.CheckRateLimit(ctx, "client-b", 2, time.Minute))
}

func TestLocks(t *testing.T) {
	t.Parallel()

	s, server := newTestStore(t)
	ctx := context.Background()

	require.True(t, s.AcquireLock(ctx, "reaper", time.Minute))
	assert.False(t, s.AcquireLock(ctx, "reaper", time.Minute))

	s.ReleaseLock(ctx, "reaper")
	assert.True(t, s.AcquireLock(ctx, "reaper", time.Minute))

	// The TTL frees the lock if the holder crashes.
	server.FastForward(2 * time.Minute)
	assert.True(t, s.AcquireLock(ctx, "reaper", time.Minute))
}

func TestSessions(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)
	ctx := context.Background()

	created, err := s.CreateSession(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, created.Jobs)

	// The recent-jobs list is bounded, oldest evicted first.
	for i := range store.SessionJobLimit + 2 {
		require.NoError(t, s.AddJobToSession(ctx, "s1", string(rune('a'+i))))
	}

	session, err := s.GetSession(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, session)
	assert.Len(t, session.Jobs, store.SessionJobLimit)
	assert.Equal(t, "c", session.Jobs[0])

	// Duplicates are not re-added.
	require.NoError(t, s.AddJobToSession(ctx, "s1", session.Jobs[0]))

	session, err = s.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, session.Jobs, store.SessionJobLimit)

	// Absent sessions resolve to nil, and AddJobToSession creates one.
	missing, err := s.GetSession(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, missing)

	require.NoError(t, s.AddJobToSession(ctx, "fresh", "j9"))

	fresh, err := s.GetSession(ctx, "fresh")
	require.NoError(t, err)
	require.NotNil(t, fresh)
	assert.Equal(t, []string{"j9"}, fresh.Jobs)
}

func TestReapExpired(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)
	ctx := context.Background()

	old := newJob("old", job.PriorityNormal)
	old.Status = job.StatusCompleted
	old.CompletedAt = time.Now().Add(-48 * time.Hour)
	require.NoError(t, s.SaveJob(ctx, old))

	recent := newJob("recent", job.PriorityNormal)
	recent.Status = job.StatusFailed
	recent.CompletedAt = time.Now()
	require.NoError(t, s.SaveJob(ctx, recent))

	active := newJob("active", job.PriorityNormal)
	require.NoError(t, s.SaveJob(ctx, active))

	removed, err := s.ReapExpired(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = s.GetJob(ctx, "old")
	require.ErrorIs(t, err, store.ErrJobNotFound)

	_, err = s.GetJob(ctx, "recent")
	require.NoError(t, err)

	_, err = s.GetJob(ctx, "active")
	require.NoError(t, err)

	// Reaping again is an idempotent no-op.
	removed, err = s.ReapExpired(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 0, removed)
}

func TestSystemStats(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.EnqueueJob(ctx, newJob("queued", job.PriorityNormal)))

	done := newJob("done", job.PriorityNormal)
	done.Status = job.StatusCompleted
	require.NoError(t, s.SaveJob(ctx, done))

	_, err := s.CreateSession(ctx, "s1")
	require.NoError(t, err)

	stats, err := s.SystemStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.QueueSize)
	assert.Equal(t, 1, stats.StatusCounts["queued"])
	assert.Equal(t, 1, stats.StatusCounts["completed"])
	assert.Equal(t, 1, stats.ActiveSessions)
}
