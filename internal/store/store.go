// Package store provides the Redis-backed shared job store: job records, the
// cross-process pending queue, status pub/sub, sessions, rate limiting and
// distributed locks.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/book-expert/logger"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/voiceforge/voice-service/internal/job"
)

const (
	jobKeyPrefix     = "job:"
	sessionKeyPrefix = "session:"
	rateKeyPrefix    = "rate_limit:"
	lockKeyPrefix    = "lock:"
	queueKey         = "job_queue"
	eventChannel     = "job_status:"

	// JobTTL bounds how long job records live without being reaped.
	JobTTL = 24 * time.Hour
	// SessionTTL is the session inactivity window.
	SessionTTL = time.Hour
	// SessionJobLimit bounds the recent-jobs list per session.
	SessionJobLimit = 10

	scanBatch = 200

	// Sorted-set scores pack (priority, enqueue second) so dequeue order is
	// priority ascending with FIFO ties. The epoch offset keeps the packed
	// value well inside float64 integer precision.
	scoreEpoch        = 1704067200 // 2024-01-01T00:00:00Z
	priorityScoreBase = 1e10
)

// ErrJobNotFound is returned when a job record is absent from the store.
var ErrJobNotFound = errors.New("job not found in store")

// JobEvent is the payload published on every job-status update.
type JobEvent struct {
	JobID     string    `json:"job_id"`
	Status    string    `json:"status"`
	Progress  float64   `json:"progress"`
	Message   string    `json:"message,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Session groups the jobs submitted by one client identity.
type Session struct {
	ID           string    `json:"id"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	Jobs         []string  `json:"jobs"`
}

// SystemStats summarises the store's view of the deployment.
type SystemStats struct {
	QueueSize      int64          `json:"queue_size"`
	StatusCounts   map[string]int `json:"status_counts"`
	ActiveSessions int            `json:"active_sessions"`
}

// Store wraps a Redis client with the voice-service key schema. All methods
// take a context and return wrapped errors.
type Store struct {
	rdb *redis.Client
	log *logger.Logger
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, addr, password string, db int, log *logger.Logger) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}

	return &Store{rdb: rdb, log: log}, nil
}

// NewWithClient wraps an existing client. Used by tests.
func NewWithClient(rdb *redis.Client, log *logger.Logger) *Store {
	return &Store{rdb: rdb, log: log}
}

// Close releases the underlying client.
func (s *Store) Close() error {
	if err := s.rdb.Close(); err != nil {
		return fmt.Errorf("failed to close redis client: %w", err)
	}

	return nil
}

func jobKey(id string) string { return jobKeyPrefix + id }

func queueScore(priority job.Priority, enqueuedAt time.Time) float64 {
	return float64(priority)*priorityScoreBase + float64(enqueuedAt.Unix()-scoreEpoch)
}

// SaveJob persists the full job record with the standard TTL.
func (s *Store) SaveJob(ctx context.Context, j *job.Job) error {
	data, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("failed to marshal job %s: %w", j.ID, err)
	}

	if err := s.rdb.Set(ctx, jobKey(j.ID), data, JobTTL).Err(); err != nil {
		return fmt.Errorf("failed to save job %s: %w", j.ID, err)
	}

	return nil
}

// GetJob fetches a job record, or ErrJobNotFound.
func (s *Store) GetJob(ctx context.Context, id string) (*job.Job, error) {
	data, err := s.rdb.Get(ctx, jobKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrJobNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get job %s: %w", id, err)
	}

	var j job.Job
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job %s: %w", id, err)
	}

	return &j, nil
}

// EnqueueJob saves the record and pushes the identifier onto the shared
// pending queue.
func (s *Store) EnqueueJob(ctx context.Context, j *job.Job) error {
	if err := s.SaveJob(ctx, j); err != nil {
		return err
	}

	member := redis.Z{Score: queueScore(j.Priority, j.CreatedAt), Member: j.ID}
	if err := s.rdb.ZAdd(ctx, queueKey, member).Err(); err != nil {
		return fmt.Errorf("failed to enqueue job %s: %w", j.ID, err)
	}

	s.log.Info("Job %s enqueued in store with priority %s", j.ID, j.Priority)

	return nil
}

// DequeueJob pops the highest-priority identifier from the shared queue and
// marks its record processing. It returns nil when the queue is empty.
func (s *Store) DequeueJob(ctx context.Context) (*job.Job, error) {
	popped, err := s.rdb.ZPopMin(ctx, queueKey, 1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to pop job queue: %w", err)
	}

	if len(popped) == 0 {
		return nil, nil
	}

	id, ok := popped[0].Member.(string)
	if !ok {
		return nil, fmt.Errorf("unexpected queue member type %T", popped[0].Member)
	}

	j, err := s.GetJob(ctx, id)
	if err != nil {
		// The record expired while queued; skip it.
		if errors.Is(err, ErrJobNotFound) {
			return nil, nil
		}

		return nil, err
	}

	j.Status = job.StatusProcessing
	j.StartedAt = time.Now()

	if err := s.SaveJob(ctx, j); err != nil {
		return nil, err
	}

	return j, nil
}

// RemoveFromQueue drops a still-queued identifier from the shared queue, for
// cancellations.
func (s *Store) RemoveFromQueue(ctx context.Context, id string) error {
	if err := s.rdb.ZRem(ctx, queueKey, id).Err(); err != nil {
		return fmt.Errorf("failed to remove job %s from queue: %w", id, err)
	}

	return nil
}

// UpdateJob applies the mutation to the stored record, stamps terminal
// states, and publishes a status event. Last write wins per record.
func (s *Store) UpdateJob(ctx context.Context, id string, mutate func(*job.Job)) error {
	j, err := s.GetJob(ctx, id)
	if err != nil {
		return err
	}

	mutate(j)

	if j.Status.Terminal() && j.CompletedAt.IsZero() {
		j.CompletedAt = time.Now()
	}

	if err := s.SaveJob(ctx, j); err != nil {
		return err
	}

	s.publishJobEvent(ctx, j)

	return nil
}

func (s *Store) publishJobEvent(ctx context.Context, j *job.Job) {
	event := JobEvent{
		JobID:     j.ID,
		Status:    string(j.Status),
		Progress:  j.Progress,
		Message:   j.Message,
		Error:     j.Error,
		Timestamp: time.Now(),
	}

	payload, err := json.Marshal(event)
	if err != nil {
		s.log.Error("Failed to marshal job event for %s: %v", j.ID, err)

		return
	}

	if err := s.rdb.Publish(ctx, eventChannel+j.ID, payload).Err(); err != nil {
		s.log.Warn("Failed to publish status event for job %s: %v", j.ID, err)
	}
}

// PublishEvent publishes an arbitrary payload on a topic.
func (s *Store) PublishEvent(ctx context.Context, topic string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal event for topic %s: %w", topic, err)
	}

	if err := s.rdb.Publish(ctx, topic, data).Err(); err != nil {
		return fmt.Errorf("failed to publish event on topic %s: %w", topic, err)
	}

	return nil
}

// SubscribeJobEvents subscribes to all job status channels and relays decoded
// events until the context is cancelled.
func (s *Store) SubscribeJobEvents(ctx context.Context) (<-chan JobEvent, error) {
	sub := s.rdb.PSubscribe(ctx, eventChannel+"*")

	// Force the subscription to be established before returning.
	if _, err := sub.Receive(ctx); err != nil {
		return nil, fmt.Errorf("failed to subscribe to job events: %w", err)
	}

	events := make(chan JobEvent, 64)

	go func() {
		defer close(events)
		defer func() {
			if err := sub.Close(); err != nil {
				s.log.Warn("Failed to close job event subscription: %v", err)
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-sub.Channel():
				if !ok {
					return
				}

				var event JobEvent
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					s.log.Warn("Dropping malformed job event: %v", err)

					continue
				}

				select {
				case events <- event:
				default:
					// A slow consumer never blocks the relay.
				}
			}
		}
	}()

	return events, nil
}

// CreateSession stores a new session record with the inactivity TTL.
func (s *Store) CreateSession(ctx context.Context, id string) (*Session, error) {
	now := time.Now()
	session := &Session{
		ID:           id,
		CreatedAt:    now,
		LastActivity: now,
		Jobs:         []string{},
	}

	if err := s.saveSession(ctx, session); err != nil {
		return nil, err
	}

	return session, nil
}

func (s *Store) saveSession(ctx context.Context, session *Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session %s: %w", session.ID, err)
	}

	if err := s.rdb.Set(ctx, sessionKeyPrefix+session.ID, data, SessionTTL).Err(); err != nil {
		return fmt.Errorf("failed to save session %s: %w", session.ID, err)
	}

	return nil
}

// GetSession fetches a session, touching its last-activity timestamp and
// renewing the TTL. It returns nil for an absent or expired session.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	data, err := s.rdb.Get(ctx, sessionKeyPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get session %s: %w", id, err)
	}

	var session Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session %s: %w", id, err)
	}

	session.LastActivity = time.Now()

	if err := s.saveSession(ctx, &session); err != nil {
		return nil, err
	}

	return &session, nil
}

// AddJobToSession appends a job to the session's recent list, bounded to the
// most recent SessionJobLimit entries.
func (s *Store) AddJobToSession(ctx context.Context, sessionID, jobID string) error {
	session, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}

	if session == nil {
		session, err = s.CreateSession(ctx, sessionID)
		if err != nil {
			return err
		}
	}

	for _, existing := range session.Jobs {
		if existing == jobID {
			return nil
		}
	}

	session.Jobs = append(session.Jobs, jobID)
	if len(session.Jobs) > SessionJobLimit {
		session.Jobs = session.Jobs[len(session.Jobs)-SessionJobLimit:]
	}

	return s.saveSession(ctx, session)
}

// CheckRateLimit applies a fixed-window counter for the key. The first
// request in a window sets the count with the window TTL; requests are
// rejected once the count exceeds the limit. Store failures fail open.
func (s *Store) CheckRateLimit(ctx context.Context, key string, limit int64, window time.Duration) bool {
	fullKey := rateKeyPrefix + key

	count, err := s.rdb.Incr(ctx, fullKey).Result()
	if err != nil {
		s.log.Warn("Rate limit check failed for %s, allowing request: %v", key, err)

		return true
	}

	if count == 1 {
		if err := s.rdb.Expire(ctx, fullKey, window).Err(); err != nil {
			s.log.Warn("Failed to set rate limit window for %s: %v", key, err)
		}
	}

	return count <= limit
}

// AcquireLock takes a named distributed lock with the given TTL, returning
// false when another holder has it. The TTL guards against a crashed holder.
func (s *Store) AcquireLock(ctx context.Context, name string, ttl time.Duration) bool {
	ok, err := s.rdb.SetNX(ctx, lockKeyPrefix+name, uuid.NewString(), ttl).Result()
	if err != nil {
		s.log.Warn("Failed to acquire lock %s: %v", name, err)

		return false
	}

	return ok
}

// ReleaseLock drops a named lock. Releasing an unheld lock is harmless.
func (s *Store) ReleaseLock(ctx context.Context, name string) {
	if err := s.rdb.Del(ctx, lockKeyPrefix+name).Err(); err != nil {
		s.log.Warn("Failed to release lock %s: %v", name, err)
	}
}

// QueueSize returns the shared pending-queue depth.
func (s *Store) QueueSize(ctx context.Context) (int64, error) {
	size, err := s.rdb.ZCard(ctx, queueKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read queue size: %w", err)
	}

	return size, nil
}

// SystemStats scans the store for queue depth, per-status job counts and
// active session count.
func (s *Store) SystemStats(ctx context.Context) (*SystemStats, error) {
	queueSize, err := s.QueueSize(ctx)
	if err != nil {
		return nil, err
	}

	stats := &SystemStats{
		QueueSize:    queueSize,
		StatusCounts: make(map[string]int),
	}

	err = s.scanKeys(ctx, jobKeyPrefix+"*", func(key string) {
		data, getErr := s.rdb.Get(ctx, key).Bytes()
		if getErr != nil {
			return
		}

		var j job.Job
		if json.Unmarshal(data, &j) == nil {
			stats.StatusCounts[string(j.Status)]++
		}
	})
	if err != nil {
		return nil, err
	}

	err = s.scanKeys(ctx, sessionKeyPrefix+"*", func(string) {
		stats.ActiveSessions++
	})
	if err != nil {
		return nil, err
	}

	return stats, nil
}

// ReapExpired deletes terminal job records whose completion timestamp is
// older than maxAge. Deletes are idempotent, so overlapping reapers are safe.
func (s *Store) ReapExpired(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge)
	removed := 0

	err := s.scanKeys(ctx, jobKeyPrefix+"*", func(key string) {
		data, getErr := s.rdb.Get(ctx, key).Bytes()
		if getErr != nil {
			return
		}

		var j job.Job
		if json.Unmarshal(data, &j) != nil {
			return
		}

		if j.Status.Terminal() && !j.CompletedAt.IsZero() && j.CompletedAt.Before(cutoff) {
			if s.rdb.Del(ctx, key).Err() == nil {
				removed++
			}
		}
	})
	if err != nil {
		return removed, err
	}

	if removed > 0 {
		s.log.Info("Reaped %d expired job records from store", removed)
	}

	return removed, nil
}

func (s *Store) scanKeys(ctx context.Context, pattern string, visit func(key string)) error {
	var cursor uint64

	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, pattern, scanBatch).Result()
		if err != nil {
			return fmt.Errorf("failed to scan keys %s: %w", pattern, err)
		}

		for _, key := range keys {
			visit(key)
		}

		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}
