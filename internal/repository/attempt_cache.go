package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stemsi/exstem-engine/internal/config"
	"github.com/stemsi/exstem-engine/internal/model"
)

// attemptTTL bounds how long hot attempt state survives an abandoned attempt.
const attemptTTL = 24 * time.Hour

// AttemptCache keeps the hot state of running attempts in Redis and feeds the
// persistence queues drained by the workers.
type AttemptCache struct {
	rdb *redis.Client
}

// NewAttemptCache creates a new AttemptCache.
func NewAttemptCache(rdb *redis.Client) *AttemptCache {
	return &AttemptCache{rdb: rdb}
}

// SetStart caches the attempt's start time.
func (c *AttemptCache) SetStart(ctx context.Context, pid uuid.UUID, startedAt time.Time) error {
	return c.rdb.Set(ctx, config.CacheKey.AttemptStartKey(pid.String()), startedAt.Unix(), attemptTTL).Err()
}

// Start returns the cached start time, or the zero time on a miss.
func (c *AttemptCache) Start(ctx context.Context, pid uuid.UUID) (time.Time, error) {
	v, err := c.rdb.Get(ctx, config.CacheKey.AttemptStartKey(pid.String())).Int64()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(v, 0), nil
}

// SaveAnswer stores the answer in the attempt hash and queues it for the
// autosave worker in one round trip.
func (c *AttemptCache) SaveAnswer(ctx context.Context, job model.AnswerJob) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal answer job: %w", err)
	}

	key := config.CacheKey.AttemptAnswersKey(job.ParticipantID.String())
	_, err = c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, job.QuestionID.String(), job.Answer)
		pipe.Expire(ctx, key, attemptTTL)
		pipe.RPush(ctx, config.WorkerKey.PersistAnswersQueue, raw)
		return nil
	})
	return err
}

// Answers returns the cached answers keyed by question ID.
func (c *AttemptCache) Answers(ctx context.Context, pid uuid.UUID) (map[uuid.UUID]string, error) {
	raw, err := c.rdb.HGetAll(ctx, config.CacheKey.AttemptAnswersKey(pid.String())).Result()
	if err != nil {
		return nil, err
	}

	out := make(map[uuid.UUID]string, len(raw))
	for k, v := range raw {
		qid, err := uuid.Parse(k)
		if err != nil {
			continue
		}
		out[qid] = v
	}
	return out, nil
}

// FullscreenExit counts a fullscreen exit. Repeated exits without a return in
// between are counted once. Returns the total exits.
func (c *AttemptCache) FullscreenExit(ctx context.Context, pid uuid.UUID) (int, error) {
	id := pid.String()
	outKey := config.CacheKey.AttemptOutOfFullscreenKey(id)
	countKey := config.CacheKey.AttemptFullscreenExitsKey(id)

	fresh, err := c.rdb.SetNX(ctx, outKey, 1, attemptTTL).Result()
	if err != nil {
		return 0, err
	}
	if !fresh {
		return c.fullscreenExits(ctx, countKey)
	}

	n, err := c.rdb.Incr(ctx, countKey).Result()
	if err != nil {
		return 0, err
	}
	c.rdb.Expire(ctx, countKey, attemptTTL)
	return int(n), nil
}

// FullscreenReturn clears the out-of-fullscreen marker and returns the total
// exits.
func (c *AttemptCache) FullscreenReturn(ctx context.Context, pid uuid.UUID) (int, error) {
	id := pid.String()
	if err := c.rdb.Del(ctx, config.CacheKey.AttemptOutOfFullscreenKey(id)).Err(); err != nil {
		return 0, err
	}
	return c.fullscreenExits(ctx, config.CacheKey.AttemptFullscreenExitsKey(id))
}

func (c *AttemptCache) fullscreenExits(ctx context.Context, key string) (int, error) {
	n, err := c.rdb.Get(ctx, key).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}

// EnqueueMonitoring queues a proctoring event for the monitoring worker.
func (c *AttemptCache) EnqueueMonitoring(ctx context.Context, job model.MonitoringJob) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal monitoring job: %w", err)
	}
	return c.rdb.RPush(ctx, config.WorkerKey.PersistMonitoringQueue, raw).Err()
}

// EnqueueScore caches the reconciled score for immediate reads and queues it
// for the scoring worker.
func (c *AttemptCache) EnqueueScore(ctx context.Context, job model.ScoreJob) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal score job: %w", err)
	}

	_, err = c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, config.CacheKey.AttemptScoreKey(job.ParticipantID.String()), raw, attemptTTL)
		pipe.RPush(ctx, config.WorkerKey.PersistScoresQueue, raw)
		return nil
	})
	return err
}

// Score returns the cached score of an attempt, or nil on a miss.
func (c *AttemptCache) Score(ctx context.Context, pid uuid.UUID) (*model.ScoreJob, error) {
	raw, err := c.rdb.Get(ctx, config.CacheKey.AttemptScoreKey(pid.String())).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var job model.ScoreJob
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, fmt.Errorf("unmarshal score: %w", err)
	}
	return &job, nil
}

// ExamPayload returns the cached exam definition, or nil on a miss.
func (c *AttemptCache) ExamPayload(ctx context.Context, examID uuid.UUID) (*model.ExamDefinition, error) {
	raw, err := c.rdb.Get(ctx, config.CacheKey.ExamPayloadKey(examID.String())).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var exam model.ExamDefinition
	if err := json.Unmarshal(raw, &exam); err != nil {
		return nil, fmt.Errorf("unmarshal exam payload: %w", err)
	}
	return &exam, nil
}

// SetExamPayload caches an exam definition.
func (c *AttemptCache) SetExamPayload(ctx context.Context, exam *model.ExamDefinition, ttl time.Duration) error {
	raw, err := json.Marshal(exam)
	if err != nil {
		return fmt.Errorf("marshal exam payload: %w", err)
	}
	return c.rdb.Set(ctx, config.CacheKey.ExamPayloadKey(exam.ID.String()), raw, ttl).Err()
}


// QueueDepths returns the length of every persistence queue.
func (c *AttemptCache) QueueDepths(ctx context.Context) (map[string]int64, error) {
	queues := []string{
		config.WorkerKey.PersistAnswersQueue,
		config.WorkerKey.PersistMonitoringQueue,
		config.WorkerKey.PersistScoresQueue,
	}

	pipe := c.rdb.Pipeline()
	cmds := make([]*redis.IntCmd, len(queues))
	for i, q := range queues {
		cmds[i] = pipe.LLen(ctx, q)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}

	out := make(map[string]int64, len(queues))
	for i, q := range queues {
		out[q] = cmds[i].Val()
	}
	return out, nil
}
