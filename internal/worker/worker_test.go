package worker

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stemsi/exstem-engine/internal/config"
	"github.com/stemsi/exstem-engine/internal/model"
)

func init() {
	requeueBackoff = 0
}

type fakeQueue struct {
	mu      sync.Mutex
	items   map[string][]string
	pushed  map[string][]string
	deleted []string
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{items: map[string][]string{}, pushed: map[string][]string{}}
}

func (q *fakeQueue) push(t *testing.T, key string, jobs ...any) {
	t.Helper()
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, j := range jobs {
		raw, err := json.Marshal(j)
		require.NoError(t, err)
		q.items[key] = append(q.items[key], string(raw))
	}
}

func (q *fakeQueue) pop(key string) (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items[key]) == 0 {
		return "", false
	}
	v := q.items[key][0]
	q.items[key] = q.items[key][1:]
	return v, true
}

func (q *fakeQueue) BLPop(ctx context.Context, timeout time.Duration, keys ...string) *redis.StringSliceCmd {
	if err := ctx.Err(); err != nil {
		return redis.NewStringSliceResult(nil, err)
	}
	if v, ok := q.pop(keys[0]); ok {
		return redis.NewStringSliceResult([]string{keys[0], v}, nil)
	}
	time.Sleep(time.Millisecond)
	return redis.NewStringSliceResult(nil, redis.Nil)
}

func (q *fakeQueue) LPop(_ context.Context, key string) *redis.StringCmd {
	if v, ok := q.pop(key); ok {
		return redis.NewStringResult(v, nil)
	}
	return redis.NewStringResult("", redis.Nil)
}

func (q *fakeQueue) RPush(_ context.Context, key string, values ...interface{}) *redis.IntCmd {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, v := range values {
		switch v := v.(type) {
		case []byte:
			q.pushed[key] = append(q.pushed[key], string(v))
		case string:
			q.pushed[key] = append(q.pushed[key], v)
		}
	}
	return redis.NewIntResult(int64(len(q.pushed[key])), nil)
}

func (q *fakeQueue) Del(_ context.Context, keys ...string) *redis.IntCmd {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.deleted = append(q.deleted, keys...)
	return redis.NewIntResult(int64(len(keys)), nil)
}

type execCall struct {
	sql  string
	args []any
}

type fakeDB struct {
	mu      sync.Mutex
	execErr func(sql string, args []any) error
	copyErr error
	execs   []execCall
	copied  [][]any
}

func (d *fakeDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.execErr != nil {
		if err := d.execErr(sql, args); err != nil {
			return pgconn.CommandTag{}, err
		}
	}
	d.execs = append(d.execs, execCall{sql: sql, args: args})
	return pgconn.NewCommandTag("OK"), nil
}

func (d *fakeDB) CopyFrom(_ context.Context, _ pgx.Identifier, _ []string, src pgx.CopyFromSource) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.copyErr != nil {
		return 0, d.copyErr
	}
	var n int64
	for src.Next() {
		vals, err := src.Values()
		if err != nil {
			return n, err
		}
		d.copied = append(d.copied, vals)
		n++
	}
	return n, nil
}

func (d *fakeDB) execCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.execs)
}

var errDBDown = errors.New("db down")

func isBulk(sql string) bool { return strings.Contains(sql, "UNNEST") }

func TestBatcherFlushesBySizeAndTimeout(t *testing.T) {
	q := newFakeQueue()
	var mu sync.Mutex
	var sizes []int

	b := &batcher[model.ScoreJob]{
		queue: "scores",
		q:     q,
		opts:  Options{BatchSize: 2, BatchTimeout: 10 * time.Millisecond, PollTimeout: time.Millisecond},
		flush: func(_ context.Context, batch []model.ScoreJob) {
			mu.Lock()
			defer mu.Unlock()
			sizes = append(sizes, len(batch))
		},
		log: zerolog.Nop(),
	}
	for i := 0; i < 5; i++ {
		q.push(t, "scores", model.ScoreJob{ParticipantID: uuid.New()})
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		b.run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		total := 0
		for _, s := range sizes {
			total += s
		}
		return total == 5
	}, time.Second, 5*time.Millisecond)
	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	for _, s := range sizes {
		assert.LessOrEqual(t, s, 2)
	}
}

func TestBatcherDrainsQueueOnShutdown(t *testing.T) {
	q := newFakeQueue()
	q.push(t, "scores", model.ScoreJob{ParticipantID: uuid.New()}, model.ScoreJob{ParticipantID: uuid.New()})
	q.mu.Lock()
	q.items["scores"] = append(q.items["scores"], "{not json")
	q.mu.Unlock()

	var got []model.ScoreJob
	b := &batcher[model.ScoreJob]{
		queue: "scores",
		q:     q,
		opts:  Options{}.withDefaults(),
		flush: func(_ context.Context, batch []model.ScoreJob) { got = append(got, batch...) },
		log:   zerolog.Nop(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	b.run(ctx)

	assert.Len(t, got, 2)
	_, left := q.pop("scores")
	assert.False(t, left)
}

func TestLatestAnswersKeepsNewestSave(t *testing.T) {
	pid, qid := uuid.New(), uuid.New()
	t0 := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)

	jobs := latestAnswers([]model.AnswerJob{
		{ParticipantID: pid, QuestionID: qid, Answer: "second", SavedAt: t0.Add(time.Second)},
		{ParticipantID: pid, QuestionID: uuid.New(), Answer: "other", SavedAt: t0},
		{ParticipantID: pid, QuestionID: qid, Answer: "first", SavedAt: t0},
		{ParticipantID: pid, QuestionID: qid, Answer: "third", SavedAt: t0.Add(2 * time.Second)},
	})

	require.Len(t, jobs, 2)
	assert.Equal(t, "third", jobs[0].Answer)
	assert.Equal(t, "other", jobs[1].Answer)
}

func TestAutosaveFallsBackAndRequeues(t *testing.T) {
	q := newFakeQueue()
	bad := uuid.New()
	db := &fakeDB{execErr: func(sql string, args []any) error {
		if isBulk(sql) || args[0] == bad {
			return errDBDown
		}
		return nil
	}}
	w := NewAutosaveWorker(db, q, Options{}, zerolog.Nop())

	good := model.AnswerJob{ParticipantID: uuid.New(), QuestionID: uuid.New(), Answer: "ok"}
	w.flush(context.Background(), []model.AnswerJob{
		good,
		{ParticipantID: bad, QuestionID: uuid.New(), Answer: "lost"},
	})

	assert.Equal(t, 1, db.execCount())
	requeued := q.pushed[config.WorkerKey.PersistAnswersQueue]
	require.Len(t, requeued, 1)

	var job model.AnswerJob
	require.NoError(t, json.Unmarshal([]byte(requeued[0]), &job))
	assert.Equal(t, bad, job.ParticipantID)
	assert.Equal(t, "lost", job.Answer)
}

func TestMonitoringCopiesBatch(t *testing.T) {
	db := &fakeDB{}
	w := NewMonitoringWorker(db, newFakeQueue(), Options{}, zerolog.Nop())

	pid := uuid.New()
	w.flush(context.Background(), []model.MonitoringJob{
		{ParticipantID: pid, EventType: "tab_switch", EventData: json.RawMessage(`{"count":1}`)},
		{ParticipantID: pid, EventType: "fullscreen_exit"},
	})

	require.Len(t, db.copied, 2)
	assert.Equal(t, `{"count":1}`, db.copied[0][2])
	assert.Nil(t, db.copied[1][2])
	assert.Zero(t, db.execCount())
}

func TestMonitoringFallsBackToRowInserts(t *testing.T) {
	db := &fakeDB{copyErr: errDBDown}
	q := newFakeQueue()
	w := NewMonitoringWorker(db, q, Options{}, zerolog.Nop())

	w.flush(context.Background(), []model.MonitoringJob{
		{ParticipantID: uuid.New(), EventType: "blur"},
		{ParticipantID: uuid.New(), EventType: "focus"},
	})

	assert.Equal(t, 2, db.execCount())
	assert.Empty(t, q.pushed)
}

func TestScoringKeepsLastJobAndClearsCache(t *testing.T) {
	db := &fakeDB{}
	q := newFakeQueue()
	w := NewScoringWorker(db, q, Options{}, zerolog.Nop())

	pid := uuid.New()
	w.flush(context.Background(), []model.ScoreJob{
		{ParticipantID: pid, OriginalScore: 10, FinalScore: 10},
		{ParticipantID: pid, OriginalScore: 10, FinalScore: 8.7, PenaltyPercentage: 13},
	})

	require.Equal(t, 1, db.execCount())
	args := db.execs[0].args
	assert.Equal(t, []uuid.UUID{pid}, args[0])
	assert.Equal(t, []float64{8.7}, args[2])
	assert.Contains(t, q.deleted, config.CacheKey.AttemptScoreKey(pid.String()))
}

func TestScoringRequeuesWhenDatabaseIsDown(t *testing.T) {
	db := &fakeDB{execErr: func(string, []any) error { return errDBDown }}
	q := newFakeQueue()
	w := NewScoringWorker(db, q, Options{}, zerolog.Nop())

	w.flush(context.Background(), []model.ScoreJob{{ParticipantID: uuid.New(), FinalScore: 5}})

	assert.Len(t, q.pushed[config.WorkerKey.PersistScoresQueue], 1)
	assert.Empty(t, q.deleted)
}
