// Package worker drains the Redis persistence queues into PostgreSQL.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	DefaultBatchSize    = 50
	DefaultBatchTimeout = 2 * time.Second
	DefaultPollTimeout  = 1 * time.Second

	shutdownTimeout = 5 * time.Second
)

// requeueBackoff pauses a worker after requeueing so a dead database is not
// hammered.
var requeueBackoff = 2 * time.Second

// Queue is the subset of *redis.Client the workers use.
type Queue interface {
	BLPop(ctx context.Context, timeout time.Duration, keys ...string) *redis.StringSliceCmd
	LPop(ctx context.Context, key string) *redis.StringCmd
	RPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// DB is the subset of *pgxpool.Pool the workers use.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	CopyFrom(ctx context.Context, table pgx.Identifier, columns []string, src pgx.CopyFromSource) (int64, error)
}

// Options tunes the batch loop. Zero values use the defaults.
type Options struct {
	BatchSize    int
	BatchTimeout time.Duration
	PollTimeout  time.Duration
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.BatchTimeout <= 0 {
		o.BatchTimeout = DefaultBatchTimeout
	}
	if o.PollTimeout <= 0 {
		o.PollTimeout = DefaultPollTimeout
	}
	return o
}

// batcher pops JSON jobs off a queue and hands them to flush in batches.
// flush is responsible for requeueing what it could not persist.
type batcher[T any] struct {
	queue string
	q     Queue
	opts  Options
	flush func(ctx context.Context, batch []T)
	log   zerolog.Logger
}

func (b *batcher[T]) run(ctx context.Context) {
	b.log.Info().Str("queue", b.queue).Msg("Worker started")

	batch := make([]T, 0, b.opts.BatchSize)
	lastFlush := time.Now()

	for {
		if len(batch) > 0 &&
			(len(batch) >= b.opts.BatchSize || time.Since(lastFlush) >= b.opts.BatchTimeout) {
			b.flush(ctx, batch)
			batch = batch[:0]
			lastFlush = time.Now()
		}

		select {
		case <-ctx.Done():
			b.shutdown(batch)
			return
		default:
		}

		item, err := b.q.BLPop(ctx, b.opts.PollTimeout, b.queue).Result()
		if err != nil {
			if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
				b.log.Error().Err(err).Msg("BLPop error")
			}
			continue
		}
		if len(item) < 2 {
			continue
		}

		job, ok := b.decode(item[1])
		if !ok {
			continue
		}
		batch = append(batch, job)
	}
}

// decode discards malformed payloads; they can never succeed.
func (b *batcher[T]) decode(raw string) (T, bool) {
	var job T
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		b.log.Error().Err(err).Str("data", raw).Msg("Discarding malformed job")
		return job, false
	}
	return job, true
}

// shutdown flushes the buffer and drains whatever is still queued.
func (b *batcher[T]) shutdown(buffer []T) {
	b.log.Info().Msg("Worker stopping, flushing remaining jobs...")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if len(buffer) > 0 {
		b.flush(ctx, buffer)
	}

	drained := 0
	batch := make([]T, 0, b.opts.BatchSize)
	for ctx.Err() == nil {
		raw, err := b.q.LPop(ctx, b.queue).Result()
		if err != nil {
			break
		}
		if job, ok := b.decode(raw); ok {
			batch = append(batch, job)
			drained++
		}
		if len(batch) >= b.opts.BatchSize {
			b.flush(ctx, batch)
			batch = batch[:0]
		}
	}
	if len(batch) > 0 {
		b.flush(ctx, batch)
	}

	if drained > 0 {
		b.log.Info().Int("count", drained).Msg("Drained remaining jobs")
	}
}

// requeue pushes failed jobs back onto their queue in one command.
func requeue[T any](ctx context.Context, q Queue, queue string, items []T, log zerolog.Logger) {
	if len(items) == 0 {
		return
	}

	values := make([]interface{}, 0, len(items))
	for _, it := range items {
		raw, err := json.Marshal(it)
		if err != nil {
			log.Error().Err(err).Msg("Dropping job that cannot be encoded")
			continue
		}
		values = append(values, raw)
	}

	if err := q.RPush(ctx, queue, values...).Err(); err != nil {
		log.Error().Err(err).Int("count", len(values)).Msg("CRITICAL: Failed to requeue jobs. Data loss occurred.")
		return
	}
	log.Info().Int("count", len(values)).Msg("Requeued failed jobs")

	select {
	case <-ctx.Done():
	case <-time.After(requeueBackoff):
	}
}
