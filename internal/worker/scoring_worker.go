package worker

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-engine/internal/config"
	"github.com/stemsi/exstem-engine/internal/model"
)

// ScoringWorker writes reconciled scores onto participants.
type ScoringWorker struct {
	db  DB
	q   Queue
	b   *batcher[model.ScoreJob]
	log zerolog.Logger
}

// NewScoringWorker creates a new ScoringWorker.
func NewScoringWorker(db DB, q Queue, opts Options, log zerolog.Logger) *ScoringWorker {
	w := &ScoringWorker{
		db:  db,
		q:   q,
		log: log.With().Str("component", "scoring_worker").Logger(),
	}
	w.b = &batcher[model.ScoreJob]{
		queue: config.WorkerKey.PersistScoresQueue,
		q:     q,
		opts:  opts.withDefaults(),
		flush: w.flush,
		log:   w.log,
	}
	return w
}

// Start runs the worker until ctx is cancelled, then drains the queue.
func (w *ScoringWorker) Start(ctx context.Context) {
	w.b.run(ctx)
}

// latestScores keeps the last job per participant; the reconciliation write
// follows the completion write on the same queue.
func latestScores(batch []model.ScoreJob) []model.ScoreJob {
	idx := make(map[uuid.UUID]int, len(batch))
	out := make([]model.ScoreJob, 0, len(batch))
	for _, j := range batch {
		if i, ok := idx[j.ParticipantID]; ok {
			out[i] = j
			continue
		}
		idx[j.ParticipantID] = len(out)
		out = append(out, j)
	}
	return out
}

func (w *ScoringWorker) flush(ctx context.Context, batch []model.ScoreJob) {
	jobs := latestScores(batch)

	if err := w.bulkUpdate(ctx, jobs); err != nil {
		w.log.Warn().Err(err).Msg("Bulk score update failed, using fallback")

		var failed, done []model.ScoreJob
		for _, j := range jobs {
			if err := w.update(ctx, j); err != nil {
				w.log.Error().Err(err).Str("participant_id", j.ParticipantID.String()).Msg("Score update failed, requeueing")
				failed = append(failed, j)
				continue
			}
			done = append(done, j)
		}
		w.clearCachedScores(ctx, done)
		requeue(ctx, w.q, config.WorkerKey.PersistScoresQueue, failed, w.log)
		return
	}

	w.clearCachedScores(ctx, jobs)
}

func (w *ScoringWorker) bulkUpdate(ctx context.Context, jobs []model.ScoreJob) error {
	n := len(jobs)
	ids := make([]uuid.UUID, 0, n)
	originals := make([]float64, 0, n)
	finals := make([]float64, 0, n)
	penalties := make([]float64, 0, n)
	for _, j := range jobs {
		ids = append(ids, j.ParticipantID)
		originals = append(originals, j.OriginalScore)
		finals = append(finals, j.FinalScore)
		penalties = append(penalties, j.PenaltyPercentage)
	}

	_, err := w.db.Exec(ctx,
		`UPDATE participants AS p
		 SET original_score = t.original_score,
		     final_score = t.final_score,
		     penalty_percentage = t.penalty_percentage
		 FROM UNNEST($1::uuid[], $2::float8[], $3::float8[], $4::float8[])
		      AS t (id, original_score, final_score, penalty_percentage)
		 WHERE p.id = t.id`,
		ids, originals, finals, penalties,
	)
	return err
}

func (w *ScoringWorker) update(ctx context.Context, j model.ScoreJob) error {
	_, err := w.db.Exec(ctx,
		`UPDATE participants
		 SET original_score = $2, final_score = $3, penalty_percentage = $4
		 WHERE id = $1`,
		j.ParticipantID, j.OriginalScore, j.FinalScore, j.PenaltyPercentage,
	)
	return err
}

// clearCachedScores drops the score and fullscreen state of persisted
// attempts; results are read from PostgreSQL from here on.
func (w *ScoringWorker) clearCachedScores(ctx context.Context, jobs []model.ScoreJob) {
	if len(jobs) == 0 {
		return
	}
	keys := make([]string, 0, 3*len(jobs))
	for _, j := range jobs {
		id := j.ParticipantID.String()
		keys = append(keys,
			config.CacheKey.AttemptScoreKey(id),
			config.CacheKey.AttemptFullscreenExitsKey(id),
			config.CacheKey.AttemptOutOfFullscreenKey(id),
		)
	}
	if err := w.q.Del(ctx, keys...).Err(); err != nil {
		w.log.Warn().Err(err).Msg("Failed to clear cached scores")
	}
}
