package worker

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-engine/internal/config"
	"github.com/stemsi/exstem-engine/internal/model"
)

// AutosaveWorker upserts saved answers into participant_answers.
type AutosaveWorker struct {
	db  DB
	q   Queue
	b   *batcher[model.AnswerJob]
	log zerolog.Logger
}

// NewAutosaveWorker creates a new AutosaveWorker.
func NewAutosaveWorker(db DB, q Queue, opts Options, log zerolog.Logger) *AutosaveWorker {
	w := &AutosaveWorker{
		db:  db,
		q:   q,
		log: log.With().Str("component", "autosave_worker").Logger(),
	}
	w.b = &batcher[model.AnswerJob]{
		queue: config.WorkerKey.PersistAnswersQueue,
		q:     q,
		opts:  opts.withDefaults(),
		flush: w.flush,
		log:   w.log,
	}
	return w
}

// Start runs the worker until ctx is cancelled, then drains the queue.
func (w *AutosaveWorker) Start(ctx context.Context) {
	w.b.run(ctx)
}

type answerKey struct {
	participant uuid.UUID
	question    uuid.UUID
}

// latestAnswers keeps the newest job per (participant, question); one UPSERT
// statement cannot touch the same row twice.
func latestAnswers(batch []model.AnswerJob) []model.AnswerJob {
	idx := make(map[answerKey]int, len(batch))
	out := make([]model.AnswerJob, 0, len(batch))
	for _, j := range batch {
		k := answerKey{j.ParticipantID, j.QuestionID}
		if i, ok := idx[k]; ok {
			if !j.SavedAt.Before(out[i].SavedAt) {
				out[i] = j
			}
			continue
		}
		idx[k] = len(out)
		out = append(out, j)
	}
	return out
}

func (w *AutosaveWorker) flush(ctx context.Context, batch []model.AnswerJob) {
	jobs := latestAnswers(batch)

	if err := w.bulkUpsert(ctx, jobs); err != nil {
		w.log.Warn().Err(err).Int("count", len(jobs)).Msg("Bulk upsert failed, attempting row-by-row recovery")

		var failed []model.AnswerJob
		for _, j := range jobs {
			if err := w.upsert(ctx, j); err != nil {
				w.log.Error().Err(err).
					Str("participant_id", j.ParticipantID.String()).
					Str("question_id", j.QuestionID.String()).
					Msg("Upsert failed, requeueing")
				failed = append(failed, j)
			}
		}
		requeue(ctx, w.q, config.WorkerKey.PersistAnswersQueue, failed, w.log)
		return
	}

	w.log.Debug().Int("count", len(jobs)).Msg("Answers persisted")
}

// upsertAnswerSQL never lets an older save overwrite a newer one, so
// requeued jobs are safe to replay.
const upsertAnswerSQL = `
	ON CONFLICT (participant_id, question_id) DO UPDATE
	SET answer = EXCLUDED.answer, saved_at = EXCLUDED.saved_at
	WHERE participant_answers.saved_at <= EXCLUDED.saved_at`

func (w *AutosaveWorker) bulkUpsert(ctx context.Context, jobs []model.AnswerJob) error {
	n := len(jobs)
	participants := make([]uuid.UUID, 0, n)
	questions := make([]uuid.UUID, 0, n)
	answers := make([]string, 0, n)
	savedAts := make([]time.Time, 0, n)
	for _, j := range jobs {
		participants = append(participants, j.ParticipantID)
		questions = append(questions, j.QuestionID)
		answers = append(answers, j.Answer)
		savedAts = append(savedAts, j.SavedAt)
	}

	_, err := w.db.Exec(ctx,
		`INSERT INTO participant_answers (participant_id, question_id, answer, saved_at)
		 SELECT * FROM UNNEST($1::uuid[], $2::uuid[], $3::text[], $4::timestamptz[])`+upsertAnswerSQL,
		participants, questions, answers, savedAts,
	)
	return err
}

func (w *AutosaveWorker) upsert(ctx context.Context, j model.AnswerJob) error {
	_, err := w.db.Exec(ctx,
		`INSERT INTO participant_answers (participant_id, question_id, answer, saved_at)
		 VALUES ($1, $2, $3, $4)`+upsertAnswerSQL,
		j.ParticipantID, j.QuestionID, j.Answer, j.SavedAt,
	)
	return err
}
