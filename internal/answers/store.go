// Package answers holds the answers of one attempt and persists them to the
// exam backend.
package answers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/stemsi/exstem-engine/internal/clock"
	"github.com/stemsi/exstem-engine/internal/examapi"
	"github.com/stemsi/exstem-engine/internal/fallback"
	"github.com/stemsi/exstem-engine/internal/model"
)

// ErrUnknownQuestion is returned for a question ID not in the exam.
var ErrUnknownQuestion = errors.New("answers: unknown question")

// API is the subset of the exam client the store needs.
type API interface {
	SaveAnswer(ctx context.Context, participantID, questionID uuid.UUID, answer string) error
	ListAnswers(ctx context.Context, participantID uuid.UUID) ([]model.AnswerEntry, error)
	ListAnswersByExam(ctx context.Context, examID, participantID uuid.UUID) ([]model.AnswerEntry, error)
}

// Config controls the retry behaviour of Save.
type Config struct {
	MaxRetries int
	Cooldown   time.Duration
}

// DefaultConfig retries twice with a 2s cooldown.
func DefaultConfig() Config {
	return Config{MaxRetries: 2, Cooldown: 2 * time.Second}
}

// Store keeps one AnswerRecord per question of the exam.
type Store struct {
	api           API
	clock         clock.Clock
	cfg           Config
	log           zerolog.Logger
	examID        uuid.UUID
	participantID uuid.UUID

	mu      sync.Mutex
	order   []uuid.UUID
	records map[uuid.UUID]*model.AnswerRecord
	saving  map[uuid.UUID]*sync.Mutex
}

// New creates a store with an empty pending record for every question.
func New(api API, exam model.ExamDefinition, participantID uuid.UUID, cfg Config, clk clock.Clock, log zerolog.Logger) *Store {
	s := &Store{
		api:           api,
		clock:         clk,
		cfg:           cfg,
		log:           log.With().Str("component", "answers").Str("participant_id", participantID.String()).Logger(),
		examID:        exam.ID,
		participantID: participantID,
		records:       make(map[uuid.UUID]*model.AnswerRecord, len(exam.Questions)),
		saving:        make(map[uuid.UUID]*sync.Mutex, len(exam.Questions)),
	}
	for _, q := range exam.Questions {
		s.order = append(s.order, q.ID)
		s.records[q.ID] = &model.AnswerRecord{QuestionID: q.ID, State: model.AnswerPending}
		s.saving[q.ID] = &sync.Mutex{}
	}
	return s
}

// SetAnswer overwrites the in-memory answer. A changed answer becomes pending
// until the next successful Save.
func (s *Store) SetAnswer(questionID uuid.UUID, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[questionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownQuestion, questionID)
	}
	if rec.Answer != text {
		rec.Answer = text
		rec.State = model.AnswerPending
	}
	return nil
}

// Answer returns the current answer text.
func (s *Store) Answer(questionID uuid.UUID) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[questionID]
	if !ok {
		return "", false
	}
	return rec.Answer, true
}

// Record returns a copy of the record of one question.
func (s *Store) Record(questionID uuid.UUID) (model.AnswerRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[questionID]
	if !ok {
		return model.AnswerRecord{}, false
	}
	return *rec, true
}

// Records returns copies of all records in exam question order.
func (s *Store) Records() []model.AnswerRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]model.AnswerRecord, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.records[id])
	}
	return out
}

// Save persists the current answer of one question. Transient failures are
// retried up to cfg.MaxRetries times after cfg.Cooldown; any other failure
// marks the record failed immediately. Saves of the same question are
// serialized, saves of different questions run independently.
func (s *Store) Save(ctx context.Context, questionID uuid.UUID) (model.AnswerRecord, error) {
	s.mu.Lock()
	rec, ok := s.records[questionID]
	if !ok {
		s.mu.Unlock()
		return model.AnswerRecord{}, fmt.Errorf("%w: %s", ErrUnknownQuestion, questionID)
	}
	lock := s.saving[questionID]
	s.mu.Unlock()

	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	text := rec.Answer
	s.mu.Unlock()

	var err error
	attempts := 0
	for {
		attempts++
		err = s.api.SaveAnswer(ctx, s.participantID, questionID, text)
		if err == nil {
			break
		}

		logEvt := s.log.Warn().Err(err).Str("question_id", questionID.String()).Int("attempt", attempts)
		if !examapi.IsTransient(err) || attempts > s.cfg.MaxRetries {
			logEvt.Msg("Answer save failed")
			break
		}
		logEvt.Dur("cooldown", s.cfg.Cooldown).Msg("Answer save failed, retrying")

		select {
		case <-ctx.Done():
			err = ctx.Err()
		case <-s.clock.After(s.cfg.Cooldown):
			continue
		}
		break
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec.Attempts = attempts
	if err != nil {
		rec.State = model.AnswerFailed
		rec.LastError = err.Error()
		return *rec, err
	}

	rec.LastError = ""
	// A newer answer set during the call stays pending.
	if rec.Answer == text {
		now := s.clock.Now()
		rec.State = model.AnswerSaved
		rec.SavedAt = &now
	}
	return *rec, nil
}

// SaveAll saves every non-empty answer concurrently. Individual failures are
// logged and joined into the returned error; they never stop other saves.
func (s *Store) SaveAll(ctx context.Context) error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	for _, rec := range s.Records() {
		if rec.Answer == "" {
			continue
		}
		qid := rec.QuestionID
		g.Go(func() error {
			if _, err := s.Save(ctx, qid); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("question %s: %w", qid, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// LoadExisting hydrates the store from previously saved answers, trying the
// participant-scoped route before the exam-scoped one. On failure the store
// is left untouched and an empty map is returned with the error.
func (s *Store) LoadExisting(ctx context.Context) (map[uuid.UUID]string, error) {
	chain := fallback.Chain[[]model.AnswerEntry]{
		Strategies: []fallback.Strategy[[]model.AnswerEntry]{
			{Name: "participant", Run: func(ctx context.Context) ([]model.AnswerEntry, error) {
				return s.api.ListAnswers(ctx, s.participantID)
			}},
			{Name: "exam", Run: func(ctx context.Context) ([]model.AnswerEntry, error) {
				return s.api.ListAnswersByExam(ctx, s.examID, s.participantID)
			}},
		},
		Abort: examapi.IsUnauthorized,
		OnFailure: func(name string, err error) {
			s.log.Warn().Err(err).Str("strategy", name).Msg("Loading saved answers failed")
		},
	}

	entries, _, err := chain.Run(ctx)
	if err != nil {
		return map[uuid.UUID]string{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	loaded := make(map[uuid.UUID]string, len(entries))
	for _, e := range entries {
		rec, ok := s.records[e.QuestionID]
		if !ok {
			s.log.Debug().Str("question_id", e.QuestionID.String()).Msg("Ignoring saved answer for unknown question")
			continue
		}
		rec.Answer = e.Answer
		rec.State = model.AnswerSaved
		savedAt := now
		rec.SavedAt = &savedAt
		loaded[e.QuestionID] = e.Answer
	}
	s.log.Info().Int("count", len(loaded)).Msg("Saved answers restored")
	return loaded, nil
}
