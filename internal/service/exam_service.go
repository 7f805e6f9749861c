package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-engine/internal/model"
)

// examPayloadTTL bounds how stale a cached exam definition may get.
const examPayloadTTL = time.Hour

// ExamStore is the exam table as seen by ExamService.
type ExamStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*model.ExamDefinition, error)
	ListIDs(ctx context.Context) ([]uuid.UUID, error)
	CreateWithQuestions(ctx context.Context, e *model.ExamDefinition) error
}

// QuestionStore lists the questions of an exam.
type QuestionStore interface {
	ListByExam(ctx context.Context, examID uuid.UUID) ([]model.Question, error)
}

// PayloadCache caches assembled exam definitions.
type PayloadCache interface {
	ExamPayload(ctx context.Context, examID uuid.UUID) (*model.ExamDefinition, error)
	SetExamPayload(ctx context.Context, exam *model.ExamDefinition, ttl time.Duration) error
}

// ExamService assembles exam definitions and keeps them warm in Redis.
type ExamService struct {
	exams     ExamStore
	questions QuestionStore
	cache     PayloadCache
	log       zerolog.Logger
}

// NewExamService creates a new ExamService.
func NewExamService(exams ExamStore, questions QuestionStore, cache PayloadCache, log zerolog.Logger) *ExamService {
	return &ExamService{
		exams:     exams,
		questions: questions,
		cache:     cache,
		log:       log.With().Str("component", "exam_service").Logger(),
	}
}

// GetDefinition returns the exam with its questions, from cache when warm.
// A missing exam yields pgx.ErrNoRows.
func (s *ExamService) GetDefinition(ctx context.Context, id uuid.UUID) (*model.ExamDefinition, error) {
	cached, err := s.cache.ExamPayload(ctx, id)
	if err != nil {
		s.log.Warn().Err(err).Str("exam_id", id.String()).Msg("Exam cache read failed, using database")
	}
	if cached != nil {
		return cached, nil
	}

	exam, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}

	if err := s.cache.SetExamPayload(ctx, exam, examPayloadTTL); err != nil {
		s.log.Warn().Err(err).Str("exam_id", id.String()).Msg("Failed to cache exam payload")
	}
	return exam, nil
}

func (s *ExamService) load(ctx context.Context, id uuid.UUID) (*model.ExamDefinition, error) {
	exam, err := s.exams.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	questions, err := s.questions.ListByExam(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list questions: %w", err)
	}
	exam.Questions = questions
	exam.TotalPoints = exam.Points()
	return exam, nil
}

// Create stores a new exam with its questions and warms its cache entry.
func (s *ExamService) Create(ctx context.Context, exam *model.ExamDefinition) error {
	if err := s.exams.CreateWithQuestions(ctx, exam); err != nil {
		return fmt.Errorf("create exam: %w", err)
	}
	exam.TotalPoints = exam.Points()
	if err := s.cache.SetExamPayload(ctx, exam, examPayloadTTL); err != nil {
		s.log.Warn().Err(err).Str("exam_id", exam.ID.String()).Msg("Failed to cache exam payload")
	}
	return nil
}

// PrewarmAllCaches loads every exam into Redis before traffic arrives.
func (s *ExamService) PrewarmAllCaches(ctx context.Context) error {
	ids, err := s.exams.ListIDs(ctx)
	if err != nil {
		return fmt.Errorf("list exams: %w", err)
	}

	if len(ids) == 0 {
		s.log.Info().Msg("No exams to prewarm")
		return nil
	}

	s.log.Info().Int("count", len(ids)).Msg("Prewarming exams...")

	warmed := 0
	for _, id := range ids {
		exam, err := s.load(ctx, id)
		if err == nil {
			err = s.cache.SetExamPayload(ctx, exam, examPayloadTTL)
		}
		if err != nil {
			s.log.Warn().
				Err(err).
				Str("exam_id", id.String()).
				Msg("Failed to warm exam, skipping")
			continue
		}
		warmed++
	}

	s.log.Info().
		Int("warmed", warmed).
		Int("total", len(ids)).
		Msg("Prewarming complete")
	return nil
}
