package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-engine/internal/clock"
	"github.com/stemsi/exstem-engine/internal/grading"
	"github.com/stemsi/exstem-engine/internal/model"
	"github.com/stemsi/exstem-engine/internal/penalty"
)

// Attempt errors, mapped to response codes by the handler.
var (
	ErrExamNotFound        = errors.New("exam not found")
	ErrAttemptNotFound     = errors.New("attempt not found")
	ErrNotOwner            = errors.New("attempt belongs to another student")
	ErrAttemptCompleted    = errors.New("attempt already completed")
	ErrAttemptInProgress   = errors.New("attempt still in progress")
	ErrAttemptNotStarted   = errors.New("attempt not started")
	ErrNoAttemptsLeft      = errors.New("no attempts left")
	ErrQuestionNotInExam   = errors.New("question does not belong to exam")
	ErrAttemptExamMismatch = errors.New("attempt does not belong to exam")
)

// ExamProvider resolves exam definitions.
type ExamProvider interface {
	GetDefinition(ctx context.Context, id uuid.UUID) (*model.ExamDefinition, error)
}

// ParticipantStore persists attempts.
type ParticipantStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*model.ParticipantAttempt, error)
	LatestByExamAndStudent(ctx context.Context, examID uuid.UUID, studentID int) (*model.ParticipantAttempt, error)
	CountByExamAndStudent(ctx context.Context, examID uuid.UUID, studentID int) (int, error)
	Create(ctx context.Context, p *model.ParticipantAttempt) error
	MarkStarted(ctx context.Context, id uuid.UUID) (time.Time, error)
	Complete(ctx context.Context, id uuid.UUID, p model.Penalties) error
	ListAnswers(ctx context.Context, id uuid.UUID) ([]model.AnswerEntry, error)
}

// AttemptCache is the hot attempt state plus the persistence queues.
type AttemptCache interface {
	SetStart(ctx context.Context, pid uuid.UUID, startedAt time.Time) error
	SaveAnswer(ctx context.Context, job model.AnswerJob) error
	Answers(ctx context.Context, pid uuid.UUID) (map[uuid.UUID]string, error)
	FullscreenExit(ctx context.Context, pid uuid.UUID) (int, error)
	FullscreenReturn(ctx context.Context, pid uuid.UUID) (int, error)
	EnqueueMonitoring(ctx context.Context, job model.MonitoringJob) error
	EnqueueScore(ctx context.Context, job model.ScoreJob) error
	Score(ctx context.Context, pid uuid.UUID) (*model.ScoreJob, error)
}

// AttemptService implements the student attempt lifecycle.
type AttemptService struct {
	exams               ExamProvider
	participants        ParticipantStore
	cache               AttemptCache
	clock               clock.Clock
	fullscreenExitLimit int
	log                 zerolog.Logger
}

// NewAttemptService creates a new AttemptService. fullscreenExitLimit <= 0
// disables cheating detection.
func NewAttemptService(
	exams ExamProvider,
	participants ParticipantStore,
	cache AttemptCache,
	clk clock.Clock,
	fullscreenExitLimit int,
	log zerolog.Logger,
) *AttemptService {
	if clk == nil {
		clk = clock.Real{}
	}
	return &AttemptService{
		exams:               exams,
		participants:        participants,
		cache:               cache,
		clock:               clk,
		fullscreenExitLimit: fullscreenExitLimit,
		log:                 log.With().Str("component", "attempt_service").Logger(),
	}
}

// GetExam returns the exam definition.
func (s *AttemptService) GetExam(ctx context.Context, examID uuid.UUID) (*model.ExamDefinition, error) {
	exam, err := s.exams.GetDefinition(ctx, examID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrExamNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get exam: %w", err)
	}
	return exam, nil
}

// Register creates a new attempt. A student holds at most one unfinished
// attempt per exam and at most exam.MaxAttempts() attempts overall.
func (s *AttemptService) Register(ctx context.Context, examID uuid.UUID, studentID int) (model.RegisterResponse, error) {
	exam, err := s.GetExam(ctx, examID)
	if err != nil {
		return model.RegisterResponse{}, err
	}

	latest, err := s.participants.LatestByExamAndStudent(ctx, examID, studentID)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return model.RegisterResponse{}, fmt.Errorf("latest attempt: %w", err)
	}
	if latest != nil && !latest.Status.Terminal() {
		return model.RegisterResponse{}, ErrAttemptInProgress
	}

	used, err := s.participants.CountByExamAndStudent(ctx, examID, studentID)
	if err != nil {
		return model.RegisterResponse{}, fmt.Errorf("count attempts: %w", err)
	}
	if used >= exam.MaxAttempts() {
		return model.RegisterResponse{}, ErrNoAttemptsLeft
	}

	p := &model.ParticipantAttempt{ExamID: examID, StudentID: studentID, AttemptNumber: used + 1}
	if err := s.participants.Create(ctx, p); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Concurrent registration won the race.
			return model.RegisterResponse{}, ErrAttemptInProgress
		}
		return model.RegisterResponse{}, fmt.Errorf("create attempt: %w", err)
	}

	s.log.Info().
		Str("exam_id", examID.String()).
		Str("participant_id", p.ParticipantID.String()).
		Int("student_id", studentID).
		Int("attempt", p.AttemptNumber).
		Msg("Attempt registered")

	return model.RegisterResponse{
		ParticipantID: p.ParticipantID,
		AttemptsUsed:  p.AttemptNumber,
		MaxAttempts:   exam.MaxAttempts(),
	}, nil
}

// Start moves the student's latest attempt to in_progress. Starting an
// attempt that is already running returns its original start time.
func (s *AttemptService) Start(ctx context.Context, examID uuid.UUID, studentID int) (model.StartResponse, error) {
	latest, err := s.participants.LatestByExamAndStudent(ctx, examID, studentID)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.StartResponse{}, ErrAttemptNotFound
	}
	if err != nil {
		return model.StartResponse{}, fmt.Errorf("latest attempt: %w", err)
	}
	if latest.Status.Terminal() {
		return model.StartResponse{}, ErrAttemptCompleted
	}

	startedAt, err := s.participants.MarkStarted(ctx, latest.ParticipantID)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.StartResponse{}, ErrAttemptCompleted
	}
	if err != nil {
		return model.StartResponse{}, fmt.Errorf("start attempt: %w", err)
	}

	if err := s.cache.SetStart(ctx, latest.ParticipantID, startedAt); err != nil {
		s.log.Warn().Err(err).Str("participant_id", latest.ParticipantID.String()).Msg("Failed to cache start time")
	}

	return model.StartResponse{ParticipantID: latest.ParticipantID, StartedAt: startedAt}, nil
}

// SaveAnswer stores one answer of a running attempt.
func (s *AttemptService) SaveAnswer(ctx context.Context, studentID int, pid, questionID uuid.UUID, answer string) error {
	a, err := s.attempt(ctx, studentID, pid, nil)
	if err != nil {
		return err
	}
	switch {
	case a.Status.Terminal():
		return ErrAttemptCompleted
	case a.Status == model.AttemptRegistered:
		return ErrAttemptNotStarted
	}

	exam, err := s.GetExam(ctx, a.ExamID)
	if err != nil {
		return err
	}
	if _, ok := exam.Question(questionID); !ok {
		return ErrQuestionNotInExam
	}

	job := model.AnswerJob{ParticipantID: pid, QuestionID: questionID, Answer: answer, SavedAt: s.clock.Now()}
	if err := s.cache.SaveAnswer(ctx, job); err != nil {
		return fmt.Errorf("save answer: %w", err)
	}
	return nil
}

// Answers lists the saved answers of an attempt in question order. examID,
// when set, must be the attempt's exam.
func (s *AttemptService) Answers(ctx context.Context, studentID int, examID *uuid.UUID, pid uuid.UUID) ([]model.AnswerEntry, error) {
	a, err := s.attempt(ctx, studentID, pid, examID)
	if err != nil {
		return nil, err
	}
	exam, err := s.GetExam(ctx, a.ExamID)
	if err != nil {
		return nil, err
	}

	byQuestion, err := s.answerMap(ctx, pid)
	if err != nil {
		return nil, err
	}

	out := make([]model.AnswerEntry, 0, len(byQuestion))
	for _, q := range exam.Questions {
		if text, ok := byQuestion[q.ID]; ok {
			out = append(out, model.AnswerEntry{QuestionID: q.ID, Answer: text})
		}
	}
	return out, nil
}

// answerMap reads answers from Redis, falling back to PostgreSQL when the hot
// state is gone.
func (s *AttemptService) answerMap(ctx context.Context, pid uuid.UUID) (map[uuid.UUID]string, error) {
	cached, err := s.cache.Answers(ctx, pid)
	if err == nil && len(cached) > 0 {
		return cached, nil
	}
	if err != nil {
		s.log.Warn().Err(err).Str("participant_id", pid.String()).Msg("Answer cache read failed, using database")
	}

	stored, err := s.participants.ListAnswers(ctx, pid)
	if err != nil {
		return nil, fmt.Errorf("list answers: %w", err)
	}
	out := make(map[uuid.UUID]string, len(stored))
	for _, e := range stored {
		out[e.QuestionID] = e.Answer
	}
	return out, nil
}

// FullscreenExit counts a fullscreen exit and reports cheating once the exits
// exceed the configured limit.
func (s *AttemptService) FullscreenExit(ctx context.Context, studentID int, pid uuid.UUID) (model.FullscreenResponse, error) {
	a, err := s.attempt(ctx, studentID, pid, nil)
	if err != nil {
		return model.FullscreenResponse{}, err
	}
	if a.Status.Terminal() {
		return model.FullscreenResponse{}, ErrAttemptCompleted
	}

	exits, err := s.cache.FullscreenExit(ctx, pid)
	if err != nil {
		return model.FullscreenResponse{}, fmt.Errorf("count fullscreen exit: %w", err)
	}

	resp := model.FullscreenResponse{Exits: exits}
	if s.fullscreenExitLimit > 0 && exits > s.fullscreenExitLimit {
		resp.CheatingDetected = true
		resp.RedirectTo = ResultPath(pid)
		s.log.Warn().
			Str("participant_id", pid.String()).
			Int("exits", exits).
			Msg("Fullscreen exit limit exceeded")
	}
	return resp, nil
}

// FullscreenReturn records the return to fullscreen.
func (s *AttemptService) FullscreenReturn(ctx context.Context, studentID int, pid uuid.UUID) (model.FullscreenResponse, error) {
	if _, err := s.attempt(ctx, studentID, pid, nil); err != nil {
		return model.FullscreenResponse{}, err
	}
	exits, err := s.cache.FullscreenReturn(ctx, pid)
	if err != nil {
		return model.FullscreenResponse{}, fmt.Errorf("fullscreen return: %w", err)
	}
	return model.FullscreenResponse{Exits: exits}, nil
}

// LogMonitoring queues a proctoring event.
func (s *AttemptService) LogMonitoring(ctx context.Context, studentID int, req model.MonitoringLogRequest) error {
	if _, err := s.attempt(ctx, studentID, req.ParticipantID, nil); err != nil {
		return err
	}

	job := model.MonitoringJob{
		ParticipantID: req.ParticipantID,
		EventType:     req.EventType,
		RecordedAt:    s.clock.Now(),
	}
	if len(req.EventData) > 0 {
		raw, err := json.Marshal(req.EventData)
		if err != nil {
			return fmt.Errorf("marshal event data: %w", err)
		}
		job.EventData = raw
	}

	if err := s.cache.EnqueueMonitoring(ctx, job); err != nil {
		return fmt.Errorf("enqueue monitoring: %w", err)
	}
	return nil
}

// Complete records completion and penalties. With a score in the request the
// score is stored as given; otherwise the server grades every question and
// returns the evaluation. Completing twice is allowed and keeps the first
// completion time.
func (s *AttemptService) Complete(ctx context.Context, studentID int, examID *uuid.UUID, pid uuid.UUID, req model.CompleteRequest) (model.CompleteResponse, error) {
	a, err := s.attempt(ctx, studentID, pid, examID)
	if err != nil {
		return model.CompleteResponse{}, err
	}
	exam, err := s.GetExam(ctx, a.ExamID)
	if err != nil {
		return model.CompleteResponse{}, err
	}

	if err := s.participants.Complete(ctx, pid, req.Penalties); err != nil {
		return model.CompleteResponse{}, fmt.Errorf("complete attempt: %w", err)
	}

	resp := model.CompleteResponse{RedirectTo: ResultPath(pid)}
	job := model.ScoreJob{ParticipantID: pid, PenaltyPercentage: req.Penalties.PenaltyPercentage}

	if req.Score != nil {
		job.FinalScore = *req.Score
		job.OriginalScore = *req.Score
		if req.OriginalScore != nil {
			job.OriginalScore = *req.OriginalScore
		}
	} else {
		answers, err := s.answerMap(ctx, pid)
		if err != nil {
			return model.CompleteResponse{}, err
		}
		details, original := evaluate(exam, answers)
		fs := penalty.Apply(original, req.Penalties.PenaltyPercentage)
		job.OriginalScore = fs.OriginalScore
		job.FinalScore = fs.FinalScore
		resp.EvaluationDetails = details
	}

	if err := s.cache.EnqueueScore(ctx, job); err != nil {
		return model.CompleteResponse{}, fmt.Errorf("enqueue score: %w", err)
	}

	s.log.Info().
		Str("participant_id", pid.String()).
		Float64("original_score", job.OriginalScore).
		Float64("final_score", job.FinalScore).
		Float64("penalty_percentage", job.PenaltyPercentage).
		Bool("server_graded", req.Score == nil).
		Msg("Attempt completed")

	return resp, nil
}

// evaluate grades every question of the exam against the given answers.
func evaluate(exam *model.ExamDefinition, answers map[uuid.UUID]string) ([]model.EvaluationDetail, float64) {
	details := make([]model.EvaluationDetail, 0, len(exam.Questions))
	var total float64
	for _, q := range exam.Questions {
		res, _ := grading.Local(q, answers[q.ID])
		details = append(details, model.EvaluationDetail{
			QuestionID: q.ID,
			Score:      res.Score,
			MaxPoints:  res.MaxPoints,
			Similarity: res.Similarity,
			Feedback:   res.Feedback,
		})
		total += res.Score
	}
	return details, total
}

// Grade scores one answer against the question's reference.
func (s *AttemptService) Grade(ctx context.Context, studentID int, examID *uuid.UUID, pid, questionID uuid.UUID, answer string) (model.GradeResponse, error) {
	a, err := s.attempt(ctx, studentID, pid, examID)
	if err != nil {
		return model.GradeResponse{}, err
	}
	exam, err := s.GetExam(ctx, a.ExamID)
	if err != nil {
		return model.GradeResponse{}, err
	}
	q, ok := exam.Question(questionID)
	if !ok {
		return model.GradeResponse{}, ErrQuestionNotInExam
	}

	res, err := grading.Local(q, answer)
	if err != nil {
		return model.GradeResponse{}, fmt.Errorf("grade: %w", err)
	}
	return model.GradeResponse{
		Score:      res.Score,
		MaxPoints:  res.MaxPoints,
		Similarity: res.Similarity,
		Feedback:   res.Feedback,
	}, nil
}

// Result returns the reconciled result of a completed attempt.
func (s *AttemptService) Result(ctx context.Context, studentID int, pid uuid.UUID) (model.ResultResponse, error) {
	a, err := s.attempt(ctx, studentID, pid, nil)
	if err != nil {
		return model.ResultResponse{}, err
	}
	if !a.Status.Terminal() {
		return model.ResultResponse{}, ErrAttemptInProgress
	}
	exam, err := s.GetExam(ctx, a.ExamID)
	if err != nil {
		return model.ResultResponse{}, err
	}

	res := model.ResultResponse{
		ParticipantID:     pid,
		ExamID:            exam.ID,
		ExamTitle:         exam.Title,
		Status:            a.Status,
		AttemptNumber:     a.AttemptNumber,
		PenaltyPercentage: a.PenaltyPercentage,
		TotalPoints:       exam.Points(),
		TabSwitches:       a.TabSwitches,
		FullscreenExits:   a.FullscreenExits,
		CompletedAt:       a.CompletedAt,
	}

	switch {
	case a.Score != nil:
		res.FinalScore = *a.Score
		res.OriginalScore = res.FinalScore
		if a.OriginalScore != nil {
			res.OriginalScore = *a.OriginalScore
		}
	default:
		// The scoring worker has not flushed yet.
		cached, err := s.cache.Score(ctx, pid)
		if err != nil {
			s.log.Warn().Err(err).Str("participant_id", pid.String()).Msg("Score cache read failed")
		}
		if cached != nil {
			res.OriginalScore = cached.OriginalScore
			res.FinalScore = cached.FinalScore
			res.PenaltyPercentage = cached.PenaltyPercentage
		}
	}
	res.Passed = res.FinalScore >= exam.PassingScore
	return res, nil
}

// attempt loads an attempt owned by studentID, optionally checking its exam.
func (s *AttemptService) attempt(ctx context.Context, studentID int, pid uuid.UUID, examID *uuid.UUID) (*model.ParticipantAttempt, error) {
	a, err := s.participants.GetByID(ctx, pid)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAttemptNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get attempt: %w", err)
	}
	if !a.OwnedBy(studentID) {
		return nil, ErrNotOwner
	}
	if examID != nil && *examID != a.ExamID {
		return nil, ErrAttemptExamMismatch
	}
	return a, nil
}

// ResultPath is where clients are sent to view an attempt's result.
func ResultPath(pid uuid.UUID) string {
	return "/exams/" + pid.String() + "/results"
}
