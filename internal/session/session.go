// Package session ties the engine together for one exam attempt: it
// registers and starts the attempt, runs the countdown and proctoring, and
// routes every way of finishing through a single submission.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-engine/internal/answers"
	"github.com/stemsi/exstem-engine/internal/clock"
	"github.com/stemsi/exstem-engine/internal/config"
	"github.com/stemsi/exstem-engine/internal/examapi"
	"github.com/stemsi/exstem-engine/internal/grading"
	"github.com/stemsi/exstem-engine/internal/model"
	"github.com/stemsi/exstem-engine/internal/penalty"
	"github.com/stemsi/exstem-engine/internal/proctor"
	"github.com/stemsi/exstem-engine/internal/submission"
	"github.com/stemsi/exstem-engine/internal/timer"
)

// Server error codes the session reacts to.
const (
	codeNoAttemptsLeft    = "NO_ATTEMPTS_LEFT"
	codeAttemptInProgress = "ATTEMPT_IN_PROGRESS"
)

var (
	// ErrNoAttemptsLeft means the student used every allowed attempt.
	ErrNoAttemptsLeft = errors.New("session: no attempts left")
	// ErrNoParticipant means the attempt could not be started.
	ErrNoParticipant = errors.New("session: no participant id")
	// ErrSubmitted rejects answer changes after submission began.
	ErrSubmitted = errors.New("session: attempt already submitted")
)

// API is everything the engine calls on the exam backend.
type API interface {
	GetExam(ctx context.Context, examID uuid.UUID) (model.ExamDefinition, error)
	Register(ctx context.Context, examID uuid.UUID) (model.RegisterResponse, error)
	Start(ctx context.Context, examID uuid.UUID) (model.StartResponse, error)
	answers.API
	grading.Remote
	submission.Completer
	proctor.Reporter
}

// Config aggregates the engine settings.
type Config struct {
	Answers     answers.Config
	Proctor     proctor.Config
	Submission  submission.Config
	Placeholder grading.PlaceholderMode
}

// DefaultConfig returns the standard engine policy.
func DefaultConfig() Config {
	return Config{
		Answers:     answers.DefaultConfig(),
		Proctor:     proctor.DefaultConfig(),
		Submission:  submission.DefaultConfig(),
		Placeholder: grading.PlaceholderZero,
	}
}

// ConfigFrom maps environment configuration onto engine settings.
func ConfigFrom(c *config.EngineConfig) Config {
	placeholder := grading.PlaceholderZero
	if c.PlaceholderMode == string(grading.PlaceholderRandom) {
		placeholder = grading.PlaceholderRandom
	}
	return Config{
		Answers: answers.Config{MaxRetries: c.SaveMaxRetries, Cooldown: c.SaveRetryCooldown},
		Proctor: proctor.Config{TabSwitchThreshold: c.TabSwitchThreshold, ForcedSubmitDelay: c.ForcedSubmitDelay},
		Submission: submission.Config{
			Penalty:             penalty.Policy{TabSwitch: c.PenaltyTabSwitch, FullscreenExit: c.PenaltyFullscreenExit},
			FullscreenExitGrace: c.FullscreenExitGrace,
		},
		Placeholder: placeholder,
	}
}

// Hooks lets the host observe the attempt. All fields are optional.
type Hooks struct {
	OnTick         func(remaining time.Duration)
	OnWarning      func(proctor.Warning)
	OnPhase        func(submission.Phase)
	OnFinished     func(model.AttemptResult)
	ExitFullscreen func()
}

// Options configures Open.
type Options struct {
	Config Config
	Clock  clock.Clock
	// Signals feeds the proctoring monitor; nil disables signal intake.
	Signals proctor.Source
	Hooks   Hooks
}

// Session is one running exam attempt.
type Session struct {
	exam          model.ExamDefinition
	participantID uuid.UUID
	registration  model.RegisterResponse
	log           zerolog.Logger

	violations  *model.ViolationLog
	store       *answers.Store
	coordinator *submission.Coordinator
	monitor     *proctor.Monitor
	timer       *timer.Timer
	hooks       Hooks

	closeOnce  sync.Once
	finishOnce sync.Once
}

// Open loads the exam, registers, starts the attempt, restores saved
// answers and arms the timer and proctoring.
func Open(ctx context.Context, api API, examID uuid.UUID, opts Options, log zerolog.Logger) (*Session, error) {
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	log = log.With().Str("component", "session").Str("exam_id", examID.String()).Logger()

	exam, err := api.GetExam(ctx, examID)
	if err != nil {
		return nil, fmt.Errorf("load exam: %w", err)
	}

	reg, err := register(ctx, api, exam, log)
	if err != nil {
		return nil, err
	}

	started, err := start(ctx, api, examID, log)
	if err != nil {
		return nil, err
	}

	s := &Session{
		exam:          exam,
		participantID: started.ParticipantID,
		registration:  reg,
		log:           log.With().Str("participant_id", started.ParticipantID.String()).Logger(),
		violations:    model.NewViolationLog(),
		hooks:         opts.Hooks,
	}

	s.store = answers.New(api, exam, s.participantID, opts.Config.Answers, opts.Clock, log)
	if _, err := s.store.LoadExisting(ctx); err != nil {
		s.log.Warn().Err(err).Msg("Starting without saved answers")
	}

	engine := grading.NewEngine(api, exam, s.participantID, log, grading.WithPlaceholder(opts.Config.Placeholder))

	s.coordinator = submission.New(submission.Params{
		Config:         opts.Config.Submission,
		Exam:           exam,
		ParticipantID:  s.participantID,
		Answers:        s.store,
		Grader:         engine,
		API:            api,
		Violations:     s.violations,
		Clock:          opts.Clock,
		OnPhase:        opts.Hooks.OnPhase,
		ExitFullscreen: opts.Hooks.ExitFullscreen,
	}, log)

	s.monitor = proctor.NewMonitor(proctor.Params{
		Config:        opts.Config.Proctor,
		ParticipantID: s.participantID,
		Violations:    s.violations,
		Submission:    s.coordinator,
		Reporter:      api,
		Clock:         opts.Clock,
		ForceSubmit:   func() { s.submitInBackground(model.SubmitViolations) },
		OnWarning:     opts.Hooks.OnWarning,
	}, log)

	timerOpts := []timer.Option{timer.WithTick(timer.DefaultTickInterval, opts.Hooks.OnTick)}
	if !started.StartedAt.IsZero() {
		deadline := started.StartedAt.Add(time.Duration(exam.DurationMinutes) * time.Minute)
		timerOpts = append(timerOpts, timer.WithDeadline(deadline))
	}
	s.timer = timer.ForExam(opts.Clock, exam.DurationMinutes, func() {
		s.log.Info().Msg("Time is up")
		s.submitInBackground(model.SubmitTimeout)
	}, timerOpts...)

	if opts.Signals != nil {
		s.monitor.Attach(opts.Signals)
	}
	s.timer.Start()

	s.log.Info().
		Str("title", exam.Title).
		Int("questions", len(exam.Questions)).
		Int("attempts_used", reg.AttemptsUsed).
		Int("max_attempts", reg.MaxAttempts).
		Dur("remaining", s.timer.Remaining()).
		Msg("Attempt opened")
	return s, nil
}

func register(ctx context.Context, api API, exam model.ExamDefinition, log zerolog.Logger) (model.RegisterResponse, error) {
	reg, err := api.Register(ctx, exam.ID)
	if err == nil {
		// With retakes allowed the server enforces its own retake limit.
		if !exam.AllowRetakes && reg.MaxAttempts > 0 && reg.AttemptsUsed > reg.MaxAttempts {
			return reg, ErrNoAttemptsLeft
		}
		return reg, nil
	}

	var apiErr *examapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case codeNoAttemptsLeft:
			return reg, fmt.Errorf("%w: %s", ErrNoAttemptsLeft, apiErr.Message)
		case codeAttemptInProgress:
			log.Info().Msg("Resuming attempt already in progress")
			return reg, nil
		}
	}
	if examapi.IsUnauthorized(err) {
		return reg, fmt.Errorf("register: %w", err)
	}
	// Start decides whether the attempt really exists.
	log.Warn().Err(err).Msg("Registration failed, trying to start anyway")
	return reg, nil
}

// start starts the attempt, retrying once.
func start(ctx context.Context, api API, examID uuid.UUID, log zerolog.Logger) (model.StartResponse, error) {
	var lastErr error
	for attempt := 1; attempt <= 2; attempt++ {
		res, err := api.Start(ctx, examID)
		if err == nil && res.ParticipantID != uuid.Nil {
			return res, nil
		}
		if err == nil {
			err = errors.New("empty participant id")
		}
		lastErr = err
		log.Warn().Err(err).Int("attempt", attempt).Msg("Starting attempt failed")
		if examapi.IsUnauthorized(err) || ctx.Err() != nil {
			break
		}
	}
	return model.StartResponse{}, fmt.Errorf("%w: %v", ErrNoParticipant, lastErr)
}

func (s *Session) submitInBackground(reason model.SubmitReason) {
	go func() {
		if _, err := s.Submit(context.Background(), reason); err != nil {
			s.log.Error().Err(err).Msg("Background submission failed")
		}
	}()
}

// Submit completes the attempt. Every trigger (manual, timeout, violations)
// funnels here; only the first reason is recorded.
func (s *Session) Submit(ctx context.Context, reason model.SubmitReason) (model.AttemptResult, error) {
	res, err := s.coordinator.Submit(ctx, reason)
	if err != nil {
		return res, err
	}
	s.Close()
	if s.hooks.OnFinished != nil {
		s.finishOnce.Do(func() { s.hooks.OnFinished(res) })
	}
	return res, nil
}

// SetAnswer updates the in-memory answer of a question.
func (s *Session) SetAnswer(questionID uuid.UUID, text string) error {
	if s.coordinator.Started() {
		return ErrSubmitted
	}
	return s.store.SetAnswer(questionID, text)
}

// Save persists one answer, e.g. when the student navigates away from it.
func (s *Session) Save(ctx context.Context, questionID uuid.UUID) (model.AnswerRecord, error) {
	if s.coordinator.Started() {
		return model.AnswerRecord{}, ErrSubmitted
	}
	return s.store.Save(ctx, questionID)
}

// Close stops the timer and detaches proctoring. Safe to call repeatedly.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.timer.Stop()
		s.monitor.Detach()
		s.log.Debug().Msg("Session closed")
	})
}

// Wait blocks until in-flight proctoring reports finish or ctx ends.
func (s *Session) Wait(ctx context.Context) error { return s.monitor.Wait(ctx) }

// Exam returns the exam definition.
func (s *Session) Exam() model.ExamDefinition { return s.exam }

// ParticipantID returns the attempt identity.
func (s *Session) ParticipantID() uuid.UUID { return s.participantID }

// Registration returns the attempt counters reported on registration.
func (s *Session) Registration() model.RegisterResponse { return s.registration }

// Records returns the answer records in question order.
func (s *Session) Records() []model.AnswerRecord { return s.store.Records() }

// Violations returns the attempt's violation log.
func (s *Session) Violations() *model.ViolationLog { return s.violations }

// HandleSignal feeds a signal to the proctoring monitor directly.
func (s *Session) HandleSignal(sig proctor.Signal) { s.monitor.Handle(sig) }

// ProctorState returns the monitor state.
func (s *Session) ProctorState() proctor.State { return s.monitor.State() }

// Phase returns the submission phase.
func (s *Session) Phase() submission.Phase { return s.coordinator.Phase() }

// Remaining returns the time left on the countdown.
func (s *Session) Remaining() time.Duration { return s.timer.Remaining() }

// Done is closed once the attempt reached its final result.
func (s *Session) Done() <-chan struct{} { return s.coordinator.Done() }

// Result returns the final result once Done is closed.
func (s *Session) Result() (model.AttemptResult, bool) { return s.coordinator.Result() }
