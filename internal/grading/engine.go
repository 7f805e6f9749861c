// Package grading scores answers remotely when the server can, locally
// otherwise, and never fails an attempt for lack of a grade.
package grading

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-engine/internal/examapi"
	"github.com/stemsi/exstem-engine/internal/fallback"
	"github.com/stemsi/exstem-engine/internal/model"
	"github.com/stemsi/exstem-engine/internal/similarity"
)

// ErrUnknownQuestion is returned by the local grader for IDs not in the exam.
var ErrUnknownQuestion = errors.New("grading: unknown question")

// Remote grades one answer on the server.
type Remote interface {
	Grade(ctx context.Context, route examapi.GradeRoute, examID, participantID, questionID uuid.UUID, answer string) (model.GradeResponse, error)
}

// PlaceholderMode selects the score used when every grading path failed.
type PlaceholderMode string

const (
	// PlaceholderZero awards nothing.
	PlaceholderZero PlaceholderMode = "zero"
	// PlaceholderRandom awards 50–80% of max points, as legacy clients did.
	PlaceholderRandom PlaceholderMode = "random"
)

// LocalFunc grades an answer without the network.
type LocalFunc func(q model.Question, answer string) (model.GradingResult, error)

// Option configures an Engine.
type Option func(*config)

type config struct {
	placeholder PlaceholderMode
	rand        func() float64
	local       LocalFunc
}

// WithPlaceholder sets the placeholder mode.
func WithPlaceholder(m PlaceholderMode) Option { return func(c *config) { c.placeholder = m } }

// WithRand overrides the random source used by PlaceholderRandom.
func WithRand(fn func() float64) Option { return func(c *config) { c.rand = fn } }

// WithLocal replaces the local similarity grader.
func WithLocal(fn LocalFunc) Option { return func(c *config) { c.local = fn } }

// Engine grades the questions of one exam for one participant.
type Engine struct {
	remote Remote
	exam   model.ExamDefinition
	pid    uuid.UUID
	cfg    config
	log    zerolog.Logger
}

// NewEngine creates an Engine. remote may be nil to grade locally only.
func NewEngine(remote Remote, exam model.ExamDefinition, participantID uuid.UUID, log zerolog.Logger, opts ...Option) *Engine {
	cfg := config{placeholder: PlaceholderZero, rand: rand.Float64, local: Local}
	for _, o := range opts {
		o(&cfg)
	}
	return &Engine{
		remote: remote,
		exam:   exam,
		pid:    participantID,
		cfg:    cfg,
		log:    log.With().Str("component", "grading").Str("participant_id", participantID.String()).Logger(),
	}
}

// GradeQuestion grades one answer. It tries the question-scoped remote
// route, then the participant-scoped one, then the local similarity grader,
// and finally a placeholder. It always returns a result.
func (e *Engine) GradeQuestion(ctx context.Context, questionID uuid.UUID, answer string) model.GradingResult {
	q, known := e.exam.Question(questionID)
	if !known {
		q = model.Question{ID: questionID}
	}
	log := e.log.With().Str("question_id", questionID.String()).Logger()

	if strings.TrimSpace(answer) == "" {
		return model.GradingResult{
			QuestionID: questionID,
			MaxPoints:  q.Points(),
			Feedback:   "No answer submitted.",
			Source:     model.GradeLocalFallback,
		}
	}

	if e.remote != nil {
		remote := fallback.Chain[model.GradingResult]{
			Strategies: []fallback.Strategy[model.GradingResult]{
				e.remoteStrategy(q, examapi.GradeQuestionScoped, answer),
				e.remoteStrategy(q, examapi.GradeParticipantScoped, answer),
			},
			Abort: examapi.IsUnauthorized,
			OnFailure: func(name string, err error) {
				log.Warn().Err(err).Str("strategy", name).Msg("Remote grading failed")
			},
		}
		if res, _, err := remote.Run(ctx); err == nil {
			return res
		}
	}

	local := fallback.Chain[model.GradingResult]{
		Strategies: []fallback.Strategy[model.GradingResult]{
			{Name: "local", Run: func(context.Context) (model.GradingResult, error) {
				if !known {
					return model.GradingResult{}, fmt.Errorf("%w: %s", ErrUnknownQuestion, questionID)
				}
				return e.gradeLocal(q, answer)
			}},
			{Name: "placeholder", Run: func(context.Context) (model.GradingResult, error) {
				return e.placeholder(q), nil
			}},
		},
		OnFailure: func(name string, err error) {
			log.Error().Err(err).Str("strategy", name).Msg("Local grading failed, using placeholder")
		},
	}
	// Local strategies ignore cancellation; a result is always produced.
	res, name, _ := local.Run(context.WithoutCancel(ctx))
	log.Debug().Str("strategy", name).Float64("score", res.Score).Msg("Graded locally")
	return res
}

func (e *Engine) remoteStrategy(q model.Question, route examapi.GradeRoute, answer string) fallback.Strategy[model.GradingResult] {
	return fallback.Strategy[model.GradingResult]{
		Name: "remote " + route.String(),
		Run: func(ctx context.Context) (model.GradingResult, error) {
			res, err := e.remote.Grade(ctx, route, e.exam.ID, e.pid, q.ID, answer)
			if err != nil {
				return model.GradingResult{}, err
			}
			maxPoints := res.MaxPoints
			if maxPoints <= 0 {
				maxPoints = q.Points()
			}
			return model.GradingResult{
				QuestionID: q.ID,
				Score:      clamp(res.Score, 0, maxPoints),
				MaxPoints:  maxPoints,
				Similarity: clamp(res.Similarity, 0, 100),
				Feedback:   res.Feedback,
				Source:     model.GradeRemote,
			}, nil
		},
	}
}

// gradeLocal runs the local grader, converting a panic into an error.
func (e *Engine) gradeLocal(q model.Question, answer string) (res model.GradingResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("local grader panic: %v", r)
		}
	}()
	return e.cfg.local(q, answer)
}

func (e *Engine) placeholder(q model.Question) model.GradingResult {
	res := model.GradingResult{
		QuestionID: q.ID,
		MaxPoints:  q.Points(),
		Feedback:   "Automatic grading unavailable; score pending review.",
		Source:     model.GradePlaceholder,
	}
	if e.cfg.placeholder == PlaceholderRandom {
		res.Score = (0.5 + e.cfg.rand()*0.3) * res.MaxPoints
	}
	return res
}

// Local grades an answer with the similarity scorer against the question's
// reference answer and keywords.
func Local(q model.Question, answer string) (model.GradingResult, error) {
	sim := similarity.Score(answer, q.ReferenceAnswer, q.Keywords)
	maxPoints := q.Points()
	return model.GradingResult{
		QuestionID: q.ID,
		Score:      similarity.Points(sim.Similarity, maxPoints),
		MaxPoints:  maxPoints,
		Similarity: sim.Similarity,
		Feedback:   Feedback(sim),
		Source:     model.GradeLocalFallback,
	}, nil
}

// Feedback renders a short explanation of a similarity result.
func Feedback(r similarity.Result) string {
	var b strings.Builder
	if r.TotalKeywords > 0 {
		fmt.Fprintf(&b, "Matched %d of %d key terms. ", r.KeywordsMatched, r.TotalKeywords)
	}
	switch {
	case r.Similarity >= 80:
		b.WriteString("Answer closely matches the expected response.")
	case r.Similarity >= 50:
		b.WriteString("Answer partially matches the expected response.")
	case r.Similarity > 0:
		b.WriteString("Answer covers few of the expected points.")
	default:
		b.WriteString("Answer does not match the expected response.")
	}
	return b.String()
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
