// Package submission completes an attempt: it flushes answers, completes the
// attempt on the server, grades, applies penalties and records the final
// score.
package submission

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/stemsi/exstem-engine/internal/clock"
	"github.com/stemsi/exstem-engine/internal/examapi"
	"github.com/stemsi/exstem-engine/internal/fallback"
	"github.com/stemsi/exstem-engine/internal/model"
	"github.com/stemsi/exstem-engine/internal/penalty"
)

// Phase is a step of the completion pipeline. Phases only move forward.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseSavingAnswers
	PhaseCompleting
	PhaseGrading
	PhaseFinalizing
	PhaseDone
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseSavingAnswers:
		return "saving-answers"
	case PhaseCompleting:
		return "completing"
	case PhaseGrading:
		return "grading"
	case PhaseFinalizing:
		return "finalizing"
	case PhaseDone:
		return "done"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Gate is the single-writer guard of an attempt's submission.
type Gate struct{ started atomic.Bool }

// TryStart claims the gate. Only the first call returns true.
func (g *Gate) TryStart() bool { return g.started.CompareAndSwap(false, true) }

// Started reports whether the gate has been claimed.
func (g *Gate) Started() bool { return g.started.Load() }

// Answers is the answer store as seen by the coordinator.
type Answers interface {
	SaveAll(ctx context.Context) error
	Records() []model.AnswerRecord
}

// Grader grades one answer and always returns a result.
type Grader interface {
	GradeQuestion(ctx context.Context, questionID uuid.UUID, answer string) model.GradingResult
}

// Completer completes an attempt on the server.
type Completer interface {
	Complete(ctx context.Context, route examapi.CompleteRoute, examID, participantID uuid.UUID, req model.CompleteRequest) (model.CompleteResponse, error)
}

// Config holds submission settings.
type Config struct {
	Penalty             penalty.Policy
	FullscreenExitGrace time.Duration
}

// DefaultConfig uses the default penalty policy and a 3s grace period.
func DefaultConfig() Config {
	return Config{Penalty: penalty.DefaultPolicy(), FullscreenExitGrace: 3 * time.Second}
}

// Params groups the collaborators of a Coordinator.
type Params struct {
	Config        Config
	Exam          model.ExamDefinition
	ParticipantID uuid.UUID
	Answers       Answers
	Grader        Grader
	API           Completer // optional
	Violations    *model.ViolationLog
	Clock         clock.Clock
	// OnPhase observes every phase transition.
	OnPhase func(Phase)
	// ExitFullscreen runs once the grace period after completion elapses.
	ExitFullscreen func()
}

// Coordinator runs the completion pipeline of one attempt exactly once.
type Coordinator struct {
	p    Params
	gate Gate
	log  zerolog.Logger

	mu     sync.Mutex
	phase  Phase
	result model.AttemptResult
	done   chan struct{}
}

// New creates a Coordinator in PhaseIdle.
func New(p Params, log zerolog.Logger) *Coordinator {
	if p.Violations == nil {
		p.Violations = model.NewViolationLog()
	}
	if p.Clock == nil {
		p.Clock = clock.Real{}
	}
	return &Coordinator{
		p: p,
		log: log.With().
			Str("component", "submission").
			Str("exam_id", p.Exam.ID.String()).
			Str("participant_id", p.ParticipantID.String()).
			Logger(),
		done: make(chan struct{}),
	}
}

// Started reports whether submission has begun. Timer expiry and forced
// submission become no-ops once it returns true.
func (c *Coordinator) Started() bool { return c.gate.Started() }

// Phase returns the current phase.
func (c *Coordinator) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// Done is closed when the pipeline reached PhaseDone.
func (c *Coordinator) Done() <-chan struct{} { return c.done }

// Result returns the attempt result and whether it is available yet.
func (c *Coordinator) Result() (model.AttemptResult, bool) {
	select {
	case <-c.done:
		return c.result, true
	default:
		return model.AttemptResult{}, false
	}
}

// Submit runs the pipeline. Concurrent and later calls wait for the first
// run and return its result; reason is only recorded by the first call.
// Remote failures degrade to local computation, so the only error is ctx
// ending while waiting on another caller's run.
func (c *Coordinator) Submit(ctx context.Context, reason model.SubmitReason) (model.AttemptResult, error) {
	if !c.gate.TryStart() {
		select {
		case <-c.done:
			return c.result, nil
		case <-ctx.Done():
			return model.AttemptResult{}, ctx.Err()
		}
	}

	c.log.Info().Str("reason", string(reason)).Msg("Submitting attempt")
	start := c.p.Clock.Now()

	c.setPhase(PhaseSavingAnswers)
	if c.p.Answers != nil {
		if err := c.p.Answers.SaveAll(ctx); err != nil {
			c.log.Warn().Err(err).Msg("Some answers could not be saved")
		}
	}

	c.setPhase(PhaseCompleting)
	penalties := model.Penalties{
		TabSwitches:       c.p.Violations.TabSwitches(),
		FullscreenExits:   c.p.Violations.FullscreenExits(),
		PenaltyPercentage: c.p.Config.Penalty.FromLog(c.p.Violations),
	}
	completion, route, completed := c.complete(ctx, model.CompleteRequest{Penalties: penalties}, nil)

	c.setPhase(PhaseGrading)
	results := c.grade(ctx, completion.EvaluationDetails)

	c.setPhase(PhaseFinalizing)
	var original float64
	for _, r := range results {
		original += r.Score
	}
	final := penalty.Apply(original, penalties.PenaltyPercentage)

	reconcile := model.CompleteRequest{
		Penalties:     penalties,
		Score:         &final.FinalScore,
		OriginalScore: &final.OriginalScore,
		Feedbacks:     results,
	}
	persisted, _, ok := c.complete(ctx, reconcile, route)
	if ok {
		completed = true
		if persisted.RedirectTo != "" {
			completion.RedirectTo = persisted.RedirectTo
		}
	}

	c.mu.Lock()
	c.result = model.AttemptResult{
		FinalScore:      final,
		ExamID:          c.p.Exam.ID,
		ParticipantID:   c.p.ParticipantID,
		Reason:          reason,
		TabSwitches:     penalties.TabSwitches,
		FullscreenExits: penalties.FullscreenExits,
		PerQuestion:     results,
		Completed:       completed,
		RedirectTo:      completion.RedirectTo,
	}
	c.mu.Unlock()

	c.setPhase(PhaseDone)
	close(c.done)

	c.log.Info().
		Float64("original_score", final.OriginalScore).
		Float64("penalty_percentage", final.PenaltyPercentage).
		Float64("final_score", final.FinalScore).
		Bool("server_acknowledged", completed).
		Dur("took", c.p.Clock.Now().Sub(start)).
		Msg("Attempt submitted")

	if c.p.ExitFullscreen != nil {
		c.p.Clock.AfterFunc(c.p.Config.FullscreenExitGrace, c.p.ExitFullscreen)
	}
	return c.result, nil
}

func (c *Coordinator) setPhase(p Phase) {
	c.mu.Lock()
	if p <= c.phase {
		c.mu.Unlock()
		return
	}
	c.phase = p
	c.mu.Unlock()

	c.log.Debug().Str("phase", p.String()).Msg("Submission phase")
	if c.p.OnPhase != nil {
		c.p.OnPhase(p)
	}
}

var completeRoutes = []examapi.CompleteRoute{
	examapi.CompleteExamScoped,
	examapi.CompleteParticipantScoped,
	examapi.CompleteAttemptScoped,
}

// complete sends req through the complete routes in order, starting with
// preferred when set. It reports the route that succeeded.
func (c *Coordinator) complete(ctx context.Context, req model.CompleteRequest, preferred *examapi.CompleteRoute) (model.CompleteResponse, *examapi.CompleteRoute, bool) {
	if c.p.API == nil {
		return model.CompleteResponse{}, nil, false
	}

	routes := completeRoutes
	if preferred != nil {
		routes = []examapi.CompleteRoute{*preferred}
		for _, r := range completeRoutes {
			if r != *preferred {
				routes = append(routes, r)
			}
		}
	}

	type outcome struct {
		resp  model.CompleteResponse
		route examapi.CompleteRoute
	}
	chain := fallback.Chain[outcome]{
		Abort: examapi.IsUnauthorized,
		OnFailure: func(name string, err error) {
			c.log.Warn().Err(err).Str("strategy", name).Msg("Complete call failed")
		},
	}
	for _, r := range routes {
		chain.Strategies = append(chain.Strategies, fallback.Strategy[outcome]{
			Name: r.String(),
			Run: func(ctx context.Context) (outcome, error) {
				resp, err := c.p.API.Complete(ctx, r, c.p.Exam.ID, c.p.ParticipantID, req)
				return outcome{resp: resp, route: r}, err
			},
		})
	}

	out, _, err := chain.Run(ctx)
	if err != nil {
		c.log.Warn().Err(err).Msg("Attempt completion not acknowledged, continuing locally")
		return model.CompleteResponse{}, nil, false
	}
	return out.resp, &out.route, true
}

// grade builds one result per exam question. Server evaluation takes
// precedence; questions it does not cover are graded concurrently.
func (c *Coordinator) grade(ctx context.Context, details []model.EvaluationDetail) []model.GradingResult {
	byQuestion := make(map[uuid.UUID]model.EvaluationDetail, len(details))
	for _, d := range details {
		byQuestion[d.QuestionID] = d
	}

	answers := make(map[uuid.UUID]string)
	if c.p.Answers != nil {
		for _, rec := range c.p.Answers.Records() {
			answers[rec.QuestionID] = rec.Answer
		}
	}

	results := make([]model.GradingResult, len(c.p.Exam.Questions))
	var g errgroup.Group
	for i, q := range c.p.Exam.Questions {
		if d, ok := byQuestion[q.ID]; ok {
			results[i] = fromEvaluation(q, d)
			continue
		}
		g.Go(func() error {
			results[i] = c.p.Grader.GradeQuestion(ctx, q.ID, answers[q.ID])
			return nil
		})
	}
	_ = g.Wait()

	if len(details) > 0 {
		c.log.Debug().Int("server_evaluated", len(byQuestion)).Msg("Using server evaluation")
	}
	return results
}

func fromEvaluation(q model.Question, d model.EvaluationDetail) model.GradingResult {
	maxPoints := d.MaxPoints
	if maxPoints <= 0 {
		maxPoints = q.Points()
	}
	score := d.Score
	if score < 0 {
		score = 0
	}
	if score > maxPoints {
		score = maxPoints
	}
	return model.GradingResult{
		QuestionID: q.ID,
		Score:      score,
		MaxPoints:  maxPoints,
		Similarity: d.Similarity,
		Feedback:   d.Feedback,
		Source:     model.GradeRemote,
	}
}
