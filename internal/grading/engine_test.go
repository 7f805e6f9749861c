package grading

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stemsi/exstem-engine/internal/examapi"
	"github.com/stemsi/exstem-engine/internal/model"
)

type fakeRemote struct {
	mu    sync.Mutex
	errs  map[examapi.GradeRoute]error
	resp  model.GradeResponse
	calls []examapi.GradeRoute
}

func (f *fakeRemote) Grade(_ context.Context, route examapi.GradeRoute, _, _, _ uuid.UUID, _ string) (model.GradeResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, route)
	if err := f.errs[route]; err != nil {
		return model.GradeResponse{}, err
	}
	return f.resp, nil
}

var errUnavailable = &examapi.Error{Op: "grade", Status: 503, Kind: examapi.KindTransient}

func photosynthesisExam() model.ExamDefinition {
	return model.ExamDefinition{
		ID:              uuid.New(),
		Title:           "Biology",
		DurationMinutes: 10,
		Questions: []model.Question{
			{ID: uuid.New(), Content: "What is a cell?", ReferenceAnswer: "basic unit of life", Keywords: []string{"unit", "life"}, MaxPoints: 10},
			{ID: uuid.New(), Content: "How do plants make food?", ReferenceAnswer: "photosynthesis chlorophyll", Keywords: []string{"photosynthesis", "chlorophyll"}, MaxPoints: 10},
		},
	}
}

func TestGradeQuestionRemoteFirst(t *testing.T) {
	exam := photosynthesisExam()
	remote := &fakeRemote{resp: model.GradeResponse{Score: 7, MaxPoints: 10, Similarity: 70, Feedback: "good"}}
	e := NewEngine(remote, exam, uuid.New(), zerolog.Nop())

	res := e.GradeQuestion(context.Background(), exam.Questions[0].ID, "a unit")

	assert.Equal(t, model.GradeRemote, res.Source)
	assert.Equal(t, 7.0, res.Score)
	assert.Equal(t, "good", res.Feedback)
	assert.Equal(t, []examapi.GradeRoute{examapi.GradeQuestionScoped}, remote.calls)
}

func TestGradeQuestionAlternateRoute(t *testing.T) {
	exam := photosynthesisExam()
	remote := &fakeRemote{
		errs: map[examapi.GradeRoute]error{examapi.GradeQuestionScoped: errUnavailable},
		resp: model.GradeResponse{Score: 12, Similarity: 90},
	}
	e := NewEngine(remote, exam, uuid.New(), zerolog.Nop())

	res := e.GradeQuestion(context.Background(), exam.Questions[0].ID, "unit of life")

	assert.Equal(t, model.GradeRemote, res.Source)
	assert.Equal(t, 10.0, res.Score, "remote score is clamped to max points")
	assert.Equal(t, 10.0, res.MaxPoints)
	assert.Equal(t, []examapi.GradeRoute{examapi.GradeQuestionScoped, examapi.GradeParticipantScoped}, remote.calls)
}

func TestGradeQuestionLocalFallback(t *testing.T) {
	exam := photosynthesisExam()
	remote := &fakeRemote{errs: map[examapi.GradeRoute]error{
		examapi.GradeQuestionScoped:    errUnavailable,
		examapi.GradeParticipantScoped: errUnavailable,
	}}
	e := NewEngine(remote, exam, uuid.New(), zerolog.Nop())

	res := e.GradeQuestion(context.Background(), exam.Questions[1].ID, "Photosynthesis uses chlorophyll")

	assert.Equal(t, model.GradeLocalFallback, res.Source)
	assert.InDelta(t, 100.0, res.Similarity, 1e-9)
	assert.InDelta(t, 10.0, res.Score, 1e-9)
	assert.Contains(t, res.Feedback, "Matched 2 of 2")
}

func TestGradeQuestionUnauthorizedSkipsAlternateButStillGrades(t *testing.T) {
	exam := photosynthesisExam()
	remote := &fakeRemote{errs: map[examapi.GradeRoute]error{
		examapi.GradeQuestionScoped: &examapi.Error{Op: "grade", Status: 401, Kind: examapi.KindUnauthorized},
	}}
	e := NewEngine(remote, exam, uuid.New(), zerolog.Nop())

	res := e.GradeQuestion(context.Background(), exam.Questions[1].ID, "photosynthesis")

	assert.Equal(t, model.GradeLocalFallback, res.Source)
	assert.Len(t, remote.calls, 1)
}

func TestGradeQuestionEmptyAnswerSkipsRemote(t *testing.T) {
	exam := photosynthesisExam()
	remote := &fakeRemote{resp: model.GradeResponse{Score: 5}}
	e := NewEngine(remote, exam, uuid.New(), zerolog.Nop())

	res := e.GradeQuestion(context.Background(), exam.Questions[0].ID, "   ")

	assert.Equal(t, 0.0, res.Score)
	assert.Equal(t, 10.0, res.MaxPoints)
	assert.Empty(t, remote.calls)
}

func TestGradeQuestionPlaceholder(t *testing.T) {
	exam := photosynthesisExam()
	failing := func(model.Question, string) (model.GradingResult, error) {
		return model.GradingResult{}, errors.New("scorer broken")
	}
	panicking := func(model.Question, string) (model.GradingResult, error) {
		panic("boom")
	}

	tests := []struct {
		name  string
		local LocalFunc
		opts  []Option
		score float64
	}{
		{name: "error yields zero", local: failing, score: 0},
		{name: "panic yields zero", local: panicking, score: 0},
		{name: "random mode", local: failing, opts: []Option{WithPlaceholder(PlaceholderRandom), WithRand(func() float64 { return 0.5 })}, score: 6.5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := append([]Option{WithLocal(tt.local)}, tt.opts...)
			e := NewEngine(nil, exam, uuid.New(), zerolog.Nop(), opts...)

			res := e.GradeQuestion(context.Background(), exam.Questions[0].ID, "anything")
			assert.Equal(t, model.GradePlaceholder, res.Source)
			assert.InDelta(t, tt.score, res.Score, 1e-9)
		})
	}
}

func TestGradeQuestionUnknownQuestionGetsPlaceholder(t *testing.T) {
	e := NewEngine(nil, photosynthesisExam(), uuid.New(), zerolog.Nop())
	res := e.GradeQuestion(context.Background(), uuid.New(), "text")

	assert.Equal(t, model.GradePlaceholder, res.Source)
	assert.Equal(t, model.DefaultMaxPoints, res.MaxPoints)
}

func TestGradeQuestionConcurrentSafe(t *testing.T) {
	exam := photosynthesisExam()
	remote := &fakeRemote{errs: map[examapi.GradeRoute]error{
		examapi.GradeQuestionScoped:    errUnavailable,
		examapi.GradeParticipantScoped: errUnavailable,
	}}
	e := NewEngine(remote, exam, uuid.New(), zerolog.Nop())

	results := make([]model.GradingResult, 8)
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = e.GradeQuestion(context.Background(), exam.Questions[1].ID, "photosynthesis chlorophyll")
		}()
	}
	wg.Wait()

	for _, r := range results {
		assert.InDelta(t, 10.0, r.Score, 1e-9)
	}
	assert.Len(t, remote.calls, 16)
}

func TestFeedback(t *testing.T) {
	res, err := Local(model.Question{ID: uuid.New(), ReferenceAnswer: "water cycle evaporation", Keywords: []string{"evaporation"}}, "evaporation")
	require.NoError(t, err)
	assert.Contains(t, res.Feedback, "Matched 1 of 1 key terms.")
	assert.Contains(t, res.Feedback, "partially")
}
