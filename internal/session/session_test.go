package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stemsi/exstem-engine/internal/clock"
	"github.com/stemsi/exstem-engine/internal/config"
	"github.com/stemsi/exstem-engine/internal/examapi"
	"github.com/stemsi/exstem-engine/internal/model"
	"github.com/stemsi/exstem-engine/internal/proctor"
	"github.com/stemsi/exstem-engine/internal/submission"
	ws "github.com/stemsi/exstem-engine/internal/websocket"
)

var errDown = &examapi.Error{Op: "test", Status: 503, Kind: examapi.KindTransient}

// fakeAPI serves the exam and start endpoints and can simulate an outage of
// everything that happens after the attempt started.
type fakeAPI struct {
	mu          sync.Mutex
	exam        model.ExamDefinition
	pid         uuid.UUID
	startedAt   time.Time
	registerErr error
	register    model.RegisterResponse
	startErrs   []error
	startCalls  int
	saved       []model.AnswerEntry
	outage      bool
	completes   []model.CompleteRequest
	events      []string
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		exam: model.ExamDefinition{
			ID:              uuid.New(),
			Title:           "Plants",
			DurationMinutes: 10,
			Questions: []model.Question{
				{ID: uuid.New(), Content: "Define a cell.", ReferenceAnswer: "basic unit of life", Keywords: []string{"unit", "life"}, MaxPoints: 10},
				{ID: uuid.New(), Content: "How do plants make food?", ReferenceAnswer: "photosynthesis chlorophyll", Keywords: []string{"photosynthesis", "chlorophyll"}, MaxPoints: 10},
			},
		},
		pid: uuid.New(),
	}
}

func (f *fakeAPI) GetExam(context.Context, uuid.UUID) (model.ExamDefinition, error) {
	return f.exam, nil
}

func (f *fakeAPI) Register(context.Context, uuid.UUID) (model.RegisterResponse, error) {
	if f.registerErr != nil {
		return model.RegisterResponse{}, f.registerErr
	}
	if f.register != (model.RegisterResponse{}) {
		return f.register, nil
	}
	return model.RegisterResponse{AttemptsUsed: 1, MaxAttempts: 1}, nil
}

func (f *fakeAPI) Start(context.Context, uuid.UUID) (model.StartResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startCalls++
	if len(f.startErrs) > 0 {
		err := f.startErrs[0]
		f.startErrs = f.startErrs[1:]
		if err != nil {
			return model.StartResponse{}, err
		}
	}
	return model.StartResponse{ParticipantID: f.pid, StartedAt: f.startedAt}, nil
}

func (f *fakeAPI) SaveAnswer(context.Context, uuid.UUID, uuid.UUID, string) error {
	if f.outage {
		return errDown
	}
	return nil
}

func (f *fakeAPI) ListAnswers(context.Context, uuid.UUID) ([]model.AnswerEntry, error) {
	return f.saved, nil
}

func (f *fakeAPI) ListAnswersByExam(context.Context, uuid.UUID, uuid.UUID) ([]model.AnswerEntry, error) {
	return f.saved, nil
}

func (f *fakeAPI) Grade(context.Context, examapi.GradeRoute, uuid.UUID, uuid.UUID, uuid.UUID, string) (model.GradeResponse, error) {
	return model.GradeResponse{}, errDown
}

func (f *fakeAPI) Complete(_ context.Context, _ examapi.CompleteRoute, _, _ uuid.UUID, req model.CompleteRequest) (model.CompleteResponse, error) {
	if f.outage {
		return model.CompleteResponse{}, errDown
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completes = append(f.completes, req)
	return model.CompleteResponse{}, nil
}

func (f *fakeAPI) LogMonitoring(_ context.Context, req model.MonitoringLogRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, req.EventType)
	return nil
}

func (f *fakeAPI) FullscreenExit(context.Context, uuid.UUID) (model.FullscreenResponse, error) {
	return model.FullscreenResponse{}, nil
}

func (f *fakeAPI) FullscreenReturn(context.Context, uuid.UUID) (model.FullscreenResponse, error) {
	return model.FullscreenResponse{}, nil
}

func testOptions(c clock.Clock, src proctor.Source) Options {
	cfg := DefaultConfig()
	// No save retries: the fake clock only fires cooldowns on Advance.
	cfg.Answers.MaxRetries = 0
	return Options{Config: cfg, Clock: c, Signals: src}
}

func waitDone(t *testing.T, s *Session) model.AttemptResult {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("attempt did not finish")
	}
	res, ok := s.Result()
	require.True(t, ok)
	return res
}

func TestOpenRestoresSavedAnswers(t *testing.T) {
	api := newFakeAPI()
	api.saved = []model.AnswerEntry{{QuestionID: api.exam.Questions[0].ID, Answer: "unit of life"}}

	s, err := Open(context.Background(), api, api.exam.ID, testOptions(clock.NewFake(time.Now()), nil), zerolog.Nop())
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, api.pid, s.ParticipantID())
	recs := s.Records()
	require.Len(t, recs, 2)
	assert.Equal(t, "unit of life", recs[0].Answer)
	assert.Equal(t, model.AnswerSaved, recs[0].State)
	assert.Equal(t, 10*time.Minute, s.Remaining())
}

func TestOpenNoAttemptsLeft(t *testing.T) {
	api := newFakeAPI()
	api.registerErr = &examapi.Error{Op: "register", Status: 409, Code: "NO_ATTEMPTS_LEFT", Message: "no attempts", Kind: examapi.KindPermanent}

	_, err := Open(context.Background(), api, api.exam.ID, testOptions(clock.NewFake(time.Now()), nil), zerolog.Nop())
	assert.ErrorIs(t, err, ErrNoAttemptsLeft)
	assert.Zero(t, api.startCalls)
}

func TestOpenExhaustedAttemptsFollowRetakePolicy(t *testing.T) {
	api := newFakeAPI()
	api.register = model.RegisterResponse{AttemptsUsed: 2, MaxAttempts: 1}

	_, err := Open(context.Background(), api, api.exam.ID, testOptions(clock.NewFake(time.Now()), nil), zerolog.Nop())
	assert.ErrorIs(t, err, ErrNoAttemptsLeft)
	assert.Zero(t, api.startCalls)

	api.exam.AllowRetakes = true
	s, err := Open(context.Background(), api, api.exam.ID, testOptions(clock.NewFake(time.Now()), nil), zerolog.Nop())
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, 1, api.startCalls)
}

func TestOpenResumesAttemptInProgress(t *testing.T) {
	api := newFakeAPI()
	now := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	api.startedAt = now.Add(-4 * time.Minute)
	api.registerErr = &examapi.Error{Op: "register", Status: 409, Code: "ATTEMPT_IN_PROGRESS", Kind: examapi.KindPermanent}

	s, err := Open(context.Background(), api, api.exam.ID, testOptions(clock.NewFake(now), nil), zerolog.Nop())
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, 6*time.Minute, s.Remaining())
}

func TestOpenRetriesStartOnce(t *testing.T) {
	api := newFakeAPI()
	api.startErrs = []error{errDown}

	s, err := Open(context.Background(), api, api.exam.ID, testOptions(clock.NewFake(time.Now()), nil), zerolog.Nop())
	require.NoError(t, err)
	s.Close()
	assert.Equal(t, 2, api.startCalls)

	api = newFakeAPI()
	api.startErrs = []error{errDown, errDown}
	_, err = Open(context.Background(), api, api.exam.ID, testOptions(clock.NewFake(time.Now()), nil), zerolog.Nop())
	assert.ErrorIs(t, err, ErrNoParticipant)
	assert.Equal(t, 2, api.startCalls)
}

func TestSubmitTwoQuestionScenarioDuringOutage(t *testing.T) {
	api := newFakeAPI()
	s, err := Open(context.Background(), api, api.exam.ID, testOptions(clock.NewFake(time.Now()), nil), zerolog.Nop())
	require.NoError(t, err)

	q1, q2 := api.exam.Questions[0], api.exam.Questions[1]
	require.NoError(t, s.SetAnswer(q2.ID, "Photosynthesis needs chlorophyll"))
	api.outage = true

	res, err := s.Submit(context.Background(), model.SubmitManual)
	require.NoError(t, err)

	require.Len(t, res.PerQuestion, 2)
	assert.Equal(t, q1.ID, res.PerQuestion[0].QuestionID)
	assert.Equal(t, 0.0, res.PerQuestion[0].Score)
	assert.InDelta(t, q2.MaxPoints, res.PerQuestion[1].Score, 1e-9)
	assert.InDelta(t, q2.MaxPoints, res.OriginalScore, 1e-9)
	assert.False(t, res.Completed)
	assert.Equal(t, submission.PhaseDone, s.Phase())

	assert.ErrorIs(t, s.SetAnswer(q1.ID, "late"), ErrSubmitted)
	_, err = s.Save(context.Background(), q1.ID)
	assert.ErrorIs(t, err, ErrSubmitted)
	s.Close()
}

func TestTimerExpirySubmits(t *testing.T) {
	api := newFakeAPI()
	fc := clock.NewFake(time.Now())
	finished := make(chan model.AttemptResult, 2)
	opts := testOptions(fc, nil)
	opts.Hooks.OnFinished = func(r model.AttemptResult) { finished <- r }

	s, err := Open(context.Background(), api, api.exam.ID, opts, zerolog.Nop())
	require.NoError(t, err)

	fc.Advance(10 * time.Minute)
	res := waitDone(t, s)
	assert.Equal(t, model.SubmitTimeout, res.Reason)
	assert.True(t, res.Completed)

	select {
	case r := <-finished:
		assert.Equal(t, model.SubmitTimeout, r.Reason)
	case <-time.After(2 * time.Second):
		t.Fatal("OnFinished not called")
	}

	again, err := s.Submit(context.Background(), model.SubmitManual)
	require.NoError(t, err)
	assert.Equal(t, model.SubmitTimeout, again.Reason, "first trigger wins")
	assert.Len(t, finished, 0)
}

func TestRepeatedViolationsForceSubmission(t *testing.T) {
	api := newFakeAPI()
	fc := clock.NewFake(time.Now())
	hub := proctor.NewHub()

	s, err := Open(context.Background(), api, api.exam.ID, testOptions(fc, hub), zerolog.Nop())
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		hub.Emit(ws.SignalHidden)
		hub.Emit(ws.SignalVisible)
	}
	assert.Equal(t, proctor.StateTerminating, s.ProctorState())

	fc.Advance(30 * time.Second)
	res := waitDone(t, s)

	assert.Equal(t, model.SubmitViolations, res.Reason)
	assert.Equal(t, 3, res.TabSwitches)
	assert.Equal(t, 15.0, res.PenaltyPercentage)

	// Teardown detached the monitor from the hub.
	require.Eventually(t, func() bool { return hub.Subscribers() == 0 }, time.Second, 10*time.Millisecond)
	require.NoError(t, s.Wait(context.Background()))
}

func TestConfigFrom(t *testing.T) {
	cfg := ConfigFrom(&config.EngineConfig{
		TabSwitchThreshold:    4,
		ForcedSubmitDelay:     time.Minute,
		SaveMaxRetries:        1,
		SaveRetryCooldown:     time.Second,
		FullscreenExitGrace:   5 * time.Second,
		PenaltyTabSwitch:      10,
		PenaltyFullscreenExit: 2,
		PlaceholderMode:       "random",
	})
	assert.Equal(t, 4, cfg.Proctor.TabSwitchThreshold)
	assert.Equal(t, "random", string(cfg.Placeholder))
	assert.Equal(t, time.Minute, cfg.Proctor.ForcedSubmitDelay)
	assert.Equal(t, 1, cfg.Answers.MaxRetries)
	assert.Equal(t, 10.0, cfg.Submission.Penalty.TabSwitch)
	assert.Equal(t, 5*time.Second, cfg.Submission.FullscreenExitGrace)
}
