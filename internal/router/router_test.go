package router_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stemsi/exstem-engine/internal/clock"
	"github.com/stemsi/exstem-engine/internal/config"
	"github.com/stemsi/exstem-engine/internal/database"
	"github.com/stemsi/exstem-engine/internal/examapi"
	"github.com/stemsi/exstem-engine/internal/handler"
	"github.com/stemsi/exstem-engine/internal/middleware"
	"github.com/stemsi/exstem-engine/internal/model"
	"github.com/stemsi/exstem-engine/internal/router"
	"github.com/stemsi/exstem-engine/internal/service"
)

// stubAttempts records which operation each route reached.
type stubAttempts struct {
	calls     []string
	studentID int
	examID    *uuid.UUID
	pid       uuid.UUID
	qid       uuid.UUID
	answer    string
	complete  model.CompleteRequest
	err       error
}

func (s *stubAttempts) hit(name string, studentID int) {
	s.calls = append(s.calls, name)
	s.studentID = studentID
}

func (s *stubAttempts) GetExam(_ context.Context, examID uuid.UUID) (*model.ExamDefinition, error) {
	s.hit("GetExam", 0)
	return &model.ExamDefinition{ID: examID, Title: "History"}, s.err
}

func (s *stubAttempts) Register(_ context.Context, examID uuid.UUID, studentID int) (model.RegisterResponse, error) {
	s.hit("Register", studentID)
	return model.RegisterResponse{ParticipantID: s.pid, AttemptsUsed: 1, MaxAttempts: 2}, s.err
}

func (s *stubAttempts) Start(_ context.Context, examID uuid.UUID, studentID int) (model.StartResponse, error) {
	s.hit("Start", studentID)
	return model.StartResponse{ParticipantID: s.pid}, s.err
}

func (s *stubAttempts) SaveAnswer(_ context.Context, studentID int, pid, qid uuid.UUID, answer string) error {
	s.hit("SaveAnswer", studentID)
	s.pid, s.qid, s.answer = pid, qid, answer
	return s.err
}

func (s *stubAttempts) Answers(_ context.Context, studentID int, examID *uuid.UUID, pid uuid.UUID) ([]model.AnswerEntry, error) {
	s.hit("Answers", studentID)
	s.examID, s.pid = examID, pid
	return []model.AnswerEntry{{QuestionID: s.qid, Answer: "saved"}}, s.err
}

func (s *stubAttempts) FullscreenExit(_ context.Context, studentID int, pid uuid.UUID) (model.FullscreenResponse, error) {
	s.hit("FullscreenExit", studentID)
	return model.FullscreenResponse{Exits: 4, CheatingDetected: true, RedirectTo: service.ResultPath(pid)}, s.err
}

func (s *stubAttempts) FullscreenReturn(_ context.Context, studentID int, pid uuid.UUID) (model.FullscreenResponse, error) {
	s.hit("FullscreenReturn", studentID)
	return model.FullscreenResponse{Exits: 4}, s.err
}

func (s *stubAttempts) LogMonitoring(_ context.Context, studentID int, req model.MonitoringLogRequest) error {
	s.hit("LogMonitoring", studentID)
	return s.err
}

func (s *stubAttempts) Complete(_ context.Context, studentID int, examID *uuid.UUID, pid uuid.UUID, req model.CompleteRequest) (model.CompleteResponse, error) {
	s.hit("Complete", studentID)
	s.examID, s.pid, s.complete = examID, pid, req
	return model.CompleteResponse{RedirectTo: service.ResultPath(pid)}, s.err
}

func (s *stubAttempts) Grade(_ context.Context, studentID int, examID *uuid.UUID, pid, qid uuid.UUID, answer string) (model.GradeResponse, error) {
	s.hit("Grade", studentID)
	s.examID, s.pid, s.qid, s.answer = examID, pid, qid, answer
	return model.GradeResponse{Score: 7, MaxPoints: 10, Similarity: 70}, s.err
}

func (s *stubAttempts) Result(_ context.Context, studentID int, pid uuid.UUID) (model.ResultResponse, error) {
	s.hit("Result", studentID)
	return model.ResultResponse{ParticipantID: pid, FinalScore: 8.7, OriginalScore: 10}, s.err
}

type fixture struct {
	stub   *stubAttempts
	client *examapi.Client
	server *httptest.Server
}

func newFixture(t *testing.T, token func(*service.AuthService) string) *fixture {
	t.Helper()
	cfg := &config.Config{GinMode: gin.TestMode, JWTSecret: "test-secret", JWTExpiry: time.Hour}
	auth := service.NewAuthService(cfg)
	stub := &stubAttempts{pid: uuid.New()}

	handlers := &router.Handlers{
		Attempt: handler.NewAttemptHandler(stub, zerolog.Nop()),
		System: handler.NewSystemHandler(map[string]database.Pinger{
			"postgres": database.PingerFunc(func(context.Context) error { return nil }),
		}, nil, zerolog.Nop()),
	}
	limiter := middleware.NewRateLimiter(100, time.Minute, clock.NewFake(time.Now()))
	srv := httptest.NewServer(router.SetupRouter(auth, limiter, handlers, cfg))
	t.Cleanup(srv.Close)

	client := examapi.New(examapi.Config{
		BaseURL:    srv.URL + "/api/v1",
		Token:      token(auth),
		HTTPClient: srv.Client(),
	}, zerolog.Nop())
	return &fixture{stub: stub, client: client, server: srv}
}

func studentToken(t *testing.T) func(*service.AuthService) string {
	return func(auth *service.AuthService) string {
		tok, err := auth.GenerateStudentToken(42)
		require.NoError(t, err)
		return tok
	}
}

func TestEveryClientRouteReachesItsHandler(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, studentToken(t))
	examID, pid, qid := uuid.New(), f.stub.pid, uuid.New()

	exam, err := f.client.GetExam(ctx, examID)
	require.NoError(t, err)
	assert.Equal(t, "History", exam.Title)

	reg, err := f.client.Register(ctx, examID)
	require.NoError(t, err)
	assert.Equal(t, 2, reg.MaxAttempts)
	assert.Equal(t, 42, f.stub.studentID)

	started, err := f.client.Start(ctx, examID)
	require.NoError(t, err)
	assert.Equal(t, pid, started.ParticipantID)

	require.NoError(t, f.client.SaveAnswer(ctx, pid, qid, "an answer"))
	assert.Equal(t, qid, f.stub.qid)
	assert.Equal(t, "an answer", f.stub.answer)

	answers, err := f.client.ListAnswers(ctx, pid)
	require.NoError(t, err)
	assert.Len(t, answers, 1)
	assert.Nil(t, f.stub.examID)

	_, err = f.client.ListAnswersByExam(ctx, examID, pid)
	require.NoError(t, err)
	require.NotNil(t, f.stub.examID)
	assert.Equal(t, examID, *f.stub.examID)

	fs, err := f.client.FullscreenExit(ctx, pid)
	require.NoError(t, err)
	assert.True(t, fs.CheatingDetected)
	assert.Equal(t, "/exams/"+pid.String()+"/results", fs.RedirectTo)

	_, err = f.client.FullscreenReturn(ctx, pid)
	require.NoError(t, err)

	require.NoError(t, f.client.LogMonitoring(ctx, model.MonitoringLogRequest{ParticipantID: pid, EventType: "tab_switch"}))

	score := 8.7
	for _, route := range []examapi.CompleteRoute{examapi.CompleteExamScoped, examapi.CompleteParticipantScoped, examapi.CompleteAttemptScoped} {
		resp, err := f.client.Complete(ctx, route, examID, pid, model.CompleteRequest{
			Penalties: model.Penalties{TabSwitches: 2, FullscreenExits: 1, PenaltyPercentage: 13},
			Score:     &score,
		})
		require.NoError(t, err, route.String())
		assert.NotEmpty(t, resp.RedirectTo)
		assert.Equal(t, 13.0, f.stub.complete.Penalties.PenaltyPercentage)
	}

	for _, route := range []examapi.GradeRoute{examapi.GradeQuestionScoped, examapi.GradeParticipantScoped} {
		res, err := f.client.Grade(ctx, route, examID, pid, qid, "graded")
		require.NoError(t, err, route.String())
		assert.Equal(t, 7.0, res.Score)
		assert.Equal(t, qid, f.stub.qid)
	}

	result, err := f.client.Results(ctx, pid)
	require.NoError(t, err)
	assert.Equal(t, 8.7, result.FinalScore)

	assert.Equal(t, []string{
		"GetExam", "Register", "Start", "SaveAnswer", "Answers", "Answers",
		"FullscreenExit", "FullscreenReturn", "LogMonitoring",
		"Complete", "Complete", "Complete", "Grade", "Grade", "Result",
	}, f.stub.calls)
}

func TestServiceErrorsClassifyOnTheClient(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
		kind   examapi.Kind
	}{
		{"no attempts left", service.ErrNoAttemptsLeft, http.StatusConflict, "NO_ATTEMPTS_LEFT", examapi.KindPermanent},
		{"attempt in progress", service.ErrAttemptInProgress, http.StatusConflict, "ATTEMPT_IN_PROGRESS", examapi.KindPermanent},
		{"completed", service.ErrAttemptCompleted, http.StatusConflict, "ATTEMPT_COMPLETED", examapi.KindPermanent},
		{"not owner", service.ErrNotOwner, http.StatusForbidden, "FORBIDDEN", examapi.KindPermanent},
		{"unknown exam", service.ErrExamNotFound, http.StatusNotFound, "NOT_FOUND", examapi.KindPermanent},
		{"unexpected", assert.AnError, http.StatusInternalServerError, "INTERNAL_ERROR", examapi.KindTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, studentToken(t))
			f.stub.err = tt.err

			_, err := f.client.Register(context.Background(), uuid.New())

			var apiErr *examapi.Error
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, tt.status, apiErr.Status)
			assert.Equal(t, tt.code, apiErr.Code)
			assert.Equal(t, tt.kind, apiErr.Kind)
		})
	}
}

func TestMissingTokenIsUnauthorized(t *testing.T) {
	f := newFixture(t, func(*service.AuthService) string { return "" })

	_, err := f.client.Start(context.Background(), uuid.New())
	assert.True(t, examapi.IsUnauthorized(err))
	assert.Empty(t, f.stub.calls)
}

func TestInvalidIDIsRejected(t *testing.T) {
	f := newFixture(t, studentToken(t))

	req, err := http.NewRequest(http.MethodGet, f.server.URL+"/api/v1/exams/not-a-uuid", nil)
	require.NoError(t, err)
	tok, err := service.NewAuthService(&config.Config{JWTSecret: "test-secret", JWTExpiry: time.Hour}).GenerateStudentToken(1)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+tok)

	res, err := f.server.Client().Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Equal(t, "no-store", res.Header.Get("Cache-Control"))
}

func TestHealth(t *testing.T) {
	f := newFixture(t, studentToken(t))

	res, err := f.server.Client().Get(f.server.URL + "/health")
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)
}
