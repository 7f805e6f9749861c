package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-engine/internal/middleware"
	"github.com/stemsi/exstem-engine/internal/model"
	"github.com/stemsi/exstem-engine/internal/response"
	"github.com/stemsi/exstem-engine/internal/service"
	"github.com/stemsi/exstem-engine/internal/validator"
)

// AttemptService is the attempt lifecycle as seen by the handler.
type AttemptService interface {
	GetExam(ctx context.Context, examID uuid.UUID) (*model.ExamDefinition, error)
	Register(ctx context.Context, examID uuid.UUID, studentID int) (model.RegisterResponse, error)
	Start(ctx context.Context, examID uuid.UUID, studentID int) (model.StartResponse, error)
	SaveAnswer(ctx context.Context, studentID int, pid, questionID uuid.UUID, answer string) error
	Answers(ctx context.Context, studentID int, examID *uuid.UUID, pid uuid.UUID) ([]model.AnswerEntry, error)
	FullscreenExit(ctx context.Context, studentID int, pid uuid.UUID) (model.FullscreenResponse, error)
	FullscreenReturn(ctx context.Context, studentID int, pid uuid.UUID) (model.FullscreenResponse, error)
	LogMonitoring(ctx context.Context, studentID int, req model.MonitoringLogRequest) error
	Complete(ctx context.Context, studentID int, examID *uuid.UUID, pid uuid.UUID, req model.CompleteRequest) (model.CompleteResponse, error)
	Grade(ctx context.Context, studentID int, examID *uuid.UUID, pid, questionID uuid.UUID, answer string) (model.GradeResponse, error)
	Result(ctx context.Context, studentID int, pid uuid.UUID) (model.ResultResponse, error)
}

// AttemptHandler handles the student exam attempt endpoints.
type AttemptHandler struct {
	attempts AttemptService
	log      zerolog.Logger
}

// NewAttemptHandler creates a new AttemptHandler.
func NewAttemptHandler(attempts AttemptService, log zerolog.Logger) *AttemptHandler {
	return &AttemptHandler{
		attempts: attempts,
		log:      log.With().Str("component", "attempt_handler").Logger(),
	}
}

// GetExam godoc
// GET /api/v1/exams/:id
// Returns the exam definition including reference answers for local grading.
func (h *AttemptHandler) GetExam(c *gin.Context) {
	examID, ok := parseID(c, "id")
	if !ok {
		return
	}

	exam, err := h.attempts.GetExam(c.Request.Context(), examID)
	if err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, http.StatusOK, exam)
}

// Register godoc
// POST /api/v1/exams/:id/register
func (h *AttemptHandler) Register(c *gin.Context) {
	claims, ok := studentClaims(c)
	if !ok {
		return
	}
	examID, ok := parseID(c, "id")
	if !ok {
		return
	}

	reg, err := h.attempts.Register(c.Request.Context(), examID, claims.UserID)
	if err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, http.StatusCreated, reg)
}

// Start godoc
// POST /api/v1/exams/:id/start
// Idempotent: starting a running attempt returns its original start time.
func (h *AttemptHandler) Start(c *gin.Context) {
	claims, ok := studentClaims(c)
	if !ok {
		return
	}
	examID, ok := parseID(c, "id")
	if !ok {
		return
	}

	started, err := h.attempts.Start(c.Request.Context(), examID, claims.UserID)
	if err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, http.StatusOK, started)
}

// SaveAnswer godoc
// POST /api/v1/exams/participants/:id/answer/:qid
func (h *AttemptHandler) SaveAnswer(c *gin.Context) {
	claims, ok := studentClaims(c)
	if !ok {
		return
	}
	pid, ok := parseID(c, "id")
	if !ok {
		return
	}
	questionID, ok := parseID(c, "qid")
	if !ok {
		return
	}

	var req model.SaveAnswerRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	if err := h.attempts.SaveAnswer(c.Request.Context(), claims.UserID, pid, questionID, req.Answer); err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"saved": true})
}

// ListAnswers godoc
// GET /api/v1/exams/participants/:id/answers
func (h *AttemptHandler) ListAnswers(c *gin.Context) {
	h.listAnswers(c, nil, "id")
}

// ListAnswersByExam godoc
// GET /api/v1/exams/:id/participants/:pid/answers
func (h *AttemptHandler) ListAnswersByExam(c *gin.Context) {
	examID, ok := parseID(c, "id")
	if !ok {
		return
	}
	h.listAnswers(c, &examID, "pid")
}

func (h *AttemptHandler) listAnswers(c *gin.Context, examID *uuid.UUID, pidParam string) {
	claims, ok := studentClaims(c)
	if !ok {
		return
	}
	pid, ok := parseID(c, pidParam)
	if !ok {
		return
	}

	answers, err := h.attempts.Answers(c.Request.Context(), claims.UserID, examID, pid)
	if err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, http.StatusOK, model.AnswersResponse{Answers: answers})
}

// FullscreenExit godoc
// POST /api/v1/exams/:id/fullscreen-exit
// :id is the participant ID.
func (h *AttemptHandler) FullscreenExit(c *gin.Context) {
	claims, ok := studentClaims(c)
	if !ok {
		return
	}
	pid, ok := parseID(c, "id")
	if !ok {
		return
	}

	resp, err := h.attempts.FullscreenExit(c.Request.Context(), claims.UserID, pid)
	if err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, http.StatusOK, resp)
}

// FullscreenReturn godoc
// POST /api/v1/exams/:id/fullscreen-return
func (h *AttemptHandler) FullscreenReturn(c *gin.Context) {
	claims, ok := studentClaims(c)
	if !ok {
		return
	}
	pid, ok := parseID(c, "id")
	if !ok {
		return
	}

	resp, err := h.attempts.FullscreenReturn(c.Request.Context(), claims.UserID, pid)
	if err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, http.StatusOK, resp)
}

// LogMonitoring godoc
// POST /api/v1/exams/monitoring-logs
// Fire-and-forget; the event is persisted by the monitoring worker.
func (h *AttemptHandler) LogMonitoring(c *gin.Context) {
	claims, ok := studentClaims(c)
	if !ok {
		return
	}

	var req model.MonitoringLogRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	if err := h.attempts.LogMonitoring(c.Request.Context(), claims.UserID, req); err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, http.StatusAccepted, gin.H{"queued": true})
}

// Complete godoc
// POST /api/v1/exams/:id/participants/:pid/complete
func (h *AttemptHandler) Complete(c *gin.Context) {
	examID, ok := parseID(c, "id")
	if !ok {
		return
	}
	h.complete(c, &examID, "pid")
}

// CompleteByParticipant godoc
// POST /api/v1/exams/participants/:id/complete
// POST /api/v1/exams/attempts/:id/complete
func (h *AttemptHandler) CompleteByParticipant(c *gin.Context) {
	h.complete(c, nil, "id")
}

func (h *AttemptHandler) complete(c *gin.Context, examID *uuid.UUID, pidParam string) {
	claims, ok := studentClaims(c)
	if !ok {
		return
	}
	pid, ok := parseID(c, pidParam)
	if !ok {
		return
	}

	var req model.CompleteRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	resp, err := h.attempts.Complete(c.Request.Context(), claims.UserID, examID, pid, req)
	if err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, http.StatusOK, resp)
}

// Grade godoc
// POST /api/v1/exams/:id/participants/:pid/questions/:qid/grade
func (h *AttemptHandler) Grade(c *gin.Context) {
	examID, ok := parseID(c, "id")
	if !ok {
		return
	}
	h.grade(c, &examID, "pid")
}

// GradeByParticipant godoc
// POST /api/v1/exams/participants/:id/grade/:qid
func (h *AttemptHandler) GradeByParticipant(c *gin.Context) {
	h.grade(c, nil, "id")
}

func (h *AttemptHandler) grade(c *gin.Context, examID *uuid.UUID, pidParam string) {
	claims, ok := studentClaims(c)
	if !ok {
		return
	}
	pid, ok := parseID(c, pidParam)
	if !ok {
		return
	}
	questionID, ok := parseID(c, "qid")
	if !ok {
		return
	}

	var req model.GradeRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	res, err := h.attempts.Grade(c.Request.Context(), claims.UserID, examID, pid, questionID, req.Answer)
	if err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, http.StatusOK, res)
}

// Results godoc
// GET /api/v1/exams/:id/results
// :id is the participant ID.
func (h *AttemptHandler) Results(c *gin.Context) {
	claims, ok := studentClaims(c)
	if !ok {
		return
	}
	pid, ok := parseID(c, "id")
	if !ok {
		return
	}

	res, err := h.attempts.Result(c.Request.Context(), claims.UserID, pid)
	if err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, http.StatusOK, res)
}

// fail maps service errors onto the response envelope.
func (h *AttemptHandler) fail(c *gin.Context, err error) {
	status, code := errorStatus(err)
	if status == http.StatusInternalServerError {
		h.log.Error().Err(err).Str("path", c.FullPath()).Msg("Attempt request failed")
	}
	response.Fail(c, status, code)
}

func errorStatus(err error) (int, response.ErrCode) {
	switch {
	case errors.Is(err, service.ErrExamNotFound):
		return http.StatusNotFound, response.ErrNotFound
	case errors.Is(err, service.ErrAttemptNotFound):
		return http.StatusNotFound, response.ErrAttemptNotFound
	case errors.Is(err, service.ErrNotOwner):
		return http.StatusForbidden, response.ErrForbidden
	case errors.Is(err, service.ErrAttemptCompleted):
		return http.StatusConflict, response.ErrAttemptCompleted
	case errors.Is(err, service.ErrAttemptInProgress):
		return http.StatusConflict, response.ErrAttemptInProgress
	case errors.Is(err, service.ErrAttemptNotStarted):
		return http.StatusConflict, response.ErrAttemptNotStarted
	case errors.Is(err, service.ErrNoAttemptsLeft):
		return http.StatusConflict, response.ErrNoAttemptsLeft
	case errors.Is(err, service.ErrQuestionNotInExam):
		return http.StatusBadRequest, response.ErrQuestionNotInExam
	case errors.Is(err, service.ErrAttemptExamMismatch):
		return http.StatusBadRequest, response.ErrAttemptExamMismatch
	default:
		return http.StatusInternalServerError, response.ErrInternal
	}
}

func studentClaims(c *gin.Context) (*service.Claims, bool) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return nil, false
	}
	return claims, true
}

func parseID(c *gin.Context, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(param))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return uuid.Nil, false
	}
	return id, true
}
