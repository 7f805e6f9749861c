// Package examapi is the REST client of the exam backend.
package examapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-engine/internal/model"
)

// DefaultTimeout bounds a single call when Config.Timeout is zero.
const DefaultTimeout = 12 * time.Second

// Config holds the client settings.
type Config struct {
	BaseURL string // e.g. http://localhost:8080/api/v1
	Token   string
	Timeout time.Duration
	// HTTPClient overrides the default client; tests pass httptest clients.
	HTTPClient *http.Client
}

// Client talks to the exam REST API.
type Client struct {
	baseURL string
	token   string
	timeout time.Duration
	http    *http.Client
	log     zerolog.Logger
}

// New creates a Client.
func New(cfg Config, log zerolog.Logger) *Client {
	h := cfg.HTTPClient
	if h == nil {
		h = &http.Client{}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		timeout: timeout,
		http:    h,
		log:     log.With().Str("component", "examapi").Logger(),
	}
}

// CompleteRoute selects one of the complete endpoint shapes.
type CompleteRoute int

const (
	CompleteExamScoped        CompleteRoute = iota // /exams/{examId}/participants/{pid}/complete
	CompleteParticipantScoped                      // /exams/participants/{pid}/complete
	CompleteAttemptScoped                          // /exams/attempts/{pid}/complete
)

func (r CompleteRoute) String() string {
	switch r {
	case CompleteExamScoped:
		return "exam-scoped"
	case CompleteParticipantScoped:
		return "participant-scoped"
	case CompleteAttemptScoped:
		return "attempt-scoped"
	default:
		return fmt.Sprintf("complete-route(%d)", int(r))
	}
}

// GradeRoute selects one of the grade endpoint shapes.
type GradeRoute int

const (
	GradeQuestionScoped    GradeRoute = iota // /exams/{examId}/participants/{pid}/questions/{qid}/grade
	GradeParticipantScoped                   // /exams/participants/{pid}/grade/{qid}
)

func (r GradeRoute) String() string {
	switch r {
	case GradeQuestionScoped:
		return "question-scoped"
	case GradeParticipantScoped:
		return "participant-scoped"
	default:
		return fmt.Sprintf("grade-route(%d)", int(r))
	}
}

// GetExam fetches the exam definition including reference answers.
func (c *Client) GetExam(ctx context.Context, examID uuid.UUID) (model.ExamDefinition, error) {
	var out model.ExamDefinition
	err := c.do(ctx, "get exam", http.MethodGet, "/exams/"+examID.String(), nil, &out)
	return out, err
}

// Register registers the current student for an exam.
func (c *Client) Register(ctx context.Context, examID uuid.UUID) (model.RegisterResponse, error) {
	var out model.RegisterResponse
	err := c.do(ctx, "register", http.MethodPost, "/exams/"+examID.String()+"/register", struct{}{}, &out)
	return out, err
}

// Start moves the registered attempt to in_progress.
func (c *Client) Start(ctx context.Context, examID uuid.UUID) (model.StartResponse, error) {
	var out model.StartResponse
	err := c.do(ctx, "start", http.MethodPost, "/exams/"+examID.String()+"/start", struct{}{}, &out)
	return out, err
}

// SaveAnswer overwrites the answer of one question.
func (c *Client) SaveAnswer(ctx context.Context, participantID, questionID uuid.UUID, answer string) error {
	path := fmt.Sprintf("/exams/participants/%s/answer/%s", participantID, questionID)
	return c.do(ctx, "save answer", http.MethodPost, path, model.SaveAnswerRequest{Answer: answer}, nil)
}

// ListAnswers returns the saved answers of an attempt.
func (c *Client) ListAnswers(ctx context.Context, participantID uuid.UUID) ([]model.AnswerEntry, error) {
	var out model.AnswersResponse
	err := c.do(ctx, "list answers", http.MethodGet, "/exams/participants/"+participantID.String()+"/answers", nil, &out)
	return out.Answers, err
}

// ListAnswersByExam is the exam-scoped shape of ListAnswers.
func (c *Client) ListAnswersByExam(ctx context.Context, examID, participantID uuid.UUID) ([]model.AnswerEntry, error) {
	var out model.AnswersResponse
	path := fmt.Sprintf("/exams/%s/participants/%s/answers", examID, participantID)
	err := c.do(ctx, "list answers by exam", http.MethodGet, path, nil, &out)
	return out.Answers, err
}

// FullscreenExit reports that the student left fullscreen.
func (c *Client) FullscreenExit(ctx context.Context, participantID uuid.UUID) (model.FullscreenResponse, error) {
	var out model.FullscreenResponse
	err := c.do(ctx, "fullscreen exit", http.MethodPost, "/exams/"+participantID.String()+"/fullscreen-exit", struct{}{}, &out)
	return out, err
}

// FullscreenReturn reports that the student re-entered fullscreen.
func (c *Client) FullscreenReturn(ctx context.Context, participantID uuid.UUID) (model.FullscreenResponse, error) {
	var out model.FullscreenResponse
	err := c.do(ctx, "fullscreen return", http.MethodPost, "/exams/"+participantID.String()+"/fullscreen-return", struct{}{}, &out)
	return out, err
}

// LogMonitoring records a proctoring event.
func (c *Client) LogMonitoring(ctx context.Context, req model.MonitoringLogRequest) error {
	return c.do(ctx, "monitoring log", http.MethodPost, "/exams/monitoring-logs", req, nil)
}

// Complete completes an attempt through the given route shape.
func (c *Client) Complete(ctx context.Context, route CompleteRoute, examID, participantID uuid.UUID, req model.CompleteRequest) (model.CompleteResponse, error) {
	var path string
	switch route {
	case CompleteExamScoped:
		path = fmt.Sprintf("/exams/%s/participants/%s/complete", examID, participantID)
	case CompleteParticipantScoped:
		path = fmt.Sprintf("/exams/participants/%s/complete", participantID)
	case CompleteAttemptScoped:
		path = fmt.Sprintf("/exams/attempts/%s/complete", participantID)
	default:
		return model.CompleteResponse{}, &Error{Op: "complete", Kind: KindPermanent, Err: fmt.Errorf("unknown route %d", route)}
	}

	var out model.CompleteResponse
	err := c.do(ctx, "complete ("+route.String()+")", http.MethodPost, path, req, &out)
	return out, err
}

// Grade asks the server to grade one answer through the given route shape.
func (c *Client) Grade(ctx context.Context, route GradeRoute, examID, participantID, questionID uuid.UUID, answer string) (model.GradeResponse, error) {
	var path string
	switch route {
	case GradeQuestionScoped:
		path = fmt.Sprintf("/exams/%s/participants/%s/questions/%s/grade", examID, participantID, questionID)
	case GradeParticipantScoped:
		path = fmt.Sprintf("/exams/participants/%s/grade/%s", participantID, questionID)
	default:
		return model.GradeResponse{}, &Error{Op: "grade", Kind: KindPermanent, Err: fmt.Errorf("unknown route %d", route)}
	}

	var out model.GradeResponse
	err := c.do(ctx, "grade ("+route.String()+")", http.MethodPost, path, model.GradeRequest{Answer: answer}, &out)
	return out, err
}

// Results fetches the reconciled result of an attempt.
func (c *Client) Results(ctx context.Context, participantID uuid.UUID) (model.ResultResponse, error) {
	var out model.ResultResponse
	err := c.do(ctx, "results", http.MethodGet, "/exams/"+participantID.String()+"/results", nil, &out)
	return out, err
}

// ────────────────────────────────────────────────────────────────────────────
// Transport
// ────────────────────────────────────────────────────────────────────────────

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (c *Client) do(ctx context.Context, op, method, path string, body, out any) error {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return &Error{Op: op, Kind: KindPermanent, Err: err}
		}
		rdr = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(callCtx, method, c.baseURL+path, rdr)
	if err != nil {
		return &Error{Op: op, Kind: KindPermanent, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	reqID := uuid.New().String()
	req.Header.Set("X-Request-ID", reqID)

	start := time.Now()
	res, err := c.http.Do(req)
	if err != nil {
		kind := KindTransient
		if ctx.Err() != nil && errors.Is(ctx.Err(), context.Canceled) {
			kind = KindPermanent
		}
		return &Error{Op: op, Kind: kind, Err: err}
	}
	defer res.Body.Close()

	c.log.Debug().
		Str("op", op).
		Str("method", method).
		Str("path", path).
		Int("status", res.StatusCode).
		Str("request_id", reqID).
		Dur("took", time.Since(start)).
		Msg("API call")

	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return &Error{Op: op, Status: res.StatusCode, Kind: KindTransient, Err: err}
	}

	var env envelope
	decodeErr := json.Unmarshal(raw, &env)

	if res.StatusCode/100 != 2 {
		apiErr := &Error{Op: op, Status: res.StatusCode, Message: http.StatusText(res.StatusCode)}
		if decodeErr == nil && env.Error != nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		} else if len(raw) > 0 && decodeErr != nil {
			apiErr.Message = strings.TrimSpace(string(raw))
		}
		apiErr.Kind = classifyStatus(res.StatusCode, apiErr.Code, apiErr.Message)
		return apiErr
	}

	if out == nil {
		return nil
	}
	if decodeErr != nil {
		return &Error{Op: op, Status: res.StatusCode, Kind: KindTransient, Err: fmt.Errorf("decode envelope: %w", decodeErr)}
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return &Error{Op: op, Status: res.StatusCode, Kind: KindPermanent, Err: fmt.Errorf("decode data: %w", err)}
	}
	return nil
}
