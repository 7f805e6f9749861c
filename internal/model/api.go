package model

import (
	"time"

	"github.com/google/uuid"
)

// RegisterResponse is returned when a student registers for an exam.
type RegisterResponse struct {
	ParticipantID uuid.UUID `json:"participantId"`
	AttemptsUsed  int       `json:"attemptsUsed"`
	MaxAttempts   int       `json:"maxAttempts"`
}

// StartResponse carries the participant ID of the started attempt.
type StartResponse struct {
	ParticipantID uuid.UUID `json:"participantId"`
	StartedAt     time.Time `json:"startedAt"`
}

// SaveAnswerRequest is the payload for persisting one answer.
type SaveAnswerRequest struct {
	Answer string `json:"answer" binding:"max=20000"`
}

// AnswerEntry is one previously saved answer.
type AnswerEntry struct {
	QuestionID uuid.UUID `json:"questionId"`
	Answer     string    `json:"answer"`
}

// AnswersResponse lists the saved answers of an attempt.
type AnswersResponse struct {
	Answers []AnswerEntry `json:"answers"`
}

// FullscreenResponse is returned by the fullscreen exit/return endpoints.
type FullscreenResponse struct {
	Exits            int    `json:"exits"`
	CheatingDetected bool   `json:"cheatingDetected,omitempty"`
	RedirectTo       string `json:"redirectTo,omitempty"`
}

// MonitoringLogRequest is a fire-and-forget proctoring event.
type MonitoringLogRequest struct {
	ParticipantID uuid.UUID      `json:"participantId" binding:"required"`
	EventType     string         `json:"eventType" binding:"required,notblank,max=50"`
	EventData     map[string]any `json:"eventData,omitempty"`
}

// Penalties carries the violation counters reported on completion.
type Penalties struct {
	TabSwitches       int     `json:"tabSwitches" binding:"min=0"`
	FullscreenExits   int     `json:"fullscreenExits" binding:"min=0"`
	PenaltyPercentage float64 `json:"penaltyPercentage" binding:"min=0"`
}

// CompleteRequest completes an attempt. Score and OriginalScore are set on the
// reconciliation write that follows grading.
type CompleteRequest struct {
	Penalties     Penalties       `json:"penalties"`
	Score         *float64        `json:"score,omitempty"`
	OriginalScore *float64        `json:"originalScore,omitempty"`
	Feedbacks     []GradingResult `json:"feedbacks,omitempty"`
}

// EvaluationDetail is the server's authoritative grade for one question.
type EvaluationDetail struct {
	QuestionID uuid.UUID `json:"questionId"`
	Score      float64   `json:"score"`
	MaxPoints  float64   `json:"maxPoints"`
	Similarity float64   `json:"similarity"`
	Feedback   string    `json:"feedback"`
}

// CompleteResponse is returned by every complete endpoint shape.
type CompleteResponse struct {
	RedirectTo        string             `json:"redirectTo,omitempty"`
	EvaluationDetails []EvaluationDetail `json:"evaluationDetails,omitempty"`
}

// GradeRequest asks the server to grade one answer.
type GradeRequest struct {
	Answer string `json:"answer" binding:"max=20000"`
}

// GradeResponse is the server grade of one answer.
type GradeResponse struct {
	Score      float64 `json:"score"`
	MaxPoints  float64 `json:"maxPoints"`
	Similarity float64 `json:"similarity"`
	Feedback   string  `json:"feedback"`
}

// ResultResponse is the reconciled result of a completed attempt.
type ResultResponse struct {
	ParticipantID     uuid.UUID     `json:"participantId"`
	ExamID            uuid.UUID     `json:"examId"`
	ExamTitle         string        `json:"examTitle"`
	Status            AttemptStatus `json:"status"`
	AttemptNumber     int           `json:"attemptNumber"`
	OriginalScore     float64       `json:"originalScore"`
	PenaltyPercentage float64       `json:"penaltyPercentage"`
	FinalScore        float64       `json:"finalScore"`
	TotalPoints       float64       `json:"totalPoints"`
	Passed            bool          `json:"passed"`
	TabSwitches       int           `json:"tabSwitches"`
	FullscreenExits   int           `json:"fullscreenExits"`
	CompletedAt       *time.Time    `json:"completedAt,omitempty"`
}
