package model

import "github.com/google/uuid"

// GradeSource identifies which path produced a GradingResult.
type GradeSource string

const (
	GradeRemote        GradeSource = "remote"
	GradeLocalFallback GradeSource = "local-fallback"
	GradePlaceholder   GradeSource = "placeholder"
)

// GradingResult is the score of a single question.
type GradingResult struct {
	QuestionID uuid.UUID   `json:"questionId"`
	Score      float64     `json:"score"`
	MaxPoints  float64     `json:"maxPoints"`
	Similarity float64     `json:"similarity"`
	Feedback   string      `json:"feedback"`
	Source     GradeSource `json:"source"`
}

// FinalScore is the reconciled score of an attempt.
type FinalScore struct {
	OriginalScore     float64 `json:"originalScore"`
	PenaltyPercentage float64 `json:"penaltyPercentage"`
	FinalScore        float64 `json:"finalScore"`
}

// SubmitReason records what triggered the submission.
type SubmitReason string

const (
	SubmitManual     SubmitReason = "manual"
	SubmitTimeout    SubmitReason = "timeout"
	SubmitViolations SubmitReason = "violations"
)

// AttemptResult is what the result view receives once an attempt is done.
type AttemptResult struct {
	FinalScore
	ExamID          uuid.UUID       `json:"examId"`
	ParticipantID   uuid.UUID       `json:"participantId"`
	Reason          SubmitReason    `json:"reason"`
	TabSwitches     int             `json:"tabSwitches"`
	FullscreenExits int             `json:"fullscreenExits"`
	PerQuestion     []GradingResult `json:"perQuestionFeedback"`
	Completed       bool            `json:"completed"` // server acknowledged completion
	RedirectTo      string          `json:"redirectTo,omitempty"`
}
