package model

import (
	"time"

	"github.com/google/uuid"
)

// AnswerState tracks whether an answer reached the server.
type AnswerState string

const (
	AnswerPending AnswerState = "pending"
	AnswerSaved   AnswerState = "saved"
	AnswerFailed  AnswerState = "failed"
)

// AnswerRecord is the per-question answer held for an attempt.
// Records are overwritten, never deleted.
type AnswerRecord struct {
	QuestionID uuid.UUID   `json:"questionId"`
	Answer     string      `json:"answer"`
	State      AnswerState `json:"state"`
	SavedAt    *time.Time  `json:"savedAt,omitempty"`
	Attempts   int         `json:"attempts"`
	LastError  string      `json:"lastError,omitempty"`
}
