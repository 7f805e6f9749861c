package model

import (
	"time"

	"github.com/google/uuid"
)

// AttemptStatus enumerates participant attempt states.
type AttemptStatus string

const (
	AttemptRegistered AttemptStatus = "registered"
	AttemptInProgress AttemptStatus = "in_progress"
	AttemptCompleted  AttemptStatus = "completed"
	AttemptReviewed   AttemptStatus = "reviewed"
)

// Terminal reports whether the attempt can no longer change.
func (s AttemptStatus) Terminal() bool {
	return s == AttemptCompleted || s == AttemptReviewed
}

// ParticipantAttempt represents one student's run through an exam.
type ParticipantAttempt struct {
	ParticipantID uuid.UUID     `json:"participantId"`
	ExamID        uuid.UUID     `json:"examId"`
	StudentID     int           `json:"studentId"`
	Status        AttemptStatus `json:"status"`
	AttemptNumber int           `json:"attemptNumber"`
	RegisteredAt  time.Time     `json:"registeredAt"`
	StartedAt     *time.Time    `json:"startedAt,omitempty"`
	CompletedAt   *time.Time    `json:"completedAt,omitempty"`

	TabSwitches       int      `json:"tabSwitches"`
	FullscreenExits   int      `json:"fullscreenExits"`
	PenaltyPercentage float64  `json:"penaltyPercentage"`
	OriginalScore     *float64 `json:"originalScore,omitempty"`
	Score             *float64 `json:"score,omitempty"`
}

// OwnedBy reports whether the attempt belongs to the given student.
func (a *ParticipantAttempt) OwnedBy(studentID int) bool {
	return a.StudentID == studentID
}
