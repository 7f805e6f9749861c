package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// AnswerJob is queued for every saved answer and upserted by the autosave
// worker.
type AnswerJob struct {
	ParticipantID uuid.UUID `json:"participant_id"`
	QuestionID    uuid.UUID `json:"question_id"`
	Answer        string    `json:"answer"`
	SavedAt       time.Time `json:"saved_at"`
}

// MonitoringJob is one proctoring event waiting for batch insertion.
type MonitoringJob struct {
	ParticipantID uuid.UUID       `json:"participant_id"`
	EventType     string          `json:"event_type"`
	EventData     json.RawMessage `json:"event_data,omitempty"`
	RecordedAt    time.Time       `json:"recorded_at"`
}

// ScoreJob carries a reconciled score to the scoring worker.
type ScoreJob struct {
	ParticipantID     uuid.UUID `json:"participant_id"`
	OriginalScore     float64   `json:"original_score"`
	FinalScore        float64   `json:"final_score"`
	PenaltyPercentage float64   `json:"penalty_percentage"`
}
