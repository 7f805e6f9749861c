package model

import (
	"github.com/google/uuid"
)

// DefaultMaxPoints is used for questions that do not declare their own weight.
const DefaultMaxPoints = 10.0

// ExamDefinition is the immutable description of an exam as seen by an attempt.
type ExamDefinition struct {
	ID              uuid.UUID  `json:"id"`
	Title           string     `json:"title"`
	DurationMinutes int        `json:"durationMinutes"`
	PassingScore    float64    `json:"passingScore"`
	TotalPoints     float64    `json:"totalPoints"`
	Questions       []Question `json:"questions"`
	AllowRetakes    bool       `json:"allowRetakes"`
	MaxRetakes      int        `json:"maxRetakes"`
}

// Question returns the question with the given ID.
func (e *ExamDefinition) Question(id uuid.UUID) (Question, bool) {
	for _, q := range e.Questions {
		if q.ID == id {
			return q, true
		}
	}
	return Question{}, false
}

// MaxAttempts is the number of attempts a student may start for this exam.
func (e *ExamDefinition) MaxAttempts() int {
	if !e.AllowRetakes {
		return 1
	}
	return 1 + e.MaxRetakes
}

// Points sums the declared points of every question.
func (e *ExamDefinition) Points() float64 {
	var total float64
	for _, q := range e.Questions {
		total += q.Points()
	}
	return total
}

// Question is a single free-text exam question.
type Question struct {
	ID              uuid.UUID `json:"id"`
	Content         string    `json:"content"`
	ReferenceAnswer string    `json:"referenceAnswer,omitempty"`
	Keywords        []string  `json:"keywords,omitempty"`
	MaxPoints       float64   `json:"maxPoints"`
}

// Points returns the question's weight, falling back to DefaultMaxPoints.
func (q Question) Points() float64 {
	if q.MaxPoints <= 0 {
		return DefaultMaxPoints
	}
	return q.MaxPoints
}
