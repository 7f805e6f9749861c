package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-engine/internal/model"
)

// QuestionRepository handles question data access.
type QuestionRepository struct {
	pool *pgxpool.Pool
}

// NewQuestionRepository creates a new QuestionRepository.
func NewQuestionRepository(pool *pgxpool.Pool) *QuestionRepository {
	return &QuestionRepository{pool: pool}
}

// ListByExam retrieves all questions for a given exam, ordered by position.
func (r *QuestionRepository) ListByExam(ctx context.Context, examID uuid.UUID) ([]model.Question, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, content, reference_answer, keywords, max_points
		 FROM questions WHERE exam_id = $1
		 ORDER BY position`, examID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var questions []model.Question
	for rows.Next() {
		var q model.Question
		if err := rows.Scan(&q.ID, &q.Content, &q.ReferenceAnswer, &q.Keywords, &q.MaxPoints); err != nil {
			return nil, err
		}
		questions = append(questions, q)
	}
	return questions, rows.Err()
}

// Create appends a question to an exam at the given position.
func (r *QuestionRepository) Create(ctx context.Context, examID uuid.UUID, position int, q *model.Question) error {
	return insertQuestion(ctx, r.pool, examID, position, q)
}

type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func insertQuestion(ctx context.Context, db queryRower, examID uuid.UUID, position int, q *model.Question) error {
	keywords := q.Keywords
	if keywords == nil {
		keywords = []string{}
	}
	return db.QueryRow(ctx,
		`INSERT INTO questions (exam_id, position, content, reference_answer, keywords, max_points)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id`,
		examID, position, q.Content, q.ReferenceAnswer, keywords, q.Points(),
	).Scan(&q.ID)
}
