package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-engine/internal/model"
)

// ExamRepository handles exam data access.
type ExamRepository struct {
	pool *pgxpool.Pool
}

// NewExamRepository creates a new ExamRepository.
func NewExamRepository(pool *pgxpool.Pool) *ExamRepository {
	return &ExamRepository{pool: pool}
}

// GetByID retrieves an exam by its UUID. Questions are not loaded.
func (r *ExamRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.ExamDefinition, error) {
	e := &model.ExamDefinition{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, title, duration_minutes, passing_score, allow_retakes, max_retakes
		 FROM exams WHERE id = $1`, id,
	).Scan(&e.ID, &e.Title, &e.DurationMinutes, &e.PassingScore, &e.AllowRetakes, &e.MaxRetakes)
	if err != nil {
		return nil, err
	}
	return e, nil
}

// ListIDs returns the IDs of every exam, newest first.
func (r *ExamRepository) ListIDs(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, `SELECT id FROM exams ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
}

// CreateWithQuestions inserts an exam and its questions in one transaction.
// IDs are assigned in place.
func (r *ExamRepository) CreateWithQuestions(ctx context.Context, e *model.ExamDefinition) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx,
			`INSERT INTO exams (title, duration_minutes, passing_score, allow_retakes, max_retakes)
			 VALUES ($1, $2, $3, $4, $5)
			 RETURNING id`,
			e.Title, e.DurationMinutes, e.PassingScore, e.AllowRetakes, e.MaxRetakes,
		).Scan(&e.ID)
		if err != nil {
			return err
		}

		for i := range e.Questions {
			if err := insertQuestion(ctx, tx, e.ID, i+1, &e.Questions[i]); err != nil {
				return err
			}
		}
		return nil
	})
}
