package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-engine/internal/model"
)

const participantColumns = `id, exam_id, student_id, status, attempt_number, registered_at,
	started_at, completed_at, tab_switches, fullscreen_exits, penalty_percentage,
	original_score, final_score`

// ParticipantRepository handles exam attempt data access.
type ParticipantRepository struct {
	pool *pgxpool.Pool
}

// NewParticipantRepository creates a new ParticipantRepository.
func NewParticipantRepository(pool *pgxpool.Pool) *ParticipantRepository {
	return &ParticipantRepository{pool: pool}
}

func scanParticipant(row pgx.Row) (*model.ParticipantAttempt, error) {
	p := &model.ParticipantAttempt{}
	err := row.Scan(&p.ParticipantID, &p.ExamID, &p.StudentID, &p.Status, &p.AttemptNumber, &p.RegisteredAt,
		&p.StartedAt, &p.CompletedAt, &p.TabSwitches, &p.FullscreenExits, &p.PenaltyPercentage,
		&p.OriginalScore, &p.Score)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// GetByID retrieves an attempt by its participant ID.
func (r *ParticipantRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.ParticipantAttempt, error) {
	return scanParticipant(r.pool.QueryRow(ctx,
		`SELECT `+participantColumns+` FROM participants WHERE id = $1`, id))
}

// LatestByExamAndStudent retrieves the student's most recent attempt.
func (r *ParticipantRepository) LatestByExamAndStudent(ctx context.Context, examID uuid.UUID, studentID int) (*model.ParticipantAttempt, error) {
	return scanParticipant(r.pool.QueryRow(ctx,
		`SELECT `+participantColumns+`
		 FROM participants
		 WHERE exam_id = $1 AND student_id = $2
		 ORDER BY attempt_number DESC
		 LIMIT 1`, examID, studentID))
}

// CountByExamAndStudent returns how many attempts the student registered.
func (r *ParticipantRepository) CountByExamAndStudent(ctx context.Context, examID uuid.UUID, studentID int) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM participants WHERE exam_id = $1 AND student_id = $2`,
		examID, studentID,
	).Scan(&n)
	return n, err
}

// Create registers a new attempt. A concurrent registration for the same
// attempt number surfaces as pgx.ErrNoRows.
func (r *ParticipantRepository) Create(ctx context.Context, p *model.ParticipantAttempt) error {
	return r.pool.QueryRow(ctx,
		`INSERT INTO participants (exam_id, student_id, attempt_number, status)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT DO NOTHING
		 RETURNING id, registered_at`,
		p.ExamID, p.StudentID, p.AttemptNumber, model.AttemptRegistered,
	).Scan(&p.ParticipantID, &p.RegisteredAt)
}

// MarkStarted moves a registered attempt to in_progress and returns its start
// time. Starting an attempt twice keeps the first start time. Completed
// attempts yield pgx.ErrNoRows.
func (r *ParticipantRepository) MarkStarted(ctx context.Context, id uuid.UUID) (time.Time, error) {
	var startedAt time.Time
	err := r.pool.QueryRow(ctx,
		`UPDATE participants
		 SET status = $2, started_at = COALESCE(started_at, NOW())
		 WHERE id = $1 AND status IN ($3, $2)
		 RETURNING started_at`,
		id, model.AttemptInProgress, model.AttemptRegistered,
	).Scan(&startedAt)
	return startedAt, err
}

// Complete marks an attempt completed and records its penalties. The first
// completion time is kept.
func (r *ParticipantRepository) Complete(ctx context.Context, id uuid.UUID, p model.Penalties) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE participants
		 SET status = CASE WHEN status = $6 THEN status ELSE $2 END,
		     completed_at = COALESCE(completed_at, NOW()),
		     tab_switches = $3,
		     fullscreen_exits = $4,
		     penalty_percentage = $5
		 WHERE id = $1`,
		id, model.AttemptCompleted, p.TabSwitches, p.FullscreenExits, p.PenaltyPercentage, model.AttemptReviewed)
	return err
}

// ListAnswers returns the persisted answers of an attempt in question order.
func (r *ParticipantRepository) ListAnswers(ctx context.Context, id uuid.UUID) ([]model.AnswerEntry, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT pa.question_id, pa.answer
		 FROM participant_answers pa
		 JOIN questions q ON q.id = pa.question_id
		 WHERE pa.participant_id = $1
		 ORDER BY q.position`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var answers []model.AnswerEntry
	for rows.Next() {
		var a model.AnswerEntry
		if err := rows.Scan(&a.QuestionID, &a.Answer); err != nil {
			return nil, err
		}
		answers = append(answers, a)
	}
	return answers, rows.Err()
}
