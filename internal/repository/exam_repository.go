package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/veritest/veritest-backend/internal/model"
)

// ExamRepository handles exam and question data access.
type ExamRepository struct {
	pool *pgxpool.Pool
}

// NewExamRepository creates a new ExamRepository.
func NewExamRepository(pool *pgxpool.Pool) *ExamRepository {
	return &ExamRepository{pool: pool}
}

// GetByID retrieves an exam by its UUID.
func (r *ExamRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Exam, error) {
	e := &model.Exam{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, title, instructor_id, duration_seconds, opens_at, closes_at,
		        status, created_at, updated_at
		 FROM exams WHERE id = $1`, id,
	).Scan(&e.ID, &e.Title, &e.InstructorID, &e.DurationSeconds, &e.OpensAt,
		&e.ClosesAt, &e.Status, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return e, nil
}

// Create inserts a new exam and its questions in one transaction.
func (r *ExamRepository) Create(ctx context.Context, e *model.Exam, questions []model.Question) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx,
		`INSERT INTO exams (title, instructor_id, duration_seconds, opens_at, closes_at, status)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id, created_at, updated_at`,
		e.Title, e.InstructorID, e.DurationSeconds, e.OpensAt, e.ClosesAt, e.Status,
	).Scan(&e.ID, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert exam: %w", err)
	}

	for i := range questions {
		q := &questions[i]
		q.ExamID = e.ID
		correct, err := json.Marshal(q.Correct)
		if err != nil {
			return fmt.Errorf("marshal answer key: %w", err)
		}
		err = tx.QueryRow(ctx,
			`INSERT INTO questions (exam_id, kind, prompt, options, correct, points, order_num)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 RETURNING id`,
			q.ExamID, q.Kind, q.Prompt, q.Options, correct, q.Points, q.OrderNum,
		).Scan(&q.ID)
		if err != nil {
			return fmt.Errorf("insert question %d: %w", i, err)
		}
	}

	return tx.Commit(ctx)
}

// UpdateStatus updates an exam's status.
func (r *ExamRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status model.ExamStatus) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE exams SET status = $1, updated_at = NOW() WHERE id = $2`,
		status, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// QuestionsByExam retrieves all questions of an exam in display order.
func (r *ExamRepository) QuestionsByExam(ctx context.Context, examID uuid.UUID) ([]model.Question, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, exam_id, kind, prompt, options, correct, points, order_num
		 FROM questions WHERE exam_id = $1
		 ORDER BY order_num ASC`, examID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var questions []model.Question
	for rows.Next() {
		var q model.Question
		var correct []byte
		if err := rows.Scan(&q.ID, &q.ExamID, &q.Kind, &q.Prompt, &q.Options,
			&correct, &q.Points, &q.OrderNum); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(correct, &q.Correct); err != nil {
			return nil, fmt.Errorf("decode answer key for question %s: %w", q.ID, err)
		}
		questions = append(questions, q)
	}
	return questions, rows.Err()
}

// AnswerKey returns the exam's answer key as consumed by the grading engine.
func (r *ExamRepository) AnswerKey(ctx context.Context, examID uuid.UUID) (map[uuid.UUID]model.KeyEntry, error) {
	questions, err := r.QuestionsByExam(ctx, examID)
	if err != nil {
		return nil, err
	}
	key := make(map[uuid.UUID]model.KeyEntry, len(questions))
	for _, q := range questions {
		key[q.ID] = model.KeyEntry{Value: q.Correct, Points: q.Points}
	}
	return key, nil
}
