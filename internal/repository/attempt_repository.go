package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/veritest/veritest-backend/internal/model"
)

// AttemptResult combines student data with their attempt outcome, for
// instructor result listings.
type AttemptResult struct {
	StudentID   int                 `json:"student_id"`
	Name        string              `json:"name"`
	Username    string              `json:"username"`
	Score       *float64            `json:"score"`
	Grade       *string             `json:"grade"`
	Status      model.AttemptStatus `json:"status"`
	StartedAt   time.Time           `json:"started_at"`
	SubmittedAt *time.Time          `json:"submitted_at"`
}

// AttemptRepository handles attempt persistence. It carries no business
// logic beyond referential validity; deadline and submission arbitration
// live in the service layer.
type AttemptRepository struct {
	pool *pgxpool.Pool
}

// NewAttemptRepository creates a new AttemptRepository.
func NewAttemptRepository(pool *pgxpool.Pool) *AttemptRepository {
	return &AttemptRepository{pool: pool}
}

const attemptColumns = `id, exam_id, student_id, started_at, duration_seconds, submitted_at, status, score, grade, feedback`

func scanAttempt(row pgx.Row) (*model.Attempt, error) {
	a := &model.Attempt{}
	err := row.Scan(&a.ID, &a.ExamID, &a.StudentID, &a.StartedAt, &a.DurationSeconds,
		&a.SubmittedAt, &a.Status, &a.Score, &a.Grade, &a.Feedback)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return a, nil
}

// CreateAttempt inserts a new attempt, copying the exam's duration at
// creation time. The unique (exam_id, student_id) constraint enforces
// single-attempt semantics: a conflicting insert returns ErrAlreadyExists.
func (r *AttemptRepository) CreateAttempt(ctx context.Context, examID uuid.UUID, studentID, durationSeconds int) (*model.Attempt, error) {
	a, err := scanAttempt(r.pool.QueryRow(ctx,
		`INSERT INTO attempts (exam_id, student_id, duration_seconds, status)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (exam_id, student_id) DO NOTHING
		 RETURNING `+attemptColumns,
		examID, studentID, durationSeconds, model.AttemptStatusInProgress,
	))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrAlreadyExists
		}
		return nil, err
	}
	return a, nil
}

// GetByID retrieves an attempt by its UUID.
func (r *AttemptRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Attempt, error) {
	return scanAttempt(r.pool.QueryRow(ctx,
		`SELECT `+attemptColumns+` FROM attempts WHERE id = $1`, id))
}

// GetByExamAndStudent retrieves the attempt for an exam-student pair.
func (r *AttemptRepository) GetByExamAndStudent(ctx context.Context, examID uuid.UUID, studentID int) (*model.Attempt, error) {
	return scanAttempt(r.pool.QueryRow(ctx,
		`SELECT `+attemptColumns+` FROM attempts WHERE exam_id = $1 AND student_id = $2`,
		examID, studentID))
}

// UpsertAnswer writes or updates one answer row. The attempt row is locked
// and its status rechecked inside the same transaction, so the write is
// linearizable against Finalize: once the terminal transition commits, this
// returns ErrInvalidState and the answer map stays frozen.
//
// A nil value keeps the stored answer; a nil marked keeps the stored review
// flag. This lets review marks exist without an answer and vice versa.
func (r *AttemptRepository) UpsertAnswer(ctx context.Context, attemptID, questionID uuid.UUID, value *model.AnswerValue, marked *bool) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var status model.AttemptStatus
	err = tx.QueryRow(ctx,
		`SELECT status FROM attempts WHERE id = $1 FOR UPDATE`, attemptID,
	).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("lock attempt: %w", err)
	}
	if status != model.AttemptStatusInProgress {
		return ErrInvalidState
	}

	var answerJSON []byte
	if value != nil {
		answerJSON, err = json.Marshal(value)
		if err != nil {
			return fmt.Errorf("marshal answer: %w", err)
		}
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO attempt_answers (attempt_id, question_id, answer, marked_for_review)
		 VALUES ($1, $2, $3, COALESCE($4, FALSE))
		 ON CONFLICT (attempt_id, question_id) DO UPDATE
		 SET answer = COALESCE(EXCLUDED.answer, attempt_answers.answer),
		     marked_for_review = COALESCE($4, attempt_answers.marked_for_review),
		     updated_at = NOW()`,
		attemptID, questionID, answerJSON, marked,
	)
	if err != nil {
		return fmt.Errorf("upsert answer: %w", err)
	}

	return tx.Commit(ctx)
}

// Answers returns the attempt's current answer map and review-mark set.
func (r *AttemptRepository) Answers(ctx context.Context, attemptID uuid.UUID) (map[uuid.UUID]model.AnswerValue, map[uuid.UUID]bool, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT question_id, answer, marked_for_review
		 FROM attempt_answers WHERE attempt_id = $1`, attemptID)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	answers := make(map[uuid.UUID]model.AnswerValue)
	marked := make(map[uuid.UUID]bool)
	for rows.Next() {
		var qID uuid.UUID
		var raw []byte
		var flagged bool
		if err := rows.Scan(&qID, &raw, &flagged); err != nil {
			return nil, nil, err
		}
		if raw != nil {
			var v model.AnswerValue
			if err := json.Unmarshal(raw, &v); err != nil {
				return nil, nil, fmt.Errorf("decode answer for question %s: %w", qID, err)
			}
			answers[qID] = v
		}
		if flagged {
			marked[qID] = true
		}
	}
	return answers, marked, rows.Err()
}

// Finalize performs the one allowed terminal transition as a single
// conditional write. Only the caller whose UPDATE matches status IN_PROGRESS
// wins; everyone else gets ErrInvalidState (already submitted) or
// ErrNotFound. Never call this twice expecting different results.
func (r *AttemptRepository) Finalize(ctx context.Context, attemptID uuid.UUID, score float64, grade, feedback string) (*model.Attempt, error) {
	a, err := scanAttempt(r.pool.QueryRow(ctx,
		`UPDATE attempts
		 SET status = $1, submitted_at = NOW(), score = $2, grade = $3, feedback = $4
		 WHERE id = $5 AND status = $6
		 RETURNING `+attemptColumns,
		model.AttemptStatusSubmitted, score, grade, feedback,
		attemptID, model.AttemptStatusInProgress,
	))
	if err == nil {
		return a, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	// No row matched: distinguish "absent" from "already submitted".
	if _, getErr := r.GetByID(ctx, attemptID); getErr != nil {
		return nil, getErr
	}
	return nil, ErrInvalidState
}

// ListExpiredInProgress returns attempts whose deadline has passed but whose
// owner never submitted. Used by the sweep worker to force closure.
func (r *AttemptRepository) ListExpiredInProgress(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id FROM attempts
		 WHERE status = $1
		   AND started_at + make_interval(secs => duration_seconds) <= $2
		 ORDER BY started_at
		 LIMIT $3`,
		model.AttemptStatusInProgress, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListByExam retrieves all student results for an exam.
func (r *AttemptRepository) ListByExam(ctx context.Context, examID uuid.UUID) ([]AttemptResult, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT s.id, s.name, s.username, a.score, a.grade, a.status, a.started_at, a.submitted_at
		 FROM attempts a
		 JOIN students s ON a.student_id = s.id
		 WHERE a.exam_id = $1
		 ORDER BY s.name ASC`, examID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []AttemptResult
	for rows.Next() {
		var res AttemptResult
		if err := rows.Scan(&res.StudentID, &res.Name, &res.Username,
			&res.Score, &res.Grade, &res.Status, &res.StartedAt, &res.SubmittedAt); err != nil {
			return nil, err
		}
		results = append(results, res)
	}
	return results, rows.Err()
}
