package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/veritest/veritest-backend/internal/config"
	"github.com/veritest/veritest-backend/internal/grading"
	"github.com/veritest/veritest-backend/internal/model"
	"github.com/veritest/veritest-backend/internal/repository"
)

// ExamService handles exam authoring and publication.
type ExamService struct {
	examRepo    *repository.ExamRepository
	attemptRepo *repository.AttemptRepository
	grader      *grading.Service
	rdb         *redis.Client
	log         zerolog.Logger
}

// NewExamService creates a new ExamService.
func NewExamService(
	examRepo *repository.ExamRepository,
	attemptRepo *repository.AttemptRepository,
	grader *grading.Service,
	rdb *redis.Client,
) *ExamService {
	return &ExamService{
		examRepo:    examRepo,
		attemptRepo: attemptRepo,
		grader:      grader,
		rdb:         rdb,
		log:         log.With().Str("component", "exam_service").Logger(),
	}
}

// Create stores a new exam with its questions in DRAFT state.
func (s *ExamService) Create(ctx context.Context, instructorID int, req *model.CreateExamRequest) (*model.Exam, error) {
	questions := make([]model.Question, 0, len(req.Questions))
	for i, qr := range req.Questions {
		if qr.Correct.Kind != qr.Kind {
			return nil, fmt.Errorf("question %d: answer key kind %q does not match question kind %q", i+1, qr.Correct.Kind, qr.Kind)
		}
		if err := qr.Correct.Validate(); err != nil {
			return nil, fmt.Errorf("question %d: %w", i+1, err)
		}
		if qr.Kind == model.AnswerKindChoice {
			if len(qr.Options) < 2 {
				return nil, fmt.Errorf("question %d: choice questions need at least two options", i+1)
			}
			if *qr.Correct.Choice >= len(qr.Options) {
				return nil, fmt.Errorf("question %d: answer key index out of range", i+1)
			}
		}

		points := qr.Points
		if points <= 0 {
			points = 1
		}

		var options json.RawMessage
		if len(qr.Options) > 0 {
			raw, err := json.Marshal(qr.Options)
			if err != nil {
				return nil, fmt.Errorf("question %d: marshal options: %w", i+1, err)
			}
			options = raw
		}

		questions = append(questions, model.Question{
			Kind:     qr.Kind,
			Prompt:   qr.Prompt,
			Options:  options,
			Correct:  qr.Correct,
			Points:   points,
			OrderNum: i + 1,
		})
	}

	exam := &model.Exam{
		Title:           req.Title,
		InstructorID:    instructorID,
		DurationSeconds: req.DurationSeconds,
		OpensAt:         req.OpensAt,
		ClosesAt:        req.ClosesAt,
		Status:          model.ExamStatusDraft,
	}

	if err := s.examRepo.Create(ctx, exam, questions); err != nil {
		return nil, fmt.Errorf("create exam: %w", err)
	}

	s.log.Info().
		Str("exam_id", exam.ID.String()).
		Int("instructor_id", instructorID).
		Int("questions", len(questions)).
		Msg("exam created")
	return exam, nil
}

// Publish moves an exam to OPEN and warms the caches grading and the clock
// stream rely on. Publishing an already-open exam is a no-op.
func (s *ExamService) Publish(ctx context.Context, id uuid.UUID) (*model.Exam, error) {
	exam, err := s.examRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if exam.Status == model.ExamStatusArchived {
		return nil, repository.ErrInvalidState
	}

	if exam.Status != model.ExamStatusOpen {
		if err := s.examRepo.UpdateStatus(ctx, id, model.ExamStatusOpen); err != nil {
			return nil, fmt.Errorf("publish exam: %w", err)
		}
		exam.Status = model.ExamStatusOpen
	}

	if err := s.grader.WarmCache(ctx, id); err != nil {
		s.log.Warn().Err(err).Str("exam_id", id.String()).Msg("failed to warm answer key cache")
	}
	if s.rdb != nil {
		err := s.rdb.Set(ctx, config.CacheKey.ExamDurationKey(id.String()),
			strconv.Itoa(exam.DurationSeconds), 24*time.Hour).Err()
		if err != nil {
			s.log.Warn().Err(err).Str("exam_id", id.String()).Msg("failed to cache exam duration")
		}
	}

	s.log.Info().Str("exam_id", id.String()).Msg("exam published")
	return exam, nil
}

// Archive closes an exam to new attempts. Live attempts keep their
// deadlines and run to completion.
func (s *ExamService) Archive(ctx context.Context, id uuid.UUID) error {
	return s.examRepo.UpdateStatus(ctx, id, model.ExamStatusArchived)
}

// GetByID retrieves an exam.
func (s *ExamService) GetByID(ctx context.Context, id uuid.UUID) (*model.Exam, error) {
	return s.examRepo.GetByID(ctx, id)
}

// QuestionsForStudent returns the exam's questions with answer keys
// stripped.
func (s *ExamService) QuestionsForStudent(ctx context.Context, examID uuid.UUID) ([]model.QuestionForStudent, error) {
	questions, err := s.examRepo.QuestionsByExam(ctx, examID)
	if err != nil {
		return nil, err
	}
	out := make([]model.QuestionForStudent, 0, len(questions))
	for i := range questions {
		out = append(out, questions[i].ForStudent())
	}
	return out, nil
}

// Results lists every student's attempt outcome for an exam.
func (s *ExamService) Results(ctx context.Context, examID uuid.UUID) ([]repository.AttemptResult, error) {
	if _, err := s.examRepo.GetByID(ctx, examID); err != nil {
		return nil, err
	}
	return s.attemptRepo.ListByExam(ctx, examID)
}
