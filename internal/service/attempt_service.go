package service

import (
	"context"
	"encoding/json"
	"errors"
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

var (
	// ErrAttemptClosed is returned for writes against a submitted or
	// expired attempt.
	ErrAttemptClosed = errors.New("attempt is closed")
	// ErrExamNotAvailable is returned when starting an attempt on an
	// exam that is not open.
	ErrExamNotAvailable = errors.New("exam is not available")
	// ErrGradingFailure is returned when grading fails; the attempt stays
	// in progress so submission can be retried.
	ErrGradingFailure = errors.New("grading failure")
)

// SubmitTrigger records what caused a submission.
type SubmitTrigger string

const (
	TriggerStudent SubmitTrigger = "student"
	TriggerTimer   SubmitTrigger = "timer"
	TriggerSystem  SubmitTrigger = "system"
)

// AttemptStore is the persistence surface the coordinator needs. The
// conditional Finalize is the cross-process arbiter for the terminal
// transition.
type AttemptStore interface {
	CreateAttempt(ctx context.Context, examID uuid.UUID, studentID, durationSeconds int) (*model.Attempt, error)
	GetByID(ctx context.Context, id uuid.UUID) (*model.Attempt, error)
	GetByExamAndStudent(ctx context.Context, examID uuid.UUID, studentID int) (*model.Attempt, error)
	UpsertAnswer(ctx context.Context, attemptID, questionID uuid.UUID, value *model.AnswerValue, marked *bool) error
	Answers(ctx context.Context, attemptID uuid.UUID) (map[uuid.UUID]model.AnswerValue, map[uuid.UUID]bool, error)
	Finalize(ctx context.Context, attemptID uuid.UUID, score float64, grade, feedback string) (*model.Attempt, error)
	ListExpiredInProgress(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error)
}

// ExamGateway supplies the exam metadata needed to admit attempts.
type ExamGateway interface {
	GetByID(ctx context.Context, id uuid.UUID) (*model.Exam, error)
}

// Grader produces a deterministic result for an attempt's answers.
type Grader interface {
	Grade(ctx context.Context, examID uuid.UUID, answers map[uuid.UUID]model.AnswerValue) (*grading.Result, error)
}

// AttemptService coordinates the attempt lifecycle: admission, answer
// writes, deadline enforcement, and the single terminal transition.
type AttemptService struct {
	attempts AttemptStore
	exams    ExamGateway
	grader   Grader
	rdb      *redis.Client
	locks    *attemptLocks
	now      func() time.Time
	log      zerolog.Logger
}

// NewAttemptService creates a new AttemptService.
func NewAttemptService(attempts AttemptStore, exams ExamGateway, grader Grader, rdb *redis.Client) *AttemptService {
	return &AttemptService{
		attempts: attempts,
		exams:    exams,
		grader:   grader,
		rdb:      rdb,
		locks:    newAttemptLocks(),
		now:      time.Now,
		log:      log.With().Str("component", "attempt_service").Logger(),
	}
}

// AttemptState is the full view of an attempt returned to its owner.
type AttemptState struct {
	Attempt          *model.Attempt                  `json:"attempt"`
	RemainingSeconds int                             `json:"remaining_seconds"`
	Answers          map[uuid.UUID]model.AnswerValue `json:"answers"`
	MarkedForReview  []uuid.UUID                     `json:"marked_for_review"`
}

// cachedAnswer is the per-question entry mirrored into the Redis answer
// hash for fast state reads while the attempt is live.
type cachedAnswer struct {
	Answer *model.AnswerValue `json:"answer,omitempty"`
	Marked bool               `json:"marked,omitempty"`
}

// StartAttempt admits a student into an exam. The exam's duration is
// copied onto the attempt so later exam edits never move a live deadline.
// A second start for the same exam returns repository.ErrAlreadyExists.
func (s *AttemptService) StartAttempt(ctx context.Context, examID uuid.UUID, studentID int) (*model.Attempt, error) {
	exam, err := s.exams.GetByID(ctx, examID)
	if err != nil {
		return nil, err
	}
	if !exam.OpenForAttempts(s.now()) {
		return nil, ErrExamNotAvailable
	}

	attempt, err := s.attempts.CreateAttempt(ctx, examID, studentID, exam.DurationSeconds)
	if err != nil {
		return nil, err
	}

	s.cacheDeadline(ctx, attempt)

	s.log.Info().
		Str("attempt_id", attempt.ID.String()).
		Str("exam_id", examID.String()).
		Int("student_id", studentID).
		Time("deadline", attempt.Deadline()).
		Msg("attempt started")
	return attempt, nil
}

// ExistingAttempt returns the student's attempt for an exam, if any.
func (s *AttemptService) ExistingAttempt(ctx context.Context, examID uuid.UUID, studentID int) (*model.Attempt, error) {
	return s.attempts.GetByExamAndStudent(ctx, examID, studentID)
}

// getOwned loads an attempt and verifies ownership. Attempts belonging to
// other students look like ErrNotFound to the caller.
func (s *AttemptService) getOwned(ctx context.Context, attemptID uuid.UUID, studentID int) (*model.Attempt, error) {
	attempt, err := s.attempts.GetByID(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	if attempt.StudentID != studentID {
		return nil, repository.ErrNotFound
	}
	return attempt, nil
}

// SaveAnswer records one answer. Writes against closed attempts are
// rejected; a write that discovers an expired attempt force-closes it
// first, so the late write is never applied.
func (s *AttemptService) SaveAnswer(ctx context.Context, attemptID uuid.UUID, studentID int, questionID uuid.UUID, value model.AnswerValue) error {
	if err := value.Validate(); err != nil {
		return fmt.Errorf("invalid answer: %w", err)
	}
	return s.writeAnswer(ctx, attemptID, studentID, questionID, &value, nil)
}

// MarkForReview flags or unflags a question on a live attempt. The mark is
// advisory and never affects grading.
func (s *AttemptService) MarkForReview(ctx context.Context, attemptID uuid.UUID, studentID int, questionID uuid.UUID, marked bool) error {
	return s.writeAnswer(ctx, attemptID, studentID, questionID, nil, &marked)
}

func (s *AttemptService) writeAnswer(ctx context.Context, attemptID uuid.UUID, studentID int, questionID uuid.UUID, value *model.AnswerValue, marked *bool) error {
	attempt, err := s.getOwned(ctx, attemptID, studentID)
	if err != nil {
		return err
	}
	if attempt.Submitted() {
		return ErrAttemptClosed
	}
	if attempt.IsExpired(s.now()) {
		s.forceClose(ctx, attempt.ID)
		return ErrAttemptClosed
	}

	err = s.attempts.UpsertAnswer(ctx, attemptID, questionID, value, marked)
	if err != nil {
		// The attempt reached its terminal state between our read and the
		// locked write. The answer map is frozen; report the closure.
		if errors.Is(err, repository.ErrInvalidState) {
			return ErrAttemptClosed
		}
		return err
	}

	s.mirrorAnswer(ctx, attemptID, questionID, value, marked)
	return nil
}

// Submit finalizes an attempt. It is idempotent: resubmitting a submitted
// attempt returns the original result without re-grading. If grading
// fails, the attempt stays in progress and the call can be retried.
//
// Only the system trigger bypasses ownership; it is reserved for the
// sweep and force-close paths, which never originate from a client.
func (s *AttemptService) Submit(ctx context.Context, attemptID uuid.UUID, studentID int, trigger SubmitTrigger) (*model.Attempt, error) {
	if trigger != TriggerSystem {
		owned, err := s.getOwned(ctx, attemptID, studentID)
		if err != nil {
			return nil, err
		}
		// Timer triggers also come from clients. The deadline is
		// recomputed here; a timer claim on a live attempt counts as a
		// plain student submit.
		if trigger == TriggerTimer && !owned.IsExpired(s.now()) {
			trigger = TriggerStudent
		}
	}

	unlock := s.locks.lock(attemptID)
	defer unlock()

	attempt, err := s.attempts.GetByID(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	if attempt.Submitted() {
		return attempt, nil
	}

	answers, _, err := s.attempts.Answers(ctx, attemptID)
	if err != nil {
		return nil, fmt.Errorf("load answers: %w", err)
	}

	result, err := s.grader.Grade(ctx, attempt.ExamID, answers)
	if err != nil {
		s.log.Error().Err(err).
			Str("attempt_id", attemptID.String()).
			Str("trigger", string(trigger)).
			Msg("grading failed, attempt left in progress")
		return nil, fmt.Errorf("%w: %v", ErrGradingFailure, err)
	}

	final, err := s.attempts.Finalize(ctx, attemptID, result.Score, result.Grade, result.Feedback)
	if err != nil {
		// Someone else won the terminal transition. Their result stands.
		if errors.Is(err, repository.ErrInvalidState) {
			return s.attempts.GetByID(ctx, attemptID)
		}
		return nil, fmt.Errorf("finalize attempt: %w", err)
	}

	s.afterFinalize(ctx, final, trigger)
	return final, nil
}

// forceClose submits an expired attempt on behalf of the system. Failures
// are logged and left for the sweep worker to retry.
func (s *AttemptService) forceClose(ctx context.Context, attemptID uuid.UUID) {
	if _, err := s.Submit(ctx, attemptID, 0, TriggerSystem); err != nil {
		s.log.Warn().Err(err).
			Str("attempt_id", attemptID.String()).
			Msg("failed to force-close expired attempt")
	}
}

// SubmitExpired finds attempts past their deadline that were never
// submitted and closes them. Returns the number closed.
func (s *AttemptService) SubmitExpired(ctx context.Context, limit int) (int, error) {
	ids, err := s.attempts.ListExpiredInProgress(ctx, s.now(), limit)
	if err != nil {
		return 0, fmt.Errorf("list expired attempts: %w", err)
	}

	closed := 0
	for _, id := range ids {
		if _, err := s.Submit(ctx, id, 0, TriggerSystem); err != nil {
			s.log.Warn().Err(err).Str("attempt_id", id.String()).Msg("sweep submit failed")
			continue
		}
		closed++
	}
	return closed, nil
}

// State returns the attempt plus its answers and review marks. Reading an
// expired in-progress attempt closes it first, so the caller always sees a
// consistent terminal view. Live answers are served from Redis when
// available, with Postgres as the authority on miss.
func (s *AttemptService) State(ctx context.Context, attemptID uuid.UUID, studentID int) (*AttemptState, error) {
	attempt, err := s.getOwned(ctx, attemptID, studentID)
	if err != nil {
		return nil, err
	}

	if !attempt.Submitted() && attempt.IsExpired(s.now()) {
		s.forceClose(ctx, attempt.ID)
		if attempt, err = s.attempts.GetByID(ctx, attemptID); err != nil {
			return nil, err
		}
	}

	answers, marked, err := s.loadAnswers(ctx, attempt)
	if err != nil {
		return nil, err
	}

	markedIDs := make([]uuid.UUID, 0, len(marked))
	for qID := range marked {
		markedIDs = append(markedIDs, qID)
	}

	return &AttemptState{
		Attempt:          attempt,
		RemainingSeconds: int(attempt.Remaining(s.now()).Seconds()),
		Answers:          answers,
		MarkedForReview:  markedIDs,
	}, nil
}

// Deadline returns the attempt's deadline, serving from the Redis cache
// when possible. Used by the clock stream, which polls frequently.
func (s *AttemptService) Deadline(ctx context.Context, attemptID uuid.UUID, studentID int) (time.Time, error) {
	if s.rdb != nil {
		raw, err := s.rdb.Get(ctx, config.CacheKey.AttemptDeadlineKey(attemptID.String())).Result()
		if err == nil {
			if unix, perr := strconv.ParseInt(raw, 10, 64); perr == nil {
				return time.Unix(unix, 0), nil
			}
		}
	}

	attempt, err := s.getOwned(ctx, attemptID, studentID)
	if err != nil {
		return time.Time{}, err
	}
	s.cacheDeadline(ctx, attempt)
	return attempt.Deadline(), nil
}

func (s *AttemptService) loadAnswers(ctx context.Context, attempt *model.Attempt) (map[uuid.UUID]model.AnswerValue, map[uuid.UUID]bool, error) {
	if s.rdb != nil && !attempt.Submitted() {
		entries, err := s.rdb.HGetAll(ctx, config.CacheKey.AttemptAnswersKey(attempt.ID.String())).Result()
		if err == nil && len(entries) > 0 {
			answers := make(map[uuid.UUID]model.AnswerValue, len(entries))
			marked := make(map[uuid.UUID]bool)
			valid := true
			for field, raw := range entries {
				qID, err := uuid.Parse(field)
				if err != nil {
					valid = false
					break
				}
				var entry cachedAnswer
				if err := json.Unmarshal([]byte(raw), &entry); err != nil {
					valid = false
					break
				}
				if entry.Answer != nil {
					answers[qID] = *entry.Answer
				}
				if entry.Marked {
					marked[qID] = true
				}
			}
			if valid {
				return answers, marked, nil
			}
			s.log.Warn().Str("attempt_id", attempt.ID.String()).Msg("corrupt cached answers, falling back to database")
		}
	}

	answers, marked, err := s.attempts.Answers(ctx, attempt.ID)
	if err != nil {
		return nil, nil, err
	}

	// Self-heal the cache for subsequent reads while the attempt is live.
	if s.rdb != nil && !attempt.Submitted() && len(answers)+len(marked) > 0 {
		key := config.CacheKey.AttemptAnswersKey(attempt.ID.String())
		pipe := s.rdb.Pipeline()
		for qID, v := range answers {
			value := v
			entry := cachedAnswer{Answer: &value, Marked: marked[qID]}
			if raw, merr := json.Marshal(entry); merr == nil {
				pipe.HSet(ctx, key, qID.String(), raw)
			}
		}
		for qID, m := range marked {
			if _, hasAnswer := answers[qID]; hasAnswer || !m {
				continue
			}
			if raw, merr := json.Marshal(cachedAnswer{Marked: true}); merr == nil {
				pipe.HSet(ctx, key, qID.String(), raw)
			}
		}
		if _, err := pipe.Exec(ctx); err != nil {
			s.log.Warn().Err(err).Msg("failed to re-cache attempt answers")
		}
	}

	return answers, marked, nil
}

// mirrorAnswer updates the Redis answer hash after a successful write.
// Best effort; Postgres already holds the authoritative copy. The merge
// runs under the per-attempt lock so a save and a review mark racing on
// the same question cannot drop each other's field.
func (s *AttemptService) mirrorAnswer(ctx context.Context, attemptID, questionID uuid.UUID, value *model.AnswerValue, marked *bool) {
	if s.rdb == nil {
		return
	}
	unlock := s.locks.lock(attemptID)
	defer unlock()

	key := config.CacheKey.AttemptAnswersKey(attemptID.String())
	field := questionID.String()

	entry := cachedAnswer{}
	if raw, err := s.rdb.HGet(ctx, key, field).Result(); err == nil {
		_ = json.Unmarshal([]byte(raw), &entry)
	}
	if value != nil {
		entry.Answer = value
	}
	if marked != nil {
		entry.Marked = *marked
	}

	raw, err := json.Marshal(entry)
	if err != nil {
		return
	}
	if err := s.rdb.HSet(ctx, key, field, raw).Err(); err != nil {
		s.log.Warn().Err(err).Str("attempt_id", attemptID.String()).Msg("failed to mirror answer to cache")
	}
}

func (s *AttemptService) cacheDeadline(ctx context.Context, attempt *model.Attempt) {
	if s.rdb == nil {
		return
	}
	ttl := attempt.Remaining(s.now()) + time.Hour
	err := s.rdb.Set(ctx,
		config.CacheKey.AttemptDeadlineKey(attempt.ID.String()),
		strconv.FormatInt(attempt.Deadline().Unix(), 10),
		ttl,
	).Err()
	if err != nil {
		s.log.Warn().Err(err).Str("attempt_id", attempt.ID.String()).Msg("failed to cache attempt deadline")
	}
}

// afterFinalize runs the post-submission side work: queue the attempt for
// cache cleanup and notify any exam monitors. All best effort.
func (s *AttemptService) afterFinalize(ctx context.Context, attempt *model.Attempt, trigger SubmitTrigger) {
	s.log.Info().
		Str("attempt_id", attempt.ID.String()).
		Str("exam_id", attempt.ExamID.String()).
		Str("trigger", string(trigger)).
		Float64("score", derefFloat(attempt.Score)).
		Msg("attempt finalized")

	if s.rdb == nil {
		return
	}
	if err := s.rdb.RPush(ctx, config.WorkerKey.FinalizedQueue, attempt.ID.String()).Err(); err != nil {
		s.log.Warn().Err(err).Str("attempt_id", attempt.ID.String()).Msg("failed to enqueue finalized attempt")
	}
}

func derefFloat(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}
