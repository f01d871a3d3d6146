package grading

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/veritest/veritest-backend/internal/config"
	"github.com/veritest/veritest-backend/internal/model"
	"github.com/veritest/veritest-backend/internal/repository"
)

// Result is the outcome of grading one attempt.
type Result struct {
	Score    float64 `json:"score"`
	Grade    string  `json:"grade"`
	Feedback string  `json:"feedback"`
}

// Service grades attempts against their exam's answer key. The key is cached
// in Redis and warmed when an exam is published; cache misses fall back to
// Postgres and re-populate the cache.
type Service struct {
	examRepo *repository.ExamRepository
	rdb      *redis.Client
	log      zerolog.Logger
}

// NewService creates a grading service.
func NewService(examRepo *repository.ExamRepository, rdb *redis.Client) *Service {
	return &Service{
		examRepo: examRepo,
		rdb:      rdb,
		log:      log.With().Str("component", "grading").Logger(),
	}
}

// Grade evaluates the given answers against the exam's answer key. It is
// deterministic: the same exam and answer map always produce the same result.
func (s *Service) Grade(ctx context.Context, examID uuid.UUID, answers map[uuid.UUID]model.AnswerValue) (*Result, error) {
	key, err := s.answerKey(ctx, examID)
	if err != nil {
		return nil, fmt.Errorf("load answer key for exam %s: %w", examID, err)
	}
	if len(key) == 0 {
		return nil, fmt.Errorf("exam %s has no answer key", examID)
	}
	res := Evaluate(key, answers)
	return &res, nil
}

// WarmCache stores the exam's answer key in Redis so grading does not need to
// hit Postgres on the hot path. Called when an exam is published.
func (s *Service) WarmCache(ctx context.Context, examID uuid.UUID) error {
	key, err := s.examRepo.AnswerKey(ctx, examID)
	if err != nil {
		return err
	}
	return s.cacheKey(ctx, examID, key)
}

func (s *Service) answerKey(ctx context.Context, examID uuid.UUID) (map[uuid.UUID]model.KeyEntry, error) {
	if s.rdb != nil {
		raw, err := s.rdb.Get(ctx, config.CacheKey.ExamAnswerKey(examID.String())).Bytes()
		if err == nil {
			var key map[uuid.UUID]model.KeyEntry
			if err := json.Unmarshal(raw, &key); err == nil {
				return key, nil
			}
			s.log.Warn().Str("exam_id", examID.String()).Msg("corrupt cached answer key, falling back to database")
		} else if err != redis.Nil {
			s.log.Warn().Err(err).Msg("redis answer key lookup failed, falling back to database")
		}
	}

	key, err := s.examRepo.AnswerKey(ctx, examID)
	if err != nil {
		return nil, err
	}

	// Self-heal the cache for the next grader.
	if err := s.cacheKey(ctx, examID, key); err != nil {
		s.log.Warn().Err(err).Str("exam_id", examID.String()).Msg("failed to re-cache answer key")
	}
	return key, nil
}

func (s *Service) cacheKey(ctx context.Context, examID uuid.UUID, key map[uuid.UUID]model.KeyEntry) error {
	if s.rdb == nil {
		return nil
	}
	raw, err := json.Marshal(key)
	if err != nil {
		return fmt.Errorf("marshal answer key: %w", err)
	}
	return s.rdb.Set(ctx, config.CacheKey.ExamAnswerKey(examID.String()), raw, 24*time.Hour).Err()
}

// Evaluate scores an answer map against an answer key. Unanswered questions
// earn zero. The score is a percentage of the total available points, rounded
// to two decimals.
func Evaluate(key map[uuid.UUID]model.KeyEntry, answers map[uuid.UUID]model.AnswerValue) Result {
	var total, earned float64
	var correct, answered int
	for qID, entry := range key {
		points := entry.Points
		if points <= 0 {
			points = 1
		}
		total += points
		given, ok := answers[qID]
		if !ok {
			continue
		}
		answered++
		if entry.Value.Equal(given) {
			earned += points
			correct++
		}
	}

	var score float64
	if total > 0 {
		score = roundScore(earned / total * 100)
	}
	return Result{
		Score:    score,
		Grade:    letterGrade(score),
		Feedback: fmt.Sprintf("Answered %d of %d questions, %d correct.", answered, len(key), correct),
	}
}

func roundScore(v float64) float64 {
	return float64(int(v*100+0.5)) / 100
}

func letterGrade(score float64) string {
	switch {
	case score >= 90:
		return "A"
	case score >= 80:
		return "B"
	case score >= 70:
		return "C"
	case score >= 60:
		return "D"
	default:
		return "F"
	}
}
