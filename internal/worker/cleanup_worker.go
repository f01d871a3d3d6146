package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/veritest/veritest-backend/internal/config"
	"github.com/veritest/veritest-backend/internal/repository"
)

// CleanupWorker consumes finalized attempt IDs, evicts their live-attempt
// cache entries, and notifies exam monitors of the submission.
type CleanupWorker struct {
	attemptRepo *repository.AttemptRepository
	rdb         *redis.Client
	log         zerolog.Logger
}

// NewCleanupWorker creates a new CleanupWorker.
func NewCleanupWorker(attemptRepo *repository.AttemptRepository, rdb *redis.Client) *CleanupWorker {
	return &CleanupWorker{
		attemptRepo: attemptRepo,
		rdb:         rdb,
		log:         log.With().Str("component", "cleanup_worker").Logger(),
	}
}

// Start begins the infinite worker loop. Call in a goroutine.
func (w *CleanupWorker) Start(ctx context.Context) {
	w.log.Info().Msg("Worker started")

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("Worker stopping...")
			// Drain remaining items before exit.
			w.drain(context.Background())
			w.log.Info().Msg("Worker stopped")
			return
		default:
			w.processNext(ctx)
		}
	}
}

func (w *CleanupWorker) processNext(ctx context.Context) {
	// BLPop blocks until an item is available or timeout (1 second).
	result, err := w.rdb.BLPop(ctx, time.Second, config.WorkerKey.FinalizedQueue).Result()
	if err != nil {
		if err != redis.Nil && ctx.Err() == nil {
			w.log.Error().Err(err).Msg("BLPop error")
		}
		return
	}

	if len(result) < 2 {
		return
	}

	if err := w.cleanup(ctx, result[1]); err != nil {
		w.log.Error().Err(err).Str("attempt_id", result[1]).Msg("Cleanup error, retrying in 5s")
		// Push back to queue for retry.
		w.rdb.RPush(ctx, config.WorkerKey.FinalizedQueue, result[1])
		time.Sleep(5 * time.Second)
	}
}

func (w *CleanupWorker) cleanup(ctx context.Context, rawID string) error {
	attemptID, err := uuid.Parse(rawID)
	if err != nil {
		// Malformed entry, drop it rather than requeue forever.
		w.log.Warn().Str("payload", rawID).Msg("Dropping malformed queue entry")
		return nil
	}

	attempt, err := w.attemptRepo.GetByID(ctx, attemptID)
	if err != nil {
		return err
	}

	pipe := w.rdb.Pipeline()
	pipe.Del(ctx, config.CacheKey.AttemptAnswersKey(rawID))
	pipe.Del(ctx, config.CacheKey.AttemptDeadlineKey(rawID))
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}

	event, _ := json.Marshal(map[string]interface{}{
		"event":        "attempt_submitted",
		"attempt_id":   rawID,
		"student_id":   attempt.StudentID,
		"submitted_at": attempt.SubmittedAt,
		"score":        attempt.Score,
	})
	if err := w.rdb.Publish(ctx, config.CacheKey.ExamMonitorChannel(attempt.ExamID.String()), event).Err(); err != nil {
		w.log.Warn().Err(err).Msg("Monitor publish error")
	}

	return nil
}

// drain processes all remaining items in the queue before shutdown.
func (w *CleanupWorker) drain(ctx context.Context) {
	drained := 0
	for {
		result, err := w.rdb.LPop(ctx, config.WorkerKey.FinalizedQueue).Result()
		if err != nil {
			break
		}

		if err := w.cleanup(ctx, result); err != nil {
			w.log.Error().Err(err).Msg("Drain cleanup error")
			w.rdb.RPush(ctx, config.WorkerKey.FinalizedQueue, result)
			break
		}
		drained++
	}

	if drained > 0 {
		w.log.Info().Int("count", drained).Msg("Drained remaining items")
	}
}
