package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/veritest/veritest-backend/internal/service"
)

// SweepWorker periodically force-closes attempts whose deadline passed but
// whose owners never submitted, so expiry takes effect even when the
// student has disconnected.
type SweepWorker struct {
	attempts  *service.AttemptService
	interval  time.Duration
	batchSize int
	log       zerolog.Logger
}

// NewSweepWorker creates a new SweepWorker.
func NewSweepWorker(attempts *service.AttemptService, interval time.Duration, batchSize int) *SweepWorker {
	return &SweepWorker{
		attempts:  attempts,
		interval:  interval,
		batchSize: batchSize,
		log:       log.With().Str("component", "sweep_worker").Logger(),
	}
}

// Start begins the sweep loop. Call in a goroutine.
func (w *SweepWorker) Start(ctx context.Context) {
	w.log.Info().Dur("interval", w.interval).Msg("Worker started")

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("Worker stopped")
			return
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

func (w *SweepWorker) sweep(ctx context.Context) {
	closed, err := w.attempts.SubmitExpired(ctx, w.batchSize)
	if err != nil {
		w.log.Error().Err(err).Msg("Sweep error")
		return
	}
	if closed > 0 {
		w.log.Info().Int("closed", closed).Msg("Closed expired attempts")
	}
}
