package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"dexmonitor/internal/storage"
)

// RetentionSweeper purges price samples older than the retention horizon.
// It never touches monitors, alerts or tokens.
type RetentionSweeper struct {
	store     storage.SampleStore
	horizon   time.Duration
	batchSize int
	now       func() time.Time
	logger    zerolog.Logger
}

// NewRetentionSweeper constructs a sweeper. now defaults to time.Now.
func NewRetentionSweeper(store storage.SampleStore, horizon time.Duration, batchSize int, now func() time.Time, logger zerolog.Logger) *RetentionSweeper {
	if batchSize <= 0 {
		batchSize = 5000
	}
	if now == nil {
		now = time.Now
	}
	return &RetentionSweeper{
		store:     store,
		horizon:   horizon,
		batchSize: batchSize,
		now:       now,
		logger:    logger.With().Str("component", "retention").Logger(),
	}
}

// Tick adapts Sweep to the scheduler.
func (s *RetentionSweeper) Tick(ctx context.Context, tick time.Time) error {
	_, err := s.Sweep(ctx)
	return err
}

// Sweep deletes samples with ts < now - horizon in batches until a batch
// comes back short. Running it twice in a row deletes nothing the second time.
func (s *RetentionSweeper) Sweep(ctx context.Context) (int64, error) {
	cutoff := s.now().UTC().Add(-s.horizon)

	var total int64
	batches := 0
	for {
		n, err := s.store.DeleteSamplesOlderThan(ctx, cutoff, s.batchSize)
		total += n
		if err != nil {
			return total, fmt.Errorf("delete samples older than %s: %w", cutoff.Format(time.RFC3339), err)
		}
		batches++
		if n < int64(s.batchSize) {
			break
		}
		if err := ctx.Err(); err != nil {
			return total, err
		}
	}

	s.logger.Info().
		Time("cutoff", cutoff).
		Int64("deleted", total).
		Int("batches", batches).
		Msg("retention sweep complete")
	return total, nil
}
