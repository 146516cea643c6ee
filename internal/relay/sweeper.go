package relay

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Sweeper periodically removes expired relay entries for all recipients.
type Sweeper struct {
	store    *Store
	interval time.Duration
	logger   zerolog.Logger
}

// NewSweeper creates a sweeper that runs every interval.
func NewSweeper(store *Store, interval time.Duration, logger zerolog.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Sweeper{
		store:    store,
		interval: interval,
		logger:   logger.With().Str("component", "relay_sweeper").Logger(),
	}
}

// Run sweeps until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one cleanup pass and returns how many entries were removed.
func (s *Sweeper) Sweep(ctx context.Context) int {
	removed, err := s.store.CleanupExpired(ctx, "")
	if err != nil {
		s.logger.Error().Err(err).Msg("relay sweep failed")
		return removed
	}
	if removed > 0 {
		s.logger.Info().Int("removed", removed).Msg("expired relay entries removed")
	}
	return removed
}
