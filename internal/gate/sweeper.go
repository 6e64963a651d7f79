package gate

import (
	"context"
	"time"

	"github.com/developingchet/portfolio-gate/internal/metrics"
	"github.com/developingchet/portfolio-gate/internal/storage"
	"github.com/rs/zerolog"
)

// Sweeper periodically clears expired sessions across all profiles and
// refreshes storage gauges. HasAccess performs the same expiry check lazily,
// so the sweeper is optional.
type Sweeper struct {
	gates    *Registry
	db       storage.DB
	interval time.Duration
	log      zerolog.Logger
}

// NewSweeper creates a Sweeper.
func NewSweeper(gates *Registry, db storage.DB, interval time.Duration, log zerolog.Logger) *Sweeper {
	return &Sweeper{
		gates:    gates,
		db:       db,
		interval: interval,
		log:      log,
	}
}

// Run executes the sweep loop until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Run immediately on start
	s.tick()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.tick()
		}
	}
}

func (s *Sweeper) tick() {
	res, err := s.gates.Sweep()
	if err != nil {
		s.log.Warn().Err(err).Msg("sweeper: sweep failed")
	} else {
		metrics.Profiles.Set(float64(res.Remaining))
		if res.Cleared > 0 || res.Dropped > 0 {
			s.log.Info().Int("cleared", res.Cleared).Int("dropped", res.Dropped).
				Int("remaining", res.Remaining).Msg("sweeper: expired state removed")
		}
	}

	size, err := s.db.SizeBytes()
	if err != nil {
		s.log.Warn().Err(err).Msg("sweeper: read db size failed")
	} else {
		metrics.DBSizeBytes.Set(float64(size))
	}

	s.log.Debug().Msg("sweeper: tick complete")
}
