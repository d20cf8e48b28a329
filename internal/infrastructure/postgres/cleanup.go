package postgres

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// ExpiredCleaner deletes idempotency rows whose expire_at has passed. Readers
// already ignore such rows; this only bounds table growth.
type ExpiredCleaner struct {
	db  Querier
	log zerolog.Logger
	now func() time.Time
}

func NewExpiredCleaner(db Querier, lg zerolog.Logger) *ExpiredCleaner {
	return &ExpiredCleaner{
		db:  db,
		log: lg.With().Str("component", "idempotency_cleanup").Logger(),
		now: time.Now,
	}
}

// Start runs a sweep immediately and then every interval until ctx is done.
// A non-positive interval disables the job.
func (c *ExpiredCleaner) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		c.log.Info().Msg("disabled")
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		c.Sweep(ctx)

		for {
			select {
			case <-ctx.Done():
				c.log.Info().Msg("stopped")
				return
			case <-ticker.C:
				c.Sweep(ctx)
			}
		}
	}()
}

// Sweep deletes expired rows once and returns how many went away.
func (c *ExpiredCleaner) Sweep(ctx context.Context) int64 {
	tag, err := c.db.Exec(ctx, `DELETE FROM idempotency WHERE expire_at <= $1`, c.now().UTC())
	if err != nil {
		c.log.Warn().Err(err).Msg("expired idempotency cleanup failed")
		return 0
	}

	deleted := tag.RowsAffected()
	if deleted > 0 {
		c.log.Info().Int64("deleted", deleted).Msg("expired idempotency rows cleaned up")
	}
	return deleted
}
