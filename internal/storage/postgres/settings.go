package postgres

import (
	"context"

	"github.com/cockroachdb/errors"

	"github.com/JakeFAU/vendor-discovery/internal/discovery"
)

// GetSchedulerConfig returns the persisted scheduler config, if any.
func (s *Store) GetSchedulerConfig(ctx context.Context) (discovery.SchedulerConfig, bool, error) {
	var cfg discovery.SchedulerConfig
	err := s.pool.QueryRow(ctx, `SELECT run_hour, daily_cap, updated_at FROM discovery_config WHERE id = 1`).
		Scan(&cfg.RunHour, &cfg.DailyCap, &cfg.UpdatedAt)
	if err != nil {
		if nf := notFound(err, "scheduler config"); nf != nil {
			return discovery.SchedulerConfig{}, false, nil
		}
		return discovery.SchedulerConfig{}, false, errors.Wrap(err, "get scheduler config")
	}
	return cfg, true, nil
}

// SaveSchedulerConfig upserts the singleton scheduler config row.
func (s *Store) SaveSchedulerConfig(ctx context.Context, cfg discovery.SchedulerConfig) error {
	const query = `
INSERT INTO discovery_config (id, run_hour, daily_cap, updated_at)
VALUES (1, $1, $2, $3)
ON CONFLICT (id) DO UPDATE
SET run_hour = EXCLUDED.run_hour,
	daily_cap = EXCLUDED.daily_cap,
	updated_at = EXCLUDED.updated_at`
	if _, err := s.pool.Exec(ctx, query, cfg.RunHour, cfg.DailyCap, cfg.UpdatedAt); err != nil {
		return errors.Wrap(err, "save scheduler config")
	}
	return nil
}
