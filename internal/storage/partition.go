package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/oriys/chatflow/internal/logging"
)

// PartitionManager periodically ensures the current and next calendar
// month's partitions of the messages table exist, so inserts never hit
// a missing partition around a month boundary.
type PartitionManager struct {
	pool *pgxpool.Pool
}

// NewPartitionManager returns a manager bound to store's pool.
func NewPartitionManager(s *Store) *PartitionManager {
	return &PartitionManager{pool: s.pool}
}

// Run ensures partitions exist immediately, then once per day until ctx
// is cancelled.
func (p *PartitionManager) Run(ctx context.Context) {
	p.ensure(ctx)
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.ensure(ctx)
		}
	}
}

func (p *PartitionManager) ensure(ctx context.Context) {
	now := time.Now().UTC()
	if err := EnsurePartition(ctx, p.pool, now); err != nil {
		logging.Op().Error("ensure current month partition failed", "err", err)
	}
	if err := EnsurePartition(ctx, p.pool, now.AddDate(0, 1, 0)); err != nil {
		logging.Op().Error("ensure next month partition failed", "err", err)
	}
}

// EnsurePartition idempotently creates the monthly range partition of
// messages covering the calendar month containing t.
func EnsurePartition(ctx context.Context, pool *pgxpool.Pool, t time.Time) error {
	start := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0)
	name := fmt.Sprintf("messages_%04d%02d", start.Year(), start.Month())

	stmt := fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s PARTITION OF messages FOR VALUES FROM ('%s') TO ('%s')`,
		name, start.Format(time.RFC3339), end.Format(time.RFC3339),
	)
	if _, err := pool.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("create partition %s: %w", name, err)
	}
	return nil
}
