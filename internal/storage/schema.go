package storage

import (
	"context"
	"fmt"
)

// schema is idempotent and applied on every start.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS rebases (
        id            UUID PRIMARY KEY,
        epoch         BIGINT NOT NULL,
        slot_ts       TIMESTAMPTZ NOT NULL,
        rebased_at    TIMESTAMPTZ NOT NULL,
        price         NUMERIC(78,18) NOT NULL,
        price_source  TEXT NOT NULL DEFAULT '',
        tier          INTEGER NOT NULL DEFAULT -1,
        annual_rate   NUMERIC(78,18) NOT NULL DEFAULT 0,
        zone          TEXT NOT NULL DEFAULT '',
        backing_ratio NUMERIC(78,18) NOT NULL DEFAULT 0,
        supply_before NUMERIC(78,18) NOT NULL DEFAULT 0,
        supply_after  NUMERIC(78,18) NOT NULL DEFAULT 0,
        share_index   NUMERIC(78,18) NOT NULL DEFAULT 0,
        senior_value  NUMERIC(78,18) NOT NULL DEFAULT 0,
        junior_value  NUMERIC(78,18) NOT NULL DEFAULT 0,
        reserve_value NUMERIC(78,18) NOT NULL DEFAULT 0,
        to_junior     NUMERIC(78,18) NOT NULL DEFAULT 0,
        to_reserve    NUMERIC(78,18) NOT NULL DEFAULT 0,
        from_reserve  NUMERIC(78,18) NOT NULL DEFAULT 0,
        from_junior   NUMERIC(78,18) NOT NULL DEFAULT 0,
        shortfall     NUMERIC(78,18) NOT NULL DEFAULT 0,
        status        TEXT NOT NULL,
        error         TEXT,
        created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
    );`,
	`CREATE INDEX IF NOT EXISTS rebases_rebased_at_idx ON rebases (rebased_at);`,
	`CREATE TABLE IF NOT EXISTS alerts (
        id         BIGSERIAL PRIMARY KEY,
        rebase_id  UUID NOT NULL,
        epoch      BIGINT NOT NULL,
        kind       TEXT NOT NULL,
        zone       TEXT NOT NULL,
        detail     TEXT NOT NULL DEFAULT '',
        channels   TEXT[] NOT NULL DEFAULT '{}',
        created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
        UNIQUE (rebase_id, kind)
    );`,
	`CREATE TABLE IF NOT EXISTS checkpoints (
        id         BIGSERIAL PRIMARY KEY,
        epoch      BIGINT NOT NULL,
        state      JSONB NOT NULL,
        created_at TIMESTAMPTZ NOT NULL DEFAULT now()
    );`,
	`CREATE INDEX IF NOT EXISTS checkpoints_epoch_idx ON checkpoints (epoch DESC, id DESC);`,
}

// Migrate applies the schema in one transaction.
func (s *Store) Migrate(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin migration: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for i, stmt := range schema {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema statement %d: %w", i, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit migration: %w", err)
	}
	return nil
}
