// Copyright 2025 Millbook Authors
// SPDX-License-Identifier: Apache-2.0

package millserver

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/openmill/millbook/millsync"
)

// initializeSchema creates the per-kind record tables. Kinds listed in
// SkipProvision are left uncreated so the table-missing path can be
// exercised against a real database.
func (s *Service) initializeSchema(ctx context.Context) error {
	skip := make(map[millsync.Kind]bool, len(s.config.SkipProvision))
	for _, k := range s.config.SkipProvision {
		skip[k] = true
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for _, kind := range millsync.Kinds() {
			if skip[kind] {
				s.logger.Info("skipping table provision", "kind", kind)
				continue
			}
			table, err := tableFor(kind)
			if err != nil {
				return err
			}
			ddl := fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					id         UUID PRIMARY KEY,
					owner_id   TEXT NOT NULL,
					version    BIGINT NOT NULL,
					updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
					payload    JSONB NOT NULL
				)`, table)
			if _, err := tx.Exec(ctx, ddl); err != nil {
				return fmt.Errorf("failed to create table %s: %w", table, err)
			}
			idx := fmt.Sprintf(
				`CREATE INDEX IF NOT EXISTS %s_owner_idx ON %s (owner_id, updated_at DESC)`,
				table, table)
			if _, err := tx.Exec(ctx, idx); err != nil {
				return fmt.Errorf("failed to create index on %s: %w", table, err)
			}
		}
		return nil
	})
}
