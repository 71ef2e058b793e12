package sqlite

import (
	"context"
	"fmt"
)

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			account TEXT PRIMARY KEY,
			username TEXT NOT NULL DEFAULT '',
			token TEXT NOT NULL DEFAULT '',
			refresh_token TEXT NOT NULL DEFAULT '',
			expires_at_ms INTEGER NOT NULL DEFAULT 0,
			cookies_json TEXT NOT NULL DEFAULT '[]',
			updated_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS drops (
			id TEXT PRIMARY KEY,
			account TEXT NOT NULL,
			remote_id TEXT NOT NULL DEFAULT '',
			league TEXT NOT NULL DEFAULT '',
			reward TEXT NOT NULL DEFAULT '',
			earned_at_ms INTEGER NOT NULL,
			created_at INTEGER NOT NULL
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS drops_account_remote
			ON drops (account, remote_id) WHERE remote_id != '';`,
		`CREATE INDEX IF NOT EXISTS drops_account_earned ON drops (account, earned_at_ms);`,
		`CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value_json TEXT NOT NULL DEFAULT '{}',
			updated_at INTEGER NOT NULL
		);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
