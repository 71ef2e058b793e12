package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"capsule_farmer/internal/model"
)

// RecordDrops stores drops and returns how many were new. A drop whose remote
// id was already recorded for the account is skipped.
func (s *Store) RecordDrops(ctx context.Context, drops []model.Drop) (int, error) {
	if len(drops) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	inserted := 0
	for _, d := range drops {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO drops (id, account, remote_id, league, reward, earned_at_ms, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT DO NOTHING
		`, uuid.NewString(), d.Account, d.ID, d.League, d.Reward, d.EarnedAtMs, now)
		if err != nil {
			return 0, fmt.Errorf("insert drop: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		inserted += int(n)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return inserted, nil
}

func (s *Store) CountDrops(ctx context.Context, account string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM drops WHERE account = ?`, account).Scan(&n)
	return n, err
}

// RecentDrops lists the newest drops, optionally for a single account.
func (s *Store) RecentDrops(ctx context.Context, account string, limit int) ([]model.Drop, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT remote_id, account, league, reward, earned_at_ms
		FROM drops
		WHERE (? = '' OR account = ?)
		ORDER BY earned_at_ms DESC, created_at DESC
		LIMIT ?
	`, account, account, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Drop
	for rows.Next() {
		var d model.Drop
		if err := rows.Scan(&d.ID, &d.Account, &d.League, &d.Reward, &d.EarnedAtMs); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
