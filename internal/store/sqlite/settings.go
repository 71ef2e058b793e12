package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"capsule_farmer/internal/model"
)

// dropEmailKey holds the mailbox drop summaries are sent to.
const dropEmailKey = "notify.drop_email"

// GetEmailSettings returns the drop mail settings; ok is false when none
// were saved yet.
func (s *Store) GetEmailSettings(ctx context.Context) (model.EmailSettings, bool, error) {
	var out model.EmailSettings
	ok, err := s.getSetting(ctx, dropEmailKey, &out)
	if err != nil || !ok {
		return model.EmailSettings{}, false, err
	}
	out.Email = strings.TrimSpace(out.Email)
	return out, true, nil
}

func (s *Store) UpsertEmailSettings(ctx context.Context, v model.EmailSettings) (model.EmailSettings, error) {
	v.Email = strings.TrimSpace(v.Email)
	v.AuthCode = strings.TrimSpace(v.AuthCode)
	if err := s.putSetting(ctx, dropEmailKey, v); err != nil {
		return model.EmailSettings{}, err
	}
	return v, nil
}

func (s *Store) getSetting(ctx context.Context, key string, v any) (bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT value_json FROM settings WHERE key = ?`, key).Scan(&raw)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("read setting %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return false, fmt.Errorf("decode setting %s: %w", key, err)
	}
	return true, nil
}

func (s *Store) putSetting(ctx context.Context, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode setting %s: %w", key, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value_json, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value_json = excluded.value_json, updated_at = excluded.updated_at
	`, key, string(b), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("write setting %s: %w", key, err)
	}
	return nil
}
