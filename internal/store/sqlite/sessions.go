package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"capsule_farmer/internal/model"
)

var ErrNotFound = errors.New("not found")

// SaveSession stores the session part of acc. The password is never written.
func (s *Store) SaveSession(ctx context.Context, acc model.Account) error {
	if acc.Name == "" {
		return errors.New("account name is required")
	}
	cookiesJSON, err := json.Marshal(acc.Cookies)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (account, username, token, refresh_token, expires_at_ms, cookies_json, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account) DO UPDATE SET
			username = excluded.username,
			token = excluded.token,
			refresh_token = excluded.refresh_token,
			expires_at_ms = excluded.expires_at_ms,
			cookies_json = excluded.cookies_json,
			updated_at = excluded.updated_at
	`, acc.Name, acc.Username, acc.Token, acc.RefreshToken, acc.ExpiresAtMs, string(cookiesJSON), time.Now().UnixMilli())
	return err
}

// LoadSession fills the session fields of acc from the store. It returns
// ErrNotFound when nothing was saved for acc.Name or the stored session
// belongs to another username.
func (s *Store) LoadSession(ctx context.Context, acc model.Account) (model.Account, error) {
	var row struct {
		username     string
		token        string
		refreshToken string
		expiresAtMs  int64
		cookies      string
		updatedAt    int64
	}
	err := s.db.QueryRowContext(ctx, `
		SELECT username, token, refresh_token, expires_at_ms, cookies_json, updated_at
		FROM sessions WHERE account = ?
	`, acc.Name).Scan(&row.username, &row.token, &row.refreshToken, &row.expiresAtMs, &row.cookies, &row.updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Account{}, ErrNotFound
		}
		return model.Account{}, err
	}
	if acc.Username != "" && row.username != acc.Username {
		return model.Account{}, ErrNotFound
	}
	var cookies []model.CookieJarEntry
	_ = json.Unmarshal([]byte(row.cookies), &cookies)

	out := acc
	out.Token = row.token
	out.RefreshToken = row.refreshToken
	out.ExpiresAtMs = row.expiresAtMs
	out.Cookies = cookies
	out.UpdatedAt = time.UnixMilli(row.updatedAt)
	return out, nil
}

func (s *Store) DeleteSession(ctx context.Context, account string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE account = ?`, account)
	return err
}
