package model

import "time"

// Account is a configured farming account together with the session the
// remote service issued for it. Password never leaves the process.
type Account struct {
	Name         string           `json:"name"`
	Username     string           `json:"username"`
	Password     string           `json:"-"`
	Proxy        string           `json:"proxy,omitempty"`
	Token        string           `json:"token,omitempty"`
	RefreshToken string           `json:"refreshToken,omitempty"`
	ExpiresAtMs  int64            `json:"expiresAtMs,omitempty"`
	Cookies      []CookieJarEntry `json:"cookies,omitempty"`
	UpdatedAt    time.Time        `json:"updatedAt"`
}

func (a Account) HasSession() bool {
	return a.Token != ""
}

// SessionExpired reports whether the stored token is past its expiry. A zero
// expiry is treated as unknown and therefore still usable.
func (a Account) SessionExpired(now time.Time) bool {
	if a.ExpiresAtMs <= 0 {
		return false
	}
	return now.UnixMilli() >= a.ExpiresAtMs
}
