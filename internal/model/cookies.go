package model

import (
	"net/http"
	"time"
)

// CookieJarEntry holds the cookies set for one site URL.
type CookieJarEntry struct {
	URL     string   `json:"url"`
	Cookies []Cookie `json:"cookies"`
}

type Cookie struct {
	Name     string `json:"name"`
	Value    string `json:"value"`
	Path     string `json:"path,omitempty"`
	Domain   string `json:"domain,omitempty"`
	Expires  int64  `json:"expires,omitempty"`
	Secure   bool   `json:"secure,omitempty"`
	HttpOnly bool   `json:"httpOnly,omitempty"`
	SameSite string `json:"sameSite,omitempty"`
}

var sameSiteNames = map[http.SameSite]string{
	http.SameSiteLaxMode:    "lax",
	http.SameSiteStrictMode: "strict",
	http.SameSiteNoneMode:   "none",
}

func CookiesFromHTTP(in []*http.Cookie) []Cookie {
	out := make([]Cookie, 0, len(in))
	for _, c := range in {
		cookie := Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Path:     c.Path,
			Domain:   c.Domain,
			Secure:   c.Secure,
			HttpOnly: c.HttpOnly,
			SameSite: sameSiteNames[c.SameSite],
		}
		if !c.Expires.IsZero() {
			cookie.Expires = c.Expires.UnixMilli()
		}
		out = append(out, cookie)
	}
	return out
}

func CookiesToHTTP(in []Cookie) []*http.Cookie {
	out := make([]*http.Cookie, 0, len(in))
	for _, c := range in {
		hc := &http.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Path:     c.Path,
			Domain:   c.Domain,
			Secure:   c.Secure,
			HttpOnly: c.HttpOnly,
			SameSite: http.SameSiteDefaultMode,
		}
		for mode, name := range sameSiteNames {
			if name == c.SameSite {
				hc.SameSite = mode
			}
		}
		if c.Expires > 0 {
			hc.Expires = time.UnixMilli(c.Expires)
		}
		out = append(out, hc)
	}
	return out
}

// CookieValue returns the first cookie called name across all jar entries.
func CookieValue(entries []CookieJarEntry, name string) (string, bool) {
	for _, entry := range entries {
		for _, c := range entry.Cookies {
			if c.Name == name {
				return c.Value, true
			}
		}
	}
	return "", false
}
