// Package browser logs accounts in through a real (stealth) Chrome session,
// for when the API login is blocked.
package browser

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	"capsule_farmer/internal/config"
	"capsule_farmer/internal/logbus"
	"capsule_farmer/internal/model"
	"capsule_farmer/internal/provider"
)

type Loginer struct {
	cfg config.BrowserLogin
	bus *logbus.Bus

	// Chrome is heavy; log in one account at a time.
	mu sync.Mutex
}

func NewLoginer(cfg config.BrowserLogin, bus *logbus.Bus) *Loginer {
	return &Loginer{cfg: cfg, bus: bus}
}

func (l *Loginer) Login(ctx context.Context, account model.Account) (model.Account, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, l.cfg.Timeout())
	defer cancel()

	ln := launcher.New().Headless(l.cfg.Headless)
	if account.Proxy != "" {
		ln = ln.Proxy(account.Proxy)
	}
	u, err := ln.Launch()
	if err != nil {
		ln.Kill()
		return model.Account{}, fmt.Errorf("launch browser: %w", err)
	}
	defer ln.Kill()

	b := rod.New().ControlURL(u).Context(ctx)
	if err := b.Connect(); err != nil {
		return model.Account{}, fmt.Errorf("connect browser: %w", err)
	}
	defer func() { _ = b.Close() }()

	page, err := stealth.Page(b)
	if err != nil {
		return model.Account{}, fmt.Errorf("open page: %w", err)
	}

	if err := l.submit(page, account); err != nil {
		return model.Account{}, err
	}

	cookies, err := l.waitForToken(ctx, page)
	if err != nil {
		return model.Account{}, err
	}

	updated := account
	updated.Cookies = cookies
	updated.Token, _ = model.CookieValue(cookies, l.cfg.TokenCookie)
	updated.RefreshToken = ""
	updated.ExpiresAtMs = 0
	updated.UpdatedAt = time.Now()
	if l.bus != nil {
		l.bus.Log("info", "browser login succeeded", map[string]any{"account": account.Name})
	}
	return updated, nil
}

func (l *Loginer) submit(page *rod.Page, account model.Account) error {
	waitDom := page.WaitNavigation(proto.PageLifecycleEventNameDOMContentLoaded)
	if err := page.Navigate(l.cfg.LoginURL); err != nil {
		return fmt.Errorf("navigate to login page: %w", err)
	}
	waitDom()

	user, err := page.Element(l.cfg.UsernameSelector)
	if err != nil {
		return fmt.Errorf("username field: %w", err)
	}
	if err := user.Input(account.Username); err != nil {
		return fmt.Errorf("type username: %w", err)
	}
	pass, err := page.Element(l.cfg.PasswordSelector)
	if err != nil {
		return fmt.Errorf("password field: %w", err)
	}
	if err := pass.Input(account.Password); err != nil {
		return fmt.Errorf("type password: %w", err)
	}
	btn, err := page.Element(l.cfg.SubmitSelector)
	if err != nil {
		return fmt.Errorf("submit button: %w", err)
	}
	return btn.Click(proto.InputMouseButtonLeft, 1)
}

// waitForToken polls the page cookies until the session cookie shows up.
func (l *Loginer) waitForToken(ctx context.Context, page *rod.Page) ([]model.CookieJarEntry, error) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		cookies, err := page.Cookies(nil)
		if err == nil {
			entries := toEntries(cookies)
			if _, ok := model.CookieValue(entries, l.cfg.TokenCookie); ok {
				return entries, nil
			}
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: cookie %q not set: %v", provider.ErrUnauthorized, l.cfg.TokenCookie, ctx.Err())
		case <-ticker.C:
		}
	}
}

// toEntries groups browser cookies by domain, one jar entry per domain.
func toEntries(in []*proto.NetworkCookie) []model.CookieJarEntry {
	byDomain := map[string]int{}
	var out []model.CookieJarEntry
	for _, c := range in {
		domain := strings.TrimPrefix(c.Domain, ".")
		i, ok := byDomain[domain]
		if !ok {
			i = len(out)
			byDomain[domain] = i
			out = append(out, model.CookieJarEntry{URL: "https://" + domain + "/"})
		}
		out[i].Cookies = append(out[i].Cookies, model.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Path:     c.Path,
			Domain:   c.Domain,
			Secure:   c.Secure,
			HttpOnly: c.HTTPOnly,
			SameSite: strings.ToLower(string(c.SameSite)),
		})
	}
	return out
}
