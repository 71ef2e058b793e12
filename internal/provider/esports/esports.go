// Package esports talks to the rewards API over HTTP.
package esports

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"capsule_farmer/internal/config"
	"capsule_farmer/internal/logbus"
	"capsule_farmer/internal/model"
	"capsule_farmer/internal/provider"
)

type Provider struct {
	cfg      config.ProviderConfig
	proxyCfg config.ProxyConfig
	bus      *logbus.Bus
	baseURL  *url.URL
	loginer  provider.Loginer
}

type Option func(*Provider)

// WithLoginer replaces the API login, e.g. with a browser based one.
func WithLoginer(l provider.Loginer) Option {
	return func(p *Provider) { p.loginer = l }
}

func New(cfg config.ProviderConfig, proxyCfg config.ProxyConfig, bus *logbus.Bus, opts ...Option) (*Provider, error) {
	u, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse provider.baseURL: %w", err)
	}
	p := &Provider{
		cfg:      cfg,
		proxyCfg: proxyCfg,
		bus:      bus,
		baseURL:  u,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

func (p *Provider) Name() string { return "esports" }

type apiEnvelope[T any] struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Data    T      `json:"data"`
}

type loginReq struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type refreshReq struct {
	RefreshToken string `json:"refreshToken"`
}

type sessionResp struct {
	Token        string `json:"token"`
	RefreshToken string `json:"refreshToken"`
	ExpiresAtMs  int64  `json:"expiresAtMs"`
}

type liveResp struct {
	Events []model.LiveEvent `json:"events"`
}

type watchReq struct {
	EventID string `json:"eventId"`
	League  string `json:"league"`
}

type dropsResp struct {
	Drops []struct {
		ID         string `json:"id"`
		League     string `json:"league"`
		Reward     string `json:"reward"`
		EarnedAtMs int64  `json:"earnedAtMs"`
	} `json:"drops"`
}

type totalResp struct {
	Total int `json:"total"`
}

func (p *Provider) Login(ctx context.Context, account model.Account) (model.Account, error) {
	if p.loginer != nil {
		return p.loginer.Login(ctx, account)
	}
	client, jar, err := p.newClient(account)
	if err != nil {
		return model.Account{}, err
	}

	var resp apiEnvelope[sessionResp]
	r, err := client.R().
		SetContext(ctx).
		SetBody(loginReq{Username: account.Username, Password: account.Password}).
		SetResult(&resp).
		SetError(&resp).
		Post("/auth/login")
	if err := check(r, err, resp.Success, resp.Error, "login failed"); err != nil {
		return model.Account{}, err
	}
	return p.withSession(account, resp.Data, jar), nil
}

func (p *Provider) RefreshSession(ctx context.Context, account model.Account) (model.Account, error) {
	if account.RefreshToken == "" {
		return model.Account{}, fmt.Errorf("%w: no refresh token", provider.ErrUnauthorized)
	}
	client, jar, err := p.newClient(account)
	if err != nil {
		return model.Account{}, err
	}

	var resp apiEnvelope[sessionResp]
	r, err := client.R().
		SetContext(ctx).
		SetBody(refreshReq{RefreshToken: account.RefreshToken}).
		SetResult(&resp).
		SetError(&resp).
		Post("/auth/refresh")
	if err := check(r, err, resp.Success, resp.Error, "refresh failed"); err != nil {
		return model.Account{}, err
	}
	return p.withSession(account, resp.Data, jar), nil
}

func (p *Provider) LiveEvents(ctx context.Context) ([]model.LiveEvent, error) {
	client, _, err := p.newClient(model.Account{})
	if err != nil {
		return nil, err
	}
	var resp apiEnvelope[liveResp]
	r, err := client.R().
		SetContext(ctx).
		SetResult(&resp).
		SetError(&resp).
		Get("/live")
	if err := check(r, err, resp.Success, resp.Error, "get live events failed"); err != nil {
		return nil, err
	}
	return resp.Data.Events, nil
}

func (p *Provider) SendWatch(ctx context.Context, account model.Account, event model.LiveEvent) error {
	client, _, err := p.newClient(account)
	if err != nil {
		return err
	}
	var resp apiEnvelope[struct{}]
	r, err := client.R().
		SetContext(ctx).
		SetBody(watchReq{EventID: event.ID, League: event.League}).
		SetResult(&resp).
		SetError(&resp).
		Post("/rewards/watch")
	return check(r, err, resp.Success, resp.Error, "watch heartbeat failed")
}

func (p *Provider) EarnedDrops(ctx context.Context, account model.Account, sinceMs int64) ([]model.Drop, error) {
	client, _, err := p.newClient(account)
	if err != nil {
		return nil, err
	}
	var resp apiEnvelope[dropsResp]
	r, err := client.R().
		SetContext(ctx).
		SetQueryParam("since", strconv.FormatInt(sinceMs, 10)).
		SetResult(&resp).
		SetError(&resp).
		Get("/rewards/drops")
	if err := check(r, err, resp.Success, resp.Error, "get drops failed"); err != nil {
		return nil, err
	}
	out := make([]model.Drop, 0, len(resp.Data.Drops))
	for _, d := range resp.Data.Drops {
		out = append(out, model.Drop{
			ID:         d.ID,
			Account:    account.Name,
			League:     d.League,
			Reward:     d.Reward,
			EarnedAtMs: d.EarnedAtMs,
		})
	}
	return out, nil
}

func (p *Provider) TotalDrops(ctx context.Context, account model.Account) (int, error) {
	client, _, err := p.newClient(account)
	if err != nil {
		return 0, err
	}
	var resp apiEnvelope[totalResp]
	r, err := client.R().
		SetContext(ctx).
		SetResult(&resp).
		SetError(&resp).
		Get("/rewards/drops/total")
	if err := check(r, err, resp.Success, resp.Error, "get total drops failed"); err != nil {
		return 0, err
	}
	return resp.Data.Total, nil
}

func check(r *resty.Response, err error, success bool, msg, fallback string) error {
	if err != nil {
		return err
	}
	if msg == "" {
		msg = fallback
	}
	if r.StatusCode() == http.StatusUnauthorized || r.StatusCode() == http.StatusForbidden {
		return fmt.Errorf("%w: %s", provider.ErrUnauthorized, msg)
	}
	if r.IsError() {
		return fmt.Errorf("%s: http %d", msg, r.StatusCode())
	}
	if !success {
		return errors.New(msg)
	}
	return nil
}

func (p *Provider) withSession(account model.Account, s sessionResp, jar *cookiejar.Jar) model.Account {
	updated := account
	updated.Token = s.Token
	if s.RefreshToken != "" {
		updated.RefreshToken = s.RefreshToken
	}
	updated.ExpiresAtMs = s.ExpiresAtMs
	updated.Cookies = p.exportCookies(jar)
	updated.UpdatedAt = time.Now()
	return updated
}

func (p *Provider) newClient(account model.Account) (*resty.Client, *cookiejar.Jar, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, nil, err
	}
	p.importCookies(jar, account.Cookies)

	client := resty.New().
		SetBaseURL(p.cfg.BaseURL).
		SetTimeout(p.cfg.Timeout()).
		SetCookieJar(jar).
		SetRetryCount(p.cfg.Retry.Count).
		SetRetryWaitTime(p.cfg.Retry.Wait()).
		SetRetryMaxWaitTime(p.cfg.Retry.MaxWait()).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			if r == nil {
				return true
			}
			return r.StatusCode() >= 500
		})

	proxy := account.Proxy
	if proxy == "" {
		proxy = p.proxyCfg.Global
	}
	if proxy != "" {
		client.SetProxy(proxy)
	}

	client.SetHeader("User-Agent", p.cfg.UserAgent)
	if account.Token != "" {
		client.SetAuthToken(account.Token)
	}

	client.OnBeforeRequest(func(_ *resty.Client, req *resty.Request) error {
		if p.bus != nil {
			p.bus.Log("debug", "http request", map[string]any{
				"account": account.Name,
				"method":  req.Method,
				"url":     req.URL,
			})
		}
		return nil
	})

	return client, jar, nil
}

func (p *Provider) importCookies(jar *cookiejar.Jar, entries []model.CookieJarEntry) {
	for _, entry := range entries {
		u, err := url.Parse(entry.URL)
		if err != nil {
			continue
		}
		jar.SetCookies(u, model.CookiesToHTTP(entry.Cookies))
	}
}

func (p *Provider) exportCookies(jar *cookiejar.Jar) []model.CookieJarEntry {
	u := *p.baseURL
	u.Path = "/"
	cookies := jar.Cookies(&u)
	if len(cookies) == 0 {
		return nil
	}
	return []model.CookieJarEntry{
		{URL: u.String(), Cookies: model.CookiesFromHTTP(cookies)},
	}
}
