// Package farm contains the per-account farming worker the supervisor runs.
package farm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"capsule_farmer/internal/engine"
	"capsule_farmer/internal/logbus"
	"capsule_farmer/internal/model"
	"capsule_farmer/internal/notify"
	"capsule_farmer/internal/provider"
	"capsule_farmer/internal/shared"
	"capsule_farmer/internal/stats"
)

// ErrLoginFailed is returned by Run when no session could be obtained.
var ErrLoginFailed = errors.New("login failed")

// Store persists sessions and the drop history. Optional.
type Store interface {
	LoadSession(ctx context.Context, acc model.Account) (model.Account, error)
	SaveSession(ctx context.Context, acc model.Account) error
	DeleteSession(ctx context.Context, account string) error
	RecordDrops(ctx context.Context, drops []model.Drop) (int, error)
	CountDrops(ctx context.Context, account string) (int, error)
}

type Options struct {
	Provider provider.Provider
	Store    Store
	Notifier notify.Notifier
	Bus      *logbus.Bus

	WatchInterval       time.Duration
	ShowHistoricalDrops bool

	// GlobalLimiter is shared by every worker; PerAccountQPS/Burst build one
	// limiter per worker.
	GlobalLimiter   *rate.Limiter
	PerAccountQPS   float64
	PerAccountBurst int

	Now func() time.Time
}

// Factory builds a worker for every supervised account. accounts carries the
// credentials keyed by account name.
func Factory(opts Options, accounts map[string]model.Account) engine.Factory {
	return func(id string, deps engine.Deps) engine.Worker {
		acc, ok := accounts[id]
		if !ok {
			acc = model.Account{Name: id}
		}
		return NewWorker(acc, deps, opts)
	}
}

type Worker struct {
	opts Options
	deps engine.Deps
	// creds is the configured account without any session.
	creds   model.Account
	account model.Account
	limiter *rate.Limiter
}

func NewWorker(account model.Account, deps engine.Deps, opts Options) *Worker {
	if opts.WatchInterval <= 0 {
		opts.WatchInterval = time.Minute
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.Nop{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.PerAccountQPS <= 0 {
		opts.PerAccountQPS = 2
	}
	if opts.PerAccountBurst <= 0 {
		opts.PerAccountBurst = 1
	}
	if deps.Locks == nil {
		deps.Locks = shared.DefaultLocks()
	}
	if deps.Shared == nil {
		deps.Shared = shared.NewContext()
	}
	return &Worker{
		opts:    opts,
		deps:    deps,
		creds:   account,
		account: account,
		limiter: rate.NewLimiter(rate.Limit(opts.PerAccountQPS), opts.PerAccountBurst),
	}
}

// Run logs in and then farms until ctx is cancelled or a non-recoverable
// error occurs. Cancellation is not an error.
func (w *Worker) Run(ctx context.Context) error {
	id := w.creds.Name
	w.setStatus(ctx, model.StatusLogin)

	if err := w.login(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return w.loginFailed(ctx, err)
	}
	if err := w.deps.Registry.ResetLoginFailed(id); err != nil {
		return err
	}
	w.log(ctx, "info", "logged in", nil)

	if w.opts.ShowHistoricalDrops {
		w.loadTotal(ctx)
	}

	ticker := time.NewTicker(w.opts.WatchInterval)
	defer ticker.Stop()
	for {
		if err := w.tick(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// login tries the stored session first, then a refresh, then a full login.
func (w *Worker) login(ctx context.Context) error {
	acc := w.creds
	if w.opts.Store != nil {
		stored, err := w.opts.Store.LoadSession(ctx, acc)
		if err == nil {
			acc = stored
		} else {
			w.log(ctx, "debug", "no stored session", map[string]any{"error": err.Error()})
		}
	}

	if acc.HasSession() && !acc.SessionExpired(w.opts.Now()) {
		w.account = acc
		return nil
	}
	if acc.RefreshToken != "" {
		err := w.refresh(ctx, acc)
		if err == nil {
			return nil
		}
		if errors.Is(err, provider.ErrUnauthorized) {
			w.forgetSession(ctx)
		}
	}
	return w.fullLogin(ctx)
}

// fullLogin signs in with the configured credentials.
func (w *Worker) fullLogin(ctx context.Context) error {
	fresh, err := w.opts.Provider.Login(ctx, w.creds)
	if err != nil {
		return err
	}
	if !fresh.HasSession() {
		return fmt.Errorf("%w: no token issued", provider.ErrUnauthorized)
	}
	w.account = fresh
	w.saveSession(ctx)
	return nil
}

// reauth replaces a session the server rejected. A refresh is tried first;
// when the refresh token is rejected too, the stored session is dropped and
// the account signs in again. A failed sign-in counts as a failed login.
func (w *Worker) reauth(ctx context.Context) error {
	if w.account.RefreshToken != "" {
		err := w.refresh(ctx, w.account)
		if err == nil {
			return nil
		}
		if !errors.Is(err, provider.ErrUnauthorized) {
			return fmt.Errorf("session expired: %w", err)
		}
	}
	w.forgetSession(ctx)

	w.log(ctx, "info", "session rejected, logging in again", nil)
	if err := w.fullLogin(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return w.loginFailed(ctx, err)
	}
	return w.deps.Registry.ResetLoginFailed(w.creds.Name)
}

func (w *Worker) loginFailed(ctx context.Context, err error) error {
	id := w.creds.Name
	if rerr := w.deps.Registry.AddLoginFailed(id); rerr != nil {
		w.log(ctx, "error", "record login failure", map[string]any{"error": rerr.Error()})
	}
	w.setStatus(ctx, model.StatusLoginFailed)
	w.log(ctx, "warn", "login failed", map[string]any{"error": err.Error()})
	return fmt.Errorf("%w: %s: %v", ErrLoginFailed, id, err)
}

// refresh renews the session. Refreshes are serialized across all workers.
func (w *Worker) refresh(ctx context.Context, acc model.Account) error {
	err := w.deps.Locks.With(shared.RefreshLock, func() error {
		updated, err := w.opts.Provider.RefreshSession(ctx, acc)
		if err != nil {
			return err
		}
		w.account = updated
		return nil
	})
	if err != nil {
		w.log(ctx, "warn", "session refresh failed", map[string]any{"error": err.Error()})
		return err
	}
	w.saveSession(ctx)
	return nil
}

func (w *Worker) forgetSession(ctx context.Context) {
	w.account = w.creds
	if w.opts.Store == nil {
		return
	}
	if err := w.opts.Store.DeleteSession(ctx, w.creds.Name); err != nil {
		w.log(ctx, "warn", "delete session failed", map[string]any{"error": err.Error()})
	}
}

func (w *Worker) saveSession(ctx context.Context) {
	if w.opts.Store == nil {
		return
	}
	if err := w.opts.Store.SaveSession(ctx, w.account); err != nil {
		w.log(ctx, "warn", "save session failed", map[string]any{"error": err.Error()})
	}
}

func (w *Worker) loadTotal(ctx context.Context) {
	id := w.creds.Name
	total, err := w.opts.Provider.TotalDrops(ctx, w.account)
	if err != nil && w.opts.Store != nil {
		w.log(ctx, "warn", "total drops unavailable, using local history", map[string]any{"error": err.Error()})
		total, err = w.opts.Store.CountDrops(ctx, id)
	}
	if err != nil {
		w.log(ctx, "warn", "total drops unavailable", map[string]any{"error": err.Error()})
		return
	}
	if err := w.deps.Registry.SetTotalDrops(id, total); err != nil {
		w.log(ctx, "error", "set total drops", map[string]any{"error": err.Error()})
	}
}

func (w *Worker) tick(ctx context.Context) error {
	id := w.creds.Name
	active, err := w.deps.Registry.Active(id)
	if err != nil {
		return err
	}
	if !active {
		w.setStatus(ctx, model.StatusPaused)
		return w.deps.Registry.Update(id, stats.Update{})
	}

	snap := w.deps.Shared.Load()
	for _, ev := range snap.Events {
		if err := w.watch(ctx, ev); err != nil {
			return err
		}
	}

	since, err := w.deps.Registry.LastDropCheck(id)
	if err != nil {
		return err
	}
	checkedAt := w.opts.Now().UnixMilli()
	drops, polled, err := w.earnedDrops(ctx, since)
	if err != nil {
		return err
	}

	leagues := strings.Join(snap.Leagues(), ", ")
	var league, reward string
	if len(drops) > 0 {
		last := drops[len(drops)-1]
		league, reward = last.League, last.Reward
		w.recordDrops(ctx, drops)
	}
	if err := w.deps.Registry.Update(id, stats.Update{
		NewDrops:    len(drops),
		LiveMatches: leagues,
		League:      league,
		Reward:      reward,
	}); err != nil {
		return err
	}
	// a failed poll keeps the window open for the next tick
	if polled {
		if err := w.deps.Registry.UpdateLastDropCheck(id, checkedAt); err != nil {
			return err
		}
	}

	if len(snap.Events) == 0 {
		w.setStatus(ctx, model.StatusNoMatches)
	} else {
		w.setStatus(ctx, model.StatusLive)
	}
	return nil
}

// watch sends one heartbeat, renewing the session once on ErrUnauthorized.
func (w *Worker) watch(ctx context.Context, ev model.LiveEvent) error {
	if err := w.wait(ctx); err != nil {
		return err
	}
	err := w.opts.Provider.SendWatch(ctx, w.account, ev)
	if err == nil || !errors.Is(err, provider.ErrUnauthorized) {
		if err != nil {
			w.log(ctx, "warn", "watch heartbeat failed", map[string]any{"event": ev.ID, "error": err.Error()})
		}
		return nil
	}

	if err := w.reauth(ctx); err != nil {
		return err
	}
	if err := w.wait(ctx); err != nil {
		return err
	}
	if err := w.opts.Provider.SendWatch(ctx, w.account, ev); err != nil {
		return fmt.Errorf("watch %s: %w", ev.ID, err)
	}
	return nil
}

// earnedDrops polls the drops earned since the given time. polled is false
// when the poll failed and the window must be asked for again.
func (w *Worker) earnedDrops(ctx context.Context, since int64) (drops []model.Drop, polled bool, err error) {
	poll := func() error {
		if err := w.wait(ctx); err != nil {
			return err
		}
		drops, err = w.opts.Provider.EarnedDrops(ctx, w.account, since)
		return err
	}

	err = poll()
	if errors.Is(err, provider.ErrUnauthorized) {
		if err := w.reauth(ctx); err != nil {
			return nil, false, err
		}
		err = poll()
	}
	switch {
	case err == nil:
		return drops, true, nil
	case ctx.Err() != nil:
		return nil, false, ctx.Err()
	case errors.Is(err, provider.ErrUnauthorized):
		return nil, false, fmt.Errorf("poll drops: %w", err)
	}
	w.log(ctx, "warn", "poll drops failed", map[string]any{"error": err.Error()})
	return nil, false, nil
}

func (w *Worker) recordDrops(ctx context.Context, drops []model.Drop) {
	if w.opts.Store != nil {
		if _, err := w.opts.Store.RecordDrops(ctx, drops); err != nil {
			w.log(ctx, "warn", "record drops failed", map[string]any{"error": err.Error()})
		}
	}
	for _, d := range drops {
		w.log(ctx, "info", "drop earned", map[string]any{"league": d.League, "reward": d.Reward})
		if w.opts.Bus != nil {
			w.opts.Bus.Publish(logbus.TypeDrop, d)
		}
		w.opts.Notifier.NotifyDrop(ctx, notify.DropEvent{
			At:      d.EarnedAtMs,
			Account: w.creds.Name,
			League:  d.League,
			Reward:  d.Reward,
			DropID:  d.ID,
		})
	}
}

func (w *Worker) wait(ctx context.Context) error {
	if w.opts.GlobalLimiter != nil {
		if err := w.opts.GlobalLimiter.Wait(ctx); err != nil {
			return err
		}
	}
	return w.limiter.Wait(ctx)
}

func (w *Worker) setStatus(ctx context.Context, status string) {
	if err := w.deps.Registry.UpdateStatus(w.creds.Name, status); err != nil {
		w.log(ctx, "error", "update status failed", map[string]any{"error": err.Error()})
	}
}

func (w *Worker) log(ctx context.Context, level, msg string, fields map[string]any) {
	if w.opts.Bus == nil {
		return
	}
	if fields == nil {
		fields = map[string]any{}
	}
	fields["account"] = w.creds.Name
	w.opts.Bus.LogContext(ctx, level, msg, fields)
}
