package farm_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"testing/synctest"
	"time"

	"github.com/stretchr/testify/require"

	"capsule_farmer/internal/engine"
	"capsule_farmer/internal/farm"
	"capsule_farmer/internal/model"
	"capsule_farmer/internal/notify"
	"capsule_farmer/internal/provider"
	"capsule_farmer/internal/shared"
	"capsule_farmer/internal/stats"
)

type fakeProvider struct {
	mu sync.Mutex

	loginErr    error
	refreshErr  error
	dropsErr    error
	staleTokens map[string]bool
	drops       []model.Drop
	total       int

	logins    int
	refreshes int
	watches   []string
	sinces    []int64
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) Login(_ context.Context, acc model.Account) (model.Account, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.logins++
	if p.loginErr != nil {
		return model.Account{}, p.loginErr
	}
	acc.Token = "fresh"
	acc.RefreshToken = "refresh"
	return acc, nil
}

func (p *fakeProvider) RefreshSession(_ context.Context, acc model.Account) (model.Account, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refreshes++
	if p.refreshErr != nil {
		return model.Account{}, p.refreshErr
	}
	acc.Token = "refreshed"
	acc.ExpiresAtMs = 0
	return acc, nil
}

func (p *fakeProvider) LiveEvents(context.Context) ([]model.LiveEvent, error) { return nil, nil }

func (p *fakeProvider) SendWatch(_ context.Context, acc model.Account, ev model.LiveEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.staleTokens[acc.Token] {
		return provider.ErrUnauthorized
	}
	p.watches = append(p.watches, acc.Token+"/"+ev.ID)
	return nil
}

func (p *fakeProvider) EarnedDrops(_ context.Context, acc model.Account, since int64) ([]model.Drop, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.staleTokens[acc.Token] {
		return nil, provider.ErrUnauthorized
	}
	p.sinces = append(p.sinces, since)
	if p.dropsErr != nil {
		return nil, p.dropsErr
	}
	out := p.drops
	p.drops = nil
	for i := range out {
		out[i].Account = acc.Name
	}
	return out, nil
}

func (p *fakeProvider) TotalDrops(context.Context, model.Account) (int, error) {
	return p.total, nil
}

func (p *fakeProvider) snapshot() fakeProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	return fakeProvider{
		logins:    p.logins,
		refreshes: p.refreshes,
		watches:   append([]string(nil), p.watches...),
		sinces:    append([]int64(nil), p.sinces...),
	}
}

type memStore struct {
	mu       sync.Mutex
	sessions map[string]model.Account
	drops    []model.Drop
	deleted  int
}

func newMemStore() *memStore { return &memStore{sessions: map[string]model.Account{}} }

func (s *memStore) LoadSession(_ context.Context, acc model.Account) (model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.sessions[acc.Name]
	if !ok {
		return model.Account{}, errors.New("not found")
	}
	stored.Password = acc.Password
	return stored, nil
}

func (s *memStore) SaveSession(_ context.Context, acc model.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[acc.Name] = acc
	return nil
}

func (s *memStore) DeleteSession(_ context.Context, account string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, account)
	s.deleted++
	return nil
}

func (s *memStore) session(account string) (model.Account, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.sessions[account]
	return acc, ok
}

func (s *memStore) RecordDrops(_ context.Context, drops []model.Drop) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drops = append(s.drops, drops...)
	return len(drops), nil
}

func (s *memStore) CountDrops(context.Context, string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.drops), nil
}

type notifications struct {
	mu     sync.Mutex
	events []notify.DropEvent
}

func (n *notifications) NotifyDrop(_ context.Context, evt notify.DropEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, evt)
}

type env struct {
	registry *stats.Registry
	shared   *shared.Context
	deps     engine.Deps
}

func newEnv(t *testing.T) env {
	t.Helper()
	reg := stats.NewRegistry()
	require.NoError(t, reg.InitAccount("alice"))
	sc := shared.NewContext()
	return env{
		registry: reg,
		shared:   sc,
		deps:     engine.Deps{Registry: reg, Shared: sc, Locks: shared.DefaultLocks()},
	}
}

var alice = model.Account{Name: "alice", Username: "alice", Password: "pw"}

// runFor runs the worker inside the current bubble until every goroutine is
// idle, then stops it and returns what Run returned.
func runFor(t *testing.T, w *farm.Worker, d time.Duration) error {
	t.Helper()
	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	time.Sleep(d)
	synctest.Wait()
	cancel()
	return <-done
}

func TestLoginFailureCounts(t *testing.T) {
	e := newEnv(t)
	p := &fakeProvider{loginErr: provider.ErrUnauthorized}

	for i := 1; i <= 3; i++ {
		err := farm.NewWorker(alice, e.deps, farm.Options{Provider: p}).Run(t.Context())
		require.ErrorIs(t, err, farm.ErrLoginFailed)

		failed, err := e.registry.FailedLogins("alice")
		require.NoError(t, err)
		require.Equal(t, i, failed)
	}
	st, err := e.registry.Get("alice")
	require.NoError(t, err)
	require.Equal(t, model.StatusLoginFailed, st.Status)
}

func TestLoginSuccessResetsCounter(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		e := newEnv(t)
		require.NoError(t, e.registry.AddLoginFailed("alice"))
		require.NoError(t, e.registry.AddLoginFailed("alice"))
		store := newMemStore()
		p := &fakeProvider{total: 40}

		w := farm.NewWorker(alice, e.deps, farm.Options{Provider: p, Store: store, ShowHistoricalDrops: true})
		require.NoError(t, runFor(t, w, time.Second))

		st, err := e.registry.Get("alice")
		require.NoError(t, err)
		require.Zero(t, st.FailedLoginCounter)
		require.Equal(t, 40, st.TotalDrops)
		require.Equal(t, model.StatusNoMatches, st.Status)
		require.Equal(t, 1, p.snapshot().logins)
		require.Equal(t, "fresh", store.sessions["alice"].Token)
	})
}

func TestLoginSources(t *testing.T) {
	tests := []struct {
		scenario  string
		given     *model.Account
		logins    int
		refreshes int
		token     string
	}{
		{
			scenario: "no stored session",
			logins:   1,
			token:    "fresh",
		},
		{
			scenario: "valid stored session",
			given:    &model.Account{Name: "alice", Username: "alice", Token: "stored"},
			token:    "stored",
		},
		{
			scenario:  "expired stored session is refreshed",
			given:     &model.Account{Name: "alice", Username: "alice", Token: "old", RefreshToken: "r", ExpiresAtMs: 1},
			refreshes: 1,
			token:     "refreshed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.scenario, func(t *testing.T) {
			synctest.Test(t, func(t *testing.T) {
				e := newEnv(t)
				store := newMemStore()
				if tt.given != nil {
					store.sessions["alice"] = *tt.given
				}
				e.shared.Store([]model.LiveEvent{{ID: "m1", League: "LEC"}}, time.Now())
				p := &fakeProvider{}

				w := farm.NewWorker(alice, e.deps, farm.Options{Provider: p, Store: store})
				require.NoError(t, runFor(t, w, time.Second))

				got := p.snapshot()
				require.Equal(t, tt.logins, got.logins)
				require.Equal(t, tt.refreshes, got.refreshes)
				require.Equal(t, []string{tt.token + "/m1"}, got.watches)
			})
		})
	}
}

func TestUnauthorizedHeartbeatRefreshes(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		e := newEnv(t)
		store := newMemStore()
		store.sessions["alice"] = model.Account{Name: "alice", Username: "alice", Token: "stale", RefreshToken: "r"}
		e.shared.Store([]model.LiveEvent{{ID: "m1", League: "LEC"}}, time.Now())
		p := &fakeProvider{staleTokens: map[string]bool{"stale": true}}

		w := farm.NewWorker(alice, e.deps, farm.Options{Provider: p, Store: store})
		require.NoError(t, runFor(t, w, time.Second))

		got := p.snapshot()
		require.Equal(t, 1, got.refreshes)
		require.Equal(t, []string{"refreshed/m1"}, got.watches)
		require.Equal(t, "refreshed", store.sessions["alice"].Token)
	})
}

func TestRejectedSessionLogsInAgain(t *testing.T) {
	tests := []struct {
		scenario  string
		events    []model.LiveEvent
		stored    model.Account
		refreshes int
		watches   []string
	}{
		{
			scenario:  "heartbeat rejected and refresh token revoked",
			events:    []model.LiveEvent{{ID: "m1", League: "LEC"}},
			stored:    model.Account{Name: "alice", Username: "alice", Token: "stale", RefreshToken: "r"},
			refreshes: 1,
			watches:   []string{"fresh/m1"},
		},
		{
			scenario: "heartbeat rejected without refresh token",
			events:   []model.LiveEvent{{ID: "m1", League: "LEC"}},
			stored:   model.Account{Name: "alice", Username: "alice", Token: "stale"},
			watches:  []string{"fresh/m1"},
		},
		{
			scenario:  "drop poll rejected with no live matches",
			stored:    model.Account{Name: "alice", Username: "alice", Token: "stale", RefreshToken: "r"},
			refreshes: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.scenario, func(t *testing.T) {
			synctest.Test(t, func(t *testing.T) {
				e := newEnv(t)
				require.NoError(t, e.registry.AddLoginFailed("alice"))
				store := newMemStore()
				store.sessions["alice"] = tt.stored
				e.shared.Store(tt.events, time.Now())
				p := &fakeProvider{staleTokens: map[string]bool{"stale": true}, refreshErr: provider.ErrUnauthorized}

				w := farm.NewWorker(alice, e.deps, farm.Options{Provider: p, Store: store})
				require.NoError(t, runFor(t, w, 5*time.Second))

				got := p.snapshot()
				require.Equal(t, 1, got.logins)
				require.Equal(t, tt.refreshes, got.refreshes)
				require.Equal(t, tt.watches, got.watches)
				require.Len(t, got.sinces, 1)

				stored, ok := store.session("alice")
				require.True(t, ok)
				require.Equal(t, "fresh", stored.Token)
				require.Equal(t, 1, store.deleted)

				failed, err := e.registry.FailedLogins("alice")
				require.NoError(t, err)
				require.Zero(t, failed)
			})
		})
	}
}

func TestRejectedSessionCountsFailedLogins(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		e := newEnv(t)
		store := newMemStore()
		store.sessions["alice"] = model.Account{Name: "alice", Username: "alice", Token: "stale", RefreshToken: "r"}
		e.shared.Store([]model.LiveEvent{{ID: "m1"}}, time.Now())
		p := &fakeProvider{
			staleTokens: map[string]bool{"stale": true},
			refreshErr:  provider.ErrUnauthorized,
			loginErr:    provider.ErrUnauthorized,
		}

		for i := 1; i <= 3; i++ {
			err := farm.NewWorker(alice, e.deps, farm.Options{Provider: p, Store: store}).Run(t.Context())
			require.ErrorIs(t, err, farm.ErrLoginFailed)

			failed, err := e.registry.FailedLogins("alice")
			require.NoError(t, err)
			require.Equal(t, i, failed)
		}

		// the revoked session is gone, later runs go straight to a full login
		_, ok := store.session("alice")
		require.False(t, ok)
		got := p.snapshot()
		require.Equal(t, 3, got.logins)
		require.Equal(t, 1, got.refreshes)

		st, err := e.registry.Get("alice")
		require.NoError(t, err)
		require.Equal(t, model.StatusLoginFailed, st.Status)
	})
}

func TestFailedDropPollKeepsWindow(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		e := newEnv(t)
		before, err := e.registry.LastDropCheck("alice")
		require.NoError(t, err)
		p := &fakeProvider{dropsErr: errors.New("503 service unavailable")}

		w := farm.NewWorker(alice, e.deps, farm.Options{Provider: p, WatchInterval: time.Minute})
		require.NoError(t, runFor(t, w, 90*time.Second))

		got := p.snapshot()
		require.Equal(t, []int64{before, before}, got.sinces)
		after, err := e.registry.LastDropCheck("alice")
		require.NoError(t, err)
		require.Equal(t, before, after)

		st, err := e.registry.Get("alice")
		require.NoError(t, err)
		require.Zero(t, st.SessionDrops)
	})
}

func TestDropsAreRecorded(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		e := newEnv(t)
		store := newMemStore()
		notes := &notifications{}
		e.shared.Store([]model.LiveEvent{{ID: "m1", League: "LEC"}, {ID: "m2", League: "LCK"}}, time.Now())
		start := time.Now().UnixMilli()
		p := &fakeProvider{drops: []model.Drop{
			{ID: "d1", League: "LEC", Reward: "Capsule", EarnedAtMs: start},
			{ID: "d2", League: "LCK", Reward: "Emote", EarnedAtMs: start},
		}}

		w := farm.NewWorker(alice, e.deps, farm.Options{
			Provider:      p,
			Store:         store,
			Notifier:      notes,
			WatchInterval: time.Minute,
		})
		require.NoError(t, runFor(t, w, 90*time.Second))

		st, err := e.registry.Get("alice")
		require.NoError(t, err)
		require.Equal(t, 2, st.SessionDrops)
		require.Contains(t, st.LastDrop, "(LCK) (Emote)")
		require.Equal(t, "LEC, LCK", st.LiveMatches)
		require.Equal(t, model.StatusLive, st.Status)
		require.Len(t, store.drops, 2)
		require.Len(t, notes.events, 2)
		require.Equal(t, "alice", notes.events[0].Account)

		// the second poll starts where the first one stopped
		got := p.snapshot()
		require.Len(t, got.sinces, 2)
		require.Equal(t, start, got.sinces[0])
		require.Greater(t, got.sinces[1], got.sinces[0])
	})
}

func TestPausedAccountSkipsFarming(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		e := newEnv(t)
		active, err := e.registry.ToggleActive("alice")
		require.NoError(t, err)
		require.False(t, active)
		e.shared.Store([]model.LiveEvent{{ID: "m1", League: "LEC"}}, time.Now())
		p := &fakeProvider{}

		w := farm.NewWorker(alice, e.deps, farm.Options{Provider: p})
		require.NoError(t, runFor(t, w, time.Second))

		st, err := e.registry.Get("alice")
		require.NoError(t, err)
		require.Equal(t, model.StatusPaused, st.Status)
		require.Empty(t, p.snapshot().watches)
	})
}

func TestFactory(t *testing.T) {
	e := newEnv(t)
	p := &fakeProvider{loginErr: errors.New("down")}
	f := farm.Factory(farm.Options{Provider: p}, map[string]model.Account{"alice": alice})

	err := f("alice", e.deps).Run(t.Context())
	require.ErrorIs(t, err, farm.ErrLoginFailed)
	require.ErrorContains(t, err, "down")
}
