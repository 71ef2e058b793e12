package engine_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"testing/synctest"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"capsule_farmer/internal/engine"
	"capsule_farmer/internal/logbus"
	"capsule_farmer/internal/model"
	"capsule_farmer/internal/stats"
)

func newRegistry(t *testing.T, ids ...string) *stats.Registry {
	t.Helper()
	r := stats.NewRegistry()
	for _, id := range ids {
		require.NoError(t, r.InitAccount(id))
	}
	return r
}

func startSupervisor(t *testing.T, opts engine.Options) (stop func()) {
	t.Helper()
	sup, err := engine.New(opts)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()
	return func() {
		cancel()
		require.NoError(t, <-done)
	}
}

func expectedStatus(st engine.RestartState, failedLogins int) string {
	return fmt.Sprintf("ERROR - restart at %s, failed logins: %d", st.NextStart.Format("15:04:05"), failedLogins)
}

func TestNewValidates(t *testing.T) {
	reg := newRegistry(t, "alice")
	factory := func(string, engine.Deps) engine.Worker { return nil }

	var testCases = []struct {
		scenario string
		given    engine.Options
		then     string
	}{
		{"no registry", engine.Options{Accounts: []string{"alice"}, Factory: factory}, "registry is required"},
		{"no factory", engine.Options{Accounts: []string{"alice"}, Registry: reg}, "factory is required"},
		{"no accounts", engine.Options{Registry: reg, Factory: factory}, "no accounts"},
		{"unregistered account", engine.Options{Accounts: []string{"alice", "bob"}, Registry: reg, Factory: factory}, "unknown account: bob"},
	}
	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			_, err := engine.New(tt.given)
			require.ErrorContains(t, err, tt.then)
		})
	}

	_, err := engine.New(engine.Options{Accounts: []string{"bob"}, Registry: reg, Factory: factory})
	require.ErrorIs(t, err, stats.ErrUnknownAccount)
}

func TestFailingWorkerBacksOff(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		reg := newRegistry(t, "alice")
		restart := engine.NewRestartScheduler(engine.RestartPolicy{Base: 10 * time.Second, Max: time.Hour}, nil)

		var runs atomic.Int32
		var starts []time.Time
		var mu sync.Mutex
		stop := startSupervisor(t, engine.Options{
			Accounts: []string{"alice"},
			Registry: reg,
			Restart:  restart,
			Factory: func(string, engine.Deps) engine.Worker {
				return engine.WorkerFunc(func(context.Context) error {
					mu.Lock()
					starts = append(starts, time.Now())
					mu.Unlock()
					runs.Add(1)
					return errors.New("boom")
				})
			},
		})

		// runs at 0s, 10s and 30s; the fourth waits until 70s
		time.Sleep(35 * time.Second)
		synctest.Wait()

		require.EqualValues(t, 3, runs.Load())
		st, ok := restart.State("alice")
		require.True(t, ok)
		require.Equal(t, 3, st.Failures)
		require.Equal(t, starts[2].Add(40*time.Second), st.NextStart)
		require.False(t, restart.CanStart("alice"))

		mu.Lock()
		require.True(t, starts[1].After(starts[0]))
		require.True(t, starts[2].After(starts[1]))
		require.Equal(t, 10*time.Second, starts[1].Sub(starts[0]))
		require.Equal(t, 20*time.Second, starts[2].Sub(starts[1]))
		mu.Unlock()

		got, err := reg.Get("alice")
		require.NoError(t, err)
		require.Equal(t, expectedStatus(st, 0), got.Status)

		stop()
	})
}

func TestStatusReportsFailedLogins(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		reg := newRegistry(t, "alice")
		restart := engine.NewRestartScheduler(engine.RestartPolicy{Base: time.Minute}, nil)

		stop := startSupervisor(t, engine.Options{
			Accounts: []string{"alice"},
			Registry: reg,
			Restart:  restart,
			Factory: func(id string, deps engine.Deps) engine.Worker {
				return engine.WorkerFunc(func(context.Context) error {
					_ = deps.Registry.AddLoginFailed(id)
					return errors.New("login failed")
				})
			},
		})

		time.Sleep(90 * time.Second)
		synctest.Wait()

		st, ok := restart.State("alice")
		require.True(t, ok)
		require.Equal(t, 2, st.Failures)
		got, err := reg.Get("alice")
		require.NoError(t, err)
		require.Equal(t, 2, got.FailedLoginCounter)
		require.Equal(t, expectedStatus(st, 2), got.Status)

		stop()
	})
}

func TestPanickingWorkerIsRestarted(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		reg := newRegistry(t, "alice")
		bus := logbus.New(50)
		restart := engine.NewRestartScheduler(engine.RestartPolicy{Base: time.Second}, nil)

		var runs atomic.Int32
		stop := startSupervisor(t, engine.Options{
			Accounts: []string{"alice"},
			Registry: reg,
			Restart:  restart,
			Bus:      bus,
			Factory: func(string, engine.Deps) engine.Worker {
				return engine.WorkerFunc(func(ctx context.Context) error {
					if runs.Add(1) == 1 {
						panic("nil session")
					}
					<-ctx.Done()
					return ctx.Err()
				})
			},
		})

		time.Sleep(5 * time.Second)
		synctest.Wait()
		require.EqualValues(t, 2, runs.Load())

		var panicLogged bool
		for _, msg := range bus.Snapshot() {
			data, ok := msg.Data.(logbus.LogData)
			if !ok || data.Msg != "worker finished and will restart" {
				continue
			}
			require.Contains(t, data.Fields["error"], engine.ErrWorkerPanic.Error())
			panicLogged = true
		}
		require.True(t, panicLogged)

		stop()
	})
}

func TestOneWorkerPerAccount(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ids := []string{"a", "b", "c"}
		reg := newRegistry(t, ids...)
		restart := engine.NewRestartScheduler(engine.RestartPolicy{Base: time.Second, Max: 4 * time.Second}, nil)

		var mu sync.Mutex
		live := map[string]int{}
		peak := map[string]int{}
		total := map[string]int{}

		stop := startSupervisor(t, engine.Options{
			Accounts: ids,
			Registry: reg,
			Restart:  restart,
			Factory: func(id string, _ engine.Deps) engine.Worker {
				return engine.WorkerFunc(func(ctx context.Context) error {
					mu.Lock()
					live[id]++
					total[id]++
					peak[id] = max(peak[id], live[id])
					mu.Unlock()
					defer func() {
						mu.Lock()
						live[id]--
						mu.Unlock()
					}()

					select {
					case <-ctx.Done():
					case <-time.After(3 * time.Second):
					}
					return errors.New("stream ended")
				})
			},
		})

		time.Sleep(time.Minute)
		synctest.Wait()

		mu.Lock()
		for _, id := range ids {
			require.Equal(t, 1, peak[id], id)
			require.Greater(t, total[id], 3, id)
		}
		mu.Unlock()

		stop()
	})
}

func TestStableRunResetsBackoff(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		reg := newRegistry(t, "alice")
		restart := engine.NewRestartScheduler(engine.RestartPolicy{
			Base:        10 * time.Second,
			Max:         time.Hour,
			StableAfter: time.Minute,
		}, nil)

		var runs atomic.Int32
		stop := startSupervisor(t, engine.Options{
			Accounts: []string{"alice"},
			Registry: reg,
			Restart:  restart,
			Factory: func(string, engine.Deps) engine.Worker {
				return engine.WorkerFunc(func(ctx context.Context) error {
					switch runs.Add(1) {
					case 1, 2:
						return errors.New("quick failure")
					case 3:
						time.Sleep(2 * time.Minute)
						return errors.New("failure after a long run")
					default:
						<-ctx.Done()
						return nil
					}
				})
			},
		})

		// quick failures at 0s and 10s, the third run starts at 30s and ends at 150s
		time.Sleep(31 * time.Second)
		synctest.Wait()
		st, _ := restart.State("alice")
		require.Equal(t, 2, st.Failures)

		time.Sleep(2 * time.Minute)
		synctest.Wait()
		st, _ = restart.State("alice")
		require.Equal(t, 1, st.Failures)

		stop()
	})
}

func TestRunningAndRestarts(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		reg := newRegistry(t, "alice", "bob")
		restart := engine.NewRestartScheduler(engine.RestartPolicy{Base: time.Hour}, nil)

		sup, err := engine.New(engine.Options{
			Accounts: []string{"alice", "bob"},
			Registry: reg,
			Restart:  restart,
			Factory: func(id string, _ engine.Deps) engine.Worker {
				return engine.WorkerFunc(func(ctx context.Context) error {
					if id == "bob" {
						return errors.New("bad credentials")
					}
					<-ctx.Done()
					return nil
				})
			},
		})
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(t.Context())
		done := make(chan error, 1)
		go func() { done <- sup.Run(ctx) }()

		time.Sleep(time.Second)
		synctest.Wait()

		require.Equal(t, []string{"alice"}, sup.Running())
		restarts := sup.Restarts()
		require.Len(t, restarts, 1)
		require.Equal(t, "bob", restarts[0].Account)

		alice, err := reg.Get("alice")
		require.NoError(t, err)
		require.Equal(t, model.StatusStarting, alice.Status)

		cancel()
		require.NoError(t, <-done)
		require.Empty(t, sup.Running())
	})
}

func TestShutdownTimeout(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		reg := newRegistry(t, "alice")
		release := make(chan struct{})

		sup, err := engine.New(engine.Options{
			Accounts:        []string{"alice"},
			Registry:        reg,
			ShutdownTimeout: 5 * time.Second,
			Factory: func(string, engine.Deps) engine.Worker {
				return engine.WorkerFunc(func(context.Context) error {
					<-release
					return nil
				})
			},
		})
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(t.Context())
		done := make(chan error, 1)
		go func() { done <- sup.Run(ctx) }()

		time.Sleep(time.Second)
		began := time.Now()
		cancel()
		require.NoError(t, <-done)
		require.Equal(t, 5*time.Second, time.Since(began))

		close(release)
		synctest.Wait()
	})
}

func TestRunLeavesNoGoroutines(t *testing.T) {
	defer goleak.VerifyNone(t)

	reg := newRegistry(t, "alice", "bob")
	var started atomic.Int32
	sup, err := engine.New(engine.Options{
		Accounts: []string{"alice", "bob"},
		Registry: reg,
		Restart:  engine.NewRestartScheduler(engine.RestartPolicy{Base: 10 * time.Millisecond, Max: 50 * time.Millisecond}, nil),
		Factory: func(string, engine.Deps) engine.Worker {
			return engine.WorkerFunc(func(ctx context.Context) error {
				started.Add(1)
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(5 * time.Millisecond):
					return errors.New("short run")
				}
			})
		},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	require.Eventually(t, func() bool { return started.Load() >= 4 }, 5*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestStableRunUsesSchedulerClock(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		clk := &manualClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
		reg := newRegistry(t, "alice")
		restart := engine.NewRestartScheduler(engine.RestartPolicy{
			Base:        10 * time.Second,
			Max:         time.Hour,
			StableAfter: time.Minute,
		}, clk.Now)

		var runs atomic.Int32
		stop := startSupervisor(t, engine.Options{
			Accounts: []string{"alice"},
			Registry: reg,
			Restart:  restart,
			Factory: func(string, engine.Deps) engine.Worker {
				return engine.WorkerFunc(func(ctx context.Context) error {
					switch runs.Add(1) {
					case 1:
						return errors.New("quick failure")
					case 2:
						// only the scheduler clock moves past StableAfter
						clk.Advance(5 * time.Minute)
						return errors.New("failure after a long run")
					default:
						<-ctx.Done()
						return nil
					}
				})
			},
		})

		synctest.Wait()
		st, _ := restart.State("alice")
		require.Equal(t, 1, st.Failures)

		// the restart waits on the scheduler clock, not on wall time
		time.Sleep(5 * time.Second)
		synctest.Wait()
		require.Equal(t, int32(1), runs.Load())

		clk.Advance(10 * time.Second)
		time.Sleep(2 * time.Second)
		synctest.Wait()
		require.Equal(t, int32(2), runs.Load())

		st, _ = restart.State("alice")
		require.Equal(t, 1, st.Failures)
		require.Equal(t, clk.Now().Add(10*time.Second), st.NextStart)

		stop()
	})
}
