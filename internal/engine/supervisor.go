package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	clog "capsule_farmer/internal/log"
	"capsule_farmer/internal/logbus"
	"capsule_farmer/internal/model"
	"capsule_farmer/internal/shared"
	"capsule_farmer/internal/stats"
)

var ErrWorkerPanic = errors.New("worker panicked")

// Worker farms a single account until it fails or ctx is cancelled.
type Worker interface {
	Run(ctx context.Context) error
}

type WorkerFunc func(ctx context.Context) error

func (f WorkerFunc) Run(ctx context.Context) error { return f(ctx) }

// Deps are handed to every worker the supervisor creates.
type Deps struct {
	Registry *stats.Registry
	Shared   *shared.Context
	Locks    *shared.Locks
}

type Factory func(account string, deps Deps) Worker

type Options struct {
	Accounts []string
	Registry *stats.Registry
	Shared   *shared.Context
	Locks    *shared.Locks
	Factory  Factory
	Restart  *RestartScheduler
	Bus      *logbus.Bus

	// ShutdownTimeout bounds how long Run waits for workers after ctx ends.
	ShutdownTimeout time.Duration
	// PollInterval is the longest the loop sleeps without an event.
	PollInterval time.Duration
}

type handle struct {
	runID   string
	started time.Time
}

type exit struct {
	account string
	runID   string
	started time.Time
	err     error
}

// Supervisor keeps exactly one worker per account alive, restarting failed
// workers once the restart scheduler allows it.
type Supervisor struct {
	opts Options

	exits chan exit

	mu      sync.Mutex
	running map[string]handle
	wg      sync.WaitGroup
}

func New(opts Options) (*Supervisor, error) {
	if opts.Registry == nil {
		return nil, errors.New("registry is required")
	}
	if opts.Factory == nil {
		return nil, errors.New("worker factory is required")
	}
	if len(opts.Accounts) == 0 {
		return nil, errors.New("no accounts to supervise")
	}
	for _, id := range opts.Accounts {
		if _, err := opts.Registry.Get(id); err != nil {
			return nil, err
		}
	}
	if opts.Shared == nil {
		opts.Shared = shared.NewContext()
	}
	if opts.Locks == nil {
		opts.Locks = shared.DefaultLocks()
	}
	if opts.Restart == nil {
		opts.Restart = NewRestartScheduler(RestartPolicy{}, nil)
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 15 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	return &Supervisor{
		opts: opts,
		// each account has at most one live worker, so exits never block
		exits:   make(chan exit, len(opts.Accounts)),
		running: make(map[string]handle, len(opts.Accounts)),
	}, nil
}

// Run drives the spawn / reap loop until ctx is cancelled, then waits up to
// ShutdownTimeout for workers to return. It returns nil on cancellation.
func (s *Supervisor) Run(ctx context.Context) error {
	s.log(ctx, "info", "supervisor started", map[string]any{"accounts": len(s.opts.Accounts)})
	defer s.wait(ctx)

	for {
		s.spawnEligible(ctx)

		timer := time.NewTimer(s.nextWake())
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case ex := <-s.exits:
			timer.Stop()
			s.reap(ctx, ex)
		case <-timer.C:
		}
	}
}

func (s *Supervisor) spawnEligible(ctx context.Context) {
	for _, id := range s.opts.Accounts {
		if ctx.Err() != nil {
			return
		}
		s.mu.Lock()
		_, busy := s.running[id]
		s.mu.Unlock()
		if busy || !s.opts.Restart.CanStart(id) {
			continue
		}
		s.spawn(ctx, id)
	}
}

func (s *Supervisor) spawn(ctx context.Context, id string) {
	h := handle{runID: uuid.NewString(), started: s.opts.Restart.Now()}
	s.mu.Lock()
	s.running[id] = h
	s.mu.Unlock()

	if err := s.opts.Registry.UpdateStatus(id, model.StatusStarting); err != nil {
		s.log(ctx, "error", "update status failed", map[string]any{"account": id, "error": err.Error()})
	}

	wctx := clog.ContextAttrs(ctx, slog.String("account", id), slog.String("run_id", h.runID))
	s.log(wctx, "info", "worker started", nil)

	deps := Deps{Registry: s.opts.Registry, Shared: s.opts.Shared, Locks: s.opts.Locks}
	s.wg.Go(func() {
		err := s.runWorker(wctx, id, deps)
		s.exits <- exit{account: id, runID: h.runID, started: h.started, err: err}
	})
}

func (s *Supervisor) runWorker(ctx context.Context, id string, deps Deps) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrWorkerPanic, r)
		}
	}()
	return s.opts.Factory(id, deps).Run(ctx)
}

func (s *Supervisor) reap(ctx context.Context, ex exit) {
	s.mu.Lock()
	delete(s.running, ex.account)
	s.mu.Unlock()

	if ctx.Err() != nil {
		return
	}

	ranFor := s.opts.Restart.Now().Sub(ex.started)
	if stable := s.opts.Restart.Policy().StableAfter; stable > 0 && ranFor >= stable {
		s.opts.Restart.Reset(ex.account)
	}
	st := s.opts.Restart.RecordFailure(ex.account)

	failed, err := s.opts.Registry.FailedLogins(ex.account)
	if err != nil {
		s.log(ctx, "error", "read failed logins", map[string]any{"account": ex.account, "error": err.Error()})
	}
	status := fmt.Sprintf("ERROR - restart at %s, failed logins: %d", st.NextStart.Format("15:04:05"), failed)
	if err := s.opts.Registry.UpdateStatus(ex.account, status); err != nil {
		s.log(ctx, "error", "update status failed", map[string]any{"account": ex.account, "error": err.Error()})
	}

	fields := map[string]any{
		"account":      ex.account,
		"runId":        ex.runID,
		"ranForMs":     ranFor.Milliseconds(),
		"failures":     st.Failures,
		"failedLogins": failed,
		"nextStart":    st.NextStart.Format(time.RFC3339),
	}
	if ex.err != nil {
		fields["error"] = ex.err.Error()
	}
	s.log(ctx, "warn", "worker finished and will restart", fields)
	if s.opts.Bus != nil {
		s.opts.Bus.Publish(logbus.TypeRestart, st)
	}
}

// nextWake is the time until the earliest waiting account becomes eligible,
// bounded by PollInterval.
func (s *Supervisor) nextWake() time.Duration {
	wake := s.opts.PollInterval
	now := s.opts.Restart.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.opts.Accounts {
		if _, busy := s.running[id]; busy {
			continue
		}
		next, ok := s.opts.Restart.NextStart(id)
		if !ok {
			continue
		}
		if d := next.Sub(now); d > 0 && d < wake {
			wake = d
		}
	}
	return wake
}

func (s *Supervisor) wait(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(s.opts.ShutdownTimeout)
	defer timer.Stop()
	select {
	case <-done:
		s.drain()
		s.log(ctx, "info", "supervisor stopped", nil)
	case <-timer.C:
		s.log(ctx, "warn", "workers still running after shutdown timeout", map[string]any{"running": s.Running()})
	}
}

// drain forgets workers whose exit arrived after the loop stopped.
func (s *Supervisor) drain() {
	for {
		select {
		case ex := <-s.exits:
			s.mu.Lock()
			delete(s.running, ex.account)
			s.mu.Unlock()
		default:
			return
		}
	}
}

// Running lists accounts that currently have a live worker.
func (s *Supervisor) Running() []string {
	s.mu.Lock()
	out := make([]string, 0, len(s.running))
	for id := range s.running {
		out = append(out, id)
	}
	s.mu.Unlock()
	sort.Strings(out)
	return out
}

func (s *Supervisor) Restarts() []RestartState {
	return s.opts.Restart.States()
}

func (s *Supervisor) log(ctx context.Context, level, msg string, fields map[string]any) {
	if s.opts.Bus != nil {
		s.opts.Bus.LogContext(ctx, level, msg, fields)
		return
	}
	args := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	switch level {
	case "warn":
		slog.WarnContext(ctx, msg, args...)
	case "error":
		slog.ErrorContext(ctx, msg, args...)
	default:
		slog.InfoContext(ctx, msg, args...)
	}
}
