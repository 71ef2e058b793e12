// Package stats keeps the per-account status records shown to the operator.
//
// Every record is created once, before supervision starts, and is then
// mutated only through the Registry methods, each of which is atomic with
// respect to other operations on the same account.
package stats

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"capsule_farmer/internal/logbus"
	"capsule_farmer/internal/model"
)

// TimeFormat is used for LastDrop timestamps.
const TimeFormat = "15:04:05 02/01"

var (
	ErrUnknownAccount = errors.New("unknown account")
	ErrAccountExists  = errors.New("account already registered")
)

// Publisher receives a copy of every record after it changes.
type Publisher interface {
	Publish(typ string, data any)
}

type entry struct {
	mu     sync.Mutex
	status model.AccountStatus
}

type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	order   []string

	now func() time.Time
	pub Publisher
}

type Option func(*Registry)

func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func WithPublisher(p Publisher) Option {
	return func(r *Registry) { r.pub = p }
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		entries: make(map[string]*entry),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Update carries the result of one worker cycle.
type Update struct {
	NewDrops    int
	LiveMatches string
	League      string
	Reward      string
}

func (r *Registry) InitAccount(id string) error {
	r.mu.Lock()
	if _, ok := r.entries[id]; ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAccountExists, id)
	}
	e := &entry{status: model.AccountStatus{
		Account:         id,
		LastDrop:        model.NoDropsYet,
		Status:          model.StatusWaiting,
		LastDropCheckMs: r.now().UnixMilli(),
		Active:          true,
	}}
	r.entries[id] = e
	r.order = append(r.order, id)
	r.mu.Unlock()

	r.publish(e.status)
	return nil
}

func (r *Registry) Update(id string, u Update) error {
	return r.mutate(id, func(s *model.AccountStatus) {
		now := r.now()
		s.LastCheck = now
		s.LiveMatches = u.LiveMatches
		if u.NewDrops > 0 {
			s.SessionDrops += u.NewDrops
			s.LastDrop = formatDrop(now, u.League, u.Reward)
		}
	})
}

func formatDrop(at time.Time, league, reward string) string {
	var b strings.Builder
	b.WriteString(at.Format(TimeFormat))
	if league != "" {
		b.WriteString(" (" + league + ")")
		if reward != "" {
			b.WriteString(" (" + reward + ")")
		}
	}
	return b.String()
}

func (r *Registry) SetTotalDrops(id string, total int) error {
	return r.mutate(id, func(s *model.AccountStatus) {
		s.TotalDrops = total
	})
}

func (r *Registry) UpdateStatus(id, status string) error {
	return r.mutate(id, func(s *model.AccountStatus) {
		s.Status = status
	})
}

func (r *Registry) UpdateLastDropCheck(id string, ms int64) error {
	return r.mutate(id, func(s *model.AccountStatus) {
		s.LastDropCheckMs = ms
	})
}

func (r *Registry) LastDropCheck(id string) (int64, error) {
	s, err := r.Get(id)
	return s.LastDropCheckMs, err
}

func (r *Registry) AddLoginFailed(id string) error {
	return r.mutate(id, func(s *model.AccountStatus) {
		s.FailedLoginCounter++
	})
}

func (r *Registry) ResetLoginFailed(id string) error {
	return r.mutate(id, func(s *model.AccountStatus) {
		s.FailedLoginCounter = 0
	})
}

func (r *Registry) FailedLogins(id string) (int, error) {
	s, err := r.Get(id)
	return s.FailedLoginCounter, err
}

// ToggleActive flips the run/pause flag and returns the new value.
func (r *Registry) ToggleActive(id string) (bool, error) {
	var active bool
	err := r.mutate(id, func(s *model.AccountStatus) {
		s.Active = !s.Active
		active = s.Active
	})
	return active, err
}

func (r *Registry) Active(id string) (bool, error) {
	s, err := r.Get(id)
	return s.Active, err
}

// Get returns a copy of one record.
func (r *Registry) Get(id string) (model.AccountStatus, error) {
	e, err := r.lookup(id)
	if err != nil {
		return model.AccountStatus{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status, nil
}

// Snapshot copies every record in registration order. Each record is
// consistent on its own; records are not captured at a single instant.
func (r *Registry) Snapshot() []model.AccountStatus {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.order))
	for _, id := range r.order {
		entries = append(entries, r.entries[id])
	}
	r.mu.RUnlock()

	out := make([]model.AccountStatus, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.status)
		e.mu.Unlock()
	}
	return out
}

func (r *Registry) Accounts() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

func (r *Registry) lookup(id string) (*entry, error) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAccount, id)
	}
	return e, nil
}

func (r *Registry) mutate(id string, fn func(*model.AccountStatus)) error {
	e, err := r.lookup(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	fn(&e.status)
	snap := e.status
	e.mu.Unlock()

	r.publish(snap)
	return nil
}

func (r *Registry) publish(s model.AccountStatus) {
	if r.pub == nil {
		return
	}
	r.pub.Publish(logbus.TypeAccountStatus, s)
}
