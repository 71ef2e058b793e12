// Package shared holds the data every farming worker reads and the named
// locks workers use to serialize operations that must not overlap.
package shared

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"capsule_farmer/internal/model"
)

// Snapshot is immutable once stored; refreshes replace it wholesale.
type Snapshot struct {
	Events      []model.LiveEvent
	RefreshedAt time.Time
}

func (s *Snapshot) Leagues() []string {
	if s == nil {
		return nil
	}
	seen := make(map[string]struct{}, len(s.Events))
	out := make([]string, 0, len(s.Events))
	for _, ev := range s.Events {
		if ev.League == "" {
			continue
		}
		if _, ok := seen[ev.League]; ok {
			continue
		}
		seen[ev.League] = struct{}{}
		out = append(out, ev.League)
	}
	return out
}

type Context struct {
	cur atomic.Pointer[Snapshot]

	mu      sync.Mutex
	changed chan struct{}
}

func NewContext() *Context {
	c := &Context{changed: make(chan struct{})}
	c.cur.Store(&Snapshot{})
	return c
}

// Load never returns nil.
func (c *Context) Load() *Snapshot {
	return c.cur.Load()
}

func (c *Context) Store(events []model.LiveEvent, at time.Time) {
	cp := make([]model.LiveEvent, len(events))
	copy(cp, events)
	c.cur.Store(&Snapshot{Events: cp, RefreshedAt: at})
	c.signalChanged()
}

// Updated returns a channel closed on the next Store.
func (c *Context) Updated() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.changed
}

func (c *Context) signalChanged() {
	c.mu.Lock()
	old := c.changed
	c.changed = make(chan struct{})
	c.mu.Unlock()
	close(old)
}

// RefreshLock serializes session refreshes across every worker.
const RefreshLock = "refreshLock"

// Locks is a fixed set of named mutexes created at startup.
type Locks struct {
	m map[string]*sync.Mutex
}

func NewLocks(names ...string) *Locks {
	l := &Locks{m: make(map[string]*sync.Mutex, len(names))}
	for _, n := range names {
		l.m[n] = &sync.Mutex{}
	}
	return l
}

// DefaultLocks holds every lock the farming workers use.
func DefaultLocks() *Locks {
	return NewLocks(RefreshLock)
}

// Get panics on an unknown name: asking for a lock nobody created is a wiring bug.
func (l *Locks) Get(name string) *sync.Mutex {
	mu, ok := l.m[name]
	if !ok {
		panic(fmt.Sprintf("shared: lock %q is not registered", name))
	}
	return mu
}

// With runs fn while holding the named lock.
func (l *Locks) With(name string, fn func() error) error {
	mu := l.Get(name)
	mu.Lock()
	defer mu.Unlock()
	return fn()
}
