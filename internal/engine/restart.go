package engine

import (
	"sort"
	"sync"
	"time"
)

// RestartPolicy bounds the delay between consecutive restarts of a worker.
// The n-th consecutive failure waits min(Max, Base*2^(n-1)).
type RestartPolicy struct {
	Base time.Duration
	Max  time.Duration
	// StableAfter is how long a run must last before its exit no longer
	// counts as a consecutive failure.
	StableAfter time.Duration
}

func (p RestartPolicy) normalized() RestartPolicy {
	if p.Base <= 0 {
		p.Base = 30 * time.Second
	}
	if p.Max <= 0 {
		p.Max = time.Hour
	}
	if p.Max < p.Base {
		p.Max = p.Base
	}
	return p
}

// Delay returns the wait after the given number of consecutive failures.
func (p RestartPolicy) Delay(failures int) time.Duration {
	p = p.normalized()
	if failures <= 0 {
		return 0
	}
	d := p.Base
	for i := 1; i < failures; i++ {
		if d >= p.Max/2 {
			return p.Max
		}
		d *= 2
	}
	return min(d, p.Max)
}

type RestartState struct {
	Account     string    `json:"account"`
	Failures    int       `json:"failures"`
	LastFailure time.Time `json:"lastFailure"`
	NextStart   time.Time `json:"nextStart"`
}

// RestartScheduler decides when each account's worker may start again.
// An account it has never seen may always start.
type RestartScheduler struct {
	policy RestartPolicy
	now    func() time.Time

	mu     sync.Mutex
	states map[string]*RestartState
}

func NewRestartScheduler(policy RestartPolicy, now func() time.Time) *RestartScheduler {
	if now == nil {
		now = time.Now
	}
	return &RestartScheduler{
		policy: policy.normalized(),
		now:    now,
		states: make(map[string]*RestartState),
	}
}

func (s *RestartScheduler) Policy() RestartPolicy {
	return s.policy
}

// Now reads the scheduler's clock.
func (s *RestartScheduler) Now() time.Time {
	return s.now()
}

func (s *RestartScheduler) CanStart(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[id]
	if !ok {
		return true
	}
	return !s.now().Before(st.NextStart)
}

// RecordFailure counts one more consecutive failure and schedules the next
// start. The returned state is a copy.
func (s *RestartScheduler) RecordFailure(id string) RestartState {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.states[id]
	if !ok {
		st = &RestartState{Account: id}
		s.states[id] = st
	}
	now := s.now()
	st.Failures++
	st.LastFailure = now
	st.NextStart = now.Add(s.policy.Delay(st.Failures))
	return *st
}

// Reset clears the consecutive-failure count. The next start time is kept.
func (s *RestartScheduler) Reset(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.states[id]; ok {
		st.Failures = 0
	}
}

// NextStart reports when id may start again. ok is false for an account that
// has never failed.
func (s *RestartScheduler) NextStart(id string) (t time.Time, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[id]
	if !ok {
		return time.Time{}, false
	}
	return st.NextStart, true
}

func (s *RestartScheduler) State(id string) (RestartState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[id]
	if !ok {
		return RestartState{}, false
	}
	return *st, true
}

func (s *RestartScheduler) States() []RestartState {
	s.mu.Lock()
	out := make([]RestartState, 0, len(s.states))
	for _, st := range s.states {
		out = append(out, *st)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Account < out[j].Account })
	return out
}
