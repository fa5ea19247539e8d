// Package coretest provides a deterministic core.Scheduler for tests.
package coretest

import (
	"sort"
	"sync"
	"time"

	"github.com/dkeye/groupcall/internal/core"
)

// Scheduler runs posted tasks only when the test drains it and fires timers
// only when the test advances its clock.
type Scheduler struct {
	mu     sync.Mutex
	now    time.Time
	queue  []func()
	timers []*timer
	seq    int
}

type timer struct {
	at      time.Time
	seq     int
	fn      func()
	stopped bool
}

func (t *timer) Stop() { t.stopped = true }

func New(start time.Time) *Scheduler {
	return &Scheduler{now: start}
}

func (s *Scheduler) Post(fn func()) {
	s.mu.Lock()
	s.queue = append(s.queue, fn)
	s.mu.Unlock()
}

func (s *Scheduler) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

func (s *Scheduler) AfterFunc(d time.Duration, fn func()) core.Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	t := &timer{at: s.now.Add(d), seq: s.seq, fn: fn}
	s.timers = append(s.timers, t)
	return t
}

// Drain runs queued tasks, including ones they post, until the queue is empty.
func (s *Scheduler) Drain() {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		fn := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()
		fn()
	}
}

// Advance moves the clock by d, firing due timers in order and draining after each.
func (s *Scheduler) Advance(d time.Duration) {
	s.Drain()
	s.mu.Lock()
	target := s.now.Add(d)
	s.mu.Unlock()
	for {
		t := s.nextDue(target)
		if t == nil {
			break
		}
		t.fn()
		s.Drain()
	}
	s.mu.Lock()
	s.now = target
	s.mu.Unlock()
	s.Drain()
}

// Pending reports the number of armed timers.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.timers {
		if !t.stopped {
			n++
		}
	}
	return n
}

func (s *Scheduler) nextDue(target time.Time) *timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	live := s.timers[:0]
	for _, t := range s.timers {
		if !t.stopped {
			live = append(live, t)
		}
	}
	s.timers = live
	sort.SliceStable(s.timers, func(i, j int) bool {
		if s.timers[i].at.Equal(s.timers[j].at) {
			return s.timers[i].seq < s.timers[j].seq
		}
		return s.timers[i].at.Before(s.timers[j].at)
	})
	if len(s.timers) == 0 || s.timers[0].at.After(target) {
		return nil
	}
	t := s.timers[0]
	s.timers = s.timers[1:]
	if t.at.After(s.now) {
		s.now = t.at
	}
	return t
}

// Inline runs spawned work synchronously so transport calls complete before Drain.
func Inline(fn func()) { fn() }
