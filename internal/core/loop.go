package core

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

var ErrLoopStopped = errors.New("loop stopped")

// Scheduler is the single serialized context every session mutation runs on.
type Scheduler interface {
	// Post queues fn. It never blocks and never runs fn inline.
	Post(fn func())
	// AfterFunc runs fn on the scheduler after d, unless stopped first.
	AfterFunc(d time.Duration, fn func()) Timer
	Now() time.Time
}

type Timer interface {
	Stop()
}

// Loop is the production Scheduler: an unbounded queue drained by Run.
type Loop struct {
	mu     sync.Mutex
	queue  []func()
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

func NewLoop() *Loop {
	return &Loop{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *Loop) Now() time.Time { return time.Now() }

type loopTimer struct {
	t       *time.Timer
	stopped atomic.Bool
}

func (t *loopTimer) Stop() {
	t.stopped.Store(true)
	t.t.Stop()
}

func (l *Loop) AfterFunc(d time.Duration, fn func()) Timer {
	lt := &loopTimer{}
	lt.t = time.AfterFunc(d, func() {
		l.Post(func() {
			// Stop may race with the timer goroutine; re-check on the loop.
			if lt.stopped.Load() {
				return
			}
			fn()
		})
	})
	return lt
}

// Run drains the queue until ctx is done. Queued tasks are dropped on exit.
func (l *Loop) Run(ctx context.Context) error {
	defer func() {
		l.mu.Lock()
		l.closed = true
		l.queue = nil
		l.mu.Unlock()
		close(l.done)
	}()
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "core.loop").Msg("loop ctx done")
			return nil
		case <-l.wake:
			for {
				l.mu.Lock()
				batch := l.queue
				l.queue = nil
				l.mu.Unlock()
				if len(batch) == 0 {
					break
				}
				for _, fn := range batch {
					fn()
				}
			}
		}
	}
}

// Do runs fn on the loop and waits for it. It must not be called from the loop.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	l.Post(func() {
		fn()
		close(finished)
	})
	select {
	case <-finished:
		return nil
	case <-l.done:
		return ErrLoopStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}
