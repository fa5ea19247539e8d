package app

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/dkeye/groupcall/internal/domain"
)

const (
	DefaultRejoinLimit  = 5
	DefaultRejoinWindow = 30 * time.Second
)

// RejoinPolicy bounds join attempts per call: a burst of limit attempts,
// refilled at limit per window. A nil policy allows everything.
type RejoinPolicy struct {
	mu       sync.Mutex
	limiters map[domain.CallID]*rate.Limiter
	limit    int
	every    rate.Limit
}

func NewRejoinPolicy(limit int, window time.Duration) *RejoinPolicy {
	p := &RejoinPolicy{
		limiters: make(map[domain.CallID]*rate.Limiter),
		limit:    limit,
	}
	if limit > 0 && window > 0 {
		p.every = rate.Every(window / time.Duration(limit))
	}
	return p
}

// Allow spends one attempt at now unless the call ran out of them.
func (p *RejoinPolicy) Allow(call domain.CallID, now time.Time) bool {
	if p == nil || p.limit <= 0 {
		return true
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	l, ok := p.limiters[call]
	if !ok {
		l = rate.NewLimiter(p.every, p.limit)
		p.limiters[call] = l
	}
	return l.AllowN(now, 1)
}

func (p *RejoinPolicy) Forget(call domain.CallID) {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.limiters, call)
}
