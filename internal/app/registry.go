package app

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/groupcall/internal/domain"
)

// Handle addresses a session slot. A handle whose slot was reused resolves to nothing.
type Handle struct {
	index uint32
	gen   uint32
}

func (h Handle) IsZero() bool { return h.gen == 0 }

type slot struct {
	gen     uint32
	session *Session
	call    domain.CallID
}

// Registry is an arena of sessions. Continuations hold a Handle, never a *Session.
type Registry struct {
	mu     sync.RWMutex
	slots  []slot
	free   []uint32
	byCall map[domain.CallID]Handle
}

func NewRegistry() *Registry {
	return &Registry{byCall: make(map[domain.CallID]Handle)}
}

func (r *Registry) Insert(s *Session) Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	var idx uint32
	if n := len(r.free); n > 0 {
		idx = r.free[n-1]
		r.free = r.free[:n-1]
	} else {
		idx = uint32(len(r.slots))
		r.slots = append(r.slots, slot{})
	}
	sl := &r.slots[idx]
	sl.gen++
	if sl.gen == 0 {
		sl.gen = 1
	}
	sl.session = s
	sl.call = 0
	h := Handle{index: idx, gen: sl.gen}
	log.Debug().Str("module", "app.registry").Uint32("slot", idx).Uint32("gen", sl.gen).Msg("inserted session")
	return h
}

func (r *Registry) Get(h Handle) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sl, ok := r.lookup(h)
	if !ok {
		return nil, false
	}
	return sl.session, true
}

// BindCall routes pushes for call to the session at h.
func (r *Registry) BindCall(h Handle, call domain.CallID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	sl, ok := r.lookup(h)
	if !ok {
		return false
	}
	if sl.call != 0 && r.byCall[sl.call] == h {
		delete(r.byCall, sl.call)
	}
	sl.call = call
	r.byCall[call] = h
	log.Info().Str("module", "app.registry").Uint64("call", uint64(call)).Uint32("slot", h.index).Msg("bound call")
	return true
}

func (r *Registry) ByCall(call domain.CallID) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.byCall[call]
	if !ok {
		return nil, false
	}
	sl, ok := r.lookup(h)
	if !ok {
		return nil, false
	}
	return sl.session, true
}

// Remove empties the slot; outstanding handles to it stop resolving.
func (r *Registry) Remove(h Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	sl, ok := r.lookup(h)
	if !ok {
		return false
	}
	if sl.call != 0 && r.byCall[sl.call] == h {
		delete(r.byCall, sl.call)
	}
	sl.session = nil
	sl.call = 0
	r.free = append(r.free, h.index)
	log.Info().Str("module", "app.registry").Uint32("slot", h.index).Msg("removed session")
	return true
}

// Each visits the sessions live at the time of the call, in slot order.
// fn may insert or remove sessions; those changes are not visited.
func (r *Registry) Each(fn func(Handle, *Session)) {
	r.mu.RLock()
	live := make([]Handle, 0, len(r.slots))
	sessions := make([]*Session, 0, len(r.slots))
	for i := range r.slots {
		if r.slots[i].session != nil {
			live = append(live, Handle{index: uint32(i), gen: r.slots[i].gen})
			sessions = append(sessions, r.slots[i].session)
		}
	}
	r.mu.RUnlock()
	for i, h := range live {
		fn(h, sessions[i])
	}
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.slots) - len(r.free)
}

func (r *Registry) lookup(h Handle) (*slot, bool) {
	if h.IsZero() || int(h.index) >= len(r.slots) {
		return nil, false
	}
	sl := &r.slots[h.index]
	if sl.gen != h.gen || sl.session == nil {
		return nil, false
	}
	return sl, true
}
