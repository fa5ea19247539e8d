package core

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/groupcall/internal/domain"
)

const (
	DefaultParticipantsPageLimit = 100
	// DefaultSpeakingKeptFor is how long a participant keeps the speaking flag
	// after its last above-threshold sample.
	DefaultSpeakingKeptFor = 350 * time.Millisecond
)

type RosterParams struct {
	Call            domain.CallRef
	Transport       Transport
	Requests        *Requests
	Now             func() time.Time
	PageLimit       int
	SpeakingKeptFor time.Duration
}

// Roster is the session-scoped participant list of one call.
// It lives on the scheduler and is not safe for concurrent use.
type Roster struct {
	call            domain.CallRef
	transport       Transport
	requests        *Requests
	now             func() time.Time
	pageLimit       int
	speakingKeptFor time.Duration
	log             zerolog.Logger

	version      int
	participants []domain.Participant
	byUser       map[domain.UserID]int
	bySource     map[domain.Source]domain.UserID
	nextOffset   string
	allReceived  bool
	fullCount    int

	joinMuted          bool
	canChangeJoinMuted bool

	onUpdated []func(domain.ParticipantUpdate)
	onSlice   []func()
}

func NewRoster(p RosterParams) *Roster {
	if p.PageLimit <= 0 {
		p.PageLimit = DefaultParticipantsPageLimit
	}
	if p.SpeakingKeptFor <= 0 {
		p.SpeakingKeptFor = DefaultSpeakingKeptFor
	}
	if p.Now == nil {
		p.Now = time.Now
	}
	return &Roster{
		call:               p.Call,
		transport:          p.Transport,
		requests:           p.Requests,
		now:                p.Now,
		pageLimit:          p.PageLimit,
		speakingKeptFor:    p.SpeakingKeptFor,
		log:                log.With().Str("module", "core.roster").Uint64("call", uint64(p.Call.ID)).Logger(),
		byUser:             make(map[domain.UserID]int),
		bySource:           make(map[domain.Source]domain.UserID),
		canChangeJoinMuted: true,
	}
}

func (r *Roster) Call() domain.CallRef { return r.call }
func (r *Roster) Version() int          { return r.version }
func (r *Roster) FullCount() int        { return r.fullCount }
func (r *Roster) JoinMuted() bool       { return r.joinMuted }

func (r *Roster) CanChangeJoinMuted() bool { return r.canChangeJoinMuted }

func (r *Roster) SetJoinMutedLocally(muted bool) { r.joinMuted = muted }

// ParticipantsLoaded reports whether every page was received.
func (r *Roster) ParticipantsLoaded() bool { return r.allReceived }

func (r *Roster) OnParticipantUpdated(fn func(domain.ParticipantUpdate)) {
	r.onUpdated = append(r.onUpdated, fn)
}

func (r *Roster) OnSliceAdded(fn func()) { r.onSlice = append(r.onSlice, fn) }

// Participants returns present participants in arrival order.
func (r *Roster) Participants() []domain.Participant {
	out := make([]domain.Participant, 0, len(r.participants))
	for _, p := range r.participants {
		if !p.Left {
			out = append(out, p)
		}
	}
	return out
}

// Lookup returns the record of user, including departed ones.
func (r *Roster) Lookup(user domain.UserID) (domain.Participant, bool) {
	idx, ok := r.byUser[user]
	if !ok {
		return domain.Participant{}, false
	}
	return r.participants[idx], true
}

// Present reports whether user is in the call right now.
func (r *Roster) Present(user domain.UserID) bool {
	p, ok := r.Lookup(user)
	return ok && !p.Left
}

// UserBySource resolves a live media source to its owner.
func (r *Roster) UserBySource(source domain.Source) (domain.UserID, bool) {
	if source == 0 {
		return "", false
	}
	user, ok := r.bySource[source]
	return user, ok
}

// RequestParticipants fetches the next page. Only one page request is in flight.
func (r *Roster) RequestParticipants() {
	if r.allReceived || r.requests.Pending(RequestParticipants) {
		return
	}
	call, offset, limit := r.call, r.nextOffset, r.pageLimit
	Issue(r.requests, RequestParticipants, func(ctx context.Context) (*domain.ParticipantsPage, error) {
		return r.transport.GetParticipants(ctx, call, offset, limit)
	}, func(page *domain.ParticipantsPage, err error) {
		if err != nil {
			r.log.Warn().Err(err).Str("offset", offset).Msg("participants page failed")
			return
		}
		r.applyPage(page)
	})
}

func (r *Roster) applyPage(page *domain.ParticipantsPage) {
	if page.Version > r.version {
		r.version = page.Version
	}
	r.ApplyParticipantsSlice(stamp(page.Participants, page.Version), false)
	r.nextOffset = page.NextOffset
	r.allReceived = page.NextOffset == ""
	r.fullCount = max(page.Count, len(r.Participants()))
	r.log.Debug().Int("count", len(page.Participants)).Bool("all", r.allReceived).Msg("participants slice added")
	for _, fn := range r.onSlice {
		fn()
	}
}

// Reload refetches the whole call state. Only one reload is in flight.
func (r *Roster) Reload() {
	if r.requests.Pending(RequestReload) {
		return
	}
	call := r.call
	Issue(r.requests, RequestReload, func(ctx context.Context) (*domain.CallState, error) {
		return r.transport.GetCall(ctx, call)
	}, func(state *domain.CallState, err error) {
		if err != nil {
			r.log.Warn().Err(err).Msg("reload failed")
			return
		}
		r.version = state.Version
		r.ApplyCall(state.Call)
		r.ApplyParticipantsSlice(stamp(state.Participants, state.Version), true)
		r.nextOffset = state.NextOffset
		r.allReceived = state.NextOffset == ""
	})
}

// ApplyCall folds call-level metadata of the same call.
func (r *Roster) ApplyCall(meta domain.CallMeta) {
	if meta.Call.ID != r.call.ID {
		return
	}
	r.joinMuted = meta.JoinMuted
	r.canChangeJoinMuted = meta.CanChangeJoinMuted
	if meta.ParticipantsCount > 0 {
		r.fullCount = meta.ParticipantsCount
	}
	if r.version > 0 && meta.Version > r.version {
		r.Reload()
	}
}

// ApplyUpdate merges a server push, dropping batches older than the stored version.
// A version gap triggers a reload after merging. It returns the entries that
// were accepted, nil for a dropped batch.
func (r *Roster) ApplyUpdate(u domain.ParticipantsUpdate) []domain.ParticipantEntry {
	if u.Call.ID != r.call.ID {
		return nil
	}
	if u.Version < r.version {
		r.log.Debug().Int("version", u.Version).Int("stored", r.version).Msg("stale participants update")
		return nil
	}
	gap := r.version > 0 && u.Version > r.version+1
	r.version = u.Version
	accepted := r.ApplyParticipantsSlice(stamp(u.Participants, u.Version), true)
	if gap {
		r.Reload()
	}
	return accepted
}

// ApplyUpdateChecked merges an update only if it targets this call.
func (r *Roster) ApplyUpdateChecked(u domain.ParticipantsUpdate) []domain.ParticipantEntry {
	if u.Call.ID != r.call.ID {
		return nil
	}
	return r.ApplyParticipantsSlice(stamp(u.Participants, u.Version), true)
}

// ApplyParticipantsSlice merges entries; emit controls per-participant notifications.
// Entries older than the stored participant are skipped and left out of the result.
func (r *Roster) ApplyParticipantsSlice(list []domain.ParticipantEntry, emit bool) []domain.ParticipantEntry {
	var accepted []domain.ParticipantEntry
	for _, e := range list {
		if r.outdated(e) {
			continue
		}
		accepted = append(accepted, e)
		upd, changed := r.applyEntry(e)
		if !changed || !emit || (upd.Was == nil && upd.Now == nil) {
			continue
		}
		for _, fn := range r.onUpdated {
			fn(upd)
		}
	}
	return accepted
}

func (r *Roster) outdated(e domain.ParticipantEntry) bool {
	idx, known := r.byUser[e.User]
	return known && e.Version < r.participants[idx].Version
}

func (r *Roster) applyEntry(e domain.ParticipantEntry) (domain.ParticipantUpdate, bool) {
	idx, known := r.byUser[e.User]
	var old domain.Participant
	if known {
		old = r.participants[idx]
		if e.Version < old.Version {
			return domain.ParticipantUpdate{}, false
		}
	}

	now := domain.Participant{
		User:          e.User,
		Date:          e.Date,
		LastActive:    e.LastActive,
		Source:        e.Source,
		Muted:         e.Muted,
		CanSelfUnmute: e.CanSelfUnmute,
		Left:          e.Left,
		Version:       e.Version,
	}
	if e.Left {
		now.Source = 0
	}
	if known {
		now.Speaking = old.Speaking && !now.Left
		if now.LastActive.Before(old.LastActive) {
			now.LastActive = old.LastActive
		}
		if old.Source != 0 && old.Source != now.Source && r.bySource[old.Source] == e.User {
			delete(r.bySource, old.Source)
		}
		if old == now {
			return domain.ParticipantUpdate{}, false
		}
		r.participants[idx] = now
	} else {
		r.byUser[e.User] = len(r.participants)
		r.participants = append(r.participants, now)
	}

	if now.Source != 0 {
		if other, ok := r.bySource[now.Source]; ok && other != e.User {
			r.dropSource(other)
		}
		r.bySource[now.Source] = e.User
	}

	switch {
	case (!known || old.Left) && !now.Left:
		r.fullCount++
	case known && !old.Left && now.Left && r.fullCount > 0:
		r.fullCount--
	}

	var upd domain.ParticipantUpdate
	if known && !old.Left {
		was := old
		upd.Was = &was
	}
	if !now.Left {
		cur := now
		upd.Now = &cur
	}
	return upd, true
}

// dropSource clears a source that moved to another participant.
func (r *Roster) dropSource(user domain.UserID) {
	idx := r.byUser[user]
	p := r.participants[idx]
	p.Source = 0
	p.Speaking = false
	r.participants[idx] = p
}

// ApplyLastSpoke refreshes speaking display fields; membership is untouched.
func (r *Roster) ApplyLastSpoke(source domain.Source, when, now time.Time) {
	user, ok := r.UserBySource(source)
	if !ok {
		return
	}
	idx := r.byUser[user]
	p := r.participants[idx]
	if p.Left {
		return
	}
	was := p
	if when.After(p.LastActive) {
		p.LastActive = when
	}
	p.Speaking = !when.Add(r.speakingKeptFor).Before(now)
	r.participants[idx] = p
	if was.Speaking == p.Speaking {
		return
	}
	upd := domain.ParticipantUpdate{Was: &was, Now: &p}
	for _, fn := range r.onUpdated {
		fn(upd)
	}
}

// stamp gives unversioned entries the version of their batch.
func stamp(list []domain.ParticipantEntry, version int) []domain.ParticipantEntry {
	out := make([]domain.ParticipantEntry, len(list))
	for i, e := range list {
		if e.Version == 0 {
			e.Version = version
		}
		out[i] = e
	}
	return out
}
