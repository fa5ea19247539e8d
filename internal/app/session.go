package app

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/groupcall/internal/core"
	"github.com/dkeye/groupcall/internal/domain"
)

var (
	ErrForceMuted = errors.New("muted by call admin")
	ErrNoCall     = errors.New("no call")
)

// Phase tells whether the session already owns a server call.
type Phase int

const (
	// PhaseUnbound sessions wait for their create-call response.
	PhaseUnbound Phase = iota
	PhaseBound
)

func (p Phase) String() string {
	if p == PhaseBound {
		return "bound"
	}
	return "unbound"
}

type FinishType int

const (
	FinishEnded FinishType = iota
	FinishFailed
)

// Delegate is the owner of sessions. It is called on the scheduler.
type Delegate interface {
	// CallEnded fires once, after the engine was released.
	CallEnded(h Handle, final domain.State)
	CallError(h Handle, err error)
}

type SessionParams struct {
	Scheduler core.Scheduler
	Registry  *Registry
	Transport core.Transport
	Engines   core.EngineFactory
	Settings  Settings
	Delegate  Delegate
	Rejoins   *RejoinPolicy

	Self domain.UserID
	// Chat is where a new call is created when Call is zero.
	Chat string
	Call domain.CallRef
	// JoinMuted and CanManage describe a known call being joined.
	JoinMuted bool
	CanManage bool
	// StartActive joins with the microphone open.
	StartActive bool

	PageLimit        int
	InviteSliceSize  int
	ActivityInterval time.Duration
	SpeakThreshold   *float32

	// Context bounds every request of the session.
	Context context.Context
	// Spawn runs transport calls; nil runs each on its own goroutine.
	Spawn func(func())
}

// Session is the state machine of one call attempt. It is owned by the
// scheduler: every method must run there.
type Session struct {
	handle    Handle
	reg       *Registry
	sched     core.Scheduler
	transport core.Transport
	requests  *core.Requests
	media     *EngineAdapter
	settings  Settings
	delegate  Delegate
	rejoins   *RejoinPolicy
	log       zerolog.Logger

	self      domain.UserID
	chat      string
	pageLimit int

	phase      Phase
	call       domain.CallRef
	state      domain.State
	finalState domain.State
	muted      domain.MuteState
	mySource   domain.Source

	roster   *core.Roster
	activity *core.ActivityTracker
	invites  *InviteBatcher

	onState []func(domain.State)
	onMute  []func(domain.MuteState)
}

// NewSession registers a session in Starting. Start drives it.
func NewSession(p SessionParams) *Session {
	if p.Context == nil {
		p.Context = context.Background()
	}
	s := &Session{
		reg:       p.Registry,
		sched:     p.Scheduler,
		transport: p.Transport,
		settings:  p.Settings,
		delegate:  p.Delegate,
		rejoins:   p.Rejoins,
		self:      p.Self,
		chat:      p.Chat,
		pageLimit: p.PageLimit,
		call:      p.Call,
		state:     domain.StateStarting,
		muted:     domain.MuteMuted,
	}
	if p.StartActive {
		s.muted = domain.MuteActive
	}
	if !p.Call.IsZero() && p.JoinMuted && !p.CanManage {
		s.muted = domain.MuteForceMuted
	}
	s.handle = p.Registry.Insert(s)
	s.log = log.With().Str("module", "app.session").Uint32("slot", s.handle.index).Logger()

	s.requests = core.NewRequests(p.Context, p.Scheduler, p.Spawn)
	reg, h := p.Registry, s.handle
	s.requests.SetAlive(func() bool {
		_, ok := reg.Get(h)
		return ok
	})
	s.media = newEngineAdapter(p.Engines, s.dispatch, s.log)
	s.activity = core.NewActivityTracker(core.ActivityParams{
		Scheduler: p.Scheduler,
		Interval:  p.ActivityInterval,
		Threshold: p.SpeakThreshold,
		Sink: func() core.LastSpokeSink {
			if s.roster == nil {
				return nil
			}
			return s.roster
		},
		Self: func() domain.Source { return s.mySource },
	})
	s.invites = NewInviteBatcher(p.InviteSliceSize, s.sendInvites)
	return s
}

// dispatch runs fn on the scheduler if the session is still registered.
func (s *Session) dispatch(fn func(*Session)) {
	reg, h := s.reg, s.handle
	s.sched.Post(func() {
		if cur, ok := reg.Get(h); ok {
			fn(cur)
		}
	})
}

func (s *Session) Handle() Handle           { return s.handle }
func (s *Session) Call() domain.CallRef     { return s.call }
func (s *Session) Phase() Phase             { return s.phase }
func (s *Session) State() domain.State      { return s.state }
func (s *Session) Muted() domain.MuteState  { return s.muted }
func (s *Session) Source() domain.Source    { return s.mySource }
func (s *Session) Connected() bool          { return s.media.Connected() }

func (s *Session) Activity() *core.ActivityTracker { return s.activity }

// Roster is nil until the session is bound to a call.
func (s *Session) Roster() *core.Roster { return s.roster }

func (s *Session) OnStateChanged(fn func(domain.State))    { s.onState = append(s.onState, fn) }
func (s *Session) OnMuteChanged(fn func(domain.MuteState)) { s.onMute = append(s.onMute, fn) }
func (s *Session) OnLevel(fn func(domain.LevelUpdate))     { s.activity.OnLevel(fn) }

// Start creates a new call or joins the one given at construction.
func (s *Session) Start() {
	if s.state != domain.StateStarting || s.phase != PhaseUnbound {
		return
	}
	if s.call.IsZero() {
		s.create()
		return
	}
	s.join(s.call)
}

func (s *Session) setState(state domain.State) {
	cur := s.state
	if cur.Terminal() {
		return
	}
	if cur == domain.StateFailedHangingUp && state != domain.StateFailed {
		return
	}
	if cur == state {
		return
	}
	s.state = state
	s.log.Info().Str("from", cur.String()).Str("to", state.String()).Msg("state changed")

	if state.Terminal() {
		s.media.Close()
		s.activity.Stop()
		s.requests.Close()
	}
	for _, fn := range s.onState {
		fn(state)
	}
	if state.Terminal() && s.delegate != nil {
		s.delegate.CallEnded(s.handle, state)
	}
}

func (s *Session) Hangup() { s.Finish(FinishEnded) }

// Finish leaves the call. A leave request is sent only if a source was assigned.
func (s *Session) Finish(t FinishType) {
	final, hangup := domain.StateEnded, domain.StateHangingUp
	if t == FinishFailed {
		final, hangup = domain.StateFailed, domain.StateFailedHangingUp
	}
	switch s.state {
	case domain.StateHangingUp:
		if t == FinishFailed {
			s.finalState = domain.StateFailed
			s.setState(domain.StateFailedHangingUp)
		}
		return
	case domain.StateFailedHangingUp, domain.StateEnded, domain.StateFailed:
		return
	}
	if s.mySource == 0 {
		s.setState(final)
		return
	}

	s.finalState = final
	s.setState(hangup)
	call, source := s.call, s.mySource
	core.Issue(s.requests, core.RequestLeave, func(ctx context.Context) (domain.Updates, error) {
		return s.transport.LeaveCall(ctx, call, source)
	}, func(u domain.Updates, err error) {
		if err != nil {
			s.log.Warn().Err(err).Msg("leave call failed")
		} else {
			s.HandleUpdates(u)
		}
		s.setState(s.finalState)
	})
}

// Discard ends the call for everyone.
func (s *Session) Discard() {
	if s.call.IsZero() {
		s.requests.Cancel(core.RequestCreate)
		s.Hangup()
		return
	}
	call := s.call
	core.Issue(s.requests, core.RequestDiscard, func(ctx context.Context) (domain.Updates, error) {
		return s.transport.DiscardCall(ctx, call)
	}, func(u domain.Updates, err error) {
		if err != nil {
			s.log.Warn().Err(err).Msg("discard call failed")
		} else {
			s.HandleUpdates(u)
		}
		s.Hangup()
	})
}

// RequestMoreParticipants loads the next roster page.
func (s *Session) RequestMoreParticipants() error {
	if s.roster == nil {
		return ErrNoCall
	}
	s.roster.RequestParticipants()
	return nil
}

// InviteUsers invites users not yet in the call.
func (s *Session) InviteUsers(users []domain.UserID) (InviteResult, error) {
	if s.roster == nil || s.call.IsZero() {
		return InviteResult{}, ErrNoCall
	}
	return s.invites.Invite(s.call, s.roster, users), nil
}

func (s *Session) sendInvites(call domain.CallRef, users []domain.UserID) {
	core.Issue(s.requests, core.RequestInvite, func(ctx context.Context) (domain.Updates, error) {
		return s.transport.InviteToCall(ctx, call, users)
	}, func(u domain.Updates, err error) {
		if err != nil {
			s.handleEditFailure("invite", err)
			return
		}
		s.HandleUpdates(u)
	})
}

// handleEditFailure treats a forbidden answer as an ejection.
func (s *Session) handleEditFailure(op string, err error) {
	if core.IsForbidden(err) && s.state.InCall() {
		s.log.Info().Str("op", op).Msg("forbidden while in call, rejoining")
		s.setState(domain.StateJoining)
		s.rejoin()
		return
	}
	s.log.Warn().Err(err).Str("op", op).Msg("request failed")
	if s.delegate != nil {
		s.delegate.CallError(s.handle, &OpError{Op: op, Err: err})
	}
}

// OpError is a failed non-fatal session request.
type OpError struct {
	Op  string
	Err error
}

func (e *OpError) Error() string { return e.Op + ": " + e.Err.Error() }
func (e *OpError) Unwrap() error { return e.Err }
