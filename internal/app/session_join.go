package app

import (
	"context"
	"math/rand/v2"

	"github.com/dkeye/groupcall/internal/codec"
	"github.com/dkeye/groupcall/internal/core"
	"github.com/dkeye/groupcall/internal/domain"
)

func (s *Session) create() {
	req := core.CreateCallRequest{Chat: s.chat, RandomID: rand.Int32()}
	s.log.Info().Str("chat", s.chat).Int32("random_id", req.RandomID).Msg("creating call")
	core.Issue(s.requests, core.RequestCreate, func(ctx context.Context) (domain.Updates, error) {
		return s.transport.CreateCall(ctx, req)
	}, func(u domain.Updates, err error) {
		if err != nil {
			s.log.Warn().Err(err).Msg("create call failed")
			return
		}
		s.applyCreateResult(u)
	})
}

// applyCreateResult binds an unbound session to the call it just created.
// Call metadata in this batch is consumed by the binding and not applied.
func (s *Session) applyCreateResult(updates domain.Updates) {
	rest := make(domain.Updates, 0, len(updates))
	for _, u := range updates {
		if u.Call == nil {
			rest = append(rest, u)
			continue
		}
		if s.phase == PhaseUnbound && !s.media.Active() && s.call.IsZero() {
			s.join(u.Call.Call)
		}
	}
	s.HandleUpdates(rest)
}

func (s *Session) join(call domain.CallRef) {
	s.setState(domain.StateJoining)
	if s.state != domain.StateJoining {
		return
	}
	s.call = call
	s.phase = PhaseBound
	s.reg.BindCall(s.handle, call.ID)
	s.log = s.log.With().Uint64("call", uint64(call.ID)).Logger()

	s.roster = core.NewRoster(core.RosterParams{
		Call:      call,
		Transport: s.transport,
		Requests:  s.requests,
		Now:       s.sched.Now,
		PageLimit: s.pageLimit,
	})
	s.roster.OnParticipantUpdated(func(u domain.ParticipantUpdate) {
		if u.Now == nil && u.Was != nil && u.Was.Source != 0 {
			s.media.RemoveSources([]domain.Source{u.Was.Source})
		}
	})

	cfg, err := s.settings.EngineConfig()
	if err != nil {
		s.log.Warn().Err(err).Msg("engine debug log disabled")
		cfg.LogPath = ""
	}
	if err := s.media.Start(cfg); err != nil {
		s.log.Error().Err(err).Msg("engine start failed")
		if s.delegate != nil {
			s.delegate.CallError(s.handle, err)
		}
		s.Finish(FinishFailed)
		return
	}
	s.media.SetIsMuted(s.muted != domain.MuteActive)
	s.roster.RequestParticipants()
	s.rejoin()
}

// rejoin runs the join handshake from a fresh engine offer.
func (s *Session) rejoin() {
	if s.state != domain.StateJoining {
		return
	}
	if !s.rejoins.Allow(s.call.ID, s.sched.Now()) {
		s.log.Error().Msg("too many join attempts")
		s.Finish(FinishFailed)
		return
	}
	s.mySource = 0
	s.applySelfLocally()
	s.log.Info().Msg("requesting join payload")
	if !s.media.EmitJoinPayload((*Session).handleJoinPayload) {
		s.Finish(FinishFailed)
	}
}

func (s *Session) handleJoinPayload(offer domain.TransportOffer) {
	if s.state != domain.StateJoining {
		return
	}
	params, err := codec.EncodeJoinPayload(offer)
	if err != nil {
		s.log.Error().Err(err).Msg("encode join payload")
		s.Finish(FinishFailed)
		return
	}
	s.log.Info().Uint32("source", uint32(offer.Source)).Msg("join payload received")

	muted := s.muted
	req := core.JoinRequest{Call: s.call, Muted: muted != domain.MuteActive, Params: params}
	core.Supersede(s.requests, core.RequestJoin, func(ctx context.Context) (domain.Updates, error) {
		return s.transport.JoinCall(ctx, req)
	}, func(u domain.Updates, err error) {
		if s.state != domain.StateJoining {
			return
		}
		if err != nil {
			s.log.Warn().Err(err).Msg("join call failed")
			s.Finish(FinishFailed)
			return
		}
		s.mySource = offer.Source
		if s.media.Connected() {
			s.setState(domain.StateJoined)
		} else {
			s.setState(domain.StateConnecting)
		}
		s.applySelfLocally()
		if s.muted != muted {
			s.sendMutedUpdate()
		}
		s.HandleUpdates(u)
	})
}

// handleNetworkState toggles Connecting and Joined without re-signaling.
func (s *Session) handleNetworkState(connected bool) {
	if !s.media.setConnected(connected) {
		return
	}
	switch {
	case s.state == domain.StateConnecting && connected:
		s.setState(domain.StateJoined)
	case s.state == domain.StateJoined && !connected:
		s.setState(domain.StateConnecting)
	}
}

func (s *Session) handleEngineFailure(code string) {
	err := core.EngineError(code)
	s.log.Error().Err(err).Str("code", code).Msg("engine failure")
	if s.delegate != nil {
		s.delegate.CallError(s.handle, err)
	}
}
