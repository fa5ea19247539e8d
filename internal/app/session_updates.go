package app

import (
	"github.com/dkeye/groupcall/internal/codec"
	"github.com/dkeye/groupcall/internal/domain"
)

// HandleUpdates applies a server batch, pushed or returned by a request.
// Updates for other calls are ignored.
func (s *Session) HandleUpdates(updates domain.Updates) {
	for _, u := range updates {
		if s.state.Terminal() {
			return
		}
		switch {
		case u.Call != nil:
			s.handleCallMeta(*u.Call)
		case u.Discarded != nil:
			s.handleDiscarded(*u.Discarded)
		case u.Participants != nil:
			s.handleParticipants(*u.Participants)
		}
	}
}

func (s *Session) handleCallMeta(meta domain.CallMeta) {
	if s.phase != PhaseBound || meta.Call.ID != s.call.ID {
		return
	}
	s.roster.ApplyCall(meta)
	if meta.Call.AccessHash != s.call.AccessHash || !s.media.Active() || meta.Params == nil {
		return
	}
	answer, err := codec.DecodeResponsePayload(meta.Params)
	if err != nil {
		s.log.Warn().Err(err).Msg("failed to parse call params")
		return
	}
	s.media.SetJoinResponsePayload(answer)
}

func (s *Session) handleDiscarded(d domain.CallDiscarded) {
	if s.call.IsZero() || d.Call != s.call.ID {
		return
	}
	s.log.Info().Msg("call discarded")
	s.mySource = 0
	s.Hangup()
}

func (s *Session) handleParticipants(u domain.ParticipantsUpdate) {
	if s.phase != PhaseBound || u.Call.ID != s.call.ID {
		return
	}
	accepted := s.roster.ApplyUpdate(u)

	if !s.state.InCall() {
		return
	}
	for _, e := range accepted {
		if e.User != s.self {
			continue
		}
		switch {
		case e.Left && e.Source == s.mySource:
			s.log.Info().Uint32("source", uint32(e.Source)).Msg("removed from call, rejoining")
			s.setState(domain.StateJoining)
			s.rejoin()
		case !e.Left && e.Source != s.mySource:
			s.log.Info().Uint32("source", uint32(e.Source)).Msg("joined from another device, hanging up")
			s.mySource = 0
			s.Hangup()
		}
		if s.state.Terminal() {
			return
		}
		if e.Muted && !e.CanSelfUnmute {
			s.setMuted(domain.MuteForceMuted)
		} else if s.muted == domain.MuteForceMuted {
			s.setMuted(domain.MuteMuted)
		}
	}
}
