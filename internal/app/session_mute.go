package app

import (
	"context"

	"github.com/dkeye/groupcall/internal/core"
	"github.com/dkeye/groupcall/internal/domain"
)

// SetMuted applies a local mute intent. A force mute can only be lifted by the server.
func (s *Session) SetMuted(muted bool) error {
	if s.muted == domain.MuteForceMuted {
		return ErrForceMuted
	}
	if muted {
		s.setMuted(domain.MuteMuted)
	} else {
		s.setMuted(domain.MuteActive)
	}
	return nil
}

func (s *Session) setMuted(state domain.MuteState) {
	if s.muted == state {
		return
	}
	s.muted = state
	s.applySelfLocally()
	s.media.SetIsMuted(state != domain.MuteActive)
	if s.mySource != 0 && state != domain.MuteForceMuted {
		s.sendMutedUpdate()
	}
	for _, fn := range s.onMute {
		fn(state)
	}
}

// sendMutedUpdate replaces any mute request still in flight.
func (s *Session) sendMutedUpdate() {
	call, self, muted := s.call, s.self, s.muted != domain.MuteActive
	core.Supersede(s.requests, core.RequestMute, func(ctx context.Context) (domain.Updates, error) {
		return s.transport.EditMember(ctx, call, self, muted)
	}, func(u domain.Updates, err error) {
		if err != nil {
			s.handleEditFailure("mute", err)
			return
		}
		s.HandleUpdates(u)
	})
}

// ToggleMute mutes or unmutes another participant.
func (s *Session) ToggleMute(user domain.UserID, mute bool) error {
	if s.call.IsZero() {
		return ErrNoCall
	}
	call := s.call
	core.Issue(s.requests, core.RequestMember, func(ctx context.Context) (domain.Updates, error) {
		return s.transport.EditMember(ctx, call, user, mute)
	}, func(u domain.Updates, err error) {
		if err != nil {
			s.handleEditFailure("toggle mute", err)
			return
		}
		s.HandleUpdates(u)
	})
	return nil
}

func (s *Session) SetCurrentAudioDevice(input bool, id string) {
	if input {
		s.settings.InputDeviceID = id
	} else {
		s.settings.OutputDeviceID = id
	}
	s.media.SetAudioDevice(input, id)
}

// applySelfLocally projects the local intent into the roster ahead of the server.
func (s *Session) applySelfLocally() {
	if s.roster == nil {
		return
	}
	entry := domain.ParticipantEntry{
		User:          s.self,
		Date:          s.sched.Now(),
		Source:        s.mySource,
		Left:          s.mySource == 0,
		Muted:         s.muted != domain.MuteActive,
		CanSelfUnmute: s.muted != domain.MuteForceMuted,
	}
	if p, ok := s.roster.Lookup(s.self); ok {
		entry.Date = p.Date
		entry.LastActive = p.LastActive
		entry.Version = p.Version
	}
	s.roster.ApplyUpdateChecked(domain.ParticipantsUpdate{
		Call:         s.call,
		Participants: []domain.ParticipantEntry{entry},
	})
}
