package signal

import (
	"encoding/json"
	"time"

	"github.com/dkeye/groupcall/internal/domain"
)

const (
	typeRequest  = "request"
	typeResponse = "response"
	typeUpdates  = "updates"
	typePing     = "ping"
	typePong     = "pong"
)

const (
	updateCall         = "call"
	updateDiscarded    = "discarded"
	updateParticipants = "participants"
)

const (
	methodCreateCall      = "createCall"
	methodJoinCall        = "joinCall"
	methodLeaveCall       = "leaveCall"
	methodDiscardCall     = "discardCall"
	methodEditMember      = "editMember"
	methodInviteToCall    = "inviteToCall"
	methodGetCall         = "getCall"
	methodGetParticipants = "getParticipants"
)

type envelope struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  any             `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *wireError      `json:"error,omitempty"`
	Updates []wireUpdate    `json:"updates,omitempty"`
}

type wireError struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

// wireUpdate is one server push. Params holds the transport document as a string.
type wireUpdate struct {
	Type               string            `json:"type"`
	Call               domain.CallRef    `json:"call"`
	Params             *string           `json:"params,omitempty"`
	ParticipantsCount  int               `json:"participants_count,omitempty"`
	JoinMuted          bool              `json:"join_muted,omitempty"`
	CanChangeJoinMuted bool              `json:"can_change_join_muted,omitempty"`
	Participants       []wireParticipant `json:"participants,omitempty"`
	Version            int               `json:"version,omitempty"`
}

type wireParticipant struct {
	User          domain.UserID `json:"user"`
	Date          int64         `json:"date"`
	ActiveDate    int64         `json:"active_date,omitempty"`
	Source        domain.Source `json:"source"`
	Left          bool          `json:"left,omitempty"`
	Muted         bool          `json:"muted,omitempty"`
	CanSelfUnmute bool          `json:"can_self_unmute,omitempty"`
	Version       int           `json:"version,omitempty"`
}

type updatesResult struct {
	Updates []wireUpdate `json:"updates"`
}

type callStateResult struct {
	Call         wireUpdate        `json:"call"`
	Participants []wireParticipant `json:"participants"`
	NextOffset   string            `json:"next_offset,omitempty"`
	Version      int               `json:"version"`
}

type participantsResult struct {
	Participants []wireParticipant `json:"participants"`
	NextOffset   string            `json:"next_offset,omitempty"`
	Count        int               `json:"count"`
	Version      int               `json:"version"`
}

func unixTime(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0)
}

func (p wireParticipant) entry() domain.ParticipantEntry {
	return domain.ParticipantEntry{
		User:          p.User,
		Date:          unixTime(p.Date),
		LastActive:    unixTime(p.ActiveDate),
		Source:        p.Source,
		Left:          p.Left,
		Muted:         p.Muted,
		CanSelfUnmute: p.CanSelfUnmute,
		Version:       p.Version,
	}
}

func entries(list []wireParticipant) []domain.ParticipantEntry {
	out := make([]domain.ParticipantEntry, 0, len(list))
	for _, p := range list {
		out = append(out, p.entry())
	}
	return out
}

func (u wireUpdate) meta() domain.CallMeta {
	m := domain.CallMeta{
		Call:               u.Call,
		ParticipantsCount:  u.ParticipantsCount,
		Version:            u.Version,
		JoinMuted:          u.JoinMuted,
		CanChangeJoinMuted: u.CanChangeJoinMuted,
	}
	if u.Params != nil {
		m.Params = []byte(*u.Params)
	}
	return m
}

// toDomain converts a batch, skipping update types this client does not know.
func toDomain(list []wireUpdate) domain.Updates {
	out := make(domain.Updates, 0, len(list))
	for _, u := range list {
		switch u.Type {
		case updateCall:
			m := u.meta()
			out = append(out, domain.Update{Call: &m})
		case updateDiscarded:
			out = append(out, domain.Update{Discarded: &domain.CallDiscarded{Call: u.Call.ID}})
		case updateParticipants:
			out = append(out, domain.Update{Participants: &domain.ParticipantsUpdate{
				Call:         u.Call,
				Participants: entries(u.Participants),
				Version:      u.Version,
			}})
		}
	}
	return out
}
