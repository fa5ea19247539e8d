package domain

type (
	CallID uint64
	Source uint32
)

// CallRef addresses a call on the server. The zero value means "no call yet".
type CallRef struct {
	ID         CallID `json:"id"`
	AccessHash uint64 `json:"access_hash"`
}

func (r CallRef) IsZero() bool { return r.ID == 0 }

// CallMeta is the call-level part of a server push.
// Params carries the raw transport document, nil when absent.
type CallMeta struct {
	Call               CallRef
	Params             []byte
	ParticipantsCount  int
	Version            int
	JoinMuted          bool
	CanChangeJoinMuted bool
}

type CallDiscarded struct {
	Call CallID
}

// ParticipantsUpdate is a batch of roster entries for one call.
type ParticipantsUpdate struct {
	Call         CallRef
	Participants []ParticipantEntry
	Version      int
}

// Update holds exactly one of its fields.
type Update struct {
	Call         *CallMeta
	Discarded    *CallDiscarded
	Participants *ParticipantsUpdate
}

// CallID reports which call the update belongs to.
func (u Update) CallID() CallID {
	switch {
	case u.Call != nil:
		return u.Call.Call.ID
	case u.Discarded != nil:
		return u.Discarded.Call
	case u.Participants != nil:
		return u.Participants.Call.ID
	}
	return 0
}

// Updates is the batch returned by every signaling request and pushed by the server.
type Updates []Update

type ParticipantsPage struct {
	Participants []ParticipantEntry
	NextOffset   string
	Count        int
	Version      int
}

type CallState struct {
	Call         CallMeta
	Participants []ParticipantEntry
	NextOffset   string
	Version      int
}
