package app

import (
	"github.com/dkeye/groupcall/internal/domain"
)

const DefaultInviteSliceSize = 10

// InviteResult names the invitee when exactly one user was sent, otherwise counts them.
type InviteResult struct {
	User  domain.UserID
	Count int
}

func (r InviteResult) Single() bool { return r.User != "" }

// Presence is the part of the roster the batcher consults.
type Presence interface {
	Present(user domain.UserID) bool
}

// InviteBatcher dedupes invitations per call and sends them in bounded slices.
type InviteBatcher struct {
	sliceSize int
	send      func(call domain.CallRef, users []domain.UserID)
	call      domain.CallID
	invited   map[domain.UserID]struct{}
}

func NewInviteBatcher(sliceSize int, send func(call domain.CallRef, users []domain.UserID)) *InviteBatcher {
	if sliceSize <= 0 {
		sliceSize = DefaultInviteSliceSize
	}
	return &InviteBatcher{
		sliceSize: sliceSize,
		send:      send,
		invited:   make(map[domain.UserID]struct{}),
	}
}

// Invite skips users already invited to call, present in roster or repeated in users.
// Users are marked invited before their request completes.
func (b *InviteBatcher) Invite(call domain.CallRef, roster Presence, users []domain.UserID) InviteResult {
	if call.IsZero() || roster == nil {
		return InviteResult{}
	}
	if call.ID != b.call {
		b.call = call.ID
		clear(b.invited)
	}

	count := 0
	var first domain.UserID
	slice := make([]domain.UserID, 0, b.sliceSize)
	flush := func() {
		count += len(slice)
		b.send(call, slice)
		slice = make([]domain.UserID, 0, b.sliceSize)
	}
	for _, user := range users {
		if _, ok := b.invited[user]; ok || roster.Present(user) {
			continue
		}
		if count == 0 && len(slice) == 0 {
			first = user
		}
		b.invited[user] = struct{}{}
		slice = append(slice, user)
		if len(slice) == b.sliceSize {
			flush()
		}
	}
	total := count + len(slice)
	if len(slice) > 0 {
		flush()
	}
	if total == 1 {
		return InviteResult{User: first, Count: 1}
	}
	return InviteResult{Count: total}
}

// Invited reports whether user was already invited to the current call.
func (b *InviteBatcher) Invited(user domain.UserID) bool {
	_, ok := b.invited[user]
	return ok
}
