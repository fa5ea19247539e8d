package signal

import (
	"context"

	"github.com/dkeye/groupcall/internal/core"
	"github.com/dkeye/groupcall/internal/domain"
)

type createCallParams struct {
	Chat     string `json:"chat"`
	RandomID int32  `json:"random_id"`
}

type joinCallParams struct {
	Call   domain.CallRef `json:"call"`
	Muted  bool           `json:"muted"`
	Params string         `json:"params"`
}

type leaveCallParams struct {
	Call   domain.CallRef `json:"call"`
	Source domain.Source  `json:"source"`
}

type callParams struct {
	Call domain.CallRef `json:"call"`
}

type editMemberParams struct {
	Call  domain.CallRef `json:"call"`
	User  domain.UserID  `json:"user"`
	Muted bool           `json:"muted"`
}

type inviteParams struct {
	Call  domain.CallRef  `json:"call"`
	Users []domain.UserID `json:"users"`
}

type participantsParams struct {
	Call   domain.CallRef `json:"call"`
	Offset string         `json:"offset"`
	Limit  int            `json:"limit"`
}

func (c *Client) updatesCall(ctx context.Context, method string, params any) (domain.Updates, error) {
	var res updatesResult
	if err := c.call(ctx, method, params, &res); err != nil {
		return nil, err
	}
	return toDomain(res.Updates), nil
}

func (c *Client) CreateCall(ctx context.Context, req core.CreateCallRequest) (domain.Updates, error) {
	return c.updatesCall(ctx, methodCreateCall, createCallParams{Chat: req.Chat, RandomID: req.RandomID})
}

func (c *Client) JoinCall(ctx context.Context, req core.JoinRequest) (domain.Updates, error) {
	return c.updatesCall(ctx, methodJoinCall, joinCallParams{Call: req.Call, Muted: req.Muted, Params: string(req.Params)})
}

func (c *Client) LeaveCall(ctx context.Context, call domain.CallRef, source domain.Source) (domain.Updates, error) {
	return c.updatesCall(ctx, methodLeaveCall, leaveCallParams{Call: call, Source: source})
}

func (c *Client) DiscardCall(ctx context.Context, call domain.CallRef) (domain.Updates, error) {
	return c.updatesCall(ctx, methodDiscardCall, callParams{Call: call})
}

func (c *Client) EditMember(ctx context.Context, call domain.CallRef, user domain.UserID, muted bool) (domain.Updates, error) {
	return c.updatesCall(ctx, methodEditMember, editMemberParams{Call: call, User: user, Muted: muted})
}

func (c *Client) InviteToCall(ctx context.Context, call domain.CallRef, users []domain.UserID) (domain.Updates, error) {
	return c.updatesCall(ctx, methodInviteToCall, inviteParams{Call: call, Users: users})
}

func (c *Client) GetCall(ctx context.Context, call domain.CallRef) (*domain.CallState, error) {
	var res callStateResult
	if err := c.call(ctx, methodGetCall, callParams{Call: call}, &res); err != nil {
		return nil, err
	}
	return &domain.CallState{
		Call:         res.Call.meta(),
		Participants: entries(res.Participants),
		NextOffset:   res.NextOffset,
		Version:      res.Version,
	}, nil
}

func (c *Client) GetParticipants(ctx context.Context, call domain.CallRef, offset string, limit int) (*domain.ParticipantsPage, error) {
	var res participantsResult
	params := participantsParams{Call: call, Offset: offset, Limit: limit}
	if err := c.call(ctx, methodGetParticipants, params, &res); err != nil {
		return nil, err
	}
	return &domain.ParticipantsPage{
		Participants: entries(res.Participants),
		NextOffset:   res.NextOffset,
		Count:        res.Count,
		Version:      res.Version,
	}, nil
}
