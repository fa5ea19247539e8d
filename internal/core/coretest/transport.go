package coretest

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/dkeye/groupcall/internal/core"
	"github.com/dkeye/groupcall/internal/domain"
)

// Transport is a testify mock of core.Transport.
type Transport struct {
	mock.Mock
}

var _ core.Transport = (*Transport)(nil)

func updatesArg(args mock.Arguments) (domain.Updates, error) {
	u, _ := args.Get(0).(domain.Updates)
	return u, args.Error(1)
}

func (m *Transport) CreateCall(ctx context.Context, req core.CreateCallRequest) (domain.Updates, error) {
	return updatesArg(m.Called(ctx, req))
}

func (m *Transport) JoinCall(ctx context.Context, req core.JoinRequest) (domain.Updates, error) {
	return updatesArg(m.Called(ctx, req))
}

func (m *Transport) LeaveCall(ctx context.Context, call domain.CallRef, source domain.Source) (domain.Updates, error) {
	return updatesArg(m.Called(ctx, call, source))
}

func (m *Transport) DiscardCall(ctx context.Context, call domain.CallRef) (domain.Updates, error) {
	return updatesArg(m.Called(ctx, call))
}

func (m *Transport) EditMember(ctx context.Context, call domain.CallRef, user domain.UserID, muted bool) (domain.Updates, error) {
	return updatesArg(m.Called(ctx, call, user, muted))
}

func (m *Transport) InviteToCall(ctx context.Context, call domain.CallRef, users []domain.UserID) (domain.Updates, error) {
	return updatesArg(m.Called(ctx, call, users))
}

func (m *Transport) GetCall(ctx context.Context, call domain.CallRef) (*domain.CallState, error) {
	args := m.Called(ctx, call)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.CallState), args.Error(1)
}

func (m *Transport) GetParticipants(ctx context.Context, call domain.CallRef, offset string, limit int) (*domain.ParticipantsPage, error) {
	args := m.Called(ctx, call, offset, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.ParticipantsPage), args.Error(1)
}
