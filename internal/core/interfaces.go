package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/dkeye/groupcall/internal/domain"
)

// CodeCallForbidden is the server code for "you are not a member of this call".
const CodeCallForbidden = "GROUP_CALL_FORBIDDEN"

// RequestFailure is a structured rejection returned by the signaling server.
type RequestFailure struct {
	Code    string
	Message string
}

func (e *RequestFailure) Error() string {
	if e.Message == "" {
		return "signaling: " + e.Code
	}
	return fmt.Sprintf("signaling: %s: %s", e.Code, e.Message)
}

// FailureCode extracts the server code from err, "" when err is not a RequestFailure.
func FailureCode(err error) string {
	var rf *RequestFailure
	if errors.As(err, &rf) {
		return rf.Code
	}
	return ""
}

func IsForbidden(err error) bool { return FailureCode(err) == CodeCallForbidden }

type CreateCallRequest struct {
	Chat     string
	RandomID int32
}

type JoinRequest struct {
	Call   domain.CallRef
	Muted  bool
	Params []byte
}

// Transport is the signaling RPC collaborator.
// Every call blocks until the server answers or ctx is done.
type Transport interface {
	CreateCall(ctx context.Context, req CreateCallRequest) (domain.Updates, error)
	JoinCall(ctx context.Context, req JoinRequest) (domain.Updates, error)
	LeaveCall(ctx context.Context, call domain.CallRef, source domain.Source) (domain.Updates, error)
	DiscardCall(ctx context.Context, call domain.CallRef) (domain.Updates, error)
	EditMember(ctx context.Context, call domain.CallRef, user domain.UserID, muted bool) (domain.Updates, error)
	InviteToCall(ctx context.Context, call domain.CallRef, users []domain.UserID) (domain.Updates, error)
	GetCall(ctx context.Context, call domain.CallRef) (*domain.CallState, error)
	GetParticipants(ctx context.Context, call domain.CallRef, offset string, limit int) (*domain.ParticipantsPage, error)
}

// Engine error codes reported through EngineCallbacks.Failed.
const (
	EngineErrorIncompatible = "ERROR_INCOMPATIBLE"
	EngineErrorAudioIO      = "ERROR_AUDIO_IO"
)

var (
	ErrEngineFailure      = errors.New("media engine failure")
	ErrEngineIncompatible = fmt.Errorf("%w: incompatible version", ErrEngineFailure)
	ErrEngineAudioIO      = fmt.Errorf("%w: audio i/o", ErrEngineFailure)
)

// EngineError maps an engine error code to a typed error.
func EngineError(code string) error {
	switch code {
	case EngineErrorIncompatible:
		return ErrEngineIncompatible
	case EngineErrorAudioIO:
		return ErrEngineAudioIO
	}
	return fmt.Errorf("%w: %s", ErrEngineFailure, code)
}

type EngineConfig struct {
	InputDeviceID  string
	OutputDeviceID string
	// LogPath is empty unless debug logging is enabled.
	LogPath string
}

// EngineCallbacks are invoked on engine-owned goroutines.
type EngineCallbacks struct {
	NetworkStateUpdated func(connected bool)
	AudioLevelsUpdated  func(levels []domain.LevelSample)
	MyAudioLevelUpdated func(level float32)
	Failed              func(code string)
}

// Engine is the narrow control surface of a media engine instance.
type Engine interface {
	// EmitJoinPayload gathers the local transport description and hands it to fn
	// from an engine goroutine.
	EmitJoinPayload(fn func(domain.TransportOffer))
	SetJoinResponsePayload(answer domain.TransportAnswer)
	SetIsMuted(muted bool)
	SetAudioInputDevice(id string)
	SetAudioOutputDevice(id string)
	// RemoveSources stops forwarding streams of departed participants.
	RemoveSources(sources []domain.Source)
	Close()
}

type EngineFactory interface {
	CreateInstance(cfg EngineConfig, cb EngineCallbacks) (Engine, error)
}
