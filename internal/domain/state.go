package domain

// State is the lifecycle of a call session.
type State int

const (
	StateStarting State = iota
	StateJoining
	StateConnecting
	StateJoined
	StateHangingUp
	StateFailedHangingUp
	StateEnded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateJoining:
		return "joining"
	case StateConnecting:
		return "connecting"
	case StateJoined:
		return "joined"
	case StateHangingUp:
		return "hanging_up"
	case StateFailedHangingUp:
		return "failed_hanging_up"
	case StateEnded:
		return "ended"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

func (s State) Terminal() bool { return s == StateEnded || s == StateFailed }

// InCall reports whether the local source is meaningful.
func (s State) InCall() bool { return s == StateConnecting || s == StateJoined }

// MuteState is the local mute intent.
type MuteState int

const (
	MuteActive MuteState = iota
	MuteMuted
	MuteForceMuted
)

func (m MuteState) String() string {
	switch m {
	case MuteActive:
		return "active"
	case MuteMuted:
		return "muted"
	case MuteForceMuted:
		return "force_muted"
	}
	return "unknown"
}
