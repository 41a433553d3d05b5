package file

import "fmt"

// TransferDirection indicates whether a transfer is incoming or outgoing.
type TransferDirection uint8

const (
	// TransferDirectionIncoming represents a file being received.
	TransferDirectionIncoming TransferDirection = iota
	// TransferDirectionOutgoing represents a file being sent.
	TransferDirectionOutgoing
)

func (d TransferDirection) String() string {
	switch d {
	case TransferDirectionIncoming:
		return "incoming"
	case TransferDirectionOutgoing:
		return "outgoing"
	default:
		return fmt.Sprintf("direction(%d)", uint8(d))
	}
}

// Kind classifies the payload of a transfer. It is passed through unchanged.
type Kind uint32

const (
	// KindData is an ordinary file.
	KindData Kind = iota
	// KindAvatar is a friend avatar image.
	KindAvatar
)

func (k Kind) String() string {
	switch k {
	case KindData:
		return "data"
	case KindAvatar:
		return "avatar"
	default:
		return fmt.Sprintf("kind(%d)", uint32(k))
	}
}

// TransferState represents the current state of a file transfer.
type TransferState uint8

const (
	// TransferStatePending indicates the transfer is waiting to be accepted.
	TransferStatePending TransferState = iota
	// TransferStateInProgress indicates chunks are flowing.
	TransferStateInProgress
	// TransferStatePausedByUser indicates the local side paused the transfer.
	TransferStatePausedByUser
	// TransferStatePausedByFriend indicates the remote side paused the transfer.
	TransferStatePausedByFriend
	// TransferStateBroken indicates connectivity was lost. The transfer keeps
	// its byte count and stream and can be resumed.
	TransferStateBroken
	// TransferStateFinished indicates the transfer completed successfully.
	TransferStateFinished
	// TransferStateCanceled indicates the transfer was canceled locally,
	// remotely or because of a fatal error.
	TransferStateCanceled
)

func (s TransferState) String() string {
	switch s {
	case TransferStatePending:
		return "pending"
	case TransferStateInProgress:
		return "in_progress"
	case TransferStatePausedByUser:
		return "paused_by_user"
	case TransferStatePausedByFriend:
		return "paused_by_friend"
	case TransferStateBroken:
		return "broken"
	case TransferStateFinished:
		return "finished"
	case TransferStateCanceled:
		return "canceled"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// IsTerminal reports whether no further transitions are possible.
func (s TransferState) IsTerminal() bool {
	return s == TransferStateFinished || s == TransferStateCanceled
}

// IsPaused reports whether either side has paused the transfer.
func (s TransferState) IsPaused() bool {
	return s == TransferStatePausedByUser || s == TransferStatePausedByFriend
}

// transitions lists the legal target states for every state.
var transitions = map[TransferState][]TransferState{
	TransferStatePending: {
		TransferStateInProgress,
		TransferStateCanceled,
	},
	TransferStateInProgress: {
		TransferStatePausedByUser,
		TransferStatePausedByFriend,
		TransferStateFinished,
		TransferStateCanceled,
		TransferStateBroken,
	},
	TransferStatePausedByUser: {
		TransferStateInProgress,
		TransferStateCanceled,
		TransferStateBroken,
	},
	TransferStatePausedByFriend: {
		TransferStateInProgress,
		TransferStateCanceled,
		TransferStateBroken,
	},
	TransferStateBroken: {
		TransferStateInProgress,
		TransferStateCanceled,
	},
}

func canTransition(from, to TransferState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Control is a file control signal exchanged between peers.
type Control uint8

const (
	// ControlResume accepts or resumes a transfer.
	ControlResume Control = iota
	// ControlPause pauses a transfer.
	ControlPause
	// ControlCancel cancels a transfer.
	ControlCancel
)

func (c Control) String() string {
	switch c {
	case ControlResume:
		return "resume"
	case ControlPause:
		return "pause"
	case ControlCancel:
		return "cancel"
	default:
		return fmt.Sprintf("control(%d)", uint8(c))
	}
}
