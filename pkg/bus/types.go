package bus

import "github.com/tinyland-inc/chatsync/pkg/chat"

// EventKind tells the session loop how to handle an inbound Event.
type EventKind int

const (
	// RoomFrame is a payload delivered on the active room's topic.
	RoomFrame EventKind = iota
	// NotificationFrame is a payload from the user's notification channel.
	NotificationFrame
	// StateChanged reports a connection state transition.
	StateChanged
	// Action runs a user-requested closure on the loop.
	Action
)

type Event struct {
	Kind    EventKind
	RoomID  string
	Token   uint64 // subscription token for RoomFrame
	Payload []byte
	State   chat.ConnectionState

	// Action and Result are set for Kind == Action. Result, when non-nil,
	// receives the closure's error and must be buffered.
	Action func() error
	Result chan error
}

// UpdateKind describes what changed for the view.
type UpdateKind int

const (
	RoomChanged UpdateKind = iota
	UnreadChanged
	ActiveChanged
	ConnectionChanged
	RoomsLoaded
)

type Update struct {
	Kind   UpdateKind
	RoomID string
	State  chat.ConnectionState
}
