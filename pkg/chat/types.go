// Package chat holds the domain types shared by the synchronization engine:
// rooms, messages, connection state and the JSON wire format spoken by the
// chat server.
package chat

import (
	"strings"
	"time"
)

// RoomKind selects the publish destination for outgoing messages.
type RoomKind string

const (
	RoomPublic  RoomKind = "public"
	RoomGroup   RoomKind = "group"
	RoomPrivate RoomKind = "private"
)

// KindFromFlags maps the server's isPublic/isGroup flags to a RoomKind.
// Public wins over group; anything else is a private room.
func KindFromFlags(isPublic, isGroup bool) RoomKind {
	switch {
	case isPublic:
		return RoomPublic
	case isGroup:
		return RoomGroup
	default:
		return RoomPrivate
	}
}

// User is the local account the session acts for.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// Room is immutable for the lifetime of a session except for its message
// log, which lives in the store.
type Room struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Kind    RoomKind `json:"kind"`
	Members []string `json:"members,omitempty"`
}

// DeliveryState tracks an outgoing message from send to server echo.
type DeliveryState string

const (
	Pending   DeliveryState = "pending"
	Confirmed DeliveryState = "confirmed"
	Failed    DeliveryState = "failed"
)

// Attachment describes an uploaded file referenced by a message.
type Attachment struct {
	URL      string `json:"url"`
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// IsImage reports whether the attachment should be rendered inline.
func (a *Attachment) IsImage() bool {
	return a != nil && strings.HasPrefix(a.MimeType, "image/")
}

// Body is the user-visible content of a message.
type Body struct {
	Text       string      `json:"text"`
	Attachment *Attachment `json:"attachment,omitempty"`
}

// IsEmpty reports whether there is nothing to send.
func (b Body) IsEmpty() bool {
	return strings.TrimSpace(b.Text) == "" && (b.Attachment == nil || b.Attachment.URL == "")
}

// SameContent compares the parts of a body that survive a server round trip.
func (b Body) SameContent(other Body) bool {
	if strings.TrimSpace(b.Text) != strings.TrimSpace(other.Text) {
		return false
	}
	return attachmentURL(b.Attachment) == attachmentURL(other.Attachment)
}

func attachmentURL(a *Attachment) string {
	if a == nil {
		return ""
	}
	return a.URL
}

// Message is one entry of a room log. ID is empty until the server has
// confirmed the message; LocalKey correlates optimistic entries.
type Message struct {
	ID         string        `json:"id,omitempty"`
	LocalKey   string        `json:"local_key,omitempty"`
	SenderID   string        `json:"sender_id"`
	SenderName string        `json:"sender_name"`
	RoomID     string        `json:"room_id"`
	Body       Body          `json:"body"`
	CreatedAt  time.Time     `json:"created_at"`
	State      DeliveryState `json:"state"`
}

// ConnectionState is owned by the connection manager.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}
