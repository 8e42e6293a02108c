package chat

// STOMP destinations used by the chat server.
const (
	roomTopicPrefix = "/topic/chatroom/"

	DestinationPublic  = "/app/message"
	DestinationGroup   = "/app/group-message"
	DestinationPrivate = "/app/private-message"
)

// RoomTopic is the inbound topic for a room's messages.
func RoomTopic(roomID string) string {
	return roomTopicPrefix + roomID
}

// NotificationTopic is the user's personal notification channel.
func NotificationTopic(username string) string {
	return "/user/" + username + "/notifications"
}

// Destination resolves the publish destination for a room kind.
func Destination(kind RoomKind) string {
	switch kind {
	case RoomPublic:
		return DestinationPublic
	case RoomGroup:
		return DestinationGroup
	default:
		return DestinationPrivate
	}
}
