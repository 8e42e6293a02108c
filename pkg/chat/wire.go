package chat

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// epochThresholdMillis is 2000-01-01T00:00:00Z in milliseconds. The server
// sends dates either in seconds or in milliseconds; an epoch value below
// epochThresholdMillis/1000 is read as seconds, anything else as
// milliseconds. The server is fixed, so this heuristic is part of the wire
// contract.
const epochThresholdMillis int64 = 946684800000

// localDateTime is the zone-less layout the server uses for LocalDateTime.
const localDateTime = "2006-01-02T15:04:05.999999999"

var (
	ErrMalformedFrame = errors.New("malformed frame")
	ErrInvalidContent = errors.New("message has no text content")
)

// WireContent is the nested content object of a wire message. Absent
// attachment fields are sent as null.
type WireContent struct {
	Content  string  `json:"content"`
	FileURL  *string `json:"fileUrl"`
	FileName *string `json:"fileName"`
	FileType *string `json:"fileType"`
	FileSize *int64  `json:"fileSize"`
}

// WireMessage is the JSON shape published to the send destinations.
type WireMessage struct {
	ID       string      `json:"id,omitempty"`
	SenderID string      `json:"senderId"`
	Username string      `json:"username"`
	ChatID   string      `json:"chatId"`
	Content  WireContent `json:"content"`
	Date     int64       `json:"date"`
}

// EncodeMessage renders m in the server's wire format.
func EncodeMessage(m Message) ([]byte, error) {
	wm := WireMessage{
		ID:       m.ID,
		SenderID: m.SenderID,
		Username: m.SenderName,
		ChatID:   m.RoomID,
		Content:  WireContent{Content: strings.TrimSpace(m.Body.Text)},
		Date:     m.CreatedAt.UnixMilli(),
	}
	if a := m.Body.Attachment; a != nil && a.URL != "" {
		wm.Content.FileURL = &a.URL
		wm.Content.FileName = &a.Name
		wm.Content.FileType = &a.MimeType
		wm.Content.FileSize = &a.Size
	}
	return json.Marshal(wm)
}

// DecodeMessage parses an inbound message frame. fallbackRoom is used when
// the frame carries no room id of its own, e.g. for frames received on a
// room topic.
func DecodeMessage(data []byte, fallbackRoom string) (Message, error) {
	if !gjson.ValidBytes(data) {
		return Message{}, ErrMalformedFrame
	}
	r := gjson.ParseBytes(data)
	if !r.IsObject() {
		return Message{}, ErrMalformedFrame
	}

	body, err := decodeBody(r)
	if err != nil {
		return Message{}, err
	}

	ts := r.Get("date")
	if !ts.Exists() || ts.Type == gjson.Null {
		ts = r.Get("sendTime")
	}

	return Message{
		ID:         r.Get("id").String(),
		SenderID:   r.Get("senderId").String(),
		SenderName: r.Get("username").String(),
		RoomID:     firstNonEmpty(r.Get("chatId").String(), r.Get("chatRoomId").String(), r.Get("room.id").String(), fallbackRoom),
		Body:       body,
		CreatedAt:  ParseTimestamp(ts),
		State:      Confirmed,
	}, nil
}

func decodeBody(r gjson.Result) (Body, error) {
	c := r.Get("content")
	var body Body
	switch {
	case c.Type == gjson.String:
		body.Text = c.Str
	case c.IsObject() && c.Get("content").Type == gjson.String:
		body.Text = c.Get("content").Str
	default:
		return Body{}, ErrInvalidContent
	}

	// Attachment fields live in the content object when we sent them and at
	// the top level in some server echoes.
	src := c
	if !c.IsObject() || c.Get("fileUrl").String() == "" {
		src = r
	}
	if url := src.Get("fileUrl").String(); url != "" {
		body.Attachment = &Attachment{
			URL:      url,
			Name:     src.Get("fileName").String(),
			MimeType: src.Get("fileType").String(),
			Size:     src.Get("fileSize").Int(),
		}
	}
	return body, nil
}

// DecodeNotification extracts the room id from a notification frame.
func DecodeNotification(data []byte) (string, error) {
	if !gjson.ValidBytes(data) {
		return "", ErrMalformedFrame
	}
	roomID := gjson.GetBytes(data, "chatRoomId").String()
	if roomID == "" {
		return "", fmt.Errorf("%w: missing chatRoomId", ErrMalformedFrame)
	}
	return roomID, nil
}

// ParseTimestamp reads a wire date: epoch numbers (seconds or milliseconds),
// numeric strings, RFC 3339 or zone-less local date-times. Anything else
// yields the zero time.
func ParseTimestamp(v gjson.Result) time.Time {
	switch v.Type {
	case gjson.Number:
		return EpochTime(v.Int())
	case gjson.String:
		s := strings.TrimSpace(v.Str)
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return EpochTime(n)
		}
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t
		}
		if t, err := time.ParseInLocation(localDateTime, s, time.Local); err == nil {
			return t
		}
	}
	return time.Time{}
}

// EpochTime converts an epoch value of unknown unit using the year-2000
// threshold.
func EpochTime(v int64) time.Time {
	if v <= 0 {
		return time.Time{}
	}
	if v < epochThresholdMillis/1000 {
		return time.Unix(v, 0)
	}
	return time.UnixMilli(v)
}

// FormatTimestamp renders a message time for display.
func FormatTimestamp(t time.Time) string {
	if t.IsZero() {
		return "No Date Available"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
