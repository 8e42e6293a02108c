// Package api is the HTTP client for the chat server's REST endpoints:
// room listing and metadata, group creation, the offline delivery queue and
// file upload.
package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/tidwall/gjson"

	"github.com/tinyland-inc/chatsync/pkg/chat"
	"github.com/tinyland-inc/chatsync/pkg/logger"
)

var errBadResponse = errors.New("unexpected response body")

// RoomDetail is a room together with the messages the server returned for it.
type RoomDetail struct {
	Room     chat.Room
	Messages []chat.Message
}

// GroupRequest is the body of a group creation call.
type GroupRequest struct {
	Name      string   `json:"name"`
	IsGroup   bool     `json:"isGroup"`
	Members   []string `json:"joinedUserNames"`
	CreatedBy string   `json:"createdBy"`
}

type Client struct {
	http *resty.Client
}

// NewClient returns a client for the server at baseURL. A zero timeout means
// no client-side timeout.
func NewClient(baseURL string, timeout time.Duration) *Client {
	c := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetHeader("Accept", "application/json")
	if timeout > 0 {
		c.SetTimeout(timeout)
	}
	return &Client{http: c}
}

// do runs req and returns the response body, mapping transport errors and
// non-2xx statuses to *chat.FetchError.
func (c *Client) do(op string, req *resty.Request, method, path string) ([]byte, error) {
	resp, err := req.Execute(method, path)
	if err != nil {
		return nil, &chat.FetchError{Op: op, Err: err}
	}
	if resp.IsError() {
		msg := strings.TrimSpace(gjson.GetBytes(resp.Body(), "error").String())
		if msg == "" {
			msg = resp.Status()
		}
		return nil, &chat.FetchError{Op: op, Status: resp.StatusCode(), Err: errors.New(msg)}
	}
	logger.DebugCF("api", "Request completed", map[string]any{
		"op":       op,
		"status":   resp.StatusCode(),
		"duration": resp.Time().String(),
	})
	return resp.Body(), nil
}

// ListRooms returns the rooms the user belongs to, with their messages.
func (c *Client) ListRooms(ctx context.Context, username string) ([]RoomDetail, error) {
	const op = "list rooms"
	body, err := c.do(op, c.http.R().
		SetContext(ctx).
		SetQueryParam("username", username), resty.MethodGet, "/chatrooms")
	if err != nil {
		return nil, err
	}

	list := gjson.ParseBytes(body)
	if !list.IsArray() {
		return nil, &chat.FetchError{Op: op, Err: errBadResponse}
	}
	var rooms []RoomDetail
	for _, r := range list.Array() {
		rd, err := parseRoom(r)
		if err != nil {
			logger.WarnCF("api", "Skipping room", map[string]any{"error": err.Error()})
			continue
		}
		rooms = append(rooms, rd)
	}
	return rooms, nil
}

// GetRoom fetches a room's metadata and messages.
func (c *Client) GetRoom(ctx context.Context, roomID string) (RoomDetail, error) {
	op := "get room " + roomID
	body, err := c.do(op, c.http.R().
		SetContext(ctx).
		SetPathParam("id", roomID), resty.MethodGet, "/api/chatroom/{id}")
	if err != nil {
		return RoomDetail{}, err
	}
	rd, err := parseRoom(gjson.ParseBytes(body))
	if err != nil {
		return RoomDetail{}, &chat.FetchError{Op: op, Err: err}
	}
	return rd, nil
}

// CreateGroup creates a group room. Name and at least one member are
// required. The server may answer with the new room or with an empty body,
// in which case the zero RoomDetail is returned.
func (c *Client) CreateGroup(ctx context.Context, name string, members []string, createdBy string) (RoomDetail, error) {
	req := GroupRequest{Name: strings.TrimSpace(name), IsGroup: true, CreatedBy: createdBy}
	for _, m := range members {
		if m = strings.TrimSpace(m); m != "" {
			req.Members = append(req.Members, m)
		}
	}
	if req.Name == "" {
		return RoomDetail{}, &chat.ValidationError{Field: "name", Reason: "group name is required"}
	}
	if len(req.Members) == 0 {
		return RoomDetail{}, &chat.ValidationError{Field: "members", Reason: "at least one member is required"}
	}

	const op = "create group"
	body, err := c.do(op, c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(req), resty.MethodPost, "/api/chatroom/create")
	if err != nil {
		return RoomDetail{}, err
	}
	rd, err := parseRoom(gjson.ParseBytes(body))
	if err != nil {
		return RoomDetail{}, nil
	}
	return rd, nil
}

// PollQueue drains messages the server queued for the user while offline.
// Entries that cannot be decoded are skipped.
func (c *Client) PollQueue(ctx context.Context, username string) ([]chat.Message, error) {
	const op = "poll queue"
	body, err := c.do(op, c.http.R().
		SetContext(ctx).
		SetQueryParam("username", username), resty.MethodGet, "/api/queue")
	if err != nil {
		return nil, err
	}

	list := gjson.ParseBytes(body)
	if !list.IsArray() {
		return nil, &chat.FetchError{Op: op, Err: errBadResponse}
	}
	var msgs []chat.Message
	for _, raw := range list.Array() {
		m, err := chat.DecodeMessage([]byte(raw.Raw), "")
		if err != nil || m.RoomID == "" {
			logger.DebugCF("api", "Skipping queue entry", map[string]any{"raw": raw.Raw})
			continue
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

// Upload sends a file as multipart form field "file" and returns the
// attachment descriptor pointing at the stored copy.
func (c *Client) Upload(ctx context.Context, name, mimeType string, r io.Reader) (chat.Attachment, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return chat.Attachment{}, fmt.Errorf("read %s: %w", name, err)
	}

	const op = "upload"
	body, err := c.do(op, c.http.R().
		SetContext(ctx).
		SetMultipartField("file", name, mimeType, bytes.NewReader(data)), resty.MethodPost, "/api/messages/upload")
	if err != nil {
		return chat.Attachment{}, err
	}
	url := gjson.GetBytes(body, "fileUrl").String()
	if url == "" {
		return chat.Attachment{}, &chat.FetchError{Op: op, Err: errBadResponse}
	}
	return chat.Attachment{URL: url, Name: name, MimeType: mimeType, Size: int64(len(data))}, nil
}

func parseRoom(r gjson.Result) (RoomDetail, error) {
	if !r.IsObject() {
		return RoomDetail{}, errBadResponse
	}
	id := r.Get("id").String()
	if id == "" {
		return RoomDetail{}, fmt.Errorf("%w: room without id", errBadResponse)
	}

	rd := RoomDetail{Room: chat.Room{
		ID:   id,
		Name: r.Get("name").String(),
		Kind: chat.KindFromFlags(r.Get("isPublic").Bool(), r.Get("isGroup").Bool()),
	}}

	for _, path := range []string{"joinedUserNames", "members", "joinedUsers.#.username"} {
		if v := r.Get(path); v.IsArray() && len(v.Array()) > 0 {
			for _, m := range v.Array() {
				rd.Room.Members = append(rd.Room.Members, m.String())
			}
			break
		}
	}

	for _, raw := range r.Get("messages").Array() {
		m, err := chat.DecodeMessage([]byte(raw.Raw), id)
		if err != nil {
			continue
		}
		rd.Messages = append(rd.Messages, m)
	}
	return rd, nil
}
