package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyland-inc/chatsync/pkg/chat"
)

func newTestServer(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL+"/", 5*time.Second)
}

func TestListRooms(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chatrooms", r.URL.Path)
		assert.Equal(t, "alice", r.URL.Query().Get("username"))
		io.WriteString(w, `[
			{"id": 1, "name": "general", "isPublic": true, "isGroup": false,
			 "messages": [{"id": 10, "senderId": 2, "username": "bob", "content": {"content": "hi"}, "date": 1700000000000}]},
			{"id": "g1", "name": "team", "isGroup": true, "joinedUserNames": ["alice", "bob"]},
			{"name": "no id"},
			{"id": "p1", "name": "bob", "joinedUsers": [{"username": "alice"}, {"username": "bob"}]}
		]`)
	})

	rooms, err := c.ListRooms(context.Background(), "alice")
	require.NoError(t, err)
	require.Len(t, rooms, 3)

	assert.Equal(t, chat.Room{ID: "1", Name: "general", Kind: chat.RoomPublic}, rooms[0].Room)
	require.Len(t, rooms[0].Messages, 1)
	assert.Equal(t, "10", rooms[0].Messages[0].ID)
	assert.Equal(t, "1", rooms[0].Messages[0].RoomID)

	assert.Equal(t, chat.RoomGroup, rooms[1].Room.Kind)
	assert.Equal(t, []string{"alice", "bob"}, rooms[1].Room.Members)

	assert.Equal(t, chat.RoomPrivate, rooms[2].Room.Kind)
	assert.Equal(t, []string{"alice", "bob"}, rooms[2].Room.Members)
}

func TestGetRoom(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chatroom/r7", r.URL.Path)
		io.WriteString(w, `{"id":"r7","name":"seven","isGroup":true,"messages":[{"id":"m1","content":"plain"},{"id":"bad"}]}`)
	})

	rd, err := c.GetRoom(context.Background(), "r7")
	require.NoError(t, err)
	assert.Equal(t, "seven", rd.Room.Name)
	require.Len(t, rd.Messages, 1)
	assert.Equal(t, "plain", rd.Messages[0].Body.Text)
}

func TestGetRoom_ErrorStatus(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		io.WriteString(w, `{"error":"room not found"}`)
	})

	_, err := c.GetRoom(context.Background(), "nope")
	require.Error(t, err)
	var fe *chat.FetchError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, http.StatusNotFound, fe.Status)
	assert.Contains(t, err.Error(), "room not found")
}

func TestGetRoom_TransportError(t *testing.T) {
	c := NewClient("http://127.0.0.1:1", time.Second)
	_, err := c.GetRoom(context.Background(), "r1")
	var fe *chat.FetchError
	require.True(t, errors.As(err, &fe))
	assert.Zero(t, fe.Status)
}

func TestCreateGroup(t *testing.T) {
	var got GroupRequest
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/chatroom/create", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		io.WriteString(w, `{"id":"g9","name":"team","isGroup":true}`)
	})

	rd, err := c.CreateGroup(context.Background(), " team ", []string{" bob", "", "carol "}, "u1")
	require.NoError(t, err)
	assert.Equal(t, "g9", rd.Room.ID)
	assert.Equal(t, GroupRequest{Name: "team", IsGroup: true, Members: []string{"bob", "carol"}, CreatedBy: "u1"}, got)
}

func TestCreateGroup_EmptyResponse(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {})
	rd, err := c.CreateGroup(context.Background(), "team", []string{"bob"}, "u1")
	require.NoError(t, err)
	assert.Empty(t, rd.Room.ID)
}

func TestCreateGroup_Validation(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected")
	})

	_, err := c.CreateGroup(context.Background(), "  ", []string{"bob"}, "u1")
	assert.True(t, chat.IsValidation(err))
	_, err = c.CreateGroup(context.Background(), "team", []string{" "}, "u1")
	assert.True(t, chat.IsValidation(err))
}

func TestPollQueue(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/queue", r.URL.Path)
		assert.Equal(t, "alice", r.URL.Query().Get("username"))
		io.WriteString(w, `[
			{"id":"q1","senderId":"u2","content":{"content":"while you were away"},"room":{"id":"r3"},"sendTime":"2023-11-14T22:13:20Z"},
			{"id":"q2","content":{"content":"no room"}},
			{"id":"q3","room":{"id":"r3"}}
		]`)
	})

	msgs, err := c.PollQueue(context.Background(), "alice")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "r3", msgs[0].RoomID)
	assert.Equal(t, int64(1700000000000), msgs[0].CreatedAt.UnixMilli())
}

func TestPollQueue_NotAnArray(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"oops":true}`)
	})
	_, err := c.PollQueue(context.Background(), "alice")
	var fe *chat.FetchError
	assert.True(t, errors.As(err, &fe))
}

func TestUpload(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/messages/upload", r.URL.Path)
		f, hdr, err := r.FormFile("file")
		if !assert.NoError(t, err) {
			return
		}
		defer f.Close()
		data, _ := io.ReadAll(f)
		assert.Equal(t, "cat.png", hdr.Filename)
		assert.Equal(t, "meow", string(data))
		io.WriteString(w, `{"fileUrl":"files/abc-cat.png"}`)
	})

	att, err := c.Upload(context.Background(), "cat.png", "image/png", strings.NewReader("meow"))
	require.NoError(t, err)
	assert.Equal(t, chat.Attachment{URL: "files/abc-cat.png", Name: "cat.png", MimeType: "image/png", Size: 4}, att)
}
