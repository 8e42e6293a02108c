package chat

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyland-inc/chatsync/pkg/api"
	"github.com/tinyland-inc/chatsync/pkg/chat"
	"github.com/tinyland-inc/chatsync/pkg/connection"
	"github.com/tinyland-inc/chatsync/pkg/connection/conntest"
	"github.com/tinyland-inc/chatsync/pkg/session"
)

type stubRooms struct {
	rooms []api.RoomDetail
}

func (s *stubRooms) ListRooms(context.Context, string) ([]api.RoomDetail, error) {
	return s.rooms, nil
}

func (s *stubRooms) GetRoom(_ context.Context, id string) (api.RoomDetail, error) {
	for _, rd := range s.rooms {
		if rd.Room.ID == id {
			return rd, nil
		}
	}
	return api.RoomDetail{}, &chat.FetchError{Op: "get room", Status: 404}
}

func (s *stubRooms) CreateGroup(_ context.Context, name string, members []string, _ string) (api.RoomDetail, error) {
	rd := api.RoomDetail{Room: chat.Room{ID: "g-" + name, Name: name, Kind: chat.RoomGroup, Members: members}}
	s.rooms = append(s.rooms, rd)
	return rd, nil
}

func (s *stubRooms) PollQueue(context.Context, string) ([]chat.Message, error) {
	return nil, nil
}

type stubUploader struct {
	name, mimeType string
	data           []byte
}

func (u *stubUploader) Upload(_ context.Context, name, mimeType string, r io.Reader) (chat.Attachment, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return chat.Attachment{}, err
	}
	u.name, u.mimeType, u.data = name, mimeType, data
	return chat.Attachment{URL: "files/" + name, Name: name, MimeType: mimeType, Size: int64(len(data))}, nil
}

type fixture struct {
	r     *repl
	sess  *session.Session
	tr    *conntest.Transport
	files *stubUploader
	buf   *bytes.Buffer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	rooms := &stubRooms{rooms: []api.RoomDetail{
		{Room: chat.Room{ID: "r1", Name: "general", Kind: chat.RoomPublic}},
		{Room: chat.Room{ID: "g1", Name: "team", Kind: chat.RoomGroup, Members: []string{"alice", "bob"}}},
	}}
	d := conntest.NewDialer()
	sess := session.New(chat.User{ID: "u1", Username: "alice"}, connection.NewManager(d), rooms)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = sess.Run(ctx)
	}()
	t.Cleanup(func() {
		_ = sess.Close()
		cancel()
		<-done
	})

	require.NoError(t, sess.Connect(context.Background()))
	_, err := sess.LoadRooms(context.Background())
	require.NoError(t, err)

	files := &stubUploader{}
	r := newREPL(sess, files)
	buf := &bytes.Buffer{}
	r.out = buf
	return &fixture{r: r, sess: sess, tr: d.Last(), files: files, buf: buf}
}

func (f *fixture) run(line string) bool {
	return f.r.handle(context.Background(), line)
}

func (f *fixture) output() string {
	f.r.mu.Lock()
	defer f.r.mu.Unlock()
	s := f.buf.String()
	f.buf.Reset()
	return s
}

func TestNewChatCommand(t *testing.T) {
	cmd := NewChatCommand()
	require.NotNil(t, cmd)

	assert.Equal(t, "chat", cmd.Use)
	assert.Equal(t, []string{"c"}, cmd.Aliases)
	assert.True(t, cmd.HasExample())
	assert.False(t, cmd.HasSubCommands())
	assert.NotNil(t, cmd.RunE)

	assert.NotNil(t, cmd.Flags().Lookup("config"))
	assert.NotNil(t, cmd.Flags().Lookup("room"))
	assert.NotNil(t, cmd.Flags().Lookup("debug"))
}

func TestREPL_SendPlainText(t *testing.T) {
	f := newFixture(t)

	assert.False(t, f.run("  hello there  "))
	pub := f.tr.Published()
	require.Len(t, pub, 1)
	assert.Equal(t, chat.DestinationPublic, pub[0].Topic)
	assert.Contains(t, string(pub[0].Payload), "hello there")

	f.run("/history")
	assert.Contains(t, f.output(), "alice: hello there (sending)")
}

func TestREPL_RoomsAndJoinByName(t *testing.T) {
	f := newFixture(t)

	f.run("/rooms")
	out := f.output()
	assert.Contains(t, out, "* r1  general (public)")
	assert.Contains(t, out, "  g1  team (group)")

	f.run("/join TEAM")
	assert.Equal(t, "g1", f.sess.Active())

	f.run("/join nowhere")
	assert.Contains(t, f.output(), "could not open nowhere")
	assert.Equal(t, "g1", f.sess.Active())

	f.run("/leave")
	assert.Empty(t, f.sess.Active())
	f.run("hi")
	assert.Contains(t, f.output(), "No active room")
}

func TestREPL_UnreadAndStatus(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.sess.DeliverQueued(context.Background(), []chat.Message{
		{ID: "q1", RoomID: "g1", SenderID: "u2", SenderName: "bob", Body: chat.Body{Text: "ping"}, State: chat.Confirmed},
	}))

	f.run("/unread")
	assert.Contains(t, f.output(), "team: 1 new")

	f.run("/status")
	out := f.output()
	assert.Contains(t, out, "Connection: connected")
	assert.Contains(t, out, "Room:       r1 on /topic/chatroom/r1")
	assert.Contains(t, out, "Unread:     1 rooms")

	f.run("/join g1")
	f.run("/unread")
	assert.Contains(t, f.output(), "No unread rooms.")
}

func TestREPL_Attach(t *testing.T) {
	f := newFixture(t)

	path := filepath.Join(t.TempDir(), "cat.png")
	require.NoError(t, os.WriteFile(path, []byte("png-bytes"), 0o600))

	f.run("/attach " + path + " look at this")
	assert.Equal(t, "cat.png", f.files.name)
	assert.Equal(t, "image/png", f.files.mimeType)
	assert.Equal(t, []byte("png-bytes"), f.files.data)

	pub := f.tr.Published()
	require.Len(t, pub, 1)
	assert.Contains(t, string(pub[0].Payload), "files/cat.png")
	assert.Contains(t, string(pub[0].Payload), "look at this")

	f.run("/attach " + filepath.Join(t.TempDir(), "missing.txt"))
	assert.Contains(t, f.output(), "Error:")
}

func TestREPL_ResendFailedMessage(t *testing.T) {
	f := newFixture(t)

	f.tr.FailPublishes(errors.New("write failed"))
	f.run("lost words")
	out := f.output()
	require.Contains(t, out, "/resend ")

	snap := f.sess.Snapshot("r1")
	require.Len(t, snap, 1)
	require.Equal(t, chat.Failed, snap[0].State)

	f.tr.FailPublishes(nil)
	f.run("/resend " + shortKey(snap[0].LocalKey))
	assert.Len(t, f.tr.Published(), 1)
	m, ok := f.sess.Message("r1", snap[0].LocalKey)
	require.True(t, ok)
	assert.Equal(t, chat.Pending, m.State)

	f.run("/resend nope")
	assert.Contains(t, f.output(), "No failed message nope")
}

func TestREPL_Group(t *testing.T) {
	f := newFixture(t)

	f.run("/group crew bob, carol")
	assert.Contains(t, f.output(), "Group crew created (id g-crew)")
	room, ok := f.sess.Room("g-crew")
	require.True(t, ok)
	assert.Equal(t, []string{"bob", "carol"}, room.Members)

	f.run("/group lonely")
	assert.Contains(t, f.output(), "Usage: /group")
}

func TestREPL_QuitAndUnknown(t *testing.T) {
	f := newFixture(t)

	assert.False(t, f.run(""))
	assert.False(t, f.run("/frobnicate"))
	assert.Contains(t, f.output(), "Unknown command /frobnicate")
	assert.False(t, f.run("/history x"))
	assert.Contains(t, f.output(), "Usage: /history")
	assert.True(t, f.run("/quit"))
}

func TestFormatMessage(t *testing.T) {
	ts := time.Date(2024, 3, 1, 9, 5, 0, 0, time.Local)
	tests := []struct {
		name string
		msg  chat.Message
		want string
	}{
		{
			name: "confirmed text",
			msg:  chat.Message{SenderName: "bob", Body: chat.Body{Text: "hi"}, CreatedAt: ts, State: chat.Confirmed},
			want: "[09:05] bob: hi",
		},
		{
			name: "image attachment",
			msg: chat.Message{SenderName: "bob", State: chat.Confirmed, Body: chat.Body{
				Attachment: &chat.Attachment{URL: "f/cat.png", Name: "cat.png", MimeType: "image/png"},
			}},
			want: "bob: [image cat.png] f/cat.png",
		},
		{
			name: "failed falls back to sender id",
			msg:  chat.Message{SenderID: "u1", LocalKey: "0123456789ab", Body: chat.Body{Text: "x"}, State: chat.Failed},
			want: "u1: x (failed, /resend 01234567)",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, formatMessage(tt.msg))
		})
	}
}

func TestRoomLabel(t *testing.T) {
	assert.Equal(t, "general", roomLabel(chat.Room{ID: "r1", Name: "general"}))
	assert.Equal(t, "alice, bob", roomLabel(chat.Room{ID: "p1", Members: []string{"bob", "alice"}}))
	assert.Equal(t, "p2", roomLabel(chat.Room{ID: "p2"}))
	assert.True(t, strings.HasPrefix(shortKey("abcdefghijkl"), "abcdefgh"))
}
