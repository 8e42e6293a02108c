package chat

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/chzyer/readline"

	"github.com/tinyland-inc/chatsync/cmd/chatsync/internal"
	"github.com/tinyland-inc/chatsync/pkg/bus"
	"github.com/tinyland-inc/chatsync/pkg/chat"
	"github.com/tinyland-inc/chatsync/pkg/session"
)

const historyLines = 20

const helpText = `Commands:
  /rooms                 list rooms
  /join ROOM             open a room by id or name
  /leave                 close the active room
  /unread                list rooms with unread messages
  /history [N]           show the last N messages of the active room
  /attach PATH [TEXT]    upload a file and send it
  /resend KEY            resend a failed message
  /group NAME USER,...   create a group room
  /connect               reconnect after a failure
  /status                connection and room status
  /quit                  leave chatsync
Anything else is sent to the active room.`

// uploader stores attachments. *api.Client implements it.
type uploader interface {
	Upload(ctx context.Context, name, mimeType string, r io.Reader) (chat.Attachment, error)
}

type repl struct {
	sess  *session.Session
	files uploader

	mu    sync.Mutex
	out   io.Writer
	shown map[string]int
}

func newREPL(sess *session.Session, files uploader) *repl {
	return &repl{sess: sess, files: files, out: os.Stdout, shown: make(map[string]int)}
}

func (r *repl) printf(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.out, format, args...)
}

// run reads commands until /quit, EOF or ctx is done, rendering session
// updates in the background.
func (r *repl) run(ctx context.Context) {
	prompt := fmt.Sprintf("%s > ", internal.Logo)

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          prompt,
		HistoryFile:     filepath.Join(os.TempDir(), ".chatsync_history"),
		HistoryLimit:    100,
		InterruptPrompt: "^C",
		EOFPrompt:       "/quit",
	})
	if err != nil {
		fmt.Printf("Error initializing readline: %v\n", err)
		fmt.Println("Falling back to simple input mode...")
		r.simpleRun(ctx, prompt)
		return
	}
	defer rl.Close()
	stop := context.AfterFunc(ctx, func() { _ = rl.Close() })
	defer stop()

	r.mu.Lock()
	r.out = rl.Stdout()
	r.mu.Unlock()
	go r.watch(ctx)

	for {
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) || ctx.Err() != nil {
				r.printf("Goodbye!\n")
				return
			}
			r.printf("Error reading input: %v\n", err)
			continue
		}
		if r.handle(ctx, line) {
			return
		}
	}
}

func (r *repl) simpleRun(ctx context.Context, prompt string) {
	go r.watch(ctx)

	lines := make(chan string)
	go func() {
		defer close(lines)
		reader := bufio.NewReader(os.Stdin)
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				return
			}
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		r.printf("%s", prompt)
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				r.printf("\nGoodbye!\n")
				return
			}
			if r.handle(ctx, line) {
				return
			}
		}
	}
}

// handle runs one input line and reports whether the user asked to quit.
func (r *repl) handle(ctx context.Context, line string) bool {
	input := strings.TrimSpace(line)
	if input == "" {
		return false
	}
	if !strings.HasPrefix(input, "/") {
		r.send(ctx, chat.Body{Text: input})
		return false
	}

	name, rest, _ := strings.Cut(input, " ")
	rest = strings.TrimSpace(rest)

	switch name {
	case "/quit", "/exit":
		r.printf("Goodbye!\n")
		return true
	case "/help":
		r.printf("%s\n", helpText)
	case "/rooms":
		r.listRooms()
	case "/join":
		r.join(ctx, rest)
	case "/leave":
		if err := r.sess.Deactivate(ctx); err != nil {
			r.printf("Error: %v\n", err)
		}
	case "/unread":
		r.listUnread()
	case "/history":
		r.history(rest)
	case "/attach":
		r.attach(ctx, rest)
	case "/resend":
		r.resend(ctx, rest)
	case "/group":
		r.group(ctx, rest)
	case "/connect":
		if err := r.sess.Connect(ctx); err != nil {
			r.printf("Error: %v\n", err)
		}
	case "/status":
		r.status()
	default:
		r.printf("Unknown command %s, try /help\n", name)
	}
	return false
}

func (r *repl) send(ctx context.Context, body chat.Body) {
	key, err := r.sess.Send(ctx, body)
	if err == nil {
		return
	}
	var ce *chat.ConnectionError
	switch {
	case key != "":
		r.printf("Not delivered: %v (use /resend %s)\n", err, shortKey(key))
	case errors.Is(err, chat.ErrNoActiveRoom):
		r.printf("No active room, use /join\n")
	case errors.As(err, &ce):
		r.printf("Not connected: %v\n", err)
	default:
		r.printf("Error: %v\n", err)
	}
}

// resolveRoom matches an id first, then a case-insensitive name.
func (r *repl) resolveRoom(arg string) (chat.Room, bool) {
	if room, ok := r.sess.Room(arg); ok {
		return room, true
	}
	for _, room := range r.sess.Rooms() {
		if strings.EqualFold(room.Name, arg) {
			return room, true
		}
	}
	return chat.Room{}, false
}

func (r *repl) join(ctx context.Context, arg string) {
	if arg == "" {
		r.printf("Usage: /join ROOM\n")
		return
	}
	id := arg
	if room, ok := r.resolveRoom(arg); ok {
		id = room.ID
	}
	if err := r.sess.Activate(ctx, id); err != nil {
		r.printf("Error: could not open %s: %v\n", arg, err)
	}
}

func (r *repl) listRooms() {
	rooms := r.sess.Rooms()
	if len(rooms) == 0 {
		r.printf("No rooms.\n")
		return
	}
	active := r.sess.Active()
	unread := r.sess.Unread()
	for _, room := range rooms {
		marker := " "
		if room.ID == active {
			marker = "*"
		}
		line := fmt.Sprintf("%s %s  %s (%s)", marker, room.ID, roomLabel(room), room.Kind)
		if n := unread[room.ID]; n > 0 {
			line += fmt.Sprintf("  [%d unread]", n)
		}
		r.printf("%s\n", line)
	}
}

func (r *repl) listUnread() {
	ids := r.sess.UnreadRooms()
	if len(ids) == 0 {
		r.printf("No unread rooms.\n")
		return
	}
	unread := r.sess.Unread()
	for _, id := range ids {
		label := id
		if room, ok := r.sess.Room(id); ok {
			label = roomLabel(room)
		}
		r.printf("  %s: %d new\n", label, unread[id])
	}
}

func (r *repl) history(arg string) {
	n := historyLines
	if arg != "" {
		v, err := strconv.Atoi(arg)
		if err != nil || v <= 0 {
			r.printf("Usage: /history [N]\n")
			return
		}
		n = v
	}
	active := r.sess.Active()
	if active == "" {
		r.printf("No active room, use /join\n")
		return
	}
	r.printHistory(active, n)
}

func (r *repl) attach(ctx context.Context, arg string) {
	path, caption, _ := strings.Cut(arg, " ")
	if path == "" {
		r.printf("Usage: /attach PATH [TEXT]\n")
		return
	}
	if r.sess.Active() == "" {
		r.printf("No active room, use /join\n")
		return
	}
	f, err := os.Open(path)
	if err != nil {
		r.printf("Error: %v\n", err)
		return
	}
	defer f.Close()

	mimeType := mime.TypeByExtension(filepath.Ext(path))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	if i := strings.IndexByte(mimeType, ';'); i >= 0 {
		mimeType = mimeType[:i]
	}

	att, err := r.files.Upload(ctx, filepath.Base(path), mimeType, f)
	if err != nil {
		r.printf("Upload failed: %v\n", err)
		return
	}
	r.send(ctx, chat.Body{Text: strings.TrimSpace(caption), Attachment: &att})
}

func (r *repl) resend(ctx context.Context, prefix string) {
	if prefix == "" {
		r.printf("Usage: /resend KEY\n")
		return
	}
	active := r.sess.Active()
	for _, m := range r.sess.Snapshot(active) {
		if m.State == chat.Failed && strings.HasPrefix(m.LocalKey, prefix) {
			if err := r.sess.Resend(ctx, m.LocalKey); err != nil {
				r.printf("Not delivered: %v\n", err)
			}
			return
		}
	}
	r.printf("No failed message %s in this room\n", prefix)
}

func (r *repl) group(ctx context.Context, arg string) {
	name, list, _ := strings.Cut(arg, " ")
	var members []string
	for _, m := range strings.Split(list, ",") {
		if m = strings.TrimSpace(m); m != "" {
			members = append(members, m)
		}
	}
	if name == "" || len(members) == 0 {
		r.printf("Usage: /group NAME USER,...\n")
		return
	}
	room, err := r.sess.CreateGroup(ctx, name, members)
	if err != nil {
		r.printf("Error: %v\n", err)
		return
	}
	if room.ID != "" {
		r.printf("Group %s created (id %s)\n", name, room.ID)
		return
	}
	r.printf("Group %s created\n", name)
}

func (r *repl) status() {
	user := r.sess.User()
	r.printf("User:       %s (%s)\n", user.Username, user.ID)
	r.printf("Connection: %s\n", r.sess.State())
	active := r.sess.Active()
	switch {
	case active == "":
		r.printf("Room:       none\n")
	case r.sess.LiveTopic() == "":
		r.printf("Room:       %s (waiting for connection)\n", active)
	default:
		r.printf("Room:       %s on %s\n", active, r.sess.LiveTopic())
	}
	r.printf("Unread:     %d rooms\n", len(r.sess.UnreadRooms()))
}

// watch renders session updates until ctx is done.
func (r *repl) watch(ctx context.Context) {
	for {
		u, ok := r.sess.Updates(ctx)
		if !ok {
			return
		}
		r.render(ctx, u)
	}
}

func (r *repl) render(ctx context.Context, u bus.Update) {
	switch u.Kind {
	case bus.ConnectionChanged:
		r.printf("[%s]\n", u.State)
	case bus.ActiveChanged:
		if u.RoomID == "" {
			r.printf("Left room.\n")
			return
		}
		label := u.RoomID
		if room, ok := r.sess.Room(u.RoomID); ok {
			label = roomLabel(room)
		}
		r.printf("--- %s ---\n", label)
		r.printHistory(u.RoomID, historyLines)
	case bus.RoomChanged:
		if u.RoomID == r.sess.Active() {
			r.printNew(u.RoomID)
		}
	case bus.UnreadChanged:
		if !r.sess.IsUnread(u.RoomID) {
			return
		}
		room, ok := r.sess.Room(u.RoomID)
		if !ok {
			// A room created by someone else; refresh the list.
			go func() { _, _ = r.sess.LoadRooms(ctx) }()
			r.printf("* new messages in %s\n", u.RoomID)
			return
		}
		r.printf("* new messages in %s\n", roomLabel(room))
	}
}

func (r *repl) printHistory(roomID string, n int) {
	msgs := r.sess.Snapshot(roomID)
	start := max(0, len(msgs)-n)

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs[start:] {
		fmt.Fprintln(r.out, formatMessage(m))
	}
	r.shown[roomID] = len(msgs)
}

func (r *repl) printNew(roomID string) {
	msgs := r.sess.Snapshot(roomID)

	r.mu.Lock()
	defer r.mu.Unlock()
	from := min(r.shown[roomID], len(msgs))
	for _, m := range msgs[from:] {
		fmt.Fprintln(r.out, formatMessage(m))
	}
	r.shown[roomID] = len(msgs)
}

func roomLabel(room chat.Room) string {
	if room.Name != "" {
		return room.Name
	}
	if len(room.Members) > 0 {
		return strings.Join(slices.Sorted(slices.Values(room.Members)), ", ")
	}
	return room.ID
}

func shortKey(key string) string {
	if len(key) > 8 {
		return key[:8]
	}
	return key
}

func formatMessage(m chat.Message) string {
	var b strings.Builder
	if !m.CreatedAt.IsZero() {
		b.WriteString("[" + m.CreatedAt.Local().Format("15:04") + "] ")
	}
	name := m.SenderName
	if name == "" {
		name = m.SenderID
	}
	b.WriteString(name + ":")
	if m.Body.Text != "" {
		b.WriteString(" " + m.Body.Text)
	}
	if a := m.Body.Attachment; a != nil {
		kind := "file"
		if a.IsImage() {
			kind = "image"
		}
		fmt.Fprintf(&b, " [%s %s] %s", kind, a.Name, a.URL)
	}
	switch m.State {
	case chat.Pending:
		b.WriteString(" (sending)")
	case chat.Failed:
		fmt.Fprintf(&b, " (failed, /resend %s)", shortKey(m.LocalKey))
	}
	return b.String()
}
