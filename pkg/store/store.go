// Package store keeps the per-room ordered message logs and merges inbound
// messages with locally sent ones.
package store

import (
	"errors"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/tinyland-inc/chatsync/pkg/chat"
	"github.com/tinyland-inc/chatsync/pkg/metrics"
)

var ErrNoRoom = errors.New("store: empty room id")

type MergeResult int

const (
	Appended MergeResult = iota
	Reconciled
	Duplicate
	Rejected
)

func (r MergeResult) String() string {
	switch r {
	case Appended:
		return "appended"
	case Reconciled:
		return "reconciled"
	case Duplicate:
		return "duplicate"
	default:
		return "rejected"
	}
}

// MergeCounts tallies the results of a MergeAll.
type MergeCounts map[MergeResult]int

// Changed reports whether any message was added or replaced.
func (c MergeCounts) Changed() bool {
	return c[Appended]+c[Reconciled] > 0
}

type roomLog struct {
	msgs  []chat.Message
	byID  map[string]int
	byKey map[string]int
	// unconfirmed counts local entries without a server id, pending or failed.
	unconfirmed int
}

func newRoomLog() *roomLog {
	return &roomLog{
		byID:  make(map[string]int),
		byKey: make(map[string]int),
	}
}

// Store is safe for concurrent use. Every mutation completes under the write
// lock and readers get copies.
type Store struct {
	mu    sync.RWMutex
	rooms map[string]*roomLog
}

func New() *Store {
	return &Store{rooms: make(map[string]*roomLog)}
}

func (s *Store) room(roomID string) *roomLog {
	l, ok := s.rooms[roomID]
	if !ok {
		l = newRoomLog()
		s.rooms[roomID] = l
	}
	return l
}

// AppendOptimistic records a locally sent message as pending and returns its
// correlation key.
func (s *Store) AppendOptimistic(roomID string, m chat.Message) (string, error) {
	if roomID == "" {
		return "", ErrNoRoom
	}
	m.ID = ""
	m.RoomID = roomID
	m.State = chat.Pending
	if m.LocalKey == "" {
		m.LocalKey = uuid.NewString()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.room(roomID)
	l.byKey[m.LocalKey] = len(l.msgs)
	l.msgs = append(l.msgs, m)
	l.unconfirmed++
	return m.LocalKey, nil
}

// MergeIncoming adds a server message to the room's log. A message whose id
// is already present is a Duplicate. An unconfirmed local message from the
// same sender with the same content is replaced in place and keeps its key.
// That includes a failed one: a publish can fail locally after the frame
// reached the server.
func (s *Store) MergeIncoming(roomID string, m chat.Message) MergeResult {
	s.mu.Lock()
	res := s.mergeLocked(roomID, m)
	s.mu.Unlock()

	metrics.MergeResults.WithLabelValues(res.String()).Inc()
	return res
}

// MergeAll merges msgs in order, as used when seeding history.
func (s *Store) MergeAll(roomID string, msgs []chat.Message) MergeCounts {
	counts := MergeCounts{}
	s.mu.Lock()
	for _, m := range msgs {
		counts[s.mergeLocked(roomID, m)]++
	}
	s.mu.Unlock()

	for res, n := range counts {
		metrics.MergeResults.WithLabelValues(res.String()).Add(float64(n))
	}
	return counts
}

func (s *Store) mergeLocked(roomID string, m chat.Message) MergeResult {
	if roomID == "" {
		return Rejected
	}
	l := s.room(roomID)
	if m.ID != "" {
		if _, ok := l.byID[m.ID]; ok {
			return Duplicate
		}
	}

	m.RoomID = roomID
	m.State = chat.Confirmed

	if i, ok := l.matchUnconfirmed(m); ok {
		prev := l.msgs[i]
		m.LocalKey = prev.LocalKey
		if m.CreatedAt.IsZero() {
			m.CreatedAt = prev.CreatedAt
		}
		l.msgs[i] = m
		l.unconfirmed--
		if m.ID != "" {
			l.byID[m.ID] = i
		}
		return Reconciled
	}

	if m.ID != "" {
		l.byID[m.ID] = len(l.msgs)
	}
	if m.LocalKey != "" {
		l.byKey[m.LocalKey] = len(l.msgs)
	}
	l.msgs = append(l.msgs, m)
	return Appended
}

// matchUnconfirmed finds the oldest pending or failed entry m echoes.
func (l *roomLog) matchUnconfirmed(m chat.Message) (int, bool) {
	if l.unconfirmed == 0 || m.SenderID == "" {
		return 0, false
	}
	for i, cur := range l.msgs {
		if (cur.State == chat.Pending || cur.State == chat.Failed) && cur.ID == "" &&
			cur.SenderID == m.SenderID && cur.Body.SameContent(m.Body) {
			return i, true
		}
	}
	return 0, false
}

// Snapshot returns a copy of the room's log in arrival order.
func (s *Store) Snapshot(roomID string) []chat.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.rooms[roomID]
	if !ok {
		return nil
	}
	return slices.Clone(l.msgs)
}

// Get returns the entry with the given local key.
func (s *Store) Get(roomID, key string) (chat.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.rooms[roomID]
	if !ok {
		return chat.Message{}, false
	}
	i, ok := l.byKey[key]
	if !ok {
		return chat.Message{}, false
	}
	return l.msgs[i], true
}

// MarkFailed moves a pending entry to failed.
func (s *Store) MarkFailed(roomID, key string) bool {
	return s.transition(roomID, key, chat.Pending, chat.Failed)
}

// MarkPending moves a failed entry back to pending for a resend.
func (s *Store) MarkPending(roomID, key string) bool {
	return s.transition(roomID, key, chat.Failed, chat.Pending)
}

func (s *Store) transition(roomID, key string, from, to chat.DeliveryState) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.rooms[roomID]
	if !ok {
		return false
	}
	i, ok := l.byKey[key]
	if !ok || l.msgs[i].State != from {
		return false
	}
	l.msgs[i].State = to
	return true
}

func (s *Store) Len(roomID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if l, ok := s.rooms[roomID]; ok {
		return len(l.msgs)
	}
	return 0
}

// Rooms lists the rooms that have a log, sorted.
func (s *Store) Rooms() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.rooms))
	for id := range s.rooms {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
