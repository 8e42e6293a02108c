// Package notify tracks which rooms have unread traffic.
package notify

import (
	"maps"
	"slices"
	"sync"
)

// Tracker holds an unread counter per room. A room is unread while its
// counter is positive.
type Tracker struct {
	mu     sync.RWMutex
	unread map[string]int
}

func NewTracker() *Tracker {
	return &Tracker{unread: make(map[string]int)}
}

// OnInboundMessage marks roomID unread unless it is the active room. It
// reports whether the room's state changed.
func (t *Tracker) OnInboundMessage(roomID, activeRoomID string) bool {
	if roomID == "" || roomID == activeRoomID {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.unread[roomID]++
	return true
}

// Clear marks roomID read. It reports whether the room was unread.
func (t *Tracker) Clear(roomID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := t.unread[roomID]
	delete(t.unread, roomID)
	return n > 0
}

func (t *Tracker) IsUnread(roomID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.unread[roomID] > 0
}

// Count returns the number of messages received while roomID was inactive.
func (t *Tracker) Count(roomID string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.unread[roomID]
}

// Snapshot returns a copy of the unread counters.
func (t *Tracker) Snapshot() map[string]int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return maps.Clone(t.unread)
}

// UnreadRooms lists unread rooms, sorted.
func (t *Tracker) UnreadRooms() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return slices.Sorted(maps.Keys(t.unread))
}
