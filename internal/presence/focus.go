package presence

import "sync"

// FocusTracker maps a user identity to the room it is currently viewing.
// Entries are rebuilt from scratch on each connect and must be cleared on
// disconnect; the tracker is purely a liveness hint for deciding who gets
// targeted refresh notifications. Membership is the caller's concern: a
// focus is only set after the user was verified to belong to the room.
type FocusTracker struct {
	mu    sync.Mutex
	rooms map[string]int64
}

// NewFocusTracker creates an empty tracker.
func NewFocusTracker() *FocusTracker {
	return &FocusTracker{rooms: make(map[string]int64)}
}

// SetFocus records that username is now viewing roomID, overwriting any
// prior focus.
func (t *FocusTracker) SetFocus(username string, roomID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.rooms[username] = roomID
}

// ClearFocus drops the entry for username. Absent users are a no-op.
func (t *FocusTracker) ClearFocus(username string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.rooms, username)
}

// FocusedRoom returns the room username is viewing, if any.
func (t *FocusTracker) FocusedRoom(username string) (int64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	roomID, ok := t.rooms[username]
	return roomID, ok
}

// IsFocused reports whether username has any focus entry at all. The
// message fallback path keys off this, not off the specific room.
func (t *FocusTracker) IsFocused(username string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	_, ok := t.rooms[username]
	return ok
}
