package server

import (
	"context"
	"sync"

	"github.com/gordoly/E2EEApp/internal/chat"
	"github.com/gordoly/E2EEApp/internal/store"
	"github.com/gordoly/E2EEApp/internal/wire"
)

// memStore is an in-memory implementation of the storage collaborators used
// across the server tests.
type memStore struct {
	mu       sync.Mutex
	users    map[string]chat.User
	tokens   map[string]string
	rooms    map[int64]*chat.Room
	invites  map[int64]*chat.Invitation
	messages []chat.Message
	nextRoom int64
	nextInv  int64

	// failNext makes every subsequent call fail, for storage-outage tests.
	failNext error
}

func newMemStore(usernames ...string) *memStore {
	s := &memStore{
		users:   make(map[string]chat.User),
		tokens:  make(map[string]string),
		rooms:   make(map[int64]*chat.Room),
		invites: make(map[int64]*chat.Invitation),
	}
	for _, name := range usernames {
		s.users[name] = chat.User{Username: name, PublicKey: "pk-" + name}
		s.tokens["tok-"+name] = name
	}
	return s
}

func (s *memStore) Resolve(_ context.Context, username string) (chat.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext != nil {
		return chat.User{}, s.failNext
	}
	user, ok := s.users[username]
	if !ok {
		return chat.User{}, store.ErrNotFound
	}
	return user, nil
}

func (s *memStore) UserByToken(_ context.Context, token string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	username, ok := s.tokens[token]
	if !ok {
		return "", store.ErrNotFound
	}
	return username, nil
}

func (s *memStore) CreateRoom(_ context.Context, name string, kind chat.RoomKind, owner string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext != nil {
		return 0, s.failNext
	}
	s.nextRoom++
	s.rooms[s.nextRoom] = &chat.Room{
		ID: s.nextRoom, Name: name, Kind: kind, Owner: owner, Members: []string{owner},
	}
	return s.nextRoom, nil
}

func (s *memStore) Room(_ context.Context, id int64) (*chat.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext != nil {
		return nil, s.failNext
	}
	room, ok := s.rooms[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *room
	cp.Members = append([]string(nil), room.Members...)
	return &cp, nil
}

func (s *memStore) AddMember(_ context.Context, roomID int64, username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext != nil {
		return s.failNext
	}
	room, ok := s.rooms[roomID]
	if !ok {
		return store.ErrNotFound
	}
	if !room.HasMember(username) {
		room.Members = append(room.Members, username)
	}
	return nil
}

func (s *memStore) RemoveMember(_ context.Context, roomID int64, username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[roomID]
	if !ok {
		return store.ErrNotFound
	}
	kept := room.Members[:0:0]
	for _, m := range room.Members {
		if m != username {
			kept = append(kept, m)
		}
	}
	room.Members = kept
	return nil
}

func (s *memStore) HaveDirectRoom(_ context.Context, a, b string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext != nil {
		return false, s.failNext
	}
	for _, room := range s.rooms {
		if room.Kind == chat.KindDirect && room.HasMember(a) && room.HasMember(b) {
			return true, nil
		}
	}
	return false, nil
}

func (s *memStore) RoomsWithMember(_ context.Context, username string, kind chat.RoomKind) ([]chat.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []chat.Room
	for id := int64(1); id <= s.nextRoom; id++ {
		room, ok := s.rooms[id]
		if ok && room.Kind == kind && room.HasMember(username) {
			cp := *room
			cp.Members = append([]string(nil), room.Members...)
			out = append(out, cp)
		}
	}
	return out, nil
}

func (s *memStore) CreateInvitation(_ context.Context, inv chat.Invitation) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext != nil {
		return 0, s.failNext
	}
	s.nextInv++
	inv.ID = s.nextInv
	s.invites[inv.ID] = &inv
	return inv.ID, nil
}

func (s *memStore) Invitation(_ context.Context, id int64) (*chat.Invitation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invites[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *inv
	return &cp, nil
}

func (s *memStore) SetStatus(_ context.Context, id int64, status chat.InviteStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invites[id]
	if !ok {
		return store.ErrNotFound
	}
	inv.Status = status
	return nil
}

func (s *memStore) DirectInvitesBetween(_ context.Context, sender, receiver string) ([]chat.Invitation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext != nil {
		return nil, s.failNext
	}
	var out []chat.Invitation
	for id := int64(1); id <= s.nextInv; id++ {
		inv, ok := s.invites[id]
		if ok && inv.Kind == chat.KindDirect && inv.Sender == sender && inv.Receiver == receiver {
			out = append(out, *inv)
		}
	}
	return out, nil
}

func (s *memStore) InvitationsBySender(_ context.Context, username string) ([]chat.Invitation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []chat.Invitation
	for id := s.nextInv; id >= 1; id-- {
		if inv, ok := s.invites[id]; ok && inv.Sender == username {
			out = append(out, *inv)
		}
	}
	return out, nil
}

func (s *memStore) InvitationsByReceiver(_ context.Context, username string) ([]chat.Invitation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []chat.Invitation
	for id := int64(1); id <= s.nextInv; id++ {
		if inv, ok := s.invites[id]; ok && inv.Receiver == username {
			out = append(out, *inv)
		}
	}
	return out, nil
}

func (s *memStore) SaveMessage(_ context.Context, msg chat.Message) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext != nil {
		return 0, s.failNext
	}
	msg.ID = int64(len(s.messages) + 1)
	s.messages = append(s.messages, msg)
	return msg.ID, nil
}

func (s *memStore) DrainMessages(_ context.Context, roomID int64, receiver string) ([]chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out, kept []chat.Message
	for _, msg := range s.messages {
		if msg.RoomID == roomID && msg.Receiver == receiver {
			out = append(out, msg)
		} else {
			kept = append(kept, msg)
		}
	}
	s.messages = kept
	return out, nil
}

func (s *memStore) storedMessages() []chat.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]chat.Message(nil), s.messages...)
}

func (s *memStore) invitationCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.invites)
}

func (s *memStore) roomMembers(id int64) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[id]
	if !ok {
		return nil
	}
	return append([]string(nil), room.Members...)
}

var _ store.Store = (*memStore)(nil)

// fakeConn records the frames pushed to one connection.
type fakeConn struct {
	mu     sync.Mutex
	frames []wire.Frame
}

func (c *fakeConn) Send(frame wire.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, frame)
	return nil
}

func (c *fakeConn) sent() []wire.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]wire.Frame(nil), c.frames...)
}

func (c *fakeConn) sentOfType(frameType string) []wire.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []wire.Frame
	for _, f := range c.frames {
		if f.Type == frameType {
			out = append(out, f)
		}
	}
	return out
}
