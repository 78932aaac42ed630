package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/gordoly/E2EEApp/internal/chat"
	"github.com/gordoly/E2EEApp/internal/presence"
	"github.com/gordoly/E2EEApp/internal/store"
	"github.com/gordoly/E2EEApp/internal/wire"
)

// MessageService routes encrypted messages: live to a receiver who is
// viewing a chat, persisted when they are not, and broadcasts key-change
// notices. Payloads stay opaque end to end.
type MessageService struct {
	users    store.UserDirectory
	rooms    store.RoomStore
	messages store.MessageStore
	registry *presence.Registry
	focus    *presence.FocusTracker
	log      *zap.Logger
	metrics  *relayMetrics

	// broadcast fans a frame out to every open connection; set by the
	// gateway during wiring.
	broadcast func(wire.Frame)

	// nowFn is swapped in tests.
	nowFn func() time.Time
}

// NewMessageService wires the router's collaborators.
func NewMessageService(log *zap.Logger, users store.UserDirectory, rooms store.RoomStore,
	messages store.MessageStore, reg *presence.Registry, focus *presence.FocusTracker,
	metrics *relayMetrics) *MessageService {
	return &MessageService{
		users:    users,
		rooms:    rooms,
		messages: messages,
		registry: reg,
		focus:    focus,
		log:      log,
		metrics:  metrics,
		nowFn:    time.Now,
	}
}

// Send routes one encrypted message. A receiver with no focus entry gets the
// message persisted for a later fetch; a focused and online receiver gets it
// live; a receiver with a stale focus entry and no connection loses it.
func (s *MessageService) Send(ctx context.Context, sender string, req *wire.SendMsg) error {
	room, err := s.rooms.Room(ctx, req.RoomID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return chat.Reject(chat.ErrRoomNotFound, "chat room not found")
		}
		return storageErr("load room", err)
	}
	if !chat.IsMember(room, sender) {
		return chat.Reject(chat.ErrNotMember, "you are not a member of this chat room")
	}

	if _, err := s.users.Resolve(ctx, req.Receiver); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return chat.Reject(chat.ErrUnknownUser,
				fmt.Sprintf("user %s does not exist", req.Receiver))
		}
		return storageErr("resolve receiver", err)
	}

	now := s.nowFn().UTC()

	if !s.focus.IsFocused(req.Receiver) {
		profile, err := s.users.Resolve(ctx, sender)
		if err != nil {
			return storageErr("resolve sender", err)
		}
		if _, err := s.messages.SaveMessage(ctx, chat.Message{
			Sender:    sender,
			Receiver:  req.Receiver,
			RoomID:    req.RoomID,
			Content:   req.Message,
			IV:        req.IV,
			PublicKey: profile.PublicKey,
			SentAt:    now,
		}); err != nil {
			return storageErr("save message", err)
		}
		s.metrics.recordMessage("persisted")
		return nil
	}

	if conn, ok := s.registry.Lookup(req.Receiver); ok {
		_ = conn.Send(wire.NewMsg(sender, req.RoomID, req.Message,
			now.Format(time.RFC3339), req.IV))
		s.metrics.recordMessage("delivered")
		return nil
	}

	// Focused but no connection: stale focus entry. Nothing is stored.
	s.metrics.recordMessage("dropped")
	s.log.Warn("message dropped for stale focus",
		zap.String("receiver", req.Receiver), zap.Int64("room_id", req.RoomID))
	return nil
}

// NotifyKeyChange tells every connection that username rotated their public
// key, so open chats refetch it before the next message.
func (s *MessageService) NotifyKeyChange(username string) {
	if s.broadcast == nil {
		return
	}
	s.broadcast(wire.KeyChanged(username))
}
