package server

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/gordoly/E2EEApp/internal/chat"
	"github.com/gordoly/E2EEApp/internal/presence"
	"github.com/gordoly/E2EEApp/internal/store"
	"github.com/gordoly/E2EEApp/internal/wire"
)

// RoomService sequences the multi-step protocol for room creation,
// invitation responses and membership changes. All validation runs before
// any storage mutation; live notifications go out only to connections the
// registry still knows about.
type RoomService struct {
	users    store.UserDirectory
	rooms    store.RoomStore
	invites  store.InvitationStore
	registry *presence.Registry
	focus    *presence.FocusTracker
	log      *zap.Logger
	metrics  *relayMetrics
}

// NewRoomService wires the workflow's collaborators.
func NewRoomService(log *zap.Logger, users store.UserDirectory, rooms store.RoomStore,
	invites store.InvitationStore, reg *presence.Registry, focus *presence.FocusTracker,
	metrics *relayMetrics) *RoomService {
	return &RoomService{
		users:    users,
		rooms:    rooms,
		invites:  invites,
		registry: reg,
		focus:    focus,
		log:      log,
		metrics:  metrics,
	}
}

// CreateRoom validates the invite list, creates the room with the creator as
// sole member and one pending invitation per invitee. Online invitees get a
// new_request frame; the creator gets one response acknowledgement per
// processed invitee, so the final one names the last invitee.
func (s *RoomService) CreateRoom(ctx context.Context, creator string, origin presence.Conn, req *wire.CreateRoom) error {
	if len(req.Receivers) == 0 {
		return chat.Reject(chat.ErrEmptyInviteList, "no users were included in chat room creation")
	}

	kind := chat.RoomKind(req.RoomType)
	if kind == chat.KindDirect {
		if len(req.Receivers) != 1 {
			return chat.Reject(chat.ErrTooManyInvitees, "there can only be one friend in a direct message chat")
		}
		invitee := req.Receivers[0]
		if err := s.checkDirectInvite(ctx, creator, invitee); err != nil {
			return err
		}
	} else if req.GroupName == "" {
		return chat.Reject(chat.ErrMissingGroupName, "A group name must be provided")
	}

	for _, username := range req.Receivers {
		if _, err := s.users.Resolve(ctx, username); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return chat.Reject(chat.ErrUnknownUser, fmt.Sprintf("user %s does not exist", username))
			}
			return storageErr("resolve invitee", err)
		}
		if username == creator {
			return chat.Reject(chat.ErrSelfInvite, "cannot have yourself as one of the invited users")
		}
	}

	roomID, err := s.rooms.CreateRoom(ctx, req.GroupName, kind, creator)
	if err != nil {
		return storageErr("create room", err)
	}
	s.log.Info("room created",
		zap.Int64("room_id", roomID), zap.String("owner", creator), zap.Stringer("kind", kind))

	return s.inviteAll(ctx, creator, origin, roomID, req.GroupName, kind, req.Receivers)
}

// checkDirectInvite enforces the direct-chat conflict rules. Any prior
// invite from creator to invitee blocks, whatever its status; only a
// pending one blocks in the reverse direction.
func (s *RoomService) checkDirectInvite(ctx context.Context, creator, invitee string) error {
	if _, err := s.users.Resolve(ctx, invitee); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return chat.Reject(chat.ErrUnknownUser, fmt.Sprintf("User %s does not exist", invitee))
		}
		return storageErr("resolve invitee", err)
	}

	sent, err := s.invites.DirectInvitesBetween(ctx, creator, invitee)
	if err != nil {
		return storageErr("list sent invites", err)
	}
	if len(sent) >= 1 {
		return chat.Reject(chat.ErrDuplicateInvite,
			fmt.Sprintf("you have already sent an invite to %s", invitee))
	}

	received, err := s.invites.DirectInvitesBetween(ctx, invitee, creator)
	if err != nil {
		return storageErr("list received invites", err)
	}
	for _, inv := range received {
		if inv.Status == chat.StatusPending {
			return chat.Reject(chat.ErrReciprocalInvite,
				fmt.Sprintf("%s already sent you a friend request", invitee))
		}
	}

	friends, err := s.rooms.HaveDirectRoom(ctx, creator, invitee)
	if err != nil {
		return storageErr("check direct rooms", err)
	}
	if friends {
		return chat.Reject(chat.ErrAlreadyDirectFriends,
			fmt.Sprintf("you are already friends with %s", invitee))
	}
	return nil
}

// inviteAll creates one pending invitation per username and performs the
// online-delivery pass shared by room creation and member addition.
func (s *RoomService) inviteAll(ctx context.Context, sender string, origin presence.Conn,
	roomID int64, roomName string, kind chat.RoomKind, usernames []string) error {
	for _, username := range usernames {
		inviteID, err := s.invites.CreateInvitation(ctx, chat.Invitation{
			Sender:   sender,
			Receiver: username,
			RoomID:   roomID,
			Kind:     kind,
			Status:   chat.StatusPending,
		})
		if err != nil {
			return storageErr("create invitation", err)
		}
		s.metrics.recordInvite()

		if conn, ok := s.registry.Lookup(username); ok {
			_ = conn.Send(wire.NewRequest(sender, inviteID, roomID, roomName, kind == chat.KindGroup))
		}
		if origin != nil {
			_ = origin.Send(wire.Response([]any{roomID, username, roomName, kind == chat.KindGroup}))
		}
	}
	return nil
}

// RespondInvitation resolves a pending invitation. A repeat response is not
// rejected; it overwrites the stored status.
func (s *RoomService) RespondInvitation(ctx context.Context, responder string, req *wire.RequestRes) error {
	inv, err := s.invites.Invitation(ctx, req.RequestID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return chat.Reject(chat.ErrInvitationNotFound, "friend request not found")
		}
		return storageErr("load invitation", err)
	}
	if inv.Receiver != responder {
		return chat.Reject(chat.ErrNotReceiver, "only the receiver may respond to this request")
	}

	var status chat.InviteStatus
	switch req.Status {
	case 0:
		status = chat.StatusDeclined
	case 1:
		status = chat.StatusAccepted
	default:
		return chat.Reject(chat.ErrInvalidDecision, "invalid response to friend request")
	}

	if err := s.invites.SetStatus(ctx, inv.ID, status); err != nil {
		return storageErr("update invitation", err)
	}

	room, err := s.rooms.Room(ctx, inv.RoomID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return chat.Reject(chat.ErrRoomNotFound, "chat room not found")
		}
		return storageErr("load room", err)
	}

	if status == chat.StatusAccepted {
		if err := s.rooms.AddMember(ctx, room.ID, responder); err != nil {
			return storageErr("add member", err)
		}
		room.Members = append(room.Members, responder)
	}

	if conn, ok := s.registry.Lookup(inv.Sender); ok {
		_ = conn.Send(wire.RequestUpdate(room.ID, responder, status == chat.StatusAccepted,
			room.Name, room.Kind == chat.KindGroup))
	}

	if status == chat.StatusAccepted && room.Kind == chat.KindGroup {
		s.notifyViewers(room, "")
	}

	s.log.Info("invitation resolved",
		zap.Int64("invitation_id", inv.ID),
		zap.String("responder", responder),
		zap.Stringer("status", status))
	return nil
}

// AddMembers invites more users into a group room. Both candidate checks run
// over the full list before any invitation is written.
func (s *RoomService) AddMembers(ctx context.Context, actor string, origin presence.Conn, req *wire.AddMember) error {
	room, err := s.loadRoom(ctx, req.RoomID)
	if err != nil {
		return err
	}
	if !chat.CanModifyMembership(room, actor) {
		return chat.Reject(chat.ErrNotAuthorized, "only the group owner may add members")
	}

	for _, username := range req.UsersToAdd {
		if _, err := s.users.Resolve(ctx, username); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return chat.Reject(chat.ErrUnknownUser, fmt.Sprintf("user %s does not exist", username))
			}
			return storageErr("resolve candidate", err)
		}
		if room.HasMember(username) {
			return chat.Reject(chat.ErrAlreadyMember,
				fmt.Sprintf("%s is already a member of this group", username))
		}
	}

	return s.inviteAll(ctx, actor, origin, room.ID, room.Name, room.Kind, req.UsersToAdd)
}

// RemoveMember removes target from the room. The owner of a group room may
// remove anyone; any member may remove themselves (self-leave).
func (s *RoomService) RemoveMember(ctx context.Context, actor, target string, roomID int64) error {
	room, err := s.loadRoom(ctx, roomID)
	if err != nil {
		return err
	}

	selfLeave := actor == target
	if selfLeave {
		if !room.HasMember(actor) {
			return chat.Reject(chat.ErrNotMember, "you are not a member of this chat room")
		}
	} else if !chat.CanModifyMembership(room, actor) {
		return chat.Reject(chat.ErrNotAuthorized, "only the group owner may remove members")
	} else if !room.HasMember(target) {
		return chat.Reject(chat.ErrNotMember,
			fmt.Sprintf("%s is not a member of this chat room", target))
	}

	if err := s.rooms.RemoveMember(ctx, room.ID, target); err != nil {
		return storageErr("remove member", err)
	}

	remaining := room.Members[:0:0]
	for _, m := range room.Members {
		if m != target {
			remaining = append(remaining, m)
		}
	}
	room.Members = remaining
	s.notifyViewers(room, target)

	s.log.Info("member removed",
		zap.Int64("room_id", room.ID),
		zap.String("target", target),
		zap.Bool("self_leave", selfLeave))
	return nil
}

// Focus records that username is now viewing roomID, after checking
// membership.
func (s *RoomService) Focus(ctx context.Context, username string, roomID int64) error {
	room, err := s.loadRoom(ctx, roomID)
	if err != nil {
		return err
	}
	if !chat.IsMember(room, username) {
		return chat.Reject(chat.ErrNotMember, "you are not a member of this chat room")
	}
	s.focus.SetFocus(username, roomID)
	return nil
}

func (s *RoomService) loadRoom(ctx context.Context, roomID int64) (*chat.Room, error) {
	room, err := s.rooms.Room(ctx, roomID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, chat.Reject(chat.ErrRoomNotFound, "chat room not found")
		}
		return nil, storageErr("load room", err)
	}
	return room, nil
}

// notifyViewers sends a members-changed refresh to every room member who is
// online and currently focused on the room, excluding skip.
func (s *RoomService) notifyViewers(room *chat.Room, skip string) {
	for _, member := range room.Members {
		if member == skip {
			continue
		}
		focusedRoom, ok := s.focus.FocusedRoom(member)
		if !ok || focusedRoom != room.ID {
			continue
		}
		if conn, online := s.registry.Lookup(member); online {
			_ = conn.Send(wire.MembersChanged())
		}
	}
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, chat.ErrStorageUnavailable, err)
}
