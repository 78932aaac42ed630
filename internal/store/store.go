// Package store persists users, rooms, invitations and fallback messages.
// The relay core consumes the narrow interfaces below and never caches the
// entities beyond a single request; the SQLite implementation is the only
// writer of the persisted state.
package store

import (
	"context"
	"errors"

	"github.com/gordoly/E2EEApp/internal/chat"
)

// ErrNotFound is returned when a looked-up entity does not exist.
var ErrNotFound = errors.New("not found")

// UserDirectory resolves user identities.
type UserDirectory interface {
	// Resolve returns the directory entry for username or ErrNotFound.
	Resolve(ctx context.Context, username string) (chat.User, error)
}

// RoomStore persists rooms and their membership.
type RoomStore interface {
	// CreateRoom stores a room with owner as its sole member and returns
	// the assigned room ID.
	CreateRoom(ctx context.Context, name string, kind chat.RoomKind, owner string) (int64, error)
	// Room loads a room with its members, or ErrNotFound.
	Room(ctx context.Context, id int64) (*chat.Room, error)
	// AddMember inserts username into the room's member set.
	AddMember(ctx context.Context, roomID int64, username string) error
	// RemoveMember deletes username from the room's member set.
	RemoveMember(ctx context.Context, roomID int64, username string) error
	// HaveDirectRoom reports whether a direct room containing both users
	// already exists.
	HaveDirectRoom(ctx context.Context, a, b string) (bool, error)
	// RoomsWithMember lists the rooms of the given kind that username
	// belongs to.
	RoomsWithMember(ctx context.Context, username string, kind chat.RoomKind) ([]chat.Room, error)
}

// InvitationStore persists the invitation lifecycle. Invitations are never
// deleted; a resolved one stays as the conflict record that blocks repeat
// direct invites.
type InvitationStore interface {
	// CreateInvitation stores inv and returns its assigned ID.
	CreateInvitation(ctx context.Context, inv chat.Invitation) (int64, error)
	// Invitation loads one invitation or ErrNotFound.
	Invitation(ctx context.Context, id int64) (*chat.Invitation, error)
	// SetStatus overwrites the invitation status.
	SetStatus(ctx context.Context, id int64, status chat.InviteStatus) error
	// DirectInvitesBetween lists direct-chat invitations from sender to
	// receiver regardless of status.
	DirectInvitesBetween(ctx context.Context, sender, receiver string) ([]chat.Invitation, error)
	// InvitationsBySender lists invitations sent by username, newest first.
	InvitationsBySender(ctx context.Context, username string) ([]chat.Invitation, error)
	// InvitationsByReceiver lists invitations addressed to username.
	InvitationsByReceiver(ctx context.Context, username string) ([]chat.Invitation, error)
}

// MessageStore persists fallback messages for offline receivers.
type MessageStore interface {
	// SaveMessage stores msg and returns its assigned ID.
	SaveMessage(ctx context.Context, msg chat.Message) (int64, error)
	// DrainMessages returns all stored messages for receiver in roomID and
	// deletes them in the same operation.
	DrainMessages(ctx context.Context, roomID int64, receiver string) ([]chat.Message, error)
}

// TokenStore maps opaque auth tokens to usernames. Token issuance happens
// outside the relay; this is lookup only, plus provisioning for tooling.
type TokenStore interface {
	// UserByToken returns the username bound to token or ErrNotFound.
	UserByToken(ctx context.Context, token string) (string, error)
}

// Store is the full persistence surface backed by one database.
type Store interface {
	UserDirectory
	RoomStore
	InvitationStore
	MessageStore
	TokenStore
}
