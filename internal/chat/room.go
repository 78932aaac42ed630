// Package chat holds the domain entities of the relay: users, rooms,
// invitations and messages, plus the pure authorization checks over them.
// Entities are owned by the storage layer; this package defines their shape
// and the rules that do not require I/O.
package chat

// RoomKind distinguishes two-party direct chats from unbounded group chats.
type RoomKind bool

const (
	KindDirect RoomKind = false
	KindGroup  RoomKind = true
)

func (k RoomKind) String() string {
	if k == KindGroup {
		return "group"
	}
	return "direct"
}

// User is a directory entry. Username is the unique identity handle; the
// public key is an opaque snapshot used by clients to derive shared secrets.
type User struct {
	Username  string
	PublicKey string
	About     string
}

// Room is a conversation container. A direct room is created with the owner
// as sole member and grows to two members only through invitation acceptance.
// A group room has no member bound.
type Room struct {
	ID      int64
	Name    string
	Kind    RoomKind
	Owner   string
	Members []string
}

// HasMember reports whether username is a current member of the room.
func (r *Room) HasMember(username string) bool {
	for _, m := range r.Members {
		if m == username {
			return true
		}
	}
	return false
}
