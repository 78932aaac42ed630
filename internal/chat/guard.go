package chat

// IsMember reports whether username currently belongs to room.
func IsMember(room *Room, username string) bool {
	return room != nil && room.HasMember(username)
}

// IsOwner reports whether username owns room.
func IsOwner(room *Room, username string) bool {
	return room != nil && room.Owner == username
}

// CanModifyMembership reports whether actor may add or remove members.
// Only the owner of a group room may; direct rooms never support membership
// changes. Self-leave is a distinct operation open to any member and is not
// gated here.
func CanModifyMembership(room *Room, actor string) bool {
	return IsOwner(room, actor) && room.Kind == KindGroup
}
